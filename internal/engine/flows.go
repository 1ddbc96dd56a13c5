package engine

import (
	"context"
	"errors"
	"fmt"

	"approvalflow/internal/domain"
	"approvalflow/internal/events"
	"approvalflow/internal/expr"
	"approvalflow/internal/flowdef"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/repo"
)

type FlowFilters = repo.FlowFilters

// CreateFlow stores a new unpublished, active flow at version 1.
func (e Engine) CreateFlow(ctx context.Context, def flowdef.Definition, actorID string) (flow domain.Flow, err error) {
	ctx, span := e.startSpan(ctx, "CreateFlow")
	defer func() { endSpan(span, err) }()

	def.Normalize()
	if err := def.Validate(); err != nil {
		return domain.Flow{}, badRequest("%v", err)
	}
	now := e.stamp(e.now())
	flow = domain.Flow{
		ID:          newID(),
		FlowNo:      def.FlowNo,
		Name:        def.Name,
		Description: def.Description,
		Icon:        def.Icon,
		Category:    def.Category,
		IsActive:    true,
		IsPublished: false,
		Version:     1,
		FormSchema:  def.FormSchema,
		Settings:    def.Settings,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	flow.Nodes, flow.Lines = buildGraph(flow.ID, def)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetFlowByNoTx(ctx, tx, def.FlowNo); err == nil {
		return domain.Flow{}, badRequest("flow_no %s already exists", def.FlowNo)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Flow{}, err
	}
	if err := e.Repo.InsertFlow(ctx, tx, flow); err != nil {
		return domain.Flow{}, fmt.Errorf("insert flow: %w", err)
	}
	if err := e.Repo.InsertNodes(ctx, tx, flow.Nodes); err != nil {
		return domain.Flow{}, fmt.Errorf("insert nodes: %w", err)
	}
	if err := e.Repo.InsertLines(ctx, tx, flow.Lines); err != nil {
		return domain.Flow{}, fmt.Errorf("insert lines: %w", err)
	}
	if err := e.emit(ctx, tx, events.FlowCreated, "", events.KindFlow, flow.ID, actorID, events.EventPayload{
		"flow_no": flow.FlowNo,
		"nodes":   len(flow.Nodes),
		"lines":   len(flow.Lines),
	}); err != nil {
		return domain.Flow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	e.logger(ctx).Debug(logkeys.Message, "flow created", logkeys.FlowID, flow.ID, "flow_no", flow.FlowNo)
	return flow, nil
}

// UpdateFlow replaces metadata and, when def has nodes, the whole graph.
// A graph replacement bumps the version and is refused for published flows.
func (e Engine) UpdateFlow(ctx context.Context, id string, def flowdef.Definition, actorID string) (flow domain.Flow, err error) {
	ctx, span := e.startSpan(ctx, "UpdateFlow")
	defer func() { endSpan(span, err) }()

	def.Normalize()
	if err := def.Validate(); err != nil {
		return domain.Flow{}, badRequest("%v", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	flow, err = e.Repo.GetFlowTx(ctx, tx, id)
	if err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	replaceGraph := len(def.Nodes) > 0
	if replaceGraph && flow.IsPublished {
		return domain.Flow{}, forbidden("flow %s is published; unpublish it before changing nodes", flow.FlowNo)
	}
	if def.FlowNo != flow.FlowNo {
		if _, err := e.Repo.GetFlowByNoTx(ctx, tx, def.FlowNo); err == nil {
			return domain.Flow{}, badRequest("flow_no %s already exists", def.FlowNo)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Flow{}, err
		}
	}
	flow.FlowNo = def.FlowNo
	flow.Name = def.Name
	flow.Description = def.Description
	flow.Icon = def.Icon
	flow.Category = def.Category
	flow.FormSchema = def.FormSchema
	flow.Settings = def.Settings
	flow.UpdatedAt = e.stamp(e.now())
	if replaceGraph {
		flow.Version++
		if err := e.Repo.DeleteGraph(ctx, tx, flow.ID); err != nil {
			return domain.Flow{}, fmt.Errorf("delete graph: %w", err)
		}
		flow.Nodes, flow.Lines = buildGraph(flow.ID, def)
		if err := e.Repo.InsertNodes(ctx, tx, flow.Nodes); err != nil {
			return domain.Flow{}, fmt.Errorf("insert nodes: %w", err)
		}
		if err := e.Repo.InsertLines(ctx, tx, flow.Lines); err != nil {
			return domain.Flow{}, fmt.Errorf("insert lines: %w", err)
		}
	} else {
		if flow.Nodes, err = e.Repo.ListNodesTx(ctx, tx, flow.ID); err != nil {
			return domain.Flow{}, err
		}
		if flow.Lines, err = e.Repo.ListLinesTx(ctx, tx, flow.ID); err != nil {
			return domain.Flow{}, err
		}
	}
	if err := e.Repo.UpdateFlowTx(ctx, tx, flow); err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	if err := e.emit(ctx, tx, events.FlowUpdated, "", events.KindFlow, flow.ID, actorID, events.EventPayload{
		"version":       flow.Version,
		"graph_changed": replaceGraph,
	}); err != nil {
		return domain.Flow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	return flow, nil
}

// DeleteFlow removes lines, nodes and then the flow. Running instances keep
// their pinned graph.
func (e Engine) DeleteFlow(ctx context.Context, id, actorID string) (err error) {
	ctx, span := e.startSpan(ctx, "DeleteFlow")
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	flow, err := e.Repo.GetFlowTx(ctx, tx, id)
	if err != nil {
		return lookup(err, "flow "+id)
	}
	running, err := e.Repo.CountInstancesByFlowTx(ctx, tx, id, domain.InstancePending)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteGraph(ctx, tx, id); err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	if err := e.Repo.DeleteFlow(ctx, tx, id); err != nil {
		return lookup(err, "flow "+id)
	}
	if err := e.emit(ctx, tx, events.FlowDeleted, "", events.KindFlow, id, actorID, events.EventPayload{
		"flow_no":           flow.FlowNo,
		"pending_instances": running,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if running > 0 {
		e.logger(ctx).Info(logkeys.Message, "deleted flow with pending instances", logkeys.FlowID, id, logkeys.GenericCount, running)
	}
	return nil
}

// PublishFlow checks the stored graph can run and marks the flow published
// and active.
func (e Engine) PublishFlow(ctx context.Context, id, actorID string) (flow domain.Flow, err error) {
	ctx, span := e.startSpan(ctx, "PublishFlow")
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	flow, err = e.Repo.GetFlowTx(ctx, tx, id)
	if err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	if flow.Nodes, err = e.Repo.ListNodesTx(ctx, tx, id); err != nil {
		return domain.Flow{}, err
	}
	if flow.Lines, err = e.Repo.ListLinesTx(ctx, tx, id); err != nil {
		return domain.Flow{}, err
	}
	if err := flowdef.Publishable(flow.Nodes, flow.Lines); err != nil {
		return domain.Flow{}, badRequest("%v", err)
	}
	for _, l := range flow.Lines {
		if l.ConditionType != domain.ConditionExpression || l.ConditionExpression == "" {
			continue
		}
		if _, err := expr.Compile(l.ConditionExpression); err != nil {
			return domain.Flow{}, badRequest("line %s: %v", l.LineNo, err)
		}
	}
	flow.IsPublished, flow.IsActive = true, true
	flow.UpdatedAt = e.stamp(e.now())
	if err := e.Repo.SetFlowPublished(ctx, tx, id, true, true, flow.UpdatedAt); err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	if err := e.emit(ctx, tx, events.FlowPublished, "", events.KindFlow, id, actorID, events.EventPayload{"version": flow.Version}); err != nil {
		return domain.Flow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	return flow, nil
}

// UnpublishFlow clears the published flag only.
func (e Engine) UnpublishFlow(ctx context.Context, id, actorID string) (flow domain.Flow, err error) {
	ctx, span := e.startSpan(ctx, "UnpublishFlow")
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	flow, err = e.Repo.GetFlowTx(ctx, tx, id)
	if err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	flow.IsPublished = false
	flow.UpdatedAt = e.stamp(e.now())
	if err := e.Repo.SetFlowPublished(ctx, tx, id, false, flow.IsActive, flow.UpdatedAt); err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	if err := e.emit(ctx, tx, events.FlowUnpublished, "", events.KindFlow, id, actorID, nil); err != nil {
		return domain.Flow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	return flow, nil
}

// GetFlow returns the flow with its nodes and lines.
func (e Engine) GetFlow(ctx context.Context, id string) (domain.Flow, error) {
	flow, err := e.Repo.GetFlow(ctx, id)
	if err != nil {
		return domain.Flow{}, lookup(err, "flow "+id)
	}
	if flow.Nodes, err = e.Repo.ListNodes(ctx, id); err != nil {
		return domain.Flow{}, err
	}
	if flow.Lines, err = e.Repo.ListLines(ctx, id); err != nil {
		return domain.Flow{}, err
	}
	return flow, nil
}

func (e Engine) ListFlows(ctx context.Context, f FlowFilters) ([]domain.Flow, error) {
	return e.Repo.ListFlows(ctx, f)
}

// buildGraph assigns ids and resolves line endpoints from node_no to node id.
func buildGraph(flowID string, def flowdef.Definition) ([]domain.FlowNode, []domain.FlowLine) {
	ids := make(map[string]string, len(def.Nodes))
	nodes := make([]domain.FlowNode, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		id := newID()
		ids[n.NodeNo] = id
		nodes = append(nodes, domain.FlowNode{
			ID:                  id,
			FlowID:              flowID,
			NodeNo:              n.NodeNo,
			Name:                n.Name,
			NodeType:            n.NodeType,
			ApprovalType:        n.ApprovalType,
			AssigneeType:        n.AssigneeType,
			AssigneeValue:       string(n.AssigneeValue),
			FormPermission:      n.FormPermission,
			OperationPermission: n.OperationPermission,
			PositionX:           n.PositionX,
			PositionY:           n.PositionY,
			OrderNum:            n.OrderNum,
			IsFirst:             n.IsFirst,
			IsFinal:             n.IsFinal,
			Settings:            n.Settings,
		})
	}
	lines := make([]domain.FlowLine, 0, len(def.Lines))
	for _, l := range def.Lines {
		lines = append(lines, domain.FlowLine{
			ID:                  newID(),
			FlowID:              flowID,
			LineNo:              l.LineNo,
			FromNodeID:          ids[l.From],
			ToNodeID:            ids[l.To],
			ConditionType:       l.ConditionType,
			ConditionExpression: l.ConditionExpression,
			Priority:            l.Priority,
			Label:               l.Label,
			Settings:            l.Settings,
		})
	}
	return nodes, lines
}
