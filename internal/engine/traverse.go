package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"approvalflow/internal/domain"
	"approvalflow/internal/events"
	"approvalflow/internal/expr"
	"approvalflow/internal/logkeys"
)

// StartOptions are the inputs of StartInstance.
type StartOptions struct {
	FlowID       string
	ApplicantID  string
	Title        string
	FormData     map[string]any
	BusinessKey  string
	BusinessType string
	Urgency      string
	Tags         []string
	Attachments  any
	Settings     any
}

// StartInstance creates a PENDING instance pinned to the flow's current
// graph and advances it from the first node.
func (e Engine) StartInstance(ctx context.Context, opts StartOptions) (inst domain.Instance, err error) {
	ctx, span := e.startSpan(ctx, "StartInstance")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(opts.Title) == "" {
		return domain.Instance{}, badRequest("title is required")
	}
	if opts.ApplicantID == "" {
		return domain.Instance{}, badRequest("applicant is required")
	}
	urgency, err := normalizeUrgency(opts.Urgency)
	if err != nil {
		return domain.Instance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	flow, err := e.Repo.GetFlowTx(ctx, tx, opts.FlowID)
	if err != nil {
		return domain.Instance{}, lookup(err, "flow "+opts.FlowID)
	}
	if !flow.IsActive {
		return domain.Instance{}, forbidden("flow %s is not active", flow.FlowNo)
	}
	graph := domain.Graph{FlowID: flow.ID, Version: flow.Version}
	if graph.Nodes, err = e.Repo.ListNodesTx(ctx, tx, flow.ID); err != nil {
		return domain.Instance{}, err
	}
	if graph.Lines, err = e.Repo.ListLinesTx(ctx, tx, flow.ID); err != nil {
		return domain.Instance{}, err
	}
	start, ok := graph.First()
	if !ok {
		return domain.Instance{}, serverError("flow %s has no first node", flow.FlowNo)
	}

	now := e.now()
	instanceNo, err := e.nextInstanceNo(ctx, tx, now)
	if err != nil {
		return domain.Instance{}, err
	}
	startID := start.ID
	inst = domain.Instance{
		ID:            newID(),
		InstanceNo:    instanceNo,
		FlowID:        flow.ID,
		FlowVersion:   flow.Version,
		ApplicantID:   opts.ApplicantID,
		Title:         opts.Title,
		Status:        domain.InstancePending,
		CurrentNodeID: &startID,
		BusinessKey:   opts.BusinessKey,
		BusinessType:  opts.BusinessType,
		FormData:      opts.FormData,
		Graph:         &graph,
		StartedAt:     e.stamp(now),
		Urgency:       urgency,
		Tags:          opts.Tags,
		Attachments:   opts.Attachments,
		Settings:      opts.Settings,
		CreatedAt:     e.stamp(now),
		UpdatedAt:     e.stamp(now),
	}
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.emit(ctx, tx, events.InstanceStarted, inst.ID, events.KindInstance, inst.ID, opts.ApplicantID, events.EventPayload{
		"instance_no":  inst.InstanceNo,
		"flow_id":      flow.ID,
		"flow_version": flow.Version,
	}); err != nil {
		return domain.Instance{}, err
	}

	span.SetAttributes(attribute.String("instance.id", inst.ID), attribute.String("flow.id", flow.ID))
	t := e.traversal(ctx, tx, &inst, opts.ApplicantID)
	if err := t.advance(ctx, start); err != nil {
		return domain.Instance{}, err
	}
	if inst.Steps, err = e.Repo.ListStepsByInstanceTx(ctx, tx, inst.ID); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	e.logger(ctx).Info(logkeys.Message, "instance started", logkeys.InstanceID, inst.ID, logkeys.InstanceNo, inst.InstanceNo, logkeys.Status, inst.Status)
	return inst, nil
}

func normalizeUrgency(u string) (string, error) {
	u = strings.ToUpper(strings.TrimSpace(u))
	switch u {
	case "":
		return domain.UrgencyNormal, nil
	case domain.UrgencyLow, domain.UrgencyNormal, domain.UrgencyHigh, domain.UrgencyUrgent:
		return u, nil
	default:
		return "", badRequest("unknown urgency %q", u)
	}
}

// nextInstanceNo renders INST_<yyyymmddhhmmss>_<suffix>, retrying the random
// suffix until it is unused.
func (e Engine) nextInstanceNo(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	for i := 0; i < 8; i++ {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
		no := "INST_" + now.Format("20060102150405") + "_" + suffix
		exists, err := e.Repo.InstanceNoExistsTx(ctx, tx, no)
		if err != nil {
			return "", err
		}
		if !exists {
			return no, nil
		}
	}
	return "", serverError("could not allocate an instance number")
}

// traversal carries one transaction's view of an instance while it moves.
type traversal struct {
	e      Engine
	tx     *sql.Tx
	inst   *domain.Instance
	actor  string
	logger log.Logger
}

func (e Engine) traversal(ctx context.Context, tx *sql.Tx, inst *domain.Instance, actorID string) *traversal {
	return &traversal{
		e:      e,
		tx:     tx,
		inst:   inst,
		actor:  actorID,
		logger: e.logger(ctx).With(logkeys.InstanceID, inst.ID, logkeys.InstanceNo, inst.InstanceNo),
	}
}

func (t *traversal) graph() *domain.Graph {
	if t.inst.Graph == nil {
		t.inst.Graph = &domain.Graph{}
	}
	return t.inst.Graph
}

// outgoing returns the lines leaving nodeID, highest priority first and then
// by line_no.
func (t *traversal) outgoing(nodeID string) []domain.FlowLine {
	var lines []domain.FlowLine
	for _, l := range t.graph().Lines {
		if l.FromNodeID == nodeID {
			lines = append(lines, l)
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Priority != lines[j].Priority {
			return lines[i].Priority > lines[j].Priority
		}
		return lines[i].LineNo < lines[j].LineNo
	})
	return lines
}

// advance moves the instance out of from. CC and CONDITION nodes are passed
// through in a loop; entering one twice is a graph cycle.
func (t *traversal) advance(ctx context.Context, from domain.FlowNode) error {
	visited := map[string]bool{}
	if isPassThrough(from) {
		visited[from.ID] = true
	}
	current := from
	for {
		lines := t.outgoing(current.ID)
		if len(lines) == 0 {
			t.logger.Debug(logkeys.Message, "node has no outgoing lines", logkeys.NodeID, current.ID)
			return t.complete(ctx, domain.InstanceApproved)
		}
		line := t.selectLine(ctx, current, lines)
		next, ok := t.graph().Node(line.ToNodeID)
		if !ok {
			return serverError("line %s points at missing node %s", line.LineNo, line.ToNodeID)
		}
		nextID := next.ID
		t.inst.CurrentNodeID = &nextID
		if err := t.save(ctx); err != nil {
			return err
		}
		t.logger.Debug(logkeys.Message, "moved", logkeys.LineID, line.ID, logkeys.NodeID, next.ID, "node_type", next.NodeType)

		switch next.NodeType {
		case domain.NodeEnd:
			return t.complete(ctx, domain.InstanceApproved)
		case domain.NodeApproval:
			return t.createApprovalSteps(ctx, next)
		case domain.NodeCC, domain.NodeCondition:
			if visited[next.ID] {
				return serverError("cycle through node %s", next.NodeNo)
			}
			visited[next.ID] = true
			if next.NodeType == domain.NodeCC {
				if err := t.createCCSteps(ctx, next); err != nil {
					return err
				}
			}
			current = next
		default:
			return t.stall(ctx, next, "node type cannot be entered by traversal")
		}
	}
}

func isPassThrough(n domain.FlowNode) bool {
	return n.NodeType == domain.NodeCC || n.NodeType == domain.NodeCondition
}

// selectLine returns the first matching line. When none match the first line
// is taken anyway and the fallback is reported.
func (t *traversal) selectLine(ctx context.Context, node domain.FlowNode, lines []domain.FlowLine) domain.FlowLine {
	for _, l := range lines {
		if t.matches(l) {
			return l
		}
	}
	warn(t.logger, "no line matched, taking first line", logkeys.NodeID, node.ID, logkeys.LineID, lines[0].ID, "fallback", true)
	if t.e.fallbacks != nil {
		t.e.fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("flow.id", t.graph().FlowID),
			attribute.String("node.no", node.NodeNo),
		))
	}
	return lines[0]
}

func (t *traversal) matches(l domain.FlowLine) bool {
	switch l.ConditionType {
	case domain.ConditionNone, domain.ConditionApproved, domain.ConditionRejected, "":
		return true
	case domain.ConditionExpression:
		if strings.TrimSpace(l.ConditionExpression) == "" {
			return false
		}
		vars := t.inst.FormData
		if vars == nil {
			vars = map[string]any{}
		}
		ok, err := expr.Evaluate(l.ConditionExpression, vars)
		if err != nil {
			warn(t.logger, "condition evaluation failed", logkeys.LineID, l.ID, "expression", l.ConditionExpression, logkeys.Error, err)
			return false
		}
		return ok
	default:
		warn(t.logger, "unknown condition type", logkeys.LineID, l.ID, "condition_type", l.ConditionType)
		return false
	}
}

func (t *traversal) createApprovalSteps(ctx context.Context, node domain.FlowNode) error {
	users := t.e.Resolver.Resolve(ctx, node, t.inst.ApplicantID)
	if len(users) == 0 {
		return t.stall(ctx, node, "no assignees resolved")
	}
	now := t.e.now()
	for i, u := range users {
		s := domain.Step{
			ID:         newID(),
			InstanceID: t.inst.ID,
			NodeID:     node.ID,
			NodeName:   node.Name,
			StepNo:     fmt.Sprintf("STEP_%s_%s_%d", t.inst.InstanceNo, node.NodeNo, i+1),
			AssigneeID: u,
			Status:     domain.StepPending,
			StartedAt:  t.e.stamp(now),
			CreatedAt:  t.e.stamp(now),
		}
		if err := t.insertStep(ctx, s); err != nil {
			return err
		}
	}
	t.countCreated(ctx, node, len(users))
	return nil
}

func (t *traversal) createCCSteps(ctx context.Context, node domain.FlowNode) error {
	users := t.e.Resolver.Resolve(ctx, node, t.inst.ApplicantID)
	if len(users) == 0 {
		t.logger.Debug(logkeys.Message, "carbon-copy node has no recipients", logkeys.NodeID, node.ID)
		return nil
	}
	now := t.e.stamp(t.e.now())
	action := domain.ActionCC
	var zero int64
	for i, u := range users {
		completed := now
		s := domain.Step{
			ID:          newID(),
			InstanceID:  t.inst.ID,
			NodeID:      node.ID,
			NodeName:    node.Name,
			StepNo:      fmt.Sprintf("CC_%s_%s_%d", t.inst.InstanceNo, node.NodeNo, i+1),
			AssigneeID:  u,
			Status:      domain.StepApproved,
			Action:      &action,
			StartedAt:   now,
			CompletedAt: &completed,
			Duration:    &zero,
			CreatedAt:   now,
		}
		if err := t.insertStep(ctx, s); err != nil {
			return err
		}
	}
	t.countCreated(ctx, node, len(users))
	return nil
}

func (t *traversal) insertStep(ctx context.Context, s domain.Step) error {
	if err := t.e.Repo.InsertStep(ctx, t.tx, s); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return t.e.emit(ctx, t.tx, events.StepCreated, t.inst.ID, events.KindStep, s.ID, t.actor, events.EventPayload{
		"step_no":  s.StepNo,
		"node_id":  s.NodeID,
		"assignee": s.AssigneeID,
		"status":   s.Status,
	})
}

func (t *traversal) countCreated(ctx context.Context, node domain.FlowNode, n int) {
	if t.e.created != nil {
		t.e.created.Add(ctx, int64(n), metric.WithAttributes(attribute.String("node.type", node.NodeType)))
	}
}

// stall leaves the instance PENDING at node with nothing to act on.
func (t *traversal) stall(ctx context.Context, node domain.FlowNode, reason string) error {
	warn(t.logger, "instance stalled", logkeys.NodeID, node.ID, "node_type", node.NodeType, "reason", reason)
	return t.e.emit(ctx, t.tx, events.InstanceStalled, t.inst.ID, events.KindInstance, t.inst.ID, t.actor, events.EventPayload{
		"node_id": node.ID,
		"reason":  reason,
	})
}

// complete ends the instance. Steps still PENDING are cancelled so no open
// work outlives it.
func (t *traversal) complete(ctx context.Context, status string) error {
	now := t.e.now()
	ended := t.e.stamp(now)
	duration := t.e.elapsed(ctx, t.inst.StartedAt, now)
	t.inst.Status = status
	t.inst.EndedAt = &ended
	t.inst.Duration = &duration
	if err := t.save(ctx); err != nil {
		return err
	}
	cancelled, err := t.e.cancelPending(ctx, t.tx, t.inst.ID, t.actor, ended, nil)
	if err != nil {
		return err
	}
	t.logger.Debug(logkeys.Message, "instance completed", logkeys.Status, status, "duration", duration, logkeys.GenericCount, cancelled)
	return t.e.emit(ctx, t.tx, events.InstanceCompleted, t.inst.ID, events.KindInstance, t.inst.ID, t.actor, events.EventPayload{
		"status":          status,
		"duration":        duration,
		"cancelled_steps": cancelled,
	})
}

// cancelPending cancels the instance's PENDING steps and writes a
// step.cancelled event for each. With keep set, only the other PENDING steps
// at keep's node are cancelled.
func (e Engine) cancelPending(ctx context.Context, tx *sql.Tx, instanceID, actorID, now string, keep *domain.Step) (int64, error) {
	steps, err := e.Repo.ListStepsByInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return 0, err
	}
	var victims []domain.Step
	for _, s := range steps {
		if s.Status != domain.StepPending {
			continue
		}
		if keep != nil && (s.NodeID != keep.NodeID || s.ID == keep.ID) {
			continue
		}
		victims = append(victims, s)
	}
	var n int64
	if keep != nil {
		n, err = e.Repo.CancelPendingSiblings(ctx, tx, instanceID, keep.NodeID, keep.ID, now)
	} else {
		n, err = e.Repo.CancelPendingSteps(ctx, tx, instanceID, now)
	}
	if err != nil {
		return 0, err
	}
	for _, s := range victims {
		if err := e.emit(ctx, tx, events.StepCancelled, instanceID, events.KindStep, s.ID, actorID, events.EventPayload{
			"step_no":     s.StepNo,
			"node_id":     s.NodeID,
			"assignee_id": s.AssigneeID,
		}); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (t *traversal) save(ctx context.Context) error {
	t.inst.UpdatedAt = t.e.stamp(t.e.now())
	if err := t.e.Repo.UpdateInstanceStateTx(ctx, t.tx, *t.inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return nil
}
