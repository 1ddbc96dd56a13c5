package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"approvalflow/internal/domain"
	"approvalflow/internal/events"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/repo"
)

// ProcessOptions are the inputs of ProcessStep. ReturnToNode accepts a node
// id or node_no from the instance's graph.
type ProcessOptions struct {
	StepID       string
	ActorID      string
	Action       string
	Opinion      string
	Attachments  any
	DelegateTo   string
	ReturnToNode string
}

// ProcessStep applies an assignee's decision to a PENDING step and moves the
// instance on. It returns the instance with its steps after the change.
func (e Engine) ProcessStep(ctx context.Context, opts ProcessOptions) (inst domain.Instance, err error) {
	ctx, span := e.startSpan(ctx, "ProcessStep")
	defer func() { endSpan(span, err) }()

	action := strings.ToUpper(strings.TrimSpace(opts.Action))
	switch action {
	case domain.ActionApprove, domain.ActionReject, domain.ActionDelegate, domain.ActionReturn:
	default:
		return domain.Instance{}, badRequest("unknown action %q", opts.Action)
	}
	span.SetAttributes(attribute.String("step.id", opts.StepID), attribute.String("step.action", action))

	probe, err := e.Repo.GetStep(ctx, opts.StepID)
	if err != nil {
		return domain.Instance{}, lookup(err, "step "+opts.StepID)
	}
	unlock := e.lockInstance(probe.InstanceID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	inst, instErr := e.Repo.LockInstance(ctx, tx, probe.InstanceID)
	if instErr != nil && !errors.Is(instErr, repo.ErrNotFound) {
		return domain.Instance{}, instErr
	}
	step, err := e.Repo.GetStepTx(ctx, tx, opts.StepID)
	if err != nil {
		return domain.Instance{}, lookup(err, "step "+opts.StepID)
	}
	if step.AssigneeID != opts.ActorID {
		return domain.Instance{}, forbidden("step %s is not assigned to %s", step.StepNo, opts.ActorID)
	}
	switch step.Status {
	case domain.StepPending:
	case domain.StepCancelled:
		return domain.Instance{}, ErrStepWithdrawn
	default:
		return domain.Instance{}, ErrStepProcessed
	}
	if instErr != nil {
		return domain.Instance{}, notFound("instance %s", step.InstanceID)
	}
	if inst.Status != domain.InstancePending {
		return domain.Instance{}, forbidden("instance %s is %s", inst.InstanceNo, inst.Status)
	}

	t := e.traversal(ctx, tx, &inst, opts.ActorID)
	logger := t.logger.With(logkeys.StepID, step.ID, logkeys.Action, action)
	now := e.now()
	var opinion *string
	if opts.Opinion != "" {
		opinion = &opts.Opinion
	}
	closeAs := func(status string) error {
		closed, err := e.Repo.CompleteStepTx(ctx, tx, repo.StepCompletion{
			ID:          step.ID,
			Status:      status,
			Action:      action,
			Opinion:     opinion,
			Attachments: opts.Attachments,
			CompletedAt: e.stamp(now),
			Duration:    e.elapsed(ctx, step.StartedAt, now),
		})
		if err != nil {
			return err
		}
		if !closed {
			return ErrStepProcessed
		}
		return nil
	}

	switch action {
	case domain.ActionApprove:
		if inst.Graph == nil {
			return domain.Instance{}, serverError("instance %s has no graph snapshot", inst.InstanceNo)
		}
		node, ok := inst.Graph.Node(step.NodeID)
		if !ok {
			return domain.Instance{}, serverError("step %s belongs to node %s missing from the graph", step.StepNo, step.NodeID)
		}
		if err := closeAs(domain.StepApproved); err != nil {
			return domain.Instance{}, err
		}
		advance := true
		switch node.ApprovalType {
		case domain.ApprovalAnd:
			pending, err := e.Repo.CountPendingAtNodeTx(ctx, tx, inst.ID, node.ID)
			if err != nil {
				return domain.Instance{}, err
			}
			if pending > 0 {
				logger.Debug(logkeys.Message, "waiting for other approvers", logkeys.GenericCount, pending)
				advance = false
			}
		case domain.ApprovalOr:
			cancelled, err := e.cancelPending(ctx, tx, inst.ID, opts.ActorID, e.stamp(now), &step)
			if err != nil {
				return domain.Instance{}, err
			}
			logger.Debug(logkeys.Message, "cancelled sibling steps", logkeys.GenericCount, cancelled)
		}
		if advance {
			if err := t.advance(ctx, node); err != nil {
				return domain.Instance{}, err
			}
		}
	case domain.ActionReject:
		if err := closeAs(domain.StepRejected); err != nil {
			return domain.Instance{}, err
		}
		if err := t.complete(ctx, domain.InstanceRejected); err != nil {
			return domain.Instance{}, err
		}
	case domain.ActionDelegate:
		target := strings.TrimSpace(opts.DelegateTo)
		if target == "" {
			return domain.Instance{}, badRequest("delegate target is required")
		}
		if target == step.AssigneeID {
			return domain.Instance{}, badRequest("cannot delegate a step to its own assignee")
		}
		if err := closeAs(domain.StepDelegated); err != nil {
			return domain.Instance{}, err
		}
		from := step.AssigneeID
		if err := t.insertStep(ctx, domain.Step{
			ID:            newID(),
			InstanceID:    inst.ID,
			NodeID:        step.NodeID,
			NodeName:      step.NodeName,
			StepNo:        step.StepNo + "_D",
			AssigneeID:    target,
			Status:        domain.StepPending,
			StartedAt:     e.stamp(now),
			DelegatedFrom: &from,
			CreatedAt:     e.stamp(now),
		}); err != nil {
			return domain.Instance{}, err
		}
	case domain.ActionReturn:
		ref := strings.TrimSpace(opts.ReturnToNode)
		if ref == "" {
			return domain.Instance{}, badRequest("return target node is required")
		}
		target, ok := findNode(inst.Graph, ref)
		if !ok {
			return domain.Instance{}, notFound("node %s", ref)
		}
		if err := closeAs(domain.StepRejected); err != nil {
			return domain.Instance{}, err
		}
		targetID := target.ID
		inst.CurrentNodeID = &targetID
		if err := t.save(ctx); err != nil {
			return domain.Instance{}, err
		}
		if err := t.createApprovalSteps(ctx, target); err != nil {
			return domain.Instance{}, err
		}
	}

	if opinion != nil {
		if err := e.Repo.InsertOpinion(ctx, tx, domain.Opinion{
			ID:          newID(),
			StepID:      step.ID,
			AuthorID:    opts.ActorID,
			OpinionType: opinionTypeFor(action),
			Content:     *opinion,
			Attachments: opts.Attachments,
			CreatedAt:   e.stamp(now),
		}); err != nil {
			return domain.Instance{}, fmt.Errorf("insert opinion: %w", err)
		}
	}
	if err := e.emit(ctx, tx, events.StepProcessed, inst.ID, events.KindStep, step.ID, opts.ActorID, events.EventPayload{
		"action":      action,
		"step_no":     step.StepNo,
		"delegate_to": opts.DelegateTo,
		"return_to":   opts.ReturnToNode,
	}); err != nil {
		return domain.Instance{}, err
	}
	if inst.Steps, err = e.Repo.ListStepsByInstanceTx(ctx, tx, inst.ID); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	logger.Info(logkeys.Message, "step processed", logkeys.Status, inst.Status)
	return inst, nil
}

func findNode(g *domain.Graph, ref string) (domain.FlowNode, bool) {
	if g == nil {
		return domain.FlowNode{}, false
	}
	if n, ok := g.Node(ref); ok {
		return n, true
	}
	for _, n := range g.Nodes {
		if n.NodeNo == ref {
			return n, true
		}
	}
	return domain.FlowNode{}, false
}

func opinionTypeFor(action string) string {
	switch action {
	case domain.ActionApprove:
		return domain.OpinionApprove
	case domain.ActionReject, domain.ActionReturn:
		return domain.OpinionReject
	default:
		return domain.OpinionComment
	}
}
