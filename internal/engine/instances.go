package engine

import (
	"context"
	"errors"

	"approvalflow/internal/domain"
	"approvalflow/internal/events"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/repo"
)

// CancelInstance lets the applicant abandon a PENDING instance. Open steps
// are cancelled with it.
func (e Engine) CancelInstance(ctx context.Context, id, actorID string) (inst domain.Instance, err error) {
	ctx, span := e.startSpan(ctx, "CancelInstance")
	defer func() { endSpan(span, err) }()

	unlock := e.lockInstance(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	inst, err = e.Repo.LockInstance(ctx, tx, id)
	if err != nil {
		return domain.Instance{}, lookup(err, "instance "+id)
	}
	if inst.ApplicantID != actorID {
		return domain.Instance{}, forbidden("only the applicant can cancel instance %s", inst.InstanceNo)
	}
	if inst.Status != domain.InstancePending {
		return domain.Instance{}, forbidden("instance %s is %s", inst.InstanceNo, inst.Status)
	}
	now := e.now()
	ended := e.stamp(now)
	duration := e.elapsed(ctx, inst.StartedAt, now)
	inst.Status = domain.InstanceCancelled
	inst.EndedAt = &ended
	inst.Duration = &duration
	inst.UpdatedAt = ended
	if err := e.Repo.UpdateInstanceStateTx(ctx, tx, inst); err != nil {
		return domain.Instance{}, err
	}
	cancelled, err := e.cancelPending(ctx, tx, inst.ID, actorID, ended, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	if err := e.emit(ctx, tx, events.InstanceCancelled, inst.ID, events.KindInstance, inst.ID, actorID, events.EventPayload{
		"cancelled_steps": cancelled,
		"duration":        duration,
	}); err != nil {
		return domain.Instance{}, err
	}
	if inst.Steps, err = e.Repo.ListStepsByInstanceTx(ctx, tx, inst.ID); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	e.logger(ctx).Info(logkeys.Message, "instance cancelled", logkeys.InstanceID, inst.ID, logkeys.GenericCount, cancelled)
	return inst, nil
}

// DeleteInstance removes a finished instance owned by actorID together with
// its steps, opinions and events.
func (e Engine) DeleteInstance(ctx context.Context, id, actorID string) (err error) {
	ctx, span := e.startSpan(ctx, "DeleteInstance")
	defer func() { endSpan(span, err) }()

	unlock := e.lockInstance(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst, err := e.Repo.LockInstance(ctx, tx, id)
	if err != nil {
		return lookup(err, "instance "+id)
	}
	if inst.ApplicantID != actorID {
		return forbidden("only the applicant can delete instance %s", inst.InstanceNo)
	}
	if inst.Status == domain.InstancePending {
		return forbidden("instance %s is still pending; cancel it first", inst.InstanceNo)
	}
	if err := e.Repo.DeleteInstance(ctx, tx, id); err != nil {
		return lookup(err, "instance "+id)
	}
	// The instance's own events are gone with it; keep a tombstone.
	if err := e.emit(ctx, tx, events.InstanceDeleted, "", events.KindInstance, id, actorID, events.EventPayload{
		"instance_no": inst.InstanceNo,
		"status":      inst.Status,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger(ctx).Info(logkeys.Message, "instance deleted", logkeys.InstanceID, id)
	return nil
}

// GetInstance returns the instance with its steps.
func (e Engine) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, id)
	if err != nil {
		return domain.Instance{}, lookup(err, "instance "+id)
	}
	if inst.Steps, err = e.Repo.ListStepsByInstance(ctx, id); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// InstanceGraph returns the graph an instance is pinned to.
func (e Engine) InstanceGraph(ctx context.Context, id string) (domain.Graph, error) {
	inst, err := e.Repo.GetInstance(ctx, id)
	if err != nil {
		return domain.Graph{}, lookup(err, "instance "+id)
	}
	if inst.Graph == nil {
		return domain.Graph{}, serverError("instance %s has no graph", inst.InstanceNo)
	}
	return *inst.Graph, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, repo.ErrNotFound)
}
