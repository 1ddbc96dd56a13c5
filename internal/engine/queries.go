package engine

import (
	"context"

	"approvalflow/internal/domain"
	"approvalflow/internal/repo"
)

type (
	InstanceFilters = repo.InstanceFilters
	EventFilters    = repo.EventFilters
)

func (e Engine) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	if f.Urgency != "" {
		u, err := normalizeUrgency(f.Urgency)
		if err != nil {
			return nil, err
		}
		f.Urgency = u
	}
	return e.Repo.ListInstances(ctx, f)
}

// MyInitiated lists instances started by userID, newest first.
func (e Engine) MyInitiated(ctx context.Context, userID string) ([]domain.Instance, error) {
	if userID == "" {
		return nil, badRequest("user is required")
	}
	return e.Repo.ListInstances(ctx, InstanceFilters{ApplicantID: userID})
}

// MyTodo lists the PENDING steps waiting on userID.
func (e Engine) MyTodo(ctx context.Context, userID string) ([]domain.TodoItem, error) {
	if userID == "" {
		return nil, badRequest("user is required")
	}
	return e.Repo.ListTodo(ctx, userID)
}

// MyDone lists steps userID has acted on. Carbon copies are not included.
func (e Engine) MyDone(ctx context.Context, userID string) ([]domain.DoneItem, error) {
	if userID == "" {
		return nil, badRequest("user is required")
	}
	return e.Repo.ListDone(ctx, userID)
}

// MarkStepRead flags a step as seen by its assignee.
func (e Engine) MarkStepRead(ctx context.Context, stepID, actorID string) error {
	step, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return lookup(err, "step "+stepID)
	}
	if step.AssigneeID != actorID {
		return forbidden("step %s is not assigned to %s", step.StepNo, actorID)
	}
	if step.IsRead {
		return nil
	}
	return lookup(e.Repo.MarkStepRead(ctx, stepID, actorID), "step "+stepID)
}

// ListEvents returns an instance's audit trail, newest first.
func (e Engine) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.InstanceID != "" {
		if _, err := e.Repo.GetInstance(ctx, f.InstanceID); err != nil {
			return nil, lookup(err, "instance "+f.InstanceID)
		}
	}
	return e.Repo.ListEvents(ctx, f)
}
