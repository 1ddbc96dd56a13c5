package engine

import (
	"context"
	"fmt"
	"strings"

	"approvalflow/internal/domain"
	"approvalflow/internal/events"
)

type OpinionOptions struct {
	StepID      string
	AuthorID    string
	AuthorName  string
	Type        string
	Content     string
	Attachments any
	Private     bool
	ReplyTo     string
}

// AddOpinion appends a comment to a step. Replies must target an opinion on
// the same step.
func (e Engine) AddOpinion(ctx context.Context, opts OpinionOptions) (op domain.Opinion, err error) {
	ctx, span := e.startSpan(ctx, "AddOpinion")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(opts.Content) == "" {
		return domain.Opinion{}, badRequest("content is required")
	}
	if opts.AuthorID == "" {
		return domain.Opinion{}, badRequest("author is required")
	}
	kind := strings.ToUpper(strings.TrimSpace(opts.Type))
	switch kind {
	case "":
		kind = domain.OpinionComment
	case domain.OpinionComment, domain.OpinionApprove, domain.OpinionReject:
	default:
		return domain.Opinion{}, badRequest("unknown opinion type %q", opts.Type)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Opinion{}, err
	}
	defer tx.Rollback()

	step, err := e.Repo.GetStepTx(ctx, tx, opts.StepID)
	if err != nil {
		return domain.Opinion{}, lookup(err, "step "+opts.StepID)
	}
	op = domain.Opinion{
		ID:          newID(),
		StepID:      step.ID,
		AuthorID:    opts.AuthorID,
		AuthorName:  opts.AuthorName,
		OpinionType: kind,
		Content:     opts.Content,
		Attachments: opts.Attachments,
		IsPrivate:   opts.Private,
		CreatedAt:   e.stamp(e.now()),
	}
	if opts.ReplyTo != "" {
		parent, err := e.Repo.GetOpinionTx(ctx, tx, opts.ReplyTo)
		if err != nil || (parent.IsPrivate && parent.AuthorID != opts.AuthorID) {
			if err != nil && !isNotFound(err) {
				return domain.Opinion{}, err
			}
			return domain.Opinion{}, notFound("opinion %s", opts.ReplyTo)
		}
		if parent.StepID != step.ID {
			return domain.Opinion{}, badRequest("opinion %s is not on step %s", opts.ReplyTo, step.StepNo)
		}
		op.ReplyTo = &parent.ID
	}
	if err := e.Repo.InsertOpinion(ctx, tx, op); err != nil {
		return domain.Opinion{}, fmt.Errorf("insert opinion: %w", err)
	}
	if err := e.emit(ctx, tx, events.OpinionAdded, step.InstanceID, events.KindOpinion, op.ID, opts.AuthorID, events.EventPayload{
		"step_id": step.ID,
		"type":    kind,
		"private": op.IsPrivate,
	}); err != nil {
		return domain.Opinion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Opinion{}, err
	}
	return op, nil
}

// ListOpinions returns a step's opinions as seen by viewerID.
func (e Engine) ListOpinions(ctx context.Context, stepID, viewerID string) ([]domain.Opinion, error) {
	if _, err := e.Repo.GetStep(ctx, stepID); err != nil {
		return nil, lookup(err, "step "+stepID)
	}
	return e.Repo.ListOpinions(ctx, stepID, viewerID)
}
