package repo

import (
	"context"
	"database/sql"

	"approvalflow/internal/domain"
)

func (r Repo) InsertOpinion(ctx context.Context, tx *sql.Tx, o domain.Opinion) error {
	attachments, err := marshalJSON(o.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO opinions(id,step_id,author_id,author_name,opinion_type,content,attachments,is_private,reply_to,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		o.ID, o.StepID, o.AuthorID, nullable(o.AuthorName), o.OpinionType, o.Content, attachments, o.IsPrivate, nullableStringPtr(o.ReplyTo), o.CreatedAt)
	return err
}

// ListOpinions returns a step's opinions oldest first. Private opinions are
// only included for their author.
func (r Repo) ListOpinions(ctx context.Context, stepID, viewerID string) ([]domain.Opinion, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,step_id,author_id,author_name,opinion_type,content,attachments,is_private,reply_to,created_at FROM opinions WHERE step_id=? AND (is_private=? OR author_id=?) ORDER BY created_at, id`),
		stepID, false, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Opinion
	for rows.Next() {
		var o domain.Opinion
		var authorName, attachments, replyTo sql.NullString
		if err := rows.Scan(&o.ID, &o.StepID, &o.AuthorID, &authorName, &o.OpinionType, &o.Content, &attachments, &o.IsPrivate, &replyTo, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.AuthorName = authorName.String
		o.ReplyTo = optionalString(replyTo)
		if o.Attachments, err = opaque(attachments); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) GetOpinionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Opinion, error) {
	var o domain.Opinion
	var authorName, attachments, replyTo sql.NullString
	err := tx.QueryRowContext(ctx, r.q(`SELECT id,step_id,author_id,author_name,opinion_type,content,attachments,is_private,reply_to,created_at FROM opinions WHERE id=?`), id).
		Scan(&o.ID, &o.StepID, &o.AuthorID, &authorName, &o.OpinionType, &o.Content, &attachments, &o.IsPrivate, &replyTo, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.AuthorName = authorName.String
	o.ReplyTo = optionalString(replyTo)
	if o.Attachments, err = opaque(attachments); err != nil {
		return o, err
	}
	return o, nil
}
