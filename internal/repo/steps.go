package repo

import (
	"context"
	"database/sql"

	"approvalflow/internal/domain"
)

const stepColumns = `id,instance_id,node_id,node_name,step_no,assignee_id,assignee_name,status,action,opinion,attachments,started_at,completed_at,duration,is_read,delegated_from,settings,created_at`

// StepCompletion closes a pending step.
type StepCompletion struct {
	ID          string
	Status      string
	Action      string
	Opinion     *string
	Attachments any
	CompletedAt string
	Duration    int64
}

func scanStep(row rowScanner) (domain.Step, error) {
	var s domain.Step
	var nodeName, assigneeName, action, opinion, attachments, completedAt, delegatedFrom, settings sql.NullString
	var duration sql.NullInt64
	err := row.Scan(&s.ID, &s.InstanceID, &s.NodeID, &nodeName, &s.StepNo, &s.AssigneeID, &assigneeName, &s.Status, &action, &opinion, &attachments, &s.StartedAt, &completedAt, &duration, &s.IsRead, &delegatedFrom, &settings, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.NodeName = nodeName.String
	s.AssigneeName = assigneeName.String
	s.Action = optionalString(action)
	s.Opinion = optionalString(opinion)
	s.CompletedAt = optionalString(completedAt)
	s.Duration = optionalInt64(duration)
	s.DelegatedFrom = optionalString(delegatedFrom)
	if s.Attachments, err = opaque(attachments); err != nil {
		return s, err
	}
	if s.Settings, err = opaque(settings); err != nil {
		return s, err
	}
	return s, nil
}

func scanSteps(rows *sql.Rows) ([]domain.Step, error) {
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	attachments, err := marshalJSON(s.Attachments)
	if err != nil {
		return err
	}
	settings, err := marshalJSON(s.Settings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO steps(`+stepColumns+`) VALUES (`+placeholders(18)+`)`),
		s.ID, s.InstanceID, s.NodeID, nullable(s.NodeName), s.StepNo, s.AssigneeID, nullable(s.AssigneeName), s.Status,
		nullableStringPtr(s.Action), nullableStringPtr(s.Opinion), attachments, s.StartedAt, nullableStringPtr(s.CompletedAt),
		nullableInt64Ptr(s.Duration), s.IsRead, nullableStringPtr(s.DelegatedFrom), settings, s.CreatedAt)
	return err
}

// CompleteStepTx closes the step only while it is still PENDING and reports
// whether this call was the one that closed it.
func (r Repo) CompleteStepTx(ctx context.Context, tx *sql.Tx, c StepCompletion) (bool, error) {
	attachments, err := marshalJSON(c.Attachments)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE steps SET status=?,action=?,opinion=?,attachments=COALESCE(?,attachments),completed_at=?,duration=? WHERE id=? AND status=?`),
		c.Status, c.Action, nullableStringPtr(c.Opinion), attachments, c.CompletedAt, c.Duration, c.ID, domain.StepPending)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelPendingSiblings cancels the other PENDING steps at a node.
func (r Repo) CancelPendingSiblings(ctx context.Context, tx *sql.Tx, instanceID, nodeID, exceptStepID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE steps SET status=?,action=?,completed_at=?,duration=0 WHERE instance_id=? AND node_id=? AND id<>? AND status=?`),
		domain.StepCancelled, domain.ActionCancel, now, instanceID, nodeID, exceptStepID, domain.StepPending)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// CancelPendingSteps cancels every PENDING step of an instance.
func (r Repo) CancelPendingSteps(ctx context.Context, tx *sql.Tx, instanceID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE steps SET status=?,action=?,completed_at=?,duration=0 WHERE instance_id=? AND status=?`),
		domain.StepCancelled, domain.ActionCancel, now, instanceID, domain.StepPending)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (r Repo) CountPendingAtNodeTx(ctx context.Context, tx *sql.Tx, instanceID, nodeID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM steps WHERE instance_id=? AND node_id=? AND status=?`), instanceID, nodeID, domain.StepPending).Scan(&n)
	return n, err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx, r.q(`SELECT `+stepColumns+` FROM steps WHERE id=?`), id))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.Step, error) {
	return scanStep(tx.QueryRowContext(ctx, r.q(`SELECT `+stepColumns+` FROM steps WHERE id=?`), id))
}

func (r Repo) ListStepsByInstance(ctx context.Context, instanceID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+stepColumns+` FROM steps WHERE instance_id=? ORDER BY created_at, id`), instanceID)
	if err != nil {
		return nil, err
	}
	return scanSteps(rows)
}

func (r Repo) ListStepsByInstanceTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.Step, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+stepColumns+` FROM steps WHERE instance_id=? ORDER BY created_at, id`), instanceID)
	if err != nil {
		return nil, err
	}
	return scanSteps(rows)
}

// MarkStepRead flags a step as read by its assignee.
func (r Repo) MarkStepRead(ctx context.Context, id, assigneeID string) error {
	return expectOne(r.DB.ExecContext(ctx, r.q(`UPDATE steps SET is_read=? WHERE id=? AND assignee_id=?`), true, id, assigneeID))
}

// ListTodo returns the user's PENDING steps on PENDING instances.
func (r Repo) ListTodo(ctx context.Context, userID string) ([]domain.TodoItem, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT s.id,s.step_no,s.node_name,i.id,i.instance_no,i.title,COALESCE(f.name,''),i.applicant_id,s.status,i.urgency,s.started_at,s.is_read
FROM steps s
JOIN instances i ON i.id=s.instance_id
LEFT JOIN flows f ON f.id=i.flow_id
WHERE s.assignee_id=? AND s.status=? AND i.status=?
ORDER BY s.started_at DESC, s.id DESC`), userID, domain.StepPending, domain.InstancePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TodoItem
	for rows.Next() {
		var item domain.TodoItem
		var nodeName sql.NullString
		if err := rows.Scan(&item.StepID, &item.StepNo, &nodeName, &item.InstanceID, &item.InstanceNo, &item.Title, &item.FlowName, &item.ApplicantID, &item.Status, &item.Urgency, &item.StartedAt, &item.IsRead); err != nil {
			return nil, err
		}
		item.NodeName = nodeName.String
		res = append(res, item)
	}
	return res, rows.Err()
}

// ListDone returns the user's closed steps, newest completion first.
// Carbon-copy receipts are excluded.
func (r Repo) ListDone(ctx context.Context, userID string) ([]domain.DoneItem, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT s.id,i.id,i.instance_no,i.title,COALESCE(f.name,''),i.applicant_id,s.status,s.action,s.opinion,s.completed_at
FROM steps s
JOIN instances i ON i.id=s.instance_id
LEFT JOIN flows f ON f.id=i.flow_id
WHERE s.assignee_id=? AND s.status IN (?,?,?,?) AND (s.action IS NULL OR s.action<>?)
ORDER BY s.completed_at DESC, s.id DESC`),
		userID, domain.StepApproved, domain.StepRejected, domain.StepDelegated, domain.StepCancelled, domain.ActionCC)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DoneItem
	for rows.Next() {
		var item domain.DoneItem
		var action, opinion, completedAt sql.NullString
		if err := rows.Scan(&item.StepID, &item.InstanceID, &item.InstanceNo, &item.Title, &item.FlowName, &item.ApplicantID, &item.Status, &action, &opinion, &completedAt); err != nil {
			return nil, err
		}
		item.Action = action.String
		item.Opinion = optionalString(opinion)
		item.CompletedAt = optionalString(completedAt)
		res = append(res, item)
	}
	return res, rows.Err()
}
