package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"approvalflow/internal/domain"
)

type InstanceFilters struct {
	FlowID       string
	ApplicantID  string
	Status       string
	Urgency      string
	BusinessType string
	BusinessKey  string
	// Title matches as a substring.
	Title string
	// StartedFrom and StartedTo bound started_at inclusively.
	StartedFrom string
	StartedTo   string
	Limit       int
	Offset      int
}

const instanceColumns = `id,instance_no,flow_id,flow_version,applicant_id,title,status,current_node_id,business_key,business_type,form_data,graph_json,started_at,ended_at,duration,urgency,tags,attachments,settings,created_at,updated_at`

func scanInstance(row rowScanner) (domain.Instance, error) {
	var inst domain.Instance
	var current, businessKey, businessType, formData, endedAt, tags, attachments, settings sql.NullString
	var graph string
	var duration sql.NullInt64
	err := row.Scan(&inst.ID, &inst.InstanceNo, &inst.FlowID, &inst.FlowVersion, &inst.ApplicantID, &inst.Title, &inst.Status, &current, &businessKey, &businessType, &formData, &graph, &inst.StartedAt, &endedAt, &duration, &inst.Urgency, &tags, &attachments, &settings, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.CurrentNodeID = optionalString(current)
	inst.BusinessKey = businessKey.String
	inst.BusinessType = businessType.String
	inst.EndedAt = optionalString(endedAt)
	inst.Duration = optionalInt64(duration)
	if err := unmarshalJSON(formData, &inst.FormData); err != nil {
		return inst, err
	}
	if err := unmarshalJSON(tags, &inst.Tags); err != nil {
		return inst, err
	}
	if inst.Attachments, err = opaque(attachments); err != nil {
		return inst, err
	}
	if inst.Settings, err = opaque(settings); err != nil {
		return inst, err
	}
	var g domain.Graph
	if err := json.Unmarshal([]byte(graph), &g); err != nil {
		return inst, fmt.Errorf("unmarshal graph snapshot: %w", err)
	}
	inst.Graph = &g
	return inst, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance) error {
	if inst.Graph == nil {
		return fmt.Errorf("instance %s has no graph snapshot", inst.InstanceNo)
	}
	graph, err := json.Marshal(inst.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph snapshot: %w", err)
	}
	formData, err := marshalJSON(inst.FormData)
	if err != nil {
		return err
	}
	var tags any
	if len(inst.Tags) > 0 {
		if tags, err = marshalJSON(inst.Tags); err != nil {
			return err
		}
	}
	attachments, err := marshalJSON(inst.Attachments)
	if err != nil {
		return err
	}
	settings, err := marshalJSON(inst.Settings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO instances(`+instanceColumns+`) VALUES (`+placeholders(21)+`)`),
		inst.ID, inst.InstanceNo, inst.FlowID, inst.FlowVersion, inst.ApplicantID, inst.Title, inst.Status, nullableStringPtr(inst.CurrentNodeID),
		nullable(inst.BusinessKey), nullable(inst.BusinessType), formData, string(graph), inst.StartedAt, nullableStringPtr(inst.EndedAt),
		nullableInt64Ptr(inst.Duration), inst.Urgency, tags, attachments, settings, inst.CreatedAt, inst.UpdatedAt)
	return err
}

// UpdateInstanceStateTx writes the mutable progress columns.
func (r Repo) UpdateInstanceStateTx(ctx context.Context, tx *sql.Tx, inst domain.Instance) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE instances SET status=?,current_node_id=?,ended_at=?,duration=?,updated_at=? WHERE id=?`),
		inst.Status, nullableStringPtr(inst.CurrentNodeID), nullableStringPtr(inst.EndedAt), nullableInt64Ptr(inst.Duration), inst.UpdatedAt, inst.ID))
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, r.q(`SELECT `+instanceColumns+` FROM instances WHERE id=?`), id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(tx.QueryRowContext(ctx, r.q(`SELECT `+instanceColumns+` FROM instances WHERE id=?`), id))
}

// LockInstance reads the instance row and holds its write lock until tx ends.
func (r Repo) LockInstance(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(tx.QueryRowContext(ctx, r.q(`SELECT `+instanceColumns+` FROM instances WHERE id=?`+r.Dialect.ForUpdate()), id))
}

func (r Repo) InstanceNoExistsTx(ctx context.Context, tx *sql.Tx, instanceNo string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM instances WHERE instance_no=?`), instanceNo).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) CountInstancesByFlowTx(ctx context.Context, tx *sql.Tx, flowID, status string) (int, error) {
	query := `SELECT COUNT(1) FROM instances WHERE flow_id=?`
	args := []any{flowID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	var n int
	if err := tx.QueryRowContext(ctx, r.q(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.FlowID != "" {
		clauses = append(clauses, "flow_id=?")
		args = append(args, f.FlowID)
	}
	if f.ApplicantID != "" {
		clauses = append(clauses, "applicant_id=?")
		args = append(args, f.ApplicantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Urgency != "" {
		clauses = append(clauses, "urgency=?")
		args = append(args, f.Urgency)
	}
	if f.BusinessType != "" {
		clauses = append(clauses, "business_type=?")
		args = append(args, f.BusinessType)
	}
	if f.BusinessKey != "" {
		clauses = append(clauses, "business_key=?")
		args = append(args, f.BusinessKey)
	}
	if f.Title != "" {
		clauses = append(clauses, "title LIKE ?")
		args = append(args, "%"+f.Title+"%")
	}
	if f.StartedFrom != "" {
		clauses = append(clauses, "started_at>=?")
		args = append(args, f.StartedFrom)
	}
	if f.StartedTo != "" {
		clauses = append(clauses, "started_at<=?")
		args = append(args, f.StartedTo)
	}
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, instance_no DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// DeleteInstance removes the instance; steps, opinions and events cascade.
func (r Repo) DeleteInstance(ctx context.Context, tx *sql.Tx, id string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`DELETE FROM instances WHERE id=?`), id))
}
