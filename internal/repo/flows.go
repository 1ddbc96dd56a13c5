package repo

import (
	"context"
	"database/sql"
	"strings"

	"approvalflow/internal/domain"
)

type FlowFilters struct {
	Category  string
	Name      string
	Active    *bool
	Published *bool
}

const flowColumns = `id,flow_no,name,description,icon,category,is_active,is_published,version,form_schema,settings,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (domain.Flow, error) {
	var f domain.Flow
	var desc, icon, category, schema, settings, createdBy sql.NullString
	err := row.Scan(&f.ID, &f.FlowNo, &f.Name, &desc, &icon, &category, &f.IsActive, &f.IsPublished, &f.Version, &schema, &settings, &createdBy, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Description = desc.String
	f.Icon = icon.String
	f.Category = category.String
	f.CreatedBy = createdBy.String
	if f.FormSchema, err = opaque(schema); err != nil {
		return f, err
	}
	if f.Settings, err = opaque(settings); err != nil {
		return f, err
	}
	return f, nil
}

func (r Repo) InsertFlow(ctx context.Context, tx *sql.Tx, f domain.Flow) error {
	schema, err := marshalJSON(f.FormSchema)
	if err != nil {
		return err
	}
	settings, err := marshalJSON(f.Settings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO flows(`+flowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		f.ID, f.FlowNo, f.Name, nullable(f.Description), nullable(f.Icon), nullable(f.Category), f.IsActive, f.IsPublished, f.Version, schema, settings, nullable(f.CreatedBy), f.CreatedAt, f.UpdatedAt)
	return err
}

// UpdateFlowTx writes metadata, flags and version.
func (r Repo) UpdateFlowTx(ctx context.Context, tx *sql.Tx, f domain.Flow) error {
	schema, err := marshalJSON(f.FormSchema)
	if err != nil {
		return err
	}
	settings, err := marshalJSON(f.Settings)
	if err != nil {
		return err
	}
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE flows SET flow_no=?,name=?,description=?,icon=?,category=?,is_active=?,is_published=?,version=?,form_schema=?,settings=?,updated_at=? WHERE id=?`),
		f.FlowNo, f.Name, nullable(f.Description), nullable(f.Icon), nullable(f.Category), f.IsActive, f.IsPublished, f.Version, schema, settings, f.UpdatedAt, f.ID))
}

func (r Repo) SetFlowPublished(ctx context.Context, tx *sql.Tx, id string, published, active bool, now string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`UPDATE flows SET is_published=?,is_active=?,updated_at=? WHERE id=?`), published, active, now, id))
}

func (r Repo) DeleteFlow(ctx context.Context, tx *sql.Tx, id string) error {
	return expectOne(tx.ExecContext(ctx, r.q(`DELETE FROM flows WHERE id=?`), id))
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.Flow, error) {
	return r.getFlow(ctx, r.DB, id)
}

func (r Repo) GetFlowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Flow, error) {
	return r.getFlow(ctx, tx, id)
}

func (r Repo) getFlow(ctx context.Context, q querier, id string) (domain.Flow, error) {
	return scanFlow(q.QueryRowContext(ctx, r.q(`SELECT `+flowColumns+` FROM flows WHERE id=?`), id))
}

func (r Repo) GetFlowByNoTx(ctx context.Context, tx *sql.Tx, flowNo string) (domain.Flow, error) {
	return scanFlow(tx.QueryRowContext(ctx, r.q(`SELECT `+flowColumns+` FROM flows WHERE flow_no=?`), flowNo))
}

func (r Repo) ListFlows(ctx context.Context, f FlowFilters) ([]domain.Flow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Name != "" {
		clauses = append(clauses, "name LIKE ?")
		args = append(args, "%"+f.Name+"%")
	}
	if f.Active != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, *f.Active)
	}
	if f.Published != nil {
		clauses = append(clauses, "is_published=?")
		args = append(args, *f.Published)
	}
	query := `SELECT ` + flowColumns + ` FROM flows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, flow_no`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertNodes(ctx context.Context, tx *sql.Tx, nodes []domain.FlowNode) error {
	for _, n := range nodes {
		formPerm, err := marshalJSON(n.FormPermission)
		if err != nil {
			return err
		}
		opPerm, err := marshalJSON(n.OperationPermission)
		if err != nil {
			return err
		}
		settings, err := marshalJSON(n.Settings)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO flow_nodes(id,flow_id,node_no,name,node_type,approval_type,assignee_type,assignee_value,form_permission,operation_permission,position_x,position_y,order_num,is_first,is_final,settings) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			n.ID, n.FlowID, n.NodeNo, n.Name, n.NodeType, n.ApprovalType, nullable(n.AssigneeType), nullable(n.AssigneeValue), formPerm, opPerm, n.PositionX, n.PositionY, n.OrderNum, n.IsFirst, n.IsFinal, settings); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertLines(ctx context.Context, tx *sql.Tx, lines []domain.FlowLine) error {
	for _, l := range lines {
		settings, err := marshalJSON(l.Settings)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO flow_lines(id,flow_id,line_no,from_node_id,to_node_id,condition_type,condition_expression,priority,label,settings) VALUES (?,?,?,?,?,?,?,?,?,?)`),
			l.ID, l.FlowID, l.LineNo, l.FromNodeID, l.ToNodeID, l.ConditionType, nullable(l.ConditionExpression), l.Priority, nullable(l.Label), settings); err != nil {
			return err
		}
	}
	return nil
}

// DeleteGraph removes a flow's lines and then its nodes.
func (r Repo) DeleteGraph(ctx context.Context, tx *sql.Tx, flowID string) error {
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM flow_lines WHERE flow_id=?`), flowID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, r.q(`DELETE FROM flow_nodes WHERE flow_id=?`), flowID)
	return err
}

func (r Repo) ListNodes(ctx context.Context, flowID string) ([]domain.FlowNode, error) {
	return r.listNodes(ctx, r.DB, flowID)
}

func (r Repo) ListNodesTx(ctx context.Context, tx *sql.Tx, flowID string) ([]domain.FlowNode, error) {
	return r.listNodes(ctx, tx, flowID)
}

func (r Repo) listNodes(ctx context.Context, q querier, flowID string) ([]domain.FlowNode, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,flow_id,node_no,name,node_type,approval_type,assignee_type,assignee_value,form_permission,operation_permission,position_x,position_y,order_num,is_first,is_final,settings FROM flow_nodes WHERE flow_id=? ORDER BY order_num, node_no`), flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowNode
	for rows.Next() {
		var n domain.FlowNode
		var assigneeType, assigneeValue, formPerm, opPerm, settings sql.NullString
		if err := rows.Scan(&n.ID, &n.FlowID, &n.NodeNo, &n.Name, &n.NodeType, &n.ApprovalType, &assigneeType, &assigneeValue, &formPerm, &opPerm, &n.PositionX, &n.PositionY, &n.OrderNum, &n.IsFirst, &n.IsFinal, &settings); err != nil {
			return nil, err
		}
		n.AssigneeType = assigneeType.String
		n.AssigneeValue = assigneeValue.String
		if n.FormPermission, err = opaque(formPerm); err != nil {
			return nil, err
		}
		if n.OperationPermission, err = opaque(opPerm); err != nil {
			return nil, err
		}
		if n.Settings, err = opaque(settings); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) ListLines(ctx context.Context, flowID string) ([]domain.FlowLine, error) {
	return r.listLines(ctx, r.DB, flowID)
}

func (r Repo) ListLinesTx(ctx context.Context, tx *sql.Tx, flowID string) ([]domain.FlowLine, error) {
	return r.listLines(ctx, tx, flowID)
}

func (r Repo) listLines(ctx context.Context, q querier, flowID string) ([]domain.FlowLine, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,flow_id,line_no,from_node_id,to_node_id,condition_type,condition_expression,priority,label,settings FROM flow_lines WHERE flow_id=? ORDER BY priority DESC, line_no`), flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowLine
	for rows.Next() {
		var l domain.FlowLine
		var expr, label, settings sql.NullString
		if err := rows.Scan(&l.ID, &l.FlowID, &l.LineNo, &l.FromNodeID, &l.ToNodeID, &l.ConditionType, &expr, &l.Priority, &label, &settings); err != nil {
			return nil, err
		}
		l.ConditionExpression = expr.String
		l.Label = label.String
		if l.Settings, err = opaque(settings); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
