package repo

import (
	"context"
	"database/sql"

	"approvalflow/internal/domain"
)

// AddMember binds a user to a role or department. Re-adding is a no-op.
func (r Repo) AddMember(ctx context.Context, tx *sql.Tx, m domain.Member, now string) error {
	_, err := tx.ExecContext(ctx, r.q(r.Dialect.InsertIgnore(`INSERT INTO directory_members(kind,group_id,user_id,created_at) VALUES (?,?,?,?)`)),
		m.Kind, m.GroupID, m.UserID, now)
	return err
}

func (r Repo) RemoveMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	return expectOne(tx.ExecContext(ctx, r.q(`DELETE FROM directory_members WHERE kind=? AND group_id=? AND user_id=?`), m.Kind, m.GroupID, m.UserID))
}

// ListMembers lists memberships, optionally narrowed to one kind.
func (r Repo) ListMembers(ctx context.Context, kind string) ([]domain.Member, error) {
	query := `SELECT kind,group_id,user_id FROM directory_members`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY kind, group_id, created_at, user_id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.Kind, &m.GroupID, &m.UserID); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UsersInGroups returns the members of the given groups in group order, then
// insertion order.
func (r Repo) UsersInGroups(ctx context.Context, kind string, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var users []string
	for _, g := range groupIDs {
		rows, err := r.DB.QueryContext(ctx, r.q(`SELECT user_id FROM directory_members WHERE kind=? AND group_id=? ORDER BY created_at, user_id`), kind, g)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return nil, err
			}
			users = append(users, u)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return users, nil
}
