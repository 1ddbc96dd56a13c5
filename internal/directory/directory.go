// Package directory answers role and department membership for assignee
// resolution.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"approvalflow/internal/domain"
	"approvalflow/internal/repo"
)

// memberStamp is fixed width so created_at sorts lexically.
const memberStamp = "2006-01-02T15:04:05.000000000Z07:00"

// Kinds of membership groups.
const (
	KindRole = "ROLE"
	KindDept = "DEPT"
)

// NormalizeKind upper-cases kind and rejects anything but ROLE and DEPT.
func NormalizeKind(kind string) (string, error) {
	k := strings.ToUpper(strings.TrimSpace(kind))
	if k != KindRole && k != KindDept {
		return "", fmt.Errorf("unknown membership kind %q", kind)
	}
	return k, nil
}

// SQL serves memberships stored in the directory_members table.
type SQL struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (d SQL) UsersByRole(ctx context.Context, roleIDs []string) ([]string, error) {
	return d.Repo.UsersInGroups(ctx, KindRole, roleIDs)
}

func (d SQL) UsersByDept(ctx context.Context, deptIDs []string) ([]string, error) {
	return d.Repo.UsersInGroups(ctx, KindDept, deptIDs)
}

func (d SQL) AddMember(ctx context.Context, m domain.Member) error {
	kind, err := NormalizeKind(m.Kind)
	if err != nil {
		return err
	}
	m.Kind = kind
	if m.GroupID == "" || m.UserID == "" {
		return fmt.Errorf("group and user are required")
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		return d.Repo.AddMember(ctx, tx, m, now().UTC().Format(memberStamp))
	})
}

func (d SQL) RemoveMember(ctx context.Context, m domain.Member) error {
	kind, err := NormalizeKind(m.Kind)
	if err != nil {
		return err
	}
	m.Kind = kind
	return d.withTx(ctx, func(tx *sql.Tx) error {
		return d.Repo.RemoveMember(ctx, tx, m)
	})
}

func (d SQL) ListMembers(ctx context.Context, kind string) ([]domain.Member, error) {
	if kind != "" {
		k, err := NormalizeKind(kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	return d.Repo.ListMembers(ctx, kind)
}

// Seed adds every membership listed in static.
func (d SQL) Seed(ctx context.Context, static Static) error {
	for _, m := range static.Members() {
		if err := d.AddMember(ctx, m); err != nil {
			return fmt.Errorf("seed %s %s/%s: %w", m.Kind, m.GroupID, m.UserID, err)
		}
	}
	return nil
}

func (d SQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Static serves memberships from configuration maps of group id to users.
type Static struct {
	Roles map[string][]string
	Depts map[string][]string
}

func (s Static) UsersByRole(_ context.Context, roleIDs []string) ([]string, error) {
	return collect(s.Roles, roleIDs), nil
}

func (s Static) UsersByDept(_ context.Context, deptIDs []string) ([]string, error) {
	return collect(s.Depts, deptIDs), nil
}

// Members flattens the maps, ordered by kind then group id.
func (s Static) Members() []domain.Member {
	var res []domain.Member
	for _, g := range slices.Sorted(maps.Keys(s.Roles)) {
		for _, u := range s.Roles[g] {
			res = append(res, domain.Member{Kind: KindRole, GroupID: g, UserID: u})
		}
	}
	for _, g := range slices.Sorted(maps.Keys(s.Depts)) {
		for _, u := range s.Depts[g] {
			res = append(res, domain.Member{Kind: KindDept, GroupID: g, UserID: u})
		}
	}
	return res
}

func collect(groups map[string][]string, ids []string) []string {
	var users []string
	for _, id := range ids {
		users = append(users, groups[id]...)
	}
	return users
}
