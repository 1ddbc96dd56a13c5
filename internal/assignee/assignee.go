// Package assignee maps a node's assignee configuration to user ids.
package assignee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"

	"approvalflow/internal/domain"
	"approvalflow/internal/logkeys"
)

var ErrMalformed = errors.New("malformed assignee value")

// Directory looks up the members of roles and departments.
type Directory interface {
	UsersByRole(ctx context.Context, roleIDs []string) ([]string, error)
	UsersByDept(ctx context.Context, deptIDs []string) ([]string, error)
}

// Resolver turns node assignee settings into an ordered, de-duplicated list
// of user ids. It never fails: configuration problems are logged and yield
// an empty list.
type Resolver struct {
	Directory Directory
	Logger    log.Logger
}

func (r Resolver) logger(ctx context.Context) log.Logger {
	l := r.Logger
	if l == nil {
		l = log.NopLogger
	}
	return ctxlog.Logger(ctx, l)
}

// Resolve returns the users responsible for node in an instance started by
// applicantID.
func (r Resolver) Resolve(ctx context.Context, node domain.FlowNode, applicantID string) []string {
	logger := r.logger(ctx).With(logkeys.NodeID, node.ID, "assignee_type", node.AssigneeType)
	warn := func(msg string, kv ...any) {
		logger.Info(append([]any{logkeys.Level, logkeys.Warn, logkeys.Message, msg}, kv...)...)
	}

	if node.AssigneeType == domain.AssigneeInitiator {
		if applicantID == "" {
			warn("initiator assignee without applicant")
			return nil
		}
		return []string{applicantID}
	}
	if node.AssigneeType == domain.AssigneeDynamic {
		warn("dynamic assignees are not supported")
		return nil
	}

	ids, err := ParseValue(node.AssigneeValue)
	if err != nil {
		warn("unparseable assignee value", "assignee_value", node.AssigneeValue, logkeys.Error, err)
		return nil
	}

	var users []string
	switch node.AssigneeType {
	case domain.AssigneeUser:
		users = ids
	case domain.AssigneeRole, domain.AssigneeDept:
		if r.Directory == nil {
			warn("no directory configured")
			return nil
		}
		lookup := r.Directory.UsersByRole
		if node.AssigneeType == domain.AssigneeDept {
			lookup = r.Directory.UsersByDept
		}
		users, err = lookup(ctx, ids)
		if err != nil {
			warn("directory lookup failed", "groups", strings.Join(ids, ","), logkeys.Error, err)
			return nil
		}
	default:
		warn("unknown assignee type")
		return nil
	}

	users = dedupe(users)
	logger.Debug(logkeys.Message, "resolved assignees", logkeys.GenericCount, len(users))
	return users
}

// ParseValue splits an assignee value given as a JSON list, a JSON scalar or
// a comma-delimited list.
func ParseValue(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	var raw any
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		if strings.HasPrefix(v, "[") || strings.HasPrefix(v, "{") {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out := nonEmpty(strings.Split(v, ","))
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: no identifiers", ErrMalformed)
		}
		return out, nil
	}
	items, ok := raw.([]any)
	if !ok {
		items = []any{raw}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case float64:
			out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			return nil, fmt.Errorf("%w: unsupported element %T", ErrMalformed, item)
		}
	}
	out = nonEmpty(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no identifiers", ErrMalformed)
	}
	return out, nil
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
