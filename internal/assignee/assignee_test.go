package assignee

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanolib/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvalflow/internal/domain"
	"approvalflow/internal/logkeys"
)

type fakeDirectory struct {
	roles map[string][]string
	depts map[string][]string
	err   error
}

func (d fakeDirectory) UsersByRole(_ context.Context, ids []string) ([]string, error) {
	return d.lookup(d.roles, ids)
}

func (d fakeDirectory) UsersByDept(_ context.Context, ids []string) ([]string, error) {
	return d.lookup(d.depts, ids)
}

func (d fakeDirectory) lookup(m map[string][]string, ids []string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []string
	for _, id := range ids {
		out = append(out, m[id]...)
	}
	return out, nil
}

type warnings struct{ msgs *[]string }

func (w warnings) Info(kv ...interface{}) {
	var level, msg interface{}
	for i := 0; i+1 < len(kv); i += 2 {
		switch kv[i] {
		case logkeys.Level:
			level = kv[i+1]
		case logkeys.Message:
			msg = kv[i+1]
		}
	}
	if level == logkeys.Warn {
		*w.msgs = append(*w.msgs, msg.(string))
	}
}

func (w warnings) Debug(...interface{})           {}
func (w warnings) With(...interface{}) log.Logger { return w }

func newResolver(d Directory) (Resolver, *[]string) {
	msgs := &[]string{}
	return Resolver{Directory: d, Logger: warnings{msgs: msgs}}, msgs
}

func TestParseValue(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []string
	}{
		{"bob", []string{"bob"}},
		{" bob , carol ,", []string{"bob", "carol"}},
		{`["bob","carol"]`, []string{"bob", "carol"}},
		{`[7, "bob"]`, []string{"7", "bob"}},
		{`"bob"`, []string{"bob"}},
		{`42`, []string{"42"}},
	} {
		got, err := ParseValue(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, in := range []string{"", "  ", ",,", `[1,`, `[]`, `[{"id":1}]`, `{"a":1}`} {
		_, err := ParseValue(in)
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestResolveUsers(t *testing.T) {
	r, msgs := newResolver(nil)
	node := domain.FlowNode{AssigneeType: domain.AssigneeUser, AssigneeValue: "bob,carol,bob"}
	assert.Equal(t, []string{"bob", "carol"}, r.Resolve(context.Background(), node, "alice"))
	assert.Empty(t, *msgs)
}

func TestResolveInitiator(t *testing.T) {
	r, msgs := newResolver(nil)
	node := domain.FlowNode{AssigneeType: domain.AssigneeInitiator}
	assert.Equal(t, []string{"alice"}, r.Resolve(context.Background(), node, "alice"))
	assert.Empty(t, r.Resolve(context.Background(), node, ""))
	assert.Equal(t, []string{"initiator assignee without applicant"}, *msgs)
}

func TestResolveDirectory(t *testing.T) {
	dir := fakeDirectory{
		roles: map[string][]string{"finance": {"fiona", "frank"}, "audit": {"frank", "ada"}},
		depts: map[string][]string{"ops": {"olga"}},
	}
	r, msgs := newResolver(dir)
	ctx := context.Background()

	roles := domain.FlowNode{AssigneeType: domain.AssigneeRole, AssigneeValue: `["finance","audit"]`}
	assert.Equal(t, []string{"fiona", "frank", "ada"}, r.Resolve(ctx, roles, "alice"))

	dept := domain.FlowNode{AssigneeType: domain.AssigneeDept, AssigneeValue: "ops"}
	assert.Equal(t, []string{"olga"}, r.Resolve(ctx, dept, "alice"))

	empty := domain.FlowNode{AssigneeType: domain.AssigneeRole, AssigneeValue: "nobody"}
	assert.Empty(t, r.Resolve(ctx, empty, "alice"))
	assert.Empty(t, *msgs)
}

func TestResolveFailuresYieldNobody(t *testing.T) {
	ctx := context.Background()

	r, msgs := newResolver(nil)
	assert.Empty(t, r.Resolve(ctx, domain.FlowNode{AssigneeType: domain.AssigneeRole, AssigneeValue: "finance"}, "alice"))
	assert.Empty(t, r.Resolve(ctx, domain.FlowNode{AssigneeType: domain.AssigneeDynamic, AssigneeValue: "form.manager"}, "alice"))
	assert.Empty(t, r.Resolve(ctx, domain.FlowNode{AssigneeType: domain.AssigneeUser, AssigneeValue: `[1,`}, "alice"))
	assert.Empty(t, r.Resolve(ctx, domain.FlowNode{AssigneeType: "TEAM", AssigneeValue: "x"}, "alice"))
	assert.Equal(t, []string{
		"no directory configured",
		"dynamic assignees are not supported",
		"unparseable assignee value",
		"unknown assignee type",
	}, *msgs)

	r, msgs = newResolver(fakeDirectory{err: errors.New("directory offline")})
	assert.Empty(t, r.Resolve(ctx, domain.FlowNode{AssigneeType: domain.AssigneeDept, AssigneeValue: "ops"}, "alice"))
	assert.Equal(t, []string{"directory lookup failed"}, *msgs)
}
