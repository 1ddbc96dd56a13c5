package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/micromdm/nanolib/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"approvalflow/internal/db"
	"approvalflow/internal/directory"
	"approvalflow/internal/domain"
	"approvalflow/internal/engine"
	"approvalflow/internal/events"
	"approvalflow/internal/flowdef"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/migrate"
	"approvalflow/internal/telemetry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type logStore struct {
	mu      sync.Mutex
	entries [][]interface{}
}

// recorder keeps Info entries so tests can look for warnings.
type recorder struct {
	store *logStore
	ctx   []interface{}
}

func (r recorder) Info(kv ...interface{}) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	entry := append(append([]interface{}{}, r.ctx...), kv...)
	r.store.entries = append(r.store.entries, entry)
}

func (r recorder) Debug(...interface{}) {}

func (r recorder) With(kv ...interface{}) log.Logger {
	return recorder{store: r.store, ctx: append(append([]interface{}{}, r.ctx...), kv...)}
}

func (r recorder) warnings(msg string) int {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for _, e := range r.store.entries {
		var level, m interface{}
		for i := 0; i+1 < len(e); i += 2 {
			switch e[i] {
			case logkeys.Level:
				level = e[i+1]
			case logkeys.Message:
				m = e[i+1]
			}
		}
		if level == logkeys.Warn && m == msg {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *fakeClock
	Reader *sdkmetric.ManualReader
	Logs   recorder
}

func newTestEnv(t *testing.T, opts ...engine.Option) *testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	clock := &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	reader := sdkmetric.NewManualReader()
	logs := recorder{store: &logStore{}}
	eng, err := engine.New(conn, dialect, append([]engine.Option{
		engine.WithClock(clock.Now),
		engine.WithLogger(logs),
		engine.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
		engine.WithDirectory(directory.Static{
			Roles: map[string][]string{
				"finance": {"fiona", "frank"},
				"ghost":   {},
			},
			Depts: map[string][]string{
				"ops": {"olga", "fiona"},
			},
		}),
	}, opts...)...)
	require.NoError(t, err)
	return &testEnv{Engine: eng, Ctx: context.Background(), Clock: clock, Reader: reader, Logs: logs}
}

func startNode() flowdef.Node {
	return flowdef.Node{NodeNo: "start", NodeType: domain.NodeStart, IsFirst: true}
}

func endNode() flowdef.Node {
	return flowdef.Node{NodeNo: "end", NodeType: domain.NodeEnd, IsFinal: true}
}

func approvalNode(no, mode, users string) flowdef.Node {
	return flowdef.Node{
		NodeNo:        no,
		NodeType:      domain.NodeApproval,
		ApprovalType:  mode,
		AssigneeType:  domain.AssigneeUser,
		AssigneeValue: flowdef.AssigneeValue(users),
	}
}

func line(from, to string) flowdef.Line {
	return flowdef.Line{From: from, To: to}
}

// chain builds START -> nodes... -> END.
func chain(flowNo string, nodes ...flowdef.Node) flowdef.Definition {
	def := flowdef.Definition{FlowNo: flowNo, Name: flowNo, Nodes: []flowdef.Node{startNode()}}
	prev := "start"
	for _, n := range nodes {
		def.Nodes = append(def.Nodes, n)
		def.Lines = append(def.Lines, line(prev, n.NodeNo))
		prev = n.NodeNo
	}
	def.Nodes = append(def.Nodes, endNode())
	def.Lines = append(def.Lines, line(prev, "end"))
	return def
}

func (env *testEnv) publish(t *testing.T, def flowdef.Definition) domain.Flow {
	t.Helper()
	flow, err := env.Engine.CreateFlow(env.Ctx, def, "admin")
	require.NoError(t, err)
	flow, err = env.Engine.PublishFlow(env.Ctx, flow.ID, "admin")
	require.NoError(t, err)
	return flow
}

func (env *testEnv) start(t *testing.T, flowID string, form map[string]any) domain.Instance {
	t.Helper()
	inst, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{
		FlowID:      flowID,
		ApplicantID: "alice",
		Title:       "laptop purchase",
		FormData:    form,
	})
	require.NoError(t, err)
	return inst
}

func (env *testEnv) process(opts engine.ProcessOptions) (domain.Instance, error) {
	return env.Engine.ProcessStep(env.Ctx, opts)
}

func (env *testEnv) instanceEvents(t *testing.T, instanceID, evtType string) []domain.Event {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, engine.EventFilters{InstanceID: instanceID, Type: evtType})
	require.NoError(t, err)
	return evts
}

func (env *testEnv) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, env.Reader.Collect(env.Ctx, &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func stepsWith(inst domain.Instance, status string) []domain.Step {
	var res []domain.Step
	for _, s := range inst.Steps {
		if s.Status == status {
			res = append(res, s)
		}
	}
	return res
}

func pendingFor(t *testing.T, inst domain.Instance, user string) domain.Step {
	t.Helper()
	for _, s := range inst.Steps {
		if s.Status == domain.StepPending && s.AssigneeID == user {
			return s
		}
	}
	t.Fatalf("no pending step for %s in %s", user, inst.InstanceNo)
	return domain.Step{}
}

func nodeByNo(t *testing.T, flow domain.Flow, no string) domain.FlowNode {
	t.Helper()
	for _, n := range flow.Nodes {
		if n.NodeNo == no {
			return n
		}
	}
	t.Fatalf("flow %s has no node %s", flow.FlowNo, no)
	return domain.FlowNode{}
}

func TestSingleApproval(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("single", approvalNode("mgr", domain.ApprovalSingle, "bob")))

	inst := env.start(t, flow.ID, nil)
	assert.Equal(t, domain.InstancePending, inst.Status)
	assert.Equal(t, domain.UrgencyNormal, inst.Urgency)
	assert.Regexp(t, `^INST_20260401090000_[0-9a-f]{4}$`, inst.InstanceNo)
	require.Len(t, inst.Steps, 1)
	step := inst.Steps[0]
	assert.Equal(t, "bob", step.AssigneeID)
	assert.Equal(t, fmt.Sprintf("STEP_%s_mgr_1", inst.InstanceNo), step.StepNo)
	require.NotNil(t, inst.CurrentNodeID)
	assert.Equal(t, nodeByNo(t, flow, "mgr").ID, *inst.CurrentNodeID)

	env.Clock.Advance(90 * time.Second)
	inst, err := env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "approve", Opinion: "ok"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceApproved, inst.Status)
	require.NotNil(t, inst.EndedAt)
	require.NotNil(t, inst.Duration)
	assert.EqualValues(t, 90, *inst.Duration)
	require.NotNil(t, inst.CurrentNodeID)
	assert.Equal(t, nodeByNo(t, flow, "end").ID, *inst.CurrentNodeID)

	done := inst.Steps[0]
	assert.Equal(t, domain.StepApproved, done.Status)
	require.NotNil(t, done.Action)
	assert.Equal(t, domain.ActionApprove, *done.Action)
	require.NotNil(t, done.Duration)
	assert.EqualValues(t, 90, *done.Duration)

	_, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "APPROVE"})
	assert.ErrorIs(t, err, engine.ErrStepProcessed)
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))

	ops, err := env.Engine.ListOpinions(env.Ctx, step.ID, "someone")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpinionApprove, ops[0].OpinionType)
	assert.Equal(t, "ok", ops[0].Content)

	assert.Len(t, env.instanceEvents(t, inst.ID, events.InstanceCompleted), 1)
}

func TestAndApprovalWaitsForEveryone(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("and", approvalNode("board", domain.ApprovalAnd, "bob,carol")))
	inst := env.start(t, flow.ID, nil)
	require.Len(t, inst.Steps, 2)

	inst, err := env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "bob").ID, ActorID: "bob", Action: "APPROVE"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstancePending, inst.Status)
	assert.Len(t, stepsWith(inst, domain.StepPending), 1)

	inst, err = env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "carol").ID, ActorID: "carol", Action: "APPROVE"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceApproved, inst.Status)
	assert.Len(t, stepsWith(inst, domain.StepApproved), 2)
}

func TestOrApprovalCancelsSiblings(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("or",
		approvalNode("any", domain.ApprovalOr, `["bob","carol","dave"]`),
		approvalNode("cfo", domain.ApprovalSingle, "erin"),
	))
	inst := env.start(t, flow.ID, nil)
	require.Len(t, inst.Steps, 3)
	carol := pendingFor(t, inst, "carol")

	inst, err := env.process(engine.ProcessOptions{StepID: carol.ID, ActorID: "carol", Action: "APPROVE"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstancePending, inst.Status)
	cancelled := stepsWith(inst, domain.StepCancelled)
	require.Len(t, cancelled, 2)
	for _, s := range cancelled {
		require.NotNil(t, s.Action)
		assert.Equal(t, domain.ActionCancel, *s.Action)
	}
	erin := pendingFor(t, inst, "erin")
	assert.Equal(t, nodeByNo(t, flow, "cfo").ID, erin.NodeID)

	_, err = env.process(engine.ProcessOptions{StepID: cancelled[0].ID, ActorID: cancelled[0].AssigneeID, Action: "APPROVE"})
	assert.ErrorIs(t, err, engine.ErrStepWithdrawn)

	evts := env.instanceEvents(t, inst.ID, events.StepCancelled)
	require.Len(t, evts, 2)
	var ids []string
	for _, evt := range evts {
		assert.Equal(t, events.KindStep, evt.EntityKind)
		assert.Equal(t, "carol", evt.ActorID)
		ids = append(ids, evt.EntityID)
	}
	assert.ElementsMatch(t, []string{cancelled[0].ID, cancelled[1].ID}, ids)
}

func TestRejectEndsInstance(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("reject", approvalNode("board", domain.ApprovalAnd, "bob,carol")))
	inst := env.start(t, flow.ID, nil)

	inst, err := env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "bob").ID, ActorID: "bob", Action: "REJECT", Opinion: "too expensive"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceRejected, inst.Status)
	assert.NotNil(t, inst.EndedAt)
	assert.Empty(t, stepsWith(inst, domain.StepPending))
	assert.Len(t, stepsWith(inst, domain.StepRejected), 1)
	assert.Len(t, stepsWith(inst, domain.StepCancelled), 1)

	todo, err := env.Engine.MyTodo(env.Ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, todo)
}

func TestDelegate(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("delegate", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)
	step := pendingFor(t, inst, "bob")

	_, err := env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "DELEGATE"})
	assert.Equal(t, engine.KindBadRequest, engine.Kind(err))
	_, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "DELEGATE", DelegateTo: "bob"})
	assert.Equal(t, engine.KindBadRequest, engine.Kind(err))

	inst, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "DELEGATE", DelegateTo: "carol"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstancePending, inst.Status)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, domain.StepDelegated, inst.Steps[0].Status)
	next := pendingFor(t, inst, "carol")
	assert.Equal(t, step.StepNo+"_D", next.StepNo)
	assert.Equal(t, step.NodeID, next.NodeID)
	require.NotNil(t, next.DelegatedFrom)
	assert.Equal(t, "bob", *next.DelegatedFrom)

	inst, err = env.process(engine.ProcessOptions{StepID: next.ID, ActorID: "carol", Action: "APPROVE"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceApproved, inst.Status)

	done, err := env.Engine.MyDone(env.Ctx, "bob")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, domain.StepDelegated, done[0].Status)
	assert.Equal(t, domain.ActionDelegate, done[0].Action)
}

func TestReturnToEarlierNode(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("return",
		approvalNode("mgr", domain.ApprovalSingle, "bob"),
		approvalNode("cfo", domain.ApprovalSingle, "erin"),
	))
	inst := env.start(t, flow.ID, nil)
	inst, err := env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "bob").ID, ActorID: "bob", Action: "APPROVE"})
	require.NoError(t, err)
	erin := pendingFor(t, inst, "erin")

	_, err = env.process(engine.ProcessOptions{StepID: erin.ID, ActorID: "erin", Action: "RETURN"})
	assert.Equal(t, engine.KindBadRequest, engine.Kind(err))
	_, err = env.process(engine.ProcessOptions{StepID: erin.ID, ActorID: "erin", Action: "RETURN", ReturnToNode: "nowhere"})
	assert.Equal(t, engine.KindNotFound, engine.Kind(err))

	inst, err = env.process(engine.ProcessOptions{StepID: erin.ID, ActorID: "erin", Action: "RETURN", ReturnToNode: "mgr"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstancePending, inst.Status)
	mgr := nodeByNo(t, flow, "mgr")
	require.NotNil(t, inst.CurrentNodeID)
	assert.Equal(t, mgr.ID, *inst.CurrentNodeID)

	for _, s := range inst.Steps {
		if s.ID == erin.ID {
			assert.Equal(t, domain.StepRejected, s.Status)
			require.NotNil(t, s.Action)
			assert.Equal(t, domain.ActionReturn, *s.Action)
		}
	}
	again := pendingFor(t, inst, "bob")
	assert.Equal(t, mgr.ID, again.NodeID)
}

func TestProcessPreconditions(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("pre", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)
	step := pendingFor(t, inst, "bob")

	_, err := env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "SHRUG"})
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = env.process(engine.ProcessOptions{StepID: "missing", ActorID: "bob", Action: "APPROVE"})
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "mallory", Action: "APPROVE"})
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = env.Engine.CancelInstance(env.Ctx, inst.ID, "alice")
	require.NoError(t, err)
	_, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "APPROVE"})
	assert.ErrorIs(t, err, engine.ErrStepWithdrawn)
}

func TestConditionRouting(t *testing.T) {
	env := newTestEnv(t)
	def := flowdef.Definition{
		FlowNo: "expense",
		Name:   "Expense",
		Nodes: []flowdef.Node{
			startNode(),
			{NodeNo: "amount", NodeType: domain.NodeCondition},
			approvalNode("big", domain.ApprovalSingle, "erin"),
			approvalNode("small", domain.ApprovalSingle, "bob"),
			endNode(),
		},
		Lines: []flowdef.Line{
			line("start", "amount"),
			{From: "amount", To: "big", ConditionType: domain.ConditionExpression, ConditionExpression: "amount > 1000 and category == 'travel'", Priority: 10},
			{From: "amount", To: "small", Priority: 0},
			line("big", "end"),
			line("small", "end"),
		},
	}
	flow := env.publish(t, def)

	big := env.start(t, flow.ID, map[string]any{"amount": 5000, "category": "travel"})
	pendingFor(t, big, "erin")

	small := env.start(t, flow.ID, map[string]any{"amount": 10, "category": "travel"})
	pendingFor(t, small, "bob")

	// a missing variable fails the expression and the default line is taken
	missing := env.start(t, flow.ID, map[string]any{})
	pendingFor(t, missing, "bob")
	assert.Equal(t, 1, env.Logs.warnings("condition evaluation failed"))
	assert.Zero(t, env.counter(t, telemetry.FallbackEdges))
}

func TestFallbackWhenNothingMatches(t *testing.T) {
	env := newTestEnv(t)
	def := flowdef.Definition{
		FlowNo: "fallback",
		Name:   "Fallback",
		Nodes: []flowdef.Node{
			startNode(),
			{NodeNo: "route", NodeType: domain.NodeCondition},
			approvalNode("first", domain.ApprovalSingle, "erin"),
			approvalNode("second", domain.ApprovalSingle, "bob"),
			endNode(),
		},
		Lines: []flowdef.Line{
			line("start", "route"),
			{LineNo: "b", From: "route", To: "second", ConditionType: domain.ConditionExpression, ConditionExpression: "amount > 100", Priority: 1},
			{LineNo: "a", From: "route", To: "first", ConditionType: domain.ConditionExpression, ConditionExpression: "amount > 1000", Priority: 5},
			line("first", "end"),
			line("second", "end"),
		},
	}
	flow := env.publish(t, def)

	inst := env.start(t, flow.ID, map[string]any{"amount": 1})
	pendingFor(t, inst, "erin")
	assert.Equal(t, 1, env.Logs.warnings("no line matched, taking first line"))
	assert.EqualValues(t, 1, env.counter(t, telemetry.FallbackEdges))
}

func TestCarbonCopyNode(t *testing.T) {
	env := newTestEnv(t)
	cc := flowdef.Node{NodeNo: "notify", NodeType: domain.NodeCC, AssigneeType: domain.AssigneeDept, AssigneeValue: "ops"}
	flow := env.publish(t, chain("cc", cc, approvalNode("mgr", domain.ApprovalSingle, "bob")))

	inst := env.start(t, flow.ID, nil)
	require.Len(t, inst.Steps, 3)
	copies := stepsWith(inst, domain.StepApproved)
	require.Len(t, copies, 2)
	for i, s := range copies {
		assert.Equal(t, []string{"olga", "fiona"}[i], s.AssigneeID)
		assert.Equal(t, fmt.Sprintf("CC_%s_notify_%d", inst.InstanceNo, i+1), s.StepNo)
		require.NotNil(t, s.Action)
		assert.Equal(t, domain.ActionCC, *s.Action)
		require.NotNil(t, s.Duration)
		assert.Zero(t, *s.Duration)
	}
	pendingFor(t, inst, "bob")
	assert.EqualValues(t, 3, env.counter(t, telemetry.StepsCreated))

	done, err := env.Engine.MyDone(env.Ctx, "olga")
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestRoleAssignees(t *testing.T) {
	env := newTestEnv(t)
	node := flowdef.Node{NodeNo: "fin", NodeType: domain.NodeApproval, ApprovalType: domain.ApprovalOr, AssigneeType: domain.AssigneeRole, AssigneeValue: `["finance"]`}
	flow := env.publish(t, chain("role", node))
	inst := env.start(t, flow.ID, nil)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, "fiona", inst.Steps[0].AssigneeID)
	assert.Equal(t, "frank", inst.Steps[1].AssigneeID)
}

func TestStallWithoutAssignees(t *testing.T) {
	env := newTestEnv(t)
	node := flowdef.Node{NodeNo: "nobody", NodeType: domain.NodeApproval, AssigneeType: domain.AssigneeRole, AssigneeValue: "ghost"}
	flow := env.publish(t, chain("stall", node))

	inst := env.start(t, flow.ID, nil)
	assert.Equal(t, domain.InstancePending, inst.Status)
	assert.Empty(t, inst.Steps)
	assert.Len(t, env.instanceEvents(t, inst.ID, events.InstanceStalled), 1)
	assert.Equal(t, 1, env.Logs.warnings("instance stalled"))

	// the applicant can still give up on it
	inst, err := env.Engine.CancelInstance(env.Ctx, inst.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, inst.Status)
}

func TestCycleIsRejected(t *testing.T) {
	env := newTestEnv(t)
	def := flowdef.Definition{
		FlowNo: "loop",
		Name:   "Loop",
		Nodes: []flowdef.Node{
			startNode(),
			{NodeNo: "c1", NodeType: domain.NodeCondition},
			{NodeNo: "c2", NodeType: domain.NodeCondition},
			endNode(),
		},
		Lines: []flowdef.Line{line("start", "c1"), line("c1", "c2"), line("c2", "c1")},
	}
	flow := env.publish(t, def)

	_, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: flow.ID, ApplicantID: "alice", Title: "loop"})
	assert.ErrorIs(t, err, engine.ErrServer)

	mine, err := env.Engine.MyInitiated(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestStartWithoutOutgoingLinesCompletes(t *testing.T) {
	env := newTestEnv(t)
	flow, err := env.Engine.CreateFlow(env.Ctx, flowdef.Definition{FlowNo: "bare", Name: "Bare", Nodes: []flowdef.Node{startNode()}}, "admin")
	require.NoError(t, err)

	inst := env.start(t, flow.ID, nil)
	assert.Equal(t, domain.InstanceApproved, inst.Status)
	assert.Empty(t, inst.Steps)
}

func TestStartErrors(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("errs", approvalNode("mgr", domain.ApprovalSingle, "bob")))

	_, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: "missing", ApplicantID: "alice", Title: "x"})
	assert.Equal(t, engine.KindNotFound, engine.Kind(err))
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: flow.ID, ApplicantID: "alice", Title: " "})
	assert.Equal(t, engine.KindBadRequest, engine.Kind(err))
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: flow.ID, ApplicantID: "alice", Title: "x", Urgency: "whenever"})
	assert.Equal(t, engine.KindBadRequest, engine.Kind(err))

	inst, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: flow.ID, ApplicantID: "alice", Title: "x", Urgency: "urgent", Tags: []string{"it"}})
	require.NoError(t, err)
	assert.Equal(t, domain.UrgencyUrgent, inst.Urgency)

	empty, err := env.Engine.CreateFlow(env.Ctx, flowdef.Definition{FlowNo: "empty", Name: "Empty"}, "admin")
	require.NoError(t, err)
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: empty.ID, ApplicantID: "alice", Title: "x"})
	assert.Equal(t, engine.KindServer, engine.Kind(err))

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.SetFlowPublished(env.Ctx, tx, flow.ID, false, false, "2026-04-01T09:00:00Z"))
	require.NoError(t, tx.Commit())
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{FlowID: flow.ID, ApplicantID: "alice", Title: "x"})
	assert.Equal(t, engine.KindForbidden, engine.Kind(err))
}

func TestCancelInstance(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("cancel", approvalNode("board", domain.ApprovalAnd, "bob,carol")))
	inst := env.start(t, flow.ID, nil)

	_, err := env.Engine.CancelInstance(env.Ctx, inst.ID, "bob")
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.CancelInstance(env.Ctx, "missing", "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	env.Clock.Advance(time.Minute)
	inst, err = env.Engine.CancelInstance(env.Ctx, inst.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, inst.Status)
	require.NotNil(t, inst.Duration)
	assert.EqualValues(t, 60, *inst.Duration)
	require.Len(t, stepsWith(inst, domain.StepCancelled), 2)

	_, err = env.Engine.CancelInstance(env.Ctx, inst.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrForbidden)
	assert.Len(t, env.instanceEvents(t, inst.ID, events.InstanceCancelled), 1)
	assert.Len(t, env.instanceEvents(t, inst.ID, events.StepCancelled), 2)
}

func TestDeleteInstance(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("delete", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)

	err := env.Engine.DeleteInstance(env.Ctx, inst.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "bob").ID, ActorID: "bob", Action: "APPROVE", Opinion: "fine"})
	require.NoError(t, err)
	assert.ErrorIs(t, env.Engine.DeleteInstance(env.Ctx, inst.ID, "bob"), engine.ErrForbidden)
	require.NoError(t, env.Engine.DeleteInstance(env.Ctx, inst.ID, "alice"))

	_, err = env.Engine.GetInstance(env.Ctx, inst.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.ListEvents(env.Ctx, engine.EventFilters{InstanceID: inst.ID})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	tombstones, err := env.Engine.ListEvents(env.Ctx, engine.EventFilters{Type: events.InstanceDeleted, EntityID: inst.ID})
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.Equal(t, "alice", tombstones[0].ActorID)

	done, err := env.Engine.MyDone(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestFlowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	def := chain("purchase", approvalNode("mgr", domain.ApprovalSingle, "bob"))

	flow, err := env.Engine.CreateFlow(env.Ctx, def, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, flow.Version)
	assert.True(t, flow.IsActive)
	assert.False(t, flow.IsPublished)
	require.Len(t, flow.Nodes, 3)
	require.Len(t, flow.Lines, 2)
	assert.Equal(t, flow.Nodes[0].ID, flow.Lines[0].FromNodeID)

	_, err = env.Engine.CreateFlow(env.Ctx, def, "admin")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = env.Engine.CreateFlow(env.Ctx, flowdef.Definition{FlowNo: "x"}, "admin")
	assert.ErrorIs(t, err, engine.ErrBadRequest)

	noEnd, err := env.Engine.CreateFlow(env.Ctx, flowdef.Definition{FlowNo: "noend", Name: "No end", Nodes: []flowdef.Node{startNode()}}, "admin")
	require.NoError(t, err)
	_, err = env.Engine.PublishFlow(env.Ctx, noEnd.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrBadRequest)

	def.Nodes[1].AssigneeValue = "carol"
	flow, err = env.Engine.UpdateFlow(env.Ctx, flow.ID, def, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, flow.Version)

	flow, err = env.Engine.PublishFlow(env.Ctx, flow.ID, "admin")
	require.NoError(t, err)
	assert.True(t, flow.IsPublished)

	_, err = env.Engine.UpdateFlow(env.Ctx, flow.ID, def, "admin")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	meta := flowdef.Definition{FlowNo: "purchase", Name: "Purchases", Category: "finance"}
	flow, err = env.Engine.UpdateFlow(env.Ctx, flow.ID, meta, "admin")
	require.NoError(t, err)
	assert.Equal(t, "Purchases", flow.Name)
	assert.Equal(t, 2, flow.Version)
	assert.Len(t, flow.Nodes, 3)

	published := true
	list, err := env.Engine.ListFlows(env.Ctx, engine.FlowFilters{Category: "finance", Published: &published})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, flow.ID, list[0].ID)

	flow, err = env.Engine.UnpublishFlow(env.Ctx, flow.ID, "admin")
	require.NoError(t, err)
	assert.False(t, flow.IsPublished)
	assert.True(t, flow.IsActive)

	require.NoError(t, env.Engine.DeleteFlow(env.Ctx, flow.ID, "admin"))
	_, err = env.Engine.GetFlow(env.Ctx, flow.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteFlow(env.Ctx, flow.ID, "admin"), engine.ErrNotFound)
}

func TestPublishRejectsBadExpression(t *testing.T) {
	env := newTestEnv(t)
	def := chain("badexpr", approvalNode("mgr", domain.ApprovalSingle, "bob"))
	def.Lines[0].ConditionType = domain.ConditionExpression
	def.Lines[0].ConditionExpression = "os.Exit(1)"
	flow, err := env.Engine.CreateFlow(env.Ctx, def, "admin")
	require.NoError(t, err)
	_, err = env.Engine.PublishFlow(env.Ctx, flow.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
}

func TestInstancesKeepTheirGraph(t *testing.T) {
	env := newTestEnv(t)
	def := chain("pinned", approvalNode("mgr", domain.ApprovalSingle, "bob"), approvalNode("cfo", domain.ApprovalSingle, "erin"))
	flow := env.publish(t, def)
	inst := env.start(t, flow.ID, nil)

	_, err := env.Engine.UnpublishFlow(env.Ctx, flow.ID, "admin")
	require.NoError(t, err)
	changed := chain("pinned", approvalNode("mgr", domain.ApprovalSingle, "bob"), approvalNode("cfo", domain.ApprovalSingle, "zed"))
	_, err = env.Engine.UpdateFlow(env.Ctx, flow.ID, changed, "admin")
	require.NoError(t, err)

	inst, err = env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "bob").ID, ActorID: "bob", Action: "APPROVE"})
	require.NoError(t, err)
	pendingFor(t, inst, "erin")

	graph, err := env.Engine.InstanceGraph(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Version)

	require.NoError(t, env.Engine.DeleteFlow(env.Ctx, flow.ID, "admin"))
	inst, err = env.process(engine.ProcessOptions{StepID: pendingFor(t, inst, "erin").ID, ActorID: "erin", Action: "APPROVE"})
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceApproved, inst.Status)
}

func TestConcurrentAndApprovals(t *testing.T) {
	env := newTestEnv(t)
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	flow := env.publish(t, chain("crowd", approvalNode("all", domain.ApprovalAnd, `["u1","u2","u3","u4","u5"]`)))
	inst := env.start(t, flow.ID, nil)
	require.Len(t, inst.Steps, len(users))

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, s := range inst.Steps {
		wg.Add(1)
		go func(i int, s domain.Step) {
			defer wg.Done()
			_, errs[i] = env.process(engine.ProcessOptions{StepID: s.ID, ActorID: s.AssigneeID, Action: "APPROVE"})
		}(i, s)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceApproved, got.Status)
	assert.Len(t, stepsWith(got, domain.StepApproved), len(users))
	assert.Len(t, env.instanceEvents(t, inst.ID, events.InstanceCompleted), 1)
	assert.Zero(t, env.Engine.Locks.Len())
}

func TestConcurrentOrApprovals(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("anyone", approvalNode("any", domain.ApprovalOr, `["u1","u2","u3","u4"]`)))
	inst := env.start(t, flow.ID, nil)
	require.Len(t, inst.Steps, 4)

	var wg sync.WaitGroup
	errs := make([]error, len(inst.Steps))
	for i, s := range inst.Steps {
		wg.Add(1)
		go func(i int, s domain.Step) {
			defer wg.Done()
			_, errs[i] = env.process(engine.ProcessOptions{StepID: s.ID, ActorID: s.AssigneeID, Action: "APPROVE"})
		}(i, s)
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrStepWithdrawn)
	}
	assert.Equal(t, 1, succeeded)

	got, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceApproved, got.Status)
	assert.Len(t, stepsWith(got, domain.StepApproved), 1)
	assert.Len(t, stepsWith(got, domain.StepCancelled), 3)
	assert.Len(t, env.instanceEvents(t, inst.ID, events.InstanceCompleted), 1)
	assert.Len(t, env.instanceEvents(t, inst.ID, events.StepCancelled), 3)
	assert.Zero(t, env.Engine.Locks.Len())
}

func TestNaiveTimestampsUseEngineZone(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	env := newTestEnv(t, engine.WithLocation(shanghai))
	flow := env.publish(t, chain("zone", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)
	step := pendingFor(t, inst, "bob")

	// 09:00 UTC on the clock is 17:00 in Shanghai.
	_, err = env.Engine.DB.ExecContext(env.Ctx, "UPDATE steps SET started_at=? WHERE id=?", "2026-04-01 17:00:00", step.ID)
	require.NoError(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, "UPDATE instances SET started_at=? WHERE id=?", "2026-04-01T17:00:00", inst.ID)
	require.NoError(t, err)

	env.Clock.Advance(90 * time.Second)
	inst, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "APPROVE"})
	require.NoError(t, err)
	require.NotNil(t, inst.Duration)
	assert.EqualValues(t, 90, *inst.Duration)
	require.Len(t, inst.Steps, 1)
	require.NotNil(t, inst.Steps[0].Duration)
	assert.EqualValues(t, 90, *inst.Steps[0].Duration)
	require.NotNil(t, inst.EndedAt)
	assert.Equal(t, "2026-04-01T17:01:30+08:00", *inst.EndedAt)
	assert.Zero(t, env.Logs.warnings("unparseable timestamp"))
}

func TestUnparseableTimestampIsLogged(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("garbled", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)
	step := pendingFor(t, inst, "bob")
	_, err := env.Engine.DB.ExecContext(env.Ctx, "UPDATE steps SET started_at=? WHERE id=?", "last tuesday", step.ID)
	require.NoError(t, err)

	env.Clock.Advance(time.Minute)
	inst, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "APPROVE"})
	require.NoError(t, err)
	require.NotNil(t, inst.Steps[0].Duration)
	assert.Zero(t, *inst.Steps[0].Duration)
	require.NotNil(t, inst.Duration)
	assert.EqualValues(t, 60, *inst.Duration)
	assert.Equal(t, 1, env.Logs.warnings("unparseable timestamp"))
}

func TestApproveWithoutGraphSnapshot(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("hollow", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)
	step := pendingFor(t, inst, "bob")
	_, err := env.Engine.DB.ExecContext(env.Ctx, "UPDATE instances SET graph_json=? WHERE id=?", "null", inst.ID)
	require.NoError(t, err)

	_, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "APPROVE"})
	assert.ErrorIs(t, err, engine.ErrServer)

	got, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstancePending, got.Status)
	assert.Len(t, stepsWith(got, domain.StepPending), 1)
}

func TestConcurrentDoubleProcessing(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("race", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	inst := env.start(t, flow.ID, nil)
	step := pendingFor(t, inst, "bob")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "APPROVE"})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrStepProcessed)
	}
	assert.Equal(t, 1, ok)
}

func TestInboxViews(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("inbox", approvalNode("mgr", domain.ApprovalSingle, "bob")))
	first := env.start(t, flow.ID, nil)
	env.Clock.Advance(time.Second)
	second := env.start(t, flow.ID, nil)

	todo, err := env.Engine.MyTodo(env.Ctx, "bob")
	require.NoError(t, err)
	require.Len(t, todo, 2)
	assert.Equal(t, second.ID, todo[0].InstanceID)
	assert.Equal(t, "inbox", todo[0].FlowName)
	assert.False(t, todo[0].IsRead)

	step := pendingFor(t, first, "bob")
	assert.ErrorIs(t, env.Engine.MarkStepRead(env.Ctx, step.ID, "carol"), engine.ErrForbidden)
	require.NoError(t, env.Engine.MarkStepRead(env.Ctx, step.ID, "bob"))
	require.NoError(t, env.Engine.MarkStepRead(env.Ctx, step.ID, "bob"))
	todo, err = env.Engine.MyTodo(env.Ctx, "bob")
	require.NoError(t, err)
	assert.True(t, todo[1].IsRead)

	_, err = env.process(engine.ProcessOptions{StepID: step.ID, ActorID: "bob", Action: "REJECT", Opinion: "no budget"})
	require.NoError(t, err)
	done, err := env.Engine.MyDone(env.Ctx, "bob")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, first.ID, done[0].InstanceID)
	assert.Equal(t, domain.ActionReject, done[0].Action)
	require.NotNil(t, done[0].Opinion)
	assert.Equal(t, "no budget", *done[0].Opinion)

	mine, err := env.Engine.MyInitiated(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)

	rejected, err := env.Engine.ListInstances(env.Ctx, engine.InstanceFilters{Status: domain.InstanceRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, first.ID, rejected[0].ID)

	_, err = env.Engine.MyTodo(env.Ctx, "")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
}

func TestOpinions(t *testing.T) {
	env := newTestEnv(t)
	flow := env.publish(t, chain("talk", approvalNode("board", domain.ApprovalAnd, "bob,carol")))
	inst := env.start(t, flow.ID, nil)
	bob := pendingFor(t, inst, "bob")
	carol := pendingFor(t, inst, "carol")

	public, err := env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: bob.ID, AuthorID: "alice", Content: "see quote attached"})
	require.NoError(t, err)
	assert.Equal(t, domain.OpinionComment, public.OpinionType)

	private, err := env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: bob.ID, AuthorID: "bob", Content: "ask finance", Private: true})
	require.NoError(t, err)

	reply, err := env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: bob.ID, AuthorID: "bob", Content: "thanks", ReplyTo: public.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, public.ID, *reply.ReplyTo)

	_, err = env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: bob.ID, AuthorID: "alice", Content: "?", ReplyTo: private.ID})
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: carol.ID, AuthorID: "alice", Content: "?", ReplyTo: public.ID})
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: bob.ID, AuthorID: "alice", Content: "  "})
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: bob.ID, AuthorID: "alice", Content: "x", Type: "VETO"})
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = env.Engine.AddOpinion(env.Ctx, engine.OpinionOptions{StepID: "missing", AuthorID: "alice", Content: "x"})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	seen, err := env.Engine.ListOpinions(env.Ctx, bob.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	seen, err = env.Engine.ListOpinions(env.Ctx, bob.ID, "bob")
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, public.ID, seen[0].ID)

	_, err = env.Engine.ListOpinions(env.Ctx, "missing", "bob")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.Len(t, env.instanceEvents(t, inst.ID, events.OpinionAdded), 3)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", engine.Kind(nil))
	assert.Equal(t, engine.KindForbidden, engine.Kind(engine.ErrStepWithdrawn))
	assert.Equal(t, engine.KindForbidden, engine.Kind(fmt.Errorf("wrapped: %w", engine.ErrStepProcessed)))
	assert.Equal(t, engine.KindServer, engine.Kind(fmt.Errorf("disk on fire")))
}
