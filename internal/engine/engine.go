package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"approvalflow/internal/assignee"
	"approvalflow/internal/db"
	"approvalflow/internal/events"
	"approvalflow/internal/lock"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/repo"
	"approvalflow/internal/telemetry"
)

// Engine runs approval flows over a SQL store.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Resolver assignee.Resolver
	Locks    *lock.Keyed
	Logger   log.Logger
	Location *time.Location
	Now      func() time.Time

	tracer    trace.Tracer
	fallbacks metric.Int64Counter
	created   metric.Int64Counter
}

type Option func(*Engine)

// WithLogger sets the base logger. Loggers found in the context take
// precedence.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.Logger = logger }
}

// WithDirectory sets the role and department lookup used for assignees.
func WithDirectory(d assignee.Directory) Option {
	return func(e *Engine) { e.Resolver.Directory = d }
}

// WithLocation renders timestamps in loc.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.Location = loc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(telemetry.ScopeName) }
}

// WithMeterProvider records engine counters on mp instead of the global
// provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.fallbacks, e.created = nil, nil
		e.initInstruments(mp.Meter(telemetry.ScopeName))
	}
}

func New(conn *sql.DB, dialect db.Dialect, opts ...Option) (Engine, error) {
	e := Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Locks:    lock.New(),
		Logger:   log.NopLogger,
		Location: time.UTC,
		Now:      time.Now,
		tracer:   otel.Tracer(telemetry.ScopeName),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.fallbacks == nil {
		e.initInstruments(otel.Meter(telemetry.ScopeName))
	}
	if e.fallbacks == nil || e.created == nil {
		return Engine{}, fmt.Errorf("%w: engine instruments unavailable", ErrServer)
	}
	e.Resolver.Logger = e.Logger
	e.Events = events.Writer{Dialect: dialect}
	return e, nil
}

// emit appends an audit event stamped with the engine clock.
func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, instanceID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, instanceID, entityKind, entityID, actorID, payload)
}

func (e *Engine) initInstruments(m metric.Meter) {
	var err error
	e.fallbacks, err = m.Int64Counter(telemetry.FallbackEdges,
		metric.WithDescription("Edges taken because no outgoing line matched"))
	if err != nil {
		e.fallbacks = nil
		return
	}
	e.created, err = m.Int64Counter(telemetry.StepsCreated,
		metric.WithDescription("Approval and carbon-copy steps created"))
	if err != nil {
		e.created = nil
	}
}

func (e Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().In(e.loc())
}

func (e Engine) loc() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

func (e Engine) stamp(t time.Time) string {
	return t.In(e.loc()).Format(time.RFC3339)
}

// parseTime reads a stored timestamp. Values without an offset are taken to
// be in the engine's zone.
func (e Engine) parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, e.loc()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// elapsed returns whole seconds from since to now, never negative. An
// unreadable since counts as zero.
func (e Engine) elapsed(ctx context.Context, since string, now time.Time) int64 {
	t, err := e.parseTime(since)
	if err != nil {
		warn(e.logger(ctx), "unparseable timestamp", "value", since, logkeys.Error, err)
		return 0
	}
	d := int64(now.Sub(t) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

func (e Engine) logger(ctx context.Context) log.Logger {
	l := e.Logger
	if l == nil {
		l = log.NopLogger
	}
	return ctxlog.Logger(ctx, l)
}

func warn(logger log.Logger, msg string, kv ...any) {
	logger.Info(append([]any{logkeys.Level, logkeys.Warn, logkeys.Message, msg}, kv...)...)
}

func (e Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.ScopeName)
	}
	return tracer.Start(ctx, "engine."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// lockInstance serialises work on one instance inside this process. The row
// lock taken by repo.LockInstance covers other processes.
func (e Engine) lockInstance(id string) func() {
	if e.Locks == nil {
		return func() {}
	}
	return e.Locks.Lock(id)
}

// newID returns a time-ordered id so rows sharing a timestamp keep creation
// order.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
