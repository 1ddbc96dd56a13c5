package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"approvalflow/internal/db"
)

// Event types.
const (
	FlowCreated       = "flow.created"
	FlowUpdated       = "flow.updated"
	FlowPublished     = "flow.published"
	FlowUnpublished   = "flow.unpublished"
	FlowDeleted       = "flow.deleted"
	InstanceStarted   = "instance.started"
	InstanceCompleted = "instance.completed"
	InstanceCancelled = "instance.cancelled"
	InstanceDeleted   = "instance.deleted"
	InstanceStalled   = "instance.stalled"
	StepCreated       = "step.created"
	StepProcessed     = "step.processed"
	StepCancelled     = "step.cancelled"
	OpinionAdded      = "opinion.added"
)

// Entity kinds.
const (
	KindFlow     = "flow"
	KindInstance = "instance"
	KindStep     = "step"
	KindOpinion  = "opinion"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, instanceID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(id,ts,type,instance_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`),
		id.String(), ts, evtType, nullable(instanceID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
