package server

import (
	"encoding/json"

	"approvalflow/internal/domain"
)

// Request payloads

// FlowNodeRequest mirrors flowdef.Node. assignee_value may be a string, a
// number or a list.
type FlowNodeRequest struct {
	NodeNo              string `json:"node_no"`
	Name                string `json:"name,omitempty"`
	NodeType            string `json:"node_type" enum:"START,APPROVAL,CONDITION,CC,END"`
	ApprovalType        string `json:"approval_type,omitempty"`
	AssigneeType        string `json:"assignee_type,omitempty"`
	AssigneeValue       any    `json:"assignee_value,omitempty"`
	FormPermission      any    `json:"form_permission,omitempty"`
	OperationPermission any    `json:"operation_permission,omitempty"`
	PositionX           int    `json:"position_x,omitempty"`
	PositionY           int    `json:"position_y,omitempty"`
	OrderNum            int    `json:"order_num,omitempty"`
	IsFirst             bool   `json:"is_first,omitempty"`
	IsFinal             bool   `json:"is_final,omitempty"`
	Settings            any    `json:"settings,omitempty"`
}

type FlowLineRequest struct {
	LineNo              string `json:"line_no,omitempty"`
	From                string `json:"from"`
	To                  string `json:"to"`
	ConditionType       string `json:"condition_type,omitempty"`
	ConditionExpression string `json:"condition_expression,omitempty"`
	Priority            int    `json:"priority,omitempty"`
	Label               string `json:"label,omitempty"`
	Settings            any    `json:"settings,omitempty"`
}

type FlowRequest struct {
	FlowNo      string            `json:"flow_no"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Category    string            `json:"category,omitempty"`
	FormSchema  any               `json:"form_schema,omitempty"`
	Settings    any               `json:"settings,omitempty"`
	Nodes       []FlowNodeRequest `json:"nodes,omitempty"`
	Lines       []FlowLineRequest `json:"lines,omitempty"`
}

type StartInstanceRequest struct {
	FlowID       string         `json:"flow_id"`
	Title        string         `json:"title"`
	FormData     map[string]any `json:"form_data,omitempty"`
	BusinessKey  string         `json:"business_key,omitempty"`
	BusinessType string         `json:"business_type,omitempty"`
	Urgency      string         `json:"urgency,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Attachments  any            `json:"attachments,omitempty"`
	Settings     any            `json:"settings,omitempty"`
}

type ProcessStepRequest struct {
	Action       string `json:"action" example:"APPROVE"`
	Opinion      string `json:"opinion,omitempty"`
	Attachments  any    `json:"attachments,omitempty"`
	DelegateTo   string `json:"delegate_to,omitempty"`
	ReturnToNode string `json:"return_to_node,omitempty"`
}

type AddOpinionRequest struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty" enum:"COMMENT,APPROVE,REJECT"`
	Private     bool   `json:"private,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	AuthorName  string `json:"author_name,omitempty"`
	Attachments any    `json:"attachments,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		InstanceID: e.InstanceID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
