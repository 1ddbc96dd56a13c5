package domain

// Node kinds.
const (
	NodeStart     = "START"
	NodeApproval  = "APPROVAL"
	NodeCondition = "CONDITION"
	NodeCC        = "CC"
	NodeEnd       = "END"
)

// Approval aggregation modes.
const (
	ApprovalSingle = "SINGLE"
	ApprovalAnd    = "AND"
	ApprovalOr     = "OR"
)

// Assignee kinds.
const (
	AssigneeUser      = "USER"
	AssigneeRole      = "ROLE"
	AssigneeDept      = "DEPT"
	AssigneeInitiator = "INITIATOR"
	AssigneeDynamic   = "DYNAMIC"
)

// Line condition kinds.
const (
	ConditionNone       = "NONE"
	ConditionApproved   = "APPROVED"
	ConditionRejected   = "REJECTED"
	ConditionExpression = "EXPRESSION"
)

// Instance statuses.
const (
	InstancePending   = "PENDING"
	InstanceApproved  = "APPROVED"
	InstanceRejected  = "REJECTED"
	InstanceCancelled = "CANCELLED"
	InstanceWithdrawn = "WITHDRAWN"
)

// Step statuses.
const (
	StepPending   = "PENDING"
	StepApproved  = "APPROVED"
	StepRejected  = "REJECTED"
	StepDelegated = "DELEGATED"
	StepWithdrawn = "WITHDRAWN"
	StepCancelled = "CANCELLED"
)

// Step actions.
const (
	ActionApprove  = "APPROVE"
	ActionReject   = "REJECT"
	ActionDelegate = "DELEGATE"
	ActionReturn   = "RETURN"
	ActionCC       = "CC"
	ActionCancel   = "CANCEL"
)

// Urgency levels.
const (
	UrgencyLow    = "LOW"
	UrgencyNormal = "NORMAL"
	UrgencyHigh   = "HIGH"
	UrgencyUrgent = "URGENT"
)

// Opinion types.
const (
	OpinionComment = "COMMENT"
	OpinionApprove = "APPROVE"
	OpinionReject  = "REJECT"
)

type Flow struct {
	ID          string     `json:"id"`
	FlowNo      string     `json:"flow_no"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	Category    string     `json:"category,omitempty"`
	IsActive    bool       `json:"is_active"`
	IsPublished bool       `json:"is_published"`
	Version     int        `json:"version"`
	FormSchema  any        `json:"form_schema,omitempty"`
	Settings    any        `json:"settings,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
	Nodes       []FlowNode `json:"nodes,omitempty"`
	Lines       []FlowLine `json:"lines,omitempty"`
}

type FlowNode struct {
	ID                  string `json:"id"`
	FlowID              string `json:"flow_id"`
	NodeNo              string `json:"node_no"`
	Name                string `json:"name"`
	NodeType            string `json:"node_type" enum:"START,APPROVAL,CONDITION,CC,END"`
	ApprovalType        string `json:"approval_type" enum:"SINGLE,AND,OR"`
	AssigneeType        string `json:"assignee_type,omitempty"`
	AssigneeValue       string `json:"assignee_value,omitempty"`
	FormPermission      any    `json:"form_permission,omitempty"`
	OperationPermission any    `json:"operation_permission,omitempty"`
	PositionX           int    `json:"position_x"`
	PositionY           int    `json:"position_y"`
	OrderNum            int    `json:"order_num"`
	IsFirst             bool   `json:"is_first"`
	IsFinal             bool   `json:"is_final"`
	Settings            any    `json:"settings,omitempty"`
}

type FlowLine struct {
	ID                  string `json:"id"`
	FlowID              string `json:"flow_id"`
	LineNo              string `json:"line_no"`
	FromNodeID          string `json:"from_node_id"`
	ToNodeID            string `json:"to_node_id"`
	ConditionType       string `json:"condition_type" enum:"NONE,APPROVED,REJECTED,EXPRESSION"`
	ConditionExpression string `json:"condition_expression,omitempty"`
	Priority            int    `json:"priority"`
	Label               string `json:"label,omitempty"`
	Settings            any    `json:"settings,omitempty"`
}

// Graph is the node and line set an instance is pinned to at start.
type Graph struct {
	FlowID  string     `json:"flow_id"`
	Version int        `json:"version"`
	Nodes   []FlowNode `json:"nodes"`
	Lines   []FlowLine `json:"lines"`
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (FlowNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return FlowNode{}, false
}

// First returns the start node.
func (g Graph) First() (FlowNode, bool) {
	for _, n := range g.Nodes {
		if n.IsFirst {
			return n, true
		}
	}
	return FlowNode{}, false
}

type Instance struct {
	ID            string         `json:"id"`
	InstanceNo    string         `json:"instance_no"`
	FlowID        string         `json:"flow_id"`
	FlowVersion   int            `json:"flow_version"`
	ApplicantID   string         `json:"applicant_id"`
	Title         string         `json:"title"`
	Status        string         `json:"status" enum:"PENDING,APPROVED,REJECTED,CANCELLED,WITHDRAWN"`
	CurrentNodeID *string        `json:"current_node_id,omitempty"`
	BusinessKey   string         `json:"business_key,omitempty"`
	BusinessType  string         `json:"business_type,omitempty"`
	FormData      map[string]any `json:"form_data,omitempty"`
	Graph         *Graph         `json:"-"`
	StartedAt     string         `json:"started_at" format:"date-time"`
	EndedAt       *string        `json:"ended_at,omitempty" format:"date-time"`
	Duration      *int64         `json:"duration,omitempty"`
	Urgency       string         `json:"urgency" enum:"LOW,NORMAL,HIGH,URGENT"`
	Tags          []string       `json:"tags,omitempty"`
	Attachments   any            `json:"attachments,omitempty"`
	Settings      any            `json:"settings,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	Steps         []Step         `json:"steps,omitempty"`
}

type Step struct {
	ID            string  `json:"id"`
	InstanceID    string  `json:"instance_id"`
	NodeID        string  `json:"node_id"`
	NodeName      string  `json:"node_name,omitempty"`
	StepNo        string  `json:"step_no"`
	AssigneeID    string  `json:"assignee_id"`
	AssigneeName  string  `json:"assignee_name,omitempty"`
	Status        string  `json:"status" enum:"PENDING,APPROVED,REJECTED,DELEGATED,WITHDRAWN,CANCELLED"`
	Action        *string `json:"action,omitempty"`
	Opinion       *string `json:"opinion,omitempty"`
	Attachments   any     `json:"attachments,omitempty"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	Duration      *int64  `json:"duration,omitempty"`
	IsRead        bool    `json:"is_read"`
	DelegatedFrom *string `json:"delegated_from,omitempty"`
	Settings      any     `json:"settings,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Opinion struct {
	ID          string  `json:"id"`
	StepID      string  `json:"step_id"`
	AuthorID    string  `json:"author_id"`
	AuthorName  string  `json:"author_name,omitempty"`
	OpinionType string  `json:"opinion_type" enum:"COMMENT,APPROVE,REJECT"`
	Content     string  `json:"content"`
	Attachments any     `json:"attachments,omitempty"`
	IsPrivate   bool    `json:"is_private"`
	ReplyTo     *string `json:"reply_to,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// TodoItem is a pending step joined with its instance for inbox views.
type TodoItem struct {
	StepID      string `json:"step_id"`
	StepNo      string `json:"step_no"`
	NodeName    string `json:"node_name,omitempty"`
	InstanceID  string `json:"instance_id"`
	InstanceNo  string `json:"instance_no"`
	Title       string `json:"title"`
	FlowName    string `json:"flow_name"`
	ApplicantID string `json:"applicant_id"`
	Status      string `json:"status"`
	Urgency     string `json:"urgency"`
	StartedAt   string `json:"started_at" format:"date-time"`
	IsRead      bool   `json:"is_read"`
}

// DoneItem is a closed step joined with its instance.
type DoneItem struct {
	StepID      string  `json:"step_id"`
	InstanceID  string  `json:"instance_id"`
	InstanceNo  string  `json:"instance_no"`
	Title       string  `json:"title"`
	FlowName    string  `json:"flow_name"`
	ApplicantID string  `json:"applicant_id"`
	Status      string  `json:"status"`
	Action      string  `json:"action,omitempty"`
	Opinion     *string `json:"opinion,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	InstanceID string `json:"instance_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// Member binds a user to a role or department.
type Member struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind" enum:"ROLE,DEPT"`
	GroupID string `json:"group_id"`
}
