// Package logkeys defines static logging keys for consistent structured logging output.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// Level marks entries that need operator attention. The logger itself
	// only has info and debug.
	Level = "level"
	Warn  = "warn"

	InstanceID = "instance_id"
	InstanceNo = "instance_no"
	FlowID     = "flow_id"
	NodeID     = "node_id"
	LineID     = "line_id"
	StepID     = "step_id"
	UserID     = "user_id"
	Action     = "action"
	Status     = "status"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
