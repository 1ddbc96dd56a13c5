// Package flowdef reads flow definitions from YAML or JSON documents and
// checks their structure.
package flowdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"approvalflow/internal/domain"
)

// ErrInvalid marks structural problems in a definition.
var ErrInvalid = errors.New("invalid flow definition")

// Definition is a flow with its graph; lines reference nodes by node_no.
type Definition struct {
	FlowNo      string `yaml:"flow_no" json:"flow_no"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Icon        string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
	FormSchema  any    `yaml:"form_schema,omitempty" json:"form_schema,omitempty"`
	Settings    any    `yaml:"settings,omitempty" json:"settings,omitempty"`
	Nodes       []Node `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Lines       []Line `yaml:"lines,omitempty" json:"lines,omitempty"`
}

type Node struct {
	NodeNo              string        `yaml:"node_no" json:"node_no"`
	Name                string        `yaml:"name" json:"name"`
	NodeType            string        `yaml:"node_type" json:"node_type" enum:"START,APPROVAL,CONDITION,CC,END"`
	ApprovalType        string        `yaml:"approval_type,omitempty" json:"approval_type,omitempty"`
	AssigneeType        string        `yaml:"assignee_type,omitempty" json:"assignee_type,omitempty"`
	AssigneeValue       AssigneeValue `yaml:"assignee_value,omitempty" json:"assignee_value,omitempty"`
	FormPermission      any           `yaml:"form_permission,omitempty" json:"form_permission,omitempty"`
	OperationPermission any           `yaml:"operation_permission,omitempty" json:"operation_permission,omitempty"`
	PositionX           int           `yaml:"position_x,omitempty" json:"position_x,omitempty"`
	PositionY           int           `yaml:"position_y,omitempty" json:"position_y,omitempty"`
	OrderNum            int           `yaml:"order_num,omitempty" json:"order_num,omitempty"`
	IsFirst             bool          `yaml:"is_first,omitempty" json:"is_first,omitempty"`
	IsFinal             bool          `yaml:"is_final,omitempty" json:"is_final,omitempty"`
	Settings            any           `yaml:"settings,omitempty" json:"settings,omitempty"`
}

type Line struct {
	LineNo              string `yaml:"line_no,omitempty" json:"line_no,omitempty"`
	From                string `yaml:"from" json:"from"`
	To                  string `yaml:"to" json:"to"`
	ConditionType       string `yaml:"condition_type,omitempty" json:"condition_type,omitempty"`
	ConditionExpression string `yaml:"condition_expression,omitempty" json:"condition_expression,omitempty"`
	Priority            int    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Label               string `yaml:"label,omitempty" json:"label,omitempty"`
	Settings            any    `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// AssigneeValue is stored as text. Documents may give it as a string, a
// number or a list; lists are kept as a JSON array.
type AssigneeValue string

func (v *AssigneeValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = AssigneeValue(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		return v.setList(items)
	default:
		return fmt.Errorf("assignee_value must be a string or a list")
	}
}

func (v *AssigneeValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = AssigneeValue(s)
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err == nil {
		items := make([]string, 0, len(raw))
		for _, r := range raw {
			items = append(items, fmt.Sprint(r))
		}
		return v.setList(items)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*v = AssigneeValue(n.String())
		return nil
	}
	return fmt.Errorf("assignee_value must be a string, number or list")
}

func (v *AssigneeValue) setList(items []string) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	*v = AssigneeValue(data)
	return nil
}

// Parse decodes a YAML or JSON definition, fills defaults and validates it.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	def.Normalize()
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Load reads a definition file.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	return Parse(data)
}

// Normalize upper-cases enum fields and fills defaults.
func (d *Definition) Normalize() {
	for i := range d.Nodes {
		n := &d.Nodes[i]
		n.NodeNo = strings.TrimSpace(n.NodeNo)
		n.NodeType = strings.ToUpper(strings.TrimSpace(n.NodeType))
		n.ApprovalType = strings.ToUpper(strings.TrimSpace(n.ApprovalType))
		if n.ApprovalType == "" {
			n.ApprovalType = domain.ApprovalSingle
		}
		n.AssigneeType = strings.ToUpper(strings.TrimSpace(n.AssigneeType))
		if n.Name == "" {
			n.Name = n.NodeNo
		}
		if n.OrderNum == 0 {
			n.OrderNum = i + 1
		}
	}
	for i := range d.Lines {
		l := &d.Lines[i]
		l.From = strings.TrimSpace(l.From)
		l.To = strings.TrimSpace(l.To)
		l.ConditionType = strings.ToUpper(strings.TrimSpace(l.ConditionType))
		if l.ConditionType == "" {
			l.ConditionType = domain.ConditionNone
		}
		if l.LineNo == "" {
			l.LineNo = "L" + strconv.Itoa(i+1)
		}
	}
}

// Validate checks metadata and, when nodes are present, the graph wiring.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.FlowNo) == "" {
		return fmt.Errorf("%w: flow_no is required", ErrInvalid)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	return d.ValidateGraph()
}

// ValidateGraph checks node and line references. Publishability is checked
// separately by Publishable.
func (d Definition) ValidateGraph() error {
	if len(d.Nodes) == 0 && len(d.Lines) > 0 {
		return fmt.Errorf("%w: lines given without nodes", ErrInvalid)
	}
	seen := map[string]bool{}
	first := 0
	for _, n := range d.Nodes {
		if n.NodeNo == "" {
			return fmt.Errorf("%w: node_no is required", ErrInvalid)
		}
		if seen[n.NodeNo] {
			return fmt.Errorf("%w: duplicate node_no %s", ErrInvalid, n.NodeNo)
		}
		seen[n.NodeNo] = true
		switch n.NodeType {
		case domain.NodeStart, domain.NodeApproval, domain.NodeCondition, domain.NodeCC, domain.NodeEnd:
		default:
			return fmt.Errorf("%w: node %s has unknown node_type %q", ErrInvalid, n.NodeNo, n.NodeType)
		}
		switch n.ApprovalType {
		case domain.ApprovalSingle, domain.ApprovalAnd, domain.ApprovalOr:
		default:
			return fmt.Errorf("%w: node %s has unknown approval_type %q", ErrInvalid, n.NodeNo, n.ApprovalType)
		}
		switch n.AssigneeType {
		case "", domain.AssigneeUser, domain.AssigneeRole, domain.AssigneeDept, domain.AssigneeInitiator, domain.AssigneeDynamic:
		default:
			return fmt.Errorf("%w: node %s has unknown assignee_type %q", ErrInvalid, n.NodeNo, n.AssigneeType)
		}
		if n.IsFirst {
			first++
		}
	}
	if first > 1 {
		return fmt.Errorf("%w: more than one first node", ErrInvalid)
	}
	for _, l := range d.Lines {
		if !seen[l.From] {
			return fmt.Errorf("%w: line %s references unknown node %q", ErrInvalid, l.LineNo, l.From)
		}
		if !seen[l.To] {
			return fmt.Errorf("%w: line %s references unknown node %q", ErrInvalid, l.LineNo, l.To)
		}
		switch l.ConditionType {
		case domain.ConditionNone, domain.ConditionApproved, domain.ConditionRejected, domain.ConditionExpression:
		default:
			return fmt.Errorf("%w: line %s has unknown condition_type %q", ErrInvalid, l.LineNo, l.ConditionType)
		}
	}
	return nil
}

// Publishable checks that a stored graph can be run: exactly one first node,
// at least one END node and an outgoing line from every non-END node.
func Publishable(nodes []domain.FlowNode, lines []domain.FlowLine) error {
	byID := make(map[string]domain.FlowNode, len(nodes))
	first, ends := 0, 0
	for _, n := range nodes {
		byID[n.ID] = n
		if n.IsFirst {
			first++
		}
		if n.NodeType == domain.NodeEnd {
			ends++
		}
	}
	if first != 1 {
		return fmt.Errorf("%w: flow needs exactly one first node, has %d", ErrInvalid, first)
	}
	if ends == 0 {
		return fmt.Errorf("%w: flow needs an END node", ErrInvalid)
	}
	outgoing := map[string]int{}
	for _, l := range lines {
		if _, ok := byID[l.FromNodeID]; !ok {
			return fmt.Errorf("%w: line %s starts at unknown node", ErrInvalid, l.LineNo)
		}
		if _, ok := byID[l.ToNodeID]; !ok {
			return fmt.Errorf("%w: line %s ends at unknown node", ErrInvalid, l.LineNo)
		}
		outgoing[l.FromNodeID]++
	}
	for _, n := range nodes {
		if n.NodeType != domain.NodeEnd && outgoing[n.ID] == 0 {
			return fmt.Errorf("%w: node %s has no outgoing line", ErrInvalid, n.NodeNo)
		}
	}
	return nil
}
