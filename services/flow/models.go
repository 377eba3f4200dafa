package flow

import "time"

// NodeType identifies the behaviour of a node. The set is closed: a design that
// uses any other type fails compilation.
type NodeType string

const (
	TypeStart        NodeType = "start"
	TypeEnd          NodeType = "end"
	TypeRead         NodeType = "read"
	TypeWrite        NodeType = "write"
	TypeUpdate       NodeType = "update"
	TypeDelete       NodeType = "delete"
	TypeBinaryBranch NodeType = "binaryBranch"
	TypeAlert        NodeType = "alert"
	TypeJump         NodeType = "jump"
	TypeCalculate    NodeType = "calculate"
	TypeAggregate    NodeType = "aggregate"
	TypeExistCheck   NodeType = "existCheck"
	TypeLoopStart    NodeType = "loopStart"
	TypeLoopEnd      NodeType = "loopEnd"
	TypeContinue     NodeType = "continue"
	TypeBreak        NodeType = "break"
)

// AllNodeTypes lists every canonical node type.
var AllNodeTypes = []NodeType{
	TypeStart, TypeEnd, TypeRead, TypeWrite, TypeUpdate, TypeDelete,
	TypeBinaryBranch, TypeAlert, TypeJump, TypeCalculate, TypeAggregate,
	TypeExistCheck, TypeLoopStart, TypeLoopEnd, TypeContinue, TypeBreak,
}

var typeAliases = map[NodeType]NodeType{
	"prompt":   TypeAlert,
	"pageJump": TypeJump,
}

// Canonical resolves designer aliases (prompt, pageJump) to their canonical type.
func (t NodeType) Canonical() NodeType {
	if c, ok := typeAliases[t]; ok {
		return c
	}
	return t
}

// Flow is a persisted data flow definition.
type Flow struct {
	ID        string    `json:"id" yaml:"id" validate:"required"`
	ProjectID string    `json:"projectId" yaml:"projectId"`
	Name      string    `json:"name" yaml:"name"`
	Design    Design    `json:"design" yaml:"design"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Design is the node/edge graph drawn in the designer.
type Design struct {
	Nodes []Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges []Edge `json:"edges" yaml:"edges" validate:"dive"`
}

// Node is one instruction of the flow graph.
type Node struct {
	ID     string         `json:"id" yaml:"id" validate:"required"`
	Type   NodeType       `json:"type" yaml:"type" validate:"required"`
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge is a directed connection between two nodes. Branching nodes select among
// their outgoing edges by SourceHandle, or by Label when no handle is set.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source" validate:"required"`
	Target       string `json:"target" yaml:"target" validate:"required"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Branch returns the discriminator used to pick this edge.
func (e Edge) Branch() string {
	if e.SourceHandle != "" {
		return e.SourceHandle
	}
	return e.Label
}

// Project groups the forms, fields and roles a flow operates on.
type Project struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Forms  []Form  `json:"forms" yaml:"forms"`
	Fields []Field `json:"fields" yaml:"fields"`
	Roles  []Role  `json:"roles" yaml:"roles"`
}

// Form returns the form with the given id.
func (p *Project) Form(id string) (Form, bool) {
	if p == nil {
		return Form{}, false
	}
	for _, f := range p.Forms {
		if f.ID == id {
			return f, true
		}
	}
	return Form{}, false
}

// Form is a named collection of records.
type Form struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	PrimaryKey string `json:"primaryKey" yaml:"primaryKey"`
}

// Field maps a display name to the id records are keyed by.
type Field struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	FormID string `json:"formId,omitempty" yaml:"formId,omitempty"`
}

type Role struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Page is a navigation target.
type Page struct {
	ID       string `json:"id" yaml:"id"`
	RoleID   string `json:"roleId" yaml:"roleId"`
	Category string `json:"category" yaml:"category"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Record is a stored row keyed by field id.
type Record = map[string]any

// System record keys maintained by the stores and the write executors.
const (
	KeyID         = "id"
	KeyCreateTime = "createTime"
	KeyUpdateTime = "updateTime"
	KeyIsTop      = "isTop"
	KeyTopTime    = "topTime"
)

// systemKeys are dropped when a record is copied into another record.
var systemKeys = []string{KeyID, KeyIsTop, KeyTopTime, KeyUpdateTime}

// RunInput carries the trigger payload and caller context for a run.
type RunInput struct {
	Payload       any               `json:"input,omitempty"`
	PayloadFormID string            `json:"inputFormId,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	RoleID        string            `json:"roleId,omitempty"`
	UI            UI                `json:"-"`
}

// RunResult is returned after a run completes or fails.
type RunResult struct {
	RunID         string          `json:"runId"`
	FlowID        string          `json:"flowId"`
	Status        string          `json:"status"`
	StartTime     string          `json:"startTime"`
	EndTime       string          `json:"endTime"`
	TotalDuration int64           `json:"totalDuration"`
	Steps         []ExecutionStep `json:"steps"`
	Effects       []Effect        `json:"effects,omitempty"`
	Variables     map[string]any  `json:"variables,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusNavigated = "navigated"
	StatusFailed    = "failed"
)

// ExecutionStep represents the result of executing a single node.
type ExecutionStep struct {
	StepNumber int            `json:"stepNumber"`
	NodeID     string         `json:"nodeId"`
	NodeType   NodeType       `json:"nodeType"`
	Label      string         `json:"label"`
	Status     string         `json:"status"`
	Duration   int64          `json:"duration"`
	Output     map[string]any `json:"output,omitempty"`
	Next       string         `json:"next,omitempty"`
	Error      string         `json:"error,omitempty"`
}
