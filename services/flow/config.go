package flow

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// VarRef points at a variable and an optional dotted path inside it.
type VarRef struct {
	Variable string `json:"variable"`
	Path     string `json:"path,omitempty"`
}

func (r VarRef) empty() bool { return r.Variable == "" }

// Operand kinds.
const (
	OperandFixed    = "fixed"
	OperandConstant = "constant"
	OperandVariable = "variable"
	OperandVarPath  = "variablePath"
	OperandSystem   = "system"
	OperandField    = "field"
	OperandURLParam = "urlParam"
)

// Operand is a typed value source used by branches, mappings and parameters.
type Operand struct {
	Type     string `json:"type"`
	Value    any    `json:"value,omitempty"`
	Variable string `json:"variable,omitempty"`
	Path     string `json:"path,omitempty"`
	System   string `json:"system,omitempty"`
	Field    string `json:"field,omitempty"`
	Param    string `json:"param,omitempty"`
}

// Condition is a structured comparison.
type Condition struct {
	Left     VarRef  `json:"left"`
	Operator string  `json:"operator"`
	Right    Operand `json:"right"`
}

type StartConfig struct {
	TriggerType string `json:"triggerType"`
	PageID      string `json:"pageId"`
	ControlID   string `json:"controlId"`
}

// End types.
const (
	EndSilent     = "silent"
	EndAlert      = "alert"
	EndJump       = "jump"
	EndBack       = "back"
	EndRefresh    = "refresh"
	EndClosePopup = "closePopup"
)

type EndConfig struct {
	EndType  string      `json:"endType"`
	Message  string      `json:"message"`
	PageID   string      `json:"pageId"`
	Params   []PageParam `json:"params"`
	OpenMode OpenMode    `json:"openMode"`
	Refresh  bool        `json:"refresh"`
}

// Read source types and modes.
const (
	SourceForm  = "form"
	SourcePage  = "page"
	SourceInput = "input"

	ReadBatch = "batch"
	ReadLoop  = "loop"
	ReadCell  = "cell"
)

type ReadConfig struct {
	SourceType     string        `json:"sourceType"`
	FormID         string        `json:"formId"`
	ReadMode       string        `json:"readMode"`
	OutputVariable string        `json:"outputVariable"`
	Range          RangeFilter   `json:"range"`
	Filters        []FieldFilter `json:"filters"`
	Fields         []string      `json:"fields"`
	Sort           *SortSpec     `json:"sort"`
	Limit          int           `json:"limit"`
	Key            Operand       `json:"key"`
	CellField      string        `json:"cellField"`
	PageFields     []string      `json:"pageFields"`
}

// RangeFilter holds the static range selections made in the designer.
type RangeFilter struct {
	PrimaryKeys    []any              `json:"primaryKeys"`
	AttributePaths [][]AttributeLevel `json:"attributePaths"`
	Segments       []Segment          `json:"segments"`
}

// AttributeLevel is one level of a discrete attribute path.
type AttributeLevel struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Segment is a half-open numeric interval [Min, Max) on one field. A nil bound is unbounded.
type Segment struct {
	Field string   `json:"field"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

type FieldFilter struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    Operand `json:"value"`
}

type SortSpec struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// Write modes.
const (
	WriteBatch  = "batch"
	WriteSingle = "single"
	WriteCell   = "cell"

	SubModeDirect  = "direct"
	SubModeMapping = "mapping"

	KeyAuto   = "auto"
	KeySource = "source"
)

type WriteConfig struct {
	FormID         string       `json:"formId"`
	WriteMode      string       `json:"writeMode"`
	SubMode        string       `json:"subMode"`
	SourceVariable VarRef       `json:"source"`
	Mappings       []Assignment `json:"mappings"`
	PrimaryKeyMode string       `json:"primaryKeyMode"`
	Key            Operand      `json:"key"`
	TargetField    string       `json:"targetField"`
	Value          Operand      `json:"value"`
}

// Assignment writes one operand into a target field.
type Assignment struct {
	Source Operand `json:"source"`
	Target string  `json:"targetField"`
}

// MatchRule selects records for update and delete.
type MatchRule struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    Operand `json:"value"`
}

type UpdateConfig struct {
	FormID         string       `json:"formId"`
	Match          []MatchRule  `json:"match"`
	Assignments    []Assignment `json:"assignments"`
	OutputVariable string       `json:"outputVariable"`
}

type DeleteConfig struct {
	FormID         string      `json:"formId"`
	Match          []MatchRule `json:"match"`
	OutputVariable string      `json:"outputVariable"`
}

type BranchConfig struct {
	Condition
	Expression  string `json:"expression"`
	TrueTarget  string `json:"trueTarget"`
	FalseTarget string `json:"falseTarget"`
}

// Alert types.
const (
	AlertInfo    = "info"
	AlertConfirm = "confirm"
)

type AlertConfig struct {
	Message       string `json:"message"`
	AlertType     string `json:"alertType"`
	ConfirmTarget string `json:"confirmTarget"`
	CancelTarget  string `json:"cancelTarget"`
}

// OpenMode selects how a navigation opens its target.
type OpenMode string

const (
	OpenReplace   OpenMode = "replace"
	OpenNewWindow OpenMode = "newWindow"
	OpenPopup     OpenMode = "popup"
)

type PageParam struct {
	Name  string  `json:"name"`
	Value Operand `json:"value"`
}

type JumpConfig struct {
	PageID       string      `json:"pageId"`
	Params       []PageParam `json:"params"`
	OpenMode     OpenMode    `json:"openMode"`
	ContinueFlow bool        `json:"continueFlow"`
}

// Calculate expression types.
const (
	CalcAssign         = "assign"
	CalcAddition       = "addition"
	CalcSubtraction    = "subtraction"
	CalcMultiplication = "multiplication"
	CalcDivision       = "division"
	CalcConcat         = "concat"
)

type CalculateConfig struct {
	ExpressionType string `json:"expressionType"`
	OutputVariable string `json:"outputVariable"`

	Assign         *VarRef       `json:"assign"`
	Addition       *AdditionSpec `json:"addition"`
	Subtraction    *BinarySpec   `json:"subtraction"`
	Multiplication *ProductSpec  `json:"multiplication"`
	Division       *BinarySpec   `json:"division"`
	Concat         *ConcatSpec   `json:"concat"`

	// Legacy forms.
	Expression    string         `json:"expression"`
	Record        VarRef         `json:"record"`
	DerivedFields []DerivedField `json:"derivedFields"`
	Structured    *ExprNode      `json:"structured"`
}

type AdditionSpec struct {
	Constant float64 `json:"constant"`
	Terms    []Term  `json:"terms"`
}

// Term is coefficient × variable. A nil coefficient means 1.
type Term struct {
	Coefficient *float64 `json:"coefficient"`
	VarRef
}

type BinarySpec struct {
	Left  Operand `json:"left"`
	Right Operand `json:"right"`
}

type ProductSpec struct {
	Factors []VarRef `json:"factors"`
}

type ConcatSpec struct {
	Segments []ConcatSegment `json:"segments"`
}

// ConcatSegment is either a literal or a variable reference.
type ConcatSegment struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
	VarRef
}

// DerivedField is a named formula that bracket references may point at.
type DerivedField struct {
	Name    string `json:"name"`
	Formula string `json:"formula"`
}

// ExprNode is a pre-parsed arithmetic tree.
type ExprNode struct {
	Op       string     `json:"op"`
	Operands []ExprNode `json:"operands"`
	Value    *float64   `json:"value"`
	Variable string     `json:"variable"`
}

// Aggregate methods.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMax   = "max"
	AggMin   = "min"
)

type AggregateConfig struct {
	Source         VarRef `json:"source"`
	Field          string `json:"field"`
	Method         string `json:"method"`
	OutputVariable string `json:"outputVariable"`
}

type ExistCheckConfig struct {
	Source         VarRef      `json:"source"`
	FormID         string      `json:"formId"`
	Rules          []ExistRule `json:"rules"`
	OutputVariable string      `json:"outputVariable"`
}

type ExistRule struct {
	SourceField string `json:"sourceField"`
	TargetField string `json:"targetField"`
	Operator    string `json:"operator"`
}

// Loop types.
const (
	LoopForEach = "forEach"
	LoopWhile   = "while"

	defaultMaxCount = 100
)

type LoopStartConfig struct {
	LoopType        string    `json:"loopType"`
	Source          VarRef    `json:"source"`
	ItemVariable    string    `json:"itemVariable"`
	IndexVariable   string    `json:"indexVariable"`
	Condition       Condition `json:"condition"`
	MaxCount        int       `json:"maxCount"`
	CounterVariable string    `json:"counterVariable"`
}

type LoopEndConfig struct {
	LoopStartNodeID string `json:"loopStartNodeId"`
}

type emptyConfig struct{}

// decodeConfig turns a node's raw config into its typed form and checks the
// keys each executor cannot run without.
func decodeConfig(n Node, typ NodeType) (any, error) {
	var cfg any
	switch typ {
	case TypeStart:
		cfg = &StartConfig{}
	case TypeEnd:
		cfg = &EndConfig{}
	case TypeRead:
		cfg = &ReadConfig{}
	case TypeWrite:
		cfg = &WriteConfig{}
	case TypeUpdate:
		cfg = &UpdateConfig{}
	case TypeDelete:
		cfg = &DeleteConfig{}
	case TypeBinaryBranch:
		cfg = &BranchConfig{}
	case TypeAlert:
		cfg = &AlertConfig{}
	case TypeJump:
		cfg = &JumpConfig{}
	case TypeCalculate:
		cfg = &CalculateConfig{}
	case TypeAggregate:
		cfg = &AggregateConfig{}
	case TypeExistCheck:
		cfg = &ExistCheckConfig{}
	case TypeLoopStart:
		cfg = &LoopStartConfig{}
	case TypeLoopEnd:
		cfg = &LoopEndConfig{}
	case TypeContinue, TypeBreak:
		cfg = &emptyConfig{}
	default:
		return nil, malformed("node %q has unknown type %q", n.ID, n.Type)
	}

	if len(n.Config) > 0 {
		if err := decodeInto(n.Config, cfg); err != nil {
			return nil, malformed("node %q config: %v", n.ID, err)
		}
	}

	if err := checkConfig(n.ID, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto copies loosely typed designer data into target using the json
// tags for field names. Embedded structs are squashed.
func decodeInto(input, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		Squash:           true,
		WeaklyTypedInput: true,
		DecodeHook:       untypedIntToFloat,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// untypedIntToFloat stores integers that land in an untyped slot as float64,
// the shape every number has after a JSON round trip through the store.
var untypedIntToFloat mapstructure.DecodeHookFuncType = func(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Interface {
		return data, nil
	}
	v := reflect.ValueOf(data)
	switch {
	case v.CanInt():
		return float64(v.Int()), nil
	case v.CanUint():
		return float64(v.Uint()), nil
	case v.Kind() == reflect.Float32:
		return v.Float(), nil
	}
	return data, nil
}

func checkConfig(id string, cfg any) error {
	switch c := cfg.(type) {
	case *ReadConfig:
		if c.SourceType == "" {
			c.SourceType = SourceForm
		}
		if c.ReadMode == "" {
			c.ReadMode = ReadBatch
		}
		if c.OutputVariable == "" {
			return malformed("read node %q has no output variable", id)
		}
		if c.SourceType == SourceForm && c.FormID == "" {
			return malformed("read node %q has no form", id)
		}
	case *WriteConfig:
		if c.FormID == "" {
			return malformed("write node %q has no form", id)
		}
		if c.WriteMode == "" {
			c.WriteMode = WriteSingle
		}
		if c.SubMode == "" {
			c.SubMode = SubModeMapping
		}
		if c.PrimaryKeyMode == "" {
			c.PrimaryKeyMode = KeyAuto
		}
	case *UpdateConfig:
		if c.FormID == "" || len(c.Match) == 0 {
			return malformed("update node %q needs a form and at least one match rule", id)
		}
	case *DeleteConfig:
		if c.FormID == "" || len(c.Match) == 0 {
			return malformed("delete node %q needs a form and at least one match rule", id)
		}
	case *CalculateConfig:
		if c.OutputVariable == "" {
			return malformed("calculate node %q has no output variable", id)
		}
	case *AggregateConfig:
		if c.OutputVariable == "" || c.Source.empty() {
			return malformed("aggregate node %q needs a source and an output variable", id)
		}
		switch c.Method {
		case "":
			c.Method = AggCount
		case AggCount, AggSum, AggAvg, AggMax, AggMin:
		default:
			return malformed("aggregate node %q has unknown method %q", id, c.Method)
		}
	case *ExistCheckConfig:
		if c.FormID == "" {
			return malformed("existCheck node %q has no form", id)
		}
	case *LoopStartConfig:
		if c.LoopType == "" {
			c.LoopType = LoopForEach
		}
		if c.LoopType != LoopForEach && c.LoopType != LoopWhile {
			return malformed("loopStart node %q has unknown loop type %q", id, c.LoopType)
		}
		if c.MaxCount <= 0 {
			c.MaxCount = defaultMaxCount
		}
	case *LoopEndConfig:
		if c.LoopStartNodeID == "" {
			return malformed("loopEnd node %q is not paired with a loopStart", id)
		}
	case *EndConfig:
		if c.EndType == "" {
			c.EndType = EndSilent
		}
	case *JumpConfig:
		if c.PageID == "" {
			return malformed("jump node %q has no target page", id)
		}
		if c.OpenMode == "" {
			c.OpenMode = OpenReplace
		}
	case *AlertConfig:
		if c.AlertType == "" {
			c.AlertType = AlertInfo
		}
	}
	return nil
}

func (o Operand) String() string {
	switch o.Type {
	case OperandVariable, OperandVarPath:
		if o.Path != "" {
			return o.Variable + "." + o.Path
		}
		return o.Variable
	case OperandSystem:
		return "system:" + o.System
	case OperandField:
		return "field:" + o.Field
	case OperandURLParam:
		return "param:" + o.Param
	default:
		return fmt.Sprint(o.Value)
	}
}
