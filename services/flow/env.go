package flow

import (
	"maps"
	"regexp"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Reserved variable names seeded from the trigger.
const (
	VarInput       = "$INPUT"
	VarInputFormID = "$INPUT_FORM_ID"
	VarParams      = "$PARAMS"
)

// Env is the run-scoped variable environment. Values are plain JSON-like
// data (map[string]any, []any, float64, string, bool, nil).
type Env struct {
	vars   map[string]any
	fields map[string]string // field name -> field id
}

// NewEnv returns an empty environment.
func NewEnv() *Env {
	return &Env{vars: make(map[string]any), fields: make(map[string]string)}
}

// Reset clears all variables and the field table.
func (e *Env) Reset() {
	clear(e.vars)
	clear(e.fields)
}

// SetFields installs the field name to field id table used as a fallback
// while walking paths.
func (e *Env) SetFields(fields []Field) {
	clear(e.fields)
	for _, f := range fields {
		if f.Name != "" {
			e.fields[f.Name] = f.ID
		}
	}
}

// FieldID translates a field display name to its id. Unknown names are returned unchanged.
func (e *Env) FieldID(name string) string {
	if id, ok := e.fields[name]; ok {
		return id
	}
	return name
}

// Set stores a variable. Setting Undefined removes it.
func (e *Env) Set(name string, v any) {
	if IsUndefined(v) {
		delete(e.vars, name)
		return
	}
	e.vars[name] = normalize(v)
}

func (e *Env) Unset(name string) { delete(e.vars, name) }

// Get returns a top-level variable or Undefined.
func (e *Env) Get(name string) any {
	if v, ok := e.vars[name]; ok {
		return v
	}
	return Undefined
}

// Snapshot returns a shallow copy of all variables.
func (e *Env) Snapshot() map[string]any {
	return maps.Clone(e.vars)
}

// Resolve walks a dotted reference "variable.seg.seg". The first segment names
// a variable; later segments index into maps (with field-name fallback) or arrays.
func (e *Env) Resolve(ref string) any {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Undefined
	}
	name, path, _ := strings.Cut(ref, ".")
	root, ok := e.vars[name]
	if !ok {
		return Undefined
	}
	return e.walk(root, path)
}

// ResolveIn resolves variable then path, where path may be empty.
func (e *Env) ResolveIn(variable, path string) any {
	root := e.Get(strings.TrimSpace(variable))
	if IsUndefined(root) {
		return Undefined
	}
	return e.walk(root, path)
}

// Field reads one field of a record-like value, falling back to the field id
// when the display name is not a key.
func (e *Env) Field(v any, field string) any {
	return e.walk(v, field)
}

func (e *Env) walk(v any, path string) any {
	path = strings.Trim(path, ". ")
	if path == "" {
		return v
	}
	c := gabs.Wrap(v)
	for _, seg := range strings.Split(path, ".") {
		next := c.Search(seg)
		if next == nil {
			if id, ok := e.fields[seg]; ok && id != seg {
				next = c.Search(id)
			}
		}
		if next == nil {
			return Undefined
		}
		c = next
	}
	return c.Data()
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Interpolate replaces {path} placeholders with resolved values. Unresolved
// placeholders render as empty strings.
func (e *Env) Interpolate(tmpl string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		v := e.Resolve(m[1 : len(m)-1])
		if IsUndefined(v) {
			return ""
		}
		return formatValue(v)
	})
}

// normalize converts typed slices and maps produced by Go callers into the
// []any / map[string]any shapes the path walker understands.
func normalize(v any) any {
	switch t := v.(type) {
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i := range t {
			out[i] = float64(t[i])
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case undefined:
		return ""
	case string:
		return t
	case ExprError:
		return t.String()
	case float64:
		return formatNumber(t)
	case float32, int, int64, int32:
		f, _ := toFloat64(t)
		return formatNumber(f)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return gabs.Wrap(v).String()
	}
}
