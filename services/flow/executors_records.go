package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// primaryKey returns the field that identifies records of a form.
func (s *ExecutionState) primaryKey(formID string) string {
	if f, ok := s.Project.Form(formID); ok && f.PrimaryKey != "" {
		return f.PrimaryKey
	}
	return KeyID
}

func (s *ExecutionState) listRecords(ctx context.Context, formID string) ([]Record, error) {
	records, err := s.Store.ListRecords(ctx, formID)
	if err != nil {
		return nil, storeErr("list records of "+formID, err)
	}
	return records, nil
}

// ReadExecutor handles the "read" node type.
type ReadExecutor struct{}

func (e *ReadExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*ReadConfig)
	env := state.Env

	switch cfg.SourceType {
	case SourceInput:
		v := env.Get(VarInput)
		if IsUndefined(v) {
			slog.Debug("Read from input without payload", "nodeId", ins.ID)
			env.Unset(cfg.OutputVariable)
		} else {
			env.Set(cfg.OutputVariable, v)
		}
	case SourcePage:
		env.Set(cfg.OutputVariable, pickPageFields(env, cfg.PageFields))
	case SourceForm:
		out, err := e.readForm(ctx, ins, cfg, state)
		if err != nil {
			return nil, err
		}
		res := state.next(ins)
		res.Output = out
		return res, nil
	default:
		return nil, malformed("read node %q has unknown source type %q", ins.ID, cfg.SourceType)
	}

	res := state.next(ins)
	res.Output = map[string]any{"variable": cfg.OutputVariable}
	return res, nil
}

func (e *ReadExecutor) readForm(ctx context.Context, ins *Instruction, cfg *ReadConfig, state *ExecutionState) (map[string]any, error) {
	env := state.Env
	records, err := state.listRecords(ctx, cfg.FormID)
	if err != nil {
		return nil, err
	}
	pk := state.primaryKey(cfg.FormID)

	records = applyRange(env, records, pk, cfg.Range)

	if cfg.ReadMode == ReadCell {
		key := state.resolve(cfg.Key, nil)
		field := env.FieldID(cfg.CellField)
		for _, r := range records {
			if looseEqual(r[pk], key) {
				v := env.Field(r, field)
				if IsUndefined(v) {
					break
				}
				env.Set(cfg.OutputVariable, v)
				return map[string]any{"variable": cfg.OutputVariable, "found": true}, nil
			}
		}
		slog.Debug("Read cell miss", "nodeId", ins.ID, "formId", cfg.FormID, "key", key, "field", cfg.CellField)
		env.Unset(cfg.OutputVariable)
		return map[string]any{"variable": cfg.OutputVariable, "found": false}, nil
	}

	records = applyFilters(state, records, cfg.Filters)
	if cfg.Sort != nil && cfg.Sort.Field != "" {
		sortRecords(env, records, cfg.Sort)
	}

	if cfg.ReadMode == ReadBatch {
		if len(cfg.Fields) > 0 {
			records = project(env, records, pk, cfg.Fields)
		}
		if cfg.Limit > 0 && len(records) > cfg.Limit {
			records = records[:cfg.Limit]
		}
	}

	list := make([]any, len(records))
	for i, r := range records {
		list[i] = r
	}
	env.Set(cfg.OutputVariable, list)
	return map[string]any{"variable": cfg.OutputVariable, "count": len(list)}, nil
}

func pickPageFields(env *Env, fields []string) any {
	input := env.Get(VarInput)
	switch len(fields) {
	case 0:
		if IsUndefined(input) {
			return nil
		}
		return input
	case 1:
		v := env.Field(input, fields[0])
		if IsUndefined(v) {
			return nil
		}
		return v
	default:
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			v := env.Field(input, f)
			if IsUndefined(v) {
				v = nil
			}
			out[f] = v
		}
		return out
	}
}

// applyRange keeps records that pass every configured range selection: the
// primary key allow-list, then discrete attribute paths, then numeric segments.
func applyRange(env *Env, records []Record, pk string, rf RangeFilter) []Record {
	if len(rf.PrimaryKeys) > 0 {
		records = slices.DeleteFunc(records, func(r Record) bool {
			return !slices.ContainsFunc(rf.PrimaryKeys, func(k any) bool { return looseEqual(r[pk], k) })
		})
	}
	if len(rf.AttributePaths) > 0 {
		records = slices.DeleteFunc(records, func(r Record) bool {
			return !slices.ContainsFunc(rf.AttributePaths, func(path []AttributeLevel) bool {
				for _, lvl := range path {
					if !looseEqual(env.Field(r, lvl.Field), lvl.Value) {
						return false
					}
				}
				return true
			})
		})
	}
	if len(rf.Segments) > 0 {
		records = slices.DeleteFunc(records, func(r Record) bool {
			return !slices.ContainsFunc(rf.Segments, func(seg Segment) bool {
				f, ok := toFloat64(env.Field(r, seg.Field))
				if !ok {
					return false
				}
				return (seg.Min == nil || f >= *seg.Min) && (seg.Max == nil || f < *seg.Max)
			})
		})
	}
	return records
}

func applyFilters(state *ExecutionState, records []Record, filters []FieldFilter) []Record {
	if len(filters) == 0 {
		return records
	}
	return slices.DeleteFunc(records, func(r Record) bool {
		for _, f := range filters {
			if !compare(state.Env.Field(r, f.Field), f.Operator, state.resolve(f.Value, r)) {
				return true
			}
		}
		return false
	})
}

func sortRecords(env *Env, records []Record, spec *SortSpec) {
	desc := spec.Order == "desc" || spec.Order == "descending"
	slices.SortStableFunc(records, func(a, b Record) int {
		c := compareValues(env.Field(a, spec.Field), env.Field(b, spec.Field))
		if desc {
			return -c
		}
		return c
	})
}

// project keeps only the selected fields plus the primary key.
func project(env *Env, records []Record, pk string, fields []string) []Record {
	keep := make([]string, 0, len(fields)+1)
	keep = append(keep, pk)
	for _, f := range fields {
		keep = append(keep, env.FieldID(f))
	}
	out := make([]Record, len(records))
	for i, r := range records {
		p := make(Record, len(keep))
		for _, k := range keep {
			if v, ok := r[k]; ok {
				p[k] = v
			}
		}
		out[i] = p
	}
	return out
}

func maxKey(records []Record, pk string) float64 {
	var maxVal float64
	for _, r := range records {
		if f, ok := toFloat64(r[pk]); ok && f > maxVal {
			maxVal = f
		}
	}
	return maxVal
}

// WriteExecutor handles the "write" node type. Batch writes are not
// transactional: when the store fails part way, records created before the
// failure remain.
type WriteExecutor struct{}

func (e *WriteExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*WriteConfig)

	var (
		out map[string]any
		err error
	)
	switch cfg.WriteMode {
	case WriteBatch:
		out, err = e.batch(ctx, ins, cfg, state)
	case WriteSingle:
		out, err = e.single(ctx, ins, cfg, state)
	case WriteCell:
		out, err = e.cell(ctx, ins, cfg, state)
	default:
		err = malformed("write node %q has unknown write mode %q", ins.ID, cfg.WriteMode)
	}
	if err != nil {
		return nil, err
	}
	res := state.next(ins)
	res.Output = out
	return res, nil
}

func (e *WriteExecutor) batch(ctx context.Context, ins *Instruction, cfg *WriteConfig, state *ExecutionState) (map[string]any, error) {
	src := state.resolveRef(cfg.SourceVariable)
	items, ok := src.([]any)
	if !ok {
		if IsUndefined(src) || src == nil {
			return nil, malformed("write node %q: source %q is not set", ins.ID, cfg.SourceVariable.Variable)
		}
		return nil, malformed("write node %q: source %q is not an array", ins.ID, cfg.SourceVariable.Variable)
	}
	if len(items) == 0 {
		return map[string]any{"created": 0}, nil
	}

	pk := state.primaryKey(cfg.FormID)
	existing, err := state.listRecords(ctx, cfg.FormID)
	if err != nil {
		return nil, err
	}
	nextKey := maxKey(existing, pk)
	if cfg.PrimaryKeyMode == KeySource {
		// Generated keys continue after every key the batch carries.
		for _, item := range items {
			if f, ok := toFloat64(state.Env.Field(item, pk)); ok && f > nextKey {
				nextKey = f
			}
		}
	}

	created := 0
	for _, item := range items {
		var rec Record
		if len(cfg.Mappings) > 0 {
			rec = state.assign(cfg.Mappings, item)
		} else {
			rec = cloneRecord(item)
			stripSystemKeys(rec)
		}

		if pk != KeyID {
			key := Undefined
			if cfg.PrimaryKeyMode == KeySource {
				key = state.Env.Field(item, pk)
			}
			if IsUndefined(key) || key == nil {
				nextKey++
				key = nextKey
			}
			rec[pk] = key
		}

		if ct, ok := fieldOf(item, KeyCreateTime); ok {
			rec[KeyCreateTime] = ct
		} else {
			rec[KeyCreateTime] = state.createTime()
		}

		if _, err := state.Store.CreateRecord(ctx, cfg.FormID, rec); err != nil {
			return nil, fmt.Errorf("write node %q after %d of %d records: %w", ins.ID, created, len(items), storeErr("create record", err))
		}
		created++
	}
	return map[string]any{"created": created}, nil
}

func (e *WriteExecutor) single(ctx context.Context, ins *Instruction, cfg *WriteConfig, state *ExecutionState) (map[string]any, error) {
	var rec Record
	if cfg.SubMode == SubModeDirect {
		src := state.resolveRef(cfg.SourceVariable)
		if _, ok := src.(map[string]any); !ok {
			return nil, malformed("write node %q: source %q is not an object", ins.ID, cfg.SourceVariable.Variable)
		}
		rec = cloneRecord(src)
		stripSystemKeys(rec)
	} else {
		rec = state.assign(cfg.Mappings, nil)
	}

	pk := state.primaryKey(cfg.FormID)
	if pk != KeyID {
		existing, err := state.listRecords(ctx, cfg.FormID)
		if err != nil {
			return nil, err
		}
		rec[pk] = maxKey(existing, pk) + 1
	}
	if _, ok := rec[KeyCreateTime]; !ok {
		rec[KeyCreateTime] = state.createTime()
	}

	created, err := state.Store.CreateRecord(ctx, cfg.FormID, rec)
	if err != nil {
		return nil, storeErr("create record", err)
	}
	return map[string]any{"created": 1, "record": created}, nil
}

func (e *WriteExecutor) cell(ctx context.Context, ins *Instruction, cfg *WriteConfig, state *ExecutionState) (map[string]any, error) {
	if cfg.TargetField == "" {
		return nil, malformed("write node %q has no target field", ins.ID)
	}
	key := state.resolve(cfg.Key, nil)
	if IsUndefined(key) {
		slog.Warn("Write cell key unresolved", "nodeId", ins.ID, "key", cfg.Key.String())
		return map[string]any{"updated": 0}, nil
	}

	records, err := state.listRecords(ctx, cfg.FormID)
	if err != nil {
		return nil, err
	}
	pk := state.primaryKey(cfg.FormID)
	idx := slices.IndexFunc(records, func(r Record) bool { return looseEqual(r[pk], key) })
	if idx < 0 {
		slog.Warn("Write cell target record not found", "nodeId", ins.ID, "formId", cfg.FormID, "key", key)
		return map[string]any{"updated": 0}, nil
	}

	value := state.resolve(cfg.Value, nil)
	if IsUndefined(value) {
		value = nil
	}
	data := Record{
		state.Env.FieldID(cfg.TargetField): value,
		KeyUpdateTime:                      state.now().UTC().Format(time.RFC3339Nano),
	}
	if err := state.Store.UpdateRecord(ctx, cfg.FormID, records[idx][pk], data); err != nil {
		return nil, storeErr("update record", err)
	}
	return map[string]any{"updated": 1}, nil
}

// assign builds a record from mappings. Unresolved sources are skipped.
func (s *ExecutionState) assign(mappings []Assignment, elem any) Record {
	rec := make(Record, len(mappings))
	for _, m := range mappings {
		if m.Target == "" {
			continue
		}
		v := s.resolve(m.Source, elem)
		if IsUndefined(v) {
			continue
		}
		rec[s.Env.FieldID(m.Target)] = v
	}
	return rec
}

func fieldOf(v any, key string) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	val, ok := m[key]
	return val, ok && val != nil
}

func (s *ExecutionState) matches(r Record, rules []MatchRule) bool {
	for _, rule := range rules {
		if !compare(s.Env.Field(r, rule.Field), rule.Operator, s.resolve(rule.Value, r)) {
			return false
		}
	}
	return true
}

// UpdateExecutor handles the "update" node type: every record matching all
// rules receives the assignments.
type UpdateExecutor struct{}

func (e *UpdateExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*UpdateConfig)
	records, err := state.listRecords(ctx, cfg.FormID)
	if err != nil {
		return nil, err
	}
	pk := state.primaryKey(cfg.FormID)

	updated := 0
	for _, r := range records {
		if !state.matches(r, cfg.Match) {
			continue
		}
		data := state.assign(cfg.Assignments, r)
		data[KeyUpdateTime] = state.now().UTC().Format(time.RFC3339Nano)
		if err := state.Store.UpdateRecord(ctx, cfg.FormID, r[pk], data); err != nil {
			return nil, storeErr("update record", err)
		}
		updated++
	}
	if cfg.OutputVariable != "" {
		state.Env.Set(cfg.OutputVariable, updated)
	}

	res := state.next(ins)
	res.Output = map[string]any{"updated": updated}
	return res, nil
}

// DeleteExecutor handles the "delete" node type: every record matching all
// rules is removed.
type DeleteExecutor struct{}

func (e *DeleteExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*DeleteConfig)
	records, err := state.listRecords(ctx, cfg.FormID)
	if err != nil {
		return nil, err
	}
	pk := state.primaryKey(cfg.FormID)

	deleted := 0
	for _, r := range records {
		if !state.matches(r, cfg.Match) {
			continue
		}
		if err := state.Store.DeleteRecord(ctx, cfg.FormID, r[pk]); err != nil {
			return nil, storeErr("delete record", err)
		}
		deleted++
	}
	if cfg.OutputVariable != "" {
		state.Env.Set(cfg.OutputVariable, deleted)
	}

	res := state.next(ins)
	res.Output = map[string]any{"deleted": deleted}
	return res, nil
}

// ExistCheckExecutor handles the "existCheck" node type. A record exists when
// any stored record satisfies every rule.
type ExistCheckExecutor struct{}

func (e *ExistCheckExecutor) Execute(ctx context.Context, ins *Instruction, state *ExecutionState) (*StepResult, error) {
	cfg := ins.Spec.(*ExistCheckConfig)
	records, err := state.listRecords(ctx, cfg.FormID)
	if err != nil {
		return nil, err
	}

	src := state.resolveRef(cfg.Source)
	_, isObject := src.(map[string]any)

	exists := slices.ContainsFunc(records, func(r Record) bool {
		for _, rule := range cfg.Rules {
			left := src
			if isObject {
				left = state.Env.Field(src, rule.SourceField)
			}
			op := rule.Operator
			if op == "" {
				op = "=="
			}
			if !compare(left, op, state.Env.Field(r, rule.TargetField)) {
				return false
			}
		}
		return true
	})

	if cfg.OutputVariable != "" {
		state.Env.Set(cfg.OutputVariable, exists)
	}

	label := "no"
	if exists {
		label = "yes"
	}
	next, ok := state.prog.branch(ins.Index, label)
	if !ok {
		next, _ = state.prog.unlabeled(ins.Index)
	}
	return &StepResult{Next: next, Output: map[string]any{"exists": exists}}, nil
}
