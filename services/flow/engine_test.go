package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUI records every UI call and answers confirms with a fixed value.
type fakeUI struct {
	mu       sync.Mutex
	confirm  bool
	alerts   []string
	navs     []Navigation
	backs    int
	reloads  int
	closes   int
	alertErr error
}

func (u *fakeUI) Alert(_ context.Context, message string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.alerts = append(u.alerts, message)
	return u.alertErr
}

func (u *fakeUI) Confirm(_ context.Context, message string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.alerts = append(u.alerts, message)
	return u.confirm, nil
}

func (u *fakeUI) Navigate(_ context.Context, nav Navigation) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.navs = append(u.navs, nav)
	return nil
}

func (u *fakeUI) Back(context.Context, bool) error {
	u.backs++
	return nil
}

func (u *fakeUI) Reload(context.Context) error {
	u.reloads++
	return nil
}

func (u *fakeUI) ClosePopup(context.Context) error {
	u.closes++
	return nil
}

// blockingUI holds the run inside Alert until release is closed.
type blockingUI struct {
	HeadlessUI
	entered chan struct{}
	release chan struct{}
}

func (u *blockingUI) Alert(ctx context.Context, _ string) error {
	close(u.entered)
	select {
	case <-u.release:
	case <-ctx.Done():
	}
	return nil
}

// failingStore fails CreateRecord once failAfter records were created.
type failingStore struct {
	*MemoryStore
	failAfter int
	created   int
}

func (s *failingStore) CreateRecord(ctx context.Context, formID string, data Record) (Record, error) {
	if s.created >= s.failAfter {
		return nil, errors.New("disk full")
	}
	s.created++
	return s.MemoryStore.CreateRecord(ctx, formID, data)
}

func node(id string, typ NodeType, cfg map[string]any) Node {
	return Node{ID: id, Type: typ, Name: id, Config: cfg}
}

func edge(source, target string) Edge {
	return Edge{ID: source + "-" + target, Source: source, Target: target}
}

func labeled(source, target, label string) Edge {
	return Edge{ID: source + "-" + target, Source: source, Target: target, Label: label}
}

func variable(name string) map[string]any {
	return map[string]any{"type": OperandVariable, "variable": name}
}

func fixed(v any) map[string]any {
	return map[string]any{"type": OperandFixed, "value": v}
}

func newTestEngine(t *testing.T, store Store, opts ...Option) *Engine {
	t.Helper()
	pages, _ := store.(PageRegistry)
	if pages == nil {
		pages = NewMemoryStore()
	}
	engine, err := NewEngine(NewRegistry(), store, pages, opts...)
	require.NoError(t, err)
	return engine
}

func stepIDs(res *RunResult) []string {
	ids := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		ids[i] = s.NodeID
	}
	return ids
}

func recordValues(t *testing.T, store *MemoryStore, formID, field string) []any {
	t.Helper()
	records, err := store.ListRecords(context.Background(), formID)
	require.NoError(t, err)
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r[field]
	}
	return out
}

func TestEngine_LinearAggregateAlert(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("orders", Record{"amount": 10.0}, Record{"amount": 15.0})
	ui := &fakeUI{}

	f := &Flow{ID: "a", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("read", TypeRead, map[string]any{"formId": "orders", "readMode": "batch", "outputVariable": "orders"}),
			node("sum", TypeAggregate, map[string]any{"source": map[string]any{"variable": "orders"}, "field": "amount", "method": "sum", "outputVariable": "total"}),
			node("end", TypeEnd, map[string]any{"endType": "alert", "message": "Total: {total}"}),
		},
		Edges: []Edge{edge("start", "read"), edge("read", "sum"), edge("sum", "end")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{UI: ui})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"start", "read", "sum", "end"}, stepIDs(res))
	assert.Equal(t, []string{"Total: 25"}, ui.alerts)
	assert.Equal(t, 25.0, res.Variables["total"])
	require.Len(t, res.Effects, 1)
	assert.Equal(t, EffectAlert, res.Effects[0].Kind)
	assert.Equal(t, "end", res.Effects[0].NodeID)
	assert.NotEmpty(t, res.RunID)
}

func TestEngine_BranchFollowsLabeledEdge(t *testing.T) {
	tests := []struct {
		name  string
		count float64
		want  string
	}{
		{"true edge", 3, "yes"},
		{"false edge", 1, "no"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{ID: "b", Design: Design{
				Nodes: []Node{
					node("start", TypeStart, nil),
					node("set", TypeCalculate, map[string]any{"expressionType": "assign", "outputVariable": "$count", "assign": map[string]any{"variable": "$INPUT"}}),
					node("check", TypeBinaryBranch, map[string]any{
						"left": map[string]any{"variable": "$count"}, "operator": ">", "right": fixed(2),
					}),
					node("yes", TypeEnd, nil),
					node("no", TypeEnd, nil),
				},
				Edges: []Edge{
					edge("start", "set"), edge("set", "check"),
					labeled("check", "no", "false"), labeled("check", "yes", "true"),
				},
			}}

			res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{Payload: tt.count})

			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Steps[len(res.Steps)-1].NodeID)
		})
	}
}

func TestEngine_BranchFalseWithoutEdgeEndsRun(t *testing.T) {
	f := &Flow{ID: "b", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("check", TypeBinaryBranch, map[string]any{"expression": "1 > 2"}),
			node("end", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "check"), labeled("check", "end", "true")},
	}}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	assert.Equal(t, []string{"start", "check"}, stepIDs(res))
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestEngine_BranchExpressionSeesReservedVariables(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{"input alias", "INPUT.count > 2", "yes"},
		{"params alias", "PARAMS.mode == 'strict'", "yes"},
		{"both", "INPUT.count > 5 || PARAMS.mode != 'strict'", "no"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{ID: "b", Design: Design{
				Nodes: []Node{
					node("start", TypeStart, nil),
					node("check", TypeBinaryBranch, map[string]any{"expression": tt.expression}),
					node("yes", TypeEnd, nil),
					node("no", TypeEnd, nil),
				},
				Edges: []Edge{edge("start", "check"), labeled("check", "yes", "true"), labeled("check", "no", "false")},
			}}

			res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{
				Payload: map[string]any{"count": 3.0},
				Params:  map[string]string{"mode": "strict"},
			})

			require.NoError(t, err)
			assert.Equal(t, []string{"start", "check", tt.want}, stepIDs(res))
		})
	}
}

func TestExprVars_KeepsUserVariables(t *testing.T) {
	vars := exprVars(map[string]any{"$INPUT": 1.0, "$PARAMS": 2.0, "PARAMS": "mine"})

	assert.Equal(t, 1.0, vars["INPUT"])
	assert.Equal(t, "mine", vars["PARAMS"])
	assert.Equal(t, 2.0, vars["$PARAMS"])
}

func forEachFlow(withBranch string) *Flow {
	nodes := []Node{
		node("start", TypeStart, nil),
		node("loop", TypeLoopStart, map[string]any{"loopType": "forEach", "source": map[string]any{"variable": "$INPUT"}, "itemVariable": "x"}),
		node("write", TypeWrite, map[string]any{
			"formId": "vals", "writeMode": "single",
			"mappings": []any{map[string]any{"source": variable("x"), "targetField": "val"}},
		}),
		node("loopEnd", TypeLoopEnd, map[string]any{"loopStartNodeId": "loop"}),
		node("end", TypeEnd, nil),
	}
	edges := []Edge{edge("start", "loop"), edge("write", "loopEnd"), edge("loopEnd", "end")}

	if withBranch == "" {
		edges = append(edges, edge("loop", "write"))
	} else {
		nodes = append(nodes,
			node("check", TypeBinaryBranch, map[string]any{"left": map[string]any{"variable": "x"}, "operator": "==", "right": fixed(2)}),
			node("ctl", withBranchType(withBranch), nil),
		)
		edges = append(edges,
			edge("loop", "check"),
			labeled("check", "ctl", "true"),
			labeled("check", "write", "false"),
		)
	}
	return &Flow{ID: "loop", Design: Design{Nodes: nodes, Edges: edges}}
}

func withBranchType(s string) NodeType {
	if s == "break" {
		return TypeBreak
	}
	return TypeContinue
}

func TestEngine_ForEachWritesInOrder(t *testing.T) {
	store := NewMemoryStore()

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), forEachFlow(""), RunInput{Payload: []any{1.0, 2.0, 3.0}})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, recordValues(t, store, "vals", "val"))
	assert.Equal(t, "end", res.Steps[len(res.Steps)-1].NodeID)
}

func TestEngine_ForEachEmptySourceSkipsBody(t *testing.T) {
	store := NewMemoryStore()

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), forEachFlow(""), RunInput{Payload: []any{}})

	require.NoError(t, err)
	assert.Equal(t, []string{"start", "loop", "end"}, stepIDs(res))
	assert.Empty(t, recordValues(t, store, "vals", "val"))
}

func TestEngine_BreakExitsLoop(t *testing.T) {
	store := NewMemoryStore()

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), forEachFlow("break"), RunInput{Payload: []any{1.0, 2.0, 3.0}})

	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, recordValues(t, store, "vals", "val"))
	assert.Equal(t, "end", res.Steps[len(res.Steps)-1].NodeID)
}

func TestEngine_ContinueSkipsRestOfBody(t *testing.T) {
	store := NewMemoryStore()

	_, err := newTestEngine(t, store).ExecuteFlow(context.Background(), forEachFlow("continue"), RunInput{Payload: []any{1.0, 2.0, 3.0}})

	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 3.0}, recordValues(t, store, "vals", "val"))
}

func TestEngine_NestedLoops(t *testing.T) {
	store := NewMemoryStore()
	f := &Flow{ID: "nested", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("outer", TypeLoopStart, map[string]any{"source": map[string]any{"variable": "$INPUT", "path": "nums"}, "itemVariable": "x"}),
			node("inner", TypeLoopStart, map[string]any{"source": map[string]any{"variable": "$INPUT", "path": "letters"}, "itemVariable": "y"}),
			node("check", TypeBinaryBranch, map[string]any{"left": map[string]any{"variable": "y"}, "operator": "==", "right": fixed("c")}),
			node("stop", TypeBreak, nil),
			node("pair", TypeCalculate, map[string]any{"expressionType": "concat", "outputVariable": "pair", "concat": map[string]any{
				"segments": []any{
					map[string]any{"type": "variable", "variable": "x"},
					map[string]any{"type": "fixed", "value": "-"},
					map[string]any{"type": "variable", "variable": "y"},
				},
			}}),
			node("write", TypeWrite, map[string]any{
				"formId": "pairs", "mappings": []any{map[string]any{"source": variable("pair"), "targetField": "pair"}},
			}),
			node("innerEnd", TypeLoopEnd, map[string]any{"loopStartNodeId": "inner"}),
			node("outerEnd", TypeLoopEnd, map[string]any{"loopStartNodeId": "outer"}),
			node("end", TypeEnd, nil),
		},
		Edges: []Edge{
			edge("start", "outer"), edge("outer", "inner"), edge("inner", "check"),
			labeled("check", "stop", "true"), labeled("check", "pair", "false"),
			edge("pair", "write"), edge("write", "innerEnd"),
			edge("innerEnd", "outerEnd"), edge("outerEnd", "end"),
		},
	}}

	payload := map[string]any{"nums": []any{1.0, 2.0}, "letters": []any{"a", "b", "c", "d"}}
	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{Payload: payload})

	require.NoError(t, err)
	assert.Equal(t, []any{"1-a", "1-b", "2-a", "2-b"}, recordValues(t, store, "pairs", "pair"))
	assert.Equal(t, "end", res.Steps[len(res.Steps)-1].NodeID)
}

func whileFlow(cond map[string]any, maxCount int) *Flow {
	return &Flow{ID: "while", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("init", TypeCalculate, map[string]any{"expressionType": "addition", "outputVariable": "n", "addition": map[string]any{"constant": 0}}),
			node("loop", TypeLoopStart, map[string]any{"loopType": "while", "condition": cond, "maxCount": maxCount, "counterVariable": "i"}),
			node("inc", TypeCalculate, map[string]any{"expressionType": "addition", "outputVariable": "n", "addition": map[string]any{
				"constant": 1, "terms": []any{map[string]any{"variable": "n"}},
			}}),
			node("loopEnd", TypeLoopEnd, map[string]any{"loopStartNodeId": "loop"}),
			node("end", TypeEnd, nil),
		},
		Edges: []Edge{
			edge("start", "init"), edge("init", "loop"), edge("loop", "inc"),
			edge("inc", "loopEnd"), edge("loopEnd", "end"),
		},
	}}
}

func TestEngine_WhileLoop(t *testing.T) {
	cond := map[string]any{"left": map[string]any{"variable": "n"}, "operator": "<", "right": fixed(3)}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), whileFlow(cond, 0), RunInput{})

	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Variables["n"])
	assert.Equal(t, 2.0, res.Variables["i"])
}

func TestEngine_WhileLoopStopsAtMaxCount(t *testing.T) {
	cond := map[string]any{"left": map[string]any{"variable": "n"}, "operator": ">=", "right": fixed(0)}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), whileFlow(cond, 5), RunInput{})

	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Variables["n"])
	assert.Equal(t, "end", res.Steps[len(res.Steps)-1].NodeID)
}

func TestEngine_ExistCheckFollowsYes(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("users", Record{"email": "b@x.com"}, Record{"email": "a@x.com"})

	f := &Flow{ID: "e", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("exists", TypeExistCheck, map[string]any{
				"source": map[string]any{"variable": "$INPUT"}, "formId": "users", "outputVariable": "found",
				"rules": []any{map[string]any{"sourceField": "email", "targetField": "email", "operator": "=="}},
			}),
			node("dup", TypeEnd, nil),
			node("fresh", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "exists"), labeled("exists", "fresh", "no"), labeled("exists", "dup", "yes")},
	}}
	engine := newTestEngine(t, store)

	res, err := engine.ExecuteFlow(context.Background(), f, RunInput{Payload: map[string]any{"email": "a@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, "dup", res.Steps[len(res.Steps)-1].NodeID)
	assert.Equal(t, true, res.Variables["found"])

	res, err = engine.ExecuteFlow(context.Background(), f, RunInput{Payload: map[string]any{"email": "c@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Steps[len(res.Steps)-1].NodeID)
}

func ordersProject() Project {
	return Project{
		ID:    "p1",
		Forms: []Form{{ID: "orders", Name: "Orders", PrimaryKey: "no"}},
		Fields: []Field{
			{ID: "no", Name: "Number", FormID: "orders"},
			{ID: "f_amount", Name: "amount", FormID: "orders"},
		},
	}
}

func TestEngine_WriteSingleAutoIncrementsPrimaryKey(t *testing.T) {
	store := NewMemoryStore()
	store.AddProject(ordersProject())
	store.Seed("orders", Record{"no": 3.0}, Record{"no": 7.0}, Record{"no": 5.0})

	f := &Flow{ID: "f", ProjectID: "p1", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("write", TypeWrite, map[string]any{
				"formId": "orders", "writeMode": "single",
				"mappings": []any{map[string]any{"source": fixed(12.5), "targetField": "amount"}},
			}),
		},
		Edges: []Edge{edge("start", "write")},
	}}

	_, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	records, _ := store.ListRecords(context.Background(), "orders")
	require.Len(t, records, 4)
	assert.Equal(t, 8.0, records[3]["no"])
	assert.Equal(t, 12.5, records[3]["f_amount"])
	assert.NotEmpty(t, records[3][KeyCreateTime])
}

func TestEngine_BatchWriteFailureKeepsEarlierRecords(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failAfter: 2}
	f := &Flow{ID: "batch", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("write", TypeWrite, map[string]any{"formId": "vals", "writeMode": "batch", "source": map[string]any{"variable": "$INPUT"}}),
			node("end", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "write"), edge("write", "end")},
	}}
	payload := []any{
		map[string]any{"val": 1.0}, map[string]any{"val": 2.0}, map[string]any{"val": 3.0},
	}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{Payload: payload})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreFailure)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "error", res.Steps[len(res.Steps)-1].Status)
	assert.Equal(t, []any{1.0, 2.0}, recordValues(t, store.MemoryStore, "vals", "val"))
}

func TestEngine_BatchWriteEmptySourceCreatesNothing(t *testing.T) {
	store := NewMemoryStore()
	f := &Flow{ID: "batch", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("write", TypeWrite, map[string]any{"formId": "vals", "writeMode": "batch", "source": map[string]any{"variable": "$INPUT"}}),
		},
		Edges: []Edge{edge("start", "write")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{Payload: []any{}})

	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps[1].Output["created"])
	assert.Empty(t, recordValues(t, store, "vals", "val"))
}

func TestEngine_BatchWriteNonArrayIsMalformed(t *testing.T) {
	f := &Flow{ID: "batch", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("write", TypeWrite, map[string]any{"formId": "vals", "writeMode": "batch", "source": map[string]any{"variable": "$INPUT"}}),
		},
		Edges: []Edge{edge("start", "write")},
	}}

	_, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{Payload: "nope"})

	assert.ErrorIs(t, err, ErrMalformedFlow)
}

func TestEngine_BatchWriteGeneratedKeysSkipSourceKeys(t *testing.T) {
	tests := []struct {
		name    string
		payload []any
		want    []any
	}{
		{
			name:    "generated before copied",
			payload: []any{map[string]any{"f_amount": 1.0}, map[string]any{"no": 8.0, "f_amount": 2.0}},
			want:    []any{7.0, 9.0, 8.0},
		},
		{
			name:    "copied before generated",
			payload: []any{map[string]any{"no": 12.0}, map[string]any{"f_amount": 3.0}},
			want:    []any{7.0, 12.0, 13.0},
		},
		{
			name:    "only generated",
			payload: []any{map[string]any{"f_amount": 1.0}, map[string]any{"f_amount": 2.0}},
			want:    []any{7.0, 8.0, 9.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			store.AddProject(ordersProject())
			store.Seed("orders", Record{"no": 7.0})
			f := &Flow{ID: "batch", ProjectID: "p1", Design: Design{
				Nodes: []Node{
					node("start", TypeStart, nil),
					node("write", TypeWrite, map[string]any{
						"formId": "orders", "writeMode": "batch", "primaryKeyMode": "source",
						"source": map[string]any{"variable": "$INPUT"},
					}),
				},
				Edges: []Edge{edge("start", "write")},
			}}

			_, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{Payload: tt.payload})

			require.NoError(t, err)
			assert.Equal(t, tt.want, recordValues(t, store, "orders", "no"))
		})
	}
}

func TestEngine_UpdateAndDelete(t *testing.T) {
	store := NewMemoryStore()
	store.AddProject(ordersProject())
	store.Seed("orders",
		Record{"no": 1.0, "f_amount": 5.0},
		Record{"no": 2.0, "f_amount": 50.0},
		Record{"no": 3.0, "f_amount": 70.0},
	)

	f := &Flow{ID: "ud", ProjectID: "p1", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("flag", TypeUpdate, map[string]any{
				"formId": "orders", "outputVariable": "flagged",
				"match":       []any{map[string]any{"field": "amount", "operator": ">=", "value": fixed(50)}},
				"assignments": []any{map[string]any{"source": fixed("big"), "targetField": "size"}},
			}),
			node("purge", TypeDelete, map[string]any{
				"formId": "orders", "outputVariable": "purged",
				"match": []any{map[string]any{"field": "amount", "operator": "<", "value": fixed(10)}},
			}),
		},
		Edges: []Edge{edge("start", "flag"), edge("flag", "purge")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Variables["flagged"])
	assert.Equal(t, 1.0, res.Variables["purged"])
	records, _ := store.ListRecords(context.Background(), "orders")
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "big", r["size"])
		assert.NotEmpty(t, r[KeyUpdateTime])
	}
}

func TestEngine_UpdateWithoutMatchIsMalformed(t *testing.T) {
	f := &Flow{ID: "u", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("all", TypeUpdate, map[string]any{"formId": "orders"}),
		},
		Edges: []Edge{edge("start", "all")},
	}}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMalformedFlow)
}

func TestEngine_CellReadWriteRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	store.AddProject(ordersProject())
	store.Seed("orders", Record{"no": 1.0, "f_amount": 5.0}, Record{"no": 2.0, "f_amount": 9.0})

	f := &Flow{ID: "cell", ProjectID: "p1", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("set", TypeWrite, map[string]any{
				"formId": "orders", "writeMode": "cell", "key": fixed(2), "targetField": "amount", "value": fixed(42),
			}),
			node("get", TypeRead, map[string]any{
				"formId": "orders", "readMode": "cell", "key": fixed(2), "cellField": "amount", "outputVariable": "amt",
			}),
			node("miss", TypeRead, map[string]any{
				"formId": "orders", "readMode": "cell", "key": fixed(99), "cellField": "amount", "outputVariable": "missing",
			}),
		},
		Edges: []Edge{edge("start", "set"), edge("set", "get"), edge("get", "miss")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Variables["amt"])
	assert.NotContains(t, res.Variables, "missing")
	assert.Equal(t, false, res.Steps[3].Output["found"])
}

func TestEngine_WriteCellMissingRecordContinues(t *testing.T) {
	store := NewMemoryStore()
	store.AddProject(ordersProject())

	f := &Flow{ID: "cell", ProjectID: "p1", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("set", TypeWrite, map[string]any{
				"formId": "orders", "writeMode": "cell", "key": fixed(5), "targetField": "amount", "value": fixed(1),
			}),
			node("end", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "set"), edge("set", "end")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	assert.Equal(t, []string{"start", "set", "end"}, stepIDs(res))
	assert.Equal(t, 0, res.Steps[1].Output["updated"])
}

func TestEngine_ReadRangeFilterSortLimit(t *testing.T) {
	store := NewMemoryStore()
	store.AddProject(ordersProject())
	store.Seed("orders",
		Record{"no": 1.0, "f_amount": 5.0, "region": "north", "city": "a"},
		Record{"no": 2.0, "f_amount": 15.0, "region": "south", "city": "b"},
		Record{"no": 3.0, "f_amount": 25.0, "region": "north", "city": "c"},
		Record{"no": 4.0, "f_amount": 35.0, "region": "north", "city": "a"},
		Record{"no": 5.0, "f_amount": 45.0, "region": "north", "city": "c"},
	)

	f := &Flow{ID: "read", ProjectID: "p1", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("read", TypeRead, map[string]any{
				"formId": "orders", "outputVariable": "rows",
				"range": map[string]any{
					"primaryKeys":    []any{1, 3, 4, 5},
					"attributePaths": []any{[]any{map[string]any{"field": "region", "value": "north"}}},
					"segments":       []any{map[string]any{"field": "amount", "min": 10, "max": 45}},
				},
				"sort":   map[string]any{"field": "amount", "order": "desc"},
				"fields": []any{"amount"},
				"limit":  1,
			}),
		},
		Edges: []Edge{edge("start", "read")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	rows, ok := res.Variables["rows"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"no": 4.0, "f_amount": 35.0}, rows[0])
}

func TestEngine_ReadFromInputAndPage(t *testing.T) {
	f := &Flow{ID: "read", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("in", TypeRead, map[string]any{"sourceType": "input", "outputVariable": "payload"}),
			node("page", TypeRead, map[string]any{"sourceType": "page", "pageFields": []any{"name"}, "outputVariable": "name"}),
		},
		Edges: []Edge{edge("start", "in"), edge("in", "page")},
	}}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{Payload: map[string]any{"name": "Ada"}})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada"}, res.Variables["payload"])
	assert.Equal(t, "Ada", res.Variables["name"])
}

func TestEngine_AlertConfirmBranches(t *testing.T) {
	f := &Flow{ID: "confirm", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("ask", NodeType("prompt"), map[string]any{"alertType": "confirm", "message": "Sure?"}),
			node("ok", TypeEnd, nil),
			node("nope", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "ask"), labeled("ask", "nope", "cancel"), labeled("ask", "ok", "confirm")},
	}}

	tests := []struct {
		confirm bool
		want    string
	}{
		{true, "ok"},
		{false, "nope"},
	}
	for _, tt := range tests {
		ui := &fakeUI{confirm: tt.confirm}
		res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{UI: ui})
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Steps[len(res.Steps)-1].NodeID)
		require.NotNil(t, res.Effects[0].Confirmed)
		assert.Equal(t, tt.confirm, *res.Effects[0].Confirmed)
	}
}

func TestEngine_UIErrorFailsRun(t *testing.T) {
	ui := &fakeUI{alertErr: errors.New("window closed")}
	f := &Flow{ID: "alert", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("say", TypeAlert, map[string]any{"message": "hi"}),
			node("end", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "say"), edge("say", "end")},
	}}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{UI: ui})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "window closed")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []string{"start", "say"}, stepIDs(res))
}

func TestEngine_JumpNavigates(t *testing.T) {
	store := NewMemoryStore()
	store.AddPages(
		Page{ID: "detail", RoleID: "staff", Category: "orders"},
		Page{ID: "admin", RoleID: "admin", Category: "settings"},
	)

	f := &Flow{ID: "jump", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("go", NodeType("pageJump"), map[string]any{
				"pageId": "detail",
				"params": []any{
					map[string]any{"name": "id", "value": map[string]any{"type": "urlParam", "param": "order"}},
					map[string]any{"name": "skip", "value": variable("nothing")},
				},
			}),
			node("after", TypeEnd, nil),
		},
		Edges: []Edge{edge("start", "go"), edge("go", "after")},
	}}
	ui := &fakeUI{}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{
		UI: ui, RoleID: "staff", Params: map[string]string{"order": "17"},
	})

	require.NoError(t, err)
	assert.Equal(t, StatusNavigated, res.Status)
	assert.Equal(t, []string{"start", "go"}, stepIDs(res))
	require.Len(t, ui.navs, 1)
	assert.Equal(t, "/staff/orders/detail?id=17", ui.navs[0].Address)
	assert.Equal(t, OpenReplace, ui.navs[0].Mode)
}

func TestEngine_JumpToUnknownPageFails(t *testing.T) {
	store := NewMemoryStore()
	store.AddPages(Page{ID: "admin", RoleID: "admin"})

	f := &Flow{ID: "jump", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("go", TypeJump, map[string]any{"pageId": "admin"}),
		},
		Edges: []Edge{edge("start", "go")},
	}}

	res, err := newTestEngine(t, store).ExecuteFlow(context.Background(), f, RunInput{RoleID: "staff"})

	assert.ErrorIs(t, err, ErrPageNotFound)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestEngine_EndTypes(t *testing.T) {
	tests := []struct {
		endType string
		check   func(t *testing.T, ui *fakeUI, res *RunResult)
	}{
		{EndBack, func(t *testing.T, ui *fakeUI, res *RunResult) { assert.Equal(t, 1, ui.backs) }},
		{EndRefresh, func(t *testing.T, ui *fakeUI, res *RunResult) { assert.Equal(t, 1, ui.reloads) }},
		{EndClosePopup, func(t *testing.T, ui *fakeUI, res *RunResult) { assert.Equal(t, 1, ui.closes) }},
		{EndSilent, func(t *testing.T, ui *fakeUI, res *RunResult) { assert.Empty(t, res.Effects) }},
	}

	for _, tt := range tests {
		t.Run(tt.endType, func(t *testing.T) {
			f := &Flow{ID: "end", Design: Design{
				Nodes: []Node{
					node("start", TypeStart, nil),
					node("end", TypeEnd, map[string]any{"endType": tt.endType}),
					node("unreachable", TypeEnd, nil),
				},
				Edges: []Edge{edge("start", "end"), edge("end", "unreachable")},
			}}
			ui := &fakeUI{}

			res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{UI: ui})

			require.NoError(t, err)
			assert.Equal(t, []string{"start", "end"}, stepIDs(res))
			tt.check(t, ui, res)
		})
	}
}

func TestEngine_MalformedFlows(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
	}{
		{"no start", []Node{node("end", TypeEnd, nil)}},
		{"two starts", []Node{node("a", TypeStart, nil), node("b", TypeStart, nil)}},
		{"unknown type", []Node{node("start", TypeStart, nil), node("x", NodeType("teleport"), nil)}},
		{"duplicate id", []Node{node("start", TypeStart, nil), node("start", TypeEnd, nil)}},
		{"unpaired loop", []Node{node("start", TypeStart, nil), node("loop", TypeLoopStart, nil)}},
		{"loopEnd to non loop", []Node{
			node("start", TypeStart, nil),
			node("le", TypeLoopEnd, map[string]any{"loopStartNodeId": "start"}),
		}},
		{"bad config", []Node{node("start", TypeStart, nil), node("r", TypeRead, map[string]any{"limit": "ten", "outputVariable": "x", "formId": "f"})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Flow{ID: "bad", Design: Design{Nodes: tt.nodes}}
			res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrMalformedFlow)
		})
	}
}

func TestEngine_UnknownNextNodeEndsRun(t *testing.T) {
	f := &Flow{ID: "dangling", Design: Design{
		Nodes: []Node{node("start", TypeStart, nil)},
		Edges: []Edge{edge("start", "ghost")},
	}}

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Steps, 1)
}

func TestEngine_StepCap(t *testing.T) {
	f := &Flow{ID: "cycle", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("a", TypeCalculate, map[string]any{"expressionType": "addition", "outputVariable": "n", "addition": map[string]any{"constant": 1}}),
		},
		Edges: []Edge{edge("start", "a"), edge("a", "a")},
	}}

	res, err := newTestEngine(t, NewMemoryStore(), WithMaxSteps(20)).ExecuteFlow(context.Background(), f, RunInput{})

	assert.ErrorIs(t, err, ErrMalformedFlow)
	require.NotNil(t, res)
	assert.Len(t, res.Steps, 20)
}

func TestEngine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(ctx, forEachFlow(""), RunInput{Payload: []any{1.0}})

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Steps)
}

func TestEngine_RejectsConcurrentRun(t *testing.T) {
	ui := &blockingUI{entered: make(chan struct{}), release: make(chan struct{})}
	engine := newTestEngine(t, NewMemoryStore())
	f := &Flow{ID: "slow", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("wait", TypeAlert, map[string]any{"message": "hold"}),
		},
		Edges: []Edge{edge("start", "wait")},
	}}

	done := make(chan error, 1)
	go func() {
		_, err := engine.ExecuteFlow(context.Background(), f, RunInput{UI: ui})
		done <- err
	}()

	select {
	case <-ui.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the alert")
	}
	assert.True(t, engine.Running())

	_, err := engine.ExecuteFlow(context.Background(), f, RunInput{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(ui.release)
	require.NoError(t, <-done)
	assert.False(t, engine.Running())

	_, err = engine.ExecuteFlow(context.Background(), forEachFlow(""), RunInput{Payload: []any{}})
	assert.NoError(t, err)
}

func TestEngine_EnvironmentResetBetweenRuns(t *testing.T) {
	f := &Flow{ID: "env", Design: Design{
		Nodes: []Node{
			node("start", TypeStart, nil),
			node("read", TypeRead, map[string]any{"sourceType": "input", "outputVariable": "seen"}),
		},
		Edges: []Edge{edge("start", "read")},
	}}
	engine := newTestEngine(t, NewMemoryStore())

	res, err := engine.ExecuteFlow(context.Background(), f, RunInput{Payload: "first"})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Variables["seen"])

	res, err = engine.ExecuteFlow(context.Background(), f, RunInput{})
	require.NoError(t, err)
	assert.NotContains(t, res.Variables, "seen")
	assert.NotContains(t, res.Variables, VarInput)
	assert.Contains(t, res.Variables, VarParams)
}

func TestEngine_ProjectLoadFailure(t *testing.T) {
	f := &Flow{ID: "p", ProjectID: "missing", Design: Design{Nodes: []Node{node("start", TypeStart, nil)}}}

	_, err := newTestEngine(t, NewMemoryStore()).ExecuteFlow(context.Background(), f, RunInput{})

	assert.ErrorIs(t, err, ErrStoreFailure)
}

func TestNewEngine_RequiresEveryExecutor(t *testing.T) {
	registry := NewRegistry()
	delete(registry, TypeBreak)

	_, err := NewEngine(registry, NewMemoryStore(), NewMemoryStore())

	assert.Error(t, err)
}
