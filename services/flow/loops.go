package flow

import "slices"

// LoopContext is the iteration state of one active loop.
type LoopContext struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Count int    `json:"count"`

	items          []any
	breakRequested bool
}

// LoopStack tracks active loops keyed by their loopStart instruction. The most
// recently opened loop is on top and is the one continue and break act on.
type LoopStack struct {
	contexts map[int]*LoopContext
	active   []int
}

// NewLoopStack returns an empty stack.
func NewLoopStack() *LoopStack {
	return &LoopStack{contexts: make(map[int]*LoopContext)}
}

// Reset closes every loop.
func (s *LoopStack) Reset() {
	clear(s.contexts)
	s.active = s.active[:0]
}

// Get returns the context of the loop started at start, if it is open.
func (s *LoopStack) Get(start int) (*LoopContext, bool) {
	c, ok := s.contexts[start]
	return c, ok
}

// Open registers a new context and pushes it on top of the stack.
func (s *LoopStack) Open(start int, c *LoopContext) {
	s.Close(start)
	s.contexts[start] = c
	s.active = append(s.active, start)
}

// Close removes the loop and every loop opened after it. Inner loops left
// open by an early exit from an outer body are discarded with it.
func (s *LoopStack) Close(start int) {
	i := slices.Index(s.active, start)
	if i < 0 {
		delete(s.contexts, start)
		return
	}
	for _, inner := range s.active[i:] {
		delete(s.contexts, inner)
	}
	s.active = s.active[:i]
}

// Current returns the innermost active loop.
func (s *LoopStack) Current() (int, bool) {
	if len(s.active) == 0 {
		return -1, false
	}
	return s.active[len(s.active)-1], true
}

func (s *LoopStack) RequestBreak(start int) {
	if c, ok := s.contexts[start]; ok {
		c.breakRequested = true
	}
}

// TakeBreak reports and clears a pending break for the loop.
func (s *LoopStack) TakeBreak(start int) bool {
	c, ok := s.contexts[start]
	if !ok || !c.breakRequested {
		return false
	}
	c.breakRequested = false
	return true
}

// Depth is the number of active loops.
func (s *LoopStack) Depth() int { return len(s.active) }
