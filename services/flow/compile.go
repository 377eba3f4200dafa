package flow

import "log/slog"

// Instruction is a compiled node: its canonical type, decoded config and
// position in the program arena.
type Instruction struct {
	Node
	Index int
	Kind  NodeType
	Spec  any

	// loopEnd is set on loopStart instructions, loopStart on loopEnd ones; -1 otherwise.
	loopEnd   int
	loopStart int
}

type outEdge struct {
	target string
	branch string
}

// program is the arena form of a flow design. It is built once per run and
// never mutated while the run executes.
type program struct {
	flow  *Flow
	nodes []*Instruction
	index map[string]int
	out   [][]outEdge
	start int
}

func compile(f *Flow) (*program, error) {
	p := &program{
		flow:  f,
		nodes: make([]*Instruction, 0, len(f.Design.Nodes)),
		index: make(map[string]int, len(f.Design.Nodes)),
		start: -1,
	}

	for _, n := range f.Design.Nodes {
		if n.ID == "" {
			return nil, malformed("node without id")
		}
		if _, dup := p.index[n.ID]; dup {
			return nil, malformed("duplicate node id %q", n.ID)
		}
		kind := n.Type.Canonical()
		spec, err := decodeConfig(n, kind)
		if err != nil {
			return nil, err
		}
		ins := &Instruction{Node: n, Index: len(p.nodes), Kind: kind, Spec: spec, loopEnd: -1, loopStart: -1}
		if kind == TypeStart {
			if p.start >= 0 {
				return nil, malformed("flow has more than one start node")
			}
			p.start = ins.Index
		}
		p.index[n.ID] = ins.Index
		p.nodes = append(p.nodes, ins)
	}
	if p.start < 0 {
		return nil, malformed("flow has no start node")
	}

	p.out = make([][]outEdge, len(p.nodes))
	for _, e := range f.Design.Edges {
		src, ok := p.index[e.Source]
		if !ok {
			slog.Warn("Ignoring edge from unknown node", "flowId", f.ID, "source", e.Source)
			continue
		}
		p.out[src] = append(p.out[src], outEdge{target: e.Target, branch: e.Branch()})
	}

	for _, ins := range p.nodes {
		if ins.Kind != TypeLoopEnd {
			continue
		}
		cfg := ins.Spec.(*LoopEndConfig)
		startIdx, ok := p.index[cfg.LoopStartNodeID]
		if !ok || p.nodes[startIdx].Kind != TypeLoopStart {
			return nil, malformed("loopEnd %q refers to %q which is not a loopStart", ins.ID, cfg.LoopStartNodeID)
		}
		start := p.nodes[startIdx]
		if start.loopEnd >= 0 {
			return nil, malformed("loopStart %q has more than one loopEnd", start.ID)
		}
		start.loopEnd = ins.Index
		ins.loopStart = startIdx
	}
	for _, ins := range p.nodes {
		if ins.Kind == TypeLoopStart && ins.loopEnd < 0 {
			return nil, malformed("loopStart %q has no paired loopEnd", ins.ID)
		}
	}

	return p, nil
}

func (p *program) lookup(id string) (*Instruction, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.nodes[i], true
}

// next returns the target of the first edge leaving idx, or "".
func (p *program) next(idx int) string {
	if len(p.out[idx]) == 0 {
		return ""
	}
	return p.out[idx][0].target
}

// branch returns the target of the first edge leaving idx with the given label.
func (p *program) branch(idx int, label string) (string, bool) {
	for _, e := range p.out[idx] {
		if e.branch == label {
			return e.target, true
		}
	}
	return "", false
}

// unlabeled returns the first edge leaving idx that carries no branch label.
func (p *program) unlabeled(idx int) (string, bool) {
	return p.branch(idx, "")
}
