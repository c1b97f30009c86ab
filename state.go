package wrongpath

import (
	"maps"
	"slices"

	"wrongpath/expr"
)

// Scratch is per-context bookkeeping that only matters while a block
// is being interpreted.
type Scratch struct {
	// InsAddr is the address of the instruction currently executing,
	// including any decode delta. Zero before the first instruction.
	InsAddr uint64

	// StmtIdx is the index of the current statement within its block.
	StmtIdx int

	// Dirty holds byte addresses written by speculative stores that
	// have not been fenced yet. Fetching an instruction that overlaps
	// them fails the fetch.
	Dirty map[uint64]struct{}
}

func (s Scratch) copy() Scratch {
	c := s
	c.Dirty = maps.Clone(s.Dirty)
	return c
}

// HistoryEvent is one recorded incident on a path.
type HistoryEvent struct {
	Kind   string
	Fields map[string]any
}

// History is the append-only event record of a path. Events are
// immutable once added, so copies may share them.
type History struct {
	events []HistoryEvent
}

// Add appends an event.
func (h *History) Add(kind string, fields map[string]any) {
	h.events = append(h.events, HistoryEvent{Kind: kind, Fields: fields})
}

// Events returns the recorded events in order.
func (h *History) Events() []HistoryEvent {
	return slices.Clone(h.events)
}

// Copy returns an independent history sharing the recorded events.
func (h *History) Copy() *History {
	return &History{events: slices.Clone(h.events)}
}

// ExecState is one execution context: machine state, a solver, and
// the speculation bookkeeping that decides when this path dies.
//
// Contexts never share mutable state. Fork deep-copies everything a
// successor could write to; expression trees are shared because they
// are immutable.
type ExecState struct {
	// ID is unique within an engine. Parent is the ID of the context
	// this one was forked from, and Lineage spells out the fork
	// decisions that produced it, e.g. "0.T.N".
	ID      int
	Parent  int
	Lineage string

	// Addr is the address of the next fetch unit.
	Addr uint64

	// Tmps holds temporary assignments, readable by later statements
	// through symbol references. Regs holds the register file by
	// offset. Mem is the concrete byte store.
	Tmps map[string]expr.Expr
	Regs map[int]expr.Expr
	Mem  map[uint64]byte

	Scratch Scratch
	Solver  expr.Solver
	Spec    *SpecState
	History *History
}

// NewRootState builds the initial context at addr.
func NewRootState(addr uint64, solver expr.Solver, opts Options) *ExecState {
	return &ExecState{
		ID:      0,
		Parent:  0,
		Lineage: "0",
		Addr:    addr,
		Tmps:    make(map[string]expr.Expr),
		Regs:    make(map[int]expr.Expr),
		Mem:     make(map[uint64]byte),
		Scratch: Scratch{Dirty: make(map[uint64]struct{})},
		Solver:  solver,
		Spec:    NewSpecState(opts.WindowSize),
		History: &History{},
	}
}

// Fork returns an independent copy of the context. The copy keeps the
// parent's ID and lineage until the engine assigns its own.
func (st *ExecState) Fork() *ExecState {
	return &ExecState{
		ID:      st.ID,
		Parent:  st.Parent,
		Lineage: st.Lineage,
		Addr:    st.Addr,
		Tmps:    maps.Clone(st.Tmps),
		Regs:    maps.Clone(st.Regs),
		Mem:     maps.Clone(st.Mem),
		Scratch: st.Scratch.copy(),
		Solver:  st.Solver.Fork(),
		Spec:    st.Spec.Copy(),
		History: st.History.Copy(),
	}
}

// fold resolves temporary references in e against this context.
func (st *ExecState) fold(e expr.Expr) expr.Expr {
	return expr.Fold(e, st.Tmps)
}
