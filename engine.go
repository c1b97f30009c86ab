package wrongpath

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wrongpath/expr"
)

const tracerName = "wrongpath"

// InstructionHook observes an instruction boundary on a context.
// Before-hooks run after retirement for the same boundary, so they
// see the solver as the instruction will see it. After-hooks run at
// the next boundary, once the instruction's effects are in place.
type InstructionHook func(st *ExecState, addr uint64)

// Successor is one scheduled future of a block execution.
type Successor struct {
	State  *ExecState
	Target uint64
	Kind   TransferKind

	// Guard is the folded branch condition for a conditional exit,
	// nil for the fall-through successor.
	Guard expr.Expr

	// ExitStmtIdx and ExitInsAddr locate the exit that produced this
	// successor. ExitStmtIdx is -1 for the fall-through.
	ExitStmtIdx int
	ExitInsAddr uint64

	FallThrough bool
}

// Successors is the outcome of executing one block.
type Successors struct {
	// All lists the live futures in creation order: conditional exits
	// first, the fall-through last.
	All []*Successor

	// Mispredicted is set when the input context was proven wrong at
	// an instruction boundary or fence. Exits forked before that
	// point remain in All.
	Mispredicted bool

	// Completed is set when the block's fall-through target is zero
	// and the input context halts.
	Completed bool
}

// Engine interprets fetch units, forking at every conditional exit
// and deferring branch conditions instead of asserting them.
type Engine struct {
	opts  Options
	log   Logger
	runID string
	idSeq atomic.Int64

	beforeIns []InstructionHook
	afterIns  []InstructionHook
}

// NewEngine builds an engine. A nil logger silences it.
func NewEngine(opts Options, logger Logger) *Engine {
	if logger == nil {
		logger = newNoopLogger()
	}
	runID := uuid.NewString()
	return &Engine{
		opts:  opts,
		log:   logger.With(map[string]any{"run": runID}),
		runID: runID,
	}
}

// RunID identifies this engine's lifetime in logs and spans.
func (e *Engine) RunID() string { return e.runID }

// HookBeforeInstruction registers h to run at each instruction
// boundary, after retirement.
func (e *Engine) HookBeforeInstruction(h InstructionHook) {
	e.beforeIns = append(e.beforeIns, h)
}

// HookAfterInstruction registers h to run once an instruction's
// effects are complete, at the following boundary.
func (e *Engine) HookAfterInstruction(h InstructionHook) {
	e.afterIns = append(e.afterIns, h)
}

func (e *Engine) nextStateID() int {
	return int(e.idSeq.Add(1))
}

// stateLog returns the engine logger scoped to one context.
func (e *Engine) stateLog(st *ExecState) Logger {
	return e.log.With(map[string]any{
		"state":   fmt.Sprintf("s%d", st.ID),
		"lineage": st.Lineage,
	})
}

// ExecuteBlock interprets blk on st. The returned successors hold
// every context that should keep running, including st itself via the
// fall-through record unless the path halted or was proven wrong.
//
// st is mutated in place; callers that need the pre-execution context
// must fork first.
func (e *Engine) ExecuteBlock(ctx context.Context, st *ExecState, blk *Block) (*Successors, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "wrongpath.ExecuteBlock",
		trace.WithAttributes(
			attribute.String("block.addr", fmt.Sprintf("%#x", blk.Addr)),
			attribute.Int("state.id", st.ID),
			attribute.String("state.lineage", st.Lineage),
		))
	defer span.End()

	e.stateLog(st).Debugf("executing block %#x (%d statements)", blk.Addr, len(blk.Stmts))

	sux := &Successors{}
	for i := range blk.Stmts {
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "canceled")
			return nil, ctx.Err()
		default:
		}

		st.Scratch.StmtIdx = i
		stmt := &blk.Stmts[i]

		switch stmt.Kind {
		case StmtNoOp:

		case StmtIMark:
			if err := e.stepBoundary(st, stmt); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "instruction boundary failed")
				return nil, err
			}
			if st.Spec.Mispredicted() {
				sux.Mispredicted = true
				span.SetAttributes(attribute.Bool("mispredicted", true))
				return sux, nil
			}

		case StmtWrTmp:
			st.Tmps[stmt.Name] = st.fold(stmt.Rhs)

		case StmtPut:
			st.Regs[stmt.Offset] = st.fold(stmt.Rhs)

		case StmtStore:
			e.execStore(st, stmt)

		case StmtExit:
			e.execExit(st, stmt, sux)

		case StmtFence:
			if err := e.flushFence(st); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "fence flush failed")
				return nil, err
			}
			if st.Spec.Mispredicted() {
				sux.Mispredicted = true
				span.SetAttributes(attribute.Bool("mispredicted", true))
				return sux, nil
			}

		default:
			uerr := &UnsupportedStatementError{Kind: stmt.Kind}
			if !e.opts.BypassUnsupported {
				span.RecordError(uerr)
				span.SetStatus(codes.Error, "unsupported statement")
				return nil, uerr
			}
			e.stateLog(st).Warnf("bypassing unsupported statement %s at %#x stmt %d", stmt.Kind, blk.Addr, i)
			st.History.Add("resilience", map[string]any{
				"stmt":    stmt.Kind.String(),
				"block":   blk.Addr,
				"idx":     i,
				"message": "unsupported statement bypassed",
			})
		}
	}

	if blk.Next == 0 {
		sux.Completed = true
		e.stateLog(st).Debugf("path halted at block %#x after %d instructions", blk.Addr, st.Spec.InsExecuted())
		return sux, nil
	}

	st.Addr = blk.Next
	sux.All = append(sux.All, &Successor{
		State:       st,
		Target:      blk.Next,
		Kind:        TransferJump,
		ExitStmtIdx: -1,
		ExitInsAddr: st.Scratch.InsAddr,
		FallThrough: true,
	})
	return sux, nil
}

// stepBoundary crosses an instruction boundary: reject stale fetches,
// fire after-hooks for the finished instruction, advance the clock
// and retire aged conditions, then fire before-hooks.
func (e *Engine) stepBoundary(st *ExecState, stmt *Stmt) error {
	insAddr := stmt.Addr + uint64(stmt.Delta)

	for sub := 0; sub < stmt.Len; sub++ {
		if _, dirty := st.Scratch.Dirty[stmt.Addr+uint64(sub)]; dirty {
			e.stateLog(st).Warnf("instruction bytes at %#x overlap an in-flight store, refetch required", stmt.Addr)
			return &SelfModifyingCodeError{
				Addr:    stmt.Addr,
				Len:     stmt.Len,
				InsAddr: insAddr,
				StateID: st.ID,
			}
		}
	}

	if st.Scratch.InsAddr != 0 {
		for _, h := range e.afterIns {
			h(st, st.Scratch.InsAddr)
		}
	}
	st.Scratch.InsAddr = insAddr

	if err := e.retire(st); err != nil {
		return err
	}

	for _, h := range e.beforeIns {
		h(st, insAddr)
	}
	return nil
}

// retire advances the context's clock and commits every deferred
// condition older than the window, oldest first. A commit that makes
// the constraints unsatisfiable marks the path mispredicted and stops
// the drain; younger conditions stay queued.
func (e *Engine) retire(st *ExecState) error {
	if st.Spec.Mispredicted() {
		return nil
	}
	st.Spec.Tick()

	q := st.Spec.Queue()
	window := st.Spec.WindowSize()
	for {
		age, ok := q.AgeOfOldest()
		if !ok || age <= window {
			return nil
		}
		cond, err := q.PopOldest()
		if err != nil {
			return err
		}
		e.stateLog(st).Debugf("time %d: adding deferred conditional (age %d): %s", st.Spec.InsExecuted(), age, cond)
		if err := st.Solver.AddConstraint(cond); err != nil {
			return fmt.Errorf("wrongpath: committing deferred condition: %w", err)
		}
		retiredTotal.Inc()
		if e.opts.LazySolve {
			continue
		}
		sat, err := e.checkSat(st)
		if err != nil {
			return fmt.Errorf("wrongpath: satisfiability check: %w", err)
		}
		if !sat {
			st.Spec.MarkMispredicted()
			mispredictedTotal.Inc()
			e.stateLog(st).Debugf("killing mispredicted path: constraints not satisfiable")
			return nil
		}
	}
}

// flushFence drains the whole deferred queue into the solver and
// settles it with a single satisfiability check. Speculative stores
// are architectural after a fence, so the dirty byte set clears too.
func (e *Engine) flushFence(st *ExecState) error {
	if st.Spec.Mispredicted() {
		return nil
	}

	var flushed []expr.Expr
	for cond := range st.Spec.Queue().PopAll() {
		if err := st.Solver.AddConstraint(cond); err != nil {
			return fmt.Errorf("wrongpath: committing flushed condition: %w", err)
		}
		retiredTotal.Inc()
		flushed = append(flushed, cond)
	}
	fenceFlushesTotal.Inc()
	e.stateLog(st).Debugf("time %d: fence flushed %d deferred conditionals: %s",
		st.Spec.InsExecuted(), len(flushed), previewConds(flushed, 4))

	clear(st.Scratch.Dirty)

	if e.opts.LazySolve {
		return nil
	}
	sat, err := e.checkSat(st)
	if err != nil {
		return fmt.Errorf("wrongpath: satisfiability check: %w", err)
	}
	if !sat {
		st.Spec.MarkMispredicted()
		mispredictedTotal.Inc()
		e.stateLog(st).Debugf("killing mispredicted path: constraints not satisfiable")
	}
	return nil
}

// execExit forks at a conditional transfer. The taken side starts at
// the exit target with the guard deferred; the fall-through side
// keeps executing with the negated guard deferred. Trivially true
// conditions are not worth queueing on either side.
func (e *Engine) execExit(st *ExecState, stmt *Stmt, sux *Successors) {
	guard := st.fold(stmt.Guard)

	taken := st.Fork()
	taken.ID = e.nextStateID()
	taken.Parent = st.ID
	taken.Lineage = st.Lineage + ".T"
	taken.Addr = stmt.Target
	st.Lineage += ".N"

	notGuard := st.Solver.Not(guard)
	if !taken.Solver.IsTrue(guard) {
		taken.Spec.Defer(guard)
		deferredTotal.Inc()
	}
	if !st.Solver.IsTrue(notGuard) {
		st.Spec.Defer(notGuard)
		deferredTotal.Inc()
	}
	forksTotal.Inc()

	e.stateLog(st).Debugf("forking at %#x: s%d takes %s to %#x", st.Scratch.InsAddr, taken.ID, guard, stmt.Target)

	sux.All = append(sux.All, &Successor{
		State:       taken,
		Target:      stmt.Target,
		Kind:        stmt.Jump,
		Guard:       guard,
		ExitStmtIdx: st.Scratch.StmtIdx,
		ExitInsAddr: st.Scratch.InsAddr,
	})
}

// execStore performs a speculative store. A store through a symbolic
// address cannot be resolved here and is recorded instead of applied.
// A concrete store writes bytes little-endian and marks them dirty
// until the next fence.
func (e *Engine) execStore(st *ExecState, stmt *Stmt) {
	dst := st.fold(stmt.Dst)
	val := st.fold(stmt.Val)

	ca, ok := dst.(*expr.Const)
	if !ok {
		st.History.Add("symbolic-store", map[string]any{
			"unresolved": "address",
			"addr":       dst.String(),
			"ins":        st.Scratch.InsAddr,
		})
		e.stateLog(st).Debugf("store through symbolic address %s left unapplied", dst)
		return
	}

	addr := ca.Uint64()
	n := (int(val.Width()) + 7) / 8
	for i := 0; i < n; i++ {
		st.Scratch.Dirty[addr+uint64(i)] = struct{}{}
	}

	cv, ok := val.(*expr.Const)
	if !ok {
		st.History.Add("symbolic-store", map[string]any{
			"unresolved": "value",
			"addr":       addr,
			"ins":        st.Scratch.InsAddr,
		})
		return
	}
	raw := cv.Value().Bytes32()
	for i := 0; i < n; i++ {
		st.Mem[addr+uint64(i)] = raw[31-i]
	}
}

// checkSat times a solver query for the latency histogram.
func (e *Engine) checkSat(st *ExecState) (bool, error) {
	start := time.Now()
	sat, err := st.Solver.Satisfiable()
	solverCheckSeconds.Observe(time.Since(start).Seconds())
	return sat, err
}
