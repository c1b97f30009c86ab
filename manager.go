package wrongpath

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErroredState pairs a context with the error that stopped it.
type ErroredState struct {
	State *ExecState
	Err   error
}

// Manager owns the exploration frontier and routes finished paths
// into stashes. Engine work runs outside the manager lock, so
// RunParallel can interpret several contexts at once while the
// frontier and stashes stay consistent.
type Manager struct {
	engine   *Engine
	cache    *DecodeCache
	searcher Searcher
	opts     Options
	log      Logger

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	steps    int
	added    int

	completed    []*ExecState
	mispredicted []*ExecState
	deadended    []*ExecState
	errored      []*ErroredState
}

// Report is a snapshot of an exploration's outcome.
type Report struct {
	Completed    []*ExecState
	Mispredicted []*ExecState
	Deadended    []*ExecState
	Errored      []*ErroredState
	Steps        int
}

func (r *Report) String() string {
	return fmt.Sprintf("Report{steps: %d, completed: %d, mispredicted: %d, deadended: %d, errored: %d}",
		r.Steps, len(r.Completed), len(r.Mispredicted), len(r.Deadended), len(r.Errored))
}

// NewManager builds a manager over prog. A nil searcher explores
// depth-first; a nil logger silences the manager.
func NewManager(prog Program, engine *Engine, searcher Searcher, opts Options, logger Logger) *Manager {
	if searcher == nil {
		searcher = NewDFSSearcher()
	}
	if logger == nil {
		logger = newNoopLogger()
	}
	m := &Manager{
		engine:   engine,
		cache:    NewDecodeCache(prog),
		searcher: searcher,
		opts:     opts,
		log:      logger.With(map[string]any{"run": engine.RunID()}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// AddState schedules a context for execution.
func (m *Manager) AddState(st *ExecState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(st)
}

func (m *Manager) addLocked(st *ExecState) error {
	m.added++
	if m.opts.MaxStates > 0 && m.added > m.opts.MaxStates {
		return fmt.Errorf("wrongpath: exceeded maximum states (%d), possible path explosion", m.opts.MaxStates)
	}
	m.searcher.AddState(st)
	m.cond.Broadcast()
	return nil
}

// next hands out the next context, blocking while other workers might
// still produce one. It returns ErrNoStateAvailable once the frontier
// is drained and nothing is in flight.
func (m *Manager) next(ctx context.Context) (*ExecState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.opts.MaxSteps > 0 && m.steps >= m.opts.MaxSteps {
			return nil, fmt.Errorf("wrongpath: exceeded maximum steps (%d), possible runaway speculation", m.opts.MaxSteps)
		}
		if st := m.searcher.SelectState(); st != nil {
			m.steps++
			m.inflight++
			return st, nil
		}
		if m.inflight == 0 {
			return nil, ErrNoStateAvailable
		}
		m.cond.Wait()
	}
}

// finish marks a handed-out context as done and wakes waiters.
func (m *Manager) finish() {
	m.mu.Lock()
	m.inflight--
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Step executes one context. It is the single-threaded building
// block; do not interleave it with RunParallel.
func (m *Manager) Step(ctx context.Context) error {
	st, err := m.next(ctx)
	if err != nil {
		return err
	}
	defer m.finish()
	return m.stepState(ctx, st)
}

// stepState runs st through one fetch unit and routes the outcome.
func (m *Manager) stepState(ctx context.Context, st *ExecState) error {
	blk, ok := m.cache.BlockAt(st.Addr)
	if !ok {
		m.log.Debugf("no fetch unit at %#x, path s%d dead ends", st.Addr, st.ID)
		m.mu.Lock()
		m.deadended = append(m.deadended, st)
		m.mu.Unlock()
		return nil
	}

	sux, err := m.engine.ExecuteBlock(ctx, st, blk)

	var smc *SelfModifyingCodeError
	switch {
	case errors.As(err, &smc):
		// The stale bytes are observed by the refetch; forget them
		// and decode the unit again at the faulting instruction.
		m.cache.Invalidate(blk.Addr)
		for a := smc.Addr; a < smc.Addr+uint64(smc.Len); a++ {
			delete(st.Scratch.Dirty, a)
		}
		st.Addr = smc.InsAddr
		reliftsTotal.Inc()
		m.log.Infof("refetching unit at %#x for s%d after self-modifying store", smc.InsAddr, st.ID)
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.addLocked(st)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err

	case err != nil:
		m.log.Errorf("path s%d failed at %#x: %v", st.ID, blk.Addr, err)
		m.mu.Lock()
		m.errored = append(m.errored, &ErroredState{State: st, Err: err})
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sux.All {
		if err := m.addLocked(s.State); err != nil {
			return err
		}
	}
	if sux.Mispredicted {
		m.mispredicted = append(m.mispredicted, st)
	}
	if sux.Completed {
		m.completed = append(m.completed, st)
	}
	return nil
}

// Run explores until the frontier drains, a limit trips, or ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "wrongpath.Run",
		trace.WithAttributes(
			attribute.String("run.id", m.engine.RunID()),
			attribute.Int64("window", int64(m.opts.WindowSize)),
		))
	defer span.End()

	m.log.Infof("starting exploration (window %d)", m.opts.WindowSize)
	for {
		err := m.Step(ctx)
		if errors.Is(err, ErrNoStateAvailable) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "exploration failed")
			return err
		}
	}
	m.logOutcome()
	return nil
}

// RunParallel explores with the given number of workers sharing the
// frontier. Outcomes are identical to Run up to exploration order.
func (m *Manager) RunParallel(ctx context.Context, workers int) error {
	if workers < 2 {
		return m.Run(ctx)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "wrongpath.RunParallel",
		trace.WithAttributes(
			attribute.String("run.id", m.engine.RunID()),
			attribute.Int64("window", int64(m.opts.WindowSize)),
			attribute.Int("workers", workers),
		))
	defer span.End()

	m.log.Infof("starting exploration (window %d, %d workers)", m.opts.WindowSize, workers)

	g, gctx := errgroup.WithContext(ctx)
	// A canceled context must wake workers parked on the condition
	// variable, or Wait would hang.
	stop := context.AfterFunc(gctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				st, err := m.next(gctx)
				if errors.Is(err, ErrNoStateAvailable) {
					return nil
				}
				if err != nil {
					return err
				}
				err = m.stepState(gctx, st)
				m.finish()
				if err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exploration failed")
		return err
	}
	m.logOutcome()
	return nil
}

func (m *Manager) logOutcome() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Infof("exploration finished: %d steps, %d completed, %d mispredicted, %d deadended, %d errored",
		m.steps, len(m.completed), len(m.mispredicted), len(m.deadended), len(m.errored))
}

// Report snapshots the stashes.
func (m *Manager) Report() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Report{
		Completed:    make([]*ExecState, len(m.completed)),
		Mispredicted: make([]*ExecState, len(m.mispredicted)),
		Deadended:    make([]*ExecState, len(m.deadended)),
		Errored:      make([]*ErroredState, len(m.errored)),
		Steps:        m.steps,
	}
	copy(r.Completed, m.completed)
	copy(r.Mispredicted, m.mispredicted)
	copy(r.Deadended, m.deadended)
	copy(r.Errored, m.errored)
	return r
}
