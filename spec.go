package wrongpath

import (
	"iter"

	"wrongpath/expr"
)

// specEntry is a deferred branch condition together with the
// instruction count at which it was deferred.
type specEntry struct {
	cond expr.Expr
	tick uint64
}

// SpecQueue holds branch conditions that have been observed but not
// yet committed to the solver. Entries age as instructions execute;
// insertion order and age order coincide because the tick counter is
// monotonic and every insertion happens at the current tick.
type SpecQueue struct {
	insExecuted uint64
	entries     []specEntry
}

// NewSpecQueue returns an empty queue at tick zero.
func NewSpecQueue() *SpecQueue {
	return &SpecQueue{}
}

// Tick advances the queue's instruction counter by one.
func (q *SpecQueue) Tick() {
	q.insExecuted++
}

// Append defers cond at the current tick.
func (q *SpecQueue) Append(cond expr.Expr) {
	q.entries = append(q.entries, specEntry{cond: cond, tick: q.insExecuted})
}

// Len returns the number of deferred conditions.
func (q *SpecQueue) Len() int {
	return len(q.entries)
}

// AgeOfOldest returns how many ticks the oldest entry has been
// deferred. The second result is false when the queue is empty.
func (q *SpecQueue) AgeOfOldest() (uint64, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	return q.insExecuted - q.entries[0].tick, true
}

// PopOldest removes and returns the oldest deferred condition.
func (q *SpecQueue) PopOldest() (expr.Expr, error) {
	if len(q.entries) == 0 {
		return nil, ErrEmptyQueue
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e.cond, nil
}

// PopAll returns a single-use sequence that drains the queue in FIFO
// order. Each condition is removed as it is yielded, so entries
// consumed before an early break do not reappear.
func (q *SpecQueue) PopAll() iter.Seq[expr.Expr] {
	return func(yield func(expr.Expr) bool) {
		for len(q.entries) > 0 {
			e := q.entries[0]
			q.entries = q.entries[1:]
			if !yield(e.cond) {
				return
			}
		}
	}
}

// Copy returns an independent queue with the same entries and tick.
// Conditions are shared; they are immutable.
func (q *SpecQueue) Copy() *SpecQueue {
	c := &SpecQueue{
		insExecuted: q.insExecuted,
		entries:     make([]specEntry, len(q.entries)),
	}
	copy(c.entries, q.entries)
	return c
}

// SpecState tracks how far an execution context has speculated: the
// instruction count, the deferred conditions still in flight, and
// whether the path has already been proven architecturally impossible.
type SpecState struct {
	windowSize   uint64
	insExecuted  uint64
	conds        *SpecQueue
	mispredicted bool
}

// NewSpecState returns a fresh speculation state with the given
// reorder window. A window of zero defers each condition for exactly
// one instruction.
func NewSpecState(windowSize uint64) *SpecState {
	return &SpecState{
		windowSize: windowSize,
		conds:      NewSpecQueue(),
	}
}

// Tick advances the instruction counter, keeping the condition queue's
// clock in lockstep.
func (s *SpecState) Tick() {
	s.insExecuted++
	s.conds.Tick()
}

// Defer queues cond for later retirement.
func (s *SpecState) Defer(cond expr.Expr) {
	s.conds.Append(cond)
}

// Queue exposes the deferred condition queue.
func (s *SpecState) Queue() *SpecQueue { return s.conds }

// WindowSize returns the reorder window in instructions.
func (s *SpecState) WindowSize() uint64 { return s.windowSize }

// InsExecuted returns the number of instruction boundaries crossed.
func (s *SpecState) InsExecuted() uint64 { return s.insExecuted }

// Mispredicted reports whether a retired or flushed condition proved
// the path unsatisfiable. The flag never clears.
func (s *SpecState) Mispredicted() bool { return s.mispredicted }

// MarkMispredicted marks the path as proven wrong.
func (s *SpecState) MarkMispredicted() {
	s.mispredicted = true
}

// Copy returns an independent speculation state. Counters, flag and
// queue contents carry over; later mutation of either side is
// invisible to the other.
func (s *SpecState) Copy() *SpecState {
	return &SpecState{
		windowSize:   s.windowSize,
		insExecuted:  s.insExecuted,
		conds:        s.conds.Copy(),
		mispredicted: s.mispredicted,
	}
}
