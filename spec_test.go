package wrongpath

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"wrongpath/expr"
)

func condN(i int) expr.Expr {
	return expr.Eq(expr.NewSym(fmt.Sprintf("c%d", i), 64), expr.ConstUint64(uint64(i), 64))
}

func TestQueueAgeTracksTicks(t *testing.T) {
	q := NewSpecQueue()
	if _, ok := q.AgeOfOldest(); ok {
		t.Fatal("empty queue reported an oldest age")
	}

	q.Tick()
	q.Tick()
	q.Append(condN(0)) // inserted at tick 2

	prev := uint64(0)
	for k := uint64(1); k <= 5; k++ {
		q.Tick()
		age, ok := q.AgeOfOldest()
		if !ok {
			t.Fatalf("tick %d: queue reported empty", k)
		}
		if age != k {
			t.Errorf("tick %d: age = %d, want %d", k, age, k)
		}
		if age < prev {
			t.Errorf("tick %d: age decreased from %d to %d", k, prev, age)
		}
		prev = age
	}
}

func TestQueuePopsInInsertionOrder(t *testing.T) {
	q := NewSpecQueue()
	var want []string
	for i := 0; i < 5; i++ {
		c := condN(i)
		q.Append(c)
		want = append(want, c.String())
		q.Tick() // interleave ticks with appends
	}

	var got []string
	for q.Len() > 0 {
		c, err := q.PopOldest()
		if err != nil {
			t.Fatalf("PopOldest: %v", err)
		}
		got = append(got, c.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}

	if _, err := q.PopOldest(); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("pop on drained queue returned %v, want ErrEmptyQueue", err)
	}
}

func TestQueuePopAllDrains(t *testing.T) {
	q := NewSpecQueue()
	for i := 0; i < 3; i++ {
		q.Append(condN(i))
	}

	var got []string
	for c := range q.PopAll() {
		got = append(got, c.String())
	}
	want := []string{condN(0).String(), condN(1).String(), condN(2).String()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("drain order mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 0 {
		t.Errorf("queue length after full drain = %d, want 0", q.Len())
	}
}

// TestQueuePopAllInterrupted breaks out of the drain midway. Yielded
// entries must not reappear; a second drain picks up the remainder.
func TestQueuePopAllInterrupted(t *testing.T) {
	q := NewSpecQueue()
	for i := 0; i < 4; i++ {
		q.Append(condN(i))
	}

	var first []string
	for c := range q.PopAll() {
		first = append(first, c.String())
		if len(first) == 2 {
			break
		}
	}
	if diff := cmp.Diff([]string{condN(0).String(), condN(1).String()}, first); diff != "" {
		t.Errorf("interrupted drain mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 2 {
		t.Fatalf("queue length after interrupted drain = %d, want 2", q.Len())
	}

	var rest []string
	for c := range q.PopAll() {
		rest = append(rest, c.String())
	}
	if diff := cmp.Diff([]string{condN(2).String(), condN(3).String()}, rest); diff != "" {
		t.Errorf("second drain mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueCopyIsolation(t *testing.T) {
	q := NewSpecQueue()
	q.Append(condN(0))
	q.Tick()

	c := q.Copy()
	c.Append(condN(1))
	c.Tick()

	if q.Len() != 1 {
		t.Errorf("original length changed to %d after mutating the copy", q.Len())
	}
	if age, _ := q.AgeOfOldest(); age != 1 {
		t.Errorf("original oldest age changed to %d after mutating the copy", age)
	}
	if c.Len() != 2 {
		t.Errorf("copy length = %d, want 2", c.Len())
	}

	q.Append(condN(2))
	if c.Len() != 2 {
		t.Errorf("copy length changed to %d after mutating the original", c.Len())
	}
}

func TestSpecStateCopyCarriesEverything(t *testing.T) {
	s := NewSpecState(7)
	s.Tick()
	s.Tick()
	s.Defer(condN(0))
	s.MarkMispredicted()

	c := s.Copy()
	if c.WindowSize() != 7 || c.InsExecuted() != 2 || !c.Mispredicted() {
		t.Errorf("copy = window %d, executed %d, mispredicted %v; want 7, 2, true",
			c.WindowSize(), c.InsExecuted(), c.Mispredicted())
	}
	if c.Queue().Len() != 1 {
		t.Errorf("copy queue length = %d, want 1", c.Queue().Len())
	}

	c.Tick()
	c.Defer(condN(1))
	if s.InsExecuted() != 2 || s.Queue().Len() != 1 {
		t.Error("mutating the copy changed the original state")
	}
}

func TestMispredictedIsMonotonic(t *testing.T) {
	s := NewSpecState(3)
	s.MarkMispredicted()
	for i := 0; i < 10; i++ {
		s.Tick()
		s.Defer(condN(i))
	}
	if !s.Mispredicted() {
		t.Fatal("mispredicted flag cleared by later ticks and appends")
	}
}

// TestRetirementTimingWindow3 walks the spec's canonical timing: with
// a window of 3, a condition deferred at tick 0 ages 1, 2, 3 without
// retiring, then commits on the tick that takes its age to 4.
func TestRetirementTimingWindow3(t *testing.T) {
	sol := newScriptSolver()
	e := NewEngine(DefaultOptions(), nil)
	st := testState(3, sol)
	st.Spec.Defer(guardEq("x", 1)) // tick 0

	for want := uint64(1); want <= 3; want++ {
		if err := e.retire(st); err != nil {
			t.Fatalf("tick %d: %v", want, err)
		}
		age, ok := st.Spec.Queue().AgeOfOldest()
		if !ok || age != want {
			t.Fatalf("tick %d: age = %d (ok=%v), want %d still queued", want, age, ok, want)
		}
		if len(sol.added) != 0 {
			t.Fatalf("tick %d: condition retired early", want)
		}
	}

	if err := e.retire(st); err != nil {
		t.Fatalf("tick 4: %v", err)
	}
	if len(sol.added) != 1 {
		t.Fatalf("tick 4: %d conditions committed, want 1", len(sol.added))
	}
	if st.Spec.Queue().Len() != 0 {
		t.Error("queue not empty after retirement")
	}
	if st.Spec.Mispredicted() {
		t.Error("satisfiable retirement marked the path mispredicted")
	}
}

// TestRetirementTimingWindow0 checks the degenerate window: every
// deferred condition commits on the very next tick.
func TestRetirementTimingWindow0(t *testing.T) {
	sol := newScriptSolver()
	e := NewEngine(DefaultOptions(), nil)
	st := testState(0, sol)
	st.Spec.Defer(guardEq("x", 1))

	if err := e.retire(st); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if len(sol.added) != 1 {
		t.Fatalf("%d conditions committed after one tick, want 1", len(sol.added))
	}
}

// TestRetirementStopsOnUnsat defers two aged conditions and scripts
// the first commit as unsatisfiable. The drain must stop there: the
// second condition stays queued on the dead path.
func TestRetirementStopsOnUnsat(t *testing.T) {
	sol := newScriptSolver(false)
	e := NewEngine(DefaultOptions(), nil)
	st := testState(0, sol)
	st.Spec.Defer(guardEq("x", 1))
	st.Spec.Defer(guardEq("y", 2))

	if err := e.retire(st); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if !st.Spec.Mispredicted() {
		t.Fatal("unsatisfiable retirement did not mark the path")
	}
	if len(sol.added) != 1 {
		t.Errorf("%d conditions committed, want 1", len(sol.added))
	}
	if st.Spec.Queue().Len() != 1 {
		t.Errorf("queue length = %d, want the younger condition still queued", st.Spec.Queue().Len())
	}

	// Further ticks on a dead path are no-ops.
	if err := e.retire(st); err != nil {
		t.Fatalf("retire on dead path: %v", err)
	}
	if len(sol.added) != 1 || sol.checks != 1 {
		t.Error("dead path still committed conditions or queried the solver")
	}
}

// TestRetirementLazySolve commits aged conditions without any
// satisfiability traffic when lazy solving is on.
func TestRetirementLazySolve(t *testing.T) {
	sol := newScriptSolver(false) // would kill the path if consulted
	opts := DefaultOptions()
	opts.WindowSize = 0
	opts.LazySolve = true
	e := NewEngine(opts, nil)
	st := NewRootState(0x1000, sol, opts)
	st.Spec.Defer(guardEq("x", 1))

	if err := e.retire(st); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if len(sol.added) != 1 {
		t.Errorf("%d conditions committed, want 1", len(sol.added))
	}
	if sol.checks != 0 {
		t.Errorf("lazy retirement issued %d satisfiability checks", sol.checks)
	}
	if st.Spec.Mispredicted() {
		t.Error("lazy retirement marked the path mispredicted")
	}
}
