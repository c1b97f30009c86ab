package expr

import "errors"

// Solver is the constraint backend an execution context carries.
// Implementations must support forking into an independent child so
// that speculative paths never share mutable solver state.
type Solver interface {
	// AddConstraint asserts cond on the path.
	AddConstraint(cond Expr) error
	// Satisfiable reports whether the asserted constraints can still
	// hold together. Implementations may be incomplete in the SAT
	// direction but must never report false for a satisfiable set.
	Satisfiable() (bool, error)
	// Not returns the logical negation of cond.
	Not(cond Expr) Expr
	// IsTrue reports whether cond is trivially true, without search.
	IsTrue(cond Expr) bool
	// Fork returns an independent copy of the solver.
	Fork() Solver
}

// System is a syntactic constraint system. It keeps the asserted
// constraints in order and learns concrete bindings from constraints
// of the shape sym == const. Satisfiability is decided by refolding
// every constraint under the learned bindings and looking for a
// definite contradiction, so UNSAT answers are always right while SAT
// answers are conservative.
type System struct {
	constraints []Expr
	binds       map[string]Expr
}

// NewSystem returns an empty constraint system.
func NewSystem() *System {
	return &System{binds: make(map[string]Expr)}
}

// AddConstraint appends cond to the system.
func (s *System) AddConstraint(cond Expr) error {
	if cond == nil {
		return errors.New("expr: nil constraint")
	}
	s.constraints = append(s.constraints, cond)
	s.learn(Fold(cond, s.binds), s.binds)
	return nil
}

// learn records a sym == const binding when cond has that shape and
// the symbol is not already bound. The first binding wins; a
// conflicting later one surfaces as a contradiction in Satisfiable.
func (s *System) learn(cond Expr, binds map[string]Expr) {
	b, ok := cond.(*Bin)
	if !ok || b.op != OpEq {
		return
	}
	var sym *Sym
	var c *Const
	if sx, ok := b.x.(*Sym); ok {
		if cy, ok := b.y.(*Const); ok {
			sym, c = sx, cy
		}
	} else if sy, ok := b.y.(*Sym); ok {
		if cx, ok := b.x.(*Const); ok {
			sym, c = sy, cx
		}
	}
	if sym == nil {
		return
	}
	if _, bound := binds[sym.name]; !bound {
		binds[sym.name] = c
	}
}

// Satisfiable folds the constraints under the learned bindings to a
// fixpoint and reports false only on a definite contradiction: a
// constraint folding to false, or a complementary pair.
func (s *System) Satisfiable() (bool, error) {
	binds := make(map[string]Expr, len(s.binds))
	for k, v := range s.binds {
		binds[k] = v
	}

	folded := make([]Expr, len(s.constraints))
	copy(folded, s.constraints)
	for changed := true; changed; {
		changed = false
		for i, c := range folded {
			before := len(binds)
			f := Fold(c, binds)
			s.learn(f, binds)
			folded[i] = f
			if len(binds) != before {
				changed = true
			}
		}
	}

	for _, f := range folded {
		if c, ok := f.(*Const); ok && c.width == 1 && c.value.IsZero() {
			return false, nil
		}
	}
	for i := range folded {
		for j := i + 1; j < len(folded); j++ {
			if complementary(folded[i], folded[j]) {
				return false, nil
			}
		}
	}
	return true, nil
}

// complementary reports whether a and b cannot hold together on
// syntactic grounds alone.
func complementary(a, b Expr) bool {
	if na, ok := a.(*NotExpr); ok && equal(na.x, b) {
		return true
	}
	if nb, ok := b.(*NotExpr); ok && equal(nb.x, a) {
		return true
	}
	ba, aok := a.(*Bin)
	bb, bok := b.(*Bin)
	if aok && bok && equal(ba.x, bb.x) && equal(ba.y, bb.y) {
		if (ba.op == OpEq && bb.op == OpNe) || (ba.op == OpNe && bb.op == OpEq) {
			return true
		}
	}
	return false
}

// Not returns the negation of cond.
func (s *System) Not(cond Expr) Expr { return Not(cond) }

// IsTrue reports whether cond folds to true under the learned
// bindings.
func (s *System) IsTrue(cond Expr) bool {
	c, ok := Fold(cond, s.binds).(*Const)
	return ok && c.width == 1 && !c.value.IsZero()
}

// Fork returns an independent copy. Expressions are immutable, so the
// copy shares nodes but never mutation.
func (s *System) Fork() Solver {
	child := &System{
		constraints: make([]Expr, len(s.constraints)),
		binds:       make(map[string]Expr, len(s.binds)),
	}
	copy(child.constraints, s.constraints)
	for k, v := range s.binds {
		child.binds[k] = v
	}
	return child
}

// Constraints returns the asserted constraints in assertion order.
func (s *System) Constraints() []Expr {
	out := make([]Expr, len(s.constraints))
	copy(out, s.constraints)
	return out
}
