// Package expr provides the symbolic bitvector expressions that guard
// speculative paths, together with a lightweight syntactic constraint
// system over them.
//
// Expressions are immutable once built. Constructors fold constant
// subtrees eagerly, so a tree whose leaves are all concrete collapses
// to a single *Const. Immutability is what makes sharing across forked
// execution contexts safe without copying.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Op identifies a binary operator.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpEq
	OpNe
	OpUlt
	OpUle
)

var opNames = map[Op]string{
	OpAdd: "add",
	OpSub: "sub",
	OpMul: "mul",
	OpAnd: "and",
	OpOr:  "or",
	OpXor: "xor",
	OpShl: "shl",
	OpShr: "shr",
	OpEq:  "eq",
	OpNe:  "ne",
	OpUlt: "ult",
	OpUle: "ule",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// ParseOp maps an operator name to its Op. Names match Op.String.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("expr: unknown operator %q", s)
}

// isCompare reports whether op yields a boolean (width 1) result.
func (op Op) isCompare() bool {
	switch op {
	case OpEq, OpNe, OpUlt, OpUle:
		return true
	}
	return false
}

// Expr is a symbolic bitvector expression.
type Expr interface {
	// Width is the size of the expression's value in bits.
	// Boolean expressions have width 1.
	Width() uint
	String() string
}

// Const is a concrete bitvector value.
type Const struct {
	value uint256.Int
	width uint
}

// NewConst builds a constant of the given width, truncating v to fit.
func NewConst(v *uint256.Int, width uint) *Const {
	c := &Const{width: width}
	c.value.Set(v)
	truncate(&c.value, width)
	return c
}

// ConstUint64 builds a constant of the given width from a uint64.
func ConstUint64(v uint64, width uint) *Const {
	return NewConst(uint256.NewInt(v), width)
}

// Bool builds a width-1 constant.
func Bool(b bool) *Const {
	if b {
		return ConstUint64(1, 1)
	}
	return ConstUint64(0, 1)
}

func (c *Const) Width() uint { return c.width }

// Value returns a copy of the constant's value.
func (c *Const) Value() *uint256.Int {
	v := c.value
	return &v
}

// Uint64 returns the low 64 bits of the constant.
func (c *Const) Uint64() uint64 { return c.value.Uint64() }

// IsZero reports whether the constant is zero.
func (c *Const) IsZero() bool { return c.value.IsZero() }

func (c *Const) String() string {
	if c.width == 1 {
		if c.value.IsZero() {
			return "false"
		}
		return "true"
	}
	return c.value.Hex() + ":" + strconv.FormatUint(uint64(c.width), 10)
}

// Sym is a free symbolic variable.
type Sym struct {
	name  string
	width uint
}

// NewSym builds a symbolic variable of the given width.
func NewSym(name string, width uint) *Sym {
	return &Sym{name: name, width: width}
}

func (s *Sym) Width() uint  { return s.width }
func (s *Sym) Name() string { return s.name }

func (s *Sym) String() string { return s.name }

// NotExpr is the logical negation of a boolean expression.
type NotExpr struct {
	x Expr
}

// Not negates a boolean expression. Constant operands fold, and a
// double negation unwraps to the inner expression.
func Not(x Expr) Expr {
	switch t := x.(type) {
	case *Const:
		return Bool(t.value.IsZero())
	case *NotExpr:
		return t.x
	}
	return &NotExpr{x: x}
}

func (n *NotExpr) Width() uint { return 1 }

// X returns the negated operand.
func (n *NotExpr) X() Expr { return n.x }

func (n *NotExpr) String() string { return "not(" + n.x.String() + ")" }

// Bin is a binary operation over two expressions of equal width.
type Bin struct {
	op   Op
	x, y Expr
}

// NewBin builds a binary operation, folding where the operands allow.
// Operands are expected to share a width; loaders validate that before
// expressions reach the engine.
func NewBin(op Op, x, y Expr) Expr {
	cx, xconst := x.(*Const)
	cy, yconst := y.(*Const)
	if xconst && yconst {
		return foldConst(op, cx, cy)
	}

	// Boolean identities on partially concrete operands.
	switch op {
	case OpAnd:
		if b, other, ok := boolOperand(cx, xconst, cy, yconst, x, y); ok {
			if b {
				return other
			}
			return Bool(false)
		}
	case OpOr:
		if b, other, ok := boolOperand(cx, xconst, cy, yconst, x, y); ok {
			if b {
				return Bool(true)
			}
			return other
		}
	case OpEq:
		if equal(x, y) {
			return Bool(true)
		}
	case OpNe:
		if equal(x, y) {
			return Bool(false)
		}
	}
	return &Bin{op: op, x: x, y: y}
}

// boolOperand extracts a width-1 constant operand, returning its truth
// value and the other operand.
func boolOperand(cx *Const, xconst bool, cy *Const, yconst bool, x, y Expr) (bool, Expr, bool) {
	if xconst && cx.width == 1 {
		return !cx.value.IsZero(), y, true
	}
	if yconst && cy.width == 1 {
		return !cy.value.IsZero(), x, true
	}
	return false, nil, false
}

func (b *Bin) Width() uint {
	if b.op.isCompare() {
		return 1
	}
	return b.x.Width()
}

// Op returns the operator.
func (b *Bin) Op() Op { return b.op }

// X returns the left operand.
func (b *Bin) X() Expr { return b.x }

// Y returns the right operand.
func (b *Bin) Y() Expr { return b.y }

func (b *Bin) String() string {
	var sb strings.Builder
	sb.WriteString(b.op.String())
	sb.WriteByte('(')
	sb.WriteString(b.x.String())
	sb.WriteString(", ")
	sb.WriteString(b.y.String())
	sb.WriteByte(')')
	return sb.String()
}

// Convenience constructors. Each is NewBin with the operator fixed.

func Add(x, y Expr) Expr { return NewBin(OpAdd, x, y) }
func Sub(x, y Expr) Expr { return NewBin(OpSub, x, y) }
func Mul(x, y Expr) Expr { return NewBin(OpMul, x, y) }
func And(x, y Expr) Expr { return NewBin(OpAnd, x, y) }
func Or(x, y Expr) Expr  { return NewBin(OpOr, x, y) }
func Xor(x, y Expr) Expr { return NewBin(OpXor, x, y) }
func Shl(x, y Expr) Expr { return NewBin(OpShl, x, y) }
func Shr(x, y Expr) Expr { return NewBin(OpShr, x, y) }
func Eq(x, y Expr) Expr  { return NewBin(OpEq, x, y) }
func Ne(x, y Expr) Expr  { return NewBin(OpNe, x, y) }
func Ult(x, y Expr) Expr { return NewBin(OpUlt, x, y) }
func Ule(x, y Expr) Expr { return NewBin(OpUle, x, y) }

// foldConst evaluates op over two concrete operands. Arithmetic wraps
// at the operand width, shifts are logical, comparisons are unsigned.
func foldConst(op Op, x, y *Const) *Const {
	w := x.width
	var z uint256.Int
	switch op {
	case OpAdd:
		z.Add(&x.value, &y.value)
	case OpSub:
		z.Sub(&x.value, &y.value)
	case OpMul:
		z.Mul(&x.value, &y.value)
	case OpAnd:
		z.And(&x.value, &y.value)
	case OpOr:
		z.Or(&x.value, &y.value)
	case OpXor:
		z.Xor(&x.value, &y.value)
	case OpShl:
		if n := shiftAmount(&y.value, w); n < uint(256) {
			z.Lsh(&x.value, n)
		}
	case OpShr:
		if n := shiftAmount(&y.value, w); n < uint(256) {
			z.Rsh(&x.value, n)
		}
	case OpEq:
		return Bool(x.value.Eq(&y.value))
	case OpNe:
		return Bool(!x.value.Eq(&y.value))
	case OpUlt:
		return Bool(x.value.Lt(&y.value))
	case OpUle:
		return Bool(!y.value.Lt(&x.value))
	default:
		panic("expr: unhandled operator " + op.String())
	}
	truncate(&z, w)
	return NewConst(&z, w)
}

// shiftAmount clamps a shift count. Shifting by the operand width or
// more always yields zero, signalled here by returning 256.
func shiftAmount(v *uint256.Int, width uint) uint {
	if !v.IsUint64() || v.Uint64() >= uint64(width) {
		return 256
	}
	return uint(v.Uint64())
}

// truncate masks v down to width bits.
func truncate(v *uint256.Int, width uint) {
	if width >= 256 {
		return
	}
	var mask uint256.Int
	mask.Lsh(uint256.NewInt(1), width)
	mask.SubUint64(&mask, 1)
	v.And(v, &mask)
}

// Fold substitutes bound symbols in e and refolds the result. Symbols
// absent from binds stay symbolic. A nil binds map is allowed.
func Fold(e Expr, binds map[string]Expr) Expr {
	switch t := e.(type) {
	case *Const:
		return t
	case *Sym:
		if b, ok := binds[t.name]; ok {
			return b
		}
		return t
	case *NotExpr:
		return Not(Fold(t.x, binds))
	case *Bin:
		return NewBin(t.op, Fold(t.x, binds), Fold(t.y, binds))
	}
	return e
}

// equal reports structural equality of two expressions.
func equal(a, b Expr) bool {
	switch ta := a.(type) {
	case *Const:
		tb, ok := b.(*Const)
		return ok && ta.width == tb.width && ta.value.Eq(&tb.value)
	case *Sym:
		tb, ok := b.(*Sym)
		return ok && ta.name == tb.name && ta.width == tb.width
	case *NotExpr:
		tb, ok := b.(*NotExpr)
		return ok && equal(ta.x, tb.x)
	case *Bin:
		tb, ok := b.(*Bin)
		return ok && ta.op == tb.op && equal(ta.x, tb.x) && equal(ta.y, tb.y)
	}
	return false
}
