package expr

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstTruncatesToWidth(t *testing.T) {
	c := ConstUint64(0x1ff, 8)
	assert.Equal(t, uint64(0xff), c.Uint64())
	assert.Equal(t, uint(8), c.Width())

	wide := NewConst(uint256.MustFromHex("0x112233445566778899"), 64)
	assert.Equal(t, uint64(0x2233445566778899), wide.Uint64())
}

func TestConstantFolding(t *testing.T) {
	a := ConstUint64(250, 8)
	b := ConstUint64(10, 8)

	tests := []struct {
		name string
		got  Expr
		want uint64
	}{
		{"add wraps at width", Add(a, b), 4},
		{"sub wraps at width", Sub(b, a), 16},
		{"mul wraps at width", Mul(a, b), 0xc4},
		{"and", And(a, b), 250 & 10},
		{"or", Or(a, b), 250 | 10},
		{"xor", Xor(a, b), 250 ^ 10},
		{"shl drops high bits", Shl(a, ConstUint64(4, 8)), 0xa0},
		{"shr", Shr(a, ConstUint64(4, 8)), 0x0f},
		{"shl by width is zero", Shl(a, ConstUint64(8, 8)), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := tt.got.(*Const)
			require.True(t, ok, "did not fold to a constant: %s", tt.got)
			assert.Equal(t, tt.want, c.Uint64())
			assert.Equal(t, uint(8), c.Width())
		})
	}
}

func TestComparisonFolding(t *testing.T) {
	a := ConstUint64(3, 64)
	b := ConstUint64(5, 64)

	assert.Equal(t, "false", Eq(a, b).String())
	assert.Equal(t, "true", Ne(a, b).String())
	assert.Equal(t, "true", Ult(a, b).String())
	assert.Equal(t, "false", Ult(b, a).String())
	assert.Equal(t, "true", Ule(a, a).String())
	assert.Equal(t, "false", Ule(b, a).String())
}

func TestBooleanIdentities(t *testing.T) {
	x := Eq(NewSym("x", 64), ConstUint64(1, 64))

	assert.Same(t, x, Not(Not(x)), "double negation must unwrap")
	assert.Equal(t, "false", Not(Bool(true)).String())

	assert.Same(t, x, And(Bool(true), x))
	assert.Equal(t, "false", And(x, Bool(false)).String())
	assert.Same(t, x, Or(Bool(false), x))
	assert.Equal(t, "true", Or(x, Bool(true)).String())
}

func TestStructuralEqualityFolding(t *testing.T) {
	s := NewSym("x", 64)
	assert.Equal(t, "true", Eq(s, NewSym("x", 64)).String())
	assert.Equal(t, "false", Ne(s, NewSym("x", 64)).String())

	// Same name, different width is a different variable.
	e := Eq(s, NewSym("x", 32))
	_, folded := e.(*Const)
	assert.False(t, folded)
}

func TestFoldSubstitutesBindings(t *testing.T) {
	x := NewSym("x", 64)
	e := Eq(Add(x, ConstUint64(1, 64)), ConstUint64(5, 64))

	assert.Equal(t, e.String(), Fold(e, nil).String(), "unbound symbols fold to the same tree")

	binds := map[string]Expr{"x": ConstUint64(4, 64)}
	assert.Equal(t, "true", Fold(e, binds).String())

	binds["x"] = ConstUint64(7, 64)
	assert.Equal(t, "false", Fold(e, binds).String())
}

func TestWidths(t *testing.T) {
	x := NewSym("x", 64)
	assert.Equal(t, uint(64), Add(x, ConstUint64(1, 64)).Width())
	assert.Equal(t, uint(1), Ult(x, ConstUint64(1, 64)).Width())
	assert.Equal(t, uint(1), Not(Ult(x, ConstUint64(1, 64))).Width())
}

func TestParseOpRoundTrip(t *testing.T) {
	for op := OpAdd; op <= OpUle; op++ {
		got, err := ParseOp(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
	_, err := ParseOp("bogus")
	assert.Error(t, err)
}

func TestStringForms(t *testing.T) {
	x := NewSym("x", 64)
	e := Ult(Add(x, ConstUint64(1, 64)), ConstUint64(16, 64))
	assert.Equal(t, "ult(add(x, 0x1:64), 0x10:64)", e.String())
	assert.Equal(t, "not(ult(add(x, 0x1:64), 0x10:64))", Not(e).String())
	assert.Equal(t, "true", Bool(true).String())
}
