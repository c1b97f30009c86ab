package trace

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrongpath"
	"wrongpath/expr"
)

const spectreDoc = `
entry: 0x1000
window: 3
symbols:
  - name: idx
    width: 64
blocks:
  - addr: 0x1000
    next: 0x1010
    stmts:
      - imark: {addr: 0x1000, len: 4}
      - wrtmp:
          name: t0
          rhs:
            bin:
              op: ult
              lhs: {sym: idx}
              rhs: {const: {value: 16, width: 64}}
      - exit:
          guard: {sym: t0}
          target: 0x2000
          kind: jump
  - addr: 0x1010
    next: 0
    stmts:
      - imark: {addr: 0x1010, len: 4}
      - fence: {}
  - addr: 0x2000
    next: 0
    stmts:
      - imark: {addr: 0x2000, len: 4}
      - put:
          offset: 8
          rhs:
            bin:
              op: shl
              lhs: {sym: idx}
              rhs: {const: {value: 3, width: 64}}
      - store:
          addr: {const: {value: 0x8000, width: 64}}
          val: {const: {value: 1, width: 8}}
      - noop: {}
`

func TestLoadBuildsImage(t *testing.T) {
	p, err := Load(strings.NewReader(spectreDoc))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x1000), p.Entry)
	require.NotNil(t, p.Window)
	assert.Equal(t, uint64(3), *p.Window)
	require.Len(t, p.Symbols, 1)
	assert.Equal(t, Symbol{Name: "idx", Width: 64}, p.Symbols[0])

	syms := p.Syms()
	require.Len(t, syms, 1)
	sym, ok := syms[0].(*expr.Sym)
	require.True(t, ok)
	assert.Equal(t, "idx", sym.Name())
	assert.Equal(t, uint(64), sym.Width())

	entry, ok := p.Image.BlockAt(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1010), entry.Next)
	require.Len(t, entry.Stmts, 3)
	assert.Equal(t, wrongpath.StmtIMark, entry.Stmts[0].Kind)
	assert.Equal(t, wrongpath.StmtWrTmp, entry.Stmts[1].Kind)
	assert.Equal(t, "ult(idx, 0x10:64)", entry.Stmts[1].Rhs.String())

	exit := entry.Stmts[2]
	assert.Equal(t, wrongpath.StmtExit, exit.Kind)
	assert.Equal(t, uint64(0x2000), exit.Target)
	assert.Equal(t, wrongpath.TransferJump, exit.Jump)
	assert.Equal(t, "t0", exit.Guard.String(), "guard references the temporary by name")

	taken, ok := p.Image.BlockAt(0x2000)
	require.True(t, ok)
	require.Len(t, taken.Stmts, 4)
	assert.Equal(t, wrongpath.StmtPut, taken.Stmts[1].Kind)
	assert.Equal(t, 8, taken.Stmts[1].Offset)
	assert.Equal(t, wrongpath.StmtStore, taken.Stmts[2].Kind)
	assert.Equal(t, wrongpath.StmtNoOp, taken.Stmts[3].Kind)

	fenced, ok := p.Image.BlockAt(0x1010)
	require.True(t, ok)
	assert.Equal(t, wrongpath.StmtFence, fenced.Stmts[1].Kind)
}

// TestLoadedTraceRuns feeds the loaded image straight into the
// explorer; the loader's output must be executable as-is.
func TestLoadedTraceRuns(t *testing.T) {
	p, err := Load(strings.NewReader(spectreDoc))
	require.NoError(t, err)

	opts := wrongpath.DefaultOptions()
	opts.WindowSize = *p.Window
	r, err := wrongpath.Run(context.Background(), p.Image, p.Entry, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, len(r.Completed)+len(r.Mispredicted), "both futures of the bounds check must resolve")
	assert.Empty(t, r.Errored)
	assert.Empty(t, r.Deadended)
}

func TestLoadWideConstants(t *testing.T) {
	doc := `
entry: 0x1000
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - wrtmp:
          name: t0
          rhs: {const: {value: "0xffffffffffffffffffffffffffffffff", width: 128}}
      - wrtmp:
          name: t1
          rhs: {const: {value: "340282366920938463463374607431768211455", width: 128}}
`
	p, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	b, _ := p.Image.BlockAt(0x1000)
	assert.Equal(t, b.Stmts[0].Rhs.String(), b.Stmts[1].Rhs.String(),
		"hex and decimal spellings of the same value must agree")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing entry",
			doc:  "blocks:\n  - addr: 0x1000\n    next: 0\n",
			want: "entry address is required",
		},
		{
			name: "no blocks",
			doc:  "entry: 0x1000\n",
			want: "no blocks defined",
		},
		{
			name: "entry block undefined",
			doc:  "entry: 0x2000\nblocks:\n  - addr: 0x1000\n    next: 0\n",
			want: "entry block 0x2000 is not defined",
		},
		{
			name: "duplicate block",
			doc:  "entry: 0x1000\nblocks:\n  - addr: 0x1000\n    next: 0\n  - addr: 0x1000\n    next: 0\n",
			want: "block 0x1000 defined twice",
		},
		{
			name: "undefined symbol",
			doc: `
entry: 0x1000
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - wrtmp: {name: t0, rhs: {sym: ghost}}
`,
			want: `undefined symbol "ghost"`,
		},
		{
			name: "operand width mismatch",
			doc: `
entry: 0x1000
symbols:
  - {name: x, width: 64}
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - wrtmp:
          name: t0
          rhs:
            bin:
              op: add
              lhs: {sym: x}
              rhs: {const: {value: 1, width: 32}}
`,
			want: "operand widths differ (64 vs 32)",
		},
		{
			name: "wide guard",
			doc: `
entry: 0x1000
symbols:
  - {name: x, width: 64}
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - exit: {guard: {sym: x}, target: 0x2000}
`,
			want: "exit guard: width 64, want 1",
		},
		{
			name: "unknown operator",
			doc: `
entry: 0x1000
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - wrtmp:
          name: t0
          rhs:
            bin:
              op: sdiv
              lhs: {const: {value: 1, width: 8}}
              rhs: {const: {value: 1, width: 8}}
`,
			want: `unknown operator "sdiv"`,
		},
		{
			name: "unknown transfer kind",
			doc: `
entry: 0x1000
symbols:
  - {name: c, width: 1}
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - exit: {guard: {sym: c}, target: 0x2000, kind: longjmp}
`,
			want: `unknown transfer kind "longjmp"`,
		},
		{
			name: "missing statement kind",
			doc: `
entry: 0x1000
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - {}
`,
			want: "statement kind is missing",
		},
		{
			name: "negative constant",
			doc: `
entry: 0x1000
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - wrtmp: {name: t0, rhs: {const: {value: -1, width: 8}}}
`,
			want: "value must not be negative",
		},
		{
			name: "temporary width conflict",
			doc: `
entry: 0x1000
blocks:
  - addr: 0x1000
    next: 0
    stmts:
      - wrtmp: {name: t0, rhs: {const: {value: 1, width: 8}}}
      - wrtmp: {name: t0, rhs: {const: {value: 1, width: 16}}}
`,
			want: "width 16 conflicts with earlier 8",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("testdata/definitely-not-here.yaml")
	require.Error(t, err)
}
