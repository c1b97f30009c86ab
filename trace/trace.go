// Package trace loads speculative trace programs from YAML. A trace
// document declares its entry point, the free symbolic inputs, and
// the fetch units with their statements; the loader validates it and
// builds the executable image.
package trace

import (
	"fmt"
	"io"
	"os"

	"github.com/holiman/uint256"
	yaml "github.com/itchyny/go-yaml"

	"wrongpath"
	"wrongpath/expr"
)

// Symbol is a declared symbolic input.
type Symbol struct {
	Name  string
	Width uint
}

// Program is a loaded trace: an executable image plus the metadata
// the document carried.
type Program struct {
	Entry   uint64
	Window  *uint64
	Symbols []Symbol
	Image   *wrongpath.Image
}

// Syms returns the declared inputs as expressions, in declaration
// order.
func (p *Program) Syms() []expr.Expr {
	out := make([]expr.Expr, 0, len(p.Symbols))
	for _, s := range p.Symbols {
		out = append(out, expr.NewSym(s.Name, s.Width))
	}
	return out
}

// Document layout. Every statement is a single-key mapping naming its
// kind; fence and noop take an empty mapping.

type doc struct {
	Entry   uint64      `yaml:"entry"`
	Window  *uint64     `yaml:"window"`
	Symbols []symbolDoc `yaml:"symbols"`
	Blocks  []blockDoc  `yaml:"blocks"`
}

type symbolDoc struct {
	Name  string `yaml:"name"`
	Width uint   `yaml:"width"`
}

type blockDoc struct {
	Addr  uint64    `yaml:"addr"`
	Next  uint64    `yaml:"next"`
	Stmts []stmtDoc `yaml:"stmts"`
}

type stmtDoc struct {
	IMark *imarkDoc `yaml:"imark"`
	WrTmp *wrtmpDoc `yaml:"wrtmp"`
	Put   *putDoc   `yaml:"put"`
	Store *storeDoc `yaml:"store"`
	Exit  *exitDoc  `yaml:"exit"`
	Fence *struct{} `yaml:"fence"`
	NoOp  *struct{} `yaml:"noop"`
}

type imarkDoc struct {
	Addr  uint64 `yaml:"addr"`
	Len   int    `yaml:"len"`
	Delta int    `yaml:"delta"`
}

type wrtmpDoc struct {
	Name string   `yaml:"name"`
	Rhs  *exprDoc `yaml:"rhs"`
}

type putDoc struct {
	Offset int      `yaml:"offset"`
	Rhs    *exprDoc `yaml:"rhs"`
}

type storeDoc struct {
	Addr *exprDoc `yaml:"addr"`
	Val  *exprDoc `yaml:"val"`
}

type exitDoc struct {
	Guard  *exprDoc `yaml:"guard"`
	Target uint64   `yaml:"target"`
	Kind   string   `yaml:"kind"`
}

type exprDoc struct {
	Const *constDoc `yaml:"const"`
	Sym   string    `yaml:"sym"`
	Not   *exprDoc  `yaml:"not"`
	Bin   *binDoc   `yaml:"bin"`
}

type constDoc struct {
	Value any  `yaml:"value"`
	Width uint `yaml:"width"`
}

type binDoc struct {
	Op  string   `yaml:"op"`
	Lhs *exprDoc `yaml:"lhs"`
	Rhs *exprDoc `yaml:"rhs"`
}

// LoadFile loads a trace program from path.
func LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load loads a trace program from r.
func Load(r io.Reader) (*Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("trace: reading document: %w", err)
	}
	var d doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("trace: parsing document: %w", err)
	}
	return build(&d)
}

// build validates the document and assembles the image. Temporaries
// must be assigned before any reference, in listing order; widths are
// tracked so every expression checks out before execution sees it.
func build(d *doc) (*Program, error) {
	if d.Entry == 0 {
		return nil, fmt.Errorf("trace: entry address is required")
	}
	if len(d.Blocks) == 0 {
		return nil, fmt.Errorf("trace: no blocks defined")
	}

	widths := make(map[string]uint, len(d.Symbols))
	p := &Program{Entry: d.Entry, Window: d.Window}
	for i, s := range d.Symbols {
		if s.Name == "" {
			return nil, fmt.Errorf("trace: symbol %d: name is required", i)
		}
		if s.Width == 0 || s.Width > 256 {
			return nil, fmt.Errorf("trace: symbol %q: width %d out of range", s.Name, s.Width)
		}
		if _, dup := widths[s.Name]; dup {
			return nil, fmt.Errorf("trace: symbol %q declared twice", s.Name)
		}
		widths[s.Name] = s.Width
		p.Symbols = append(p.Symbols, Symbol{Name: s.Name, Width: s.Width})
	}

	blocks := make([]*wrongpath.Block, 0, len(d.Blocks))
	seen := make(map[uint64]bool, len(d.Blocks))
	for _, bd := range d.Blocks {
		if bd.Addr == 0 {
			return nil, fmt.Errorf("trace: block address is required")
		}
		if seen[bd.Addr] {
			return nil, fmt.Errorf("trace: block %#x defined twice", bd.Addr)
		}
		seen[bd.Addr] = true

		b := &wrongpath.Block{Addr: bd.Addr, Next: bd.Next}
		for i := range bd.Stmts {
			stmt, err := buildStmt(&bd.Stmts[i], widths)
			if err != nil {
				return nil, fmt.Errorf("trace: block %#x stmt %d: %w", bd.Addr, i, err)
			}
			b.Stmts = append(b.Stmts, stmt)
		}
		blocks = append(blocks, b)
	}

	if !seen[d.Entry] {
		return nil, fmt.Errorf("trace: entry block %#x is not defined", d.Entry)
	}
	p.Image = wrongpath.NewImage(blocks...)
	return p, nil
}

func buildStmt(sd *stmtDoc, widths map[string]uint) (wrongpath.Stmt, error) {
	var zero wrongpath.Stmt
	switch {
	case sd.IMark != nil:
		if sd.IMark.Addr == 0 {
			return zero, fmt.Errorf("imark: address is required")
		}
		if sd.IMark.Len <= 0 {
			return zero, fmt.Errorf("imark: length must be positive, got %d", sd.IMark.Len)
		}
		return wrongpath.IMark(sd.IMark.Addr, sd.IMark.Len, sd.IMark.Delta), nil

	case sd.WrTmp != nil:
		if sd.WrTmp.Name == "" {
			return zero, fmt.Errorf("wrtmp: name is required")
		}
		rhs, err := buildExpr(sd.WrTmp.Rhs, widths)
		if err != nil {
			return zero, fmt.Errorf("wrtmp %s: %w", sd.WrTmp.Name, err)
		}
		if w, ok := widths[sd.WrTmp.Name]; ok && w != rhs.Width() {
			return zero, fmt.Errorf("wrtmp %s: width %d conflicts with earlier %d", sd.WrTmp.Name, rhs.Width(), w)
		}
		widths[sd.WrTmp.Name] = rhs.Width()
		return wrongpath.WrTmp(sd.WrTmp.Name, rhs), nil

	case sd.Put != nil:
		if sd.Put.Offset < 0 {
			return zero, fmt.Errorf("put: offset must not be negative, got %d", sd.Put.Offset)
		}
		rhs, err := buildExpr(sd.Put.Rhs, widths)
		if err != nil {
			return zero, fmt.Errorf("put r%d: %w", sd.Put.Offset, err)
		}
		return wrongpath.Put(sd.Put.Offset, rhs), nil

	case sd.Store != nil:
		addr, err := buildExpr(sd.Store.Addr, widths)
		if err != nil {
			return zero, fmt.Errorf("store address: %w", err)
		}
		if addr.Width() > 64 {
			return zero, fmt.Errorf("store address: width %d exceeds 64", addr.Width())
		}
		val, err := buildExpr(sd.Store.Val, widths)
		if err != nil {
			return zero, fmt.Errorf("store value: %w", err)
		}
		return wrongpath.Store(addr, val), nil

	case sd.Exit != nil:
		guard, err := buildExpr(sd.Exit.Guard, widths)
		if err != nil {
			return zero, fmt.Errorf("exit guard: %w", err)
		}
		if guard.Width() != 1 {
			return zero, fmt.Errorf("exit guard: width %d, want 1", guard.Width())
		}
		if sd.Exit.Target == 0 {
			return zero, fmt.Errorf("exit: target is required")
		}
		kind, err := wrongpath.ParseTransferKind(sd.Exit.Kind)
		if err != nil {
			return zero, fmt.Errorf("exit: %w", err)
		}
		return wrongpath.Exit(guard, sd.Exit.Target, kind), nil

	case sd.Fence != nil:
		return wrongpath.Fence(), nil

	case sd.NoOp != nil:
		return wrongpath.NoOp(), nil
	}
	return zero, fmt.Errorf("statement kind is missing")
}

func buildExpr(ed *exprDoc, widths map[string]uint) (expr.Expr, error) {
	if ed == nil {
		return nil, fmt.Errorf("expression is required")
	}
	switch {
	case ed.Const != nil:
		if ed.Const.Width == 0 || ed.Const.Width > 256 {
			return nil, fmt.Errorf("const: width %d out of range", ed.Const.Width)
		}
		v, err := parseValue(ed.Const.Value)
		if err != nil {
			return nil, fmt.Errorf("const: %w", err)
		}
		return expr.NewConst(v, ed.Const.Width), nil

	case ed.Sym != "":
		w, ok := widths[ed.Sym]
		if !ok {
			return nil, fmt.Errorf("undefined symbol %q", ed.Sym)
		}
		return expr.NewSym(ed.Sym, w), nil

	case ed.Not != nil:
		x, err := buildExpr(ed.Not, widths)
		if err != nil {
			return nil, err
		}
		if x.Width() != 1 {
			return nil, fmt.Errorf("not: operand width %d, want 1", x.Width())
		}
		return expr.Not(x), nil

	case ed.Bin != nil:
		op, err := expr.ParseOp(ed.Bin.Op)
		if err != nil {
			return nil, err
		}
		lhs, err := buildExpr(ed.Bin.Lhs, widths)
		if err != nil {
			return nil, err
		}
		rhs, err := buildExpr(ed.Bin.Rhs, widths)
		if err != nil {
			return nil, err
		}
		if lhs.Width() != rhs.Width() {
			return nil, fmt.Errorf("%s: operand widths differ (%d vs %d)", ed.Bin.Op, lhs.Width(), rhs.Width())
		}
		return expr.NewBin(op, lhs, rhs), nil
	}
	return nil, fmt.Errorf("expression kind is missing")
}

// parseValue accepts YAML integers and decimal or 0x-prefixed strings
// for values wider than 64 bits.
func parseValue(v any) (*uint256.Int, error) {
	switch t := v.(type) {
	case int:
		if t < 0 {
			return nil, fmt.Errorf("value must not be negative, got %d", t)
		}
		return uint256.NewInt(uint64(t)), nil
	case int64:
		if t < 0 {
			return nil, fmt.Errorf("value must not be negative, got %d", t)
		}
		return uint256.NewInt(uint64(t)), nil
	case uint64:
		return uint256.NewInt(t), nil
	case string:
		if len(t) > 2 && t[0] == '0' && (t[1] == 'x' || t[1] == 'X') {
			z, err := uint256.FromHex(t)
			if err != nil {
				return nil, fmt.Errorf("bad hex value %q: %w", t, err)
			}
			return z, nil
		}
		z := new(uint256.Int)
		if err := z.SetFromDecimal(t); err != nil {
			return nil, fmt.Errorf("bad decimal value %q: %w", t, err)
		}
		return z, nil
	case nil:
		return nil, fmt.Errorf("value is required")
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}
