package wrongpath

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"wrongpath/expr"
)

// StmtKind discriminates the statement forms the engine interprets.
// Anything outside this set is unsupported and either fails the path
// or is bypassed, depending on options.
type StmtKind int

const (
	StmtNoOp StmtKind = iota
	StmtIMark
	StmtWrTmp
	StmtPut
	StmtStore
	StmtExit
	StmtFence
)

func (k StmtKind) String() string {
	switch k {
	case StmtNoOp:
		return "noop"
	case StmtIMark:
		return "imark"
	case StmtWrTmp:
		return "wrtmp"
	case StmtPut:
		return "put"
	case StmtStore:
		return "store"
	case StmtExit:
		return "exit"
	case StmtFence:
		return "fence"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// TransferKind classifies a control transfer.
type TransferKind int

const (
	TransferJump TransferKind = iota
	TransferCall
	TransferReturn
)

func (k TransferKind) String() string {
	switch k {
	case TransferJump:
		return "jump"
	case TransferCall:
		return "call"
	case TransferReturn:
		return "return"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseTransferKind maps a transfer name to its TransferKind.
func ParseTransferKind(s string) (TransferKind, error) {
	switch s {
	case "jump", "":
		return TransferJump, nil
	case "call":
		return TransferCall, nil
	case "return":
		return TransferReturn, nil
	}
	return 0, fmt.Errorf("wrongpath: unknown transfer kind %q", s)
}

// Stmt is one statement of a fetch unit. Which fields are meaningful
// depends on Kind; the constructors below set exactly the right ones.
type Stmt struct {
	Kind StmtKind

	// Instruction marks.
	Addr  uint64
	Len   int
	Delta int

	// Assignments.
	Name   string
	Offset int
	Rhs    expr.Expr

	// Stores.
	Dst expr.Expr
	Val expr.Expr

	// Conditional exits.
	Guard  expr.Expr
	Target uint64
	Jump   TransferKind
}

// IMark marks the start of an instruction occupying [addr, addr+len).
// delta shifts the decoded address without moving the bytes.
func IMark(addr uint64, length, delta int) Stmt {
	return Stmt{Kind: StmtIMark, Addr: addr, Len: length, Delta: delta}
}

// WrTmp assigns rhs to the temporary named name.
func WrTmp(name string, rhs expr.Expr) Stmt {
	return Stmt{Kind: StmtWrTmp, Name: name, Rhs: rhs}
}

// Put assigns rhs to the register at offset.
func Put(offset int, rhs expr.Expr) Stmt {
	return Stmt{Kind: StmtPut, Offset: offset, Rhs: rhs}
}

// Store writes val to the address dst evaluates to.
func Store(dst, val expr.Expr) Stmt {
	return Stmt{Kind: StmtStore, Dst: dst, Val: val}
}

// Exit transfers to target when guard holds.
func Exit(guard expr.Expr, target uint64, kind TransferKind) Stmt {
	return Stmt{Kind: StmtExit, Guard: guard, Target: target, Jump: kind}
}

// Fence is a speculation barrier.
func Fence() Stmt {
	return Stmt{Kind: StmtFence}
}

// NoOp does nothing.
func NoOp() Stmt {
	return Stmt{Kind: StmtNoOp}
}

func (s Stmt) String() string {
	switch s.Kind {
	case StmtIMark:
		return fmt.Sprintf("imark %#x %d", s.Addr, s.Len)
	case StmtWrTmp:
		return fmt.Sprintf("%s = %s", s.Name, s.Rhs)
	case StmtPut:
		return fmt.Sprintf("r%d = %s", s.Offset, s.Rhs)
	case StmtStore:
		return fmt.Sprintf("store [%s] = %s", s.Dst, s.Val)
	case StmtExit:
		return fmt.Sprintf("if %s goto %#x (%s)", s.Guard, s.Target, s.Jump)
	default:
		return s.Kind.String()
	}
}

// Block is a fetch unit: a straight-line statement sequence with one
// fall-through target. Next of zero halts the path at block end.
type Block struct {
	Addr  uint64
	Stmts []Stmt
	Next  uint64
}

// Program resolves fetch units by address.
type Program interface {
	BlockAt(addr uint64) (*Block, bool)
}

// Image is an in-memory program: a fixed set of blocks keyed by
// address.
type Image struct {
	blocks map[uint64]*Block
}

// NewImage builds an image from blocks. Later duplicates win.
func NewImage(blocks ...*Block) *Image {
	im := &Image{blocks: make(map[uint64]*Block, len(blocks))}
	for _, b := range blocks {
		im.Add(b)
	}
	return im
}

// Add inserts or replaces the block at b.Addr.
func (im *Image) Add(b *Block) {
	im.blocks[b.Addr] = b
}

// BlockAt implements Program.
func (im *Image) BlockAt(addr uint64) (*Block, bool) {
	b, ok := im.blocks[addr]
	return b, ok
}

// Blocks returns the image's blocks in address order.
func (im *Image) Blocks() []*Block {
	out := make([]*Block, 0, len(im.blocks))
	for _, b := range im.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// DecodeCache memoizes fetch units from an underlying program. When
// speculative stores land on instruction bytes, the stale entry is
// invalidated and the next fetch decodes again.
type DecodeCache struct {
	src Program

	mu    sync.Mutex
	cache map[uint64]*Block
}

// NewDecodeCache wraps src.
func NewDecodeCache(src Program) *DecodeCache {
	return &DecodeCache{
		src:   src,
		cache: make(map[uint64]*Block),
	}
}

// BlockAt implements Program, serving from cache when possible.
func (c *DecodeCache) BlockAt(addr uint64) (*Block, bool) {
	c.mu.Lock()
	if b, ok := c.cache[addr]; ok {
		c.mu.Unlock()
		return b, true
	}
	c.mu.Unlock()

	b, ok := c.src.BlockAt(addr)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.cache[addr] = b
	c.mu.Unlock()
	return b, true
}

// Invalidate drops the cached unit at addr, if any.
func (c *DecodeCache) Invalidate(addr uint64) {
	c.mu.Lock()
	delete(c.cache, addr)
	c.mu.Unlock()
}
