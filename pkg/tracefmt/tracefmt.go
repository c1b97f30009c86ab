// Package tracefmt renders trace programs as aligned, optionally
// colored listings for terminals.
package tracefmt

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"wrongpath"
)

// Cfg controls listing output.
type Cfg struct {
	// Color wraps addresses and statement kinds in ANSI colors.
	Color bool
}

const (
	ansiReset  = "\x1b[0m"
	ansiCyan   = "\x1b[36m"
	ansiYellow = "\x1b[33m"
)

func paint(s, color string, on bool) string {
	if !on {
		return s
	}
	return color + s + ansiReset
}

// FormatImage renders every block of im in address order.
func FormatImage(im *wrongpath.Image, cfg Cfg) string {
	var b strings.Builder
	for i, blk := range im.Blocks() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(FormatBlock(blk, cfg))
	}
	return b.String()
}

// FormatBlock renders one block. Statement kinds and assignment
// targets are padded into columns; widths are measured with
// runewidth so listings stay aligned when symbol names use wide
// runes.
func FormatBlock(blk *wrongpath.Block, cfg Cfg) string {
	var b strings.Builder
	b.WriteString("block ")
	b.WriteString(paint(fmt.Sprintf("%#x", blk.Addr), ansiCyan, cfg.Color))
	if blk.Next == 0 {
		b.WriteString(" -> halt")
	} else {
		b.WriteString(" -> ")
		b.WriteString(paint(fmt.Sprintf("%#x", blk.Next), ansiCyan, cfg.Color))
	}
	b.WriteByte('\n')

	kindW, targetW := 0, 0
	for i := range blk.Stmts {
		if w := runewidth.StringWidth(blk.Stmts[i].Kind.String()); w > kindW {
			kindW = w
		}
		if t := target(&blk.Stmts[i]); t != "" {
			if w := runewidth.StringWidth(t); w > targetW {
				targetW = w
			}
		}
	}

	for i := range blk.Stmts {
		stmt := &blk.Stmts[i]
		b.WriteString(fmt.Sprintf("%4d  ", i))
		b.WriteString(paint(runewidth.FillRight(stmt.Kind.String(), kindW), ansiYellow, cfg.Color))
		if ops := operands(stmt, targetW, cfg); ops != "" {
			b.WriteString("  ")
			b.WriteString(ops)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// target is the assignment destination of a statement, empty when the
// statement assigns nothing.
func target(s *wrongpath.Stmt) string {
	switch s.Kind {
	case wrongpath.StmtWrTmp:
		return s.Name
	case wrongpath.StmtPut:
		return fmt.Sprintf("r%d", s.Offset)
	case wrongpath.StmtStore:
		return fmt.Sprintf("[%s]", s.Dst)
	}
	return ""
}

func operands(s *wrongpath.Stmt, targetW int, cfg Cfg) string {
	switch s.Kind {
	case wrongpath.StmtIMark:
		out := fmt.Sprintf("%s len=%d", paint(fmt.Sprintf("%#x", s.Addr), ansiCyan, cfg.Color), s.Len)
		if s.Delta != 0 {
			out += fmt.Sprintf(" delta=%d", s.Delta)
		}
		return out
	case wrongpath.StmtWrTmp:
		return fmt.Sprintf("%s = %s", runewidth.FillRight(s.Name, targetW), s.Rhs)
	case wrongpath.StmtPut:
		return fmt.Sprintf("%s = %s", runewidth.FillRight(fmt.Sprintf("r%d", s.Offset), targetW), s.Rhs)
	case wrongpath.StmtStore:
		return fmt.Sprintf("%s = %s", runewidth.FillRight(fmt.Sprintf("[%s]", s.Dst), targetW), s.Val)
	case wrongpath.StmtExit:
		return fmt.Sprintf("if %s goto %s (%s)", s.Guard,
			paint(fmt.Sprintf("%#x", s.Target), ansiCyan, cfg.Color), s.Jump)
	}
	return ""
}
