package conflict

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op is the kind of a diff operation.
type Op int

// Diff operations, relative to the left (winning) revision.
const (
	OpEqual Op = iota
	OpDelete
	OpInsert
)

func (o Op) String() string {
	switch o {
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	default:
		return "equal"
	}
}

// DiffOp is one run of lines.
type DiffOp struct {
	Op   Op
	Text string
}

// lineDiff diffs a against b line by line.
func lineDiff(a, b string) []DiffOp {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	ops := make([]DiffOp, 0, len(diffs))
	for _, d := range diffs {
		op := OpEqual
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = OpDelete
		case diffmatchpatch.DiffInsert:
			op = OpInsert
		}
		ops = append(ops, DiffOp{Op: op, Text: d.Text})
	}
	return ops
}

// concat keeps every line of both sides in diff order, so edits from both
// revisions survive.
func concat(ops []DiffOp) string {
	var b strings.Builder
	for _, op := range ops {
		b.WriteString(op.Text)
	}
	return b.String()
}

// Unified renders ops with "+", "-" and " " line prefixes.
func Unified(ops []DiffOp) string {
	var b strings.Builder
	for _, op := range ops {
		prefix := " "
		switch op.Op {
		case OpDelete:
			prefix = "-"
		case OpInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(op.Text, "\n") {
			if line == "" {
				continue
			}
			b.WriteString(prefix)
			b.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
