package propose

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffContextLines = 3

// lineOp is one unified-diff line with its 0-based position on each
// side; -1 marks the side the line does not exist on.
type lineOp struct {
	kind    byte // ' ', '-' or '+'
	oldLine int
	newLine int
	text    string
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	ops                []lineOp
}

// UnifiedDiff renders a git-appliable unified diff between two
// versions of the file at rel. Identical inputs yield the empty
// string.
func UnifiedDiff(rel, oldText, newText string) string {
	if oldText == newText {
		return ""
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	hunks := groupHunks(lineOps(diffs), diffContextLines)
	if len(hunks) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", rel, rel)
	for _, h := range hunks {
		sb.WriteString("@@ -")
		sb.WriteString(rangeMark(h.oldStart, h.oldCount))
		sb.WriteString(" +")
		sb.WriteString(rangeMark(h.newStart, h.newCount))
		sb.WriteString(" @@\n")
		for _, op := range h.ops {
			sb.WriteByte(op.kind)
			sb.WriteString(op.text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// rangeMark formats one side of a hunk header, eliding the count when
// it is exactly one line.
func rangeMark(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// lineOps flattens line-mode diffs into per-line operations carrying
// running line counters for both sides.
func lineOps(diffs []diffmatchpatch.Diff) []lineOp {
	var ops []lineOp
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		lines := strings.Split(d.Text, "\n")
		// A chunk ending in a newline splits into a trailing empty
		// element that is not a line of its own.
		if lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, text := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, lineOp{kind: ' ', oldLine: oldLine, newLine: newLine, text: text})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, lineOp{kind: '-', oldLine: oldLine, newLine: -1, text: text})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, lineOp{kind: '+', oldLine: -1, newLine: newLine, text: text})
				newLine++
			}
		}
	}
	return ops
}

// groupHunks clusters changed lines into hunks carrying up to ctx
// unchanged lines on each flank. Changes separated by more than 2*ctx
// unchanged lines land in distinct hunks, so ranges never overlap and
// git can apply them independently.
func groupHunks(ops []lineOp, ctx int) []hunk {
	var hunks []hunk
	var cur *hunk
	sinceChange := 0

	for i, op := range ops {
		if op.kind == ' ' {
			if cur != nil {
				cur.ops = append(cur.ops, op)
				sinceChange++
				if sinceChange > 2*ctx {
					cur.ops = cur.ops[:len(cur.ops)-(sinceChange-ctx)]
					hunks = append(hunks, sealed(*cur))
					cur = nil
				}
			}
			continue
		}

		if cur == nil {
			cur = &hunk{}
			start := i - ctx
			if start < 0 {
				start = 0
			}
			cur.ops = append(cur.ops, ops[start:i]...)
		}
		cur.ops = append(cur.ops, op)
		sinceChange = 0
	}

	if cur != nil {
		if sinceChange > ctx {
			cur.ops = cur.ops[:len(cur.ops)-(sinceChange-ctx)]
		}
		hunks = append(hunks, sealed(*cur))
	}
	return hunks
}

// sealed fills in the header ranges from the finished op list. A side
// with no surviving lines reports start 0 count 0.
func sealed(h hunk) hunk {
	for _, op := range h.ops {
		if op.oldLine >= 0 {
			h.oldStart = op.oldLine + 1
			break
		}
	}
	for _, op := range h.ops {
		if op.newLine >= 0 {
			h.newStart = op.newLine + 1
			break
		}
	}
	for _, op := range h.ops {
		switch op.kind {
		case ' ':
			h.oldCount++
			h.newCount++
		case '-':
			h.oldCount++
		case '+':
			h.newCount++
		}
	}
	return h
}
