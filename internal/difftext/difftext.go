// Package difftext renders unified text diffs for clush --diff: one
// node's gathered output against the "majority" output shared by the
// largest group of nodes. Grounded on the teacher's top-level diff
// package (diff/unified.go, diff/hunk.go), generalized from
// tree-of-blocks diffing to the flat line-buffer diffing clush needs,
// and rebuilt around github.com/andreyvit/diff's line-diff algorithm
// the same way the teacher does.
package difftext

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andreyvit/diff"

	"github.com/cea-hpc/clustershell-go/internal/msgtree"
)

// DefaultContextLines matches GNU diff's default of three lines of
// unified context.
const DefaultContextLines = 3

// Unified returns a and b rendered as a unified diff with the given
// number of context lines. Returns "" if a and b are identical.
func Unified(a, b string, contextLines int) (string, error) {
	var buf bytes.Buffer
	if err := UnifiedTo(&buf, a, b, contextLines); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// UnifiedTo writes the unified diff of a and b to w.
func UnifiedTo(w io.Writer, a, b string, contextLines int) error {
	if a == b {
		return nil
	}
	lines := diff.LineDiffAsLines(a, b)
	if len(lines) == 0 {
		return nil
	}
	return render(w, lines, contextLines)
}

// Majority picks the entry covering the most nodes from a MsgTree
// Walk() result -- the output clush treats as "the normal case" -- and
// returns it plus the remaining entries, each of which clush --diff
// shows a diff against.
func Majority(entries []msgtree.Entry) (majority msgtree.Entry, rest []msgtree.Entry) {
	if len(entries) == 0 {
		return msgtree.Entry{}, nil
	}
	best := 0
	for i, e := range entries {
		if len(e.Keys) > len(entries[best].Keys) {
			best = i
		}
		_ = i
	}
	majority = entries[best]
	for i, e := range entries {
		if i != best {
			rest = append(rest, e)
		}
	}
	return majority, rest
}

func render(w io.Writer, lines []string, contextLines int) error {
	var current *chunk
	context := newContextBuffer(contextLines)

	if looksBinary(lines) {
		_, err := fmt.Fprintln(w, "Binary files differ")
		return err
	}

	var leftOffset, rightOffset int
	for _, line := range lines {
		switch line[0] {
		case ' ':
			if current != nil {
				current.addCommon(line)
				if current.saturated() {
					for _, l := range current.trimTrailingContext() {
						context.push(l)
					}
					if err := current.writeTo(w); err != nil {
						return err
					}
					current = nil
				}
			} else {
				context.push(line)
			}
		case '-':
			if current == nil {
				current = newChunk(leftOffset, rightOffset, context.drain(), contextLines)
			}
			current.addLeft(line)
		default:
			if current == nil {
				current = newChunk(leftOffset, rightOffset, context.drain(), contextLines)
			}
			current.addRight(line)
		}
		switch line[0] {
		case '-':
			leftOffset++
		case ' ':
			leftOffset++
			rightOffset++
		case '+':
			rightOffset++
		}
	}
	if current != nil {
		current.trimTrailingContext()
		return current.writeTo(w)
	}
	return nil
}

const binarySniffBytes = 1 << 16

func looksBinary(lines []string) bool {
	count := 0
	for _, line := range lines {
		if strings.Contains(line, "\x00") {
			return true
		}
		count += len(line)
		if count >= binarySniffBytes {
			break
		}
	}
	return false
}
