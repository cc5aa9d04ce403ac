// Package delta implements the text delta engine: computing a diff between
// two snapshots as an ordered list of operations, applying such a list to a
// snapshot, and merging two independently produced lists.
//
// The diff is a single-contiguous-region replacement built from the longest
// common prefix and suffix, not a minimal multi-hunk edit script. Positions
// and lengths are in Unicode code points.
package delta

import (
	"fmt"
	"sort"
	"time"
)

// Op identifies a delta operation kind
type Op string

const (
	// OpRetain leaves a span of the original text untouched
	OpRetain Op = "retain"
	// OpDelete removes a span of the original text
	OpDelete Op = "delete"
	// OpInsert adds new text at a position
	OpInsert Op = "insert"
)

// Delta is one atomic edit operation with position and payload
type Delta struct {
	Op        Op     `json:"operation"`
	Position  int    `json:"position"`
	Length    int    `json:"length,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Origin    string `json:"originConnectionId,omitempty"`
}

// Diff computes the deltas transforming old into new. Applying the result
// to old yields exactly new. Equal inputs produce an empty list.
func Diff(old, new string) []Delta {
	if old == new {
		return nil
	}

	oldRunes := []rune(old)
	newRunes := []rune(new)
	oldLen := len(oldRunes)
	newLen := len(newRunes)

	// Longest common prefix.
	prefix := 0
	for prefix < oldLen && prefix < newLen && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}

	// Longest common suffix, bounded so it never overlaps the prefix.
	maxSuffix := min(oldLen, newLen) - prefix
	suffix := 0
	for suffix < maxSuffix && oldRunes[oldLen-1-suffix] == newRunes[newLen-1-suffix] {
		suffix++
	}

	now := time.Now().UnixMilli()
	deltas := make([]Delta, 0, 4)

	if prefix > 0 {
		deltas = append(deltas, Delta{Op: OpRetain, Position: 0, Length: prefix, Timestamp: now})
	}
	if deleted := oldLen - prefix - suffix; deleted > 0 {
		deltas = append(deltas, Delta{Op: OpDelete, Position: prefix, Length: deleted, Timestamp: now})
	}
	inserted := string(newRunes[prefix : newLen-suffix])
	if inserted != "" {
		deltas = append(deltas, Delta{Op: OpInsert, Position: prefix, Text: inserted, Timestamp: now})
	}
	if suffix > 0 {
		deltas = append(deltas, Delta{Op: OpRetain, Position: prefix + len([]rune(inserted)), Length: suffix, Timestamp: now})
	}

	return deltas
}

// Tag stamps every delta with the originating connection identifier
func Tag(deltas []Delta, origin string) []Delta {
	for i := range deltas {
		deltas[i].Origin = origin
	}
	return deltas
}

// Apply transforms text by processing deltas in the order given. Delta
// positions refer to the original snapshot and must be non-decreasing;
// a position shift from earlier mutations is only applied to deltas at
// strictly greater positions, so a delete and insert at the same position
// replace a span in place.
func Apply(text string, deltas []Delta) (string, error) {
	doc := []rune(text)

	committed := 0 // net shift from mutations at strictly smaller positions
	pending := 0   // net shift from mutations at pendingPos, not yet committed
	pendingPos := -1

	for i, d := range deltas {
		if d.Position < pendingPos {
			return "", fmt.Errorf("delta %d out of order: position %d after %d", i, d.Position, pendingPos)
		}
		if d.Position > pendingPos {
			committed += pending
			pending = 0
			pendingPos = d.Position
		}

		switch d.Op {
		case OpRetain:
			if d.Length < 0 {
				return "", fmt.Errorf("delta %d: negative retain length %d", i, d.Length)
			}

		case OpDelete:
			if d.Length <= 0 {
				return "", fmt.Errorf("delta %d: delete length must be positive, got %d", i, d.Length)
			}
			at := d.Position + committed
			if at < 0 || at+d.Length > len(doc) {
				return "", fmt.Errorf("delta %d: delete [%d,%d) out of bounds for length %d", i, at, at+d.Length, len(doc))
			}
			doc = append(doc[:at], doc[at+d.Length:]...)
			pending -= d.Length

		case OpInsert:
			if d.Text == "" {
				return "", fmt.Errorf("delta %d: insert requires non-empty text", i)
			}
			at := d.Position + committed
			if at < 0 || at > len(doc) {
				return "", fmt.Errorf("delta %d: insert at %d out of bounds for length %d", i, at, len(doc))
			}
			ins := []rune(d.Text)
			doc = append(doc[:at], append(append([]rune(nil), ins...), doc[at:]...)...)
			pending += len(ins)

		default:
			return "", fmt.Errorf("delta %d: unknown operation %q", i, d.Op)
		}
	}

	return string(doc), nil
}

// sizeOf is the net length change a delta causes
func sizeOf(d Delta) int {
	switch d.Op {
	case OpInsert:
		return len([]rune(d.Text))
	case OpDelete:
		return -d.Length
	default:
		return 0
	}
}

// Merge interleaves two independently produced delta lists by timestamp.
// Each emitted delta's position is shifted by the length changes the other
// side has already contributed, so later deltas land where the combined
// document expects them.
//
// This is a best-effort reconciliation, not an operational-transform
// result: under overlapping concurrent edits the offset bookkeeping can
// place operations incorrectly. Callers must treat the output as a
// heuristic convergence aid only.
func Merge(a, b []Delta) []Delta {
	type tagged struct {
		d    Delta
		side int // 0 = a, 1 = b
	}

	merged := make([]tagged, 0, len(a)+len(b))
	for _, d := range a {
		merged = append(merged, tagged{d: d, side: 0})
	}
	for _, d := range b {
		merged = append(merged, tagged{d: d, side: 1})
	}

	// Stable keeps same-side relative order for equal timestamps.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].d.Timestamp < merged[j].d.Timestamp
	})

	var offsets [2]int
	out := make([]Delta, 0, len(merged))
	for _, t := range merged {
		d := t.d
		d.Position += offsets[t.side]
		if d.Position < 0 {
			d.Position = 0
		}
		out = append(out, d)
		offsets[1-t.side] += sizeOf(t.d)
	}

	return out
}
