package chunk

import (
	"fmt"
	"sync"

	"github.com/meshdb/meshdb/internal/transport"
)

// MarkerKind tags the three endpoint variants.
type MarkerKind int

const (
	// MarkerStart is the open lower bound of the whole key axis.
	MarkerStart MarkerKind = iota
	// MarkerEnd is the open upper bound of the whole key axis.
	MarkerEnd
	// MarkerValue is a concrete key used as a split point.
	MarkerValue
)

// Marker is one open endpoint of a chunk: Start, End, or a concrete key.
type Marker struct {
	kind  MarkerKind
	value string
}

// Start returns the axis-start marker.
func Start() Marker { return Marker{kind: MarkerStart} }

// End returns the axis-end marker.
func End() Marker { return Marker{kind: MarkerEnd} }

// Value returns a marker for a concrete key.
func Value(key string) Marker { return Marker{kind: MarkerValue, value: key} }

// Kind returns the marker's variant tag.
func (m Marker) Kind() MarkerKind { return m.kind }

// Key returns the concrete key of a Value marker.
func (m Marker) Key() string { return m.value }

// String renders the marker for logs.
func (m Marker) String() string {
	switch m.kind {
	case MarkerStart:
		return "<start>"
	case MarkerEnd:
		return "<end>"
	default:
		return fmt.Sprintf("%q", m.value)
	}
}

// Chunk is a half-open interval on the key axis with an owning node. The
// caller owns the contract that markers are well-ordered; the table only
// matches endpoints exactly.
type Chunk struct {
	Start Marker
	End   Marker
	Owner transport.NodeID
}

// Table is the in-memory chunk lookup table. All mutators run under a
// single writer lock.
type Table struct {
	mu     sync.Mutex
	chunks []Chunk
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// NewFullRange creates a table holding the entire key axis as one chunk
// owned by the given node.
func NewFullRange(owner transport.NodeID) *Table {
	t := NewTable()
	t.chunks = append(t.chunks, Chunk{Start: Start(), End: End(), Owner: owner})
	return t
}

func (t *Table) find(start, end Marker) int {
	for i, c := range t.chunks {
		if c.Start == start && c.End == end {
			return i
		}
	}
	return -1
}

// Split replaces the chunk with endpoints (start, end) by two chunks split
// at mid, both owned by newOwner. Returns false without modification when no
// chunk matches exactly. The split point is not validated against
// well-ordering; the caller owns that.
func (t *Table) Split(start, end, mid Marker, newOwner transport.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.find(start, end)
	if i < 0 {
		return false
	}

	t.chunks = append(t.chunks[:i], t.chunks[i+1:]...)
	t.chunks = append(t.chunks,
		Chunk{Start: start, End: mid, Owner: newOwner},
		Chunk{Start: mid, End: end, Owner: newOwner},
	)
	return true
}

// Join merges the chunks (start1, end1) and (start2, end2) into a single
// chunk (start1, end2) owned by newOwner. Both chunks must match exactly;
// otherwise the table is untouched and false is returned.
func (t *Table) Join(start1, end1, start2, end2 Marker, newOwner transport.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.find(start1, end1)
	if i < 0 {
		return false
	}
	j := t.find(start2, end2)
	if j < 0 {
		return false
	}

	// Remove the higher index first so the lower stays valid.
	if i < j {
		i, j = j, i
	}
	t.chunks = append(t.chunks[:i], t.chunks[i+1:]...)
	t.chunks = append(t.chunks[:j], t.chunks[j+1:]...)
	t.chunks = append(t.chunks, Chunk{Start: start1, End: end2, Owner: newOwner})
	return true
}

// UpdateOwner replaces the owner of the chunk with the given endpoints,
// returning whether it was found.
func (t *Table) UpdateOwner(start, end Marker, newOwner transport.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.find(start, end)
	if i < 0 {
		return false
	}
	t.chunks[i].Owner = newOwner
	return true
}

// ReassignOwner moves every chunk owned by from to to, returning how many
// chunks changed hands. The leader uses it to absorb a dead peer's ranges.
func (t *Table) ReassignOwner(from, to transport.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for i := range t.chunks {
		if t.chunks[i].Owner == from {
			t.chunks[i].Owner = to
			count++
		}
	}
	return count
}

// Snapshot returns a copy of the table's chunks.
func (t *Table) Snapshot() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// Len returns the number of chunks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}
