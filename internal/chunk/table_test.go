package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdb/meshdb/internal/transport"
)

var (
	owner1 = transport.NodeID{Host: "db-1", Port: 5000}
	owner2 = transport.NodeID{Host: "db-2", Port: 5001}
)

func TestSplit(t *testing.T) {
	t.Run("replaces the chunk with two halves", func(t *testing.T) {
		table := NewFullRange(owner1)

		require.True(t, table.Split(Start(), End(), Value("m"), owner2))

		chunks := table.Snapshot()
		require.Len(t, chunks, 2)
		assert.Contains(t, chunks, Chunk{Start: Start(), End: Value("m"), Owner: owner2})
		assert.Contains(t, chunks, Chunk{Start: Value("m"), End: End(), Owner: owner2})
	})

	t.Run("no exact match leaves the table untouched", func(t *testing.T) {
		table := NewFullRange(owner1)

		assert.False(t, table.Split(Start(), Value("q"), Value("m"), owner2))
		assert.Equal(t, []Chunk{{Start: Start(), End: End(), Owner: owner1}}, table.Snapshot())
	})

	t.Run("split point is not validated", func(t *testing.T) {
		// The caller owns marker ordering; an out-of-range split point
		// still replaces the chunk.
		table := NewTable()
		table.chunks = append(table.chunks, Chunk{Start: Value("a"), End: Value("b"), Owner: owner1})

		assert.True(t, table.Split(Value("a"), Value("b"), Value("z"), owner2))
		assert.Equal(t, 2, table.Len())
	})
}

func TestJoin(t *testing.T) {
	setup := func() *Table {
		table := NewFullRange(owner1)
		require.True(t, table.Split(Start(), End(), Value("m"), owner1))
		return table
	}

	t.Run("merges adjacent chunks", func(t *testing.T) {
		table := setup()

		require.True(t, table.Join(Start(), Value("m"), Value("m"), End(), owner2))
		assert.Equal(t, []Chunk{{Start: Start(), End: End(), Owner: owner2}}, table.Snapshot())
	})

	t.Run("is the left-inverse of split", func(t *testing.T) {
		table := NewFullRange(owner1)

		require.True(t, table.Split(Start(), End(), Value("k"), owner1))
		require.True(t, table.Join(Start(), Value("k"), Value("k"), End(), owner1))

		assert.Equal(t, []Chunk{{Start: Start(), End: End(), Owner: owner1}}, table.Snapshot())
	})

	t.Run("first chunk missing is a no-op", func(t *testing.T) {
		table := setup()
		before := table.Snapshot()

		assert.False(t, table.Join(Value("x"), Value("m"), Value("m"), End(), owner2))
		assert.Equal(t, before, table.Snapshot())
	})

	t.Run("second chunk missing is a no-op", func(t *testing.T) {
		table := setup()
		before := table.Snapshot()

		assert.False(t, table.Join(Start(), Value("m"), Value("m"), Value("x"), owner2))
		assert.Equal(t, before, table.Snapshot())
	})
}

func TestUpdateOwner(t *testing.T) {
	table := NewFullRange(owner1)

	t.Run("replaces in place", func(t *testing.T) {
		assert.True(t, table.UpdateOwner(Start(), End(), owner2))
		assert.Equal(t, owner2, table.Snapshot()[0].Owner)
	})

	t.Run("missing endpoints", func(t *testing.T) {
		assert.False(t, table.UpdateOwner(Value("a"), Value("b"), owner1))
	})
}

func TestReassignOwner(t *testing.T) {
	table := NewFullRange(owner1)
	require.True(t, table.Split(Start(), End(), Value("m"), owner2))
	require.True(t, table.UpdateOwner(Start(), Value("m"), owner1))

	assert.Equal(t, 1, table.ReassignOwner(owner2, owner1))
	for _, c := range table.Snapshot() {
		assert.Equal(t, owner1, c.Owner)
	}
	assert.Equal(t, 0, table.ReassignOwner(owner2, owner1))
}

func TestMarkers(t *testing.T) {
	assert.Equal(t, MarkerStart, Start().Kind())
	assert.Equal(t, MarkerEnd, End().Kind())
	assert.Equal(t, MarkerValue, Value("k").Kind())
	assert.Equal(t, "k", Value("k").Key())

	t.Run("value markers compare on the key", func(t *testing.T) {
		assert.Equal(t, Value("k"), Value("k"))
		assert.NotEqual(t, Value("k"), Value("j"))
		assert.NotEqual(t, Start(), End())
		assert.NotEqual(t, Start(), Value(""))
	})
}
