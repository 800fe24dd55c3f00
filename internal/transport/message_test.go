package transport

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdb/meshdb/internal/document"
)

func TestIDGenerator(t *testing.T) {
	t.Run("monotone and non-zero", func(t *testing.T) {
		var g idGenerator
		prev := uint32(0)
		for i := 0; i < 1000; i++ {
			id := g.Next()
			assert.NotZero(t, id)
			assert.Greater(t, id, prev)
			prev = id
		}
	})

	t.Run("skips zero on wrap", func(t *testing.T) {
		var g idGenerator
		g.last.Store(^uint32(0) - 1)

		assert.Equal(t, ^uint32(0), g.Next())
		assert.Equal(t, uint32(1), g.Next())
	})

	t.Run("unique under concurrency", func(t *testing.T) {
		var g idGenerator
		const workers = 8
		const perWorker = 500

		var mu sync.Mutex
		seen := make(map[uint32]struct{}, workers*perWorker)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids := make([]uint32, 0, perWorker)
				for i := 0; i < perWorker; i++ {
					ids = append(ids, g.Next())
				}
				mu.Lock()
				for _, id := range ids {
					seen[id] = struct{}{}
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, seen, workers*perWorker)
	})
}

func TestMessageLifecycle(t *testing.T) {
	to := NodeID{Host: "db-1", Port: 5000}

	t.Run("created is not done", func(t *testing.T) {
		m := NewMessage(KindHeartbeat, nil, to)
		assert.Equal(t, StatusCreated, m.Status())
		assert.False(t, m.Done())
		assert.False(t, m.Succeeded())
	})

	t.Run("sent is terminal success for one-way messages", func(t *testing.T) {
		m := NewMessage(KindHeartbeat, nil, to)
		m.setStatus(StatusSent)
		assert.True(t, m.Done())
		assert.True(t, m.Succeeded())
	})

	t.Run("waiting is not done", func(t *testing.T) {
		m := NewRequest(KindLeaderRequest, nil, to)
		require.True(t, m.WaitingForResponse)
		m.setStatus(StatusWaitingForResponse)
		assert.False(t, m.Done())
	})

	t.Run("response received is terminal success", func(t *testing.T) {
		m := NewRequest(KindLeaderRequest, nil, to)
		resp := &Message{Kind: KindLeaderResponse, Payload: document.New()}
		m.Resolve(resp)

		assert.True(t, m.Done())
		assert.True(t, m.Succeeded())
		assert.Same(t, resp, m.Response())
	})

	t.Run("failures are terminal and unsuccessful", func(t *testing.T) {
		for _, s := range []MessageStatus{StatusSendingFailure, StatusResponseFailure, StatusResponseTimeout} {
			m := NewRequest(KindLeaderRequest, nil, to)
			m.Fail(s)
			assert.True(t, m.Done(), s.String())
			assert.False(t, m.Succeeded(), s.String())
		}
	})

	t.Run("resolve invokes callback", func(t *testing.T) {
		m := NewRequest(KindLeaderRequest, nil, to)
		called := 0
		m.OnResponse = func(*Message) { called++ }
		m.Resolve(&Message{Payload: document.New()})
		assert.Equal(t, 1, called)
	})
}

func TestMessageRespond(t *testing.T) {
	req := NewRequest(KindChordSuccessorRequest, nil, NodeID{Host: "db-2", Port: 5001})
	req.ID = 77
	req.Direction = Incoming

	resp := req.Respond(KindChordSuccessorResponse, document.New().SetString("Successor", "db-3:5002"))

	assert.Equal(t, uint32(77), resp.InResponseTo)
	assert.Equal(t, req.Address, resp.Address)
	assert.Equal(t, Incoming, resp.Direction)
	assert.True(t, resp.AllowIdentifying)
	assert.False(t, resp.WaitingForResponse)
}

func TestNodeID(t *testing.T) {
	t.Run("canonical form", func(t *testing.T) {
		id := NodeID{Host: "db-1", Port: 5000}
		assert.Equal(t, "db-1:5000", id.String())
	})

	t.Run("parse round trip", func(t *testing.T) {
		id, err := ParseNodeID("db-1:5000")
		require.NoError(t, err)
		assert.Equal(t, "db-1", id.Host)
		assert.Equal(t, 5000, id.Port)
	})

	t.Run("parse rejects garbage", func(t *testing.T) {
		_, err := ParseNodeID("no-port")
		assert.Error(t, err)
		_, err = ParseNodeID("host:notanumber")
		assert.Error(t, err)
	})

	t.Run("localhost resolves to hostname", func(t *testing.T) {
		hostname, err := os.Hostname()
		require.NoError(t, err)

		id := NewNodeID("localhost", 5000)
		assert.Equal(t, hostname, id.Host)
	})

	t.Run("ordering is lexicographic on canonical form", func(t *testing.T) {
		a := NodeID{Host: "alpha", Port: 9}
		b := NodeID{Host: "beta", Port: 1}
		assert.True(t, a.Less(b))
		assert.False(t, b.Less(a))
	})

	t.Run("sentinel parses as zero value", func(t *testing.T) {
		id, err := ParseNodeID(":0")
		require.NoError(t, err)
		assert.True(t, id.IsZero())
	})
}
