package transport

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdb/meshdb/internal/config"
	"github.com/meshdb/meshdb/internal/document"
	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/pkg"
)

func quietLogger(t *testing.T) *pkg.Logger {
	t.Helper()
	logger, err := pkg.NewLogger(&pkg.LogConfig{
		Level:   "error",
		Format:  "console",
		Console: pkg.ConsoleConfig{Enable: false},
	})
	require.NoError(t, err)
	return logger
}

func newTestNetwork(t *testing.T, port int) *Network {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.MaintenanceInterval = 500 * time.Millisecond
	cfg.MessageTTL = 2 * time.Second

	n := NewNetwork(cfg, quietLogger(t), telemetry.New())
	require.NoError(t, n.Start())
	t.Cleanup(n.Shutdown)
	return n
}

func waiterCount(n *Network) int {
	n.waitersMu.Lock()
	defer n.waitersMu.Unlock()
	return len(n.waiters)
}

func TestNetworkHandshake(t *testing.T) {
	a := newTestNetwork(t, 26511)
	b := newTestNetwork(t, 26512)

	b.Connect(a.Self())

	require.Eventually(t, func() bool {
		return len(a.ConnectedNodes()) == 1 && len(b.ConnectedNodes()) == 1
	}, 3*time.Second, 25*time.Millisecond, "handshake did not complete")

	assert.Equal(t, []NodeID{b.Self()}, a.ConnectedNodes())
	assert.Equal(t, []NodeID{a.Self()}, b.ConnectedNodes())

	t.Run("incoming side re-keyed to advertised name", func(t *testing.T) {
		c := a.registry.Get(Incoming, b.Self())
		require.NotNil(t, c)
		assert.Equal(t, Connected, c.Status())
	})

	t.Run("outgoing side established", func(t *testing.T) {
		c := b.registry.Get(Outgoing, a.Self())
		require.NotNil(t, c)
		assert.Equal(t, Connected, c.Status())
	})
}

func TestNetworkRequestResponse(t *testing.T) {
	a := newTestNetwork(t, 26521)
	b := newTestNetwork(t, 26522)

	a.OnMessage(func(m *Message) bool {
		if m.Kind != "Ping" {
			return false
		}
		a.Send(m.Respond("Pong", document.New().SetString("Echo", m.Payload.PathString("Text"))))
		return true
	})

	b.Connect(a.Self())
	require.Eventually(t, func() bool {
		return len(b.ConnectedNodes()) == 1
	}, 3*time.Second, 25*time.Millisecond)

	var callbacks atomic.Int32
	req := NewRequest("Ping", document.New().SetString("Text", "hello"), a.Self())
	req.OnResponse = func(*Message) { callbacks.Add(1) }

	resp := b.Request(req)

	require.NotNil(t, resp)
	assert.Equal(t, StatusResponseReceived, req.Status())
	assert.True(t, req.Succeeded())
	assert.Equal(t, "Pong", resp.Kind)
	assert.Equal(t, "hello", resp.Payload.PathString("Echo"))

	require.Eventually(t, func() bool {
		return callbacks.Load() == 1
	}, time.Second, 10*time.Millisecond, "callback must run exactly once")
	assert.Equal(t, 0, waiterCount(b))
}

func TestNetworkRequestTimeout(t *testing.T) {
	a := newTestNetwork(t, 26531)
	b := newTestNetwork(t, 26532)

	b.Connect(a.Self())
	require.Eventually(t, func() bool {
		return len(b.ConnectedNodes()) == 1
	}, 3*time.Second, 25*time.Millisecond)

	var callbacks atomic.Int32
	req := NewRequest("NobodyHandlesThis", document.New(), a.Self())
	req.ExpireAt = time.Now().Add(500 * time.Millisecond)
	req.OnResponse = func(*Message) { callbacks.Add(1) }

	b.Send(req)

	require.Eventually(t, func() bool {
		return req.Status() == StatusResponseTimeout
	}, 3*time.Second, 25*time.Millisecond, "waiter must expire")

	assert.Equal(t, int32(0), callbacks.Load())
	assert.Equal(t, 0, waiterCount(b))
}

func TestNetworkSendToUnknownPeer(t *testing.T) {
	b := newTestNetwork(t, 26541)

	req := NewRequest("Ping", document.New(), NodeID{Host: "127.0.0.1", Port: 1})
	b.Send(req)
	b.BlockUntilDone(req)

	assert.Equal(t, StatusSendingFailure, req.Status())
	assert.False(t, req.Succeeded())
	assert.Equal(t, 0, waiterCount(b))
}

func TestNetworkDisconnectionFailsWaiters(t *testing.T) {
	a := newTestNetwork(t, 26551)
	b := newTestNetwork(t, 26552)

	var gone atomic.Value
	b.OnDisconnect(func(peer NodeID) { gone.Store(peer) })

	b.Connect(a.Self())
	require.Eventually(t, func() bool {
		return len(b.ConnectedNodes()) == 1
	}, 3*time.Second, 25*time.Millisecond)

	req := NewRequest("NobodyHandlesThis", document.New(), a.Self())
	b.Send(req)
	require.Eventually(t, func() bool {
		return req.Status() == StatusWaitingForResponse
	}, time.Second, 10*time.Millisecond)

	// Kill the remote side; the read loop or a heartbeat surfaces it.
	a.Shutdown()

	require.Eventually(t, func() bool {
		s := req.Status()
		return s == StatusResponseFailure || s == StatusResponseTimeout
	}, 5*time.Second, 25*time.Millisecond, "waiter must fail on disconnection")

	require.Eventually(t, func() bool {
		return gone.Load() != nil
	}, 5*time.Second, 25*time.Millisecond, "disconnect hook must fire")
	assert.Equal(t, a.Self(), gone.Load())
	assert.Equal(t, 0, waiterCount(b))
	assert.Empty(t, b.ConnectedNodes())
}

func TestNetworkMaintenanceReconnects(t *testing.T) {
	b := newTestNetwork(t, 26561)
	target := NodeID{Host: "127.0.0.1", Port: 26562}

	// Desired but not yet running; the maintenance loop keeps retrying.
	b.Connect(target)
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, b.ConnectedNodes())

	a := newTestNetwork(t, 26562)
	_ = a

	require.Eventually(t, func() bool {
		return len(b.ConnectedNodes()) == 1
	}, 5*time.Second, 50*time.Millisecond, "maintenance loop must reconnect")
}

func TestNetworkGatesUnestablishedLink(t *testing.T) {
	b := newTestNetwork(t, 26571)

	// Register a fake outgoing connection that never completes the
	// handshake.
	peer := NodeID{Host: "127.0.0.1", Port: 26572}
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go io.Copy(io.Discard, server)

	_, err := b.registry.AddOutgoing(peer, client)
	require.NoError(t, err)

	m := NewMessage("Anything", document.New(), peer)
	b.Send(m)
	b.BlockUntilDone(m)
	assert.Equal(t, StatusSendingFailure, m.Status())

	t.Run("identifying link still carries heartbeats", func(t *testing.T) {
		hs := NewMessage(KindHeartbeat, document.New(), peer)
		hs.AllowIdentifying = true
		b.Send(hs)
		b.BlockUntilDone(hs)
		assert.Equal(t, StatusSent, hs.Status())
	})
}
