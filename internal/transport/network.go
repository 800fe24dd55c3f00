package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshdb/meshdb/internal/config"
	"github.com/meshdb/meshdb/internal/document"
	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/pkg"
)

const (
	writeTimeout     = 5 * time.Second
	dialTimeout      = 5 * time.Second
	handshakeTTL     = 10 * time.Second
	blockPollPeriod  = 5 * time.Millisecond
	maintenanceTick  = 1 * time.Second
	readChunkSize    = 32 * 1024
	sendQueueBacklog = 256
)

// Handler inspects an incoming message and reports whether it consumed it.
// Unconsumed messages fall through to the generic subscribers.
type Handler func(*Message) bool

// Network is the message-oriented peer engine: it owns the connection
// registry, the send and delivery worker pools, the request/response waiter
// map, and the maintenance and heartbeat loops.
type Network struct {
	self    NodeID
	cfg     *config.Config
	logger  *pkg.Logger
	metrics *telemetry.Metrics

	registry *Registry
	ids      idGenerator

	waitersMu sync.Mutex
	waiters   map[uint32]*Message

	sendCh    chan *Message
	deliverCh chan func()

	hooksMu     sync.RWMutex
	handlers    []Handler
	subscribers []func(*Message)
	disconnects []func(NodeID)
	broadcaster EventBroadcaster

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewNetwork creates a network for the local node. The advertised name is
// the configured host ("localhost" when empty, resolved to the machine
// hostname) plus the configured port.
func NewNetwork(cfg *config.Config, logger *pkg.Logger, metrics *telemetry.Metrics) *Network {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	self := NewNodeID(host, cfg.Port)
	ctx, cancel := context.WithCancel(context.Background())

	return &Network{
		self:      self,
		cfg:       cfg,
		logger:    logger.WithFields(pkg.Fields{"component": "network", "self": self.String()}),
		metrics:   metrics,
		registry:  NewRegistry(),
		waiters:   make(map[uint32]*Message),
		sendCh:    make(chan *Message, sendQueueBacklog),
		deliverCh: make(chan func(), sendQueueBacklog),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Self returns the local node's advertised identity.
func (n *Network) Self() NodeID { return n.self }

// Registry exposes the connection registry to tests and the status page.
func (n *Network) Registry() *Registry { return n.registry }

// OnMessage registers a handler for incoming non-response messages.
func (n *Network) OnMessage(h Handler) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Subscribe registers a fallback subscriber invoked for messages no handler
// consumed.
func (n *Network) Subscribe(f func(*Message)) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.subscribers = append(n.subscribers, f)
}

// OnDisconnect registers a hook invoked when a peer is detected dead.
func (n *Network) OnDisconnect(f func(NodeID)) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.disconnects = append(n.disconnects, f)
}

// SetBroadcaster wires the status page's event sink.
func (n *Network) SetBroadcaster(b EventBroadcaster) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.broadcaster = b
}

// Start opens the listener and launches the worker pools and periodic loops.
func (n *Network) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", n.cfg.Port))
	if err != nil {
		return err
	}
	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	for i := 0; i < n.cfg.SendWorkers; i++ {
		n.wg.Add(1)
		go n.sendWorker()
	}
	for i := 0; i < n.cfg.DeliverWorkers; i++ {
		n.wg.Add(1)
		go n.deliverWorker()
	}

	n.wg.Add(1)
	go n.maintenanceLoop()
	n.wg.Add(1)
	go n.heartbeatLoop()

	n.logger.Info().Int("port", n.cfg.Port).Msg("Network started")
	return nil
}

// Shutdown stops all loops cooperatively: the context is the running flag,
// the listener is closed to unblock Accept, and every socket is closed so
// blocked reads drain immediately.
func (n *Network) Shutdown() {
	if !n.started.Load() {
		return
	}

	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}
	for _, c := range n.registry.All(Incoming) {
		c.Close()
	}
	for _, c := range n.registry.All(Outgoing) {
		c.Close()
	}

	n.wg.Wait()
	n.logger.Info().Msg("Network shut down")
}

// Connect adds the peer to the desired outgoing set and attempts the join
// handshake immediately. The maintenance loop retries on failure.
func (n *Network) Connect(target NodeID) {
	if target == n.self {
		return
	}
	n.registry.Desire(target)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.attemptJoin(target)
	}()
}

// Disconnect drops the peer from the desired set and tears down its
// outgoing connection.
func (n *Network) Disconnect(target NodeID) {
	n.registry.Undesire(target)
	n.dropPeer(Outgoing, target, "disconnect requested")
}

// EnsureConnected adds the peer to the desired set and runs the join
// handshake synchronously, reporting whether a live connection exists in
// either direction afterwards.
func (n *Network) EnsureConnected(target NodeID) bool {
	if target == n.self {
		return true
	}
	if _, ok := n.DirectionFor(target); ok {
		return true
	}
	n.registry.Desire(target)
	n.attemptJoin(target)

	// A concurrent attempt may still be mid-handshake; give it a moment
	// before reporting the peer unreachable.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := n.DirectionFor(target); ok {
			return true
		}
		c := n.registry.Get(Outgoing, target)
		if c == nil || c.Status() == Disconnected {
			return false
		}
		if time.Now().After(deadline) || n.ctx.Err() != nil {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ConnectedNodes returns the deduplicated union of connected peers in both
// directions, sorted by canonical name.
func (n *Network) ConnectedNodes() []NodeID {
	seen := make(map[NodeID]struct{})
	var out []NodeID
	for _, id := range n.registry.ConnectedOutgoing() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range n.registry.ConnectedIncoming() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// DirectionFor reports which registry half holds a live connection for the
// peer, preferring the outgoing one. Used by higher layers that address
// peers regardless of who dialed whom.
func (n *Network) DirectionFor(id NodeID) (Direction, bool) {
	if c := n.registry.Get(Outgoing, id); c != nil && c.Status() == Connected {
		return Outgoing, true
	}
	if c := n.registry.Get(Incoming, id); c != nil && c.Status() == Connected {
		return Incoming, true
	}
	return Outgoing, false
}

// Send hands the message to the send workers without blocking. When the
// message expects a response its waiter is registered before any socket
// write so the response can never race the registration.
func (n *Network) Send(m *Message) {
	if n.ctx.Err() != nil {
		m.setStatus(StatusSendingFailure)
		return
	}

	if m.ID == 0 {
		m.ID = n.ids.Next()
	}
	m.setStatus(StatusSending)

	if m.WaitingForResponse {
		if m.ExpireAt.IsZero() {
			m.ExpireAt = time.Now().Add(n.cfg.MessageTTL)
		}
		n.waitersMu.Lock()
		n.waiters[m.ID] = m
		n.waitersMu.Unlock()
	}

	n.metrics.MessagesSent.WithLabelValues(m.Kind).Inc()

	select {
	case n.sendCh <- m:
	default:
		// Backlog full; keep Send non-blocking.
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			select {
			case n.sendCh <- m:
			case <-n.ctx.Done():
				n.failSend(m, nil, false)
			}
		}()
	}
}

// BlockUntilDone spins with a small sleep until the message leaves its
// transient states.
func (n *Network) BlockUntilDone(m *Message) {
	for !m.Done() {
		if n.ctx.Err() != nil {
			if !m.Done() {
				n.failSend(m, nil, false)
			}
			return
		}
		time.Sleep(blockPollPeriod)
	}
}

// Request sends a request and blocks until it reaches a terminal state.
func (n *Network) Request(m *Message) *Message {
	n.Send(m)
	n.BlockUntilDone(m)
	return m.Response()
}

// ---- workers ----

func (n *Network) sendWorker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case m := <-n.sendCh:
			n.writeMessage(m)
		}
	}
}

func (n *Network) deliverWorker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case f := <-n.deliverCh:
			f()
		}
	}
}

func (n *Network) deliver(f func()) {
	select {
	case n.deliverCh <- f:
	case <-n.ctx.Done():
	}
}

func (n *Network) writeMessage(m *Message) {
	c := n.registry.Get(m.Direction, m.Address)
	if c == nil || c.Status() == Disconnected {
		n.failSend(m, nil, false)
		return
	}
	if !m.AllowIdentifying && c.Status() != Connected {
		// The join handshake has not completed; only messages with
		// AllowIdentifying set may travel the link.
		n.failSend(m, nil, false)
		return
	}

	frame, err := EncodeFrame(m)
	if err != nil {
		n.logger.Error().Err(err).Str("kind", m.Kind).Msg("Failed to encode frame")
		n.failSend(m, nil, false)
		return
	}

	if err := c.WriteFrame(frame, time.Now().Add(writeTimeout)); err != nil {
		n.logger.Debug().Err(err).
			Str("peer", m.Address.String()).
			Str("kind", m.Kind).
			Msg("Socket write failed")
		n.failSend(m, c, true)
		return
	}

	if m.WaitingForResponse {
		m.casStatus(StatusSending, StatusWaitingForResponse)
	} else {
		m.setStatus(StatusSent)
	}
}

// failSend flips the message to SendingFailure, removes its waiter, and
// optionally tears the peer down when the socket itself failed.
func (n *Network) failSend(m *Message, c *Connection, disconnect bool) {
	m.setStatus(StatusSendingFailure)
	n.removeWaiter(m.ID)
	n.metrics.SendFailures.Inc()

	if disconnect && c != nil {
		n.dropConn(c, "send failure")
	}
}

func (n *Network) removeWaiter(id uint32) *Message {
	n.waitersMu.Lock()
	defer n.waitersMu.Unlock()
	m := n.waiters[id]
	delete(n.waiters, id)
	return m
}

// dropPeer tears down whatever connection is currently registered for the
// key.
func (n *Network) dropPeer(d Direction, key NodeID, reason string) {
	c := n.registry.Get(d, key)
	if c == nil {
		return
	}
	n.dropConn(c, reason)
}

// dropConn marks the connection disconnected, sweeps its registry entry,
// fails every waiter targeting the peer, and fires the disconnection hooks.
// A stale connection that was already superseded by a reconnect is closed
// without touching the fresh entry.
func (n *Network) dropConn(c *Connection, reason string) {
	key := c.Remote()
	current, live := n.registry.RemoveConn(c)
	c.Close()
	if !live || !current {
		return
	}
	d := c.Direction()

	n.logger.Info().
		Str("peer", key.String()).
		Str("direction", d.String()).
		Str("reason", reason).
		Msg("Peer disconnected")

	n.waitersMu.Lock()
	for id, w := range n.waiters {
		if w.Address == key {
			w.setStatus(StatusResponseFailure)
			delete(n.waiters, id)
		}
	}
	n.waitersMu.Unlock()

	n.hooksMu.RLock()
	hooks := make([]func(NodeID), len(n.disconnects))
	copy(hooks, n.disconnects)
	b := n.broadcaster
	n.hooksMu.RUnlock()

	n.deliver(func() {
		for _, h := range hooks {
			h(key)
		}
	})
	n.publishEvent(b, EventPeerDisconnected, key.String(), reason)
	n.metrics.ConnectedPeers.Set(float64(len(n.ConnectedNodes())))
}

func (n *Network) publishEvent(b EventBroadcaster, typ, node, detail string) {
	if b == nil {
		return
	}
	_ = b.BroadcastClusterEvent(ClusterEvent{
		Type:      typ,
		Node:      node,
		Detail:    detail,
		Timestamp: time.Now().Unix(),
	})
}

// ---- accept / receive ----

func (n *Network) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			// A closed listener is the cooperative shutdown signal.
			if errors.Is(err, net.ErrClosed) || n.ctx.Err() != nil {
				return
			}
			n.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		provisional, err := remoteNodeID(conn)
		if err != nil {
			conn.Close()
			continue
		}

		c, err := n.registry.AddIncoming(provisional, conn)
		if err != nil {
			n.logger.Warn().
				Str("peer", provisional.String()).
				Msg("Rejecting duplicate incoming connection")
			conn.Close()
			continue
		}

		n.logger.Debug().Str("peer", provisional.String()).Msg("Accepted connection")

		n.wg.Add(1)
		go n.readLoop(c)
	}
}

// remoteNodeID derives the provisional registry key from the socket's remote
// endpoint. It deliberately skips hostname resolution: the key is replaced
// by the advertised name during the join handshake.
func remoteNodeID(conn net.Conn) (NodeID, error) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return NodeID{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{Host: host, Port: port}, nil
}

// readLoop drains the socket into the connection's frame buffer and
// dispatches every complete frame in arrival order.
func (n *Network) readLoop(c *Connection) {
	defer n.wg.Done()

	chunk := make([]byte, readChunkSize)
	for {
		nr, err := c.conn.Read(chunk)
		if nr > 0 {
			c.buf.Append(chunk[:nr])
			if ferr := n.drainFrames(c); ferr != nil {
				// Unrecoverable framing state; the stream cannot be
				// resynchronized.
				n.dropConn(c, "framing error")
				return
			}
		}
		if err != nil {
			if n.ctx.Err() == nil {
				n.dropConn(c, "read error")
			}
			return
		}
	}
}

func (n *Network) drainFrames(c *Connection) error {
	for {
		body, ok, err := c.buf.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		m, err := DecodeFrame(body)
		if err != nil {
			// Malformed frames are dropped; the connection stays up.
			n.logger.Debug().Err(err).
				Str("peer", c.Remote().String()).
				Msg("Dropping malformed frame")
			continue
		}
		m.Address = c.Remote()
		m.Direction = c.Direction()
		n.dispatch(m, c)
	}
}

func (n *Network) dispatch(m *Message, c *Connection) {
	n.metrics.MessagesReceived.WithLabelValues(m.Kind).Inc()

	if m.InResponseTo != 0 {
		waiter := n.removeWaiter(m.InResponseTo)
		if waiter == nil {
			return
		}
		waiter.setResponse(m)
		waiter.setStatus(StatusResponseReceived)
		if cb := waiter.OnResponse; cb != nil {
			n.deliver(func() { cb(m) })
		}
		return
	}

	switch m.Kind {
	case KindJoinRequest:
		n.handleJoinRequest(m, c)
		return
	case KindHeartbeat:
		// Liveness probe; the send is the signal, nothing to do.
		return
	}

	n.hooksMu.RLock()
	handlers := make([]Handler, len(n.handlers))
	copy(handlers, n.handlers)
	subscribers := make([]func(*Message), len(n.subscribers))
	copy(subscribers, n.subscribers)
	n.hooksMu.RUnlock()

	n.deliver(func() {
		for _, h := range handlers {
			if h(m) {
				return
			}
		}
		for _, s := range subscribers {
			s(m)
		}
	})
}

// handleJoinRequest completes the passive side of the handshake: the
// incoming entry is re-keyed from the provisional address to the peer's
// advertised one, marked established, and acknowledged.
func (n *Network) handleJoinRequest(m *Message, c *Connection) {
	advertisedName := m.Payload.PathString("Address")
	advertised, err := ParseNodeID(advertisedName)
	if err != nil {
		n.logger.Warn().Err(err).
			Str("address", advertisedName).
			Msg("Join request with bad advertised address")
		return
	}

	if c.Direction() == Incoming {
		provisional := c.Remote()
		if provisional != advertised {
			n.registry.RenameIncoming(provisional, advertised)
		}
		n.registry.MarkEstablished(Incoming, advertised)
	}

	n.logger.Info().Str("peer", advertised.String()).Msg("Peer joined")

	n.hooksMu.RLock()
	b := n.broadcaster
	n.hooksMu.RUnlock()
	n.publishEvent(b, EventPeerConnected, advertised.String(), "join")
	n.metrics.ConnectedPeers.Set(float64(len(n.ConnectedNodes())))

	// m.Address still carries the provisional key the frame arrived
	// under; the rename above retired it, so the reply must target the
	// advertised key or the send finds no connection.
	reply := m.Respond(KindJoinResult, nil)
	if c.Direction() == Incoming {
		reply.Address = advertised
	}
	n.Send(reply)
}

// ---- periodic loops ----

// maintenanceLoop expires waiters and retries desired peers. The loop ticks
// every second for responsiveness; reconnection attempts run on the
// configured maintenance period.
func (n *Network) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	var lastReconnect time.Time
	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			n.expireWaiters(now)

			if now.Sub(lastReconnect) >= n.cfg.MaintenanceInterval {
				lastReconnect = now
				for _, target := range n.registry.MissingDesired() {
					t := target
					n.wg.Add(1)
					go func() {
						defer n.wg.Done()
						n.attemptJoin(t)
					}()
				}
			}
		}
	}
}

func (n *Network) expireWaiters(now time.Time) {
	n.waitersMu.Lock()
	defer n.waitersMu.Unlock()

	for id, w := range n.waiters {
		if w.ExpireAt.Before(now) {
			w.setStatus(StatusResponseTimeout)
			delete(n.waiters, id)
		}
	}
}

// heartbeatLoop sends a fire-and-forget probe on every registered
// connection in both directions. The point is not the reply; dead sockets
// surface as send failures.
func (n *Network) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range n.registry.All(Incoming) {
				n.sendHeartbeat(c)
			}
			for _, c := range n.registry.All(Outgoing) {
				n.sendHeartbeat(c)
			}
		}
	}
}

func (n *Network) sendHeartbeat(c *Connection) {
	if c.Status() == Disconnected {
		return
	}
	m := NewMessage(KindHeartbeat, document.New(), c.Remote())
	m.Direction = c.Direction()
	m.AllowIdentifying = true
	n.metrics.HeartbeatsSent.Inc()
	n.Send(m)
}

// attemptJoin runs the active side of the handshake: dial, register with
// status Identifying, send JoinRequest with the advertised name, and mark
// the link established on success.
func (n *Network) attemptJoin(target NodeID) {
	if existing := n.registry.Get(Outgoing, target); existing != nil && existing.Status() != Disconnected {
		return
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(n.ctx, "tcp", target.String())
	if err != nil {
		n.logger.Debug().Err(err).
			Str("peer", target.String()).
			Msg("Dial failed, will retry")
		return
	}

	c, err := n.registry.AddOutgoing(target, conn)
	if err != nil {
		// Lost the race against a concurrent attempt.
		conn.Close()
		return
	}

	n.wg.Add(1)
	go n.readLoop(c)

	req := NewRequest(KindJoinRequest,
		document.New().SetString("Address", n.self.String()), target)
	req.AllowIdentifying = true
	req.ExpireAt = time.Now().Add(handshakeTTL)

	n.Send(req)
	n.BlockUntilDone(req)

	if !req.Succeeded() {
		n.logger.Debug().
			Str("peer", target.String()).
			Str("status", req.Status().String()).
			Msg("Join handshake failed")
		n.dropPeer(Outgoing, target, "handshake failure")
		return
	}

	n.registry.MarkEstablished(Outgoing, target)
	n.logger.Info().Str("peer", target.String()).Msg("Connected to peer")

	n.hooksMu.RLock()
	b := n.broadcaster
	n.hooksMu.RUnlock()
	n.publishEvent(b, EventPeerConnected, target.String(), "handshake")
	n.metrics.ConnectedPeers.Set(float64(len(n.ConnectedNodes())))
}
