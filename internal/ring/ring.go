package ring

import (
	"context"
	"sync"
	"time"

	"github.com/meshdb/meshdb/internal/config"
	"github.com/meshdb/meshdb/internal/document"
	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/internal/transport"
	"github.com/meshdb/meshdb/pkg"
)

// predecessorSentinel is the wire form of "no predecessor".
const predecessorSentinel = ":0"

// requestTimeout bounds one ring RPC round trip.
const requestTimeout = 5 * time.Second

// Network is the slice of the peer network the ring consumes.
type Network interface {
	Self() transport.NodeID
	Send(*transport.Message)
	BlockUntilDone(*transport.Message)
	DirectionFor(transport.NodeID) (transport.Direction, bool)
	EnsureConnected(transport.NodeID) bool
	OnMessage(transport.Handler)
	OnDisconnect(func(transport.NodeID))
}

// Ring maintains this node's position in the Chord overlay: a successor
// pointer, an adopted predecessor, and a finger table refreshed one entry
// per stabilization tick.
type Ring struct {
	net     Network
	cfg     *config.Config
	logger  *pkg.Logger
	metrics *telemetry.Metrics

	self Member

	mu sync.RWMutex
	// fingers[0] is the successor and is never nil once started; the
	// fallback value is self. Entries 1..31 are nullable.
	fingers         [M]*Member
	predecessor     *Member
	nextFingerToFix int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a ring node with the given chord id.
func New(net Network, cfg *config.Config, chordID uint32,
	logger *pkg.Logger, metrics *telemetry.Metrics) *Ring {

	ctx, cancel := context.WithCancel(context.Background())
	r := &Ring{
		net:     net,
		cfg:     cfg,
		logger:  logger.WithFields(pkg.Fields{"component": "ring", "chord_id": chordID}),
		metrics: metrics,
		self:    Member{Node: net.Self(), ChordID: chordID},
		ctx:     ctx,
		cancel:  cancel,
	}

	self := r.self
	r.fingers[0] = &self
	r.nextFingerToFix = 0

	net.OnMessage(r.handleMessage)
	net.OnDisconnect(r.handleDisconnection)
	return r
}

// Self returns this node's ring position.
func (r *Ring) Self() Member { return r.self }

// Successor returns the current successor.
func (r *Ring) Successor() Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.fingers[0]
}

// Predecessor returns the adopted predecessor, or nil.
func (r *Ring) Predecessor() *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.predecessor == nil {
		return nil
	}
	p := *r.predecessor
	return &p
}

// Finger returns finger table entry i, or nil. Entry 0 is the successor.
func (r *Ring) Finger(i int) *Member {
	if i < 0 || i >= M {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fingers[i] == nil {
		return nil
	}
	f := *r.fingers[i]
	return &f
}

func (r *Ring) setSuccessor(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingers[0] = &m
}

// Join bootstraps from a seed peer list: the first peer that answers a
// successor request seeds our successor pointer. An unreachable successor
// collapses the node back to a single-node ring. Seeds still dialing their
// own handshake are retried a few times before giving up.
func (r *Ring) Join(seeds []transport.NodeID) {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if r.joinOnce(seeds) {
			return
		}
	}

	r.logger.Info().Msg("No reachable seeds, starting single-node ring")
}

func (r *Ring) joinOnce(seeds []transport.NodeID) bool {
	for _, seed := range seeds {
		if seed == r.self.Node {
			continue
		}
		if !r.net.EnsureConnected(seed) {
			continue
		}

		succ, ok := r.requestMember(transport.KindChordSuccessorRequest, seed, "Successor")
		if !ok {
			continue
		}

		r.setSuccessor(succ)
		r.logger.Info().
			Str("successor", succ.String()).
			Str("seed", seed.String()).
			Msg("Joined ring")

		if !succ.Equal(r.self) && !r.net.EnsureConnected(succ.Node) {
			r.setSuccessor(r.self)
			r.logger.Warn().
				Str("successor", succ.String()).
				Msg("Successor unreachable, reverting to single-node ring")
		}
		return true
	}
	return len(seeds) == 0
}

// Start launches the stabilization loop.
func (r *Ring) Start() {
	r.wg.Add(1)
	go r.stabilizeLoop()
}

// Stop halts the stabilization loop.
func (r *Ring) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Ring) stabilizeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.StabilizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug().Msg("Stabilize loop stopped")
			return
		case <-ticker.C:
			r.stabilize()
			r.fixNextFinger()
		}
	}
}

// stabilize verifies the successor pointer against the successor's own
// predecessor and notifies the successor of our presence.
func (r *Ring) stabilize() {
	r.metrics.Stabilizations.Inc()

	succ := r.Successor()
	if succ.Equal(r.self) {
		// Another node adopted us as its successor and notified; close
		// the loop by taking it as our successor, forming the ring.
		if pred := r.Predecessor(); pred != nil {
			r.setSuccessor(*pred)
			succ = *pred
		}
	}

	if !succ.Equal(r.self) {
		p, ok := r.requestMember(transport.KindChordPredecessorRequest, succ.Node, "Predecessor")
		if ok && p.Node.Host != "" && Between(p.ChordID, r.self.ChordID, succ.ChordID) {
			if r.net.EnsureConnected(p.Node) {
				r.setSuccessor(p)
				succ = p
				r.logger.Debug().
					Str("successor", p.String()).
					Msg("Adopted successor's predecessor")
			} else {
				r.setSuccessor(r.self)
				succ = r.self
			}
		}
	}

	if succ.Equal(r.self) {
		return
	}

	payload := document.New().
		SetString("Node", r.self.Node.String()).
		SetInt64("ChordId", int64(r.self.ChordID))
	m := transport.NewMessage(transport.KindChordNotify, payload, succ.Node)
	if d, ok := r.net.DirectionFor(succ.Node); ok {
		m.Direction = d
	}
	r.net.Send(m)
}

// fixNextFinger refreshes one finger table entry per tick, round-robin over
// entries 1..31.
func (r *Ring) fixNextFinger() {
	r.mu.Lock()
	r.nextFingerToFix++
	if r.nextFingerToFix >= M {
		r.nextFingerToFix = 1
	}
	i := r.nextFingerToFix
	r.mu.Unlock()

	target := fingerStart(r.self.ChordID, i)
	result := r.FindSuccessor(target)
	reachable := result != nil && r.net.EnsureConnected(result.Node)

	r.mu.Lock()
	if reachable {
		r.fingers[i] = result
	} else {
		r.fingers[i] = nil
	}
	set := 0
	for _, f := range r.fingers {
		if f != nil {
			set++
		}
	}
	r.mu.Unlock()

	r.metrics.FingersSet.Set(float64(set))
}

// FindSuccessor resolves the ring position owning id: the successor if id
// falls in (self, successor], otherwise the query is forwarded to the
// closest preceding node.
func (r *Ring) FindSuccessor(id uint32) *Member {
	succ := r.Successor()
	if Between(id, r.self.ChordID, succ.ChordID) || id == succ.ChordID {
		s := succ
		return &s
	}

	n := r.closestPrecedingNode(id)
	if n.Equal(r.self) {
		s := succ
		return &s
	}

	m, ok := r.requestMember(transport.KindChordSuccessorRequest, n.Node, "Successor")
	if !ok {
		return nil
	}
	return &m
}

// closestPrecedingNode scans the finger table from the top for the entry
// closest below id; the successor is the fallback.
func (r *Ring) closestPrecedingNode(id uint32) Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := M - 1; i >= 1; i-- {
		f := r.fingers[i]
		if f == nil {
			continue
		}
		if Between(f.ChordID, r.self.ChordID, id) {
			return *f
		}
	}
	return *r.fingers[0]
}

// requestMember performs one request/response round trip and parses the
// member out of the reply's name and ChordId fields.
func (r *Ring) requestMember(kind string, to transport.NodeID, nameField string) (Member, bool) {
	req := transport.NewRequest(kind, document.New(), to)
	if d, ok := r.net.DirectionFor(to); ok {
		req.Direction = d
	}
	req.ExpireAt = time.Now().Add(requestTimeout)

	r.net.Send(req)
	r.net.BlockUntilDone(req)

	resp := req.Response()
	if resp == nil {
		return Member{}, false
	}

	name := resp.Payload.PathString(nameField)
	id, err := transport.ParseNodeID(name)
	if err != nil {
		return Member{}, false
	}
	return Member{
		Node:    id,
		ChordID: uint32(resp.Payload.PathInt64("ChordId")),
	}, true
}

// handleMessage serves the ring's request kinds; anything else is left for
// other layers.
func (r *Ring) handleMessage(m *transport.Message) bool {
	switch m.Kind {
	case transport.KindChordSuccessorRequest:
		succ := r.Successor()
		payload := document.New().
			SetString("Successor", succ.Node.String()).
			SetInt64("ChordId", int64(succ.ChordID))
		r.net.Send(m.Respond(transport.KindChordSuccessorResponse, payload))
		return true

	case transport.KindChordPredecessorRequest:
		pred := r.Predecessor()
		name := predecessorSentinel
		var id int64
		if pred != nil {
			name = pred.Node.String()
			id = int64(pred.ChordID)
		}
		payload := document.New().
			SetString("Predecessor", name).
			SetInt64("ChordId", id)
		r.net.Send(m.Respond(transport.KindChordPredecessorResponse, payload))
		return true

	case transport.KindChordNotify:
		r.handleNotify(m)
		return true
	}
	return false
}

// handleNotify adopts the sender as predecessor when we have none or when
// it sits strictly between the current predecessor and us.
func (r *Ring) handleNotify(m *transport.Message) {
	name := m.Payload.PathString("Node")
	node, err := transport.ParseNodeID(name)
	if err != nil {
		return
	}
	candidate := Member{Node: node, ChordID: uint32(m.Payload.PathInt64("ChordId"))}

	r.mu.Lock()
	adopt := r.predecessor == nil ||
		Between(candidate.ChordID, r.predecessor.ChordID, r.self.ChordID)
	if adopt {
		r.predecessor = &candidate
	}
	r.mu.Unlock()

	if !adopt {
		return
	}

	r.logger.Debug().Str("predecessor", candidate.String()).Msg("Adopted predecessor")

	if !r.net.EnsureConnected(candidate.Node) {
		r.mu.Lock()
		if r.predecessor != nil && r.predecessor.Equal(candidate) {
			r.predecessor = nil
		}
		r.mu.Unlock()
	}
}

// handleDisconnection clears every pointer referencing the dead peer: the
// predecessor (guarded against nil), the successor (reset to self), and any
// finger entry.
func (r *Ring) handleDisconnection(peer transport.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.predecessor != nil && r.predecessor.Node == peer {
		r.predecessor = nil
	}
	if r.fingers[0].Node == peer {
		self := r.self
		r.fingers[0] = &self
	}
	for i := 1; i < M; i++ {
		if r.fingers[i] != nil && r.fingers[i].Node == peer {
			r.fingers[i] = nil
		}
	}
}
