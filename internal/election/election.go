package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/meshdb/meshdb/internal/chunk"
	"github.com/meshdb/meshdb/internal/config"
	"github.com/meshdb/meshdb/internal/document"
	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/internal/transport"
	"github.com/meshdb/meshdb/pkg"
)

// voteTimeout bounds one vote round; a controller that cannot answer within
// it counts as a missing vote.
const voteTimeout = 5 * time.Second

// Network is the slice of the peer network the elector consumes.
type Network interface {
	Self() transport.NodeID
	Send(*transport.Message)
	BlockUntilDone(*transport.Message)
	ConnectedNodes() []transport.NodeID
	DirectionFor(transport.NodeID) (transport.Direction, bool)
	OnMessage(transport.Handler)
	OnDisconnect(func(transport.NodeID))
}

// Elector is the term-based majority-vote leader election core of a
// controller node.
type Elector struct {
	net     Network
	cfg     *config.Config
	logger  *pkg.Logger
	metrics *telemetry.Metrics
	chunks  *chunk.Table

	// controllers are the configured peer controllers, excluding self.
	controllers []transport.NodeID

	mu              sync.RWMutex
	currentTerm     int64
	votedThisTerm   bool
	leader          *transport.NodeID
	isLeader        bool
	nextCandidateAt time.Time
	rng             *rand.Rand

	broadcaster transport.EventBroadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an elector. controllers is the configured peer controller set
// (self excluded); chunks may be nil for nodes that hold no lookup table.
func New(net Network, cfg *config.Config, controllers []transport.NodeID,
	chunks *chunk.Table, logger *pkg.Logger, metrics *telemetry.Metrics) *Elector {

	ctx, cancel := context.WithCancel(context.Background())
	e := &Elector{
		net:         net,
		cfg:         cfg,
		logger:      logger.WithFields(pkg.Fields{"component": "election"}),
		metrics:     metrics,
		chunks:      chunks,
		controllers: controllers,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:         ctx,
		cancel:      cancel,
	}

	net.OnMessage(e.handleMessage)
	net.OnDisconnect(e.handleDisconnection)
	return e
}

// SetBroadcaster wires the status page's event sink for leader changes.
func (e *Elector) SetBroadcaster(b transport.EventBroadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = b
}

// controllerCount is N: the configured controller set including self.
func (e *Elector) controllerCount() int {
	return len(e.controllers) + 1
}

// Start launches the election maintenance loop.
func (e *Elector) Start() {
	e.mu.Lock()
	e.resetBackoffLocked(time.Now())
	e.mu.Unlock()

	e.wg.Add(1)
	go e.maintenanceLoop()
}

// Stop halts the maintenance loop.
func (e *Elector) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Leader returns the current leader, or nil while leaderless.
func (e *Elector) Leader() *transport.NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.leader == nil {
		return nil
	}
	l := *e.leader
	return &l
}

// IsLeader reports whether this node currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// CurrentTerm returns the latest observed election term.
func (e *Elector) CurrentTerm() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentTerm
}

// resetBackoffLocked draws a fresh randomized candidate delay:
// now + random(k, k*N) seconds. Randomization separates candidates, which
// is what liveness depends on.
func (e *Elector) resetBackoffLocked(now time.Time) {
	k := float64(e.cfg.ElectionBackoffBase)
	n := float64(e.controllerCount())
	delay := k + e.rng.Float64()*(k*n-k)
	e.nextCandidateAt = now.Add(time.Duration(delay))
}

func (e *Elector) maintenanceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ElectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if !e.cfg.Controller {
				e.discoverLeader()
				continue
			}

			e.mu.RLock()
			due := e.leader == nil && now.After(e.nextCandidateAt)
			e.mu.RUnlock()

			if due {
				e.initiateVote()
			}
		}
	}
}

// initiateVote runs one candidate round: bump the term, collect votes from
// every configured controller, and take leadership on a strict majority.
func (e *Elector) initiateVote() {
	e.mu.Lock()
	e.currentTerm++
	e.votedThisTerm = true
	termAtAttempt := e.currentTerm
	e.mu.Unlock()

	e.metrics.ElectionsStarted.Inc()
	e.metrics.CurrentTerm.Set(float64(termAtAttempt))
	e.logger.Info().Int64("term", termAtAttempt).Msg("Initiating leader vote")

	payload := document.New().SetInt64("CurrentTerm", termAtAttempt)

	requests := make([]*transport.Message, 0, len(e.controllers))
	for _, c := range e.controllers {
		req := transport.NewRequest(transport.KindInitiateLeaderVote, payload, c)
		if d, ok := e.net.DirectionFor(c); ok {
			req.Direction = d
		}
		req.ExpireAt = time.Now().Add(voteTimeout)
		e.net.Send(req)
		requests = append(requests, req)
	}

	yesVotes := 1 // self-vote
	var maxNoTerm int64
	for _, req := range requests {
		e.net.BlockUntilDone(req)
		resp := req.Response()
		if resp == nil {
			continue
		}
		switch resp.Payload.PathString("Vote") {
		case "Yes":
			yesVotes++
		case "No":
			if t := resp.Payload.PathInt64("CurrentTerm"); t > maxNoTerm {
				maxNoTerm = t
			}
		}
	}

	e.mu.Lock()
	if maxNoTerm > e.currentTerm {
		// A peer is ahead of us; adopt its term and abandon the attempt.
		e.currentTerm = maxNoTerm
		e.votedThisTerm = false
		e.resetBackoffLocked(time.Now())
		e.mu.Unlock()

		e.metrics.CurrentTerm.Set(float64(maxNoTerm))
		e.logger.Info().
			Int64("term", maxNoTerm).
			Msg("Vote rejected by newer term, standing down")
		return
	}

	majority := e.controllerCount()/2 + 1
	if termAtAttempt == e.currentTerm && yesVotes >= majority {
		self := e.net.Self()
		e.leader = &self
		e.isLeader = true
		e.mu.Unlock()

		e.metrics.IsLeader.Set(1)
		e.metrics.LeaderChanges.Inc()
		e.logger.Info().
			Int64("term", termAtAttempt).
			Int("votes", yesVotes).
			Msg("Won leader election")

		e.broadcastNewLeader(self.String(), termAtAttempt)
		e.publishLeaderEvent(self.String())
		return
	}

	e.resetBackoffLocked(time.Now())
	e.mu.Unlock()

	e.logger.Debug().
		Int64("term", termAtAttempt).
		Int("votes", yesVotes).
		Msg("Vote round did not reach majority")
}

// broadcastNewLeader announces the leader (or an empty name on step-down)
// to every currently connected peer.
func (e *Elector) broadcastNewLeader(leaderName string, term int64) {
	payload := document.New().
		SetString("Leader", leaderName).
		SetInt64("CurrentTerm", term)

	for _, peer := range e.net.ConnectedNodes() {
		m := transport.NewMessage(transport.KindNewLeader, payload, peer)
		if d, ok := e.net.DirectionFor(peer); ok {
			m.Direction = d
		}
		e.net.Send(m)
	}
}

// discoverLeader asks a configured controller for the current leader; used
// by database nodes that do not vote.
func (e *Elector) discoverLeader() {
	e.mu.Lock()
	known := e.leader != nil
	var pick int
	if !known && len(e.controllers) > 0 {
		pick = e.rng.Intn(len(e.controllers))
	}
	e.mu.Unlock()
	if known || len(e.controllers) == 0 {
		return
	}

	target := e.controllers[pick]
	req := transport.NewRequest(transport.KindLeaderRequest, document.New(), target)
	if d, ok := e.net.DirectionFor(target); ok {
		req.Direction = d
	}
	req.ExpireAt = time.Now().Add(voteTimeout)
	req.OnResponse = func(resp *transport.Message) {
		name := resp.Payload.PathString("Leader")
		if name == "" {
			return
		}
		id, err := transport.ParseNodeID(name)
		if err != nil {
			return
		}
		term := resp.Payload.PathInt64("CurrentTerm")

		e.mu.Lock()
		if term >= e.currentTerm {
			e.currentTerm = term
			e.leader = &id
		}
		e.mu.Unlock()
	}
	e.net.Send(req)
}

// handleMessage dispatches election messages; anything else is left for
// other layers.
func (e *Elector) handleMessage(m *transport.Message) bool {
	switch m.Kind {
	case transport.KindInitiateLeaderVote:
		e.handleVoteRequest(m)
		return true
	case transport.KindNewLeader:
		e.handleNewLeader(m)
		return true
	case transport.KindLeaderRequest:
		e.handleLeaderRequest(m)
		return true
	}
	return false
}

// handleVoteRequest applies the one-vote-per-term rule: grant on a newer
// term, or on the current term if we have not voted yet; otherwise reply No
// with our term.
func (e *Elector) handleVoteRequest(m *transport.Message) {
	if !e.cfg.Controller {
		// Not a participant; the vote is ignored.
		return
	}

	t := m.Payload.PathInt64("CurrentTerm")

	e.mu.Lock()
	grant := t > e.currentTerm || (t == e.currentTerm && !e.votedThisTerm)
	var payload *document.Document
	if grant {
		e.currentTerm = t
		e.votedThisTerm = true
		payload = document.New().SetString("Vote", "Yes")
	} else {
		payload = document.New().
			SetString("Vote", "No").
			SetInt64("CurrentTerm", e.currentTerm)
	}
	term := e.currentTerm
	e.mu.Unlock()

	e.metrics.CurrentTerm.Set(float64(term))
	e.logger.Debug().
		Int64("term", t).
		Bool("granted", grant).
		Str("candidate", m.Address.String()).
		Msg("Vote request")

	e.net.Send(m.Respond(transport.KindLeaderVoteResponse, payload))
}

// handleNewLeader adopts an announced leader on a matching or newer term
// (a newer term is adopted along with it), ignores announcements from an
// older term, and clears the leader when the announcement carries an empty
// name (step-down).
func (e *Elector) handleNewLeader(m *transport.Message) {
	name := m.Payload.PathString("Leader")
	t := m.Payload.PathInt64("CurrentTerm")

	e.mu.Lock()
	if name == "" {
		e.leader = nil
		e.isLeader = false
		e.mu.Unlock()

		e.metrics.IsLeader.Set(0)
		e.logger.Info().Msg("Leader stepped down")
		e.publishLeaderEvent("")
		return
	}

	if t != e.currentTerm {
		// Terms are the tiebreaker across unordered announcements: a
		// newer term wins and is adopted, an older one is ignored.
		if t > e.currentTerm {
			e.currentTerm = t
			e.votedThisTerm = false
		} else {
			e.mu.Unlock()
			return
		}
	}

	id, err := transport.ParseNodeID(name)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Str("leader", name).Msg("Leader announcement with bad name")
		return
	}
	e.leader = &id
	e.isLeader = false
	term := e.currentTerm
	e.mu.Unlock()

	e.metrics.IsLeader.Set(0)
	e.metrics.CurrentTerm.Set(float64(term))
	e.metrics.LeaderChanges.Inc()
	e.logger.Info().
		Str("leader", name).
		Int64("term", t).
		Msg("Adopted leader")
	e.publishLeaderEvent(name)
}

// handleLeaderRequest serves leader discovery for database nodes.
func (e *Elector) handleLeaderRequest(m *transport.Message) {
	e.mu.RLock()
	name := ""
	if e.leader != nil {
		name = e.leader.String()
	}
	term := e.currentTerm
	e.mu.RUnlock()

	payload := document.New().
		SetString("Leader", name).
		SetInt64("CurrentTerm", term)
	e.net.Send(m.Respond(transport.KindLeaderResponse, payload))
}

// handleDisconnection clears a dead leader and steps down when this node
// leads but has lost its majority of configured controllers.
func (e *Elector) handleDisconnection(peer transport.NodeID) {
	e.mu.Lock()

	if e.leader != nil && *e.leader == peer {
		e.leader = nil
		e.resetBackoffLocked(time.Now())
		e.logger.Info().Str("peer", peer.String()).Msg("Leader connection lost")
	}

	if e.isLeader {
		connected := e.connectedControllers()
		// Strict less-than half: for even N the leader holds on at
		// exactly N/2 connected peers.
		if connected < e.controllerCount()/2 {
			term := e.currentTerm
			e.leader = nil
			e.isLeader = false
			e.resetBackoffLocked(time.Now())
			e.mu.Unlock()

			e.metrics.IsLeader.Set(0)
			e.metrics.LeaderChanges.Inc()
			e.logger.Warn().
				Int("connected_controllers", connected).
				Msg("Lost controller majority, stepping down")

			e.broadcastNewLeader("", term)
			e.publishLeaderEvent("")
			return
		}
	}

	wasLeader := e.isLeader
	e.mu.Unlock()

	if wasLeader {
		e.reassignChunks(peer)
	}
}

// connectedControllers counts configured peer controllers with a live
// connection. Caller holds the state lock; the network snapshot takes only
// registry read locks.
func (e *Elector) connectedControllers() int {
	connected := make(map[transport.NodeID]struct{})
	for _, id := range e.net.ConnectedNodes() {
		connected[id] = struct{}{}
	}
	count := 0
	for _, c := range e.controllers {
		if _, ok := connected[c]; ok {
			count++
		}
	}
	return count
}

// reassignChunks absorbs a dead peer's chunk ranges into the leader's
// lookup table.
func (e *Elector) reassignChunks(peer transport.NodeID) {
	if e.chunks == nil {
		return
	}
	if n := e.chunks.ReassignOwner(peer, e.net.Self()); n > 0 {
		e.logger.Info().
			Int("chunks", n).
			Str("peer", peer.String()).
			Msg("Reassigned chunks from dead peer")
	}
}

func (e *Elector) publishLeaderEvent(leaderName string) {
	e.mu.RLock()
	b := e.broadcaster
	e.mu.RUnlock()
	if b == nil {
		return
	}
	_ = b.BroadcastClusterEvent(transport.ClusterEvent{
		Type:      transport.EventLeaderChanged,
		Node:      leaderName,
		Timestamp: time.Now().Unix(),
	})
}
