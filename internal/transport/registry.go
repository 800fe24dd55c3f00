package transport

import (
	"net"
	"sort"
	"sync"

	"github.com/meshdb/meshdb/pkg"
)

// Registry tracks incoming and outgoing TCP peers separately, plus the
// desired set of outgoing peers the maintenance loop keeps connected. Each
// half is guarded by its own readers-writer lock.
type Registry struct {
	incomingMu sync.RWMutex
	incoming   map[NodeID]*Connection

	outgoingMu sync.RWMutex
	outgoing   map[NodeID]*Connection

	desiredMu sync.RWMutex
	desired   map[NodeID]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		incoming: make(map[NodeID]*Connection),
		outgoing: make(map[NodeID]*Connection),
		desired:  make(map[NodeID]struct{}),
	}
}

func (r *Registry) half(d Direction) (*sync.RWMutex, map[NodeID]*Connection) {
	if d == Incoming {
		return &r.incomingMu, r.incoming
	}
	return &r.outgoingMu, r.outgoing
}

// AddIncoming registers an accepted client under its provisional remote
// address. A lingering Disconnected entry on the same key is swept first;
// the sweep drops its receive buffer with it.
func (r *Registry) AddIncoming(provisional NodeID, conn net.Conn) (*Connection, error) {
	return r.add(Incoming, provisional, conn)
}

// AddOutgoing registers a dialed connection under the target's advertised
// address with status Identifying. An existing live entry is kept and
// returned together with ErrDuplicateConnection; conn is not registered.
func (r *Registry) AddOutgoing(target NodeID, conn net.Conn) (*Connection, error) {
	return r.add(Outgoing, target, conn)
}

func (r *Registry) add(d Direction, key NodeID, conn net.Conn) (*Connection, error) {
	mu, m := r.half(d)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := m[key]; ok {
		if existing.Status() != Disconnected {
			return existing, pkg.ErrDuplicateConnection
		}
		delete(m, key)
	}

	c := newConnection(conn, key, d)
	m[key] = c
	return c, nil
}

// Get returns the connection registered for the key, or nil.
func (r *Registry) Get(d Direction, key NodeID) *Connection {
	mu, m := r.half(d)
	mu.RLock()
	defer mu.RUnlock()
	return m[key]
}

// RenameIncoming re-keys an incoming entry from the provisional address to
// the peer's advertised one, learned during the join handshake. The receive
// buffer travels with the connection.
func (r *Registry) RenameIncoming(provisional, advertised NodeID) bool {
	r.incomingMu.Lock()
	defer r.incomingMu.Unlock()

	c, ok := r.incoming[provisional]
	if !ok {
		return false
	}
	delete(r.incoming, provisional)

	// A fresh handshake supersedes any lingering entry on the advertised
	// key; closing the old socket lets its reader exit.
	if old, ok := r.incoming[advertised]; ok {
		old.setStatus(Disconnected)
		old.Close()
		delete(r.incoming, advertised)
	}
	r.incoming[advertised] = c
	c.setRemote(advertised)
	return true
}

// MarkEstablished transitions the entry to Connected.
func (r *Registry) MarkEstablished(d Direction, key NodeID) bool {
	c := r.Get(d, key)
	if c == nil {
		return false
	}
	return c.setStatus(Connected)
}

// MarkDisconnected transitions the entry to Disconnected and removes it so a
// later attempt on the same key starts clean. Returns the entry's connection
// (nil if none) and whether this call moved it to Disconnected.
func (r *Registry) MarkDisconnected(d Direction, key NodeID) (*Connection, bool) {
	mu, m := r.half(d)
	mu.Lock()
	defer mu.Unlock()

	c, ok := m[key]
	if !ok {
		return nil, false
	}
	delete(m, key)
	if !c.setStatus(Disconnected) {
		return c, false
	}
	return c, true
}

// RemoveConn sweeps the entry only while it still maps to this exact
// connection; a peer that reconnected in the meantime keeps its fresh entry.
// Returns whether this connection was the current entry and whether it was
// still live.
func (r *Registry) RemoveConn(c *Connection) (current, live bool) {
	mu, m := r.half(c.direction)
	mu.Lock()
	defer mu.Unlock()

	key := c.Remote()
	live = c.setStatus(Disconnected)
	if m[key] == c {
		delete(m, key)
		return true, live
	}
	return false, live
}

// ConnectedIncoming returns a snapshot of incoming peers that completed the
// handshake.
func (r *Registry) ConnectedIncoming() []NodeID {
	return r.connected(Incoming)
}

// ConnectedOutgoing returns a snapshot of outgoing peers that completed the
// handshake.
func (r *Registry) ConnectedOutgoing() []NodeID {
	return r.connected(Outgoing)
}

func (r *Registry) connected(d Direction) []NodeID {
	mu, m := r.half(d)
	mu.RLock()
	defer mu.RUnlock()

	out := make([]NodeID, 0, len(m))
	for id, c := range m {
		if c.Status() == Connected {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// All returns a snapshot of every registered connection in the direction,
// regardless of status.
func (r *Registry) All(d Direction) []*Connection {
	mu, m := r.half(d)
	mu.RLock()
	defer mu.RUnlock()

	out := make([]*Connection, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Desire adds a peer to the desired outgoing set.
func (r *Registry) Desire(id NodeID) {
	r.desiredMu.Lock()
	defer r.desiredMu.Unlock()
	r.desired[id] = struct{}{}
}

// Undesire removes a peer from the desired outgoing set.
func (r *Registry) Undesire(id NodeID) {
	r.desiredMu.Lock()
	defer r.desiredMu.Unlock()
	delete(r.desired, id)
}

// Desired returns a snapshot of the desired outgoing set.
func (r *Registry) Desired() []NodeID {
	r.desiredMu.RLock()
	defer r.desiredMu.RUnlock()

	out := make([]NodeID, 0, len(r.desired))
	for id := range r.desired {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// MissingDesired returns desired peers with no live outgoing entry; the
// maintenance loop retries these.
func (r *Registry) MissingDesired() []NodeID {
	desired := r.Desired()

	r.outgoingMu.RLock()
	defer r.outgoingMu.RUnlock()

	var out []NodeID
	for _, id := range desired {
		if c, ok := r.outgoing[id]; !ok || c.Status() == Disconnected {
			out = append(out, id)
		}
	}
	return out
}
