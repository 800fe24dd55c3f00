package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshdb/meshdb/internal/document"
)

// Reserved message kinds.
const (
	KindJoinRequest              = "JoinRequest"
	KindJoinResult               = "JoinResult"
	KindHeartbeat                = "Heartbeat"
	KindInitiateLeaderVote       = "InitiateLeaderVote"
	KindLeaderVoteResponse       = "LeaderVoteResponse"
	KindNewLeader                = "NewLeader"
	KindLeaderRequest            = "LeaderRequest"
	KindLeaderResponse           = "LeaderResponse"
	KindChordSuccessorRequest    = "ChordSuccessorRequest"
	KindChordSuccessorResponse   = "ChordSuccessorResponse"
	KindChordPredecessorRequest  = "ChordPredecessorRequest"
	KindChordPredecessorResponse = "ChordPredecessorResponse"
	KindChordNotify              = "ChordNotify"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus int32

const (
	StatusCreated MessageStatus = iota
	StatusSending
	StatusSent
	StatusSendingFailure
	StatusWaitingForResponse
	StatusResponseReceived
	StatusResponseFailure
	StatusResponseTimeout
)

// String returns the status name for logs.
func (s MessageStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusSendingFailure:
		return "sending_failure"
	case StatusWaitingForResponse:
		return "waiting_for_response"
	case StatusResponseReceived:
		return "response_received"
	case StatusResponseFailure:
		return "response_failure"
	case StatusResponseTimeout:
		return "response_timeout"
	default:
		return "unknown"
	}
}

// Message is one framed unit of communication with a peer. Wire fields are
// immutable after creation; the runtime fields (status, response, deadline)
// are managed by the network.
type Message struct {
	// Wire fields
	ID                 uint32
	InResponseTo       uint32
	WaitingForResponse bool
	Kind               string
	Payload            *document.Document

	// Routing
	Address   NodeID
	Direction Direction

	// AllowIdentifying permits the message to travel a connection whose
	// join handshake has not completed. Handshake traffic, heartbeats and
	// responses built by Respond set it.
	AllowIdentifying bool

	// OnResponse is invoked on a delivery worker exactly once when the
	// correlated response arrives.
	OnResponse func(*Message)

	// ExpireAt is the response deadline. Zero means the network applies
	// its default TTL when the message is sent.
	ExpireAt time.Time

	status   atomic.Int32
	respMu   sync.Mutex
	response *Message
}

// NewMessage creates an original (non-response) message addressed to a peer's
// outgoing connection.
func NewMessage(kind string, payload *document.Document, to NodeID) *Message {
	if payload == nil {
		payload = document.New()
	}
	return &Message{
		Kind:      kind,
		Payload:   payload,
		Address:   to,
		Direction: Outgoing,
	}
}

// NewRequest creates a message that expects a correlated response.
func NewRequest(kind string, payload *document.Document, to NodeID) *Message {
	m := NewMessage(kind, payload, to)
	m.WaitingForResponse = true
	return m
}

// Respond creates a reply to this message, routed back on the connection the
// request arrived on.
func (m *Message) Respond(kind string, payload *document.Document) *Message {
	if payload == nil {
		payload = document.New()
	}
	return &Message{
		InResponseTo:     m.ID,
		Kind:             kind,
		Payload:          payload,
		Address:          m.Address,
		Direction:        m.Direction,
		AllowIdentifying: true,
	}
}

// Status returns the message's current lifecycle state.
func (m *Message) Status() MessageStatus {
	return MessageStatus(m.status.Load())
}

func (m *Message) setStatus(s MessageStatus) {
	m.status.Store(int32(s))
}

// casStatus transitions old→new only if the status has not moved on; a
// response that lands between the socket write and the transition wins.
func (m *Message) casStatus(old, new MessageStatus) bool {
	return m.status.CompareAndSwap(int32(old), int32(new))
}

// Succeeded reports whether the message reached a successful terminal state.
func (m *Message) Succeeded() bool {
	s := m.Status()
	return s == StatusSent || s == StatusResponseReceived
}

// Done reports whether the message left all transient states.
func (m *Message) Done() bool {
	switch m.Status() {
	case StatusCreated, StatusSending, StatusWaitingForResponse:
		return false
	}
	return true
}

// Response returns the correlated response, if one arrived.
func (m *Message) Response() *Message {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	return m.response
}

func (m *Message) setResponse(r *Message) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	m.response = r
}

// Resolve completes the message with a received response. Alternative
// Network implementations (in-memory buses in tests) drive the lifecycle
// through this and Fail.
func (m *Message) Resolve(resp *Message) {
	m.setResponse(resp)
	m.setStatus(StatusResponseReceived)
	if cb := m.OnResponse; cb != nil {
		cb(resp)
	}
}

// Fail moves the message to a terminal failure state.
func (m *Message) Fail(s MessageStatus) {
	m.setStatus(s)
}

// idGenerator assigns per-sender message ids: monotone, atomic, skipping
// zero on wrap since zero marks "not a response" in inResponseTo.
type idGenerator struct {
	last atomic.Uint32
}

// Next returns the next non-zero id.
func (g *idGenerator) Next() uint32 {
	for {
		id := g.last.Add(1)
		if id != 0 {
			return id
		}
	}
}
