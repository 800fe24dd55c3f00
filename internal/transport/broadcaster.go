package transport

// Cluster event types pushed to the status page.
const (
	EventPeerConnected    = "peer_connected"
	EventPeerDisconnected = "peer_disconnected"
	EventLeaderChanged    = "leader_changed"
)

// EventBroadcaster notifies external observers (the websocket hub on the
// status server) of topology changes without a dependency from the network
// on the API layer.
type EventBroadcaster interface {
	// BroadcastClusterEvent sends a topology change notification. The
	// event is serialized and pushed to every subscriber.
	BroadcastClusterEvent(event any) error
}

// ClusterEvent is one topology change.
type ClusterEvent struct {
	Type      string `json:"type"`
	Node      string `json:"node"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
