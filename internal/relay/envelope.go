// envelope.go defines the JSON message shapes that flow over relay sockets.
//
// Caller -> peer messages carry {type, id?, payload?}. Peer -> caller
// messages are either replies {id, result?/error?} or arbitrary push
// traffic; the relay itself only ever injects "system" envelopes.
package relay

import "encoding/json"

// Connection roles accepted on the socket endpoint.
const (
	RolePeer   = "peer"
	RoleCaller = "caller"
)

// System event names injected by the registry.
const (
	EventConnected        = "connected"
	EventPeerConnected    = "peer_connected"
	EventPeerDisconnected = "peer_disconnected"
	EventError            = "error"
)

// SystemEvent is a relay-originated notification sent to connected sockets.
type SystemEvent struct {
	Type          string `json:"type"` // always "system"
	Event         string `json:"event"`
	Channel       string `json:"channel,omitempty"`
	ID            string `json:"id,omitempty"` // correlation id when replying to a specific caller message
	PeerConnected *bool  `json:"peerConnected,omitempty"`
	Message       string `json:"message,omitempty"`
}

func newSystemEvent(event, channel string) *SystemEvent {
	return &SystemEvent{Type: "system", Event: event, Channel: channel}
}

func boolPtr(b bool) *bool { return &b }

// callEnvelope is the subset of a caller message the relay inspects.
// The payload itself is carried opaquely.
type callEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// peerReply is the subset of a peer message the bridge correlator inspects.
type peerReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// hasError reports whether the reply declares an error field.
func (r *peerReply) hasError() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// errorText renders the error field as a human-readable string.
func (r *peerReply) errorText() string {
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(r.Error)
}
