package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/drawbridge/internal/logger"
	"github.com/HyphaGroup/drawbridge/internal/metrics"
)

// ErrNoPeer is returned when a forward is attempted on a channel that has
// no registered peer. The relay never queues on the peer's behalf.
var ErrNoPeer = errors.New("peer not connected")

// PeerObserver is notified about peer traffic and peer loss. The bridge
// correlator implements this to match replies and fail in-flight calls.
type PeerObserver interface {
	// ObservePeerMessage sees every frame a peer sends, before broadcast.
	ObservePeerMessage(channelID string, raw []byte)
	// PeerLost is invoked after a channel's peer slot has been cleared.
	PeerLost(channelID string)
}

// channel groups the single peer socket with the set of caller sockets
// bridged to it.
type channel struct {
	id        string
	peer      *Conn
	callers   map[string]*Conn // conn id -> conn
	createdAt time.Time
}

// Registry owns the channel-id-to-connection mapping and implements
// forwarding, broadcast, and peer-replacement semantics.
//
// All structural absence (unknown channel, missing peer) is a normal
// observable state; registry operations never panic for it.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channel
	observer PeerObserver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channel)}
}

// SetObserver installs the peer-traffic observer. Must be called before
// connections are accepted.
func (r *Registry) SetObserver(obs PeerObserver) {
	r.observer = obs
}

// getOrCreate returns the channel for id, creating it on first reference.
// Caller must hold r.mu.
func (r *Registry) getOrCreate(id string) *channel {
	ch, ok := r.channels[id]
	if !ok {
		ch = &channel{id: id, callers: make(map[string]*Conn), createdAt: time.Now()}
		r.channels[id] = ch
		metrics.ChannelsActive.Set(float64(len(r.channels)))
	}
	return ch
}

// AcceptPeer registers conn as the channel's peer. An existing peer is
// closed with a distinguishing reason before the new one is installed:
// last one accepted wins. Callers are notified that a peer arrived and the
// new peer receives a connected acknowledgment.
func (r *Registry) AcceptPeer(channelID string, conn *Conn) {
	r.mu.Lock()
	ch := r.getOrCreate(channelID)
	old := ch.peer
	ch.peer = conn
	callers := snapshotCallers(ch)
	r.mu.Unlock()

	if old != nil {
		logger.Info("Channel %s: peer %s superseded by %s", channelID, old.ID(), conn.ID())
		old.CloseWithReason(websocket.ClosePolicyViolation, "superseded by newer peer connection")
	} else {
		metrics.PeersConnected.Inc()
	}

	ack := newSystemEvent(EventConnected, channelID)
	ack.PeerConnected = boolPtr(true)
	if err := conn.WriteJSON(ack); err != nil {
		logger.Error("Channel %s: failed to ack peer %s: %v", channelID, conn.ID(), err)
	}

	note := newSystemEvent(EventPeerConnected, channelID)
	for _, caller := range callers {
		if err := caller.WriteJSON(note); err != nil {
			logger.Error("Channel %s: failed to notify caller %s: %v", channelID, caller.ID(), err)
		}
	}
	logger.Info("Channel %s: peer %s connected (%d callers)", channelID, conn.ID(), len(callers))
}

// AcceptCaller adds conn to the channel's caller set and immediately acks
// it, reporting whether a peer is currently present.
func (r *Registry) AcceptCaller(channelID string, conn *Conn) {
	r.mu.Lock()
	ch := r.getOrCreate(channelID)
	ch.callers[conn.ID()] = conn
	hasPeer := ch.peer != nil
	r.mu.Unlock()

	metrics.CallersConnected.Inc()

	ack := newSystemEvent(EventConnected, channelID)
	ack.PeerConnected = boolPtr(hasPeer)
	if err := conn.WriteJSON(ack); err != nil {
		logger.Error("Channel %s: failed to ack caller %s: %v", channelID, conn.ID(), err)
	}
	logger.Info("Channel %s: caller %s connected (peer=%v)", channelID, conn.ID(), hasPeer)
}

// ForwardToPeer delivers payload verbatim to the channel's peer. It returns
// ErrNoPeer when the channel has no registered peer; the message is never
// queued for later delivery.
func (r *Registry) ForwardToPeer(channelID string, payload []byte) error {
	r.mu.RLock()
	ch := r.channels[channelID]
	var peer *Conn
	if ch != nil {
		peer = ch.peer
	}
	r.mu.RUnlock()

	if peer == nil {
		return ErrNoPeer
	}
	if err := peer.WriteRaw(payload); err != nil {
		return err
	}
	metrics.FramesRelayed.WithLabelValues("to_peer").Inc()
	return nil
}

// BroadcastFromPeer fans a peer frame out to every registered caller.
// A failed delivery to one caller does not block delivery to the others.
func (r *Registry) BroadcastFromPeer(channelID string, payload []byte) {
	r.mu.RLock()
	ch := r.channels[channelID]
	var callers []*Conn
	if ch != nil {
		callers = snapshotCallers(ch)
	}
	r.mu.RUnlock()

	for _, caller := range callers {
		if err := caller.WriteRaw(payload); err != nil {
			logger.Error("Channel %s: broadcast to caller %s failed: %v", channelID, caller.ID(), err)
		}
	}
	metrics.FramesRelayed.WithLabelValues("to_callers").Inc()
}

// RemoveConnection unregisters conn from its channel. A disconnecting peer
// clears the peer slot only if it is still the currently-registered peer;
// a close event from a socket that was already superseded must not clear
// the newer peer. Clearing the slot notifies callers and the observer.
func (r *Registry) RemoveConnection(channelID string, conn *Conn) {
	r.mu.Lock()
	ch := r.channels[channelID]
	if ch == nil {
		r.mu.Unlock()
		return
	}

	peerCleared := false
	switch conn.Role() {
	case RolePeer:
		if ch.peer != nil && ch.peer.ID() == conn.ID() {
			ch.peer = nil
			peerCleared = true
		}
	default:
		if _, ok := ch.callers[conn.ID()]; ok {
			delete(ch.callers, conn.ID())
			metrics.CallersConnected.Dec()
		}
	}

	var callers []*Conn
	if peerCleared {
		callers = snapshotCallers(ch)
	}

	// Opportunistic GC: an empty channel is indistinguishable from one
	// recreated on next use.
	if ch.peer == nil && len(ch.callers) == 0 {
		delete(r.channels, channelID)
		metrics.ChannelsActive.Set(float64(len(r.channels)))
	}
	r.mu.Unlock()

	if peerCleared {
		metrics.PeersConnected.Dec()
		logger.Info("Channel %s: peer %s disconnected", channelID, conn.ID())
		note := newSystemEvent(EventPeerDisconnected, channelID)
		for _, caller := range callers {
			if err := caller.WriteJSON(note); err != nil {
				logger.Error("Channel %s: failed to notify caller %s: %v", channelID, caller.ID(), err)
			}
		}
		if r.observer != nil {
			r.observer.PeerLost(channelID)
		}
	}
}

// HandlePeerMessage routes a frame received from a channel's peer: the
// observer sees it first (reply correlation), then it is broadcast to all
// callers as ordinary relay traffic.
func (r *Registry) HandlePeerMessage(channelID string, raw []byte) {
	if r.observer != nil {
		r.observer.ObservePeerMessage(channelID, raw)
	}
	r.BroadcastFromPeer(channelID, raw)
}

// PeerConnected reports whether the channel currently has a peer.
func (r *Registry) PeerConnected(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch := r.channels[channelID]
	return ch != nil && ch.peer != nil
}

// CallerCount returns the number of callers registered on the channel.
func (r *Registry) CallerCount(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch := r.channels[channelID]; ch != nil {
		return len(ch.callers)
	}
	return 0
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func snapshotCallers(ch *channel) []*Conn {
	out := make([]*Conn, 0, len(ch.callers))
	for _, c := range ch.callers {
		out = append(out, c)
	}
	return out
}
