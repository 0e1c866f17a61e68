// bridge.go turns the asynchronous relay into a synchronous-looking RPC:
// a caller message carrying a correlation id is forwarded to the peer and
// parked until a reply with the same id surfaces, the deadline fires, or
// the peer drops.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/drawbridge/internal/logger"
	"github.com/HyphaGroup/drawbridge/internal/metrics"
)

// DefaultCallTimeout is deliberately long: the operations the peer executes
// (document edits, exports) can be slow. Callers may override per call.
const DefaultCallTimeout = 2 * time.Minute

// TimeoutError reports that no reply arrived for a correlation id within
// the deadline.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge call %s timed out after %s", e.CorrelationID, e.Timeout)
}

// PeerError carries an error field the peer declared in its reply.
type PeerError struct {
	CorrelationID string
	Message       string
}

func (e *PeerError) Error() string { return e.Message }

// ErrPeerDisconnected rejects pending calls when the channel's peer drops
// mid-flight.
var ErrPeerDisconnected = errors.New("peer disconnected before replying")

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall parks one in-flight bridge call. The map entry is the claim
// token: whichever path deletes the entry is the one that settles done,
// so a correlation id settles at most once. done is buffered so settling
// never blocks.
type pendingCall struct {
	id   string
	done chan outcome
}

// Bridge correlates caller requests with asynchronous peer replies by
// correlation id. It observes every peer frame via the Registry.
type Bridge struct {
	registry       *Registry
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]map[string]*pendingCall // channel id -> correlation id -> call
}

// NewBridge creates a correlator bound to registry and installs it as the
// registry's peer observer. defaultTimeout applies to calls without a
// per-call override; <= 0 selects DefaultCallTimeout.
func NewBridge(registry *Registry, defaultTimeout time.Duration) *Bridge {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	b := &Bridge{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]map[string]*pendingCall),
	}
	registry.SetObserver(b)
	return b
}

// Call forwards message to the channel's peer and waits for the reply
// matching the message's correlation id. It fails immediately, creating no
// pending entry, when the channel has no peer. A message without a
// correlation id is fire-and-forget: forwarded, then settled as sent with
// a nil result.
//
// timeout <= 0 selects the bridge's configured default. The returned error
// is ErrNoPeer, a *TimeoutError, a *PeerError, ErrPeerDisconnected, or a
// send failure.
func (b *Bridge) Call(ctx context.Context, channelID string, message json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	var env callEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, fmt.Errorf("malformed bridge message: %w", err)
	}

	if !b.registry.PeerConnected(channelID) {
		metrics.BridgeCalls.WithLabelValues("no_peer").Inc()
		return nil, ErrNoPeer
	}

	// Fire-and-forget: no id means nothing to wait for.
	if env.ID == "" {
		if err := b.registry.ForwardToPeer(channelID, message); err != nil {
			metrics.BridgeCalls.WithLabelValues("send_failed").Inc()
			return nil, err
		}
		metrics.BridgeCalls.WithLabelValues("sent").Inc()
		return nil, nil
	}

	call := &pendingCall{id: env.ID, done: make(chan outcome, 1)}
	b.mu.Lock()
	byID := b.pending[channelID]
	if byID == nil {
		byID = make(map[string]*pendingCall)
		b.pending[channelID] = byID
	}
	byID[env.ID] = call
	b.mu.Unlock()

	start := time.Now()
	if err := b.registry.ForwardToPeer(channelID, message); err != nil {
		b.claim(channelID, env.ID)
		metrics.BridgeCalls.WithLabelValues("send_failed").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.done:
		metrics.BridgeCallDuration.Observe(time.Since(start).Seconds())
		if out.err != nil {
			metrics.BridgeCalls.WithLabelValues("error").Inc()
			return nil, out.err
		}
		metrics.BridgeCalls.WithLabelValues("ok").Inc()
		return out.result, nil
	case <-timer.C:
		// Remove our own entry before settling so a late reply finds
		// nothing to re-settle.
		if b.claim(channelID, env.ID) != nil {
			metrics.BridgeCalls.WithLabelValues("timeout").Inc()
			return nil, &TimeoutError{CorrelationID: env.ID, Timeout: timeout}
		}
		// A settle raced the timer and won; honor it.
		out := <-call.done
		if out.err != nil {
			metrics.BridgeCalls.WithLabelValues("error").Inc()
			return nil, out.err
		}
		metrics.BridgeCalls.WithLabelValues("ok").Inc()
		return out.result, nil
	case <-ctx.Done():
		if b.claim(channelID, env.ID) != nil {
			metrics.BridgeCalls.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		}
		out := <-call.done
		return out.result, out.err
	}
}

// claim removes and returns the pending entry for (channelID, id), or nil
// if it was already claimed. Whoever claims the entry settles it.
func (b *Bridge) claim(channelID, id string) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID := b.pending[channelID]
	call, ok := byID[id]
	if !ok {
		return nil
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(b.pending, channelID)
	}
	return call
}

// ObservePeerMessage implements PeerObserver. Frames that parse as JSON and
// carry a correlation id matching a pending entry settle it; everything
// else passes through untouched so the peer can push unsolicited events.
func (b *Bridge) ObservePeerMessage(channelID string, raw []byte) {
	var reply peerReply
	if err := json.Unmarshal(raw, &reply); err != nil || reply.ID == "" {
		return
	}

	call := b.claim(channelID, reply.ID)
	if call == nil {
		// Unsolicited or late; the registry broadcasts it regardless.
		logger.Slog().Debug("unmatched peer reply", "channel", channelID, "id", reply.ID)
		return
	}

	if reply.hasError() {
		call.done <- outcome{err: &PeerError{CorrelationID: reply.ID, Message: reply.errorText()}}
		return
	}
	call.done <- outcome{result: reply.Result}
}

// PeerLost implements PeerObserver: every outstanding call on the channel
// is rejected exactly once, leaving zero pending entries behind.
func (b *Bridge) PeerLost(channelID string) {
	b.mu.Lock()
	byID := b.pending[channelID]
	delete(b.pending, channelID)
	b.mu.Unlock()

	for _, call := range byID {
		call.done <- outcome{err: ErrPeerDisconnected}
	}
	if len(byID) > 0 {
		logger.Info("Channel %s: rejected %d pending bridge calls on peer loss", channelID, len(byID))
	}
}

// PendingCount returns the number of outstanding calls for a channel.
func (b *Bridge) PendingCount(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[channelID])
}
