// handler.go exposes the relay over HTTP: the websocket endpoint sockets
// connect to, plus the request/response bridge surface for out-of-process
// callers.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/drawbridge/internal/logger"
)

// Handler serves /ws, /bridge, and /status.
type Handler struct {
	registry *Registry
	bridge   *Bridge
	upgrader websocket.Upgrader
}

// NewHandler creates the relay HTTP handler. allowedOrigins of nil or
// ["*"] disables origin checking (non-browser peers send no Origin).
func NewHandler(registry *Registry, bridge *Bridge, allowedOrigins []string) *Handler {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return &Handler{
		registry: registry,
		bridge:   bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return originSet[origin]
			},
		},
	}
}

// Register mounts the relay endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/bridge", h.ServeBridge)
	mux.HandleFunc("/status", h.ServeStatus)
}

// ServeWS upgrades the request and registers the socket under the channel
// and role given in the query string. A peer may omit the channel id, in
// which case the registry generates one and reports it in the connected ack.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	role := r.URL.Query().Get("type")
	if role == "" {
		role = RoleCaller
	}
	if role != RolePeer && role != RoleCaller {
		http.Error(w, "type must be peer or caller", http.StatusBadRequest)
		return
	}
	if channelID == "" {
		if role != RolePeer {
			http.Error(w, "channel is required", http.StatusBadRequest)
			return
		}
		channelID = uuid.NewString()
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		return
	}

	conn := NewConn(channelID, role, wsConn)
	switch role {
	case RolePeer:
		h.registry.AcceptPeer(channelID, conn)
	default:
		h.registry.AcceptCaller(channelID, conn)
	}

	go h.readLoop(conn, wsConn)
}

// readLoop pumps frames off one socket until it closes, then unregisters
// it. Peers are read here too: per-socket read order is what gives callers
// in-order delivery of a peer's messages.
func (h *Handler) readLoop(conn *Conn, wsConn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.registry.RemoveConnection(conn.Channel(), conn)
	}()

	for {
		msgType, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		switch conn.Role() {
		case RolePeer:
			h.registry.HandlePeerMessage(conn.Channel(), raw)
		default:
			h.handleCallerFrame(conn, raw)
		}
	}
}

// handleCallerFrame forwards a caller frame to the peer, answering the
// caller directly with a system error when no peer is registered.
func (h *Handler) handleCallerFrame(conn *Conn, raw []byte) {
	err := h.registry.ForwardToPeer(conn.Channel(), raw)
	if err == nil {
		return
	}

	var env callEnvelope
	_ = json.Unmarshal(raw, &env)

	ev := newSystemEvent(EventError, conn.Channel())
	ev.ID = env.ID
	if errors.Is(err, ErrNoPeer) {
		ev.Message = "peer not connected"
	} else {
		ev.Message = "failed to deliver to peer: " + err.Error()
	}
	if werr := conn.WriteJSON(ev); werr != nil {
		logger.Error("Channel %s: failed to report forward error to caller %s: %v", conn.Channel(), conn.ID(), werr)
	}
}

// bridgeRequest is the body of POST /bridge.
type bridgeRequest struct {
	Message   json.RawMessage `json:"message"`
	TimeoutMs int             `json:"timeoutMs"`
}

// ServeBridge brokers one synchronous bridge call over the relay.
//
// Responses: 200 {ok:true,result}, 400 malformed body, 409 no peer,
// 500 send failure, 504 {ok:false,error} on timeout.
func (h *Handler) ServeBridge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "POST required"})
		return
	}
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "channel is required"})
		return
	}

	var req bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Message) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed body: expected {message, timeoutMs?}"})
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := h.bridge.Call(r.Context(), channelID, req.Message, timeout)
	if err != nil {
		var timeoutErr *TimeoutError
		switch {
		case errors.Is(err, ErrNoPeer):
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		case errors.As(err, &timeoutErr):
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{"ok": false, "error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		}
		return
	}

	resp := map[string]any{"ok": true}
	if len(result) > 0 {
		resp["result"] = json.RawMessage(result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeStatus reports whether a peer is connected on the channel.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "channel is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peerConnected": h.registry.PeerConnected(channelID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
