package mcp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/drawbridge/internal/auth"
	"github.com/HyphaGroup/drawbridge/internal/config"
)

func newHTTPServer(t *testing.T, staticTokens []string) (*httptest.Server, *Server) {
	t.Helper()
	return newHTTPServerWithConfig(t, config.Default(), staticTokens)
}

func newHTTPServerWithConfig(t *testing.T, cfg *config.Config, staticTokens []string) (*httptest.Server, *Server) {
	t.Helper()
	srv := NewServer(cfg, auth.NewAuthorizer(staticTokens, nil))
	ts := httptest.NewServer(srv.ServeMux())
	t.Cleanup(ts.Close)
	return ts, srv
}

type rpcResult struct {
	status  int
	token   string
	payload JSONRPCResponse
}

func postMCP(t *testing.T, ts *httptest.Server, token, body string, headers map[string]string) rpcResult {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post /mcp: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := rpcResult{status: resp.StatusCode, token: resp.Header.Get(SessionHeader)}
	_ = json.NewDecoder(resp.Body).Decode(&out.payload)
	return out
}

func TestMCP_InitializeMintsSession(t *testing.T) {
	ts, srv := newHTTPServer(t, nil)

	res := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.status)
	}
	if res.token == "" {
		t.Fatal("response did not echo a session token")
	}
	if _, err := srv.Sessions().Resolve(res.token); err != nil {
		t.Errorf("minted token does not resolve: %v", err)
	}

	result, _ := res.payload.Result.(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v, want %s", result["protocolVersion"], protocolVersion)
	}
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != serverName {
		t.Errorf("serverInfo = %v", result["serverInfo"])
	}
}

func TestMCP_UnknownToken404(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	res := postMCP(t, ts, "bogus-token", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if res.status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.status)
	}
	if res.payload.Error == nil || res.payload.Error.Code != codeUnknownSession {
		t.Errorf("error = %+v, want code %d", res.payload.Error, codeUnknownSession)
	}
}

func TestMCP_MalformedBody400(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	res := postMCP(t, ts, "", `{"jsonrpc":`, nil)
	if res.status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.status)
	}
	if res.payload.Error == nil || res.payload.Error.Code != codeParseError {
		t.Errorf("error = %+v, want parse error", res.payload.Error)
	}
}

func TestMCP_UnsupportedMethod(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	res := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.status)
	}
	if res.payload.Error == nil || res.payload.Error.Code != codeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", res.payload.Error)
	}
	if res.payload.Error != nil && !strings.Contains(res.payload.Error.Message, "resources/list") {
		t.Errorf("error message %q should name the method", res.payload.Error.Message)
	}
}

func TestMCP_NotificationAccepted(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	res := postMCP(t, ts, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if res.status != http.StatusAccepted {
		t.Errorf("status = %d, want 202", res.status)
	}
}

func TestMCP_RequestWithoutIDGetsNoResponse(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	// Any request without an id is a notification: processed, never
	// answered with an "id":null response.
	res := postMCP(t, ts, "", `{"jsonrpc":"2.0","method":"ping"}`, nil)
	if res.status != http.StatusAccepted {
		t.Errorf("id-less ping status = %d, want 202", res.status)
	}
	if res.payload.Result != nil || res.payload.Error != nil {
		t.Errorf("id-less ping got a response body: %+v", res.payload)
	}

	// The same method with an id is answered normally.
	res = postMCP(t, ts, "", `{"jsonrpc":"2.0","id":9,"method":"ping"}`, nil)
	if res.status != http.StatusOK || res.payload.Error != nil {
		t.Errorf("ping with id: status = %d, error = %+v", res.status, res.payload.Error)
	}
}

func TestMCP_ToolCallUnboundSession(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	init := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)

	res := postMCP(t, ts, init.token,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"channel_status"}}`, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.status)
	}

	// Tool failures come back as isError results, not protocol errors.
	if res.payload.Error != nil {
		t.Fatalf("got protocol error %+v, want isError result", res.payload.Error)
	}
	result, _ := res.payload.Result.(map[string]any)
	if result["isError"] != true {
		t.Errorf("result = %v, want isError=true", res.payload.Result)
	}
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		t.Fatal("result has no content")
	}
	block, _ := content[0].(map[string]any)
	if text, _ := block["text"].(string); !strings.Contains(text, "join_channel") {
		t.Errorf("error text %q should point at join_channel", text)
	}
}

func TestMCP_ToolsListStatic(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	res := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.status)
	}
	result, _ := res.payload.Result.(map[string]any)
	tools, _ := result["tools"].([]any)
	names := make(map[string]bool, len(tools))
	for _, raw := range tools {
		tool, _ := raw.(map[string]any)
		name, _ := tool["name"].(string)
		names[name] = true
	}
	for _, want := range []string{"join_channel", "channel_status", "send_command", "list_peer_tools", "get_document_info"} {
		if !names[want] {
			t.Errorf("tools/list missing %q (got %v)", want, names)
		}
	}
}

func TestMCP_DeleteTerminatesSession(t *testing.T) {
	ts, srv := newHTTPServer(t, nil)

	init := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	req.Header.Set(SessionHeader, init.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if _, err := srv.Sessions().Resolve(init.token); err != ErrUnknownSession {
		t.Error("session survived DELETE")
	}

	// A second DELETE finds nothing.
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp2.StatusCode)
	}
}

func TestMCP_SessionIdlesOutOverHTTP(t *testing.T) {
	ts, srv := newHTTPServer(t, nil)

	init := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	join := postMCP(t, ts, init.token,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"join_channel","arguments":{"channel":"IDLE"}}}`, nil)
	if join.payload.Error != nil {
		t.Fatalf("join_channel: %+v", join.payload.Error)
	}

	// Shrink the idle window under the live server; the sweep at the start
	// of the next routed request must evict before token resolution.
	srv.sessions.ttl = 10 * time.Millisecond
	time.Sleep(30 * time.Millisecond)

	res := postMCP(t, ts, init.token, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, nil)
	if res.status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after idle eviction", res.status)
	}
	if res.payload.Error == nil || res.payload.Error.Code != codeUnknownSession {
		t.Errorf("error = %+v, want code %d", res.payload.Error, codeUnknownSession)
	}
	if srv.Sessions().Count() != 0 {
		t.Errorf("session count = %d, want 0", srv.Sessions().Count())
	}
}

func TestMCP_ConfiguredBridgeTimeoutApplies(t *testing.T) {
	cfg := config.Default()
	cfg.BridgeTimeoutMs = 50
	ts, _ := newHTTPServerWithConfig(t, cfg, nil)

	// Peer that connects and reads but never answers.
	wsEndpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channel=SLOW&type=peer"
	peer, _, err := websocket.DefaultDialer.Dial(wsEndpoint, nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer func() { _ = peer.Close() }()
	go func() {
		for {
			if _, _, err := peer.ReadMessage(); err != nil {
				return
			}
		}
	}()

	init := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	postMCP(t, ts, init.token,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"join_channel","arguments":{"channel":"SLOW"}}}`, nil)

	start := time.Now()
	res := postMCP(t, ts, init.token,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"send_command","arguments":{"command":"export_frame"}}}`, nil)
	elapsed := time.Since(start)

	if res.payload.Error != nil {
		t.Fatalf("send_command: %+v", res.payload.Error)
	}
	result, _ := res.payload.Result.(map[string]any)
	if result["isError"] != true {
		t.Fatalf("result = %v, want isError=true", res.payload.Result)
	}
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		t.Fatal("result has no content")
	}
	block, _ := content[0].(map[string]any)
	if text, _ := block["text"].(string); !strings.Contains(text, "timed out") {
		t.Errorf("result text %q should report the timeout", text)
	}
	if elapsed > 5*time.Second {
		t.Errorf("call without an override took %v, configured bridge timeout did not apply", elapsed)
	}
}

func TestMCP_AuthGate(t *testing.T) {
	ts, _ := newHTTPServer(t, []string{"secret-token"})

	res := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if res.status != http.StatusUnauthorized {
		t.Errorf("no bearer: status = %d, want 401", res.status)
	}

	res = postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	if res.status != http.StatusUnauthorized {
		t.Errorf("wrong bearer: status = %d, want 401", res.status)
	}

	res = postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Authorization": "Bearer secret-token"})
	if res.status != http.StatusOK {
		t.Errorf("valid bearer: status = %d, want 200", res.status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["authEnabled"] != false {
		t.Errorf("health = %v", body)
	}
	if _, ok := body["activeSessions"]; !ok {
		t.Error("health missing activeSessions")
	}
}

// End-to-end: a session joins a channel with a live websocket peer and
// routes send_command through the bridge.
func TestMCP_SendCommandThroughLivePeer(t *testing.T) {
	ts, _ := newHTTPServer(t, nil)

	wsEndpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channel=E2E&type=peer"
	peer, _, err := websocket.DefaultDialer.Dial(wsEndpoint, nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer func() { _ = peer.Close() }()

	// Peer loop: skip the connected ack, answer export_frame calls.
	go func() {
		for {
			_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, raw, err := peer.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			}
			_ = json.Unmarshal(raw, &msg)
			if msg.Type != "export_frame" {
				continue
			}
			reply, _ := json.Marshal(map[string]any{"id": msg.ID, "result": map[string]string{"url": "file://frame.png"}})
			_ = peer.WriteMessage(websocket.TextMessage, reply)
		}
	}()

	init := postMCP(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)

	join := postMCP(t, ts, init.token,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"join_channel","arguments":{"channel":"E2E"}}}`, nil)
	if join.payload.Error != nil {
		t.Fatalf("join_channel: %+v", join.payload.Error)
	}
	joinResult, _ := join.payload.Result.(map[string]any)
	if joinResult["isError"] == true {
		t.Fatalf("join_channel failed: %v", joinResult)
	}

	res := postMCP(t, ts, init.token,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"send_command","arguments":{"command":"export_frame","timeoutMs":3000}}}`, nil)
	if res.payload.Error != nil {
		t.Fatalf("send_command: %+v", res.payload.Error)
	}
	result, _ := res.payload.Result.(map[string]any)
	if result["isError"] == true {
		t.Fatalf("send_command failed: %v", result)
	}
	content, _ := result["content"].([]any)
	if len(content) == 0 {
		t.Fatal("send_command result has no content")
	}
	block, _ := content[0].(map[string]any)
	if text, _ := block["text"].(string); !strings.Contains(text, "frame.png") {
		t.Errorf("result text %q should carry the peer reply", text)
	}
}
