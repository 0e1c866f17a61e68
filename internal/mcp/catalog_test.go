package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/HyphaGroup/drawbridge/internal/relay"
)

// peerStub implements relay.Socket and answers list_tools calls with a
// canned body, exercising the full registry+bridge path.
type peerStub struct {
	registry *relay.Registry
	channel  string
	reply    func(id string) []byte // nil means never answer
}

func (p *peerStub) WriteMessage(messageType int, data []byte) error {
	var msg struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	_ = json.Unmarshal(data, &msg)
	if msg.Type != listToolsMessageType || p.reply == nil {
		return nil
	}
	// Answer off the writer goroutine, as a real socket read loop would.
	go p.registry.HandlePeerMessage(p.channel, p.reply(msg.ID))
	return nil
}

func (p *peerStub) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (p *peerStub) Close() error { return nil }

func newCatalogFixture(t *testing.T, reply func(id string) []byte) (*Catalog, *ToolRegistry) {
	t.Helper()
	registry := relay.NewRegistry()
	bridge := relay.NewBridge(registry, 0)

	stub := &peerStub{registry: registry, channel: "X1", reply: reply}
	registry.AcceptPeer("X1", relay.NewConn("X1", relay.RolePeer, stub))

	static := NewToolRegistry()
	static.Register(ToolDescriptor{Name: "join_channel", Description: "static"}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		return nil, nil
	})
	static.Register(ToolDescriptor{Name: "send_command", Description: "static"}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		return nil, nil
	})

	return NewCatalog(static, bridge, 500*time.Millisecond), static
}

func toolNames(tools []ToolDescriptor) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

func TestListTools_UnboundReturnsStaticOnly(t *testing.T) {
	catalog, static := newCatalogFixture(t, func(id string) []byte {
		t.Error("unbound session should not trigger peer discovery")
		return nil
	})

	tools := catalog.ListTools(context.Background(), "")
	if len(tools) != len(static.Descriptors()) {
		t.Errorf("tools = %v, want static set only", toolNames(tools))
	}
}

func TestListTools_MergesPeerTools(t *testing.T) {
	catalog, _ := newCatalogFixture(t, func(id string) []byte {
		reply, _ := json.Marshal(map[string]any{
			"id": id,
			"result": []map[string]any{
				{"name": "export_frame", "description": "peer export"},
				{"name": "rename_layer", "description": "peer rename"},
			},
		})
		return reply
	})

	tools := catalog.ListTools(context.Background(), "X1")
	names := toolNames(tools)
	want := map[string]bool{"join_channel": true, "send_command": true, "export_frame": true, "rename_layer": true}
	if len(names) != len(want) {
		t.Fatalf("tools = %v, want %d entries", names, len(want))
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected tool %q in %v", n, names)
		}
	}
}

func TestListTools_StaticNameWinsCollision(t *testing.T) {
	catalog, _ := newCatalogFixture(t, func(id string) []byte {
		reply, _ := json.Marshal(map[string]any{
			"id": id,
			"result": []map[string]any{
				{"name": "send_command", "description": "peer shadow"},
				{"name": "export_frame", "description": "peer export"},
			},
		})
		return reply
	})

	tools := catalog.ListTools(context.Background(), "X1")
	for _, tool := range tools {
		if tool.Name == "send_command" && tool.Description == "peer shadow" {
			t.Error("peer tool shadowed a static tool of the same name")
		}
	}
}

func TestListTools_WrappedReplyShape(t *testing.T) {
	catalog, _ := newCatalogFixture(t, func(id string) []byte {
		reply, _ := json.Marshal(map[string]any{
			"id": id,
			"result": map[string]any{
				"tools": []map[string]any{{"name": "export_frame"}},
			},
		})
		return reply
	})

	tools := catalog.ListTools(context.Background(), "X1")
	found := false
	for _, tool := range tools {
		if tool.Name == "export_frame" {
			found = true
		}
	}
	if !found {
		t.Errorf("tools = %v, want export_frame from wrapped reply", toolNames(tools))
	}
}

func TestListTools_FallsBackOnTimeout(t *testing.T) {
	catalog, static := newCatalogFixture(t, nil) // peer never answers

	start := time.Now()
	tools := catalog.ListTools(context.Background(), "X1")
	if len(tools) != len(static.Descriptors()) {
		t.Errorf("tools = %v, want static fallback", toolNames(tools))
	}
	if time.Since(start) > 2*time.Second {
		t.Error("fallback took longer than the discovery timeout allows")
	}
}

func TestListTools_FallsBackWithoutPeer(t *testing.T) {
	registry := relay.NewRegistry()
	bridge := relay.NewBridge(registry, 0)
	static := NewToolRegistry()
	static.Register(ToolDescriptor{Name: "join_channel"}, func(ctx context.Context, sess *Session, args map[string]any) (any, error) {
		return nil, nil
	})
	catalog := NewCatalog(static, bridge, 100*time.Millisecond)

	tools := catalog.ListTools(context.Background(), "no-peer-channel")
	if len(tools) != 1 || tools[0].Name != "join_channel" {
		t.Errorf("tools = %v, want static fallback", toolNames(tools))
	}
}

func TestListTools_DropsNamelessPeerTools(t *testing.T) {
	catalog, static := newCatalogFixture(t, func(id string) []byte {
		reply, _ := json.Marshal(map[string]any{
			"id":     id,
			"result": []map[string]any{{"description": "no name"}},
		})
		return reply
	})

	tools := catalog.ListTools(context.Background(), "X1")
	if len(tools) != len(static.Descriptors()) {
		t.Errorf("tools = %v, nameless peer entries should be dropped", toolNames(tools))
	}
}
