// catalog.go merges the static tool list with the list the controlled peer
// advertises. Discovery is advisory: any failure degrades to the static
// list instead of surfacing an error.
package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/drawbridge/internal/logger"
	"github.com/HyphaGroup/drawbridge/internal/relay"
)

// listToolsMessageType is the bridge message the peer answers with its
// tool descriptors.
const listToolsMessageType = "list_tools"

// Catalog aggregates static and peer-advertised tool descriptors.
type Catalog struct {
	static  *ToolRegistry
	bridge  *relay.Bridge
	timeout time.Duration
}

// NewCatalog creates an aggregator. timeout bounds the dynamic fetch and
// should be short; discovery must never block a caller for long.
func NewCatalog(static *ToolRegistry, bridge *relay.Bridge, timeout time.Duration) *Catalog {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Catalog{static: static, bridge: bridge, timeout: timeout}
}

// ListTools returns the static descriptors unconditionally when no channel
// is bound. With a bound channel it additionally fetches the peer's own
// list and merges it in, dropping any dynamic entry whose name collides
// with a static one. Every fetch failure falls back to the static list.
func (c *Catalog) ListTools(ctx context.Context, channelID string) []ToolDescriptor {
	static := c.static.Descriptors()
	if channelID == "" {
		return static
	}

	dynamic, err := c.fetchPeerTools(ctx, channelID)
	if err != nil {
		logger.Slog().Debug("peer tool discovery failed, using static catalog",
			"channel", channelID, "error", err)
		return static
	}

	seen := make(map[string]bool, len(static))
	for _, t := range static {
		seen[t.Name] = true
	}
	merged := static
	for _, t := range dynamic {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		merged = append(merged, t)
	}
	return merged
}

// fetchPeerTools issues the short-timeout bridge call for the peer's tool
// list. The peer may answer with a bare array or {tools: [...]}.
func (c *Catalog) fetchPeerTools(ctx context.Context, channelID string) ([]ToolDescriptor, error) {
	msg, err := json.Marshal(map[string]any{
		"type": listToolsMessageType,
		"id":   uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.bridge.Call(ctx, channelID, msg, c.timeout)
	if err != nil {
		return nil, err
	}

	var tools []ToolDescriptor
	if err := json.Unmarshal(raw, &tools); err == nil {
		return tools, nil
	}
	var wrapped struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Tools, nil
}
