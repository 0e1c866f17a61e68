// drawbridge-client joins a relay channel as a caller or a peer over
// websocket, reconnecting with backoff when the connection drops.
//
// Peer mode answers ping and list_tools so the bridge can be exercised end
// to end without a real controlled peer. Caller mode prints broadcast
// traffic and forwards stdin lines as raw messages.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

func main() {
	server := flag.String("server", "ws://localhost:3055", "Relay server base URL")
	channel := flag.String("channel", "", "Channel id to join (required for callers)")
	role := flag.String("type", "caller", "Connection role: peer or caller")
	flag.Parse()

	if *role != "peer" && *role != "caller" {
		fmt.Fprintln(os.Stderr, "drawbridge-client: -type must be peer or caller")
		os.Exit(1)
	}
	if *channel == "" && *role == "caller" {
		fmt.Fprintln(os.Stderr, "drawbridge-client: -channel is required for callers")
		os.Exit(1)
	}

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: true,
	}

	for {
		if err := run(*server, *channel, *role); err != nil {
			d := b.Duration()
			fmt.Fprintf(os.Stderr, "drawbridge-client: %v (reconnecting in %s)\n", err, d)
			time.Sleep(d)
			continue
		}
		b.Reset()
	}
}

func run(server, channel, role string) error {
	u, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("bad server URL: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	if channel != "" {
		q.Set("channel", channel)
	}
	q.Set("type", role)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	fmt.Fprintf(os.Stderr, "connected to %s as %s\n", u.String(), role)

	if role == "caller" {
		go forwardStdin(conn)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		if role == "peer" {
			if reply := answer(raw); reply != nil {
				if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
					return fmt.Errorf("write failed: %w", err)
				}
				continue
			}
		}
		fmt.Println(string(raw))
	}
}

// answer produces a canned reply for requests the test peer understands.
func answer(raw []byte) []byte {
	var msg struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
		return nil
	}

	var result any
	switch msg.Type {
	case "ping":
		result = map[string]any{"pong": true}
	case "list_tools":
		result = map[string]any{
			"tools": []map[string]any{
				{"name": "echo", "description": "echo the payload back"},
			},
		}
	default:
		return nil
	}

	reply, _ := json.Marshal(map[string]any{"id": msg.ID, "result": result})
	return reply
}

func forwardStdin(conn *websocket.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}
