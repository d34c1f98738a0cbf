package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adi-253/Haven/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type relayFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func stringData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	inner, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	outer, _ := json.Marshal(string(inner))
	return outer
}

// fakeRelay answers the handshake, and for every subscribe it receives
// pushes one "new_message" event on that channel. With dropFirst the first
// connection is closed right after that push.
func fakeRelay(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var connections atomic.Int32
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connections.Add(1)

		_ = conn.WriteJSON(relayFrame{
			Event: "pusher:connection_established",
			Data:  stringData(t, map[string]any{"socket_id": "1.1", "activity_timeout": 30}),
		})
		for {
			var f relayFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event != "pusher:subscribe" {
				continue
			}
			var sub struct {
				Channel string `json:"channel"`
			}
			_ = json.Unmarshal(f.Data, &sub)
			_ = conn.WriteJSON(relayFrame{Event: "pusher_internal:subscription_succeeded", Channel: sub.Channel})
			_ = conn.WriteJSON(relayFrame{
				Event:   "new_message",
				Channel: sub.Channel,
				Data:    stringData(t, map[string]any{"conversation_id": 42, "connection": n}),
			})
			if dropFirst && n == 1 {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &connections, &auth
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/key"
}

func TestSubscribeReceivesEvents(t *testing.T) {
	srv, _, auth := fakeRelay(t, false)
	client := realtime.NewClient(realtime.Options{URL: wsURL(srv), Token: "tok"}, zap.NewNop())

	got := make(chan map[string]any, 4)
	client.Subscribe("conversations").Bind("new_message", func(data json.RawMessage) {
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Errorf("payload not unwrapped: %s", data)
			return
		}
		got <- payload
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case payload := <-got:
		if payload["conversation_id"].(float64) != 42 {
			t.Fatalf("unexpected payload %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}
	if !client.Connected() {
		t.Fatalf("expected client to report connected")
	}
	if auth.Load() != "Bearer tok" {
		t.Fatalf("expected bearer token on handshake, got %v", auth.Load())
	}
}

func TestReconnectResubscribes(t *testing.T) {
	srv, connections, _ := fakeRelay(t, true)
	client := realtime.NewClient(realtime.Options{
		URL:          wsURL(srv),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, zap.NewNop())

	got := make(chan float64, 4)
	client.Subscribe("conversation-42").Bind("new_message", func(data json.RawMessage) {
		var payload struct {
			Connection float64 `json:"connection"`
		}
		_ = json.Unmarshal(data, &payload)
		got <- payload.Connection
	})
	reconnected := make(chan bool, 4)
	client.OnConnect(func(reconnect bool) { reconnected <- reconnect })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	deadline := time.After(3 * time.Second)
	var flags []bool
	var conns []float64
	for len(conns) < 2 || len(flags) < 2 {
		select {
		case c := <-got:
			conns = append(conns, c)
		case f := <-reconnected:
			flags = append(flags, f)
		case <-deadline:
			t.Fatalf("timed out: events %v, connects %v", conns, flags)
		}
	}
	if conns[0] != 1 || conns[1] != 2 {
		t.Fatalf("expected events from connections 1 and 2, got %v", conns)
	}
	if flags[0] || !flags[1] {
		t.Fatalf("expected first connect then reconnect, got %v", flags)
	}
	if connections.Load() < 2 {
		t.Fatalf("expected a second connection")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	client := realtime.NewClient(realtime.Options{URL: "ws://unused"}, zap.NewNop())
	a := client.Subscribe("conversation-1")
	b := client.Subscribe("conversation-1")
	if a != b {
		t.Fatalf("expected the existing subscription")
	}
}

func TestUnsubscribeDetachesHandlers(t *testing.T) {
	client := realtime.NewClient(realtime.Options{URL: "ws://unused"}, zap.NewNop())
	sub := client.Subscribe("conversation-1")
	calls := 0
	sub.Bind("message", func(json.RawMessage) { calls++ })

	frame := []byte(`{"event":"message","channel":"conversation-1","data":"{\"id\":1}"}`)
	if err := client.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame error: %v", err)
	}
	client.Unsubscribe("conversation-1")
	if sub.Bound("message") != 0 {
		t.Fatalf("handlers still bound after unsubscribe")
	}
	if client.Subscribed("conversation-1") {
		t.Fatalf("channel still subscribed")
	}
	_ = client.HandleFrame(frame)
	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
}

func TestHandleFrameAcceptsObjectData(t *testing.T) {
	client := realtime.NewClient(realtime.Options{URL: "ws://unused"}, zap.NewNop())
	var got string
	client.Subscribe("conversations").Bind("status_changed", func(data json.RawMessage) {
		got = string(data)
	})
	_ = client.HandleFrame([]byte(`{"event":"status_changed","channel":"conversations","data":{"status":"ended"}}`))
	if got != `{"status":"ended"}` {
		t.Fatalf("unexpected data %q", got)
	}
	if err := client.HandleFrame([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}

func TestPusherURL(t *testing.T) {
	got := realtime.PusherURL("abc", "eu", "", "t")
	if !strings.HasPrefix(got, "wss://ws-eu.pusher.com/app/abc?") || !strings.Contains(got, "protocol=7") || !strings.Contains(got, "token=t") {
		t.Fatalf("unexpected url %s", got)
	}
	if got := realtime.PusherURL("abc", "eu", "ws://localhost:6001/", ""); !strings.HasPrefix(got, "ws://localhost:6001/app/abc?") {
		t.Fatalf("host override ignored: %s", got)
	}
}
