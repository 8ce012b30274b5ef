package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
	"github.com/nerrad567/loxone2mqtt/internal/bridge"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/config"
)

var _ bridge.StateSink = (*Hub)(nil)

func testUpdate() adaptor.StateUpdate {
	return adaptor.StateUpdate{
		Path:      "kitchen/lighting/ceiling",
		ControlID: "0f1a2b3c-0000-0011-ffffaabbccddeeff",
		Record: adaptor.Record{
			Val: float64(1),
			TS:  1792411200,
			Raw: map[string]any{"active": float64(1)},
		},
		HasValue: true,
	}
}

// bareClient is a hub client without a connection, for broadcast tests.
func bareClient(h *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           h,
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func mustRegister(t *testing.T, h *Hub, c *WSClient) {
	t.Helper()
	if !h.Register(c) {
		t.Fatal("Register() = false on a running hub")
	}
}

func TestHub_WriteStateBroadcastsToSubscribers(t *testing.T) {
	h := NewHub(config.WebSocketConfig{}, testLogger())
	subscribed := bareClient(h, ChannelStatus)
	other := bareClient(h)
	mustRegister(t, h, subscribed)
	mustRegister(t, h, other)
	if n := h.ClientCount(); n != 2 {
		t.Errorf("ClientCount() = %d, want 2", n)
	}

	if err := h.WriteState(context.Background(), testUpdate()); err != nil {
		t.Fatalf("WriteState() error = %v", err)
	}

	if len(subscribed.send) != 1 {
		t.Fatalf("subscribed client queued %d messages, want 1", len(subscribed.send))
	}
	var msg struct {
		Type      string      `json:"type"`
		EventType string      `json:"event_type"`
		Payload   StatusEvent `json:"payload"`
	}
	if err := json.Unmarshal(<-subscribed.send, &msg); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != ChannelStatus {
		t.Errorf("message type = %q/%q", msg.Type, msg.EventType)
	}
	want := StatusEvent{
		Path: "kitchen/lighting/ceiling",
		Val:  float64(1),
		TS:   1792411200,
		Raw:  map[string]any{"active": float64(1)},
	}
	if !reflect.DeepEqual(msg.Payload, want) {
		t.Errorf("payload = %+v, want %+v", msg.Payload, want)
	}

	if len(other.send) != 0 {
		t.Errorf("unsubscribed client queued %d messages", len(other.send))
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	h := NewHub(config.WebSocketConfig{}, testLogger())
	c := bareClient(h, ChannelStatus)
	mustRegister(t, h, c)

	for i := 0; i < 10; i++ {
		if err := h.WriteState(context.Background(), testUpdate()); err != nil {
			t.Fatalf("WriteState() error = %v", err)
		}
	}
	if len(c.send) != cap(c.send) {
		t.Errorf("queued %d messages, want a full buffer of %d", len(c.send), cap(c.send))
	}
}

func TestHub_UnregisterAndClose(t *testing.T) {
	h := NewHub(config.WebSocketConfig{}, testLogger())
	c := bareClient(h, ChannelStatus)
	mustRegister(t, h, c)

	h.Unregister(c)
	h.Unregister(c)
	if n := h.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after Unregister", n)
	}

	// Broadcasting to a removed client must not panic.
	c.trySend([]byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	live := bareClient(h)
	mustRegister(t, h, live)
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if n := h.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after shutdown", n)
	}
	if _, open := <-live.send; open {
		t.Error("client send channel still open after shutdown")
	}
	if h.Register(bareClient(h)) {
		t.Error("Register() after shutdown should fail")
	}
}

func TestHub_Defaults(t *testing.T) {
	h := NewHub(config.WebSocketConfig{}, nil)
	if h.pingInterval() != defaultWSPingInterval || h.pongTimeout() != defaultWSPongTimeout ||
		h.maxMessageSize() != int64(defaultWSMaxMessageSize) {
		t.Errorf("defaults = %v, %v, %d", h.pingInterval(), h.pongTimeout(), h.maxMessageSize())
	}

	h = NewHub(config.WebSocketConfig{PingInterval: 5, PongTimeout: 2, MaxMessageSize: 100}, nil)
	if h.pingInterval() != 5*time.Second || h.pongTimeout() != 2*time.Second || h.maxMessageSize() != 100 {
		t.Errorf("configured = %v, %v, %d", h.pingInterval(), h.pongTimeout(), h.maxMessageSize())
	}
}

func dialWS(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, resp, err
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func writeWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestWebSocket_FullConnection(t *testing.T) {
	srv, _, _ := testServer(t, testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, resp, err := dialWS(t, ts, "")
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("dial without token error = %v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake status = %d, want 401", resp.StatusCode)
	}

	token, err := GenerateToken(testSecret, "dashboard", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	conn, _, err := dialWS(t, ts, "?token="+token)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	writeWS(t, conn, map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "sub-1",
		"payload": WSSubscribePayload{Channels: []string{ChannelStatus}},
	})
	if ack := readWS(t, conn); ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Errorf("subscribe reply = %+v", ack)
	}
	if n := srv.Hub().ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}

	if err := srv.Hub().WriteState(context.Background(), testUpdate()); err != nil {
		t.Fatalf("WriteState() error = %v", err)
	}
	ev := readWS(t, conn)
	if ev.Type != WSTypeEvent || ev.EventType != ChannelStatus {
		t.Errorf("event = %+v", ev)
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", ev.Payload)
	}
	if payload["path"] != "kitchen/lighting/ceiling" || payload["val"] != float64(1) {
		t.Errorf("payload = %v", payload)
	}

	writeWS(t, conn, map[string]any{"type": WSTypePing, "id": "p"})
	if got := readWS(t, conn).Type; got != WSTypePong {
		t.Errorf("ping reply type = %q, want %q", got, WSTypePong)
	}

	writeWS(t, conn, map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "sub-2",
		"payload": WSSubscribePayload{Channels: []string{"device.state_changed"}},
	})
	if got := readWS(t, conn).Type; got != WSTypeError {
		t.Errorf("unknown channel reply type = %q, want %q", got, WSTypeError)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if got := readWS(t, conn).Type; got != WSTypeError {
		t.Errorf("invalid JSON reply type = %q, want %q", got, WSTypeError)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_HeaderAuth(t *testing.T) {
	srv, _, _ := testServer(t, testSecret)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := GenerateToken(testSecret, "dashboard", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	resp.Body.Close()
	conn.Close()
}
