package miniserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testStructure = `{"lastModified":"2026-10-19 12:00:00","controls":{}}`

// fakeMiniserver is an in-process Miniserver speaking just enough of the
// protocol for the client.
type fakeMiniserver struct {
	t   *testing.T
	srv *httptest.Server

	// estimateFile sends the structure behind an estimated header.
	estimateFile bool

	// commandCode is returned in the LL reply to jdev/sps/io commands.
	commandCode string

	mu         sync.Mutex
	received   []string
	auth       []string
	protocols  []string
	sessions   int
	conn       *websocket.Conn
	writeMu    sync.Mutex
	onEnabled  func(s *fakeMiniserver)
	rejectAuth bool
}

func newFakeMiniserver(t *testing.T, opts ...func(*fakeMiniserver)) *fakeMiniserver {
	t.Helper()
	s := &fakeMiniserver{t: t, commandCode: "200"}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeMiniserver) config(t *testing.T) Config {
	t.Helper()
	u, err := url.Parse(s.srv.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}

	return Config{
		Host:                 host,
		Port:                 port,
		Username:             "user",
		Password:             "pass",
		ConnectTimeout:       time.Second,
		KeepaliveInterval:    time.Minute,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
	}
}

func (s *fakeMiniserver) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != websocketPath {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.protocols = append(s.protocols, r.Header.Get("Sec-WebSocket-Protocol"))
	reject := s.rejectAuth
	s.mu.Unlock()

	if reject {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{Subprotocols: []string{websocketSubprotocol}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.sessions++
	s.conn = conn
	s.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		text := string(msg)

		s.mu.Lock()
		s.received = append(s.received, text)
		onEnabled := s.onEnabled
		code := s.commandCode
		s.mu.Unlock()

		switch {
		case text == structureFileCommand:
			if s.estimateFile {
				s.sendHeader(conn, Header{Identifier: IdentFile, Estimated: true})
			}
			s.send(conn, IdentFile, websocket.TextMessage, []byte(testStructure))
		case text == enableStatusCommand:
			s.send(conn, IdentText, websocket.TextMessage,
				[]byte(`{"LL":{"control":"dev/sps/enablebinstatusupdate","value":"1","Code":"200"}}`))
			if onEnabled != nil {
				onEnabled(s)
			}
		case text == keepaliveCommand:
			s.sendHeader(conn, Header{Identifier: IdentKeepalive})
		case strings.HasPrefix(text, commandPrefix):
			s.send(conn, IdentText, websocket.TextMessage,
				[]byte(fmt.Sprintf(`{"LL":{"control":%q,"value":"1","Code":%q}}`, text, code)))
		}
	}
}

func (s *fakeMiniserver) sendHeader(conn *websocket.Conn, h Header) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.BinaryMessage, h.Encode())
}

func (s *fakeMiniserver) send(conn *websocket.Conn, id Identifier, mt int, payload []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.BinaryMessage, Header{Identifier: id, Length: uint32(len(payload))}.Encode())
	_ = conn.WriteMessage(mt, payload)
}

// push sends a message on the current session.
func (s *fakeMiniserver) push(id Identifier, payload []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Error("push without an open session")
		return
	}

	if !id.hasPayload() {
		s.sendHeader(conn, Header{Identifier: id})
		return
	}
	s.send(conn, id, websocket.BinaryMessage, payload)
}

// drop closes the current session from the server side.
func (s *fakeMiniserver) drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *fakeMiniserver) receivedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *fakeMiniserver) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}
func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// collector gathers callback output.
type collector struct {
	mu         sync.Mutex
	structures [][]byte
	events     []Event
}

func (c *collector) attach(client *Client) {
	client.SetOnStructure(func(data []byte) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.structures = append(c.structures, data)
	})
	client.SetOnEvent(func(ev Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
	})
}

func (c *collector) structureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.structures)
}

func (c *collector) snapshot() ([][]byte, []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.structures...), append([]Event(nil), c.events...)
}

func startClient(t *testing.T, cfg Config) (*Client, *collector) {
	t.Helper()
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	col := &collector{}
	col.attach(client)

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, col
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForStructures(t *testing.T, col *collector, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d structure files", n), func() bool { return col.structureCount() == n })
}

func TestNew_Config(t *testing.T) {
	c, err := New(Config{Host: "192.168.1.77"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := c.URL(); got != "ws://192.168.1.77:80/ws/rfc6455" {
		t.Errorf("URL() = %q", got)
	}
	if got := c.header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want none", got)
	}

	c, err = New(Config{Host: "ms.local", TLS: true, Username: "admin", Password: "secret"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := c.URL(); got != "wss://ms.local:443/ws/rfc6455" {
		t.Errorf("URL() = %q", got)
	}
	if got := c.header.Get("Authorization"); got != "Basic YWRtaW46c2VjcmV0" {
		t.Errorf("Authorization = %q", got)
	}

	for _, cfg := range []Config{{}, {Host: "x", Port: 70000}} {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("New(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestClient_StructureThenEvents(t *testing.T) {
	fake := newFakeMiniserver(t, func(f *fakeMiniserver) {
		f.onEnabled = func(s *fakeMiniserver) {
			s.push(IdentValueEvents, encodeValueEvents(t,
				Event{UUID: "0f1a2b3c-0000-0011-ffffaabbccddeeff", Value: 1.0},
				Event{UUID: "0f1a2b3c-0000-0041-ffffaabbccddeeff", Value: 0.5},
			))
			s.push(IdentTextEvents, encodeTextEvents(t,
				Event{UUID: "0f1a2b3c-0000-00ff-ffffaabbccddeeff", Value: "summer", Text: true},
			))
			s.push(IdentValueEvents, encodeValueEvents(t,
				Event{UUID: "0f1a2b3c-0000-0011-ffffaabbccddeeff", Value: 0.0},
			))
		}
	})

	client, col := startClient(t, fake.config(t))

	waitFor(t, "four events", func() bool {
		_, events := col.snapshot()
		return len(events) == 4
	})

	structures, events := col.snapshot()
	if len(structures) != 1 || string(structures[0]) != testStructure {
		t.Errorf("structures = %q, want one copy of the test structure", structures)
	}

	want := []Event{
		{UUID: "0f1a2b3c-0000-0011-ffffaabbccddeeff", Value: 1.0},
		{UUID: "0f1a2b3c-0000-0041-ffffaabbccddeeff", Value: 0.5},
		{UUID: "0f1a2b3c-0000-00ff-ffffaabbccddeeff", Value: "summer", Text: true},
		{UUID: "0f1a2b3c-0000-0011-ffffaabbccddeeff", Value: 0.0},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}

	if cmds := fake.receivedCommands(); !reflect.DeepEqual(cmds[:2], []string{structureFileCommand, enableStatusCommand}) {
		t.Errorf("first commands = %v", cmds[:2])
	}
	fake.mu.Lock()
	if !reflect.DeepEqual(fake.auth, []string{"Basic dXNlcjpwYXNz"}) {
		t.Errorf("Authorization headers = %v", fake.auth)
	}
	if !reflect.DeepEqual(fake.protocols, []string{websocketSubprotocol}) {
		t.Errorf("subprotocols = %v", fake.protocols)
	}
	fake.mu.Unlock()

	stats := client.Stats()
	if !stats.Connected {
		t.Error("Stats().Connected = false")
	}
	if stats.StructuresRx != 1 || stats.ValueEventsRx != 3 || stats.TextEventsRx != 1 {
		t.Errorf("Stats() = %+v, want 1 structure, 3 value and 1 text events", stats)
	}
	if stats.LastActivity.IsZero() {
		t.Error("Stats().LastActivity is zero")
	}
}

func TestClient_EstimatedHeader(t *testing.T) {
	fake := newFakeMiniserver(t, func(f *fakeMiniserver) { f.estimateFile = true })

	_, col := startClient(t, fake.config(t))

	waitForStructures(t, col, 1)
	waitFor(t, "status update request", func() bool { return len(fake.receivedCommands()) >= 2 })
	if got := fake.receivedCommands()[1]; got != enableStatusCommand {
		t.Errorf("second command = %q, want %q", got, enableStatusCommand)
	}
}

func TestClient_SendCommand(t *testing.T) {
	fake := newFakeMiniserver(t)
	client, col := startClient(t, fake.config(t))
	waitForStructures(t, col, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.SendCommand(ctx, "0f1a2b3c-0000-0001-ffffaabbccddeeff", "on"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if err := client.SendCommand(ctx, "act", "Auto/1 2"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	waitFor(t, "two commands", func() bool { return len(fake.receivedCommands()) >= 4 })

	cmds := fake.receivedCommands()
	if cmds[2] != "jdev/sps/io/0f1a2b3c-0000-0001-ffffaabbccddeeff/on" {
		t.Errorf("command = %q", cmds[2])
	}
	if cmds[3] != "jdev/sps/io/act/Auto/1 2" {
		t.Errorf("command = %q", cmds[3])
	}
	if got := client.Stats().CommandsTx; got != 2 {
		t.Errorf("CommandsTx = %d, want 2", got)
	}

	if err := client.SendCommand(ctx, "", "on"); !errors.Is(err, ErrCommandFailed) {
		t.Errorf("SendCommand(empty target) error = %v, want ErrCommandFailed", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := client.SendCommand(cancelled, "act", "on"); !errors.Is(err, ErrCommandFailed) {
		t.Errorf("SendCommand(cancelled) error = %v, want ErrCommandFailed", err)
	}
}

func TestClient_SendCommandNotConnected(t *testing.T) {
	client, err := New(Config{Host: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := client.SendCommand(context.Background(), "act", "on"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_RejectedCommandLogsWarning(t *testing.T) {
	fake := newFakeMiniserver(t, func(f *fakeMiniserver) { f.commandCode = "500" })

	client, err := New(fake.config(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger := &recordingLogger{}
	client.SetLogger(logger)
	col := &collector{}
	col.attach(client)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer client.Close()

	waitForStructures(t, col, 1)
	if err := client.SendCommand(context.Background(), "act", "bogus"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	waitFor(t, "rejection warning", func() bool { return logger.warnCount() == 1 })
}

func TestClient_ReconnectAfterOutOfService(t *testing.T) {
	fake := newFakeMiniserver(t)
	client, col := startClient(t, fake.config(t))
	waitForStructures(t, col, 1)

	fake.push(IdentOutOfService, nil)

	waitForStructures(t, col, 2)
	if n := fake.sessionCount(); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}
	if got := client.Stats().ReconnectsTotal; got != 1 {
		t.Errorf("ReconnectsTotal = %d, want 1", got)
	}
	waitFor(t, "reconnected client", client.IsConnected)
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	fake := newFakeMiniserver(t)
	client, col := startClient(t, fake.config(t))
	waitForStructures(t, col, 1)

	fake.drop()

	waitForStructures(t, col, 2)
	if got := client.Stats().ReconnectsTotal; got < 1 {
		t.Errorf("ReconnectsTotal = %d, want at least 1", got)
	}
}

func TestClient_Keepalive(t *testing.T) {
	fake := newFakeMiniserver(t)
	cfg := fake.config(t)
	cfg.KeepaliveInterval = 20 * time.Millisecond

	_, _ = startClient(t, cfg)

	waitFor(t, "keepalive", func() bool {
		for _, cmd := range fake.receivedCommands() {
			if cmd == keepaliveCommand {
				return true
			}
		}
		return false
	})
}

func TestClient_StartFailure(t *testing.T) {
	fake := newFakeMiniserver(t, func(f *fakeMiniserver) { f.rejectAuth = true })

	client, err := New(fake.config(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = client.Start(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Start() error = %v, want ErrConnectionFailed", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Start() error = %v, want the HTTP status", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after failed start")
	}
}

func TestClient_Close(t *testing.T) {
	fake := newFakeMiniserver(t)
	client, col := startClient(t, fake.config(t))
	waitForStructures(t, col, 1)

	done := make(chan struct{})
	go func() {
		client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := client.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if err := client.SendCommand(context.Background(), "act", "on"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() after Close error = %v, want ErrNotConnected", err)
	}

	// No reconnect after close.
	time.Sleep(50 * time.Millisecond)
	if n := fake.sessionCount(); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestClient_CallbackPanicRecovered(t *testing.T) {
	fake := newFakeMiniserver(t, func(f *fakeMiniserver) {
		f.onEnabled = func(s *fakeMiniserver) {
			s.push(IdentValueEvents, encodeValueEvents(t, Event{UUID: "0f1a2b3c-0000-0011-ffffaabbccddeeff", Value: 1.0}))
			s.push(IdentValueEvents, encodeValueEvents(t, Event{UUID: "0f1a2b3c-0000-0011-ffffaabbccddeeff", Value: 2.0}))
		}
	})

	client, err := New(fake.config(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	var seen []float64
	client.SetOnEvent(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Value.(float64))
		mu.Unlock()
		if ev.Value.(float64) == 1.0 {
			panic("boom")
		}
	})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer client.Close()

	waitFor(t, "both events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	if !client.IsConnected() {
		t.Error("IsConnected() = false after a callback panic")
	}
	if got := client.Stats().ErrorsTotal; got < 1 {
		t.Errorf("ErrorsTotal = %d, want at least 1", got)
	}
}
