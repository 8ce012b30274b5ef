package miniserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Protocol commands.
const (
	structureFileCommand = "data/LoxAPP3.json"
	enableStatusCommand  = "jdev/sps/enablebinstatusupdate"
	keepaliveCommand     = "keepalive"
	commandPrefix        = "jdev/sps/io/"

	websocketPath        = "/ws/rfc6455"
	websocketSubprotocol = "remotecontrol"
)

// Defaults applied by New.
const (
	defaultConnectTimeout       = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultKeepaliveInterval    = 2 * time.Minute
	defaultReconnectInterval    = time.Second
	defaultMaxReconnectInterval = time.Minute

	// codeOK is the LL code of an accepted command.
	codeOK = "200"
)

// Config holds Miniserver connection settings.
type Config struct {
	Host string
	Port int // Default: 80, or 443 with TLS

	// TLS selects wss:// instead of ws://.
	TLS bool

	// Username and Password are sent as HTTP Basic credentials on the upgrade.
	Username string
	Password string

	ConnectTimeout time.Duration

	// KeepaliveInterval is the period of "keepalive" requests. The read
	// deadline is twice this value.
	KeepaliveInterval time.Duration

	// ReconnectInterval is the initial backoff; it grows ×1.5 up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	MessagesRx      uint64    `json:"messages_rx"`
	ValueEventsRx   uint64    `json:"value_events_rx"`
	TextEventsRx    uint64    `json:"text_events_rx"`
	StructuresRx    uint64    `json:"structures_rx"`
	CommandsTx      uint64    `json:"commands_tx"`
	ErrorsTotal     uint64    `json:"errors_total"`
	ReconnectsTotal uint64    `json:"reconnects_total"`
	LastActivity    time.Time `json:"last_activity"`
	Connected       bool      `json:"connected"`
	Reconnecting    bool      `json:"reconnecting"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Client is a websocket client for one Miniserver.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Structure and event callbacks run on the read goroutine, one at a time,
//     in delivery order.
//
// Auto-Reconnection:
//   - A lost session, including an out-of-service notice, is re-established
//     with exponential backoff. Every new session downloads the structure
//     file again and delivers it through the structure callback.
//   - Reconnection stops only when Close is called.
type Client struct {
	cfg    Config
	url    string
	header http.Header
	dialer *websocket.Dialer

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex

	reconnecting atomic.Bool
	started      atomic.Bool

	callbackMu  sync.RWMutex
	onStructure func([]byte)
	onEvent     func(Event)

	ctx    context.Context //nolint:containedctx // lifetime of the client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	messagesRx      atomic.Uint64
	valueEventsRx   atomic.Uint64
	textEventsRx    atomic.Uint64
	structuresRx    atomic.Uint64
	commandsTx      atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// New validates cfg, applies defaults and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 80
		if cfg.TLS {
			cfg.Port = 443
		}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = max(defaultMaxReconnectInterval, cfg.ReconnectInterval)
	}

	scheme := "ws"
	if cfg.TLS {
		scheme = "wss"
	}

	header := http.Header{}
	if cfg.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		url:    scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + websocketPath,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			Subprotocols:     []string{websocketSubprotocol},
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// URL returns the websocket endpoint.
func (c *Client) URL() string {
	return c.url
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

// SetOnStructure registers the callback for downloaded structure files.
func (c *Client) SetOnStructure(fn func(data []byte)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onStructure = fn
}

// SetOnEvent registers the callback for value and text events.
func (c *Client) SetOnEvent(fn func(Event)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onEvent = fn
}

// Start opens the first session and starts the read loop.
//
// The initial connection is attempted once; a failure is returned so the
// caller can decide whether to retry. Later disconnects are handled by the
// reconnect loop. Calling Start on a running client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		return err
	}

	c.logInfo("connected to miniserver", "url", c.url)

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Close ends the session and stops reconnecting. It blocks until the read
// loop has exited.
func (c *Client) Close() error {
	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	c.logInfo("miniserver connection closed")
	return nil
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	var last time.Time
	if ts := c.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		MessagesRx:      c.messagesRx.Load(),
		ValueEventsRx:   c.valueEventsRx.Load(),
		TextEventsRx:    c.textEventsRx.Load(),
		StructuresRx:    c.structuresRx.Load(),
		CommandsTx:      c.commandsTx.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    last,
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// SendCommand writes "jdev/sps/io/<actionTarget>/<command>". Neither part
// is escaped.
//
// Parameters:
//   - ctx: Bounds the write; the default write timeout applies if it is sooner
//   - actionTarget: The control's uuidAction
//   - command: Raw command text, e.g. "on" or "pulse"
func (c *Client) SendCommand(ctx context.Context, actionTarget, command string) error {
	if actionTarget == "" {
		return fmt.Errorf("%w: empty action target", ErrCommandFailed)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCommandFailed, ctx.Err())
	default:
	}

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.writeText(conn, commandPrefix+actionTarget+"/"+command, deadline); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	c.commandsTx.Add(1)
	c.logDebug("command sent", "target", actionTarget, "command", command)
	return nil
}

// run serves sessions until Close.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.serve(conn)
		c.handleDisconnect(err)
		if c.isClosed() {
			return
		}

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// serve runs one session: structure download, status enable, then events.
func (c *Client) serve(conn *websocket.Conn) error {
	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()
	c.lastActivity.Store(time.Now().Unix())

	sessionDone := make(chan struct{})
	var keepalive sync.WaitGroup
	keepalive.Add(1)
	go func() {
		defer keepalive.Done()
		c.keepaliveLoop(conn, sessionDone)
	}()
	defer func() {
		close(sessionDone)
		keepalive.Wait()
	}()

	if err := c.writeText(conn, structureFileCommand, time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("requesting structure: %w", err)
	}

	awaitingStructure := true
	for {
		h, payload, err := c.readMessage(conn)
		if err != nil {
			return err
		}

		c.messagesRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())

		switch h.Identifier {
		case IdentFile:
			if !awaitingStructure {
				c.logDebug("ignoring unsolicited file", "bytes", len(payload))
				continue
			}
			awaitingStructure = false
			c.structuresRx.Add(1)
			c.deliverStructure(payload)

			if err := c.writeText(conn, enableStatusCommand, time.Now().Add(defaultWriteTimeout)); err != nil {
				return fmt.Errorf("enabling status updates: %w", err)
			}

		case IdentText:
			c.handleText(payload)

		case IdentValueEvents:
			events, err := ParseValueEvents(payload)
			if err != nil {
				c.errorsTotal.Add(1)
				c.logError("decoding value events failed", err)
				continue
			}
			c.valueEventsRx.Add(uint64(len(events)))
			c.deliverEvents(events)

		case IdentTextEvents:
			events, err := ParseTextEvents(payload)
			if err != nil {
				c.errorsTotal.Add(1)
				c.logError("decoding text events failed", err)
				continue
			}
			c.textEventsRx.Add(uint64(len(events)))
			c.deliverEvents(events)

		case IdentOutOfService:
			return ErrOutOfService

		case IdentKeepalive:
			c.logDebug("keepalive acknowledged")

		default:
			c.logDebug("ignoring message", "type", h.Identifier.String(), "bytes", len(payload))
		}
	}
}

// readMessage reads one header, the exact header if the first was an
// estimate, and the payload if the message type carries one.
func (c *Client) readMessage(conn *websocket.Conn) (Header, []byte, error) {
	h, err := c.readHeader(conn)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Estimated {
		if h, err = c.readHeader(conn); err != nil {
			return Header{}, nil, err
		}
	}
	if !h.Identifier.hasPayload() {
		return h, nil, nil
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return Header{}, nil, fmt.Errorf("read %s payload: %w", h.Identifier, err)
	}
	return h, payload, nil
}

func (c *Client) readHeader(conn *websocket.Conn) (Header, error) {
	if err := conn.SetReadDeadline(time.Now().Add(2 * c.cfg.KeepaliveInterval)); err != nil {
		return Header{}, fmt.Errorf("set read deadline: %w", err)
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	if mt != websocket.BinaryMessage {
		return Header{}, fmt.Errorf("%w: got %d-byte text frame", ErrInvalidHeader, len(data))
	}
	return ParseHeader(data)
}

func (c *Client) handleText(payload []byte) {
	control, value, code, ok := ParseTextResponse(payload)
	if !ok {
		c.logDebug("text message", "text", string(payload))
		return
	}
	if code != "" && code != codeOK {
		c.logWarn("miniserver rejected request", "control", control, "code", code, "value", value)
		return
	}
	c.logDebug("miniserver response", "control", control, "code", code)
}

func (c *Client) keepaliveLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeText(conn, keepaliveCommand, time.Now().Add(defaultWriteTimeout)); err != nil {
				c.errorsTotal.Add(1)
				c.logError("keepalive failed, closing session", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) writeText(conn *websocket.Conn, text string, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) deliverStructure(data []byte) {
	c.callbackMu.RLock()
	fn := c.onStructure
	c.callbackMu.RUnlock()
	if fn == nil {
		return
	}

	defer c.recoverCallback("structure")
	fn(data)
}

func (c *Client) deliverEvents(events []Event) {
	c.callbackMu.RLock()
	fn := c.onEvent
	c.callbackMu.RUnlock()
	if fn == nil {
		return
	}

	defer c.recoverCallback("event")
	for _, ev := range events {
		fn(ev)
	}
}

func (c *Client) recoverCallback(kind string) {
	if r := recover(); r != nil {
		c.errorsTotal.Add(1)
		c.logError(kind+" callback panic", fmt.Errorf("%v", r))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return conn, nil
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if c.isClosed() || !wasConnected {
		return
	}

	if errors.Is(err, ErrOutOfService) {
		c.logWarn("miniserver went out of service, will reconnect")
		return
	}
	c.errorsTotal.Add(1)
	c.logWarn("connection lost, will reconnect", "error", err)
}

// reconnect dials until a session is established or the client is closed.
// It returns nil on close.
func (c *Client) reconnect() *websocket.Conn {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		if c.isClosed() {
			return nil
		}

		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dial(c.ctx)
		if err == nil {
			if c.isClosed() {
				conn.Close()
				return nil
			}
			c.reconnectsTotal.Add(1)
			c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
			return conn
		}

		c.errorsTotal.Add(1)
		c.logError("reconnect failed", err)

		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(time.Duration(float64(backoff)*1.5), c.cfg.MaxReconnectInterval)
	}
}

func (c *Client) isClosed() bool {
	return c.ctx.Err() != nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
