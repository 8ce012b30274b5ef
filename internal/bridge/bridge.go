package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
	"github.com/nerrad567/loxone2mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/loxone2mqtt/internal/miniserver"
	"github.com/nerrad567/loxone2mqtt/internal/structure"
)

const (
	defaultCommandTimeout = 5 * time.Second

	// invalidControlMetaTopic is the meta sub-topic for structure parse issues.
	invalidControlMetaTopic = "invalid_control"
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishConnectionState(state string) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Connector is the subset of *miniserver.Client the bridge uses.
type Connector interface {
	Start(ctx context.Context) error
	Close() error
	SetOnStructure(fn func(data []byte))
	SetOnEvent(fn func(miniserver.Event))
	SendCommand(ctx context.Context, actionTarget, command string) error
	IsConnected() bool
	Stats() miniserver.Stats
}

// Logger is the structured logger used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Bridge.
type Options struct {
	MQTT       MQTTClient
	Miniserver Connector

	// Topics is rooted at the bridge name.
	Topics mqtt.Topics

	// QoS for status and meta publishes and the command subscription.
	QoS byte

	// CommandTimeout bounds each command sent to the Miniserver. Default 5s.
	CommandTimeout time.Duration

	// Sinks receive every status record. Optional.
	Sinks []StateSink

	// Logger is optional.
	Logger Logger

	// Now overrides the clock for status timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Bridge glues the Miniserver client, the adaptor and MQTT together.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt           MQTTClient
	ms             Connector
	topics         mqtt.Topics
	qos            byte
	commandTimeout time.Duration
	sinks          []StateSink
	now            func() time.Time

	// mu serialises structure reloads and state events.
	mu      sync.Mutex
	adaptor *adaptor.Adaptor

	counters counters

	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

type counters struct {
	structuresLoaded atomic.Uint64
	statusPublished  atomic.Uint64
	publishErrors    atomic.Uint64
	commandsSent     atomic.Uint64
	commandsFailed   atomic.Uint64
	commandsIgnored  atomic.Uint64
	invalidControls  atomic.Uint64
	parseIssues      atomic.Uint64
	collisions       atomic.Uint64
	sinkErrors       atomic.Uint64
}

// New creates a Bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Miniserver == nil {
		return nil, fmt.Errorf("miniserver client is required")
	}
	if opts.Topics.Root == "" {
		return nil, fmt.Errorf("topic root is required")
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		mqtt:           opts.MQTT,
		ms:             opts.Miniserver,
		topics:         opts.Topics,
		qos:            opts.QoS,
		commandTimeout: timeout,
		sinks:          opts.Sinks,
		now:            now,
		ctx:            ctx,
		ctxCancel:      cancel,
		logger:         opts.Logger,
	}, nil
}

// Start subscribes to <name>/set/# and connects to the Miniserver. The
// structure download and event stream follow asynchronously.
func (b *Bridge) Start(ctx context.Context) error {
	b.ms.SetOnStructure(b.handleStructure)
	b.ms.SetOnEvent(b.handleEvent)

	if err := b.subscribeCommands(); err != nil {
		return err
	}

	if err := b.ms.Start(ctx); err != nil {
		return fmt.Errorf("starting miniserver client: %w", err)
	}

	b.logInfo("bridge started", "root", b.topics.Root)
	return nil
}

// Stop tears down the current adaptor and closes the Miniserver client.
// It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		if err := b.ms.Close(); err != nil {
			b.logError("closing miniserver client", err)
		}

		b.mu.Lock()
		if b.adaptor != nil {
			b.adaptor.Teardown()
			b.adaptor = nil
		}
		b.mu.Unlock()

		b.logInfo("bridge stopped")
	})
}

func (b *Bridge) subscribeCommands() error {
	topic := b.topics.SetWildcard()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logDebug("subscribed to commands", "topic", topic)
	return nil
}

// handleStructure replaces the snapshot with the one in data.
func (b *Bridge) handleStructure(data []byte) {
	b.mu.Lock()
	if b.adaptor != nil {
		b.adaptor.Teardown()
		b.adaptor = nil
	}

	s, err := structure.Parse(data, b.reportIssue)
	if err != nil {
		b.mu.Unlock()
		b.logError("parsing structure file", err)
		b.publishConnectionState(mqtt.StateBrokerConnected)
		return
	}

	a, err := adaptor.New(s, adaptor.Options{
		Logger: b.adaptorLogger(),
		OnMeta: b.publishMeta,
		Now:    b.now,
	})
	if err != nil {
		b.mu.Unlock()
		b.logError("building adaptor", err)
		b.publishConnectionState(mqtt.StateBrokerConnected)
		return
	}
	a.OnStateUpdate(b.publishState)
	b.adaptor = a
	b.mu.Unlock()

	b.publishConnectionState(mqtt.StateStructureLoaded)

	b.counters.structuresLoaded.Add(1)
	b.logInfo("structure loaded",
		"structure_id", a.ID(),
		"last_modified", s.LastModified,
		"miniserver", s.Info.Name,
		"paths", len(a.Paths()))

	if err := b.subscribeCommands(); err != nil {
		b.logError("re-subscribing to commands", err)
	}
}

func (b *Bridge) publishConnectionState(state string) {
	if err := b.mqtt.PublishConnectionState(state); err != nil {
		b.logError("publishing connection state", err, "state", state)
	}
}

// reportIssue handles a control skipped or degraded by the structure parser.
func (b *Bridge) reportIssue(issue structure.Issue) {
	b.counters.parseIssues.Add(1)
	b.logWarn("invalid control in structure", "control_id", issue.ControlID, "reason", issue.Reason)

	payload, err := json.Marshal(issue)
	if err != nil {
		return
	}
	b.publishMeta(invalidControlMetaTopic+"/"+issue.ControlID, payload)
}

func (b *Bridge) publishMeta(sub string, payload []byte) {
	if strings.HasPrefix(sub, adaptor.CollisionMetaTopic+"/") {
		b.counters.collisions.Add(1)
	}
	if err := b.mqtt.Publish(b.topics.Meta(sub), payload, b.qos, true); err != nil {
		b.counters.publishErrors.Add(1)
		b.logError("publishing meta", err, "topic", sub)
	}
}

// handleEvent applies one Miniserver state event to the current snapshot.
func (b *Bridge) handleEvent(ev miniserver.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.adaptor == nil {
		return
	}

	err := b.adaptor.SetValue(ev.UUID, ev.Value)
	switch {
	case err == nil:
	case errors.Is(err, adaptor.ErrInvalidControl):
		b.counters.invalidControls.Add(1)
		b.logError("state update for unindexed control", err, "uuid", ev.UUID)
	default:
		b.logWarn("applying state event failed", "uuid", ev.UUID, "error", err)
	}
}

// publishState runs synchronously inside handleEvent.
func (b *Bridge) publishState(u adaptor.StateUpdate) {
	if err := b.mqtt.Publish(b.topics.Status(u.Path), u.Payload, b.qos, true); err != nil {
		b.counters.publishErrors.Add(1)
		b.logError("publishing status", err, "path", u.Path)
	} else {
		b.counters.statusPublished.Add(1)
	}

	for _, sink := range b.sinks {
		if err := sink.WriteState(b.ctx, u); err != nil {
			b.counters.sinkErrors.Add(1)
			b.logWarn("state sink failed", "path", u.Path, "error", err)
		}
	}
}

// handleMQTTMessage receives <name>/set/<path>/cmd.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	rest, ok := b.topics.CommandTopic(topic)
	if !ok {
		return nil
	}

	err := b.dispatch(b.ctx, rest, string(payload))
	if errors.Is(err, ErrCommandFailed) {
		return err
	}
	return nil
}

// Command sends command to the control at path, as if it had been
// published on <name>/set/<path>/cmd.
//
// Returns:
//   - error: ErrNoStructure, ErrUnknownPath, ErrNoActionTarget, or
//     ErrCommandFailed wrapping the Miniserver client error
func (b *Bridge) Command(ctx context.Context, path, command string) error {
	return b.dispatch(ctx, path+"/cmd", command)
}

func (b *Bridge) dispatch(ctx context.Context, topic, payload string) error {
	b.mu.Lock()
	a := b.adaptor
	b.mu.Unlock()

	if a == nil {
		b.counters.commandsIgnored.Add(1)
		b.logDebug("command before structure loaded", "topic", topic)
		return ErrNoStructure
	}

	cmd, ok := a.CommandFromTopic(topic, payload)
	if !ok {
		b.counters.commandsIgnored.Add(1)
		b.logDebug("no control for command topic", "topic", topic)
		return fmt.Errorf("%w: %s", ErrUnknownPath, strings.TrimSuffix(topic, "/cmd"))
	}
	if cmd.ActionTarget == "" {
		b.counters.commandsIgnored.Add(1)
		b.logDebug("control accepts no commands", "topic", topic)
		return ErrNoActionTarget
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()

	if err := b.ms.SendCommand(sendCtx, cmd.ActionTarget, cmd.Command); err != nil {
		b.counters.commandsFailed.Add(1)
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	b.counters.commandsSent.Add(1)
	b.logDebug("command sent", "target", cmd.ActionTarget, "command", cmd.Command)
	return nil
}

// Paths lists the paths of the current snapshot, or nil before the first
// structure has loaded.
func (b *Bridge) Paths() []adaptor.PathEntry {
	b.mu.Lock()
	a := b.adaptor
	b.mu.Unlock()

	if a == nil {
		return nil
	}
	return a.Paths()
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// adaptorLogger avoids handing the adaptor a typed nil.
func (b *Bridge) adaptorLogger() adaptor.Logger {
	if logger := b.getLogger(); logger != nil {
		return logger
	}
	return nil
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
