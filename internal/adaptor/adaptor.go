package adaptor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/loxone2mqtt/internal/structure"
)

// CollisionMetaTopic is the meta sub-topic under which path collisions are reported.
const CollisionMetaTopic = "collision"

// Logger is the optional logging interface used by the Adaptor.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Record is the wire format of a status message.
type Record struct {
	Val any            `json:"val,omitempty"`
	TS  int64          `json:"ts"`
	Raw map[string]any `json:"raw"`
}

// StateUpdate is emitted for every state change of an indexed control.
type StateUpdate struct {
	Path      string
	ControlID string
	Record    Record

	// HasValue is false when Record.Val was not derivable.
	HasValue bool

	// Payload is Record encoded as JSON.
	Payload []byte
}

// StateUpdateFunc receives state updates.
type StateUpdateFunc func(StateUpdate)

// PathEntry describes one indexed path.
type PathEntry struct {
	Path         string `json:"path"`
	ControlID    string `json:"control_id"`
	ActionTarget string `json:"action_target,omitempty"`
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
}

// Options configures an Adaptor.
type Options struct {
	// Logger is optional.
	Logger Logger

	// OnMeta receives diagnostic messages as (sub-topic, payload). Optional.
	OnMeta func(topic string, payload []byte)

	// Now overrides the clock used for record timestamps. Defaults to time.Now.
	Now func() time.Time
}

type controlHandle struct {
	control *structure.Control
	id      structure.ListenerID
}

// Adaptor is the composition root for one structure snapshot.
//
// Thread Safety:
//   - Methods are safe for concurrent use, but emissions for one snapshot
//     are expected to be driven from a single goroutine (the controller
//     client's event loop, serialised by the bridge).
type Adaptor struct {
	id       string
	index    *Index
	now      func() time.Time
	logger   Logger
	loadedAt time.Time

	mu        sync.RWMutex
	structure *structure.Structure
	handles   []controlHandle
	subs      []StateUpdateFunc
	tornDown  bool
}

// New builds the index for s and attaches one state listener per indexed control.
//
// Path collisions are logged and reported through Options.OnMeta under
// "collision/<path>"; the later control keeps the path.
//
// Parameters:
//   - s: Freshly parsed structure with no listeners of a previous Adaptor
//   - opts: Optional collaborators
//
// Returns:
//   - *Adaptor: Active adaptor
//   - error: ErrNilStructure if s is nil
func New(s *structure.Structure, opts Options) (*Adaptor, error) {
	if s == nil {
		return nil, ErrNilStructure
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	a := &Adaptor{
		id:        uuid.NewString(),
		now:       now,
		logger:    opts.Logger,
		structure: s,
	}
	a.loadedAt = now()

	a.index = BuildIndex(s, func(c Collision) {
		a.logWarn("path collision, later control wins",
			"path", c.Path, "previous", c.Previous, "current", c.Current)
		if opts.OnMeta == nil {
			return
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return
		}
		opts.OnMeta(CollisionMetaTopic+"/"+c.Path, payload)
	})

	for _, path := range a.index.Paths() {
		c, _ := a.index.Control(path)
		id := c.OnStateUpdate(a.handleStateUpdate)
		a.handles = append(a.handles, controlHandle{control: c, id: id})
	}

	if a.logger != nil {
		a.logger.Debug("adaptor built", "id", a.id, "paths", a.index.Len())
	}

	return a, nil
}

// ID returns the unique ID of this snapshot's adaptor.
func (a *Adaptor) ID() string {
	return a.id
}

// LoadedAt returns when the adaptor was built.
func (a *Adaptor) LoadedAt() time.Time {
	return a.loadedAt
}

// Index returns the path index.
func (a *Adaptor) Index() *Index {
	return a.index
}

// SetValue forwards a value to the structure. State listeners fire
// synchronously, so any resulting state update has been emitted by the time
// SetValue returns.
//
// Returns:
//   - error: ErrTornDown after Teardown; ErrInvalidControl (wrapped) on index divergence
func (a *Adaptor) SetValue(uuid string, value any) error {
	a.mu.RLock()
	s := a.structure
	a.mu.RUnlock()

	if s == nil {
		return ErrTornDown
	}
	return s.SetValueForUUID(uuid, value)
}

// CommandFromTopic resolves a "<path>/cmd" topic suffix. It reports no
// match for any other shape, unknown paths, and after Teardown.
func (a *Adaptor) CommandFromTopic(topic, payload string) (Command, bool) {
	if a.isTornDown() {
		return Command{}, false
	}
	return ResolveCommand(a.index, topic, payload)
}

// OnStateUpdate registers fn for every state update of this snapshot.
// Subscribers are dropped by Teardown.
func (a *Adaptor) OnStateUpdate(fn StateUpdateFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.subs = append(a.subs, fn)
}

// Teardown detaches the adaptor's listeners and then every remaining
// listener of the snapshot, drops its own subscribers and releases the
// structure. It is safe to call more than once.
func (a *Adaptor) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tornDown {
		return
	}
	for _, h := range a.handles {
		h.control.RemoveListener(h.id)
	}
	a.handles = nil
	a.structure.RemoveAllListeners()
	a.subs = nil
	a.structure = nil
	a.tornDown = true
}

// IsTornDown reports whether Teardown has run.
func (a *Adaptor) IsTornDown() bool {
	return a.isTornDown()
}

// Paths lists every indexed path with its control.
func (a *Adaptor) Paths() []PathEntry {
	paths := a.index.Paths()
	entries := make([]PathEntry, 0, len(paths))
	for _, p := range paths {
		c, _ := a.index.Control(p)
		entries = append(entries, PathEntry{
			Path:         p,
			ControlID:    c.ID,
			ActionTarget: c.UUIDAction,
			Name:         c.Name,
			Type:         c.Type,
		})
	}
	return entries
}

// handleStateUpdate is the per-control listener: derive, encode, emit.
func (a *Adaptor) handleStateUpdate(c *structure.Control) error {
	if a.isTornDown() {
		return nil
	}

	path, ok := a.index.ControlPath(c.ID)
	if !ok {
		return fmt.Errorf("%w: control %s", ErrInvalidControl, c.ID)
	}

	value, hasValue := DeriveValue(c)
	if hasValue {
		value = encodable(value)
		hasValue = value != nil
	}
	record := Record{
		Val: value,
		TS:  a.now().Unix(),
		Raw: encodableSnapshot(c.StateSnapshot()),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding state of %s: %w", path, err)
	}

	a.emit(StateUpdate{
		Path:      path,
		ControlID: c.ID,
		Record:    record,
		HasValue:  hasValue,
		Payload:   payload,
	})
	return nil
}

func (a *Adaptor) emit(u StateUpdate) {
	a.mu.RLock()
	if a.tornDown {
		a.mu.RUnlock()
		return
	}
	subs := make([]StateUpdateFunc, len(a.subs))
	copy(subs, a.subs)
	a.mu.RUnlock()

	for _, fn := range subs {
		fn(u)
	}
}

func (a *Adaptor) isTornDown() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tornDown
}

func (a *Adaptor) logWarn(msg string, keysAndValues ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, keysAndValues...)
	}
}
