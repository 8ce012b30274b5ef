package structure

import (
	"errors"
	"fmt"
	"sync"
)

// GlobalStatesID is the reserved control ID of the global-states pseudo-control.
const GlobalStatesID = "globalStates"

// globalStatesName is the display name given to the global-states pseudo-control.
const globalStatesName = "global"

// Room is a room of the installation.
type Room struct {
	UUID string
	Name string
}

// Category is a control category (lights, shading, ...).
type Category struct {
	UUID string
	Name string
	Type string
}

// MiniserverInfo carries the msInfo block of the structure file.
type MiniserverInfo struct {
	SerialNr    string
	Name        string
	ProjectName string
}

// State is a named value slot of a Control. Its UUID is what the
// Miniserver uses to address value and text events.
type State struct {
	Name string
	UUID string

	value any
	set   bool
}

// Value returns the last value received for the state and whether one
// has been received at all.
func (s *State) Value() (any, bool) {
	return s.value, s.set
}

// ListenerID identifies a registered state-update listener.
type ListenerID uint64

// StateListener is invoked after one of a control's states changed.
type StateListener func(c *Control) error

type listener struct {
	id ListenerID
	fn StateListener
}

// Control is an addressable function block of the Miniserver.
//
// Thread Safety:
//   - State values and listener registration are guarded by an internal mutex.
//   - The descriptive fields are immutable after Parse.
type Control struct {
	ID         string
	Name       string
	Type       string
	UUIDAction string
	Room       string
	Category   string

	// States in structure-file order.
	States []*State

	// SubControls in structure-file order. Only top-level controls carry them.
	SubControls []*Control

	mu        sync.RWMutex
	listeners []listener
	nextID    ListenerID
}

// State returns the state with the given name.
func (c *Control) State(name string) (*State, bool) {
	for _, s := range c.States {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// StateValue returns the current value of the named state. The boolean is
// false when the control has no such state or it has not received a value yet.
func (c *Control) StateValue(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.State(name)
	if !ok {
		return nil, false
	}
	return s.Value()
}

// StateSnapshot returns every state that has received a value, keyed by
// state name. The map is a copy and safe to retain.
func (c *Control) StateSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]any, len(c.States))
	for _, s := range c.States {
		if s.set {
			snapshot[s.Name] = s.value
		}
	}
	return snapshot
}

// OnStateUpdate registers fn to be called after any state of the control
// changes. Listeners run in registration order on the caller's goroutine.
func (c *Control) OnStateUpdate(fn StateListener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.listeners = append(c.listeners, listener{id: c.nextID, fn: fn})
	return c.nextID
}

// RemoveListener detaches a listener. It reports whether the listener was registered.
func (c *Control) RemoveListener(id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// removeAllListeners detaches every listener of the control.
func (c *Control) removeAllListeners() {
	c.mu.Lock()
	c.listeners = nil
	c.mu.Unlock()
}

func (c *Control) listenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

func (c *Control) setStateValue(s *State, value any) {
	c.mu.Lock()
	s.value = value
	s.set = true
	c.mu.Unlock()
}

// notify calls every listener with the control. The listener slice is
// copied first so listeners may detach themselves.
func (c *Control) notify() error {
	c.mu.RLock()
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	var errs []error
	for _, l := range listeners {
		if err := l.fn(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: control %s: %w", ErrListener, c.ID, errors.Join(errs...))
	}
	return nil
}

type stateRef struct {
	control *Control
	state   *State
}

// Structure is one parsed structure snapshot.
type Structure struct {
	LastModified string
	Info         MiniserverInfo

	Rooms      []*Room
	Categories []*Category

	// Controls holds the top-level controls in structure-file order.
	Controls []*Control

	// GlobalStates is the pseudo-control holding the system-wide states.
	GlobalStates *Control

	stateIndex map[string][]stateRef
}

// AllControls returns the top-level controls followed directly by their
// sub-controls, in structure-file order. The global pseudo-control is not included.
func (s *Structure) AllControls() []*Control {
	var all []*Control
	for _, c := range s.Controls {
		all = append(all, c)
		all = append(all, c.SubControls...)
	}
	return all
}

// SetValueForUUID stores value on every state addressed by uuid and
// notifies the owning controls. Unknown uuids are ignored; the Miniserver
// reports states that are not part of any visualised control.
func (s *Structure) SetValueForUUID(uuid string, value any) error {
	refs, ok := s.stateIndex[uuid]
	if !ok {
		return nil
	}

	var errs []error
	for _, ref := range refs {
		ref.control.setStateValue(ref.state, value)
		if err := ref.control.notify(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAllListeners detaches every listener from every control of the snapshot.
func (s *Structure) RemoveAllListeners() {
	for _, c := range s.AllControls() {
		c.removeAllListeners()
	}
	if s.GlobalStates != nil {
		s.GlobalStates.removeAllListeners()
	}
}

func (s *Structure) indexStates(c *Control) {
	for _, st := range c.States {
		s.stateIndex[st.UUID] = append(s.stateIndex[st.UUID], stateRef{control: c, state: st})
	}
}
