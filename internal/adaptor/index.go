package adaptor

import (
	"github.com/nerrad567/loxone2mqtt/internal/structure"
)

// Reserved paths and path fragments.
const (
	// GlobalPath is the path of the global-states pseudo-control.
	GlobalPath = "miniserver/global"

	// rawStateSegment separates a control path from a state name.
	rawStateSegment = "/raw_state/"

	// undefinedSegment stands in for a room or category that cannot be resolved.
	undefinedSegment = "undefined"
)

// Collision records a path that was registered twice. The later control wins.
type Collision struct {
	Path     string `json:"path"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// Index is the bidirectional lookup between controls, states and paths.
// It is built once per structure snapshot and read-only afterwards.
type Index struct {
	roomNames     map[string]string
	categoryNames map[string]string

	controlPaths map[string]string
	pathControls map[string]*structure.Control
	statePaths   map[string]string

	// pathOrder lists every registered path once, in first-registration order.
	pathOrder []string
}

// BuildIndex computes the path of every control in s. onCollision, if
// non-nil, is called whenever a path is registered a second time.
//
// Path formula: room/category/name, each segment normalised. A control
// without a resolvable room or category gets the literal "undefined";
// sub-controls first fall back to their parent's room and category.
func BuildIndex(s *structure.Structure, onCollision func(Collision)) *Index {
	ix := &Index{
		roomNames:     make(map[string]string, len(s.Rooms)),
		categoryNames: make(map[string]string, len(s.Categories)),
		controlPaths:  make(map[string]string),
		pathControls:  make(map[string]*structure.Control),
		statePaths:    make(map[string]string),
	}

	for _, r := range s.Rooms {
		ix.roomNames[r.UUID] = Normalize(r.Name)
	}
	for _, c := range s.Categories {
		ix.categoryNames[c.UUID] = Normalize(c.Name)
	}

	for _, c := range s.Controls {
		ix.addControl(c, "", "", onCollision)
		for _, sub := range c.SubControls {
			ix.addControl(sub, c.Room, c.Category, onCollision)
		}
	}

	if g := s.GlobalStates; g != nil {
		ix.register(GlobalPath, g, onCollision)
		for _, st := range g.States {
			ix.statePaths[st.UUID] = GlobalPath + rawStateSegment + st.Name
		}
	}

	return ix
}

// PathFor returns the path a control would get with the given default room
// and category. It does not register anything.
func (ix *Index) PathFor(c *structure.Control, defaultRoom, defaultCategory string) string {
	room := ix.lookup(ix.roomNames, c.Room, defaultRoom)
	category := ix.lookup(ix.categoryNames, c.Category, defaultCategory)
	return room + "/" + category + "/" + Normalize(c.Name)
}

func (ix *Index) lookup(names map[string]string, id, fallback string) string {
	if name, ok := names[id]; ok {
		return name
	}
	if name, ok := names[fallback]; ok {
		return name
	}
	return undefinedSegment
}

func (ix *Index) addControl(c *structure.Control, defaultRoom, defaultCategory string, onCollision func(Collision)) {
	path := ix.PathFor(c, defaultRoom, defaultCategory)
	ix.register(path, c, onCollision)
	for _, st := range c.States {
		ix.statePaths[st.UUID] = path + rawStateSegment + st.Name
	}
}

func (ix *Index) register(path string, c *structure.Control, onCollision func(Collision)) {
	if prev, exists := ix.pathControls[path]; exists {
		if prev != c {
			delete(ix.controlPaths, prev.ID)
			if onCollision != nil {
				onCollision(Collision{Path: path, Previous: prev.ID, Current: c.ID})
			}
		}
	} else {
		ix.pathOrder = append(ix.pathOrder, path)
	}
	ix.pathControls[path] = c
	ix.controlPaths[c.ID] = path
}

// ControlPath returns the path registered for a control ID.
func (ix *Index) ControlPath(controlID string) (string, bool) {
	p, ok := ix.controlPaths[controlID]
	return p, ok
}

// Control returns the control registered at path.
func (ix *Index) Control(path string) (*structure.Control, bool) {
	c, ok := ix.pathControls[path]
	return c, ok
}

// StatePath returns the raw_state path of a state UUID.
func (ix *Index) StatePath(uuid string) (string, bool) {
	p, ok := ix.statePaths[uuid]
	return p, ok
}

// Paths returns every registered path in first-registration order.
func (ix *Index) Paths() []string {
	out := make([]string, len(ix.pathOrder))
	copy(out, ix.pathOrder)
	return out
}

// Len returns the number of registered paths.
func (ix *Index) Len() int {
	return len(ix.pathControls)
}
