package mqtt

import "strings"

// Connection states published retained on Topics.Connected.
const (
	// StateOffline is the last-will payload and the graceful shutdown payload.
	StateOffline = "0"

	// StateBrokerConnected is published on every broker (re)connect.
	StateBrokerConnected = "1"

	// StateStructureLoaded is published when a Miniserver structure has been loaded.
	StateStructureLoaded = "2"
)

// Topics builds the bridge's MQTT topics below a single root name.
//
//	topics := mqtt.Topics{Root: "loxone"}
//	topics.Status("living_room/lights/main_light")
//	// Returns: "loxone/status/living_room/lights/main_light"
type Topics struct {
	Root string
}

// Connected returns the connection-state topic.
//
// Example: loxone/connected
func (t Topics) Connected() string {
	return t.Root + "/connected"
}

// SetWildcard returns the subscription pattern for inbound commands.
//
// Pattern: loxone/set/#
func (t Topics) SetWildcard() string {
	return t.Root + "/set/#"
}

// SetPrefix returns the prefix stripped from inbound command topics.
//
// Example: loxone/set/
func (t Topics) SetPrefix() string {
	return t.Root + "/set/"
}

// CommandTopic strips SetPrefix from topic. ok is false when topic does
// not start with it.
//
// Example: "loxone/set/kitchen/lights/spots/cmd" → "kitchen/lights/spots/cmd"
func (t Topics) CommandTopic(topic string) (rest string, ok bool) {
	return strings.CutPrefix(topic, t.SetPrefix())
}

// Set returns the inbound command topic for path.
//
// Example: loxone/set/living_room/lights/main_light/cmd
func (t Topics) Set(path string) string {
	return t.SetPrefix() + path + "/cmd"
}

// Status returns the retained state topic for path.
//
// Example: loxone/status/living_room/lights/main_light
func (t Topics) Status(path string) string {
	return t.Root + "/status/" + path
}

// Meta returns a diagnostic topic.
//
// Example: loxone/meta/collision/living_room/lights/lamp
func (t Topics) Meta(sub string) string {
	return t.Root + "/meta/" + sub
}
