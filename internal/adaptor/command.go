package adaptor

import "regexp"

var commandTopic = regexp.MustCompile(`^(.+)/cmd$`)

// Command is an outbound controller invocation resolved from a topic.
type Command struct {
	// ActionTarget is the control's uuidAction. Empty for the global pseudo-control.
	ActionTarget string

	// Command is the raw payload, passed through unchanged.
	Command string
}

// ResolveCommand maps "<path>/cmd" to the action target of the control at
// path. Any other topic shape, or a path not in the index, is no match.
// The payload is not inspected.
func ResolveCommand(ix *Index, topic, payload string) (Command, bool) {
	m := commandTopic.FindStringSubmatch(topic)
	if m == nil {
		return Command{}, false
	}

	c, ok := ix.Control(m[1])
	if !ok {
		return Command{}, false
	}

	return Command{ActionTarget: c.UUIDAction, Command: payload}, true
}
