package adaptor

import (
	"math"

	"github.com/nerrad567/loxone2mqtt/internal/structure"
)

// ValuePrecedence lists the state names consulted, in order, to derive a
// control's current value. The first state the control has wins, whether
// or not it has received a value yet.
var ValuePrecedence = []string{"active", "actual", "activeScene", "value", "position"}

// DeriveValue returns the current value of c per ValuePrecedence. The
// boolean is false when the control has none of the listed states, or the
// winning state has not received a value.
func DeriveValue(c *structure.Control) (any, bool) {
	for _, name := range ValuePrecedence {
		if _, ok := c.State(name); ok {
			return c.StateValue(name)
		}
	}
	return nil, false
}

// encodable maps NaN and ±Inf to nil so a record always marshals; the
// Miniserver reports them for sensors without a reading.
func encodable(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return v
}

// encodableSnapshot applies encodable to every entry of raw in place.
func encodableSnapshot(raw map[string]any) map[string]any {
	for k, v := range raw {
		raw[k] = encodable(v)
	}
	return raw
}
