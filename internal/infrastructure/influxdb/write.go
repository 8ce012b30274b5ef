package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement is the InfluxDB measurement every state point is written to.
const Measurement = "loxone_state"

// WriteState queues one state point. value may be any number, a bool or a
// string; nil and other types are skipped. No-op when not connected.
//
// Parameters:
//   - path: Topic path of the control, stored as tag "path"
//   - controlID: Structure ID of the control, stored as tag "control_id"
//   - value: The derived control value
//   - ts: Point timestamp
func (c *Client) WriteState(path, controlID string, value any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	point, ok := statePoint(path, controlID, value, ts)
	if !ok {
		return
	}
	c.writeAPI.WritePoint(point)
}

// statePoint builds the point for one state update. ok is false when value
// has no field representation.
func statePoint(path, controlID string, value any, ts time.Time) (*write.Point, bool) {
	fields := make(map[string]any, 1)
	if f, isNum := toFloat(value); isNum {
		fields["value"] = f
	} else if s, isText := value.(string); isText {
		fields["text"] = s
	} else {
		return nil, false
	}

	tags := map[string]string{"path": path}
	if controlID != "" {
		tags["control_id"] = controlID
	}
	return write.NewPoint(Measurement, tags, fields, ts), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
