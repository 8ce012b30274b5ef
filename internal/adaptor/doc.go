// Package adaptor maps a Loxone structure snapshot onto a flat MQTT topic namespace.
//
// An Adaptor is built from one *structure.Structure and owns everything
// derived from it:
//   - the normalised room/category/control path of every control
//     (living_room/lights/main_light), plus miniserver/global for the
//     system-wide states
//   - the bidirectional index between control IDs, state UUIDs and paths
//   - one state-update listener per indexed control, which derives the
//     control's current value and emits a {"val","ts","raw"} record
//   - the reverse lookup of "<path>/cmd" topics to the control's action UUID
//
// # Lifecycle
//
// New returns an active Adaptor with its listeners attached. Teardown
// detaches every listener of the snapshot and drops the structure; it is
// the terminal state. A new structure file must always be served by a new
// Adaptor, and the previous one must be torn down first so both never emit
// for the same path.
//
// # Usage
//
//	a, err := adaptor.New(s, adaptor.Options{Logger: log})
//	if err != nil {
//	    return err
//	}
//	a.OnStateUpdate(func(u adaptor.StateUpdate) {
//	    publish("loxone/status/"+u.Path, u.Payload)
//	})
//	cmd, ok := a.CommandFromTopic("living_room/lights/main_light/cmd", "on")
//	...
//	a.Teardown()
package adaptor
