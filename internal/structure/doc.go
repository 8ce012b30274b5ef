// Package structure models a Loxone Miniserver structure snapshot.
//
// A snapshot is decoded from the LoxAPP3.json file the Miniserver serves
// on every (re)connect. It holds the rooms, categories and controls of the
// installation plus the system-wide global states. Snapshots are never
// patched: a new structure file produces a new *Structure and the old one
// is discarded after its listeners have been detached.
//
// Live values arrive as (state uuid, value) pairs from the controller
// client. SetValueForUUID stores the value on the matching State and
// notifies every listener registered on the owning Control.
//
// Usage:
//
//	s, err := structure.Parse(data, func(issue structure.Issue) {
//	    log.Warn("invalid control", "control", issue.ControlID, "reason", issue.Reason)
//	})
//	if err != nil {
//	    return err
//	}
//	id := s.Controls[0].OnStateUpdate(func(c *structure.Control) error {
//	    fmt.Println(c.Name, c.StateSnapshot())
//	    return nil
//	})
//	defer s.Controls[0].RemoveListener(id)
package structure
