package structure

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Issue describes a malformed control that was skipped during Parse.
type Issue struct {
	ControlID string `json:"control_id"`
	Reason    string `json:"reason"`
}

type rawStructure struct {
	LastModified string `json:"lastModified"`
	MSInfo       struct {
		SerialNr    string `json:"serialNr"`
		MSName      string `json:"msName"`
		ProjectName string `json:"projectName"`
	} `json:"msInfo"`
	GlobalStates json.RawMessage `json:"globalStates"`
	Rooms        json.RawMessage `json:"rooms"`
	Cats         json.RawMessage `json:"cats"`
	Controls     json.RawMessage `json:"controls"`
}

type rawRoom struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type rawCategory struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawControl struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	UUIDAction  string          `json:"uuidAction"`
	Room        string          `json:"room"`
	Cat         string          `json:"cat"`
	States      json.RawMessage `json:"states"`
	SubControls json.RawMessage `json:"subControls"`
}

// Parse decodes a LoxAPP3.json document into a Structure.
//
// Rooms, categories and controls keep their document order. Malformed
// controls are passed to onInvalid (which may be nil) and skipped; only a
// document that is not a JSON object, or whose sections are not objects,
// fails the whole parse.
//
// Parameters:
//   - data: Raw structure file as served by the Miniserver
//   - onInvalid: Callback for each skipped control or state
//
// Returns:
//   - *Structure: Snapshot with no listeners attached
//   - error: ErrInvalidStructure (wrapped) if the document cannot be used at all
func Parse(data []byte, onInvalid func(Issue)) (*Structure, error) {
	report := func(issue Issue) {
		if onInvalid != nil {
			onInvalid(issue)
		}
	}

	var raw rawStructure
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStructure, err)
	}

	s := &Structure{
		LastModified: raw.LastModified,
		Info: MiniserverInfo{
			SerialNr:    raw.MSInfo.SerialNr,
			Name:        raw.MSInfo.MSName,
			ProjectName: raw.MSInfo.ProjectName,
		},
		stateIndex: make(map[string][]stateRef),
	}

	if err := eachMember(raw.Rooms, func(key string, value json.RawMessage) error {
		var r rawRoom
		if err := json.Unmarshal(value, &r); err != nil {
			return nil
		}
		if r.UUID == "" {
			r.UUID = key
		}
		s.Rooms = append(s.Rooms, &Room{UUID: r.UUID, Name: r.Name})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: rooms: %w", ErrInvalidStructure, err)
	}

	if err := eachMember(raw.Cats, func(key string, value json.RawMessage) error {
		var c rawCategory
		if err := json.Unmarshal(value, &c); err != nil {
			return nil
		}
		if c.UUID == "" {
			c.UUID = key
		}
		s.Categories = append(s.Categories, &Category{UUID: c.UUID, Name: c.Name, Type: c.Type})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: cats: %w", ErrInvalidStructure, err)
	}

	if err := eachMember(raw.Controls, func(key string, value json.RawMessage) error {
		c, ok := parseControl(key, value, true, report)
		if !ok {
			return nil
		}
		s.Controls = append(s.Controls, c)
		s.indexStates(c)
		for _, sub := range c.SubControls {
			s.indexStates(sub)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: controls: %w", ErrInvalidStructure, err)
	}

	global := &Control{ID: GlobalStatesID, Name: globalStatesName}
	if err := eachMember(raw.GlobalStates, func(key string, value json.RawMessage) error {
		var uuid string
		if err := json.Unmarshal(value, &uuid); err != nil || uuid == "" {
			report(Issue{ControlID: GlobalStatesID, Reason: fmt.Sprintf("global state %q has no uuid", key)})
			return nil
		}
		global.States = append(global.States, &State{Name: key, UUID: uuid})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: globalStates: %w", ErrInvalidStructure, err)
	}
	s.GlobalStates = global
	s.indexStates(global)

	return s, nil
}

// parseControl decodes one control entry. Sub-controls are only read for
// top-level controls.
func parseControl(id string, data json.RawMessage, topLevel bool, report func(Issue)) (*Control, bool) {
	var raw rawControl
	if err := json.Unmarshal(data, &raw); err != nil {
		report(Issue{ControlID: id, Reason: fmt.Sprintf("not a control object: %v", err)})
		return nil, false
	}
	if raw.Name == "" {
		report(Issue{ControlID: id, Reason: "control has no name"})
		return nil, false
	}

	c := &Control{
		ID:         id,
		Name:       raw.Name,
		Type:       raw.Type,
		UUIDAction: raw.UUIDAction,
		Room:       raw.Room,
		Category:   raw.Cat,
	}
	if c.UUIDAction == "" {
		c.UUIDAction = id
	}

	if err := eachMember(raw.States, func(key string, value json.RawMessage) error {
		var uuid string
		if err := json.Unmarshal(value, &uuid); err != nil || uuid == "" {
			report(Issue{ControlID: id, Reason: fmt.Sprintf("state %q has no uuid", key)})
			return nil
		}
		c.States = append(c.States, &State{Name: key, UUID: uuid})
		return nil
	}); err != nil {
		report(Issue{ControlID: id, Reason: fmt.Sprintf("states: %v", err)})
	}

	if topLevel {
		if err := eachMember(raw.SubControls, func(key string, value json.RawMessage) error {
			if sub, ok := parseControl(key, value, false, report); ok {
				c.SubControls = append(c.SubControls, sub)
			}
			return nil
		}); err != nil {
			report(Issue{ControlID: id, Reason: fmt.Sprintf("subControls: %v", err)})
		}
	}

	return c, true
}

// eachMember walks the members of a JSON object in document order.
// An absent or null section is treated as empty.
func eachMember(data json.RawMessage, fn func(key string, value json.RawMessage) error) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected member name, got %v", tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("member %q: %w", key, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	_, err = dec.Token()
	return err
}
