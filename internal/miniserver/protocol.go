package miniserver

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Identifier is the message type carried in byte 1 of a header.
type Identifier uint8

// Message identifiers.
const (
	IdentText           Identifier = 0
	IdentFile           Identifier = 1
	IdentValueEvents    Identifier = 2
	IdentTextEvents     Identifier = 3
	IdentDaytimerEvents Identifier = 4
	IdentOutOfService   Identifier = 5
	IdentKeepalive      Identifier = 6
	IdentWeatherEvents  Identifier = 7
)

// Wire constants.
const (
	// HeaderSize is the fixed size of a message header.
	HeaderSize = 8

	headerMarker      byte = 0x03
	flagEstimatedSize byte = 0x80

	uuidSize       = 16
	valueEventSize = uuidSize + 8

	// uuid + icon uuid + text length
	textEventFixedSize = uuidSize*2 + 4
)

func (id Identifier) String() string {
	switch id {
	case IdentText:
		return "text"
	case IdentFile:
		return "file"
	case IdentValueEvents:
		return "value-events"
	case IdentTextEvents:
		return "text-events"
	case IdentDaytimerEvents:
		return "daytimer-events"
	case IdentOutOfService:
		return "out-of-service"
	case IdentKeepalive:
		return "keepalive"
	case IdentWeatherEvents:
		return "weather-events"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// hasPayload reports whether a header of this type is followed by a payload message.
func (id Identifier) hasPayload() bool {
	return id != IdentOutOfService && id != IdentKeepalive
}

// Header is a decoded message header.
type Header struct {
	Identifier Identifier

	// Estimated is set when Length is only an estimate and an exact header follows.
	Estimated bool

	Length uint32
}

// ParseHeader decodes an 8-byte message header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	if b[0] != headerMarker {
		return Header{}, fmt.Errorf("%w: marker 0x%02x", ErrInvalidHeader, b[0])
	}
	return Header{
		Identifier: Identifier(b[1]),
		Estimated:  b[2]&flagEstimatedSize != 0,
		Length:     binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Encode returns the wire form of h.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	b[0] = headerMarker
	b[1] = byte(h.Identifier)
	if h.Estimated {
		b[2] = flagEstimatedSize
	}
	binary.LittleEndian.PutUint32(b[4:8], h.Length)
	return b
}

// FormatUUID renders a 16-byte Miniserver UUID in its textual form.
//
// The first three groups are little-endian integers; the last eight bytes
// are printed in order without a separator:
//
//	0f1a2b3c-0000-0011-ffffaabbccddeeff
func FormatUUID(b []byte) (string, error) {
	if len(b) != uuidSize {
		return "", fmt.Errorf("uuid must be %d bytes, got %d", uuidSize, len(b))
	}
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x%02x%02x%02x%02x%02x%02x",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15]), nil
}

// ParseUUID is the inverse of FormatUUID.
func ParseUUID(s string) ([]byte, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 || len(parts[3]) != 16 {
		return nil, fmt.Errorf("invalid uuid %q", s)
	}

	b := make([]byte, 0, uuidSize)
	for i, p := range parts {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		if i < 3 {
			slices.Reverse(raw)
		}
		b = append(b, raw...)
	}
	return b, nil
}

// Event is a single state update from the Miniserver.
type Event struct {
	UUID string

	// Value is a float64 for value events and a string for text events.
	Value any

	// Text is set for text events.
	Text bool
}

// ParseValueEvents decodes a value-event table: repeated uuid(16) + float64 LE.
func ParseValueEvents(b []byte) ([]Event, error) {
	if len(b)%valueEventSize != 0 {
		return nil, fmt.Errorf("%w: value table of %d bytes", ErrInvalidEventTable, len(b))
	}

	events := make([]Event, 0, len(b)/valueEventSize)
	for off := 0; off < len(b); off += valueEventSize {
		id, err := FormatUUID(b[off : off+uuidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEventTable, err)
		}
		bits := binary.LittleEndian.Uint64(b[off+uuidSize : off+valueEventSize])
		events = append(events, Event{UUID: id, Value: math.Float64frombits(bits)})
	}
	return events, nil
}

// ParseTextEvents decodes a text-event table: repeated uuid(16) + icon
// uuid(16) + uint32 LE length + text, padded to a multiple of 4 bytes.
func ParseTextEvents(b []byte) ([]Event, error) {
	var events []Event
	for off := 0; off < len(b); {
		if len(b)-off < textEventFixedSize {
			return nil, fmt.Errorf("%w: truncated text event at offset %d", ErrInvalidEventTable, off)
		}
		id, err := FormatUUID(b[off : off+uuidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEventTable, err)
		}
		textLen := int(binary.LittleEndian.Uint32(b[off+uuidSize*2 : off+textEventFixedSize]))
		start := off + textEventFixedSize
		if textLen < 0 || textLen > len(b)-start {
			return nil, fmt.Errorf("%w: text length %d exceeds table", ErrInvalidEventTable, textLen)
		}

		events = append(events, Event{UUID: id, Value: string(b[start : start+textLen]), Text: true})

		off = start + textLen + padding4(textLen)
		if off > len(b) {
			// Some firmware omits the padding of the last entry.
			off = len(b)
		}
	}
	return events, nil
}

func padding4(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// textResponse is the "LL" envelope of a text reply to a command.
type textResponse struct {
	LL struct {
		Control string `json:"control"`
		Value   any    `json:"value"`
		Code    any    `json:"Code"`
		Code2   any    `json:"code"`
	} `json:"LL"`
}

// ParseTextResponse extracts control, value and code from an LL reply.
// ok is false when text is not an LL envelope.
func ParseTextResponse(text []byte) (control string, value any, code string, ok bool) {
	var r textResponse
	if err := json.Unmarshal(text, &r); err != nil || r.LL.Control == "" {
		return "", nil, "", false
	}
	c := r.LL.Code
	if c == nil {
		c = r.LL.Code2
	}
	if c != nil {
		code = fmt.Sprint(c)
	}
	return r.LL.Control, r.LL.Value, code, true
}
