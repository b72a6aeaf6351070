package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type MessageType string

const (
	TypeTelemetry MessageType = "telemetry"
	TypeAggregate MessageType = "aggregate"
	TypeHeartbeat MessageType = "heartbeat"
	TypeInfo      MessageType = "info"
	TypeError     MessageType = "error"
)

// Message is the envelope pushed by the telemetry feed.
type Message struct {
	Type       MessageType    `json:"type"`
	TS         int64          `json:"ts"`
	InverterID string         `json:"inverterId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Message    string         `json:"message,omitempty"`

	// Raw is the frame as received. It keeps payloads that do not fit the
	// typed fields, such as a non-object data value.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts any valid JSON frame. Fields of an unexpected type
// are left empty instead of failing the whole frame.
func (m *Message) UnmarshalJSON(b []byte) error {
	if !json.Valid(b) {
		return errors.New("invalid JSON frame")
	}
	*m = Message{Raw: append(json.RawMessage(nil), b...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil
	}

	var typ string
	if json.Unmarshal(fields["type"], &typ) == nil {
		m.Type = MessageType(typ)
	}
	var ts float64
	if json.Unmarshal(fields["ts"], &ts) == nil {
		m.TS = int64(ts)
	}
	_ = json.Unmarshal(fields["inverterId"], &m.InverterID)
	_ = json.Unmarshal(fields["message"], &m.Message)

	var data map[string]any
	if json.Unmarshal(fields["data"], &data) == nil {
		m.Data = data
	}
	return nil
}

type Mode string

const (
	ModeAggregate Mode = "aggregate"
	ModeInverter  Mode = "inverter"
)

const inverterIDToken = ":inverterId"

var (
	ErrMissingInverterID = errors.New("missing inverterId for inverter mode")
	ErrMissingURL        = errors.New("missing WebSocket URL")
)

// BuildURL resolves the feed address. An http(s) base is mapped to ws(s).
func BuildURL(base string, mode Mode, inverterID, aggregatePath, inverterTemplate string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", ErrMissingURL
	}
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}

	if mode != ModeInverter {
		return base + aggregatePath, nil
	}
	if inverterID == "" {
		return "", ErrMissingInverterID
	}
	return base + strings.Replace(inverterTemplate, inverterIDToken, url.PathEscape(inverterID), 1), nil
}

// NewMessage stamps an envelope with the current time. data is encoded as
// its JSON object form.
func NewMessage(typ MessageType, inverterID string, data any) (Message, error) {
	msg := Message{Type: typ, TS: time.Now().UnixMilli(), InverterID: inverterID}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	if err := json.Unmarshal(raw, &msg.Data); err != nil {
		return msg, fmt.Errorf("%s payload is not an object: %w", typ, err)
	}
	return msg, nil
}
