package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is a JSON document attached to a tool call (its arguments) or a
// tool result. It is kept as raw JSON so the stored log round-trips without
// loss, and validated whenever it is decoded.
type Payload json.RawMessage

// NewPayload encodes v as a Payload.
func NewPayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return Payload(b), nil
}

// MustPayload is like NewPayload but panics on error. Intended for literals.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("payload is not valid JSON")
	}
	*p = append((*p)[:0], data...)
	return nil
}

// IsZero reports whether the payload is absent.
func (p Payload) IsZero() bool { return len(p) == 0 }

// IsObject reports whether the payload is a JSON object.
func (p Payload) IsObject() bool {
	b := bytes.TrimSpace(p)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if len(p) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(p, v)
}

// Object decodes the payload as a JSON object. An absent payload yields an
// empty map.
func (p Payload) Object() (map[string]any, error) {
	m := map[string]any{}
	if len(p) == 0 || bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
		return m, nil
	}
	if err := json.Unmarshal(p, &m); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return m, nil
}

// String returns the payload as JSON text.
func (p Payload) String() string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}
