package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrReservedField    = errors.New("payload uses a reserved envelope field")
	ErrPayloadNotObject = errors.New("payload must encode to a JSON object")
	ErrNotBridgeMessage = errors.New("message is not a bridge envelope")
	ErrUnknownKind      = errors.New("unknown envelope type")
)

// Envelope is a decoded bridge message. Fields holds every top-level key,
// including the marker and type.
type Envelope struct {
	Kind   Kind
	Fields map[string]json.RawMessage
}

// Encode merges {isBridgeMessage: true, type: kind} with the fields of payload.
// A nil payload yields a bare envelope.
func Encode(kind Kind, payload any) ([]byte, error) {
	if _, ok := ParseKind(string(kind)); !ok {
		return nil, fmt.Errorf("encode %q: %w", kind, ErrUnknownKind)
	}
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		if !isObject(raw) {
			return nil, fmt.Errorf("encode %s payload: %w", kind, ErrPayloadNotObject)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	for _, reserved := range []string{MarkerField, TypeField} {
		if _, ok := fields[reserved]; ok {
			return nil, fmt.Errorf("encode %s payload field %q: %w", kind, reserved, ErrReservedField)
		}
	}
	fields[MarkerField] = json.RawMessage("true")
	fields[TypeField] = mustJSON(string(kind))
	return json.Marshal(fields)
}

// Decode reads the envelope keys of raw. It performs no validation beyond the
// marker and the type discriminator.
func Decode(raw []byte) (Envelope, error) {
	if !isObject(raw) {
		return Envelope{}, ErrNotBridgeMessage
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var marker bool
	if m, ok := fields[MarkerField]; !ok || json.Unmarshal(m, &marker) != nil || !marker {
		return Envelope{}, ErrNotBridgeMessage
	}
	var tag string
	if t, ok := fields[TypeField]; !ok || json.Unmarshal(t, &tag) != nil {
		return Envelope{}, ErrUnknownKind
	}
	kind, ok := ParseKind(tag)
	if !ok {
		return Envelope{}, fmt.Errorf("decode %q: %w", tag, ErrUnknownKind)
	}
	return Envelope{Kind: kind, Fields: fields}, nil
}

// Field returns the raw value stored under name.
func (e Envelope) Field(name string) (json.RawMessage, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// DecodeField unmarshals the field name into v.
func (e Envelope) DecodeField(name string, v any) error {
	raw, ok := e.Fields[name]
	if !ok {
		return fmt.Errorf("envelope %s: missing field %q", e.Kind, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("envelope %s field %q: %w", e.Kind, name, err)
	}
	return nil
}

// Args returns the Render payload. A missing args field reads as JSON null.
func (e Envelope) Args() json.RawMessage {
	if raw, ok := e.Fields["args"]; ok {
		return raw
	}
	return json.RawMessage("null")
}

// Payload re-encodes every field except the envelope keys as one JSON object.
func (e Envelope) Payload() json.RawMessage {
	out := make(map[string]json.RawMessage, len(e.Fields))
	for k, v := range e.Fields {
		if k == MarkerField || k == TypeField {
			continue
		}
		out[k] = v
	}
	return mustJSON(out)
}

func isObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
