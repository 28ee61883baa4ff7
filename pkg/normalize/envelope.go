package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"warehouse-overwatch/pkg/shared"
)

var ErrNoEventType = errors.New("push message has no event type")

var (
	typeKeys = []string{"type", "event", "event_type"}
	dataKeys = []string{"data", "payload"}
)

// Envelope decodes one inbound push frame. The event type may sit under type,
// event or event_type; the body under data or payload. A frame without a
// body key is its own body.
func Envelope(raw []byte) (shared.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return shared.Message{}, fmt.Errorf("failed to decode push message: %w", err)
	}

	msg := shared.Message{ReceivedAt: time.Now().UTC()}
	for _, k := range typeKeys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
			msg.Type = strings.TrimSpace(s)
			break
		}
	}
	if msg.Type == "" {
		return shared.Message{}, ErrNoEventType
	}

	msg.Data = json.RawMessage(raw)
	for _, k := range dataKeys {
		if v, ok := fields[k]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			msg.Data = v
			break
		}
	}
	return msg, nil
}

// Decode parses a message body into a generic value, keeping numbers as
// json.Number.
func Decode(data json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty message body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode message body: %w", err)
	}
	return v, nil
}

// DecodeRecord parses a body that must be a single JSON object.
func DecodeRecord(data json.RawMessage) (shared.Record, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message body is %T, want object", v)
	}
	return shared.Record(m), nil
}

// List extracts an entity array from a decoded body. It accepts a bare array,
// a {"data": [...]} or {"items": [...]} wrapper, or an object keyed by any
// of keys.
func List(v any, keys ...string) []shared.Record {
	switch x := v.(type) {
	case []any:
		return Records(x)
	case map[string]any:
		for _, k := range slices.Concat(keys, []string{"data", "items"}) {
			if inner, ok := x[k]; ok {
				if _, isList := inner.([]any); isList {
					return Records(inner)
				}
				if m, isObj := inner.(map[string]any); isObj {
					if recs := List(m, keys...); recs != nil {
						return recs
					}
				}
			}
		}
	}
	return nil
}
