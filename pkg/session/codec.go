package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"
)

// Items is the caller-visible bag of named session values.
type Items map[string]any

// Data is the session state handed to the request pipeline.
type Data struct {
	Items   Items
	Timeout time.Duration
}

// Codec converts Items to and from the opaque record payload.
// An empty payload must decode to an empty, non-nil Items.
type Codec interface {
	Encode(items Items) ([]byte, error)
	Decode(data []byte) (Items, error)
}

// jsonCodecVersion is the current payload envelope version.
const jsonCodecVersion = 1

// jsonEnvelope is the serialized form written by JSONCodec.
type jsonEnvelope struct {
	Version int                        `json:"version"`
	Items   map[string]json.RawMessage `json:"items,omitempty"`
}

// JSONCodec stores items as a versioned JSON document. Values round trip
// through encoding/json, so numbers decode as float64 and integers beyond
// 2^53 lose precision. Set UseNumber to decode numbers as json.Number,
// which keeps their exact text.
type JSONCodec struct {
	UseNumber bool
}

// Encode serializes items.
func (JSONCodec) Encode(items Items) ([]byte, error) {
	env := jsonEnvelope{Version: jsonCodecVersion}
	if len(items) > 0 {
		env.Items = make(map[string]json.RawMessage, len(items))
		for k, v := range items {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encoding item %q: %w", k, err)
			}
			env.Items[k] = raw
		}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding items: %w", err)
	}
	return b, nil
}

// Decode deserializes a payload written by Encode.
func (c JSONCodec) Decode(data []byte) (Items, error) {
	items := make(Items)
	if len(data) == 0 {
		return items, nil
	}

	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	if env.Version > jsonCodecVersion {
		return nil, fmt.Errorf("decoding items: unsupported version %d", env.Version)
	}
	for k, raw := range env.Items {
		dec := json.NewDecoder(bytes.NewReader(raw))
		if c.UseNumber {
			dec.UseNumber()
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding item %q: %w", k, err)
		}
		items[k] = v
	}
	return items, nil
}

// GobCodec stores items with encoding/gob, which keeps Go types intact.
// Concrete types other than the gob builtins must be registered with gob.Register.
type GobCodec struct{}

// Encode serializes items.
func (GobCodec) Encode(items Items) ([]byte, error) {
	if items == nil {
		items = Items{}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[string]any(items)); err != nil {
		return nil, fmt.Errorf("encoding items: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a payload written by Encode.
func (GobCodec) Decode(data []byte) (Items, error) {
	items := make(Items)
	if len(data) == 0 {
		return items, nil
	}
	var m map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	for k, v := range m {
		items[k] = v
	}
	return items, nil
}

// Verify interface compliance.
var (
	_ Codec = JSONCodec{}
	_ Codec = GobCodec{}
)
