package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
)

// Payload is a block's opaque data mapping. Keys are unique and insertion
// order is preserved: the Merkle root covers the string-coerced values in
// the order they were set, while content hashing uses the canonical
// (sorted-key) form. Both views must come from the same Payload.
type Payload struct {
	keys   []string
	values map[string]interface{}
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{values: make(map[string]interface{})}
}

// PayloadFrom builds a payload from ordered key/value pairs.
// Pairs must alternate string keys and values.
func PayloadFrom(pairs ...interface{}) *Payload {
	if len(pairs)%2 != 0 {
		panic("ledger: PayloadFrom requires key/value pairs")
	}
	p := NewPayload()
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("ledger: payload key %v is not a string", pairs[i]))
		}
		p.Set(key, pairs[i+1])
	}
	return p
}

// Set stores a value. Setting an existing key updates the value in place
// without changing its position.
func (p *Payload) Set(key string, value interface{}) *Payload {
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// Get returns the value for key.
func (p *Payload) Get(key string) (interface{}, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetString returns the value for key coerced to its string form.
func (p *Payload) GetString(key string) string {
	v, ok := p.values[key]
	if !ok {
		return ""
	}
	s, err := canonical.StringValue(v)
	if err != nil {
		return ""
	}
	return s
}

// Len returns the number of keys.
func (p *Payload) Len() int { return len(p.keys) }

// Keys returns the keys in insertion order.
func (p *Payload) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// StringValues returns the string-coerced values in insertion order; these
// are the Merkle leaves.
func (p *Payload) StringValues() ([]string, error) {
	out := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		s, err := canonical.StringValue(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("ledger: payload value %q: %w", k, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Map returns a plain map view for canonical (sorted-key) hashing.
func (p *Payload) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p.keys))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// MarshalJSON emits the object with keys in insertion order so exported
// chains rehydrate with identical Merkle leaves.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores key order from the document and keeps numbers as
// json.Number so re-hashing reproduces the original digest.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("ledger: payload must be a JSON object")
	}

	p.keys = nil
	p.values = make(map[string]interface{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var value interface{}
		if err := decodeValue(dec, &value); err != nil {
			return err
		}
		p.Set(key, value)
	}
	_, err = dec.Token() // closing brace
	return err
}

func decodeValue(dec *json.Decoder, out *interface{}) error {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	inner := json.NewDecoder(bytes.NewReader(raw))
	inner.UseNumber()
	return inner.Decode(out)
}
