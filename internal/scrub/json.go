package scrub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON renders the record as a JSON object with fields in their
// original order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, field := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(field)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := json.Marshal(r.values[field])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object, keeping the field order it arrives
// with. Integral numbers decode as int64, fractional ones as float64.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}

	r.fields = r.fields[:0]
	r.values = make(map[string]Value)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", keyTok)
		}

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}

		r.Set(key, normalizeJSONValue(raw))
	}

	// Consume the closing brace.
	_, err = dec.Token()
	return err
}

func normalizeJSONValue(v any) Value {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
