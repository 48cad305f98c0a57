package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is a structured-or-raw value stored as text.
//
// Values handed to the ledger are canonicalized to compact JSON with sorted
// object keys before hashing. Values read back from storage are parsed when
// the text is valid JSON; otherwise the payload keeps the raw text so a
// corrupted row stays inspectable instead of failing the whole query.
//
// The zero Payload means "absent" and is stored as NULL.
type Payload struct {
	text  string
	value any
	raw   bool
}

// NewPayload canonicalizes v into a Payload. A nil v yields the zero
// (absent) payload.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	if p, ok := v.(Payload); ok {
		return p, nil
	}

	data, err := encodeCanonical(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding payload: %w", err)
	}

	// Round-trip through a generic value so struct field order and map
	// ordering both collapse into sorted-key objects.
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	if generic == nil {
		return Payload{}, nil
	}

	canonical, err := encodeCanonical(generic)
	if err != nil {
		return Payload{}, fmt.Errorf("canonicalizing payload: %w", err)
	}
	return Payload{text: string(canonical), value: generic}, nil
}

// MustPayload is NewPayload for values known to be encodable (literals,
// maps of plain values). It panics on error.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePayload rebuilds a payload from its stored text. Text that does not
// parse as JSON becomes a raw payload.
func ParsePayload(text string) Payload {
	if text == "" {
		return Payload{}
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return Payload{text: text, raw: true}
	}
	return Payload{text: text, value: v}
}

// IsZero reports whether the payload is absent.
func (p Payload) IsZero() bool { return p.text == "" }

// Text returns the stored textual form.
func (p Payload) Text() string { return p.text }

// Value returns the decoded value, or nil for absent and raw payloads.
func (p Payload) Value() any { return p.value }

// Raw reports whether the stored text could not be parsed.
func (p Payload) Raw() bool { return p.raw }

// MarshalJSON emits the structured value, null when absent, or
// {"_raw": text} when the stored text is not valid JSON.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case p.IsZero():
		return []byte("null"), nil
	case p.raw:
		return json.Marshal(map[string]string{"_raw": p.text})
	default:
		return []byte(p.text), nil
	}
}

// UnmarshalJSON accepts any JSON value and canonicalizes it, so a Payload
// can be decoded straight out of a request body.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	np, err := NewPayload(v)
	if err != nil {
		return err
	}
	*p = np
	return nil
}

// nullable returns a pointer to the stored text, or nil when absent.
func (p Payload) nullable() *string {
	if p.IsZero() {
		return nil
	}
	s := p.text
	return &s
}

// encodeCanonical marshals v as compact JSON without HTML escaping and
// without the trailing newline json.Encoder appends.
func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
