package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec holds payload serialization settings. Unknown payload fields are
// ignored so older tiers keep reading newer events.
type Codec struct{}

// DefaultCodec returns the settings used by the identity tiers.
func DefaultCodec() Codec {
	return Codec{}
}

// Marshal encodes a payload.
func (c Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a payload into v.
func (c Codec) Unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
