package blob

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical re-encodes a JSON document into the form stored in the bucket:
// two-space indent, keys sorted. The same routine runs at write time and at
// compare time, so key order and whitespace never produce a false diff.
func Canonical(document json.RawMessage) ([]byte, error) {
	var value any
	if err := json.Unmarshal(document, &value); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return encoded, nil
}

// Equal reports whether two JSON documents are the same after
// canonicalization. Undecodable input compares unequal.
func Equal(a, b []byte) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
