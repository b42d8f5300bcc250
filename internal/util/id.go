package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque random handle like "tpl_9f2c…". The prefix names
// the entity kind; the handle is what clients hold instead of row ids.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
