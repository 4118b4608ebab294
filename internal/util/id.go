package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random hex identifier, optionally prefixed
// (e.g. "sid_..." for session ids embedded in token claims).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
