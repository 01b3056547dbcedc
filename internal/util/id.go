package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier tagged with a short type prefix, in the
// form "hl_3f2a…". Rows carry these as primary keys: rdr for readers, doc for
// documents, hl for highlights, sug for suggestions, shr for share links.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
