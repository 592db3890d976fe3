// Package idgen generates random identifiers for ledger rows.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes). The prefix
// marks the record kind: "esc_" escrows, "ent_" ledger entries, "grant_"
// grant references, "rep_" repair records.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
