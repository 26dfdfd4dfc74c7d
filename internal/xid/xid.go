// Package xid mints prefixed identifiers for every persisted entity. The
// nanosecond timestamp component makes IDs minted by one process sort in
// creation order, which keeps list endpoints stable without extra columns.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const entropyBytes = 8

// New returns "<prefix>-<unixnano>-<random hex>". The random suffix guards
// against collisions when two IDs are minted in the same nanosecond.
func New(prefix string) string {
	now := time.Now().UnixNano()
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		// rand failure is effectively unreachable; fall back to time alone.
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, hex.EncodeToString(buf))
}
