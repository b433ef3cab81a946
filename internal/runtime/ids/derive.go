package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DerivedIDLength is the length of a content-derived identifier in hex characters.
const DerivedIDLength = 32

// partSeparator keeps ("ab","c") and ("a","bc") from hashing to the same id.
const partSeparator = "\x1f"

// DeriveID returns a stable identifier for a unit of work, computed from the
// entity type and its canonical source fields. The same inputs always produce
// the same id, so retries and replays of the same logical work collide instead
// of duplicating effects.
func DeriveID(entityType string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(entityType))
	for _, p := range parts {
		h.Write([]byte(partSeparator))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:DerivedIDLength]
}

// IsDerivedID reports whether s has the shape of a content-derived identifier.
func IsDerivedID(s string) bool {
	if len(s) != DerivedIDLength {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) == -1
}
