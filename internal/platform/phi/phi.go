// Package phi provides one-way hashing for protected health information.
// Patient control numbers and subscriber ids are hashed with a salted
// SHA-256 before they can reach logs, audit rows, or push events; plaintext
// values persist only in protected tables.
package phi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher produces stable salted hashes of identifiers. The same salt must
// be used across the fleet so hashed identifiers remain joinable.
type Hasher struct {
	salt []byte
}

// NewHasher derives a hasher from the configured encryption key. The key
// must be non-empty; refusing an empty salt here keeps a misconfigured
// process from emitting unsalted hashes.
func NewHasher(key string) (*Hasher, error) {
	if key == "" {
		return nil, fmt.Errorf("phi: empty hashing key")
	}
	return &Hasher{salt: []byte(key)}, nil
}

// Hash returns the hex HMAC-SHA256 of the identifier. Empty input hashes
// to the empty string so optional fields stay optional.
func (h *Hasher) Hash(identifier string) string {
	if identifier == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashShort returns the first 16 hex chars of Hash, for log fields where
// full-length digests hurt readability. Collision risk is acceptable for
// observability use; joins must use Hash.
func (h *Hasher) HashShort(identifier string) string {
	full := h.Hash(identifier)
	if len(full) > 16 {
		return full[:16]
	}
	return full
}
