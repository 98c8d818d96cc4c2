package codes

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hashKeyInfo = "unlock-code-storage-hash/v1"

// Hasher produces the keyed hash stored next to each code. Unlike Checksum it
// is a security control: without the secret the hash cannot be recomputed.
type Hasher struct {
	key []byte
}

// NewHasher derives the HMAC key from the configured secret with HKDF
func NewHasher(secret string) (*Hasher, error) {
	if len(secret) < 16 {
		return nil, errors.New("code hash secret must be at least 16 characters")
	}
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hashKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive code hash key: %w", err)
	}
	return &Hasher{key: key}, nil
}

// Hash returns the hex HMAC-SHA256 of the normalized code
func (h *Hasher) Hash(code string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(Normalize(code)))
	return hex.EncodeToString(mac.Sum(nil))
}
