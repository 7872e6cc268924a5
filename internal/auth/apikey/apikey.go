// Package apikey validates the admin API keys that guard reload and cache
// endpoints. Only SHA-256 digests of the configured keys are held in memory
// and presented keys are compared in constant time.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

type Validator struct {
	hashes [][sha256.Size]byte
}

// NewValidator ignores blank keys. A validator without keys rejects
// everything.
func NewValidator(keys []string) *Validator {
	v := &Validator{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		v.hashes = append(v.hashes, sha256.Sum256([]byte(k)))
	}
	return v
}

// Configured reports whether at least one key is set.
func (v *Validator) Configured() bool {
	return len(v.hashes) > 0
}

func (v *Validator) Validate(rawKey string) error {
	if rawKey == "" {
		return ErrMissingKey
	}
	presented := sha256.Sum256([]byte(rawKey))
	match := 0
	for _, h := range v.hashes {
		match |= subtle.ConstantTimeCompare(presented[:], h[:])
	}
	if match != 1 {
		return ErrInvalidKey
	}
	return nil
}

// HashKey returns the SHA-256 hex digest of a raw API key. Audit rows store
// this instead of the key.
func HashKey(raw string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(raw)))
}
