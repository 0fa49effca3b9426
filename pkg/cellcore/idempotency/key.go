package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// DefaultTTL is how long a processed key suppresses duplicates.
const DefaultTTL = 90 * 24 * time.Hour

// HashPrefix names the digest used by HashKey.
const HashPrefix = "sha256:"

// Store errors.
var (
	// ErrNotFound is returned when no unexpired key exists.
	ErrNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned by Put when an unexpired key is already stored.
	ErrKeyExists = errors.New("idempotency key already exists")
)

// Key records that an operation has been applied.
type Key struct {
	HashKey   string        `json:"hash_key"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`

	// Result is the operation's output, returned to duplicate callers.
	Result []byte `json:"result,omitempty"`

	// Pending marks a reservation held while the operation runs. Complete
	// replaces it with the finished key.
	Pending bool `json:"pending,omitempty"`
}

// ExpiresAt returns when the key stops suppressing duplicates.
func (k Key) ExpiresAt() time.Time {
	return k.CreatedAt.Add(k.TTL)
}

// Expired reports whether the key no longer suppresses duplicates at now.
func (k Key) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt())
}

// normalize fills defaults before a key is stored.
func (k Key) normalize(now time.Time) Key {
	if k.TTL <= 0 {
		k.TTL = DefaultTTL
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return k
}

// HashKey derives the idempotency key of an operation: "sha256:" followed by
// the hex SHA-256 of the RFC 8785 canonical JSON of
// {"command", "identity", "payload"}. Semantically equal inputs hash equally
// regardless of map ordering or number formatting.
func HashKey(command string, identity, payload any) (string, error) {
	raw, err := json.Marshal(struct {
		Command  string `json:"command"`
		Identity any    `json:"identity"`
		Payload  any    `json:"payload"`
	}{command, identity, payload})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency input: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize idempotency input: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}
