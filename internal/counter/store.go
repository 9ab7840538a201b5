// Package counter provides the shared atomic key-value store used for rate
// limit windows, session bookkeeping and consumed-token ledgers.
package counter

import (
	"context"
	"errors"
	"strings"
	"time"

	"rosterline.org/internal/secure"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("counter: key not found")

// Store is the narrow atomic contract every security component relies on.
// Implementations must make each method linearizable per key. Infrastructure
// failures are reported wrapped in secure.ErrStorageUnavailable.
type Store interface {
	// Incr atomically increments key and returns the new value. ttl is applied
	// only when the increment creates the key; ttl <= 0 means no expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Replace overwrites value only when key already exists.
	Replace(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// TTL returns the remaining lifetime; a negative duration means no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error

	// SAdd adds members to the set at key and resets the set's ttl.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
}

// Key joins namespace and parts with ':'.
func Key(namespace string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// SubjectKey derives a key whose final component is a fingerprint of subject,
// so raw e-mail addresses, IPs and session ids never appear in the store.
func SubjectKey(namespace, scope, subject string) string {
	return Key(namespace, scope, secure.Fingerprint(subject))
}
