// Package idgen generates identifiers for tasks, attempts and traces.
//
// Components take a Generator rather than calling a global so tests can
// pin IDs. The default is a UUIDv7, which sorts by creation time.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Short returns a Generator of base-36 IDs of the given length. Used for
// trace IDs that end up in response headers.
func Short(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every ID of gen ("task_", "att_", "trc_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New returns an ID from Default.
func New() string { return Default() }

// ParseUUID validates the UUID part of an ID, after stripping prefix.
func ParseUUID(id, prefix string) (uuid.UUID, error) {
	if len(id) < len(prefix) || id[:len(prefix)] != prefix {
		return uuid.Nil, fmt.Errorf("idgen: %q lacks prefix %q", id, prefix)
	}
	u, err := uuid.Parse(id[len(prefix):])
	if err != nil {
		return uuid.Nil, fmt.Errorf("idgen: invalid UUID in %q: %w", id, err)
	}
	return u, nil
}
