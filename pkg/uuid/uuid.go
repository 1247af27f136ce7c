package uuid

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// UUID is a 128-bit (16-byte) universally unique identifier.
type UUID [16]byte

// Nil is the zero value for a UUID.
var Nil = UUID{}

// NewV4 generates a new random UUID (version 4).
func NewV4() (UUID, error) {
	var u UUID
	if _, err := rand.Read(u[:]); err != nil {
		return Nil, err
	}

	// Set version (4) and variant (RFC4122) bits
	u[6] = (u[6] & 0x0f) | 0x40 // Version 4
	u[8] = (u[8] & 0x3f) | 0x80 // Variant is 10

	return u, nil
}

// MustNewV4 is a helper that panics if UUID generation fails.
func MustNewV4() UUID {
	u, err := NewV4()
	if err != nil {
		panic(fmt.Errorf("failed to generate UUID: %w", err))
	}
	return u
}

// NewString returns a fresh v4 UUID in the standard hexadecimal form,
// used for session identifiers and acknowledgement correlation.
func NewString() string {
	return MustNewV4().String()
}

// String returns the UUID in the standard hexadecimal format
// (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx).
func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x",
		u[0:4], u[4:6], u[6:8], u[8:10], u[10:])
}

var pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValid reports whether s looks like a canonical UUID string.
func IsValid(s string) bool {
	return pattern.MatchString(s)
}
