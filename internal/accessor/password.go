package accessor

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// hashPassword returns the deterministic 16-byte digest stored in a meta
// record's key-bytes (spec.md §4.3). blake2b rather than bcrypt: the
// digest is replicated verbatim and compared byte-for-byte across peers,
// so it must be both fixed-size and salt-free.
func hashPassword(password string) [16]byte {
	var out [16]byte
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only errors for key length or digest size out of
		// [1,64]; 16 is always valid, so this can't happen.
		panic(err)
	}
	h.Write([]byte(password))
	copy(out[:], h.Sum(nil))
	return out
}

func passwordMatches(password string, want [16]byte) bool {
	got := hashPassword(password)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// PasswordPolicy governs whether a slot accepts unpassworded blobs,
// passworded blobs, or both (spec.md §4.3, "any / only-with /
// only-without", applied before the hash comparison).
type PasswordPolicy int

const (
	PasswordAny PasswordPolicy = iota
	PasswordRequired
	PasswordForbidden
)

func (p PasswordPolicy) allows(hasPassword bool) bool {
	switch p {
	case PasswordRequired:
		return hasPassword
	case PasswordForbidden:
		return !hasPassword
	default:
		return true
	}
}
