package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
)

// GenerateCredentials returns a random credentials word for a controller or
// foreign menu init message. Zero is never returned; it means "none".
func GenerateCredentials() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if c := binary.LittleEndian.Uint64(b[:]); c != 0 {
			return c, nil
		}
	}
}

// VerifyCredentials checks got against want in constant time. A zero want
// accepts anything.
func VerifyCredentials(want, got uint64) bool {
	if want == 0 {
		return true
	}
	var w, g [8]byte
	binary.LittleEndian.PutUint64(w[:], want)
	binary.LittleEndian.PutUint64(g[:], got)
	return subtle.ConstantTimeCompare(w[:], g[:]) == 1
}
