// Package auth implements SPICE ticket authentication and the shared
// credentials used by the controller and foreign menu sockets.
//
// A ticket is the NUL-terminated password encrypted with RSA-OAEP (SHA-1)
// under the 1024-bit key the server sends in its LinkReply. The key travels
// as a DER SubjectPublicKeyInfo padded to protocol.TicketPubkeyBytes.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/chronologos/spicelink/internal/protocol"
)

var (
	ErrPasswordTooLong = errors.New("password too long")
	ErrBadPublicKey    = errors.New("bad ticket public key")
	ErrBadTicket       = errors.New("bad ticket")
)

// PubKey is the fixed-size public key field of a LinkReply.
type PubKey = [protocol.TicketPubkeyBytes]byte

// GenerateKey returns a fresh ticketing key pair of the protocol's size.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, protocol.TicketKeyPairLength)
}

// MarshalPublicKey encodes pub for a LinkReply. Unused trailing bytes are zero.
func MarshalPublicKey(pub *rsa.PublicKey) (PubKey, error) {
	var out PubKey
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return out, err
	}
	if len(der) > len(out) {
		return out, fmt.Errorf("%w: DER encoding is %d bytes, field holds %d", ErrBadPublicKey, len(der), len(out))
	}
	copy(out[:], der)
	return out, nil
}

// ParsePublicKey decodes the LinkReply key field. Padding after the DER
// structure is ignored.
func ParsePublicKey(field PubKey) (*rsa.PublicKey, error) {
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(field[:], &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	der := field[:len(field)-len(rest)]
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an RSA key", ErrBadPublicKey, key)
	}
	return rsaKey, nil
}

// EncryptTicket encrypts password under the LinkReply key. The result is
// always protocol.EncryptedTicketBytes long for a key of the protocol's size.
func EncryptTicket(field PubKey, password string) ([]byte, error) {
	if len(password) > protocol.MaxPasswordLength {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPasswordTooLong, len(password), protocol.MaxPasswordLength)
	}
	pub, err := ParsePublicKey(field)
	if err != nil {
		return nil, err
	}
	msg := append([]byte(password), 0)
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, msg, nil)
}

// DecryptTicket recovers the password from a ticket.
func DecryptTicket(key *rsa.PrivateKey, ticket []byte) (string, error) {
	msg, err := rsa.DecryptOAEP(sha1.New(), nil, key, ticket, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadTicket, err)
	}
	if len(msg) == 0 || msg[len(msg)-1] != 0 {
		return "", fmt.Errorf("%w: password not NUL-terminated", ErrBadTicket)
	}
	return string(msg[:len(msg)-1]), nil
}

// VerifyTicket reports whether ticket decrypts to password.
func VerifyTicket(key *rsa.PrivateKey, ticket []byte, password string) bool {
	got, err := DecryptTicket(key, ticket)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(password)) == 1
}
