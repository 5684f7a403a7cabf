package auth

import (
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chronologos/spicelink/internal/protocol"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

// sharedKey generates one key for the whole package; RSA keygen is slow.
func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		testKey = k
	})
	if testKey == nil {
		t.Fatal("key generation failed earlier")
	}
	return testKey
}

func TestPublicKeyFitsLinkReply(t *testing.T) {
	key := sharedKey(t)
	field, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ParsePublicKey(field)
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Fatal("parsed key differs from original")
	}
}

func TestParsePublicKeyGarbage(t *testing.T) {
	var field PubKey
	copy(field[:], "not a key")
	if _, err := ParsePublicKey(field); !errors.Is(err, ErrBadPublicKey) {
		t.Fatalf("expected ErrBadPublicKey, got %v", err)
	}
}

func TestTicketRoundTrip(t *testing.T) {
	key := sharedKey(t)
	field, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	for _, pw := range []string{"", "secret", strings.Repeat("p", protocol.MaxPasswordLength)} {
		ticket, err := EncryptTicket(field, pw)
		if err != nil {
			t.Fatalf("%q: %v", pw, err)
		}
		if len(ticket) != protocol.EncryptedTicketBytes {
			t.Fatalf("ticket is %d bytes, want %d", len(ticket), protocol.EncryptedTicketBytes)
		}
		got, err := DecryptTicket(key, ticket)
		if err != nil {
			t.Fatal(err)
		}
		if got != pw {
			t.Fatalf("decrypted %q, want %q", got, pw)
		}
		if !VerifyTicket(key, ticket, pw) {
			t.Fatal("valid ticket should verify")
		}
	}
}

func TestTicketWrongPassword(t *testing.T) {
	key := sharedKey(t)
	field, _ := MarshalPublicKey(&key.PublicKey)
	ticket, err := EncryptTicket(field, "correct")
	if err != nil {
		t.Fatal(err)
	}
	if VerifyTicket(key, ticket, "wrong") {
		t.Fatal("wrong password should not verify")
	}
}

func TestTicketTampered(t *testing.T) {
	key := sharedKey(t)
	field, _ := MarshalPublicKey(&key.PublicKey)
	ticket, _ := EncryptTicket(field, "secret")
	ticket[10] ^= 0xFF
	if _, err := DecryptTicket(key, ticket); !errors.Is(err, ErrBadTicket) {
		t.Fatalf("expected ErrBadTicket, got %v", err)
	}
}

func TestPasswordTooLong(t *testing.T) {
	key := sharedKey(t)
	field, _ := MarshalPublicKey(&key.PublicKey)
	_, err := EncryptTicket(field, strings.Repeat("x", protocol.MaxPasswordLength+1))
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestGenerateCredentials(t *testing.T) {
	c1, err := GenerateCredentials()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := GenerateCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if c1 == 0 || c2 == 0 {
		t.Fatal("credentials must be non-zero")
	}
	if c1 == c2 {
		t.Fatal("two generated credentials should not be equal")
	}
}

func TestVerifyCredentials(t *testing.T) {
	if !VerifyCredentials(42, 42) {
		t.Fatal("matching credentials should verify")
	}
	if VerifyCredentials(42, 43) {
		t.Fatal("different credentials should not verify")
	}
	if !VerifyCredentials(0, 12345) {
		t.Fatal("zero want accepts anything")
	}
}
