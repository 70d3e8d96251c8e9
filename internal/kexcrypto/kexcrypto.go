// Package kexcrypto implements the CurveCP-derived cryptographic primitives
// shared by the key-exchange state machines and the established channel:
// packet magics, nonce prefixes, and the box/secretbox wrappers
// built on golang.org/x/crypto/nacl. Bit layouts are grounded on the
// reference CurveCP implementation's doc.go and server.go.
package kexcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the size in bytes of a Curve25519 public or secret key.
const KeySize = 32

// NonceSize is the size in bytes of a NaCl box/secretbox nonce.
const NonceSize = 24

// Magic is the 8-byte discriminator at the start of every on-wire packet.
type Magic [8]byte

// Packet magics, fixed for interoperability (spec §6).
var (
	HelloMagic    = Magic{'Q', 'v', 'n', 'Q', '5', 'X', 'l', 'H'}
	CookieMagic   = Magic{'R', 'L', '3', 'a', 'N', 'M', 'X', 'K'}
	InitiateMagic = Magic{'Q', 'v', 'n', 'Q', '5', 'X', 'l', 'I'}
	MessageMagic  = Magic{'R', 'L', '3', 'a', 'N', 'M', 'X', 'M'}
)

// Nonce prefixes namespace each box by role and direction so that the same
// key pair never reuses a nonce across packet kinds (spec §4.1).
var (
	HelloNoncePrefix     = []byte("cUVVYcp-CLIENT-h") // 16 bytes
	CookieNoncePrefix    = []byte("cUVVYcpk")          // 8 bytes
	InitiateNoncePrefix  = []byte("cUVVYcp-CLIENT-i")  // 16 bytes
	MessageNoncePrefix   = []byte("cUVVYcp-CLIENT-m")  // 16 bytes
	VouchNoncePrefix     = []byte("cUVVYcpv")          // 8 bytes
	MinuteKeyNoncePrefix = []byte("minute-k")          // 8 bytes
	RegSigNoncePrefix    = []byte("cUVVYcps")          // 8 bytes
)

var errOpenFailed = errors.New("kexcrypto: box authentication failed")

// GenerateKeyPair creates a fresh Curve25519 key pair suitable for a
// short-term (per-session) or long-term key.
func GenerateKeyPair() (pub, secret [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, secret[:]); err != nil {
		return pub, secret, fmt.Errorf("generate secret key: %w", err)
	}
	secret[0] &= 248
	secret[31] &= 127
	secret[31] |= 64
	curve25519.ScalarBaseMult(&pub, &secret)
	return pub, secret, nil
}

// DerivePublicKey computes the Curve25519 public key for secret. Used by the
// responder to recover the short-term public key it generated earlier,
// since only the secret half survives inside a sealed cookie.
func DerivePublicKey(secret [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, &secret)
	return pub
}

// buildNonce concatenates a fixed prefix with a variable tail (a counter or
// random bytes) to form a 24-byte NaCl nonce. len(prefix)+len(tail) must
// equal NonceSize.
func buildNonce(prefix, tail []byte) ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if len(prefix)+len(tail) != NonceSize {
		return nonce, fmt.Errorf("kexcrypto: nonce parts sum to %d bytes, want %d", len(prefix)+len(tail), NonceSize)
	}
	copy(nonce[:], prefix)
	copy(nonce[len(prefix):], tail)
	return nonce, nil
}

// SealBox authenticated-encrypts plaintext to recipientPub using
// senderSecret, under a nonce built from prefix+tail.
func SealBox(plaintext []byte, prefix, tail []byte, recipientPub, senderSecret *[KeySize]byte) ([]byte, error) {
	nonce, err := buildNonce(prefix, tail)
	if err != nil {
		return nil, err
	}
	return box.Seal(nil, plaintext, &nonce, recipientPub, senderSecret), nil
}

// OpenBox authenticated-decrypts a box sealed by SealBox.
func OpenBox(ciphertext []byte, prefix, tail []byte, senderPub, recipientSecret *[KeySize]byte) ([]byte, error) {
	nonce, err := buildNonce(prefix, tail)
	if err != nil {
		return nil, err
	}
	plain, ok := box.Open(nil, ciphertext, &nonce, senderPub, recipientSecret)
	if !ok {
		return nil, errOpenFailed
	}
	return plain, nil
}

// SealSecretbox symmetric-encrypts plaintext under key, with a nonce built
// from prefix+tail. Used for the minute-key cookie secretbox.
func SealSecretbox(plaintext []byte, prefix, tail []byte, key *[KeySize]byte) ([]byte, error) {
	nonce, err := buildNonce(prefix, tail)
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(nil, plaintext, &nonce, key), nil
}

// OpenSecretbox symmetric-decrypts a box sealed by SealSecretbox.
func OpenSecretbox(ciphertext []byte, prefix, tail []byte, key *[KeySize]byte) ([]byte, error) {
	nonce, err := buildNonce(prefix, tail)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, ciphertext, &nonce, key)
	if !ok {
		return nil, errOpenFailed
	}
	return plain, nil
}

// ConstantTimeEqual reports whether a and b are equal using constant-time
// comparison, for comparing recovered key material against claims.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes fills b with cryptographically random bytes, used for the
// random tail of cookie/vouch nonces.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
