package kexcrypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	pub1, sec1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pub2, sec2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if pub1 == pub2 {
		t.Error("GenerateKeyPair() produced duplicate public keys")
	}
	if sec1 == sec2 {
		t.Error("GenerateKeyPair() produced duplicate secret keys")
	}
	// Clamping bits per the X25519 spec.
	if sec1[0]&7 != 0 {
		t.Error("secret key not clamped: low bits of byte 0 set")
	}
	if sec1[31]&0x80 != 0 {
		t.Error("secret key not clamped: high bit of byte 31 set")
	}
	if sec1[31]&0x40 == 0 {
		t.Error("secret key not clamped: bit 6 of byte 31 clear")
	}
}

func TestMagicsAreDistinct(t *testing.T) {
	magics := map[Magic]string{
		HelloMagic:    "hello",
		CookieMagic:   "cookie",
		InitiateMagic: "initiate",
		MessageMagic:  "message",
	}
	if len(magics) != 4 {
		t.Fatalf("packet magics collide: %v", magics)
	}
}

func TestNoncePrefixSizes(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   int
	}{
		{"hello", HelloNoncePrefix, 16},
		{"cookie", CookieNoncePrefix, 8},
		{"initiate", InitiateNoncePrefix, 16},
		{"message", MessageNoncePrefix, 16},
		{"vouch", VouchNoncePrefix, 8},
		{"minute-key", MinuteKeyNoncePrefix, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.prefix) != tt.want {
				t.Errorf("len(%s prefix) = %d, want %d", tt.name, len(tt.prefix), tt.want)
			}
			if NonceSize-len(tt.prefix) < 0 {
				t.Errorf("%s prefix longer than NonceSize", tt.name)
			}
		})
	}
}

func TestBuildNonce_RejectsWrongLength(t *testing.T) {
	_, err := buildNonce(HelloNoncePrefix, make([]byte, 4))
	if err == nil {
		t.Error("buildNonce() with mismatched lengths should error")
	}
}

func TestSealOpenBox_RoundTrip(t *testing.T) {
	aPub, aSec, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	bPub, bSec, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	plaintext := []byte("hello cookie payload")
	tail := make([]byte, NonceSize-len(HelloNoncePrefix))
	sealed, err := SealBox(plaintext, HelloNoncePrefix, tail, &bPub, &aSec)
	if err != nil {
		t.Fatalf("SealBox() error = %v", err)
	}

	opened, err := OpenBox(sealed, HelloNoncePrefix, tail, &aPub, &bSec)
	if err != nil {
		t.Fatalf("OpenBox() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("OpenBox() = %q, want %q", opened, plaintext)
	}
}

func TestOpenBox_RejectsTamperedCiphertext(t *testing.T) {
	aPub, aSec, _ := GenerateKeyPair()
	bPub, bSec, _ := GenerateKeyPair()

	tail := make([]byte, NonceSize-len(HelloNoncePrefix))
	sealed, err := SealBox([]byte("payload"), HelloNoncePrefix, tail, &bPub, &aSec)
	if err != nil {
		t.Fatalf("SealBox() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := OpenBox(sealed, HelloNoncePrefix, tail, &aPub, &bSec); err == nil {
		t.Error("OpenBox() accepted tampered ciphertext")
	}
}

func TestOpenBox_RejectsWrongNonce(t *testing.T) {
	aPub, aSec, _ := GenerateKeyPair()
	bPub, bSec, _ := GenerateKeyPair()

	tail := make([]byte, NonceSize-len(HelloNoncePrefix))
	sealed, err := SealBox([]byte("payload"), HelloNoncePrefix, tail, &bPub, &aSec)
	if err != nil {
		t.Fatalf("SealBox() error = %v", err)
	}

	otherTail := make([]byte, len(tail))
	otherTail[0] = 1
	if _, err := OpenBox(sealed, HelloNoncePrefix, otherTail, &aPub, &bSec); err == nil {
		t.Error("OpenBox() accepted a box opened under the wrong nonce")
	}
}

func TestSealOpenSecretbox_RoundTrip(t *testing.T) {
	var key [KeySize]byte
	if err := RandomBytes(key[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	plaintext := []byte("initiator short-term pk and long-term secret")
	tail := make([]byte, NonceSize-len(MinuteKeyNoncePrefix))
	if err := RandomBytes(tail); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	sealed, err := SealSecretbox(plaintext, MinuteKeyNoncePrefix, tail, &key)
	if err != nil {
		t.Fatalf("SealSecretbox() error = %v", err)
	}
	opened, err := OpenSecretbox(sealed, MinuteKeyNoncePrefix, tail, &key)
	if err != nil {
		t.Fatalf("OpenSecretbox() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("OpenSecretbox() = %q, want %q", opened, plaintext)
	}
}

func TestOpenSecretbox_RejectsWrongKey(t *testing.T) {
	var key, otherKey [KeySize]byte
	RandomBytes(key[:])
	RandomBytes(otherKey[:])

	tail := make([]byte, NonceSize-len(MinuteKeyNoncePrefix))
	sealed, err := SealSecretbox([]byte("cookie state"), MinuteKeyNoncePrefix, tail, &key)
	if err != nil {
		t.Fatalf("SealSecretbox() error = %v", err)
	}
	if _, err := OpenSecretbox(sealed, MinuteKeyNoncePrefix, tail, &otherKey); err == nil {
		t.Error("OpenSecretbox() accepted a box sealed under a different key")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte("abcdef")
	b := []byte("abcdef")
	c := []byte("abcdeg")

	if !ConstantTimeEqual(a, b) {
		t.Error("ConstantTimeEqual() = false for equal slices")
	}
	if ConstantTimeEqual(a, c) {
		t.Error("ConstantTimeEqual() = true for differing slices")
	}
}
