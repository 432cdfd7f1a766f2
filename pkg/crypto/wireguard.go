package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of X25519 and Ed25519 public keys.
const KeySize = 32

// Key is a 32-byte Curve25519 key as used by WireGuard.
type Key [KeySize]byte

// String returns the base64 form WireGuard tools print.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is all zero bytes.
func (k Key) IsZero() bool {
	return k == Key{}
}

// PublicKey derives the public half of a private key.
func (k Key) PublicKey() (Key, error) {
	priv := k
	clampPrivateKey(priv[:])

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, fmt.Errorf("failed to derive public key: %w", err)
	}

	var out Key
	copy(out[:], pub)
	return out, nil
}

// MarshalText encodes the key as base64.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a base64 key.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a base64 encoded 32-byte key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("key has incorrect length: expected %d bytes, got %d", KeySize, len(b))
	}

	var k Key
	copy(k[:], b)
	return k, nil
}

// GeneratePrivateKey generates a new clamped WireGuard private key.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate random bytes for private key: %w", err)
	}
	clampPrivateKey(k[:])
	return k, nil
}

// clampPrivateKey applies the clamping function to a private key as specified by WireGuard.
func clampPrivateKey(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

// IsValidWireGuardKey reports whether s is a base64 encoded 32-byte key.
func IsValidWireGuardKey(s string) bool {
	if len(s) != 44 {
		return false
	}
	_, err := ParseKey(s)
	return err == nil
}
