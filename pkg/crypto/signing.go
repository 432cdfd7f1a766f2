package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SignatureSize is the length of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// GenerateSigningKey returns a fresh Ed25519 seed.
func GenerateSigningKey() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	return seed, nil
}

// SigningKeyFromSeed expands a 32-byte seed into an Ed25519 private key.
func SigningKeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed has incorrect length: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign signs msg with priv.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks sig over msg with the 32-byte public key vk. Malformed
// inputs verify as false.
func Verify(vk, msg, sig []byte) bool {
	if len(vk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(vk), msg, sig)
}
