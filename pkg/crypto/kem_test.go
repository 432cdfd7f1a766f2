package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func newTestKEM(t *testing.T) *X25519KEM {
	t.Helper()
	raw, err := GenerateX25519KEMKey()
	if err != nil {
		t.Fatalf("GenerateX25519KEMKey error: %v", err)
	}
	k, err := NewX25519KEM(raw)
	if err != nil {
		t.Fatalf("NewX25519KEM error: %v", err)
	}
	return k
}

func TestX25519KEM_Agreement(t *testing.T) {
	alice := newTestKEM(t)
	bob := newTestKEM(t)

	if len(alice.PublicKey()) != KEMPublicKeySize {
		t.Fatalf("public key size = %d, want %d", len(alice.PublicKey()), KEMPublicKeySize)
	}

	ab, err := alice.SharedSecret(bob.PublicKey())
	if err != nil {
		t.Fatalf("alice SharedSecret error: %v", err)
	}
	ba, err := bob.SharedSecret(alice.PublicKey())
	if err != nil {
		t.Fatalf("bob SharedSecret error: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatalf("shared secrets differ")
	}

	pskA, err := DerivePSK(ab)
	if err != nil {
		t.Fatalf("DerivePSK error: %v", err)
	}
	pskB, err := DerivePSK(ba)
	if err != nil {
		t.Fatalf("DerivePSK error: %v", err)
	}
	if pskA != pskB {
		t.Fatalf("derived PSKs differ")
	}
	raw, err := base64.StdEncoding.DecodeString(pskA)
	if err != nil || len(raw) != KeySize {
		t.Fatalf("psk is not a base64 32-byte key: %v len=%d", err, len(raw))
	}
}

func TestX25519KEM_RejectsBadSizes(t *testing.T) {
	if _, err := NewX25519KEM(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for short private key")
	}
	k := newTestKEM(t)
	if _, err := k.SharedSecret(make([]byte, 32)); err == nil {
		t.Fatalf("expected error for short peer key")
	}
}

func TestSignVerify(t *testing.T) {
	seed, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey error: %v", err)
	}
	priv, err := SigningKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("SigningKeyFromSeed error: %v", err)
	}
	vk := []byte(priv.Public().(ed25519.PublicKey))

	msg := []byte("hostname=alice.local.; port=5354;")
	sig := Sign(priv, msg)
	if len(sig) != SignatureSize {
		t.Fatalf("signature size = %d", len(sig))
	}
	if !Verify(vk, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	tampered := append([]byte(nil), msg...)
	tampered[len(tampered)-2] = '5'
	if Verify(vk, tampered, sig) {
		t.Fatalf("expected tampered message to fail verification")
	}
	if Verify(vk[:31], msg, sig) {
		t.Fatalf("expected short key to fail verification")
	}
}
