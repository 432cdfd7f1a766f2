package crypto

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KEMPublicKeySize is the size of the key carried in a descriptor's "c" field.
const KEMPublicKeySize = 64

// pskInfo is the HKDF info string; changing it breaks PSK agreement with
// existing peers.
const pskInfo = "vula-organize-1"

// KEM is the non-interactive key agreement used to derive WireGuard
// preshared keys. Both sides must compute the same secret from their own
// private key and the other's public key.
type KEM interface {
	PublicKey() []byte
	SharedSecret(peerPublicKey []byte) ([]byte, error)
}

// X25519KEM fills the 64-byte key slot with two independent X25519 public
// keys and concatenates both agreements.
type X25519KEM struct {
	private [2]Key
	public  [2]Key
}

// NewX25519KEM builds a KEM from a 64-byte private key (two X25519 scalars).
func NewX25519KEM(private []byte) (*X25519KEM, error) {
	if len(private) != 2*KeySize {
		return nil, fmt.Errorf("kem private key has incorrect length: expected %d bytes, got %d", 2*KeySize, len(private))
	}

	k := &X25519KEM{}
	for i := range k.private {
		copy(k.private[i][:], private[i*KeySize:(i+1)*KeySize])
		clampPrivateKey(k.private[i][:])
		pub, err := k.private[i].PublicKey()
		if err != nil {
			return nil, err
		}
		k.public[i] = pub
	}
	return k, nil
}

// GenerateX25519KEMKey returns fresh private key material for NewX25519KEM.
func GenerateX25519KEMKey() ([]byte, error) {
	out := make([]byte, 0, 2*KeySize)
	for i := 0; i < 2; i++ {
		k, err := GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		out = append(out, k[:]...)
	}
	return out, nil
}

func (k *X25519KEM) PublicKey() []byte {
	out := make([]byte, 0, KEMPublicKeySize)
	out = append(out, k.public[0][:]...)
	return append(out, k.public[1][:]...)
}

func (k *X25519KEM) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != KEMPublicKeySize {
		return nil, fmt.Errorf("kem public key has incorrect length: expected %d bytes, got %d", KEMPublicKeySize, len(peerPublicKey))
	}

	secret := make([]byte, 0, 2*KeySize)
	for i := 0; i < 2; i++ {
		s, err := curve25519.X25519(k.private[i][:], peerPublicKey[i*KeySize:(i+1)*KeySize])
		if err != nil {
			return nil, fmt.Errorf("x25519 agreement failed: %w", err)
		}
		secret = append(secret, s...)
	}
	return secret, nil
}

// DerivePSK turns a raw shared secret into a base64 WireGuard preshared key
// using HKDF-SHA512 with no salt.
func DerivePSK(secret []byte) (string, error) {
	kdf := hkdf.New(sha512.New, secret, nil, []byte(pskInfo))
	psk := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, psk); err != nil {
		return "", fmt.Errorf("hkdf expand failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}
