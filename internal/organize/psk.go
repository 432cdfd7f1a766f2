package organize

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ioerror/vula/pkg/crypto"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// PSKCacheSize bounds the number of remembered peer keys.
const PSKCacheSize = 1024

// PSKCache derives and remembers the WireGuard preshared key for each peer
// KEM public key. It is safe for concurrent use.
type PSKCache struct {
	kem    crypto.KEM
	cache  *lru.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// PSKStats reports cache effectiveness.
type PSKStats struct {
	Hits   int64 `json:"hits" yaml:"hits"`
	Misses int64 `json:"misses" yaml:"misses"`
	Size   int   `json:"size" yaml:"size"`
}

// NewPSKCache creates a cache over our KEM key.
func NewPSKCache(kem crypto.KEM) (*PSKCache, error) {
	c, err := lru.New(PSKCacheSize)
	if err != nil {
		return nil, vulaerrors.NewSystemError(vulaerrors.ErrCodeInternal, "failed to create psk cache", false, err)
	}
	return &PSKCache{kem: kem, cache: c}, nil
}

// PSK returns the base64 preshared key shared with the owner of peerKEM.
func (c *PSKCache) PSK(peerKEM []byte) (string, error) {
	key := string(peerKEM)
	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return v.(string), nil
	}
	c.misses.Add(1)

	secret, err := c.kem.SharedSecret(peerKEM)
	if err != nil {
		return "", vulaerrors.NewPeerError(vulaerrors.ErrCodeValidation, "failed to compute shared secret", false, err)
	}
	psk, err := crypto.DerivePSK(secret)
	if err != nil {
		return "", vulaerrors.NewSystemError(vulaerrors.ErrCodeInternal, "failed to derive psk", false, err)
	}
	c.cache.Add(key, psk)
	return psk, nil
}

// Stats returns a snapshot of the counters.
func (c *PSKCache) Stats() PSKStats {
	return PSKStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.cache.Len()}
}
