// Package keys manages the host key file: the WireGuard private key, the
// Ed25519 signing key that is the host's identity, and the KEM key used to
// derive preshared keys.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ioerror/vula/internal/fsutil"
	"github.com/ioerror/vula/pkg/crypto"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/logger"
)

// file is the on-disk form.
type file struct {
	WGSecret  string `yaml:"wg_curve25519_sec_key"`
	VKSecret  string `yaml:"vk_ed25519_sec_key"`
	KEMSecret string `yaml:"kem_x25519x2_sec_key"`
}

// Keys is the loaded key set.
type Keys struct {
	WGPrivate crypto.Key
	Signing   ed25519.PrivateKey
	KEM       *crypto.X25519KEM

	kemSecret []byte
}

// WGPublicKey derives the WireGuard public key.
func (k *Keys) WGPublicKey() crypto.Key {
	pub, _ := k.WGPrivate.PublicKey()
	return pub
}

// VerifyKey is the Ed25519 public key.
func (k *Keys) VerifyKey() ed25519.PublicKey {
	return k.Signing.Public().(ed25519.PublicKey)
}

// ID is the base64 verify key, as peers see it.
func (k *Keys) ID() string {
	return base64.StdEncoding.EncodeToString(k.VerifyKey())
}

// Manager loads, creates and saves key files.
type Manager struct {
	logger *logger.Logger
}

// NewManager creates a key manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{logger: log.WithComponent("keys")}
}

// Generate creates a fresh key set.
func (m *Manager) Generate() (*Keys, error) {
	wg, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, keysError("failed to generate wireguard key", err)
	}
	seed, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, keysError("failed to generate signing key", err)
	}
	kemSecret, err := crypto.GenerateX25519KEMKey()
	if err != nil {
		return nil, keysError("failed to generate kem key", err)
	}
	return fromSecrets(wg, seed, kemSecret)
}

func fromSecrets(wg crypto.Key, seed, kemSecret []byte) (*Keys, error) {
	signing, err := crypto.SigningKeyFromSeed(seed)
	if err != nil {
		return nil, keysError("invalid signing key", err)
	}
	kem, err := crypto.NewX25519KEM(kemSecret)
	if err != nil {
		return nil, keysError("invalid kem key", err)
	}
	return &Keys{WGPrivate: wg, Signing: signing, KEM: kem, kemSecret: kemSecret}, nil
}

// LoadOrCreate loads the key file at path, creating it when missing.
func (m *Manager) LoadOrCreate(path string) (*Keys, error) {
	path = fsutil.ExpandHome(path)
	m.logger.Debug("loading or creating host keys", "path", path)

	if _, err := os.Stat(path); err == nil {
		return m.Load(path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, keysError("failed to check key file", err)
	}

	k, err := m.Generate()
	if err != nil {
		return nil, err
	}
	if err := m.Save(path, k); err != nil {
		return nil, err
	}
	m.logger.Info("generated and saved new host keys", "path", path, "id", k.ID())
	return k, nil
}

// Load reads and validates an existing key file.
func (m *Manager) Load(path string) (*Keys, error) {
	path = fsutil.ExpandHome(path)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, keysError("failed to read key file", err)
	}

	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, keysError("failed to parse key file "+path, err)
	}
	wg, err := crypto.ParseKey(f.WGSecret)
	if err != nil {
		return nil, keysError("invalid wireguard key in "+path, err)
	}
	seed, err := base64.StdEncoding.DecodeString(f.VKSecret)
	if err != nil {
		return nil, keysError("invalid signing key encoding in "+path, err)
	}
	kemSecret, err := base64.StdEncoding.DecodeString(f.KEMSecret)
	if err != nil {
		return nil, keysError("invalid kem key encoding in "+path, err)
	}

	k, err := fromSecrets(wg, seed, kemSecret)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("loaded host keys", "path", path, "id", k.ID())
	return k, nil
}

// Save writes k to path, readable only by the owner.
func (m *Manager) Save(path string, k *Keys) error {
	path = fsutil.ExpandHome(path)
	f := file{
		WGSecret:  k.WGPrivate.String(),
		VKSecret:  base64.StdEncoding.EncodeToString(k.Signing.Seed()),
		KEMSecret: base64.StdEncoding.EncodeToString(k.kemSecret),
	}
	b, err := yaml.Marshal(f)
	if err != nil {
		return keysError("failed to encode key file", err)
	}
	if err := fsutil.WriteAtomic(path, b, 0600); err != nil {
		return keysError("failed to write key file", err)
	}
	return nil
}

func keysError(msg string, cause error) error {
	return vulaerrors.NewSystemError(vulaerrors.ErrCodeKeys, msg, false, cause)
}
