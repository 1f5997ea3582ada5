package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

const (
	recordKey     = "identity.json"
	signingKeyKey = "identity.key"
)

// ErrNotFound is returned by a KV when a key has never been written.
var ErrNotFound = errors.New("not found")

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// KV is the persistent local store the identity record lives in.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// DataDir returns the application's data directory. If baseDir is provided,
// it's used instead of the default under the user's home directory.
func DataDir(baseDir string) (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hushlink"), nil
}

// FileKV stores each key as a file in a directory.
type FileKV struct {
	dir string
}

// NewFileKV creates the directory if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (s *FileKV) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *FileKV) Get(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileKV) Set(key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *FileKV) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryKV is an in-memory KV, mostly useful in tests.
type MemoryKV map[string][]byte

func (m MemoryKV) Get(key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m MemoryKV) Set(key string, value []byte) error {
	m[key] = append([]byte(nil), value...)
	return nil
}

func (m MemoryKV) Delete(key string) error {
	delete(m, key)
	return nil
}

// LoadSigningKey loads the node's Ed25519 signing key, generating and saving
// one on first use.
func LoadSigningKey(kv KV) (lcrypto.PrivKey, error) {
	raw, err := kv.Get(signingKeyKey)
	if errors.Is(err, ErrNotFound) {
		priv, _, err := lcrypto.GenerateEd25519Key(nil)
		if err != nil {
			return nil, err
		}
		raw, err := lcrypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		if err := kv.Set(signingKeyKey, raw); err != nil {
			return nil, fmt.Errorf("failed to save signing key: %w", err)
		}
		return priv, nil
	}
	if err != nil {
		return nil, err
	}
	return lcrypto.UnmarshalPrivateKey(raw)
}
