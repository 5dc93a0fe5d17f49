package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"commitpal/internal/config"
	"commitpal/internal/pal"
)

// AgeStore keeps secrets as a TOML document encrypted with filippo.io/age
// to an X25519 identity. The identity is generated on first write and
// stored in plaintext with mode 0600.
type AgeStore struct {
	path         string
	identityPath string
}

var _ Store = (*AgeStore)(nil)

// payload is the plaintext layout of the encrypted file.
type payload struct {
	Secrets map[string]string `toml:"secrets"`
}

// NewAgeStore creates an AgeStore from configuration.
func NewAgeStore(cfg config.SecretsConfig) *AgeStore {
	return &AgeStore{path: cfg.Path, identityPath: cfg.IdentityPath}
}

// Get returns the secret stored under key.
func (s *AgeStore) Get(key string) (string, error) {
	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

// Set stores value under key, creating the identity if needed.
func (s *AgeStore) Set(key, value string) error {
	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[key] = value
	return s.save(secrets)
}

// Delete removes key.
func (s *AgeStore) Delete(key string) error {
	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(secrets, key)
	return s.save(secrets)
}

// Lookup implements pal.Credentials.
func (s *AgeStore) Lookup(mode pal.AuthMode) (string, error) {
	return lookup(s.Get, mode)
}

// load decrypts the store. A missing file is an empty store.
func (s *AgeStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	identity, err := s.readIdentity()
	if err != nil {
		return nil, err
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting secrets: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted secrets: %w", err)
	}

	var p payload
	if err := toml.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}
	if p.Secrets == nil {
		p.Secrets = make(map[string]string)
	}
	return p.Secrets, nil
}

func (s *AgeStore) save(secrets map[string]string) error {
	identity, err := s.identity()
	if err != nil {
		return err
	}

	var plain bytes.Buffer
	if err := toml.NewEncoder(&plain).Encode(payload{Secrets: secrets}); err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp secrets file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := age.Encrypt(tmp, identity.Recipient())
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(w, &plain); err != nil {
		tmp.Close()
		return fmt.Errorf("encrypting secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp secrets file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing secrets file: %w", err)
	}
	return nil
}

// identity returns the stored identity, generating one on first use.
func (s *AgeStore) identity() (*age.X25519Identity, error) {
	id, err := s.readIdentity()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.identityPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	f, err := os.OpenFile(s.identityPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating identity file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", id.Recipient(), id); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return id, nil
}

func (s *AgeStore) readIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", s.identityPath)
}
