package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

// Vault is a secret store persisted to a KeePass file. It is safe for
// concurrent use.
type Vault struct {
	path string

	mu    sync.Mutex
	store domain.SecretReadWriter
}

// OpenVault unlocks the store at path. A missing file starts an empty store
// that is created on the first Save.
func OpenVault(path, password string) (*Vault, error) {
	if password == "" {
		return nil, errors.New("secret store password not set")
	}
	store := NewSecretStore(password)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	default:
		if _, err = store.Write(data); err != nil {
			return nil, err
		}
	}

	if err = store.Unlock(); err != nil {
		return nil, fmt.Errorf("failed to unlock secret store %s: %w", path, err)
	}
	return &Vault{path: path, store: store}, nil
}

func (v *Vault) Path() string { return v.path }

func (v *Vault) Get(key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.GetSecret(key)
}

func (v *Vault) Signer(key string) (ssh.Signer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.GetSigner(key)
}

func (v *Vault) List() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.ListSecrets()
}

// Set stores a secret and saves the file.
func (v *Vault) Set(key, val string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.SetSecret(key, val); err != nil {
		return err
	}
	return v.saveLocked()
}

// SetSSHKey stores a PEM private key and saves the file.
func (v *Vault) SetSSHKey(key string, pemData []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.SetSSHKey(key, pemData); err != nil {
		return err
	}
	return v.saveLocked()
}

// Delete removes a secret and saves the file.
func (v *Vault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.DeleteSecret(key); err != nil {
		return err
	}
	return v.saveLocked()
}

func (v *Vault) saveLocked() error {
	if err := v.store.Lock(); err != nil {
		return err
	}
	data := append([]byte(nil), v.store.Bytes()...)

	writeErr := writeFileAtomic(v.path, data)
	// Unlock decodes the buffer Lock just produced.
	if err := v.store.Unlock(); err != nil {
		return errors.Join(writeErr, fmt.Errorf("failed to reopen secret store: %w", err))
	}
	return writeErr
}

func writeFileAtomic(path string, data []byte) error {
	if err := domain.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	if err = tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod secret store: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close secret store: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace secret store: %w", err)
	}
	return nil
}
