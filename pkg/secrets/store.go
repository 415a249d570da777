package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/tobischo/gokeepasslib/v3"
	"github.com/tobischo/gokeepasslib/v3/wrappers"
	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

var _ domain.SecretReadWriter = (*SecretStore)(nil)

var (
	ErrDatabaseNotUnlocked = errors.New("database not unlocked")
	ErrEntryNotFound       = errors.New("entry not found")
	ErrInvalidSSHKey       = errors.New("invalid SSH key format")
)

type SecretStore struct {
	buff   *bytes.Buffer
	db     *gokeepasslib.Database
	pass   string
	locked bool
}

func NewSecretStore(pass string) *SecretStore {
	return &SecretStore{
		buff:   &bytes.Buffer{},
		pass:   pass,
		locked: true,
	}
}

func (s *SecretStore) Reset() {
	s.buff.Reset()
}

func (s *SecretStore) Bytes() []byte {
	return s.buff.Bytes()
}

func (s *SecretStore) Read(p []byte) (n int, err error) {
	return s.buff.Read(p)
}

func (s *SecretStore) Write(p []byte) (n int, err error) {
	return s.buff.Write(p)
}

func (s *SecretStore) Unlock() error {

	if s.buff.Len() == 0 {
		s.createNewDatabase(s.pass)
		return nil
	}

	db := gokeepasslib.NewDatabase()
	db.Credentials = gokeepasslib.NewPasswordCredentials(s.pass)

	if err := gokeepasslib.NewDecoder(s).Decode(db); err != nil {
		return fmt.Errorf("failed to decode database: %w", err)
	}

	if err := db.UnlockProtectedEntries(); err != nil {
		return fmt.Errorf("failed to unlock protected entries: %w", err)
	}

	s.db = db
	s.locked = false

	return nil
}

func (s *SecretStore) createNewDatabase(pass string) {
	db := gokeepasslib.NewDatabase()
	db.Credentials = gokeepasslib.NewPasswordCredentials(pass)

	rootGroup := gokeepasslib.NewGroup()
	rootGroup.Name = "Root"

	db.Content = &gokeepasslib.DBContent{
		Meta: gokeepasslib.NewMetaData(),
		Root: &gokeepasslib.RootData{
			Groups: []gokeepasslib.Group{rootGroup},
		},
	}

	s.db = db
	s.locked = false
}

func (s *SecretStore) GetSecret(key string) (string, error) {
	if s.locked || s.db == nil {
		return "", ErrDatabaseNotUnlocked
	}

	entry := s.findEntry(key)
	if entry == nil {
		return "", ErrEntryNotFound
	}

	return entry.GetPassword(), nil
}

func (s *SecretStore) SetSecret(key, val string) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}

	entry := s.findEntry(key)
	if entry != nil {
		entry.Values = append(entry.Values[:0],
			gokeepasslib.ValueData{Key: "Title", Value: gokeepasslib.V{Content: key}},
			gokeepasslib.ValueData{Key: "Password", Value: gokeepasslib.V{Content: val, Protected: wrappers.NewBoolWrapper(true)}},
		)
	} else {
		newEntry := gokeepasslib.NewEntry()
		newEntry.Values = []gokeepasslib.ValueData{
			{Key: "Title", Value: gokeepasslib.V{Content: key}},
			{Key: "Password", Value: gokeepasslib.V{Content: val, Protected: wrappers.NewBoolWrapper(true)}},
		}

		if len(s.db.Content.Root.Groups) == 0 {
			rootGroup := gokeepasslib.NewGroup()
			rootGroup.Name = "Root"
			s.db.Content.Root.Groups = []gokeepasslib.Group{rootGroup}
		}

		s.db.Content.Root.Groups[0].Entries = append(s.db.Content.Root.Groups[0].Entries, newEntry)
	}

	return nil
}

func (s *SecretStore) SetSSHKey(key string, pemData []byte) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if _, err := ssh.ParseRawPrivateKey(pemData); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSSHKey, err)
	}
	return s.SetSecret(key, string(pemData))
}

// GetSigner parses the private key stored under key.
func (s *SecretStore) GetSigner(key string) (ssh.Signer, error) {
	pemData, err := s.GetSecret(key)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSSHKey, err)
	}
	return signer, nil
}

// DeleteSecret removes key. Deleting a missing key reports ErrEntryNotFound.
func (s *SecretStore) DeleteSecret(key string) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if s.db.Content == nil || s.db.Content.Root == nil {
		return ErrEntryNotFound
	}
	for i := range s.db.Content.Root.Groups {
		group := &s.db.Content.Root.Groups[i]
		idx := slices.IndexFunc(group.Entries, func(e gokeepasslib.Entry) bool {
			return e.GetTitle() == key
		})
		if idx >= 0 {
			group.Entries = slices.Delete(group.Entries, idx, idx+1)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *SecretStore) findEntry(title string) *gokeepasslib.Entry {
	if s.db == nil || s.db.Content == nil || s.db.Content.Root == nil {
		return nil
	}

	for i := range s.db.Content.Root.Groups {
		for j := range s.db.Content.Root.Groups[i].Entries {
			entry := &s.db.Content.Root.Groups[i].Entries[j]
			if entry.GetTitle() == title {
				return entry
			}
		}
	}

	return nil
}

// Lock encodes the database into the buffer. The store must be unlocked again
// before further reads or writes.
func (s *SecretStore) Lock() error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if err := s.db.LockProtectedEntries(); err != nil {
		return fmt.Errorf("failed to lock protected entries: %w", err)
	}

	s.buff.Reset()
	encoder := gokeepasslib.NewEncoder(s)
	if err := encoder.Encode(s.db); err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}
	s.db = nil
	s.locked = true

	return nil
}

// ListSecrets returns all secret keys (titles) in the database, sorted.
func (s *SecretStore) ListSecrets() ([]string, error) {
	if s.locked || s.db == nil {
		return nil, ErrDatabaseNotUnlocked
	}

	var keys []string
	if s.db.Content == nil || s.db.Content.Root == nil {
		return keys, nil
	}

	for i := range s.db.Content.Root.Groups {
		for j := range s.db.Content.Root.Groups[i].Entries {
			entry := &s.db.Content.Root.Groups[i].Entries[j]
			title := entry.GetTitle()
			if title != "" {
				keys = append(keys, title)
			}
		}
	}
	slices.Sort(keys)

	return keys, nil
}
