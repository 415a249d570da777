package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

const (
	keyringSecretStorePassword = domain.AppName + "_secret_store_password"
)

var (
	// keyringService is replaced in tests so the user's keyring is left alone.
	keyringService = domain.AppName

	// ErrSecretNotFound is returned when a secret is not found in the keyring
	ErrSecretNotFound = errors.New("secret not found in keyring")
)

func setKeyringServiceForTesting(testServiceName string) func() {
	originalService := keyringService
	keyringService = testServiceName
	return func() {
		keyringService = originalService
	}
}

// GetSecretStorePasswordFromKeyring retrieves the secret store password from the keyring
func GetSecretStorePasswordFromKeyring() (string, error) {
	password, err := keyring.Get(keyringService, keyringSecretStorePassword)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get password from keyring: %w", err)
	}
	return password, nil
}

// SetSecretStorePasswordInKeyring stores the secret store password in the keyring
func SetSecretStorePasswordInKeyring(password string) error {
	if err := keyring.Set(keyringService, keyringSecretStorePassword, password); err != nil {
		return fmt.Errorf("failed to set password in keyring: %w", err)
	}
	return nil
}

// DeleteSecretStorePasswordFromKeyring removes the secret store password from the keyring
func DeleteSecretStorePasswordFromKeyring() error {
	if err := keyring.Delete(keyringService, keyringSecretStorePassword); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil // Already deleted, not an error
		}
		return fmt.Errorf("failed to delete password from keyring: %w", err)
	}
	return nil
}

// IsKeyringAvailable probes the keyring with a random key; anything other than
// a clean miss means there is no usable keyring.
func IsKeyringAvailable() bool {
	_, err := keyring.Get(keyringService, uuid.New().String())
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// EnsurePasswordFromConfig resolves the secret store password, falling back to
// the keyring and then to interactive setup.
func EnsurePasswordFromConfig(ctx context.Context, cfg configManager) error {
	if cfg.HasSecretStorePassword() {
		return nil
	}

	password, err := GetSecretStorePasswordFromKeyring()
	if err == nil && password != "" {
		cfg.SetSecretStorePassword(password)
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("secret store password not configured: set %s or InsecureSecretStorePassword, or run setup secrets", domain.EnvSecretStorePassword)
	}

	if err = SetupSecretStorePassword(ctx, cfg); err != nil {
		return fmt.Errorf("failed to setup secret store password: %w", err)
	}
	return nil
}
