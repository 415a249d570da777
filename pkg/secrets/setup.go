package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

const minPasswordLength = 8

// configManager is the part of domain.Config the setup flow touches.
type configManager interface {
	Save() error
	SetInsecurePassword(password string)
	HasSecretStorePassword() bool
	SetSecretStorePassword(string)
}

type setupOption struct {
	key   string
	label string
	run   func(cfg configManager) error
}

// SetupSecretStorePassword asks the user where the password protecting the
// origin credential vault should live.
func SetupSecretStorePassword(ctx context.Context, cfg configManager) error {
	options := []setupOption{
		{"2", "Environment variable - set " + domain.EnvSecretStorePassword + " yourself", setupEnvironmentVariable},
		{"3", "Config file (insecure) - store a random password in config.json", setupInsecureConfig},
	}
	if IsKeyringAvailable() {
		options = append([]setupOption{{"1", "System keyring (recommended)", setupKeyring}}, options...)
	} else {
		fmt.Println("Warning: no system keyring is available on this system.")
	}

	fmt.Println()
	fmt.Println("=== Secret Store Password Setup ===")
	fmt.Println()
	fmt.Println("Origin credentials are kept in an encrypted store. Choose where its password is kept:")
	for _, o := range options {
		fmt.Printf("  %s. %s\n", o.key, o.label)
	}
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Print("Option: ")
		choice, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return errors.New("setup cancelled")
		}
		choice = strings.TrimSpace(choice)
		for _, o := range options {
			if o.key == choice {
				return o.run(cfg)
			}
		}
		fmt.Println("Invalid choice. Please try again.")
	}
}

func setupKeyring(cfg configManager) error {
	password, err := promptNewPassword()
	if err != nil {
		return err
	}
	if err = SetSecretStorePasswordInKeyring(password); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}
	cfg.SetSecretStorePassword(password)
	fmt.Println("Password stored in keyring.")
	return nil
}

func setupEnvironmentVariable(cfg configManager) error {
	fmt.Println()
	fmt.Printf("Add this to your shell profile to make it permanent:\n\n  export %s=\"your-password-here\"\n\n", domain.EnvSecretStorePassword)

	password, err := promptNewPassword()
	if err != nil {
		return err
	}
	cfg.SetSecretStorePassword(password)
	fmt.Println("Using the provided password for this run.")
	return nil
}

func setupInsecureConfig(cfg configManager) error {
	fmt.Println()
	fmt.Println("WARNING: the password is stored in plain text in the config file.")
	fmt.Print("Continue? (yes/no): ")
	confirmation, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	confirmation = strings.TrimSpace(strings.ToLower(confirmation))
	if confirmation != "yes" && confirmation != "y" {
		return fmt.Errorf("setup cancelled by user")
	}

	cfg.SetInsecurePassword(uuid.New().String())
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Println("Random password saved to config file.")
	return nil
}

func promptNewPassword() (string, error) {
	password, err := promptPassword("Enter password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters long", minPasswordLength)
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation password: %w", err)
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// PromptSecret reads a secret from the terminal without echo, or a line from
// stdin when it is not a terminal.
func PromptSecret(prompt string) (string, error) {
	return promptPassword(prompt)
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	passwordBytes, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
