package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// UserConfigDir returns the default configuration directory for the application.
// It follows platform-specific conventions:
//   - Linux/Unix: $XDG_CONFIG_HOME/sftpproxy or $HOME/.config/sftpproxy
//   - macOS: $HOME/Library/Application Support/sftpproxy
//   - Windows: %LocalAppData%\sftpproxy\config
func UserConfigDir() (string, error) {
	if configDir := os.Getenv(EnvConfigDir); configDir != "" {
		return configDir, nil
	}
	return platformDir("XDG_CONFIG_HOME", ".config", "config")
}

// UserDataDir returns the default data directory, holding the host key and the
// secret store.
//   - Linux/Unix: $XDG_DATA_HOME/sftpproxy or $HOME/.local/share/sftpproxy
//   - macOS: $HOME/Library/Application Support/sftpproxy
//   - Windows: %LocalAppData%\sftpproxy\data
func UserDataDir() (string, error) {
	if dataDir := os.Getenv(EnvDataDir); dataDir != "" {
		return dataDir, nil
	}
	return platformDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "data")
}

func platformDir(xdgEnv, homeSubdir, windowsSubdir string) (string, error) {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LocalAppData")
		if base == "" {
			return "", fmt.Errorf("%%LocalAppData%% is not defined")
		}
		return filepath.Join(base, AppName, windowsSubdir), nil

	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", AppName), nil

	default:
		if xdg := os.Getenv(xdgEnv); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		return filepath.Join(home, homeSubdir, AppName), nil
	}
}

// EnsureDir ensures that the specified directory exists, creating it if necessary.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
