package domain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	AppName = "sftpproxy"

	DefaultListenAddr      = ":2222"
	DefaultMaxAuthTries    = 6
	DefaultPreambleTimeout = 5 * time.Second
	DefaultBackendTimeout  = 10 * time.Second

	EnvLogLevel            = "SFTPPROXY_LOG_LEVEL"
	EnvConfigDir           = "SFTPPROXY_CONFIG_DIR"
	EnvDataDir             = "SFTPPROXY_DATA_DIR"
	EnvListenAddr          = "SFTPPROXY_LISTEN_ADDR"
	EnvHostKeyPath         = "SFTPPROXY_HOST_KEY"
	EnvRoutesPath          = "SFTPPROXY_ROUTES"
	EnvSecretStorePath     = "SFTPPROXY_SECRET_STORE"
	EnvMetricsAddr         = "SFTPPROXY_METRICS_ADDR"
	EnvProxyProtocol       = "SFTPPROXY_PROXY_PROTOCOL"
	EnvPreambleTimeout     = "SFTPPROXY_PREAMBLE_TIMEOUT"
	EnvBackendTimeout      = "SFTPPROXY_BACKEND_TIMEOUT"
	EnvMaxAuthTries        = "SFTPPROXY_MAX_AUTH_TRIES"
	EnvMaxTransferSize     = "SFTPPROXY_MAX_TRANSFER_SIZE"
	EnvConnectionRate      = "SFTPPROXY_CONNECTION_RATE"
	EnvConnectionBurst     = "SFTPPROXY_CONNECTION_BURST"
	EnvSecretStorePassword = "SFTPPROXY_SECRET_STORE_PASSWORD"
)

type Config struct {
	ConfigDir string
	DataDir   string
	LogLevel  slog.Level

	ListenAddr      string
	HostKeyPath     string
	RoutesPath      string
	SecretStorePath string
	// MetricsAddr serves /metrics when set.
	MetricsAddr   string `json:",omitempty"`
	ProxyProtocol bool

	PreambleTimeout Duration
	BackendTimeout  Duration
	MaxAuthTries    int
	// MaxTransferSize is a human size such as "64m"; empty uses the proxy default.
	MaxTransferSize string `json:",omitempty"`
	// ConnectionRate is accepted connections per second; 0 is unlimited.
	ConnectionRate  float64
	ConnectionBurst int

	InsecureSecretStorePassword string `json:",omitempty"`

	Help                bool `json:"-"`
	secretStorePassword string
}

func (c *Config) SecretStorePassword() string {
	return c.secretStorePassword
}

func (c *Config) SetSecretStorePassword(password string) {
	c.secretStorePassword = password
}

// SetInsecurePassword stores password in the config file and uses it for the
// current run.
func (c *Config) SetInsecurePassword(password string) {
	c.InsecureSecretStorePassword = password
	c.secretStorePassword = password
}

func (c *Config) HasSecretStorePassword() bool {
	return c.secretStorePassword != ""
}

// MaxTransferBytes parses MaxTransferSize.
func (c *Config) MaxTransferBytes() (int64, error) {
	if c.MaxTransferSize == "" {
		return 0, nil
	}
	size, err := ParseSizeBytes(c.MaxTransferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid MaxTransferSize: %w", err)
	}
	return size, nil
}

func NewDefaultConfig() *Config {
	configDir, _ := UserConfigDir()
	dataDir, _ := UserDataDir()
	return &Config{
		ConfigDir:       configDir,
		DataDir:         dataDir,
		LogLevel:        slog.LevelInfo,
		ListenAddr:      DefaultListenAddr,
		HostKeyPath:     filepath.Join(dataDir, "host_key"),
		RoutesPath:      filepath.Join(configDir, "routes.json"),
		SecretStorePath: filepath.Join(dataDir, "secrets.kdbx"),
		PreambleTimeout: Duration(DefaultPreambleTimeout),
		BackendTimeout:  Duration(DefaultBackendTimeout),
		MaxAuthTries:    DefaultMaxAuthTries,
	}
}

func (c *Config) Load(configDir string) error {
	*c = *NewDefaultConfig()
	if configDir == "" {
		configDir, _ = UserConfigDir()
	}
	if configDir == "" {
		return fmt.Errorf("failed to determine config directory")
	}
	c.ConfigDir = configDir
	c.RoutesPath = filepath.Join(configDir, "routes.json")
	if err := EnsureDir(c.ConfigDir); err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}

	cfgPath := filepath.Join(c.ConfigDir, "config.json")
	cfgFileInfo, err := os.Stat(cfgPath)
	switch {
	case err == nil && cfgFileInfo.IsDir():
		return fmt.Errorf("config file path is a directory")
	case err == nil:
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err = json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case os.IsNotExist(err):
		if err := c.Save(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to stat config path: %w", err)
	}

	return c.loadEnv()
}

// Save writes the config to disk
func (c *Config) Save() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config directory not set")
	}
	if err := EnsureDir(c.ConfigDir); err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}

	cfgPath := filepath.Join(c.ConfigDir, "config.json")
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	for env, p := range map[string]*string{
		EnvConfigDir:       &c.ConfigDir,
		EnvDataDir:         &c.DataDir,
		EnvListenAddr:      &c.ListenAddr,
		EnvHostKeyPath:     &c.HostKeyPath,
		EnvRoutesPath:      &c.RoutesPath,
		EnvSecretStorePath: &c.SecretStorePath,
		EnvMetricsAddr:     &c.MetricsAddr,
		EnvMaxTransferSize: &c.MaxTransferSize,
	} {
		if v := os.Getenv(env); v != "" {
			*p = v
		}
	}

	if v := os.Getenv(EnvProxyProtocol); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid value for ProxyProtocol: %s", v)
		}
		c.ProxyProtocol = b
	}
	if v := os.Getenv(EnvPreambleTimeout); v != "" {
		if err := c.PreambleTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid value for PreambleTimeout: %s", v)
		}
	}
	if v := os.Getenv(EnvBackendTimeout); v != "" {
		if err := c.BackendTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid value for BackendTimeout: %s", v)
		}
	}
	if v := os.Getenv(EnvMaxAuthTries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for MaxAuthTries: %s", v)
		}
		c.MaxAuthTries = n
	}
	if v := os.Getenv(EnvConnectionRate); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid value for ConnectionRate: %s", v)
		}
		c.ConnectionRate = f
	}
	if v := os.Getenv(EnvConnectionBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for ConnectionBurst: %s", v)
		}
		c.ConnectionBurst = n
	}
	if _, err := c.MaxTransferBytes(); err != nil {
		return err
	}

	// Order of precedence for secret store password:
	// 1. Environment variable
	// 2. Config value (InsecureSecretStorePassword)
	// 3. Keyring, resolved later by the secrets package
	if pass := os.Getenv(EnvSecretStorePassword); pass != "" {
		c.secretStorePassword = pass
	} else {
		c.secretStorePassword = c.InsecureSecretStorePassword
	}

	if logLevel := os.Getenv(EnvLogLevel); logLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	return nil
}

// Duration is a time.Duration stored as text, for example "5s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
