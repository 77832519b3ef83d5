package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Key store backends for the VAPID private key.
const (
	KeyStoreDB      = "db"
	KeyStoreKeyring = "keyring"
)

// PushConfig holds Web Push settings.
type PushConfig struct {
	// Subject is the VAPID contact (mailto: or https: URL).
	Subject string `mapstructure:"subject" yaml:"subject"`

	// PublicKey and PrivateKey override any stored VAPID key pair.
	// Usually supplied through TASKD_PUSH_PUBLIC_KEY / TASKD_PUSH_PRIVATE_KEY.
	PublicKey  string `mapstructure:"public_key" yaml:"public_key,omitempty"`
	PrivateKey string `mapstructure:"private_key" yaml:"private_key,omitempty"`

	// KeyStore selects where a generated key pair is persisted
	// (KeyStoreDB or KeyStoreKeyring).
	KeyStore string `mapstructure:"key_store" yaml:"key_store"`

	TTLSec      int           `mapstructure:"ttl_sec" yaml:"ttl_sec"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// URL is opened when a reminder notification is tapped.
	URL string `mapstructure:"url" yaml:"url"`
}

// ReminderConfig controls the background reminder scanner.
type ReminderConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// UserConfig is one entry of the static token table used by the
// built-in authenticator.
type UserConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Token string `mapstructure:"token" yaml:"token"`
	Admin bool   `mapstructure:"admin" yaml:"admin"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Push     PushConfig     `mapstructure:"push" yaml:"push"`
	Reminder ReminderConfig `mapstructure:"reminder" yaml:"reminder"`
	Users    []UserConfig   `mapstructure:"users" yaml:"users"`
}

// envPrefix is prepended to every environment override, e.g.
// TASKD_DATABASE_PATH for database.path.
const envPrefix = "TASKD"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/taskd/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "taskd", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "taskd.db",
		},
		Push: PushConfig{
			Subject:     "mailto:admin@localhost",
			KeyStore:    KeyStoreDB,
			TTLSec:      86400,
			Concurrency: 8,
			Timeout:     15 * time.Second,
			URL:         "/",
		},
		Reminder: ReminderConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Window:   5 * time.Minute,
		},
		Users: []UserConfig{},
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("push.subject", d.Push.Subject)
	v.SetDefault("push.key_store", d.Push.KeyStore)
	v.SetDefault("push.ttl_sec", d.Push.TTLSec)
	v.SetDefault("push.concurrency", d.Push.Concurrency)
	v.SetDefault("push.timeout", d.Push.Timeout)
	v.SetDefault("push.url", d.Push.URL)
	v.SetDefault("push.public_key", "")
	v.SetDefault("push.private_key", "")
	v.SetDefault("reminder.enabled", d.Reminder.Enabled)
	v.SetDefault("reminder.interval", d.Reminder.Interval)
	v.SetDefault("reminder.window", d.Reminder.Window)
}

// LoadConfig reads configuration from the given YAML file path using Viper,
// with TASKD_* environment variables taking precedence. If the file does
// not exist, defaults (plus any environment overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *AppConfig) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Push.KeyStore {
	case KeyStoreDB, KeyStoreKeyring:
	default:
		return fmt.Errorf("push.key_store must be %q or %q, got %q",
			KeyStoreDB, KeyStoreKeyring, c.Push.KeyStore)
	}
	if (c.Push.PublicKey == "") != (c.Push.PrivateKey == "") {
		return errors.New("push.public_key and push.private_key must be set together")
	}
	if c.Reminder.Interval <= 0 {
		return errors.New("reminder.interval must be positive")
	}
	if c.Reminder.Window <= 0 {
		return errors.New("reminder.window must be positive")
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Name == "" || u.Token == "" {
			return fmt.Errorf("users[%d]: name and token are required", i)
		}
		if seen[u.Token] {
			return fmt.Errorf("users[%d]: duplicate token", i)
		}
		seen[u.Token] = true
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server.addr", cfg.Server.Addr)
	v.Set("server.request_timeout", cfg.Server.RequestTimeout.String())
	v.Set("database.path", cfg.Database.Path)
	v.Set("push.subject", cfg.Push.Subject)
	v.Set("push.key_store", cfg.Push.KeyStore)
	v.Set("push.ttl_sec", cfg.Push.TTLSec)
	v.Set("push.concurrency", cfg.Push.Concurrency)
	v.Set("push.timeout", cfg.Push.Timeout.String())
	v.Set("push.url", cfg.Push.URL)
	if cfg.Push.PublicKey != "" {
		v.Set("push.public_key", cfg.Push.PublicKey)
		v.Set("push.private_key", cfg.Push.PrivateKey)
	}
	v.Set("reminder.enabled", cfg.Reminder.Enabled)
	v.Set("reminder.interval", cfg.Reminder.Interval.String())
	v.Set("reminder.window", cfg.Reminder.Window.String())
	v.Set("users", cfg.Users)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
