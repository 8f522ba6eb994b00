// Package config loads frontdoor settings from defaults, an optional config
// file, FRONTDOOR_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tomyedwab/frontdoor/wire"
)

const (
	// EnvPrefix is prepended to every environment variable, so sandbox.command
	// is read from FRONTDOOR_SANDBOX_COMMAND.
	EnvPrefix = "FRONTDOOR"
)

// Config holds every frontdoor setting.
type Config struct {
	Root    string        `mapstructure:"root"`
	Addr    string        `mapstructure:"addr"`
	Log     LogConfig     `mapstructure:"log"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Cron    CronConfig    `mapstructure:"cron"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn or error
	Format string `mapstructure:"format"` // json or text
}

type SandboxConfig struct {
	Command          []string      `mapstructure:"command"` // Empty means this executable with "sandbox"
	StartupTimeout   time.Duration `mapstructure:"startup_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	DoneGrace        time.Duration `mapstructure:"done_grace"`
	MaxMessageBytes  int           `mapstructure:"max_message_bytes"`
}

type AuditConfig struct {
	DBPath    string        `mapstructure:"db_path"` // Empty disables the audit log
	Retention time.Duration `mapstructure:"retention"`
}

type AdminConfig struct {
	Secret     string        `mapstructure:"secret"`      // Empty disables the admin API unless SecretFile is set
	SecretFile string        `mapstructure:"secret_file"` // Generated on first use when missing
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"` // Run application cron jobs from serve
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Root: ".",
		Addr: ":7777",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sandbox: SandboxConfig{
			StartupTimeout:   10 * time.Second,
			ExecutionTimeout: 30 * time.Second,
			DoneGrace:        100 * time.Millisecond,
			MaxMessageBytes:  wire.DefaultMaxMessageBytes,
		},
		Audit: AuditConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Admin: AdminConfig{
			TokenTTL: time.Hour,
		},
	}
}

// NewViper returns a viper instance with defaults and environment binding set
// up. Callers bind flags and config files on top of it.
func NewViper() *viper.Viper {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("root", defaults.Root)
	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("sandbox.command", []string{})
	v.SetDefault("sandbox.startup_timeout", defaults.Sandbox.StartupTimeout)
	v.SetDefault("sandbox.execution_timeout", defaults.Sandbox.ExecutionTimeout)
	v.SetDefault("sandbox.done_grace", defaults.Sandbox.DoneGrace)
	v.SetDefault("sandbox.max_message_bytes", defaults.Sandbox.MaxMessageBytes)
	v.SetDefault("audit.db_path", defaults.Audit.DBPath)
	v.SetDefault("audit.retention", defaults.Audit.Retention)
	v.SetDefault("admin.secret", defaults.Admin.Secret)
	v.SetDefault("admin.secret_file", defaults.Admin.SecretFile)
	v.SetDefault("admin.token_ttl", defaults.Admin.TokenTTL)
	v.SetDefault("cron.enabled", defaults.Cron.Enabled)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile into v when it is not empty, then decodes and
// validates the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// A single string from the environment becomes a whitespace-separated argv.
	if len(cfg.Sandbox.Command) == 1 {
		cfg.Sandbox.Command = strings.Fields(cfg.Sandbox.Command[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	var errs []error

	info, err := os.Stat(c.Root)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("root %s: %w", c.Root, err))
	case !info.IsDir():
		errs = append(errs, fmt.Errorf("root %s is not a directory", c.Root))
	}

	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	for name, d := range map[string]time.Duration{
		"sandbox.startup_timeout":   c.Sandbox.StartupTimeout,
		"sandbox.execution_timeout": c.Sandbox.ExecutionTimeout,
		"sandbox.done_grace":        c.Sandbox.DoneGrace,
		"audit.retention":           c.Audit.Retention,
		"admin.token_ttl":           c.Admin.TokenTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.Sandbox.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_message_bytes must be positive, got %d", c.Sandbox.MaxMessageBytes))
	}

	return errors.Join(errs...)
}

// AdminEnabled reports whether an admin secret is configured.
func (c *Config) AdminEnabled() bool {
	return c.Admin.Secret != "" || c.Admin.SecretFile != ""
}
