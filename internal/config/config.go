// Package config loads the gateway configuration: a YAML file over
// built-in defaults, overlaid by CHATGATE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. Nested keys are joined with a
// double underscore: CHATGATE_SERVER__PORT sets server.port.
const EnvPrefix = "CHATGATE_"

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `koanf:"log" yaml:"log"`
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Store   StoreConfig   `koanf:"store" yaml:"store"`
	Bot     BotConfig     `koanf:"bot" yaml:"bot"`
	Webchat WebchatConfig `koanf:"webchat" yaml:"webchat"`
	Redis   RedisConfig   `koanf:"redis" yaml:"redis"`
	Janitor JanitorConfig `koanf:"janitor" yaml:"janitor"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=text json"`
	File   string `koanf:"file" yaml:"file"`
}

type ServerConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port" validate:"min=1,max=65535"`
	// PublicURL is the externally reachable base used to build channel
	// webhook URLs, e.g. https://gateway.example.com.
	PublicURL       string        `koanf:"public_url" yaml:"public_url" validate:"omitempty,url"`
	AdminAPIKey     string        `koanf:"admin_api_key" yaml:"admin_api_key"`
	AllowedOrigins  []string      `koanf:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=1s,max=5m"`
}

type StoreConfig struct {
	Path string `koanf:"path" yaml:"path" validate:"required"`
}

type BotConfig struct {
	Timeout time.Duration `koanf:"timeout" yaml:"timeout" validate:"min=1s,max=5m"`
}

type WebchatConfig struct {
	PollTimeout   time.Duration `koanf:"poll_timeout" yaml:"poll_timeout" validate:"min=1s,max=2m"`
	IdleThreshold time.Duration `koanf:"idle_threshold" yaml:"idle_threshold" validate:"min=1s"`
	IdleRetryWait time.Duration `koanf:"idle_retry_wait" yaml:"idle_retry_wait" validate:"min=1s"`
}

// RedisConfig enables cross-instance watcher notifications when URL is set.
type RedisConfig struct {
	URL     string `koanf:"url" yaml:"url" validate:"omitempty,url"`
	Channel string `koanf:"channel" yaml:"channel"`
}

type JanitorConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	Schedule      string `koanf:"schedule" yaml:"schedule" validate:"required_if=Enabled true"`
	RetentionDays int    `koanf:"retention_days" yaml:"retention_days" validate:"min=1"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns ~/.chatgate.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatgate"
	}
	return filepath.Join(home, ".chatgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads path (a missing file means defaults only), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot access config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("cannot load environment overrides: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	// Comma-separated list from the environment.
	if len(cfg.Server.AllowedOrigins) == 1 && strings.Contains(cfg.Server.AllowedOrigins[0], ",") {
		cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins[0])
	}

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envKey maps CHATGATE_SERVER__PUBLIC_URL to server.public_url.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save writes cfg as YAML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// The file may hold the admin API key.
	return os.WriteFile(path, data, 0o600)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config:\n  - %s", strings.Join(msgs, "\n  - "))
		}
		return err
	}
	return nil
}

// fieldPath turns Config.Server.Port into server.port.
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
