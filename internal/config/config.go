// Package config loads the YAML context configuration used by the CLI:
// which adapter and local store back the data context, where the CUE
// models live, and the sync behaviour flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENTSYNC_"

// Adapter kinds.
const (
	AdapterMemory = "memory"
	AdapterREST   = "rest"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Config is the context configuration.
type Config struct {
	// Models is the directory of CUE entity models.
	Models   string        `yaml:"models" validate:"required"`
	Adapter  AdapterConfig `yaml:"adapter"`
	Store    StoreConfig   `yaml:"store"`
	Buffered bool          `yaml:"buffered"`
	AutoLazy bool          `yaml:"auto_lazy"`
	LogLevel string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Server   ServerConfig  `yaml:"server"`
}

// AdapterConfig selects the remote adapter.
type AdapterConfig struct {
	Kind    string            `yaml:"kind" validate:"required,oneof=memory rest"`
	URL     string            `yaml:"url" validate:"required_if=Kind rest,omitempty,url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`
	// RateLimit is requests per second; zero disables throttling.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
	Retries   uint    `yaml:"retries"`
}

// StoreConfig selects the local data store.
type StoreConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=memory sqlite badger"`
	// Path is the sqlite file or the badger directory.
	Path string `yaml:"path" validate:"required_unless=Kind memory"`
}

// ServerConfig configures `entsync serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
	// Seed is a YAML file of controller -> entities loaded at startup.
	Seed string `yaml:"seed"`
}

var validate = validator.New()

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Models:   "models",
		Adapter:  AdapterConfig{Kind: AdapterMemory, Timeout: 30 * time.Second, Retries: 3},
		Store:    StoreConfig{Kind: StoreMemory},
		LogLevel: "info",
		Server:   ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path over the defaults, applies ENTSYNC_* overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decode(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes raw YAML over the defaults without env overrides.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks field constraints and reports every violation.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("MODELS", &c.Models)
	str("ADAPTER", &c.Adapter.Kind)
	str("ADAPTER_URL", &c.Adapter.URL)
	str("STORE", &c.Store.Kind)
	str("STORE_PATH", &c.Store.Path)
	str("LOG_LEVEL", &c.LogLevel)
	str("SERVER_ADDR", &c.Server.Addr)
	if err := boolean("BUFFERED", &c.Buffered); err != nil {
		return err
	}
	return boolean("AUTO_LAZY", &c.AutoLazy)
}

// Level converts LogLevel for slog.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
