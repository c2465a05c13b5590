// Package config loads the databench server configuration.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that points to the config file.
const EnvPath = "DATABENCH_CONFIG"

// DefaultPath is used when neither a flag nor EnvPath names a file.
const DefaultPath = "databench.yaml"

// Datastore backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root of databench.yaml.
type Config struct {
	Addr         string          `mapstructure:"addr"`
	PingInterval time.Duration   `mapstructure:"ping_interval"`
	Log          LogConfig       `mapstructure:"log"`
	Datastore    DatastoreConfig `mapstructure:"datastore"`
	Kernel       KernelConfig    `mapstructure:"kernel"`
	Analyses     []AnalysisEntry `mapstructure:"analyses"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type DatastoreConfig struct {
	Backend      string        `mapstructure:"backend"`
	ReleaseAfter time.Duration `mapstructure:"release_after"`
	Redis        RedisConfig   `mapstructure:"redis"`
	Encryption   Encryption    `mapstructure:"encryption"`
}

// Encryption enables AES-256-GCM for stored values when Key is set. Keys are
// base64 encoded; FallbackKeys still decrypt values written before a rotation.
type Encryption struct {
	Key          string   `mapstructure:"key"`
	FallbackKeys []string `mapstructure:"fallback_keys"`
}

// Enabled reports whether a key is configured.
func (e Encryption) Enabled() bool { return e.Key != "" }

// Keys decodes the active and fallback keys.
func (e Encryption) Keys() (active []byte, fallback [][]byte, err error) {
	active, err = decodeKey(e.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("datastore.encryption.key: %w", err)
	}
	for i, k := range e.FallbackKeys {
		b, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("datastore.encryption.fallback_keys[%d]: %w", i, err)
		}
		fallback = append(fallback, b)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	return b, nil
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// KernelConfig holds the bridge settings shared by every kernel analysis.
type KernelConfig struct {
	PortMin           int           `mapstructure:"port_min"`
	PortMax           int           `mapstructure:"port_max"`
	HandshakeInterval time.Duration `mapstructure:"handshake_interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	TerminateTimeout  time.Duration `mapstructure:"terminate_timeout"`
}

// AnalysisEntry declares an analysis served by an external kernel.
type AnalysisEntry struct {
	Name        string        `mapstructure:"name"`
	Title       string        `mapstructure:"title"`
	Description string        `mapstructure:"description"`
	Version     string        `mapstructure:"version"`
	Thumbnail   string        `mapstructure:"thumbnail"`
	Kernel      KernelCommand `mapstructure:"kernel"`
}

// KernelCommand is the executable that runs an analysis kernel.
type KernelCommand struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Addr:         ":5000",
		PingInterval: 15 * time.Second,
		Log:          LogConfig{Level: "info"},
		Datastore: DatastoreConfig{
			Backend:      BackendMemory,
			ReleaseAfter: time.Minute,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "databench:domain:",
			},
		},
		Kernel: KernelConfig{
			PortMin:           3000,
			PortMax:           9000,
			HandshakeInterval: 100 * time.Millisecond,
			GracePeriod:       time.Second,
			TerminateTimeout:  5 * time.Second,
		},
	}
}

// ResolvePath picks the config file: the explicit path, then EnvPath, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the file at path over Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, cfg)
}

// Parse decodes YAML data on top of base.
func Parse(data []byte, base Config) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return base, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := base
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return base, err
	}
	if err := decoder.Decode(raw); err != nil {
		return base, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints of the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Kernel.PortMin <= 0 || c.Kernel.PortMax > 65535 || c.Kernel.PortMin > c.Kernel.PortMax {
		errs = append(errs, fmt.Errorf("invalid kernel port range %d-%d", c.Kernel.PortMin, c.Kernel.PortMax))
	}
	if c.Kernel.HandshakeInterval <= 0 {
		errs = append(errs, errors.New("kernel.handshake_interval must be positive"))
	}
	switch c.Datastore.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown datastore backend %q", c.Datastore.Backend))
	}
	if c.Datastore.Encryption.Enabled() {
		if _, _, err := c.Datastore.Encryption.Keys(); err != nil {
			errs = append(errs, err)
		}
	} else if len(c.Datastore.Encryption.FallbackKeys) > 0 {
		errs = append(errs, errors.New("datastore.encryption.fallback_keys set without a key"))
	}
	seen := make(map[string]bool, len(c.Analyses))
	for _, a := range c.Analyses {
		if a.Name == "" {
			errs = append(errs, errors.New("analysis without a name"))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("duplicate analysis %q", a.Name))
		}
		seen[a.Name] = true
		if a.Kernel.Command == "" {
			errs = append(errs, fmt.Errorf("analysis %q has no kernel command", a.Name))
		}
	}
	return errors.Join(errs...)
}
