// Package config loads the YAML configuration of the relay and of
// canvasctl. Files are merged over defaults; flags are applied by the
// binaries afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the config file when no --config flag is given.
const EnvVar = "CANVAS_CONFIG"

type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	// Addr enables cross-node live fan-out when set.
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type AuthConfig struct {
	// Secret enables token verification when set.
	Secret string `yaml:"secret"`
}

type RelayConfig struct {
	Listen         string        `yaml:"listen"`
	Store          StoreConfig   `yaml:"store"`
	Redis          RedisConfig   `yaml:"redis"`
	Auth           AuthConfig    `yaml:"auth"`
	Advertise      bool          `yaml:"advertise"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	IdleEviction   time.Duration `yaml:"idle_eviction"`
	// KeepSnapshots bounds the snapshot history kept per board. Zero keeps
	// everything.
	KeepSnapshots int `yaml:"keep_snapshots"`
}

type UserConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

type ClientConfig struct {
	RelayURL     string        `yaml:"relay_url"`
	DataDir      string        `yaml:"data_dir"`
	Token        string        `yaml:"token"`
	User         UserConfig    `yaml:"user"`
	SaveInterval time.Duration `yaml:"save_interval"`
	// BinaryLive sends live messages as CBOR instead of JSON text.
	BinaryLive bool `yaml:"binary_live"`
}

func DefaultRelay() *RelayConfig {
	return &RelayConfig{
		Listen:         "localhost:8080",
		Store:          StoreConfig{Driver: "sqlite", DSN: "canvas.sqlite3"},
		Redis:          RedisConfig{ChannelPrefix: "canvas-live:"},
		BackupInterval: 5 * time.Second,
		IdleEviction:   time.Minute,
		KeepSnapshots:  20,
	}
}

func DefaultClient() *ClientConfig {
	dataDir := ".canvas"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".canvas")
	}
	return &ClientConfig{
		RelayURL:     "http://localhost:8080",
		DataDir:      dataDir,
		SaveInterval: 30 * time.Second,
	}
}

// Path picks the config file: the flag value, else $CANVAS_CONFIG, else
// empty for defaults only.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvVar)
}

func LoadRelay(path string) (*RelayConfig, error) {
	cfg := DefaultRelay()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *RelayConfig) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.BackupInterval <= 0 {
		errs = append(errs, errors.New("backup_interval must be positive"))
	}
	if c.IdleEviction < 0 {
		errs = append(errs, errors.New("idle_eviction must not be negative"))
	}
	if c.KeepSnapshots < 0 {
		errs = append(errs, errors.New("keep_snapshots must not be negative"))
	}
	return errors.Join(errs...)
}
