// Package config loads the node configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddresses []string `toml:"ListenAddresses"`
	Bootnodes       []string `toml:"Bootnodes"`
	IdentityFile    string   `toml:"IdentityFile"`
	NetworkName     string   `toml:"NetworkName"`
	MetricsAddress  string   `toml:"MetricsAddress"`
	PingIntervalSec int      `toml:"PingIntervalSec"`

	Log LogConfig `toml:"Log"`
}

type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(path, cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "lumen-local"
	}
	if cfg.ListenAddresses == nil {
		cfg.ListenAddresses = []string{}
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if strings.TrimSpace(cfg.IdentityFile) == "" {
		cfg.IdentityFile = filepath.Join(filepath.Dir(path), "identity.json")
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validate(cfg *Config) error {
	for _, addr := range cfg.ListenAddresses {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("config: empty listen address")
		}
	}
	for _, boot := range cfg.Bootnodes {
		if !strings.Contains(boot, "/p2p/") {
			return fmt.Errorf("config: bootnode %q missing /p2p/<peer-id> suffix", boot)
		}
	}
	if cfg.PingIntervalSec < 0 {
		return fmt.Errorf("config: PingIntervalSec must not be negative")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddresses: []string{"/ip4/0.0.0.0/tcp/30333"},
		Bootnodes:       []string{},
		NetworkName:     "lumen-local",
		MetricsAddress:  ":9615",
	}
	applyDefaults(path, cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
