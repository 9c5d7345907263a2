package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ListenAddresses) == 0 {
		t.Fatalf("default config has no listen addresses")
	}
	if cfg.NetworkName == "" || cfg.IdentityFile == "" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}

	// Reloading the persisted default must succeed and agree.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.NetworkName != cfg.NetworkName {
		t.Fatalf("reloaded network %q, want %q", reloaded.NetworkName, cfg.NetworkName)
	}
}

func TestLoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
ListenAddresses = ["/ip4/0.0.0.0/tcp/30444"]
Bootnodes = ["/ip4/10.0.0.1/tcp/30333/p2p/4uFTBwexiiHyr2rrvkKX4MGX9qhSHbnAxXJUyJZo2xSN"]
NetworkName = "lumen-test"
PingIntervalSec = 15

[Log]
Level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NetworkName != "lumen-test" {
		t.Fatalf("network = %q", cfg.NetworkName)
	}
	if len(cfg.Bootnodes) != 1 || cfg.PingIntervalSec != 15 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.Log.MaxSizeMB == 0 {
		t.Fatalf("rotation default not applied")
	}
}

func TestLoadRejectsBadBootnode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
Bootnodes = ["/ip4/10.0.0.1/tcp/30333"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bootnode without peer id accepted")
	}
}

func TestLoadRejectsNegativePing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("PingIntervalSec = -5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("negative ping interval accepted")
	}
}
