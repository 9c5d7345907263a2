package p2p

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node", "identity.json")

	created, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if created.PeerID == "" {
		t.Fatalf("created identity has empty peer id")
	}

	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if loaded.PeerID != created.PeerID {
		t.Fatalf("reloaded peer id %q differs from %q", loaded.PeerID, created.PeerID)
	}
}

func TestLoadIdentityLegacyHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	fresh, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "seed.json"))
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	raw := hex.EncodeToString(fresh.PrivateKey.Bytes())
	if err := os.WriteFile(path, []byte(raw+"\n"), 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("load legacy identity: %v", err)
	}
	if loaded.PeerID != fresh.PeerID {
		t.Fatalf("legacy load derived %q, want %q", loaded.PeerID, fresh.PeerID)
	}
}

func TestLoadIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{\"privateKey\": \"zz\"}"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatalf("garbage identity accepted")
	}

	if _, err := LoadOrCreateIdentity("  "); err == nil {
		t.Fatalf("blank path accepted")
	}
}
