package crypto

import (
	"bytes"
	"testing"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if !bytes.Equal(key.Bytes(), restored.Bytes()) {
		t.Fatalf("restored key differs from original")
	}
	if key.PubKey().PeerID() != restored.PubKey().PeerID() {
		t.Fatalf("restored key derives a different peer id")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("block announce")
	sig := key.Sign(msg)
	if !key.PubKey().Verify(msg, sig) {
		t.Fatalf("signature did not verify")
	}
	if key.PubKey().Verify([]byte("other message"), sig) {
		t.Fatalf("signature verified against a different message")
	}

	other, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if other.PubKey().Verify(msg, sig) {
		t.Fatalf("signature verified under the wrong key")
	}
}

func TestPeerIDEncoding(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id := key.PubKey().PeerID()
	decoded, err := DecodePeerID(id.String())
	if err != nil {
		t.Fatalf("decode peer id: %v", err)
	}
	if decoded != id {
		t.Fatalf("decoded peer id %q differs from %q", decoded, id)
	}

	if _, err := DecodePeerID("not-base58-0OIl"); err == nil {
		t.Fatalf("expected error for malformed peer id")
	}
}

func TestIdentityBinding(t *testing.T) {
	identity, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	noiseKey, err := NewNoiseKey(identity)
	if err != nil {
		t.Fatalf("new noise key: %v", err)
	}

	pub, err := VerifyIdentityBinding(noiseKey.IdentityPayload(), noiseKey.Static().Public)
	if err != nil {
		t.Fatalf("verify binding: %v", err)
	}
	if pub.PeerID() != identity.PubKey().PeerID() {
		t.Fatalf("binding yields wrong identity")
	}

	// A binding presented with a different static key must not verify.
	other, err := NewNoiseKey(identity)
	if err != nil {
		t.Fatalf("new noise key: %v", err)
	}
	if _, err := VerifyIdentityBinding(noiseKey.IdentityPayload(), other.Static().Public); err == nil {
		t.Fatalf("binding verified against the wrong static key")
	}

	// Tampered payloads must not verify.
	tampered := noiseKey.IdentityPayload()
	tampered[len(tampered)/2] ^= 0x01
	if _, err := VerifyIdentityBinding(tampered, noiseKey.Static().Public); err == nil {
		t.Fatalf("tampered binding verified")
	}
}
