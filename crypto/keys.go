package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// peerIDSize is the number of digest bytes retained when deriving a PeerID
// from a public key.
const peerIDSize = 32

// PrivateKey is the persistent ed25519 identity key of the local node.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GeneratePrivateKey creates a fresh node identity key.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes rebuilds a private key from its stored seed.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid identity seed length %d", len(b))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
}

// Bytes returns the seed form of the key, suitable for persistence.
func (p *PrivateKey) Bytes() []byte {
	return append([]byte(nil), p.key.Seed()...)
}

// PubKey returns the public half of the identity key.
func (p *PrivateKey) PubKey() PublicKey {
	return PublicKey{key: p.key.Public().(ed25519.PublicKey)}
}

// Sign signs msg with the identity key.
func (p *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(p.key, msg)
}

// PublicKey is the public identity key of a node, local or remote.
type PublicKey struct {
	key ed25519.PublicKey
}

// PublicKeyFromBytes validates raw public key material.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("invalid public key length %d", len(b))
	}
	return PublicKey{key: append(ed25519.PublicKey(nil), b...)}, nil
}

// Bytes returns the raw public key material.
func (p PublicKey) Bytes() []byte {
	return append([]byte(nil), p.key...)
}

// Verify reports whether sig is a valid signature of msg under this key.
func (p PublicKey) Verify(msg, sig []byte) bool {
	if len(p.key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(p.key, msg, sig)
}

// PeerID derives the network identity for this public key.
func (p PublicKey) PeerID() PeerID {
	sum := blake3.Sum256(p.key)
	return PeerID(base58.Encode(sum[:peerIDSize]))
}

// PeerID is the opaque, public-key-derived identifier of a node. It is used
// as a lookup key throughout the networking layer and is immutable once
// created.
type PeerID string

func (id PeerID) String() string { return string(id) }

// DecodePeerID validates the textual form of a peer identity.
func DecodePeerID(s string) (PeerID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode peer id: %w", err)
	}
	if len(raw) != peerIDSize {
		return "", fmt.Errorf("invalid peer id length %d", len(raw))
	}
	return PeerID(s), nil
}
