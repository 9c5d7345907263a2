package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/flynn/noise"
)

// noisePayloadPrefix is prepended to the noise static public key before
// signing it with the identity key. Compatible with the libp2p-noise binding.
const noisePayloadPrefix = "noise-libp2p-static-key:"

// CipherSuite returns the noise cipher suite used by every connection:
// Curve25519 key agreement, ChaChaPoly AEAD, SHA-256 hashing.
func CipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

// NoiseKey bundles the ephemeral-per-process noise static key with the
// long-lived node identity key that vouches for it. The same NoiseKey is
// shared by every connection of the node.
type NoiseKey struct {
	static   noise.DHKey
	identity *PrivateKey
	payload  []byte
}

// NewNoiseKey generates a noise static key and signs it with the identity key.
func NewNoiseKey(identity *PrivateKey) (*NoiseKey, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity key must be provided")
	}
	static, err := CipherSuite().GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate noise static key: %w", err)
	}
	payload, err := buildBinding(identity, static.Public)
	if err != nil {
		return nil, err
	}
	return &NoiseKey{static: static, identity: identity, payload: payload}, nil
}

// Static returns the noise static keypair.
func (k *NoiseKey) Static() noise.DHKey { return k.static }

// IdentityPayload returns the signed binding sent inside the handshake.
func (k *NoiseKey) IdentityPayload() []byte {
	return append([]byte(nil), k.payload...)
}

// PeerID returns the identity of the local node.
func (k *NoiseKey) PeerID() PeerID {
	return k.identity.PubKey().PeerID()
}

// identityBinding is the handshake payload proving that the noise static key
// belongs to the claimed node identity.
type identityBinding struct {
	IdentityKey string `json:"identityKey"`
	Signature   string `json:"sig"`
}

func buildBinding(identity *PrivateKey, staticPub []byte) ([]byte, error) {
	msg := append([]byte(noisePayloadPrefix), staticPub...)
	binding := identityBinding{
		IdentityKey: hex.EncodeToString(identity.PubKey().Bytes()),
		Signature:   hex.EncodeToString(identity.Sign(msg)),
	}
	payload, err := json.Marshal(&binding)
	if err != nil {
		return nil, fmt.Errorf("encode identity binding: %w", err)
	}
	return payload, nil
}

// VerifyIdentityBinding checks a remote handshake payload against the remote
// noise static key and returns the verified remote identity.
func VerifyIdentityBinding(payload, remoteStatic []byte) (PublicKey, error) {
	var binding identityBinding
	if err := json.Unmarshal(payload, &binding); err != nil {
		return PublicKey{}, fmt.Errorf("decode identity binding: %w", err)
	}
	keyRaw, err := hex.DecodeString(binding.IdentityKey)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode identity key: %w", err)
	}
	pub, err := PublicKeyFromBytes(keyRaw)
	if err != nil {
		return PublicKey{}, err
	}
	sig, err := hex.DecodeString(binding.Signature)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode binding signature: %w", err)
	}
	msg := append([]byte(noisePayloadPrefix), remoteStatic...)
	if !pub.Verify(msg, sig) {
		return PublicKey{}, fmt.Errorf("identity binding signature mismatch")
	}
	return pub, nil
}
