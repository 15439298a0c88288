// Package solana holds the small slice of the Solana wire format and JSON-RPC surface the
// launch flow needs: keypairs, transaction decode/sign/serialize, and submission.
package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

// PublicKey is a 32 byte ed25519 public key.
type PublicKey [32]byte

func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

// PublicKeyFromBase58 decodes a base58 address.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("decode public key: want 32 bytes, got %d", len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Keypair is an ed25519 signing key.
type Keypair struct {
	priv ed25519.PrivateKey
}

// NewKeypair generates a fresh random keypair.
func NewKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromBytes accepts the 64 byte secret key layout (seed followed by public key).
func KeypairFromBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	priv := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	if string(priv[ed25519.SeedSize:]) != string(b[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("keypair public half does not match seed")
	}
	return &Keypair{priv: priv}, nil
}

// LoadKeypairFile reads a keypair stored as a JSON array of 64 byte values.
func LoadKeypairFile(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse keypair %s: byte %d out of range", path, i)
		}
		raw[i] = byte(v)
	}
	return KeypairFromBytes(raw)
}

// PublicKey returns the address of the keypair.
func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.priv.Public().(ed25519.PublicKey))
	return pk
}

// Bytes returns the 64 byte secret key.
func (k *Keypair) Bytes() []byte {
	out := make([]byte, len(k.priv))
	copy(out, k.priv)
	return out
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}
