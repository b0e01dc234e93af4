// Package identity manages the nodes keypair.
//
// The public key is attached to every locally published message and is the
// basis of the nodes peer ID in the overlay. Remote peers are attributed by
// recovering their public key from their peer ID.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PublicKeySize is the length of an Ed25519 public key in bytes.
const PublicKeySize = 32

// PublicKey is the raw Ed25519 public key of a node.
type PublicKey [PublicKeySize]byte

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return PublicKey{}, err
	}
	return k, nil
}

// PublicKeyFromPeerID recovers the public key embedded in the given peer ID.
func PublicKeyFromPeerID(id peer.ID) (PublicKey, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return PublicKey{}, fmt.Errorf("extract public key: %s: %w", id, err)
	}
	return fromCryptoKey(pub)
}

// PeerID returns the overlay peer ID for the public key.
func (k PublicKey) PeerID() (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(k[:])
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != PublicKeySize {
		return fmt.Errorf("invalid public key size: %d", hex.DecodedLen(len(b)))
	}
	if _, err := hex.Decode(k[:], b); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// Identity is the nodes process lifetime keypair.
type Identity struct {
	privKey   crypto.PrivKey
	publicKey PublicKey
	peerID    peer.ID
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromPrivKey(privKey)
}

// Load reads the identity from the marshalled private key at path, or if the
// file doesn't exist generates a new identity and writes it to path.
func Load(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal key: %s: %w", path, err)
		}
		return fromPrivKey(privKey)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read key: %s: %w", path, err)
	}

	identity, err := Generate()
	if err != nil {
		return nil, err
	}

	b, err = crypto.MarshalPrivateKey(identity.privKey)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %s: %w", path, err)
	}
	return identity, nil
}

func (i *Identity) PrivKey() crypto.PrivKey {
	return i.privKey
}

func (i *Identity) PublicKey() PublicKey {
	return i.publicKey
}

func (i *Identity) PeerID() peer.ID {
	return i.peerID
}

func fromPrivKey(privKey crypto.PrivKey) (*Identity, error) {
	if privKey.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("unsupported key type: %s", privKey.Type())
	}
	publicKey, err := fromCryptoKey(privKey.GetPublic())
	if err != nil {
		return nil, err
	}
	peerID, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("peer id: %w", err)
	}
	return &Identity{
		privKey:   privKey,
		publicKey: publicKey,
		peerID:    peerID,
	}, nil
}

func fromCryptoKey(pub crypto.PubKey) (PublicKey, error) {
	if pub.Type() != crypto.Ed25519 {
		return PublicKey{}, fmt.Errorf("unsupported key type: %s", pub.Type())
	}
	raw, err := pub.Raw()
	if err != nil {
		return PublicKey{}, fmt.Errorf("raw key: %w", err)
	}
	if len(raw) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("invalid public key size: %d", len(raw))
	}
	var k PublicKey
	copy(k[:], raw)
	return k, nil
}
