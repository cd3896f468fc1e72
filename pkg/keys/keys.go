// Package keys provides the ed25519 signing capability used to sign and verify
// certificates, and the on-disk node identity file.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"certmesh/pkg/types"

	"github.com/google/uuid"
)

const nodeIDHeader = "Node-Id"

var ErrNotEd25519 = errors.New("private key is not Ed25519")

// KeyPair is an ed25519 signing key.
type KeyPair struct {
	private ed25519.PrivateKey
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// FromPrivateKey wraps an existing ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) *KeyPair {
	return &KeyPair{private: priv}
}

// Sign signs message with the private key.
func (k *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.private, message), nil
}

// PublicKey returns the raw public key bytes.
func (k *KeyPair) PublicKey() []byte {
	return []byte(k.private.Public().(ed25519.PublicKey))
}

func (k *KeyPair) PrivateKey() ed25519.PrivateKey {
	return k.private
}

// Verifier checks ed25519 signatures.
type Verifier struct{}

// Verify reports whether signature is a valid signature of message by publicKey.
func (Verifier) Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Identity is a node's persistent UUID plus its signing key.
type Identity struct {
	NodeUUID uuid.UUID
	Keys     *KeyPair
}

// NewIdentity generates a fresh node identity.
func NewIdentity() (*Identity, error) {
	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	return &Identity{NodeUUID: uuid.New(), Keys: kp}, nil
}

// NodeID returns the overlay node identifier of this identity.
func (id *Identity) NodeID() types.NodeID {
	return types.NodeID{ID: id.NodeUUID, PublicKey: id.Keys.PublicKey()}
}

// SaveIdentity writes the identity as a PKCS#8 PEM block carrying the node UUID
// in a header.
func SaveIdentity(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	keyFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	privKeyBytes, err := x509.MarshalPKCS8PrivateKey(id.Keys.private)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	keyPEM := &pem.Block{
		Type:    "PRIVATE KEY",
		Headers: map[string]string{nodeIDHeader: id.NodeUUID.String()},
		Bytes:   privKeyBytes,
	}
	if err := pem.Encode(keyFile, keyPEM); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string) (*Identity, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ed25519Key, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}

	nodeUUID, err := uuid.Parse(block.Headers[nodeIDHeader])
	if err != nil {
		return nil, fmt.Errorf("failed to parse node id header: %w", err)
	}

	return &Identity{NodeUUID: nodeUUID, Keys: FromPrivateKey(ed25519Key)}, nil
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a new
// one when the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, bool, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = NewIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(path, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
