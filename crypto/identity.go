package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// EnsureSigningKeyPair loads the local Ed25519 identity keypair from disk,
// generating and persisting it on first run.
func EnsureSigningKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadSigningKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		storedPublic, pubErr := LoadVerifyKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := saveVerifyKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}

		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}

	if err := saveSigningKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := saveVerifyKey(publicPath, publicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, publicKey, nil
}

// LoadSigningKey reads an Ed25519 private key from a PEM file.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, ed25519PrivatePEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode Ed25519 private PEM: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

// LoadVerifyKey reads an Ed25519 public key from a PEM file.
func LoadVerifyKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, ed25519PublicPEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode Ed25519 public PEM: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

func saveSigningKey(path string, key ed25519.PrivateKey) error {
	return writePEM(path, ed25519PrivatePEMType, key, 0o600)
}

func saveVerifyKey(path string, key ed25519.PublicKey) error {
	return writePEM(path, ed25519PublicPEMType, key, 0o644)
}

func readPEM(path, expectedType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(expectedType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(expectedType))
	}
	if block.Type != expectedType {
		return nil, fmt.Errorf("decode PEM: unexpected type %q", block.Type)
	}
	return block, nil
}

func writePEM(path, pemType string, raw []byte, mode os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: raw}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}

// Sign signs data with the local Ed25519 identity key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature. Malformed inputs verify as false.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// Fingerprint renders a human-verifiable fingerprint of a public key:
// the first 16 bytes of its SHA-256 digest as colon-separated hex pairs.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)

	var b strings.Builder
	for i, octet := range sum[:16] {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", octet)
	}
	return b.String()
}
