package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"golang.org/x/crypto/hkdf"
)

const (
	x25519PrivatePEMType = "X25519 PRIVATE KEY"

	// SessionKeySize is the length of derived symmetric session keys.
	SessionKeySize = 32
)

var x25519Curve = ecdh.X25519()

// EnsureExchangeKey loads the local static X25519 key from disk, generating
// and persisting it on first run.
func EnsureExchangeKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadExchangeKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateExchangeKey()
	if err != nil {
		return nil, err
	}
	if err := writePEM(path, x25519PrivatePEMType, privateKey.Bytes(), 0o600); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// GenerateExchangeKey creates a new X25519 private key.
func GenerateExchangeKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// LoadExchangeKey reads an X25519 private key from PEM.
func LoadExchangeKey(path string) (*ecdh.PrivateKey, error) {
	block, err := readPEM(path, x25519PrivatePEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseExchangePublicKey parses raw X25519 public key bytes.
func ParseExchangePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// SharedSecret performs the X25519 key agreement.
func SharedSecret(privateKey *ecdh.PrivateKey, publicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if publicKey == nil {
		return nil, errors.New("public key is required")
	}

	secret, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveKey stretches an ECDH shared secret into a fixed-length symmetric key
// using HKDF-SHA256. Both peers must use the same info string to arrive at
// the same key.
func DeriveKey(sharedSecret []byte, info string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}

	key := make([]byte, SessionKeySize)
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
