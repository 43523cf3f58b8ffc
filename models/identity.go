package models

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"errors"
)

// Identity bundles the local device record with its private key material.
type Identity struct {
	Device Device

	SigningKey  ed25519.PrivateKey // long-term Ed25519 identity key
	ExchangeKey *ecdh.PrivateKey   // long-term X25519 key agreement key
}

// Validate checks that the identity is complete enough to open sessions.
func (id Identity) Validate() error {
	if id.Device.ID == "" {
		return errors.New("local device ID is required")
	}
	if id.Device.Name == "" {
		return errors.New("local device name is required")
	}
	if len(id.SigningKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 signing key is invalid")
	}
	if id.ExchangeKey == nil {
		return errors.New("local X25519 exchange key is required")
	}
	return nil
}
