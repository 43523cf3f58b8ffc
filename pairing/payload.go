package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"portalfusion/crypto"
	"portalfusion/models"
)

// Payload is the pairing transfer payload rendered into the QR code. The
// signature is a real Ed25519 signature by the initiator's identity key over
// the payload with the signature field blanked.
type Payload struct {
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	PublicKey   string `json:"public_key"`   // Ed25519 identity key
	ExchangeKey string `json:"exchange_key"` // static X25519 key
	SessionKey  string `json:"session_key"`  // ephemeral X25519 key for this ceremony
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	PIN         string `json:"pin"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

// Response ferries the joiner's identity and ephemeral key back to the
// initiator. Signed the same way as Payload.
type Response struct {
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	PublicKey   string `json:"public_key"`
	ExchangeKey string `json:"exchange_key"`
	SessionKey  string `json:"session_key"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

// Device builds the remote device record described by the payload.
func (p Payload) Device() models.Device {
	return deviceFromIdentity(p.DeviceID, p.DeviceName, p.PublicKey, p.ExchangeKey, p.IP, p.Port)
}

// Device builds the remote device record described by the response.
func (r Response) Device() models.Device {
	return deviceFromIdentity(r.DeviceID, r.DeviceName, r.PublicKey, r.ExchangeKey, r.IP, r.Port)
}

func deviceFromIdentity(id, name, publicKey, exchangeKey, ip string, port int) models.Device {
	device := models.Device{
		ID:          id,
		Name:        name,
		PublicKey:   publicKey,
		ExchangeKey: exchangeKey,
		IP:          ip,
		Port:        port,
		Status:      models.StatusOffline,
	}
	if raw, err := base64.StdEncoding.DecodeString(publicKey); err == nil {
		device.Fingerprint = crypto.Fingerprint(raw)
	}
	return device
}

func encodePayload(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal pairing payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePayload(data string) (Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Payload{}, fmt.Errorf("decode pairing payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("parse pairing payload: %w", err)
	}
	return p, nil
}

func (p Payload) validate() error {
	if p.SessionID == "" {
		return errors.New("session_id is required")
	}
	if p.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if p.PublicKey == "" || p.ExchangeKey == "" || p.SessionKey == "" {
		return errors.New("payload key material is incomplete")
	}
	if p.PIN == "" {
		return errors.New("pin is required")
	}
	if p.Timestamp <= 0 {
		return errors.New("timestamp is required")
	}
	return nil
}

func signPayload(p *Payload, key ed25519.PrivateKey) error {
	p.Signature = ""
	signable, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal signable payload: %w", err)
	}
	signature, err := crypto.Sign(key, signable)
	if err != nil {
		return fmt.Errorf("sign pairing payload: %w", err)
	}
	p.Signature = base64.StdEncoding.EncodeToString(signature)
	return nil
}

func verifyPayloadSignature(p Payload) error {
	signature, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("decode payload signature: %w", err)
	}
	publicKey, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return fmt.Errorf("decode payload public key: %w", err)
	}

	p.Signature = ""
	signable, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return errors.New("invalid payload signature")
	}
	return nil
}

func signResponse(r *Response, key ed25519.PrivateKey) error {
	r.Signature = ""
	signable, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal signable response: %w", err)
	}
	signature, err := crypto.Sign(key, signable)
	if err != nil {
		return fmt.Errorf("sign pairing response: %w", err)
	}
	r.Signature = base64.StdEncoding.EncodeToString(signature)
	return nil
}

func verifyResponseSignature(r Response) error {
	signature, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decode response signature: %w", err)
	}
	publicKey, err := base64.StdEncoding.DecodeString(r.PublicKey)
	if err != nil {
		return fmt.Errorf("decode response public key: %w", err)
	}

	r.Signature = ""
	signable, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal signable response: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return errors.New("invalid response signature")
	}
	return nil
}
