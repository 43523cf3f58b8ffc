package protocol

import (
	"bytes"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/flate"

	"portalfusion/crypto"
	"portalfusion/fault"
)

const (
	// WireVersion is the current wire envelope version.
	WireVersion = 1
	// DefaultMaxMessageSize is the hard ceiling on one encoded message (10 MiB).
	DefaultMaxMessageSize = 10 * 1024 * 1024
	// DefaultCompressionThreshold is the serialized size above which the body
	// is deflated before encryption.
	DefaultCompressionThreshold = 1024
)

// wireFrame is the final serialization pass around the (possibly deflated,
// possibly sealed) message body. From stays in the clear so the receiver can
// locate the session key before decrypting.
type wireFrame struct {
	Version    int    `cbor:"v"`
	From       string `cbor:"from"`
	Encrypted  bool   `cbor:"enc,omitempty"`
	Compressed bool   `cbor:"zip,omitempty"`
	Nonce      []byte `cbor:"nonce,omitempty"`
	Body       []byte `cbor:"body"`
	Timestamp  int64  `cbor:"ts"`
}

// CodecOptions tunes the codec stages.
type CodecOptions struct {
	MaxMessageSize       int
	CompressionThreshold int
}

// Codec transforms Messages to and from their wire form. Its only mutable
// state is the per-device session key store.
type Codec struct {
	maxMessageSize       int
	compressionThreshold int

	mu    sync.RWMutex
	keys  map[string][]byte
	types map[MessageType]struct{}
}

// NewCodec builds a codec with the core message types registered.
func NewCodec(options CodecOptions) *Codec {
	maxSize := options.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	threshold := options.CompressionThreshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	return &Codec{
		maxMessageSize:       maxSize,
		compressionThreshold: threshold,
		keys:                 make(map[string][]byte),
		types: map[MessageType]struct{}{
			TypeHandshake: {},
			TypeHeartbeat: {},
			TypeAck:       {},
			TypeError:     {},
		},
	}
}

// RegisterType allows an additional feature-defined message type through
// validation.
func (c *Codec) RegisterType(messageType MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[messageType] = struct{}{}
}

// SetSessionKey installs the symmetric key for one remote device.
func (c *Codec) SetSessionKey(deviceID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[deviceID] = append([]byte(nil), key...)
}

// SessionKey returns a copy of the key for a device, or nil when absent.
func (c *Codec) SessionKey(deviceID string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[deviceID]
	if !ok {
		return nil
	}
	return append([]byte(nil), key...)
}

// RemoveSessionKey discards the key for a device.
func (c *Codec) RemoveSessionKey(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, deviceID)
}

// GenerateSessionKey performs the X25519 agreement between the local static
// private key and a remote static public key (base64), then derives the
// 32-byte session key with HKDF. The device ids are mixed into the derivation
// in sorted order so both peers independently compute the same key.
func (c *Codec) GenerateSessionKey(localPrivate *ecdh.PrivateKey, remotePublicBase64, localDeviceID, remoteDeviceID string) ([]byte, error) {
	remoteRaw, err := base64.StdEncoding.DecodeString(remotePublicBase64)
	if err != nil {
		return nil, fmt.Errorf("decode remote exchange key: %w", err)
	}
	remotePublic, err := crypto.ParseExchangePublicKey(remoteRaw)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.SharedSecret(localPrivate, remotePublic)
	if err != nil {
		return nil, err
	}

	ids := []string{localDeviceID, remoteDeviceID}
	sort.Strings(ids)
	return crypto.DeriveKey(secret, "portalfusion/session/"+ids[0]+"/"+ids[1])
}

// Encode validates and serializes a message, deflates it past the size
// threshold, and seals it when a session key exists for the target device.
func (c *Codec) Encode(message Message, targetDeviceID string) (Encoded, error) {
	const op = "protocol.Encode"

	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	if err := c.validate(message); err != nil {
		return Encoded{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
	}

	body, err := cbor.Marshal(message)
	if err != nil {
		return Encoded{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
	}

	compressed := false
	if len(body) > c.compressionThreshold {
		body, err = deflate(body)
		if err != nil {
			return Encoded{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
		}
		compressed = true
	}

	frame := wireFrame{
		Version:    WireVersion,
		From:       message.From,
		Compressed: compressed,
		Body:       body,
		Timestamp:  message.Timestamp,
	}

	if key := c.SessionKey(targetDeviceID); key != nil {
		ciphertext, nonce, err := crypto.Seal(key, body)
		if err != nil {
			return Encoded{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
		}
		frame.Encrypted = true
		frame.Nonce = nonce
		frame.Body = ciphertext
	}

	payload, err := cbor.Marshal(frame)
	if err != nil {
		return Encoded{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
	}
	if len(payload) > c.maxMessageSize {
		return Encoded{}, fault.Errorf(fault.ProtocolInvalidMessage, op,
			"encoded message size %d exceeds maximum %d", len(payload), c.maxMessageSize)
	}

	return Encoded{
		Payload:    payload,
		Encrypted:  frame.Encrypted,
		Compressed: frame.Compressed,
		Timestamp:  frame.Timestamp,
	}, nil
}

// Decode mirrors Encode: open the sealed body when flagged, inflate when
// flagged, deserialize, and re-validate. A sealed frame without a session key
// for the source device fails with AUTH_FAILED.
func (c *Codec) Decode(encoded Encoded, sourceDeviceID string) (Message, error) {
	const op = "protocol.Decode"

	if len(encoded.Payload) == 0 {
		return Message{}, fault.Errorf(fault.ProtocolInvalidMessage, op, "empty payload")
	}
	if len(encoded.Payload) > c.maxMessageSize {
		return Message{}, fault.Errorf(fault.ProtocolInvalidMessage, op,
			"encoded message size %d exceeds maximum %d", len(encoded.Payload), c.maxMessageSize)
	}

	var frame wireFrame
	if err := cbor.Unmarshal(encoded.Payload, &frame); err != nil {
		return Message{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
	}
	if frame.Version != WireVersion {
		return Message{}, fault.Errorf(fault.ProtocolInvalidMessage, op, "unsupported wire version %d", frame.Version)
	}

	body := frame.Body
	if frame.Encrypted {
		key := c.SessionKey(sourceDeviceID)
		if key == nil {
			return Message{}, fault.Errorf(fault.AuthFailed, op, "no session key for device %q", sourceDeviceID)
		}
		plaintext, err := crypto.Open(key, frame.Nonce, body)
		if err != nil {
			return Message{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
		}
		body = plaintext
	}

	if frame.Compressed {
		inflated, err := c.inflate(body)
		if err != nil {
			return Message{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
		}
		body = inflated
	}

	var message Message
	if err := cbor.Unmarshal(body, &message); err != nil {
		return Message{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
	}
	if message.Timestamp == 0 {
		message.Timestamp = frame.Timestamp
	}
	if err := c.validate(message); err != nil {
		return Message{}, fault.Wrap(fault.ProtocolInvalidMessage, op, err)
	}

	return message, nil
}

// PeekFrom extracts the cleartext sender hint and the sealed flag from an
// encoded payload without decrypting it. The sender hint only routes the
// session key lookup; a receiver that requires proof of key possession must
// also check that the frame is sealed.
func PeekFrom(payload []byte) (string, bool, error) {
	var frame wireFrame
	if err := cbor.Unmarshal(payload, &frame); err != nil {
		return "", false, fault.Wrap(fault.ProtocolInvalidMessage, "protocol.PeekFrom", err)
	}
	if frame.From == "" {
		return "", false, fault.Errorf(fault.ProtocolInvalidMessage, "protocol.PeekFrom", "missing sender")
	}
	return frame.From, frame.Encrypted, nil
}

func (c *Codec) validate(message Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.From == "" {
		return errors.New("message sender is required")
	}
	if message.To == "" {
		return errors.New("message recipient is required")
	}
	if message.Payload == nil {
		return errors.New("message payload must be defined")
	}

	c.mu.RLock()
	_, known := c.types[message.Type]
	c.mu.RUnlock()
	if !known {
		return fmt.Errorf("unknown message type %q", message.Type)
	}
	return nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("deflate body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("flush deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) inflate(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()

	// Bound decompression so a hostile frame cannot expand past the ceiling.
	limit := int64(c.maxMessageSize) + 1
	out, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil {
		return nil, fmt.Errorf("inflate body: %w", err)
	}
	if int64(len(out)) >= limit {
		return nil, fmt.Errorf("inflated body exceeds maximum %d", c.maxMessageSize)
	}
	return out, nil
}
