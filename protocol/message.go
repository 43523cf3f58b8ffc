// Package protocol implements the message codec: validation, compact binary
// serialization, threshold compression, and authenticated encryption keyed
// per remote device.
package protocol

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MessageType classifies a logical message. The core defines four types;
// feature services register their own with Codec.RegisterType.
type MessageType string

const (
	TypeHandshake MessageType = "HANDSHAKE"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeAck       MessageType = "ACK"
	TypeError     MessageType = "ERROR"
)

// Priority orders messages for feature consumers. The core stamps it on its
// own messages but does not reorder traffic.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is the logical unit exchanged between devices. Payload is opaque to
// the core; each feature defines and validates its own schema.
type Message struct {
	ID          string      `cbor:"id"`
	Type        MessageType `cbor:"type"`
	From        string      `cbor:"from"`
	To          string      `cbor:"to"`
	Payload     []byte      `cbor:"payload"`
	Priority    Priority    `cbor:"priority,omitempty"`
	RequiresAck bool        `cbor:"requires_ack,omitempty"`
	Timestamp   int64       `cbor:"timestamp"`
}

// Encoded is the transmittable wire form of one Message.
type Encoded struct {
	Payload    []byte
	Encrypted  bool
	Compressed bool
	Timestamp  int64
}

// HandshakeInfo is the payload of a HANDSHAKE message.
type HandshakeInfo struct {
	DeviceID        string `cbor:"device_id"`
	DeviceName      string `cbor:"device_name"`
	PublicKey       string `cbor:"public_key"`
	ProtocolVersion int    `cbor:"protocol_version"`
}

// AckInfo is the payload of an ACK message.
type AckInfo struct {
	MessageID string `cbor:"message_id"`
	Status    string `cbor:"status"`
}

// ErrorInfo is the payload of an ERROR message.
type ErrorInfo struct {
	Code             string `cbor:"code"`
	Message          string `cbor:"message"`
	RelatedMessageID string `cbor:"related_message_id,omitempty"`
}

// NewHandshake builds the first message sent after a transport connects.
// Handshakes are high priority and require acknowledgment.
func NewHandshake(from, to string, info HandshakeInfo) (Message, error) {
	payload, err := cbor.Marshal(info)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          uuid.NewString(),
		Type:        TypeHandshake,
		From:        from,
		To:          to,
		Payload:     payload,
		Priority:    PriorityHigh,
		RequiresAck: true,
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

// NewHeartbeat builds a low-priority keepalive message. Heartbeats never
// request acknowledgment.
func NewHeartbeat(from, to string) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      TypeHeartbeat,
		From:      from,
		To:        to,
		Payload:   []byte{},
		Priority:  PriorityLow,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAck builds the acknowledgment for a received message. Acks are urgent
// and never themselves require acknowledgment.
func NewAck(from, to, ackedMessageID string) (Message, error) {
	payload, err := cbor.Marshal(AckInfo{MessageID: ackedMessageID, Status: "delivered"})
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      TypeAck,
		From:      from,
		To:        to,
		Payload:   payload,
		Priority:  PriorityUrgent,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// NewError builds an ERROR message referencing a prior message.
func NewError(from, to, code, detail, relatedMessageID string) (Message, error) {
	payload, err := cbor.Marshal(ErrorInfo{Code: code, Message: detail, RelatedMessageID: relatedMessageID})
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      TypeError,
		From:      from,
		To:        to,
		Payload:   payload,
		Priority:  PriorityHigh,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
