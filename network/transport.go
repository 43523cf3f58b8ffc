// Package network owns live sessions with remote devices: transport dialing,
// handshake, heartbeat, reconnection backoff, acknowledgment, and message
// routing between the codec and feature consumers.
package network

import (
	"context"

	"portalfusion/models"
)

// TransportEventKind classifies transport notifications.
type TransportEventKind int

const (
	// TransportData carries one inbound encoded message.
	TransportData TransportEventKind = iota
	// TransportClosed reports the channel is gone; terminal.
	TransportClosed
	// TransportError reports a non-terminal transport fault.
	TransportError
)

// TransportEvent is one notification from a transport connection.
type TransportEvent struct {
	Kind TransportEventKind
	Data []byte
	Err  error
}

// Conn is an established bidirectional byte channel to one remote device.
// The core never inspects transport state beyond Send results and Events.
type Conn interface {
	// Send transmits one encoded message.
	Send(payload []byte) error
	// Events delivers inbound data and lifecycle notifications. A
	// TransportClosed event is terminal; nothing follows it.
	Events() <-chan TransportEvent
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Dialer opens transport connections for one protocol.
type Dialer interface {
	Dial(ctx context.Context, local, remote models.Device) (Conn, error)
}
