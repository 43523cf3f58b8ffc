package network

import (
	"context"
	"sync/atomic"
	"time"

	"portalfusion/models"
)

// CipherInfo describes the encryption protecting one connection.
type CipherInfo struct {
	Algorithm      string
	KeyFingerprint string
	Verified       bool
}

// Stats is a point-in-time snapshot of a connection's traffic counters.
type Stats struct {
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	SendErrors       uint64
	Reconnects       uint64
}

// Connection is one live session with a remote device. The manager owns its
// lifecycle; callers read metadata and counters.
type Connection struct {
	Device    models.Device
	Protocol  string
	Cipher    CipherInfo
	StartedAt time.Time

	transport Conn

	cancelHeartbeat context.CancelFunc

	// userClosed marks a deliberate Disconnect so the close handler skips
	// reconnection.
	userClosed atomic.Bool

	lastSeen atomic.Int64

	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	sendErrors       atomic.Uint64
	reconnects       atomic.Uint64
}

func newConnection(device models.Device, protocolName string, transport Conn, cipher CipherInfo) *Connection {
	device.Status = models.StatusOnline
	conn := &Connection{
		Device:    device,
		Protocol:  protocolName,
		Cipher:    cipher,
		StartedAt: time.Now(),
		transport: transport,
	}
	conn.lastSeen.Store(time.Now().UnixMilli())
	return conn
}

// Stats returns the current traffic counters.
func (c *Connection) Stats() Stats {
	return Stats{
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		SendErrors:       c.sendErrors.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}

// LastSeen reports when the remote device last showed signs of life, as a
// Unix-milli timestamp.
func (c *Connection) LastSeen() int64 {
	return c.lastSeen.Load()
}

// Fingerprint is the remote device's identity key fingerprint.
func (c *Connection) Fingerprint() string {
	return c.Device.Fingerprint
}

func (c *Connection) recordSend(bytes int) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(bytes))
}

func (c *Connection) recordReceive(bytes int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(bytes))
	c.lastSeen.Store(time.Now().UnixMilli())
}
