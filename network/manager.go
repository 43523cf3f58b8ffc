package network

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"portalfusion/crypto"
	"portalfusion/fault"
	"portalfusion/models"
	"portalfusion/protocol"
	"portalfusion/storage"
)

const (
	// DefaultHeartbeatInterval is the keepalive send period.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultConnectTimeout bounds dial plus handshake for one attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReconnectBaseInterval seeds the exponential reconnect backoff.
	DefaultReconnectBaseInterval = 2 * time.Second
	// DefaultMaxReconnectAttempts caps the reconnect worker before it gives up.
	DefaultMaxReconnectAttempts = 5
)

// ReconnectDelay returns the backoff delay before reconnect attempt n,
// doubling from the base interval.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << uint(attempt)
}

// EventKind classifies manager lifecycle events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventSent         EventKind = "sent"
	EventError        EventKind = "error"
)

// Event is one connection lifecycle notification.
type Event struct {
	Kind     EventKind
	DeviceID string
	// MessageID is set on EventSent.
	MessageID string
	Err       error
}

// Inbound is a decoded application message delivered to consumers.
type Inbound struct {
	DeviceID string
	Message  protocol.Message
}

// ManagerOptions configures a Manager. Identity, Codec, and at least one
// dialer are required; Store is optional and enables persistence of device
// status and inbound trust checks.
type ManagerOptions struct {
	Identity models.Identity
	Codec    *protocol.Codec
	Store    *storage.Store

	// Dialers maps protocol name to transport. Protocol selects which one
	// Connect uses; it defaults to "tcp".
	Dialers  map[string]Dialer
	Protocol string

	ConnectTimeout        time.Duration
	HeartbeatInterval     time.Duration
	ReconnectBaseInterval time.Duration
	MaxReconnectAttempts  int
	DisableAutoReconnect  bool

	Logger *zap.Logger
}

// pendingConnect lets concurrent Connect calls for the same device share one
// establishment attempt.
type pendingConnect struct {
	done chan struct{}
	conn *Connection
	err  error
}

// reconnectWorker tracks the single backoff loop allowed per device.
type reconnectWorker struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns every live device session: connecting, heartbeating,
// reconnecting with exponential backoff, acknowledging, and routing decoded
// messages to consumers.
type Manager struct {
	opts ManagerOptions
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	conns      map[string]*Connection
	pending    map[string]*pendingConnect
	reconnects map[string]*reconnectWorker

	emitMu sync.RWMutex
	closed bool

	inbound chan Inbound
	events  chan Event

	closeOnce sync.Once
}

// NewManager builds a manager and validates its wiring.
func NewManager(options ManagerOptions) (*Manager, error) {
	const op = "network.NewManager"

	if options.Codec == nil {
		return nil, fault.Errorf(fault.SystemOperationFailed, op, "codec is required")
	}
	if len(options.Dialers) == 0 {
		return nil, fault.Errorf(fault.SystemOperationFailed, op, "at least one transport dialer is required")
	}
	if options.Protocol == "" {
		options.Protocol = "tcp"
	}
	if _, ok := options.Dialers[options.Protocol]; !ok {
		return nil, fault.Errorf(fault.ProtocolUnsupportedFeature, op, "no transport registered for protocol %q", options.Protocol)
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.ReconnectBaseInterval <= 0 {
		options.ReconnectBaseInterval = DefaultReconnectBaseInterval
	}
	if options.MaxReconnectAttempts <= 0 {
		options.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       options,
		log:        options.Logger.Named("network"),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*Connection),
		pending:    make(map[string]*pendingConnect),
		reconnects: make(map[string]*reconnectWorker),
		inbound:    make(chan Inbound, 64),
		events:     make(chan Event, 32),
	}, nil
}

// Inbound delivers decoded non-core messages from all connections.
func (m *Manager) Inbound() <-chan Inbound {
	return m.inbound
}

// Events delivers connection lifecycle notifications. Slow consumers drop
// events rather than stalling the manager.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connection returns the live connection for a device, or nil.
func (m *Manager) Connection(deviceID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[deviceID]
}

// Connections lists all live connections.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

// Fingerprint returns the identity key fingerprint for a device, from the
// live connection when present, otherwise from storage.
func (m *Manager) Fingerprint(deviceID string) (string, error) {
	const op = "network.Fingerprint"

	if conn := m.Connection(deviceID); conn != nil {
		return conn.Fingerprint(), nil
	}
	if m.opts.Store == nil {
		return "", fault.Errorf(fault.SystemOperationFailed, op, "device %q is not connected and no store is configured", deviceID)
	}

	device, err := m.opts.Store.GetDevice(deviceID)
	if err != nil {
		return "", fault.Wrap(fault.SystemOperationFailed, op, err)
	}
	if device.Fingerprint != "" {
		return device.Fingerprint, nil
	}

	raw, err := base64.StdEncoding.DecodeString(device.PublicKey)
	if err != nil {
		return "", fault.Wrap(fault.SystemOperationFailed, op, err)
	}
	return crypto.Fingerprint(raw), nil
}

// Connect opens a session with a device. Connecting to an already connected
// device returns the existing connection; concurrent calls for the same
// device share one attempt. On a transient failure the reconnect worker is
// scheduled before the error is returned.
func (m *Manager) Connect(ctx context.Context, device models.Device) (*Connection, error) {
	conn, err := m.doConnect(ctx, device)
	if err != nil && m.autoReconnect() && m.ctx.Err() == nil &&
		device.ID != "" && ctx.Err() == nil && reconnectable(err) {
		m.scheduleReconnect(device)
	}
	return conn, err
}

// reconnectable reports whether a connect failure is worth retrying.
// Validation and configuration failures fail the same way on every attempt.
func reconnectable(err error) bool {
	switch fault.CodeOf(err) {
	case fault.ConnectionFailed, fault.ConnectionTimeout:
		return true
	default:
		return false
	}
}

// doConnect is Connect without reconnect scheduling; the backoff worker uses
// it directly so failed attempts do not spawn further workers.
func (m *Manager) doConnect(ctx context.Context, device models.Device) (*Connection, error) {
	const op = "network.Connect"

	if device.ID == "" {
		return nil, fault.Errorf(fault.ConnectionFailed, op, "device ID is required")
	}

	m.mu.Lock()
	if conn, ok := m.conns[device.ID]; ok {
		m.mu.Unlock()
		return conn, nil
	}
	if p, ok := m.pending[device.ID]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.conn, p.err
		case <-ctx.Done():
			return nil, fault.Wrap(fault.ConnectionTimeout, op, ctx.Err())
		}
	}
	p := &pendingConnect{done: make(chan struct{})}
	m.pending[device.ID] = p
	m.mu.Unlock()

	conn, err := m.establish(ctx, device)

	m.mu.Lock()
	delete(m.pending, device.ID)
	if err == nil {
		m.conns[device.ID] = conn
	}
	m.mu.Unlock()

	p.conn, p.err = conn, err
	close(p.done)

	if err != nil {
		m.log.Warn("connect failed",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return nil, err
	}

	m.cancelReconnectWorker(device.ID)
	m.afterEstablish(conn)
	return conn, nil
}

// establish derives the session key, dials, and sends the handshake.
func (m *Manager) establish(ctx context.Context, device models.Device) (*Connection, error) {
	const op = "network.Connect"

	if err := m.opts.Identity.Validate(); err != nil {
		return nil, fault.Wrap(fault.SystemOperationFailed, op, err)
	}

	dialer := m.opts.Dialers[m.opts.Protocol]

	key, err := m.opts.Codec.GenerateSessionKey(
		m.opts.Identity.ExchangeKey, device.ExchangeKey,
		m.opts.Identity.Device.ID, device.ID)
	if err != nil {
		return nil, fault.Wrap(fault.SystemOperationFailed, op, err)
	}
	m.opts.Codec.SetSessionKey(device.ID, key)

	dialCtx, cancelDial := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancelDial()

	transport, err := dialer.Dial(dialCtx, m.opts.Identity.Device, device)
	if err != nil {
		m.opts.Codec.RemoveSessionKey(device.ID)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.ConnectionTimeout, op, err)
		}
		return nil, fault.Wrap(fault.ConnectionFailed, op, err)
	}

	conn := newConnection(device, m.opts.Protocol, transport, CipherInfo{
		Algorithm:      "AES-256-GCM",
		KeyFingerprint: crypto.Fingerprint(key),
		Verified:       device.Trusted,
	})

	if err := m.sendHandshake(conn); err != nil {
		_ = transport.Close()
		m.opts.Codec.RemoveSessionKey(device.ID)
		return nil, fault.Wrap(fault.ConnectionFailed, op, err)
	}

	return conn, nil
}

func (m *Manager) sendHandshake(conn *Connection) error {
	local := m.opts.Identity.Device
	handshake, err := protocol.NewHandshake(local.ID, conn.Device.ID, protocol.HandshakeInfo{
		DeviceID:        local.ID,
		DeviceName:      local.Name,
		PublicKey:       local.PublicKey,
		ProtocolVersion: protocol.WireVersion,
	})
	if err != nil {
		return err
	}

	encoded, err := m.opts.Codec.Encode(handshake, conn.Device.ID)
	if err != nil {
		return err
	}
	if err := conn.transport.Send(encoded.Payload); err != nil {
		return err
	}
	conn.recordSend(len(encoded.Payload))
	return nil
}

// afterEstablish starts the per-connection workers and publishes the result.
func (m *Manager) afterEstablish(conn *Connection) {
	m.persistStatus(conn.Device, models.StatusOnline)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(m.ctx)
	conn.cancelHeartbeat = cancelHeartbeat

	m.wg.Add(2)
	go m.heartbeatLoop(heartbeatCtx, conn)
	go m.connLoop(conn)

	m.log.Info("device connected",
		zap.String("device_id", conn.Device.ID),
		zap.String("device_name", conn.Device.Name),
		zap.String("protocol", conn.Protocol),
		zap.String("cipher", conn.Cipher.Algorithm))
	m.emit(Event{Kind: EventConnected, DeviceID: conn.Device.ID})
}

// Send encodes and transmits one message to a connected device.
func (m *Manager) Send(deviceID string, message protocol.Message) error {
	const op = "network.Send"

	conn := m.Connection(deviceID)
	if conn == nil {
		return fault.Errorf(fault.ConnectionFailed, op, "no connection for device %q", deviceID)
	}

	encoded, err := m.opts.Codec.Encode(message, deviceID)
	if err != nil {
		return err
	}

	if err := conn.transport.Send(encoded.Payload); err != nil {
		conn.sendErrors.Add(1)
		return fault.Wrap(fault.ConnectionFailed, op, err)
	}

	conn.recordSend(len(encoded.Payload))
	m.emit(Event{Kind: EventSent, DeviceID: deviceID, MessageID: message.ID})
	return nil
}

// Disconnect deliberately tears down a device session. No reconnect is
// attempted. Disconnecting an unknown device is a no-op.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	conn := m.conns[deviceID]
	delete(m.conns, deviceID)
	m.mu.Unlock()

	m.cancelReconnectWorker(deviceID)

	if conn == nil {
		return nil
	}

	conn.userClosed.Store(true)
	if conn.cancelHeartbeat != nil {
		conn.cancelHeartbeat()
	}
	_ = conn.transport.Close()
	m.opts.Codec.RemoveSessionKey(deviceID)

	m.persistStatus(conn.Device, models.StatusDisconnected)
	m.log.Info("device disconnected", zap.String("device_id", deviceID))
	m.emit(Event{Kind: EventDisconnected, DeviceID: deviceID})
	return nil
}

// DisconnectAll tears down every live session.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Disconnect(id)
	}
}

// Close disconnects everything, stops all workers, and closes the outbound
// channels. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.DisconnectAll()
		m.cancel()
		m.wg.Wait()

		m.emitMu.Lock()
		m.closed = true
		m.emitMu.Unlock()
		close(m.inbound)
		close(m.events)
	})
	return nil
}

// Serve consumes inbound transport connections from a listener until the
// manager closes. Each accepted connection must open with a handshake from a
// trusted, paired device or it is dropped.
func (m *Manager) Serve(listener *Listener) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case transport, ok := <-listener.Incoming():
				if !ok {
					return
				}
				m.wg.Add(1)
				go m.handleInboundConn(transport)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// handleInboundConn waits for the opening handshake, authenticates the peer
// against the trusted-device registry, and promotes the transport to a full
// connection.
func (m *Manager) handleInboundConn(transport Conn) {
	defer m.wg.Done()

	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()

	var opening []byte
	select {
	case ev, ok := <-transport.Events():
		if !ok || ev.Kind != TransportData {
			_ = transport.Close()
			return
		}
		opening = ev.Data
	case <-timer.C:
		m.log.Debug("inbound connection sent no handshake before timeout")
		_ = transport.Close()
		return
	case <-m.ctx.Done():
		_ = transport.Close()
		return
	}

	fromID, sealed, err := protocol.PeekFrom(opening)
	if err != nil {
		m.log.Warn("inbound frame has no readable sender", zap.Error(err))
		_ = transport.Close()
		return
	}
	// The sender hint proves nothing; only a frame sealed with the derived
	// session key does. A plaintext opening is an impersonation attempt.
	if !sealed {
		m.log.Warn("rejecting plaintext inbound opening", zap.String("device_id", fromID))
		_ = transport.Close()
		return
	}

	device, err := m.lookupTrustedDevice(fromID)
	if err != nil {
		m.log.Warn("rejecting inbound connection",
			zap.String("device_id", fromID),
			zap.Error(err))
		_ = transport.Close()
		return
	}

	key, err := m.opts.Codec.GenerateSessionKey(
		m.opts.Identity.ExchangeKey, device.ExchangeKey,
		m.opts.Identity.Device.ID, device.ID)
	if err != nil {
		m.log.Warn("session key derivation failed",
			zap.String("device_id", fromID),
			zap.Error(err))
		_ = transport.Close()
		return
	}
	m.opts.Codec.SetSessionKey(device.ID, key)

	message, err := m.opts.Codec.Decode(protocol.Encoded{Payload: opening}, device.ID)
	if err != nil || message.Type != protocol.TypeHandshake {
		m.opts.Codec.RemoveSessionKey(device.ID)
		m.log.Warn("inbound connection opened without a valid handshake",
			zap.String("device_id", fromID),
			zap.Error(err))
		_ = transport.Close()
		return
	}

	conn := newConnection(*device, m.opts.Protocol, transport, CipherInfo{
		Algorithm:      "AES-256-GCM",
		KeyFingerprint: crypto.Fingerprint(key),
		Verified:       true,
	})

	m.mu.Lock()
	if _, exists := m.conns[device.ID]; exists {
		m.mu.Unlock()
		// Already connected; keep the existing session.
		_ = transport.Close()
		return
	}
	m.conns[device.ID] = conn
	m.mu.Unlock()

	conn.recordReceive(len(opening))
	m.cancelReconnectWorker(device.ID)

	if err := m.sendHandshake(conn); err != nil {
		m.log.Warn("handshake reply failed",
			zap.String("device_id", device.ID),
			zap.Error(err))
	}
	if message.RequiresAck {
		m.sendAck(conn, message)
	}

	m.afterEstablish(conn)
}

// lookupTrustedDevice authorizes an inbound peer against storage.
func (m *Manager) lookupTrustedDevice(deviceID string) (*models.Device, error) {
	const op = "network.Serve"

	if m.opts.Store == nil {
		return nil, fault.Errorf(fault.AuthFailed, op, "no device registry configured")
	}

	device, err := m.opts.Store.GetDevice(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fault.Errorf(fault.AuthFailed, op, "device %q is not paired", deviceID)
		}
		return nil, fault.Wrap(fault.SystemOperationFailed, op, err)
	}
	if !device.Trusted || !device.Paired {
		return nil, fault.Errorf(fault.AuthFailed, op, "device %q is not trusted", deviceID)
	}
	return device, nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn *Connection) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	local := m.opts.Identity.Device.ID
	for {
		select {
		case <-ticker.C:
			heartbeat := protocol.NewHeartbeat(local, conn.Device.ID)
			encoded, err := m.opts.Codec.Encode(heartbeat, conn.Device.ID)
			if err != nil {
				m.log.Warn("heartbeat encode failed",
					zap.String("device_id", conn.Device.ID),
					zap.Error(err))
				continue
			}
			if err := conn.transport.Send(encoded.Payload); err != nil {
				conn.sendErrors.Add(1)
				m.log.Debug("heartbeat send failed",
					zap.String("device_id", conn.Device.ID),
					zap.Error(err))
				continue
			}
			conn.recordSend(len(encoded.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// connLoop consumes transport events for one connection until it closes.
func (m *Manager) connLoop(conn *Connection) {
	defer m.wg.Done()

	for {
		select {
		case ev, ok := <-conn.transport.Events():
			if !ok {
				m.handleClosed(conn)
				return
			}
			switch ev.Kind {
			case TransportData:
				m.handleFrame(conn, ev.Data)
			case TransportError:
				m.log.Warn("transport error",
					zap.String("device_id", conn.Device.ID),
					zap.Error(ev.Err))
				m.emit(Event{Kind: EventError, DeviceID: conn.Device.ID, Err: ev.Err})
			case TransportClosed:
				m.handleClosed(conn)
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// handleFrame decodes one inbound frame, absorbs core traffic, delivers the
// rest, and acknowledges when asked.
func (m *Manager) handleFrame(conn *Connection, data []byte) {
	message, err := m.opts.Codec.Decode(protocol.Encoded{Payload: data}, conn.Device.ID)
	if err != nil {
		m.log.Warn("dropping undecodable frame",
			zap.String("device_id", conn.Device.ID),
			zap.Error(err))
		m.emit(Event{Kind: EventError, DeviceID: conn.Device.ID, Err: err})
		return
	}

	conn.recordReceive(len(data))

	switch message.Type {
	case protocol.TypeHeartbeat:
		m.touchLastSeen(conn)
		return
	case protocol.TypeHandshake:
		m.log.Debug("handshake received",
			zap.String("device_id", conn.Device.ID))
	default:
		select {
		case m.inbound <- Inbound{DeviceID: conn.Device.ID, Message: message}:
		case <-m.ctx.Done():
			return
		}
	}

	if message.RequiresAck {
		m.sendAck(conn, message)
	}
}

func (m *Manager) sendAck(conn *Connection, acked protocol.Message) {
	ack, err := protocol.NewAck(m.opts.Identity.Device.ID, conn.Device.ID, acked.ID)
	if err != nil {
		m.log.Warn("ack build failed", zap.Error(err))
		return
	}
	encoded, err := m.opts.Codec.Encode(ack, conn.Device.ID)
	if err != nil {
		m.log.Warn("ack encode failed", zap.Error(err))
		return
	}
	if err := conn.transport.Send(encoded.Payload); err != nil {
		conn.sendErrors.Add(1)
		m.log.Debug("ack send failed",
			zap.String("device_id", conn.Device.ID),
			zap.Error(err))
		return
	}
	conn.recordSend(len(encoded.Payload))
}

func (m *Manager) touchLastSeen(conn *Connection) {
	now := time.Now().UnixMilli()
	conn.lastSeen.Store(now)
	if m.opts.Store != nil {
		if err := m.opts.Store.UpdateLastSeen(conn.Device.ID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("last-seen update failed",
				zap.String("device_id", conn.Device.ID),
				zap.Error(err))
		}
	}
}

// handleClosed runs when a transport closes underneath a connection. An
// organic drop schedules the reconnect worker; a deliberate Disconnect does
// not.
func (m *Manager) handleClosed(conn *Connection) {
	deviceID := conn.Device.ID

	m.mu.Lock()
	current := m.conns[deviceID] == conn
	if current {
		delete(m.conns, deviceID)
	}
	m.mu.Unlock()

	if !current {
		// Disconnect or a replacement already cleaned up.
		return
	}

	if conn.cancelHeartbeat != nil {
		conn.cancelHeartbeat()
	}
	m.opts.Codec.RemoveSessionKey(deviceID)
	m.persistStatus(conn.Device, models.StatusOffline)

	m.log.Info("connection lost", zap.String("device_id", deviceID))
	m.emit(Event{Kind: EventDisconnected, DeviceID: deviceID})

	if !conn.userClosed.Load() && m.autoReconnect() && m.ctx.Err() == nil {
		m.scheduleReconnect(conn.Device)
	}
}

// scheduleReconnect starts the backoff worker for a device. At most one
// worker per device runs at a time; scheduling again restarts it.
func (m *Manager) scheduleReconnect(device models.Device) {
	m.mu.Lock()
	if existing, ok := m.reconnects[device.ID]; ok {
		existing.cancel()
	}
	workerCtx, cancel := context.WithCancel(m.ctx)
	worker := &reconnectWorker{ctx: workerCtx, cancel: cancel}
	m.reconnects[device.ID] = worker
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop(worker, device)
}

func (m *Manager) reconnectLoop(worker *reconnectWorker, device models.Device) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.reconnects[device.ID] == worker {
			delete(m.reconnects, device.ID)
		}
		m.mu.Unlock()
	}()

	for attempt := 0; attempt < m.opts.MaxReconnectAttempts; attempt++ {
		delay := ReconnectDelay(m.opts.ReconnectBaseInterval, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-worker.ctx.Done():
			timer.Stop()
			return
		}

		m.log.Info("reconnecting",
			zap.String("device_id", device.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("after", delay))

		if conn, err := m.doConnect(worker.ctx, device); err == nil {
			conn.reconnects.Add(1)
			return
		} else if worker.ctx.Err() != nil {
			return
		} else {
			m.log.Warn("reconnect attempt failed",
				zap.String("device_id", device.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}

	m.log.Warn("reconnect attempts exhausted",
		zap.String("device_id", device.ID),
		zap.Int("attempts", m.opts.MaxReconnectAttempts))
	m.persistStatus(device, models.StatusDisconnected)
	m.emit(Event{
		Kind:     EventError,
		DeviceID: device.ID,
		Err: fault.Errorf(fault.ConnectionFailed, "network.reconnect",
			"gave up after %d attempts", m.opts.MaxReconnectAttempts),
	})
}

func (m *Manager) cancelReconnectWorker(deviceID string) {
	m.mu.Lock()
	if worker, ok := m.reconnects[deviceID]; ok {
		worker.cancel()
		delete(m.reconnects, deviceID)
	}
	m.mu.Unlock()
}

func (m *Manager) autoReconnect() bool {
	return !m.opts.DisableAutoReconnect
}

// persistStatus records a device status transition, best effort.
func (m *Manager) persistStatus(device models.Device, status models.DeviceStatus) {
	if m.opts.Store == nil {
		return
	}
	var lastSeen int64
	if status == models.StatusOnline {
		lastSeen = time.Now().UnixMilli()
	}
	if err := m.opts.Store.UpdateDeviceStatus(device.ID, status, lastSeen); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("status update failed",
			zap.String("device_id", device.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// emit publishes a lifecycle event without ever blocking the manager.
func (m *Manager) emit(event Event) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- event:
	default:
	}
}
