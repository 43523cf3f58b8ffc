package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"portalfusion/crypto"
	"portalfusion/fault"
	"portalfusion/models"
	"portalfusion/protocol"
	"portalfusion/storage"
)

func newTestIdentity(t *testing.T, id, name string) models.Identity {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	exchangeKey, err := crypto.GenerateExchangeKey()
	if err != nil {
		t.Fatalf("generate exchange key: %v", err)
	}

	return models.Identity{
		Device: models.Device{
			ID:          id,
			Name:        name,
			PublicKey:   base64.StdEncoding.EncodeToString(publicKey),
			ExchangeKey: base64.StdEncoding.EncodeToString(exchangeKey.PublicKey().Bytes()),
			Fingerprint: crypto.Fingerprint(publicKey),
			IP:          "127.0.0.1",
			Port:        47200,
			Trusted:     true,
			Paired:      true,
		},
		SigningKey:  privateKey,
		ExchangeKey: exchangeKey,
	}
}

// pipeDialer hands out in-memory connections and records every dial. The far
// end of each pipe is kept for the test harness to play the remote device.
type pipeDialer struct {
	mu      sync.Mutex
	dials   int
	failAll bool
	remotes map[string]Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{remotes: make(map[string]Conn)}
}

func (d *pipeDialer) Dial(_ context.Context, _, remote models.Device) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, errors.New("dial refused")
	}
	local, far := Pipe()
	d.remotes[remote.ID] = far
	return local, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) remote(deviceID string) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[deviceID]
}

func decodeCBOR(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}

type testHarness struct {
	manager *Manager
	dialer  *pipeDialer
	local   models.Identity
	remote  models.Identity
	// remoteCodec is keyed the same way the manager keys its own codec, so
	// the harness can speak for the remote device.
	remoteCodec *protocol.Codec
}

func newTestHarness(t *testing.T, mutate func(*ManagerOptions)) *testHarness {
	t.Helper()

	local := newTestIdentity(t, "device-a", "Desk")
	remote := newTestIdentity(t, "device-b", "Phone")
	dialer := newPipeDialer()

	codec := protocol.NewCodec(protocol.CodecOptions{})
	codec.RegisterType("TEST")

	options := ManagerOptions{
		Identity:              local,
		Codec:                 codec,
		Dialers:               map[string]Dialer{"tcp": dialer},
		HeartbeatInterval:     time.Hour,
		ReconnectBaseInterval: 5 * time.Millisecond,
		MaxReconnectAttempts:  3,
		ConnectTimeout:        time.Second,
	}
	if mutate != nil {
		mutate(&options)
	}

	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	remoteCodec := protocol.NewCodec(protocol.CodecOptions{})
	remoteCodec.RegisterType("TEST")
	key, err := remoteCodec.GenerateSessionKey(remote.ExchangeKey, local.Device.ExchangeKey, remote.Device.ID, local.Device.ID)
	if err != nil {
		t.Fatalf("derive remote session key: %v", err)
	}
	remoteCodec.SetSessionKey(local.Device.ID, key)

	return &testHarness{
		manager:     manager,
		dialer:      dialer,
		local:       local,
		remote:      remote,
		remoteCodec: remoteCodec,
	}
}

func (h *testHarness) connect(t *testing.T) *Connection {
	t.Helper()
	conn, err := h.manager.Connect(context.Background(), h.remote.Device)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return conn
}

// readRemoteMessage drains the remote pipe end until one decodable message
// arrives.
func (h *testHarness) readRemoteMessage(t *testing.T) protocol.Message {
	t.Helper()
	far := h.dialer.remote(h.remote.Device.ID)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-far.Events():
			if !ok {
				t.Fatalf("remote pipe closed while waiting for a message")
			}
			if event.Kind != TransportData {
				continue
			}
			message, err := h.remoteCodec.Decode(protocol.Encoded{Payload: event.Data}, h.local.Device.ID)
			if err != nil {
				t.Fatalf("remote decode failed: %v", err)
			}
			return message
		case <-deadline:
			t.Fatalf("remote received no message")
		}
	}
}

func (h *testHarness) sendFromRemote(t *testing.T, message protocol.Message) {
	t.Helper()
	encoded, err := h.remoteCodec.Encode(message, h.local.Device.ID)
	if err != nil {
		t.Fatalf("remote encode failed: %v", err)
	}
	if err := h.dialer.remote(h.remote.Device.ID).Send(encoded.Payload); err != nil {
		t.Fatalf("remote send failed: %v", err)
	}
}

func TestConnectSendsHandshake(t *testing.T) {
	h := newTestHarness(t, nil)

	conn := h.connect(t)
	if conn.Device.ID != "device-b" {
		t.Fatalf("unexpected device on connection: %+v", conn.Device)
	}
	if conn.Cipher.Algorithm != "AES-256-GCM" {
		t.Fatalf("unexpected cipher: %+v", conn.Cipher)
	}

	handshake := h.readRemoteMessage(t)
	if handshake.Type != protocol.TypeHandshake {
		t.Fatalf("expected handshake first, got %s", handshake.Type)
	}
	if !handshake.RequiresAck {
		t.Fatalf("handshake must request acknowledgment")
	}

	var info protocol.HandshakeInfo
	if err := decodeCBOR(handshake.Payload, &info); err != nil {
		t.Fatalf("decode handshake info: %v", err)
	}
	if info.DeviceID != "device-a" || info.ProtocolVersion != protocol.WireVersion {
		t.Fatalf("unexpected handshake info: %+v", info)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newTestHarness(t, nil)

	first := h.connect(t)
	second := h.connect(t)
	if first != second {
		t.Fatalf("expected the same connection for a repeat connect")
	}
	if h.dialer.dialCount() != 1 {
		t.Fatalf("expected one dial, got %d", h.dialer.dialCount())
	}
}

func TestConcurrentConnectSharesOneAttempt(t *testing.T) {
	h := newTestHarness(t, nil)

	const callers = 8
	results := make(chan *Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := h.manager.Connect(context.Background(), h.remote.Device)
			if err != nil {
				t.Errorf("Connect failed: %v", err)
				return
			}
			results <- conn
		}()
	}
	wg.Wait()
	close(results)

	var first *Connection
	for conn := range results {
		if first == nil {
			first = conn
			continue
		}
		if conn != first {
			t.Fatalf("concurrent connects produced different connections")
		}
	}
	if h.dialer.dialCount() != 1 {
		t.Fatalf("expected one dial for %d callers, got %d", callers, h.dialer.dialCount())
	}
}

func TestSendDeliversAndCounts(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.connect(t)
	_ = h.readRemoteMessage(t) // handshake

	message := protocol.Message{
		ID:      "msg-1",
		Type:    "TEST",
		From:    "device-a",
		To:      "device-b",
		Payload: []byte("payload"),
	}
	if err := h.manager.Send("device-b", message); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	received := h.readRemoteMessage(t)
	if received.ID != "msg-1" || received.Type != "TEST" {
		t.Fatalf("unexpected message at the remote: %+v", received)
	}

	stats := conn.Stats()
	if stats.MessagesSent < 2 { // handshake + test message
		t.Fatalf("expected at least 2 sent messages, got %d", stats.MessagesSent)
	}
	if stats.BytesSent == 0 {
		t.Fatalf("expected sent bytes to be counted")
	}
}

func TestSendToUnknownDeviceFails(t *testing.T) {
	h := newTestHarness(t, nil)

	err := h.manager.Send("ghost", protocol.Message{ID: "x", Type: "TEST", From: "a", To: "ghost", Payload: []byte{}})
	if !fault.IsCode(err, fault.ConnectionFailed) {
		t.Fatalf("expected CONNECTION_FAILED, got %v", err)
	}
}

func TestInboundMessageIsAcked(t *testing.T) {
	h := newTestHarness(t, nil)
	h.connect(t)
	_ = h.readRemoteMessage(t) // handshake

	h.sendFromRemote(t, protocol.Message{
		ID:          "needs-ack",
		Type:        "TEST",
		From:        "device-b",
		To:          "device-a",
		Payload:     []byte("data"),
		RequiresAck: true,
	})

	select {
	case in := <-h.manager.Inbound():
		if in.DeviceID != "device-b" || in.Message.ID != "needs-ack" {
			t.Fatalf("unexpected inbound delivery: %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound message was not delivered")
	}

	ack := h.readRemoteMessage(t)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("expected ack, got %s", ack.Type)
	}
	var info protocol.AckInfo
	if err := decodeCBOR(ack.Payload, &info); err != nil {
		t.Fatalf("decode ack info: %v", err)
	}
	if info.MessageID != "needs-ack" {
		t.Fatalf("ack references %q", info.MessageID)
	}
}

func TestHeartbeatIsAbsorbedAndTouchesLastSeen(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.connect(t)
	_ = h.readRemoteMessage(t) // handshake

	before := conn.LastSeen()
	time.Sleep(5 * time.Millisecond)
	h.sendFromRemote(t, protocol.NewHeartbeat("device-b", "device-a"))

	waitFor(t, 2*time.Second, func() bool { return conn.LastSeen() > before }, "last seen updated")

	select {
	case in := <-h.manager.Inbound():
		t.Fatalf("heartbeat must not reach consumers: %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	h := newTestHarness(t, nil)
	h.connect(t)

	if err := h.manager.Disconnect("device-b"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if h.manager.Connection("device-b") != nil {
		t.Fatalf("connection must be removed")
	}

	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("a deliberate disconnect must not redial, got %d dials", got)
	}

	// Disconnecting an unknown device is a no-op.
	if err := h.manager.Disconnect("ghost"); err != nil {
		t.Fatalf("Disconnect of unknown device failed: %v", err)
	}
}

func TestTransportDropTriggersReconnect(t *testing.T) {
	h := newTestHarness(t, nil)
	first := h.connect(t)

	// Remote side drops the transport.
	_ = h.dialer.remote("device-b").Close()

	waitFor(t, 2*time.Second, func() bool {
		conn := h.manager.Connection("device-b")
		return conn != nil && conn != first
	}, "reconnected after transport drop")

	if h.dialer.dialCount() < 2 {
		t.Fatalf("expected a redial, got %d dials", h.dialer.dialCount())
	}

	replacement := h.manager.Connection("device-b")
	if got := replacement.Stats().Reconnects; got != 1 {
		t.Fatalf("expected 1 recorded reconnect, got %d", got)
	}
	if got := first.Stats().Reconnects; got != 0 {
		t.Fatalf("dropped connection must not count reconnects, got %d", got)
	}
}

func TestConnectWithoutDeviceIDDoesNotRetry(t *testing.T) {
	h := newTestHarness(t, nil)

	_, err := h.manager.Connect(context.Background(), models.Device{})
	if !fault.IsCode(err, fault.ConnectionFailed) {
		t.Fatalf("expected CONNECTION_FAILED, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 0 {
		t.Fatalf("a validation failure must not dial, got %d dials", got)
	}
}

func TestConnectWithCancelledContextDoesNotRetry(t *testing.T) {
	h := newTestHarness(t, nil)
	h.dialer.failAll = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.manager.Connect(ctx, h.remote.Device); err == nil {
		t.Fatalf("expected connect to fail")
	}

	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("a caller-cancelled connect must not redial, got %d dials", got)
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	h := newTestHarness(t, nil)
	h.dialer.failAll = true

	_, err := h.manager.Connect(context.Background(), h.remote.Device)
	if !fault.IsCode(err, fault.ConnectionFailed) {
		t.Fatalf("expected CONNECTION_FAILED, got %v", err)
	}

	// One initial dial plus the bounded retries, then nothing more.
	waitFor(t, 2*time.Second, func() bool { return h.dialer.dialCount() == 4 }, "retries exhausted")
	time.Sleep(60 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 4 {
		t.Fatalf("expected exactly 4 dials, got %d", got)
	}
}

func TestReconnectDelayDoublesPerAttempt(t *testing.T) {
	base := 2 * time.Second
	for attempt, want := range []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	} {
		if got := ReconnectDelay(base, attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestServeAcceptsTrustedInbound(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := newTestHarness(t, func(o *ManagerOptions) { o.Store = store })
	if err := store.SaveDevice(h.remote.Device); err != nil {
		t.Fatalf("save remote device: %v", err)
	}

	listener, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	h.manager.Serve(listener)

	port := listener.Addr().(*net.TCPAddr).Port
	serverDevice := h.local.Device
	serverDevice.IP = "127.0.0.1"
	serverDevice.Port = port

	client, err := TCPDialer{}.Dial(context.Background(), h.remote.Device, serverDevice)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	handshake, err := protocol.NewHandshake("device-b", "device-a", protocol.HandshakeInfo{
		DeviceID:        "device-b",
		DeviceName:      "Phone",
		PublicKey:       h.remote.Device.PublicKey,
		ProtocolVersion: protocol.WireVersion,
	})
	if err != nil {
		t.Fatalf("NewHandshake failed: %v", err)
	}
	encoded, err := h.remoteCodec.Encode(handshake, "device-a")
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if err := client.Send(encoded.Payload); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.manager.Connection("device-b") != nil
	}, "inbound connection registered")

	// The server replies with its own handshake and acknowledges ours.
	sawHandshake, sawAck := false, false
	deadline := time.After(2 * time.Second)
	for !(sawHandshake && sawAck) {
		select {
		case event, ok := <-client.Events():
			if !ok {
				t.Fatalf("client transport closed early")
			}
			if event.Kind != TransportData {
				continue
			}
			message, err := h.remoteCodec.Decode(protocol.Encoded{Payload: event.Data}, "device-a")
			if err != nil {
				t.Fatalf("decode server frame: %v", err)
			}
			switch message.Type {
			case protocol.TypeHandshake:
				sawHandshake = true
			case protocol.TypeAck:
				sawAck = true
			}
		case <-deadline:
			t.Fatalf("missing server reply: handshake=%v ack=%v", sawHandshake, sawAck)
		}
	}
}

func TestServeRejectsUnknownDevice(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := newTestHarness(t, func(o *ManagerOptions) { o.Store = store })
	// The remote device is deliberately not saved to the registry.

	listener, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	h.manager.Serve(listener)

	port := listener.Addr().(*net.TCPAddr).Port
	serverDevice := h.local.Device
	serverDevice.IP = "127.0.0.1"
	serverDevice.Port = port

	client, err := TCPDialer{}.Dial(context.Background(), h.remote.Device, serverDevice)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	handshake, err := protocol.NewHandshake("device-b", "device-a", protocol.HandshakeInfo{DeviceID: "device-b"})
	if err != nil {
		t.Fatalf("NewHandshake failed: %v", err)
	}
	encoded, err := h.remoteCodec.Encode(handshake, "device-a")
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if err := client.Send(encoded.Payload); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	waitForClosed(t, client)
	if h.manager.Connection("device-b") != nil {
		t.Fatalf("untrusted device must not be registered")
	}
}

func TestServeRejectsPlaintextHandshake(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := newTestHarness(t, func(o *ManagerOptions) { o.Store = store })
	if err := store.SaveDevice(h.remote.Device); err != nil {
		t.Fatalf("save remote device: %v", err)
	}

	listener, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	h.manager.Serve(listener)

	port := listener.Addr().(*net.TCPAddr).Port
	serverDevice := h.local.Device
	serverDevice.IP = "127.0.0.1"
	serverDevice.Port = port

	client, err := TCPDialer{}.Dial(context.Background(), h.remote.Device, serverDevice)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	handshake, err := protocol.NewHandshake("device-b", "device-a", protocol.HandshakeInfo{
		DeviceID:        "device-b",
		DeviceName:      "Phone",
		PublicKey:       h.remote.Device.PublicKey,
		ProtocolVersion: protocol.WireVersion,
	})
	if err != nil {
		t.Fatalf("NewHandshake failed: %v", err)
	}

	// A codec without a session key produces a plaintext frame. Claiming a
	// trusted identity in the clear must not open a session.
	keyless := protocol.NewCodec(protocol.CodecOptions{})
	encoded, err := keyless.Encode(handshake, "device-a")
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if encoded.Encrypted {
		t.Fatalf("test frame must be plaintext")
	}
	if err := client.Send(encoded.Payload); err != nil {
		t.Fatalf("send handshake: %v", err)
	}

	waitForClosed(t, client)
	if h.manager.Connection("device-b") != nil {
		t.Fatalf("plaintext handshake must not be registered")
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	h := newTestHarness(t, nil)
	h.connect(t)

	if err := h.manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.manager.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
