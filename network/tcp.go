package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"portalfusion/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MiB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultDialTimeout bounds the TCP dial when the context has no deadline.
	DefaultDialTimeout = 10 * time.Second
)

// ErrFrameTooLarge indicates a frame payload exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("network: frame exceeds max size")

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// tcpConn adapts a framed TCP socket to the Conn contract. The read loop is
// the only writer to the events channel and closes it after delivering the
// terminal TransportClosed event.
type tcpConn struct {
	conn net.Conn

	sendMu sync.Mutex

	events chan TransportEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPConn(conn net.Conn) *tcpConn {
	t := &tcpConn{
		conn:   conn,
		events: make(chan TransportEvent, 64),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *tcpConn) Send(payload []byte) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := writeFrame(t.conn, payload); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

func (t *tcpConn) Events() <-chan TransportEvent {
	return t.events
}

func (t *tcpConn) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
	return nil
}

func (t *tcpConn) readLoop() {
	defer close(t.events)

	for {
		payload, err := readFrame(t.conn)
		if err != nil {
			closedLocally := false
			select {
			case <-t.closed:
				closedLocally = true
			default:
			}

			if !closedLocally && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.emitTerminal(TransportEvent{Kind: TransportError, Err: err})
			}
			_ = t.Close()
			t.emitTerminal(TransportEvent{Kind: TransportClosed})
			return
		}

		if len(payload) == 0 {
			continue
		}

		// Block for live-but-slow consumers, but never past local close:
		// a consumer that stopped draining would otherwise pin this
		// goroutine forever.
		select {
		case t.events <- TransportEvent{Kind: TransportData, Data: payload}:
		case <-t.closed:
			t.emitTerminal(TransportEvent{Kind: TransportClosed})
			return
		}
	}
}

// emitTerminal delivers a teardown event without blocking. Dropping it when
// the buffer is full is safe: the events channel is closed right after, and
// consumers treat the close as terminal too.
func (t *tcpConn) emitTerminal(event TransportEvent) {
	select {
	case t.events <- event:
	default:
	}
}

// TCPDialer opens framed TCP connections to a device's advertised endpoint.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, _, remote models.Device) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", remote.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", remote.Endpoint(), err)
	}
	return newTCPConn(conn), nil
}

// Listener accepts inbound framed TCP connections.
type Listener struct {
	listener net.Listener

	incoming chan Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string) (*Listener, error) {
	if address == "" {
		address = ":0"
	}

	netListener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: netListener,
		incoming: make(chan Conn, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Incoming returns accepted transport connections.
func (l *Listener) Incoming() <-chan Conn {
	return l.incoming
}

// Close stops accepting and closes the incoming channel.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				continue
			}
		}

		select {
		case l.incoming <- newTCPConn(conn):
		case <-l.closed:
			_ = conn.Close()
			return
		}
	}
}
