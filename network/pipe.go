package network

import (
	"net"
	"sync"
)

// Pipe returns two connected in-memory transport connections. Frames sent on
// one end surface as TransportData events on the other. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	a := newPipeConn()
	b := newPipeConn()
	a.peer = b
	b.peer = a
	return a, b
}

type pipeConn struct {
	peer *pipeConn

	events chan TransportEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		events: make(chan TransportEvent, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) Send(payload []byte) error {
	data := append([]byte(nil), payload...)
	select {
	case <-p.closed:
		return net.ErrClosed
	case <-p.peer.closed:
		return net.ErrClosed
	case p.peer.events <- TransportEvent{Kind: TransportData, Data: data}:
		return nil
	}
}

func (p *pipeConn) Events() <-chan TransportEvent {
	return p.events
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.events <- TransportEvent{Kind: TransportClosed}
		_ = p.peer.Close()
	})
	return nil
}
