// Package transport provides the client side of the relay connection:
// a persistent bidirectional envelope stream over WebSocket, with an
// HTTP long-poll fallback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whiteboard/internal/protocol"
)

// HandshakeTimeout bounds how long opening a connection may take. It is
// sized for a relay that is still cold-starting.
const HandshakeTimeout = 20 * time.Second

// Reason explains why a connection ended
type Reason string

const (
	ReasonServerDisconnect Reason = "io server disconnect"
	ReasonClientDisconnect Reason = "io client disconnect"
	ReasonTransportClose   Reason = "transport close"
	ReasonTransportError   Reason = "transport error"
	ReasonPingTimeout      Reason = "ping timeout"
)

var (
	ErrClosed    = errors.New("transport: connection closed")
	ErrHandshake = errors.New("transport: bad handshake")
)

// Conn is an open connection to the relay. Inbound delivers envelopes in
// the order the relay sent them. Send never blocks and never drops: it
// fails only once the connection has ended. Once Done is closed Reason
// reports why; envelopes already buffered on Inbound remain readable.
type Conn interface {
	ID() string
	Send(env protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Done() <-chan struct{}
	Reason() Reason
	Close() error
}

// Dialer opens connections to the relay at baseURL.
type Dialer interface {
	Dial(ctx context.Context, baseURL string) (Conn, error)
}

// Fallback tries each dialer in turn and returns the first connection
// that opens.
type Fallback []Dialer

// Default is WebSocket first, long-polling second.
func Default() Fallback {
	return Fallback{&WebSocketDialer{}, &PollingDialer{}}
}

func (f Fallback) Dial(ctx context.Context, baseURL string) (Conn, error) {
	var errs []error
	for _, d := range f {
		conn, err := d.Dial(ctx, baseURL)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("transport: no dialers configured")
	}
	return nil, errors.Join(errs...)
}

const inboundBuffer = 256

// link is the buffered state shared by every Conn implementation.
// Outbound envelopes wait in an unbounded FIFO until the write side
// takes them.
type link struct {
	id      string
	inbound chan protocol.Envelope
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	reason  Reason
	pending []protocol.Envelope
}

func newLink(id string) *link {
	return &link{
		id:      id,
		inbound: make(chan protocol.Envelope, inboundBuffer),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (l *link) ID() string { return l.id }

func (l *link) Inbound() <-chan protocol.Envelope { return l.inbound }

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Reason() Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Send queues env for the write side without blocking.
func (l *link) Send(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	l.pending = append(l.pending, env)
	select {
	case l.ready <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns everything Send has queued, oldest first.
func (l *link) take() []protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.pending
	l.pending = nil
	return batch
}

// deliver hands an inbound envelope to the consumer. It reports false
// once the link is finished.
func (l *link) deliver(env protocol.Envelope) bool {
	select {
	case l.inbound <- env:
		return true
	case <-l.done:
		return false
	}
}

// finish records the first reason the link ended and closes done.
func (l *link) finish(reason Reason) {
	l.once.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.done)
	})
}
