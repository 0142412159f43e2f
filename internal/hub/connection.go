// ABOUTME: A single accepted WebSocket session with a bounded outbound queue
// ABOUTME: Send never blocks; a writer goroutine drains Outbound() in order

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes messaging connections from deploy stream subscribers.
type Mode string

const (
	ModeMessaging        Mode = "messaging"
	ModeDeploySubscriber Mode = "deploy-subscriber"
)

// DefaultChannel is used when a connection path names no channel.
const DefaultChannel = "default"

// outboundBufferSize bounds the frames queued for a single peer.
const outboundBufferSize = 64

var (
	// ErrConnectionClosed is returned when sending to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a peer is not draining its frames.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Connection is one accepted WebSocket session.
// For deploy subscribers Channel holds the application name.
type Connection struct {
	ID          string
	Channel     string
	Mode        Mode
	ConnectedAt time.Time

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a connection with a fresh id.
func NewConnection(channel string, mode Mode) *Connection {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Connection{
		ID:          uuid.New().String(),
		Channel:     channel,
		Mode:        mode,
		ConnectedAt: time.Now().UTC(),
		out:         make(chan []byte, outboundBufferSize),
		done:        make(chan struct{}),
	}
}

// ConnID returns the connection id.
func (c *Connection) ConnID() string {
	return c.ID
}

// Send marshals v to JSON and queues it for the writer.
// It returns ErrConnectionClosed or ErrSendBufferFull instead of blocking.
func (c *Connection) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw queues an already-encoded frame.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Outbound returns the queue of encoded frames for the writer goroutine.
func (c *Connection) Outbound() <-chan []byte {
	return c.out
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Safe to call multiple times.
// The outbound channel is never closed, so concurrent senders cannot panic.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
