// Package conn implements the connection state machine of the cluster protocol:
// a net.Conn wrapped with an explicit lifecycle, a single writer goroutine
// draining a bounded outbound queue, and a swappable per-phase Handler.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// State is a connection's position in the CONNECTING -> CONNECTED ->
// IDENTIFIED -> CLOSED|ABORTED lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateIdentified
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateIdentified:
		return "IDENTIFIED"
	case StateClosed:
		return "CLOSED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Handler reacts to packets received on a Connection. Exactly one Handler
// is active at a time; Connection.SetHandler swaps it as the connection
// advances phases (e.g. identification handler -> steady-state handler).
type Handler interface {
	// HandlePacket processes one inbound packet. Returning an error aborts
	// the connection after sending an Error packet built from it.
	HandlePacket(c *Connection, id uint32, p proto.Packet) error

	// OnClose is called once, from the read loop, when the connection is
	// going away (either peer closed it or it was aborted locally).
	OnClose(c *Connection)
}

const sendQueueDepth = 256

// Connection wraps one net.Conn plus the framing, phase, and delivery
// machinery every NEO peer connection needs regardless of role.
type Connection struct {
	nc   net.Conn
	peer ids.UUID

	mu      sync.Mutex
	state   State
	handler Handler

	sendCh  chan proto.Frame
	closeCh chan struct{}
	closeOnce sync.Once

	nextID atomic.Uint32

	log zerolog.Logger
}

// New wraps nc as a fresh Connection in CONNECTING state and starts its
// reader and writer goroutines. handler processes the first phase
// (typically identification).
func New(nc net.Conn, handler Handler, log zerolog.Logger) *Connection {
	c := &Connection{
		nc:      nc,
		state:   StateConnecting,
		handler: handler,
		sendCh:  make(chan proto.Frame, sendQueueDepth),
		closeCh: make(chan struct{}),
		log:     log.With().Str("remote", nc.RemoteAddr().String()).Logger(),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState advances the connection's lifecycle state under its handler
// mutex. Callers are expected to only move it forward.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetHandler swaps the active Handler, used when a connection moves
// between protocol phases (e.g. once identification completes).
func (c *Connection) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Peer returns the UUID this connection identified as, or the zero UUID
// before identification completes.
func (c *Connection) Peer() ids.UUID { return c.peer }

// SetPeer records the UUID this connection identified as.
func (c *Connection) SetPeer(u ids.UUID) { c.peer = u }

// NextID allocates a fresh request correlation id for an outbound request.
func (c *Connection) NextID() uint32 { return c.nextID.Add(1) }

// Send enqueues p for delivery with the given correlation id. While the
// outbound queue is full it blocks, but never past ctx's deadline (returning
// ctx.Err()) or the connection's closing (returning an ErrInternal-wrapping
// error).
func (c *Connection) Send(ctx context.Context, id uint32, p proto.Packet) error {
	select {
	case c.sendCh <- proto.Encode(id, p):
		return nil
	case <-c.closeCh:
		return fmt.Errorf("conn: send on closed connection: %w", protoerr.ErrInternal)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort closes the connection immediately after queueing an Error frame,
// matching the cluster protocol "malformed or unexpected packet -> Error, then
// abort" handling.
func (c *Connection) Abort(err error) {
	c.SetState(StateAborted)
	select {
	case c.sendCh <- proto.Encode(0, proto.NewError(err)):
	default:
	}
	c.Close()
}

// Close tears the connection down idempotently.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateAborted {
			c.state = StateClosed
		}
		c.mu.Unlock()
		close(c.closeCh)
		c.nc.Close()
	})
}

func (c *Connection) writeLoop() {
	w := bufio.NewWriter(c.nc)
	for {
		select {
		case f := <-c.sendCh:
			if err := proto.WriteFrame(w, f); err != nil {
				c.log.Debug().Err(err).Msg("conn: write frame failed")
				c.Close()
				return
			}
			if err := w.Flush(); err != nil {
				c.log.Debug().Err(err).Msg("conn: flush failed")
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("conn: handler panicked, aborting connection")
			c.Abort(protoerr.ErrInternal)
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnClose(c)
		}
	}()

	r := bufio.NewReader(c.nc)
	for {
		f, err := proto.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("conn: read frame failed")
			}
			c.Close()
			return
		}

		p, err := proto.Decode(f)
		if err != nil {
			c.log.Warn().Err(err).Msg("conn: malformed packet")
			c.Abort(protoerr.ErrProtocol)
			return
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()

		if h == nil {
			continue
		}
		if err := h.HandlePacket(c, f.ID, p); err != nil {
			c.log.Warn().Err(err).Uint32("id", f.ID).Msg("conn: handler rejected packet")
			c.Abort(err)
			return
		}
	}
}
