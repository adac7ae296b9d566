// Package dispatch implements the client-side request/response correlation
// façade: callers block on Send while the connection's read loop resolves
// the matching waiter as answers arrive.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/protoerr"
)

type slot struct {
	result chan proto.Packet
}

// Dispatcher correlates outbound requests with their answers across one or
// more Connections. A single Dispatcher can serve every connection a node
// holds; slots are keyed by (connection pointer, request id) so ids only
// need to be unique per connection.
type Dispatcher struct {
	mu    sync.Mutex
	slots map[key]*slot
	// forgotten marks requests whose caller no longer waits for an answer.
	forgotten map[key]bool
}

type key struct {
	c  *conn.Connection
	id uint32
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{slots: make(map[key]*slot)}
}

// Send writes p on c with a freshly allocated request id and blocks until a
// matching Dispatch call resolves it, ctx is done, or the connection is
// lost (via Cancel).
func (d *Dispatcher) Send(ctx context.Context, c *conn.Connection, p proto.Packet) (proto.Packet, error) {
	id := c.NextID()
	s := &slot{result: make(chan proto.Packet, 1)}

	k := key{c, id}
	d.mu.Lock()
	d.slots[k] = s
	d.mu.Unlock()
	metrics.DispatcherPendingRequests.Inc()

	defer func() {
		d.mu.Lock()
		delete(d.slots, k)
		d.mu.Unlock()
		metrics.DispatcherPendingRequests.Dec()
	}()

	if err := c.Send(ctx, id, p); err != nil {
		return nil, err
	}

	select {
	case answer := <-s.result:
		if answer == nil {
			return nil, fmt.Errorf("dispatch: connection lost waiting for answer: %w", protoerr.ErrInternal)
		}
		if errPacket, ok := answer.(*proto.Error); ok {
			return nil, fmt.Errorf("dispatch: %w", protoerr.ForCode(errPacket.Code))
		}
		return answer, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dispatch: %w", protoerr.ErrTimeout)
	}
}

// Dispatch resolves the waiter registered for (c, id) with p. It is called
// from a connection's read loop for every received packet and reports
// whether p was consumed. A late answer to a forgotten request is consumed
// and silently dropped; for any other id with no registered waiter (a stray
// duplicate, or a packet that is not an answer) it returns false and leaves
// p to the connection's handler.
func (d *Dispatcher) Dispatch(c *conn.Connection, id uint32, p proto.Packet) bool {
	k := key{c, id}
	d.mu.Lock()
	s, ok := d.slots[k]
	if !ok && d.forgotten[k] {
		delete(d.forgotten, k)
		d.mu.Unlock()
		return true
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.result <- p:
	default:
	}
	return true
}

// Cancel delivers a nil (connection-lost) sentinel to every waiter pending
// on c, then forgets them. Called once a connection closes or aborts.
func (d *Dispatcher) Cancel(c *conn.Connection) {
	d.mu.Lock()
	var affected []*slot
	for k, s := range d.slots {
		if k.c == c {
			affected = append(affected, s)
			delete(d.slots, k)
		}
	}
	d.mu.Unlock()

	for _, s := range affected {
		select {
		case s.result <- nil:
		default:
		}
	}
}

// Forget marks the slot for (c, id) so a late-arriving answer is dropped
// without being treated as a protocol violation, without needing an active
// waiter blocked on it.
func (d *Dispatcher) Forget(c *conn.Connection, id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{c, id}
	delete(d.slots, k)
	if d.forgotten == nil {
		d.forgotten = make(map[key]bool)
	}
	d.forgotten[k] = true
}

// Pending reports how many requests are currently awaiting an answer
// across every connection, exported for pkg/metrics' gauge.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}
