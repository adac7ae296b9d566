package conn

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/proto"
)

type recordingHandler struct {
	mu      sync.Mutex
	packets []proto.Packet
	closed  bool
	reject  bool
}

func (h *recordingHandler) HandlePacket(c *Connection, id uint32, p proto.Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject {
		return assertErr
	}
	h.packets = append(h.packets, p)
	return nil
}

func (h *recordingHandler) OnClose(c *Connection) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func (h *recordingHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var assertErr = errNotReady{}

type errNotReady struct{}

func (errNotReady) Error() string { return "rejected" }

func TestConnectionSendDelivers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := &recordingHandler{}
	sc := New(server, h, zerolog.Nop())
	defer sc.Close()

	go proto.WriteFrame(bufio.NewWriter(client), proto.Encode(1, &proto.AskPrimary{}))

	assert.Eventually(t, func() bool { return h.count() == 1 }, time.Second, time.Millisecond)
}

func TestConnectionAbortClosesAndNotifies(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := &recordingHandler{}
	sc := New(server, h, zerolog.Nop())

	sc.Abort(assertErr)

	assert.Eventually(t, func() bool { return h.isClosed() }, time.Second, time.Millisecond)
	assert.Equal(t, StateAborted, sc.State())
}

func TestConnectionSendRespectsContextCancellation(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &recordingHandler{}
	sc := New(server, h, zerolog.Nop())
	defer sc.Close()

	// Fill the bounded queue so the next Send would block, then cancel.
	for i := 0; i < sendQueueDepth; i++ {
		sc.sendCh <- proto.Frame{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := sc.Send(ctx, 1, &proto.AskPrimary{})
	require.Error(t, err)
}

func TestConnectionNextIDMonotonic(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()
	sc := New(server, &recordingHandler{}, zerolog.Nop())
	defer sc.Close()

	a := sc.NextID()
	b := sc.NextID()
	assert.Less(t, a, b)
}
