package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/protoerr"
)

type noopHandler struct{}

func (noopHandler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error { return nil }
func (noopHandler) OnClose(c *conn.Connection)                                       {}

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	_, server := net.Pipe()
	c := conn.New(server, noopHandler{}, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestSendResolvedByDispatch(t *testing.T) {
	d := New()
	c := newTestConn(t)

	want := &proto.AnswerBeginTransaction{TID: 42}
	done := make(chan struct{})
	var got proto.Packet
	var gotErr error
	go func() {
		got, gotErr = d.Send(context.Background(), c, &proto.AskBeginTransaction{})
		close(done)
	}()

	// Wait until the request is registered, then resolve it as the read
	// loop would after receiving the matching answer.
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	var resolved bool
	for id := uint32(1); id <= 4 && !resolved; id++ {
		resolved = d.Dispatch(c, id, want)
	}
	require.True(t, resolved)

	<-done
	require.NoError(t, gotErr)
	assert.Equal(t, want, got)
}

func TestSendErrorPacketBecomesGoError(t *testing.T) {
	d := New()
	c := newTestConn(t)

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = d.Send(context.Background(), c, &proto.AskObject{})
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)
	for id := uint32(1); id <= 4; id++ {
		if d.Dispatch(c, id, proto.NewError(protoerr.ErrOIDNotFound)) {
			break
		}
	}
	<-done
	assert.ErrorIs(t, gotErr, protoerr.ErrOIDNotFound)
}

func TestCancelDeliversConnectionLost(t *testing.T) {
	d := New()
	c := newTestConn(t)

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = d.Send(context.Background(), c, &proto.AskPrimary{})
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)
	d.Cancel(c)
	<-done
	assert.Error(t, gotErr)
	assert.Equal(t, 0, d.Pending())
}

func TestSendTimesOutOnContextDeadline(t *testing.T) {
	d := New()
	c := newTestConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := d.Send(ctx, c, &proto.AskPrimary{})
	assert.ErrorIs(t, err, protoerr.ErrTimeout)
}

func TestDispatchUnknownIDIsNoop(t *testing.T) {
	d := New()
	c := newTestConn(t)
	assert.False(t, d.Dispatch(c, 999, &proto.AskPrimary{}))
}

func TestForgetDropsLateAnswerSilently(t *testing.T) {
	d := New()
	c := newTestConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, _ = d.Send(ctx, c, &proto.AskPrimary{})

	d.Forget(c, 1)
	assert.True(t, d.Dispatch(c, 1, &proto.AnswerPrimary{}))
}
