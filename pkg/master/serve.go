package master

import (
	"context"
	"net"

	"github.com/e42s/neoppod/pkg/neo/conn"
)

// Serve accepts connections on listener and installs the operation handler
// on each one, the primary master's steady-state counterpart to
// Elector.Run's election-phase accept loop. It blocks until ctx is
// canceled or the listener fails, closing listener on cancellation so the
// Accept loop unblocks.
func Serve(ctx context.Context, m *Master, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		conn.New(nc, &OperationHandler{M: m}, m.Log)
	}
}
