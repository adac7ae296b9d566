package storage

import (
	"context"
	"net"

	"github.com/e42s/neoppod/pkg/neo/conn"
)

// Serve accepts connections on listener — from the master, from clients,
// and from peer storages — and installs the operation handler on each
// one. It blocks until ctx is canceled or the listener fails.
func Serve(ctx context.Context, r *Role, listener net.Listener) error {
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
		conn.New(nc, &OperationHandler{R: r}, r.Log)
	}
}
