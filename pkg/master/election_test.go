package master

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/dispatch"
	"github.com/e42s/neoppod/pkg/neo/ids"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// TestElectionLowestUUIDWins starts two masters configured with each
// other's addresses and checks that the one with the numerically smaller
// UUID ends up primary on both sides.
func TestElectionLowestUUIDWins(t *testing.T) {
	lA := listen(t)
	lB := listen(t)

	var uA, uB ids.UUID
	uA[0], uB[0] = byte(ids.NodeRole(1)), byte(ids.NodeRole(1))
	uA[15], uB[15] = 1, 2 // uA < uB lexically

	cfgA := Config{UUID: uA, Address: lA.Addr().String(), ClusterName: "c1", Peers: []string{lA.Addr().String(), lB.Addr().String()}}
	cfgB := Config{UUID: uB, Address: lB.Addr().String(), ClusterName: "c1", Peers: []string{lA.Addr().String(), lB.Addr().String()}}

	eA := NewElector(cfgA, dispatch.New(), zerolog.Nop())
	eB := NewElector(cfgB, dispatch.New(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type out struct {
		res Result
		err error
	}
	chA := make(chan out, 1)
	chB := make(chan out, 1)
	go func() { r, err := eA.Run(ctx, lA); chA <- out{r, err} }()
	go func() { r, err := eB.Run(ctx, lB); chB <- out{r, err} }()

	oa := <-chA
	ob := <-chB
	require.NoError(t, oa.err)
	require.NoError(t, ob.err)

	require.Equal(t, uA, oa.res.PrimaryUUID)
	require.Equal(t, uA, ob.res.PrimaryUUID)
	require.True(t, oa.res.IsPrimary)
	require.False(t, ob.res.IsPrimary)
}
