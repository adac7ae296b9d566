package admin

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/master"
	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/node"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
)

// newTestAdmin wires an Admin directly to a real master.Master over a
// net.Pipe, bypassing DialPrimary's TCP dial the way pkg/client's tests
// bypass it for storage connections.
func newTestAdmin(t *testing.T) (*Admin, *master.Master) {
	t.Helper()
	m := master.New(ids.NewUUID(ids.RoleMaster), "prod", 4, 1, 0, zerolog.Nop())

	a := New(ids.NewUUID(ids.RoleAdmin), "prod", zerolog.Nop())

	server, client := net.Pipe()
	clientConn := conn.New(client, &Handler{A: a}, zerolog.Nop())
	t.Cleanup(clientConn.Close)
	serverConn := conn.New(server, &master.OperationHandler{M: m}, zerolog.Nop())
	t.Cleanup(serverConn.Close)

	ans, err := a.D.Send(context.Background(), clientConn, &proto.RequestIdentification{
		UUID: a.Self, Role: ids.RoleAdmin, ClusterName: "prod",
	})
	require.NoError(t, err)
	accept := ans.(*proto.AcceptIdentification)
	clientConn.SetPeer(accept.YourUUID)
	clientConn.SetState(conn.StateIdentified)

	a.mu.Lock()
	a.masterConn = clientConn
	a.mu.Unlock()

	return a, m
}

func TestClusterStateRoundTrip(t *testing.T) {
	a, _ := newTestAdmin(t)
	ctx := context.Background()

	state, err := a.ClusterState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(master.StateRecovering), state)
}

func TestSetClusterStateAppliesValidTransition(t *testing.T) {
	a, m := newTestAdmin(t)
	ctx := context.Background()

	state, err := a.SetClusterState(ctx, uint8(master.StateVerifying))
	require.NoError(t, err)
	assert.Equal(t, uint8(master.StateVerifying), state)
	assert.Equal(t, master.StateVerifying, m.FSM.State())
}

func TestSetClusterStateRejectsIllegalTransition(t *testing.T) {
	a, _ := newTestAdmin(t)
	ctx := context.Background()

	_, err := a.SetClusterState(ctx, uint8(master.StateBackingUp))
	assert.Error(t, err, "RECOVERING -> BACKINGUP is not in the transition table")
}

func TestNodeListReflectsIdentifiedAdmin(t *testing.T) {
	a, _ := newTestAdmin(t)
	nodes, err := a.NodeList(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, a.Self, nodes[0].UUID)
	assert.Equal(t, ids.RoleAdmin, nodes[0].Role)
}

func TestAddPendingNodesPromotesToRunning(t *testing.T) {
	a, m := newTestAdmin(t)
	ctx := context.Background()

	storageUUID := ids.NewUUID(ids.RoleStorage)
	m.NM.Apply(proto.NodeInfo{UUID: storageUUID, Role: ids.RoleStorage, Address: "127.0.0.1:1", State: 0})

	nodes, err := a.AddPendingNodes(ctx, []ids.UUID{storageUUID})
	require.NoError(t, err)

	var found bool
	for _, n := range nodes {
		if n.UUID == storageUUID {
			found = true
			assert.Equal(t, uint8(node.StateRunning), n.State)
		}
	}
	assert.True(t, found)
}

func TestTweakPartitionTableAssignsRunningStorages(t *testing.T) {
	a, m := newTestAdmin(t)
	ctx := context.Background()

	storageUUID := ids.NewUUID(ids.RoleStorage)
	m.NM.Apply(proto.NodeInfo{UUID: storageUUID, Role: ids.RoleStorage, Address: "127.0.0.1:1", State: uint8(node.StateRunning)})

	ptid, rows, err := a.TweakPartitionTable(ctx, nil)
	require.NoError(t, err)
	assert.NotZero(t, ptid)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		require.NotEmpty(t, row.Cells)
		assert.Equal(t, storageUUID, row.Cells[0].NodeUUID)
	}
}

func TestDropNodeForgetsNode(t *testing.T) {
	a, m := newTestAdmin(t)
	ctx := context.Background()

	storageUUID := ids.NewUUID(ids.RoleStorage)
	m.NM.Apply(proto.NodeInfo{UUID: storageUUID, Role: ids.RoleStorage, Address: "127.0.0.1:1", State: uint8(node.StateRunning)})

	nodes, err := a.DropNode(ctx, storageUUID)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.NotEqual(t, storageUUID, n.UUID)
	}
}

func TestPartitionRowsMatchesLiveTable(t *testing.T) {
	a, m := newTestAdmin(t)
	storageUUID := ids.NewUUID(ids.RoleStorage)
	m.PT.ReplaceAll(1, [][]pt.Cell{
		{{Node: storageUUID, State: pt.CellUpToDate}},
		{{Node: storageUUID, State: pt.CellUpToDate}},
		{{Node: storageUUID, State: pt.CellUpToDate}},
		{{Node: storageUUID, State: pt.CellUpToDate}},
	})

	ptid, rows, err := a.PartitionRows(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, ptid)
	assert.Len(t, rows, 4)
}

func TestPackForwardsToEveryStorage(t *testing.T) {
	a, m := newTestAdmin(t)

	// No storages connected: forwardPack sums over an empty set.
	reclaimed, err := a.Pack(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), reclaimed)
	_ = m
}

func TestPrimaryReflectsAnsweredUUID(t *testing.T) {
	a, m := newTestAdmin(t)
	// The operation handler (what this harness wires) runs only on the
	// primary, so it answers AskPrimary with its own UUID.
	uuid, err := a.Primary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.Self, uuid)
}
