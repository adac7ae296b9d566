package storage

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/dispatch"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
)

// testPair opens a connected pair, wraps the server half as a
// conn.Connection running h, and returns a reader over the client half so
// the test can read back whatever h.HandlePacket sends.
func testPair(t *testing.T, h conn.Handler) (*conn.Connection, *bufio.Reader) {
	t.Helper()
	client, server := net.Pipe()
	c := conn.New(server, h, zerolog.Nop())
	t.Cleanup(c.Close)
	return c, bufio.NewReader(client)
}

func readAnswer(t *testing.T, r *bufio.Reader) proto.Packet {
	t.Helper()
	f, err := proto.ReadFrame(r)
	require.NoError(t, err)
	p, err := proto.Decode(f)
	require.NoError(t, err)
	return p
}

func newTestRole(t *testing.T, p, r uint32) *Role {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRole(ids.NewUUID(ids.RoleStorage), "prod", store, p, r, zerolog.Nop())
}

func TestHandleAskObjectReturnsLatestAtOrBeforeTID(t *testing.T) {
	role := newTestRole(t, 1, 1)
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 10, DataID: mustPutData(t, role.Store, []byte("v1"))}))
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 20, DataID: mustPutData(t, role.Store, []byte("v2"))}))

	h := &OperationHandler{R: role}
	c, r := testPair(t, h)

	require.NoError(t, h.HandlePacket(c, 1, &proto.AskObject{OID: proto.OIDAt{OID: 1, At: 15}}))
	ans := readAnswer(t, r).(*proto.AnswerObject)
	assert.Equal(t, ids.TID(10), ans.Serial)
	assert.Equal(t, ids.TID(20), ans.NextSerial)
	assert.Equal(t, []byte("v1"), ans.Data)
}

func mustPutData(t *testing.T, s *Store, b []byte) uint64 {
	t.Helper()
	id, err := s.PutData([20]byte{byte(len(b))}, 0, b)
	require.NoError(t, err)
	return id
}

func TestHandleAskStoreObjectFlagsConflict(t *testing.T) {
	role := newTestRole(t, 1, 1)
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 100, DataID: mustPutData(t, role.Store, []byte("committed"))}))

	h := &OperationHandler{R: role}
	c, r := testPair(t, h)

	require.NoError(t, h.HandlePacket(c, 1, &proto.AskStoreObject{OID: 1, Serial: 50, TTID: 200, Data: []byte("new")}))
	ans := readAnswer(t, r).(*proto.AnswerStoreObject)
	assert.True(t, ans.Conflict)
	assert.Equal(t, ids.TID(100), ans.Latest)

	staged, err := role.Store.StagedObjects(200)
	require.NoError(t, err)
	assert.Contains(t, staged, ids.OID(1))
}

func TestHandleAskStoreObjectNoConflictWhenSerialMatchesLatest(t *testing.T) {
	role := newTestRole(t, 1, 1)
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 100}))

	h := &OperationHandler{R: role}
	c, r := testPair(t, h)

	require.NoError(t, h.HandlePacket(c, 1, &proto.AskStoreObject{OID: 1, Serial: 100, TTID: 200, Data: []byte("new")}))
	ans := readAnswer(t, r).(*proto.AnswerStoreObject)
	assert.False(t, ans.Conflict)
}

func TestUnlockInformationSplitsStagedOIDsByPartition(t *testing.T) {
	role := newTestRole(t, 4, 1)
	ttid := ids.TID(500)

	// OIDs land in different partitions (partition = oid % p).
	require.NoError(t, role.Store.StageObject(ttid, 0, mustPutData(t, role.Store, []byte("a")), false, 0))
	require.NoError(t, role.Store.StageObject(ttid, 1, mustPutData(t, role.Store, []byte("b")), false, 0))
	require.NoError(t, role.Store.StageObject(ttid, 2, mustPutData(t, role.Store, []byte("c")), false, 0))

	h := &OperationHandler{R: role}
	c, _ := testPair(t, h)

	require.NoError(t, h.HandlePacket(c, 0, &proto.LockInformation{TID: ttid}))
	require.NoError(t, h.HandlePacket(c, 0, &proto.UnlockInformation{TID: ttid}))

	for oid := ids.OID(0); oid < 3; oid++ {
		rec, err := role.Store.Load(uint32(oid)%4, oid, ttid)
		require.NoError(t, err, "oid %d", oid)
		assert.Equal(t, ttid, rec.TID)
	}

	staged, err := role.Store.StagedObjects(ttid)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestHandleAskDigestMatchesLocalDigest(t *testing.T) {
	role := newTestRole(t, 1, 1)
	require.NoError(t, role.Store.StoreTrans(TransRecord{Partition: 0, TID: 10}))
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 10}))

	h := &OperationHandler{R: role}
	c, r := testPair(t, h)

	require.NoError(t, h.HandlePacket(c, 1, &proto.AskDigest{Partition: 0, MinTID: 0, MaxTID: 100}))
	ans := readAnswer(t, r).(*proto.AnswerDigest)

	want, err := role.Store.LocalDigest(0, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, want.TIDChunks, ans.TIDChunks)
	assert.Equal(t, want.OIDChunks, ans.OIDChunks)
}

func TestHandlePackOnlyReclaimsOwnedPartitions(t *testing.T) {
	role := newTestRole(t, 2, 1)
	role.PT.ReplaceAll(1, [][]pt.Cell{
		{{Node: role.Self, State: pt.CellUpToDate}},
		{{Node: ids.NewUUID(ids.RoleStorage), State: pt.CellUpToDate}},
	})

	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 0, TID: 10, DataID: mustPutData(t, role.Store, []byte("old"))}))
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 0, TID: 20, DataID: mustPutData(t, role.Store, []byte("new"))}))
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 1, OID: 1, TID: 10}))
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 1, OID: 1, TID: 20}))

	h := &OperationHandler{R: role}
	c, r := testPair(t, h)

	require.NoError(t, h.HandlePacket(c, 1, &proto.Pack{TID: 20}))
	ans := readAnswer(t, r).(*proto.AnswerPack)
	assert.Equal(t, uint32(1), ans.Reclaimed)

	hist, err := role.Store.History(1, 1, 0, unboundedHistory)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "partition 1 is not owned by this node, pack must leave it alone")
}

// dispatchOnlyHandler is the client side of a WirePeer test wire: every
// incoming frame is either a pending answer (handed to the dispatcher) or
// unexpected, since this side never serves requests itself.
type dispatchOnlyHandler struct{ d *dispatch.Dispatcher }

func (h dispatchOnlyHandler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error {
	h.d.Dispatch(c, id, p)
	return nil
}
func (dispatchOnlyHandler) OnClose(c *conn.Connection) {}

// newWirePeerPair wires a real OperationHandler on one end of a pipe and a
// dispatch-only handler on the other, so a WirePeer driven through the
// dispatching end exercises the handler's replication/digest-serving
// packets over the wire exactly as two storages would.
func newWirePeerPair(t *testing.T, role *Role) *WirePeer {
	t.Helper()
	server, client := net.Pipe()
	h := &OperationHandler{R: role}
	serverConn := conn.New(server, h, zerolog.Nop())
	t.Cleanup(serverConn.Close)
	clientConn := conn.New(client, dispatchOnlyHandler{d: role.D}, zerolog.Nop())
	t.Cleanup(clientConn.Close)
	return &WirePeer{D: role.D, C: clientConn}
}

func TestWirePeerServesReplicationFamily(t *testing.T) {
	role := newTestRole(t, 1, 1)
	require.NoError(t, role.Store.StoreTrans(TransRecord{Partition: 0, TID: 10, User: "alice"}))
	require.NoError(t, role.Store.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 10, DataID: mustPutData(t, role.Store, []byte("v1"))}))

	peer := newWirePeerPair(t, role)
	ctx := context.Background()

	tids, err := peer.TIDsFrom(ctx, 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []ids.TID{10}, tids)

	trans, err := peer.TransactionInformation(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", trans.User)

	oids, err := peer.OIDsFrom(ctx, 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []ids.OID{1}, oids)

	data, _, _, deleted, err := peer.Object(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, []byte("v1"), data)
}

func TestWirePeerDigest(t *testing.T) {
	role := newTestRole(t, 1, 1)
	require.NoError(t, role.Store.StoreTrans(TransRecord{Partition: 0, TID: 10}))

	peer := newWirePeerPair(t, role)
	digest, err := peer.Digest(context.Background(), 0, 0, 100)
	require.NoError(t, err)

	want, err := role.Store.LocalDigest(0, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, want.TIDChunks, digest.TIDChunks)
}
