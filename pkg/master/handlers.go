package master

import (
	"context"
	"fmt"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/node"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// OperationHandler is the primary master's steady-state conn.Handler,
// installed by Serve on every accepted connection; it performs the
// storage/client/admin RequestIdentification exchange itself.
// The master runs a single operation phase, unlike storage's
// Bootstrap -> Verification -> Operation sequence, since the master
// itself drives those transitions rather than being driven through them.
type OperationHandler struct {
	M *Master
}

func (h *OperationHandler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error {
	if h.M.D.Dispatch(c, id, p) {
		return nil
	}

	switch pk := p.(type) {
	case *proto.RequestIdentification:
		return h.handleIdentification(c, id, pk)

	case *proto.AskClusterState:
		return c.Send(context.Background(), id, &proto.AnswerClusterState{State: uint8(h.M.FSM.State())})
	case *proto.SetClusterState:
		if err := h.M.FSM.Transition(ClusterState(pk.State)); err != nil {
			return c.Send(context.Background(), id, proto.NewError(fmt.Errorf("%w: %v", protoerr.ErrProtocol, err)))
		}
		return c.Send(context.Background(), id, &proto.AnswerClusterState{State: pk.State})

	case *proto.AskNodeList:
		return c.Send(context.Background(), id, &proto.AnswerNodeList{Nodes: h.M.NM.Snapshot()})
	case *proto.SetNodeState:
		return h.handleSetNodeState(c, id, pk)
	case *proto.AddPendingNodes:
		return h.handleAddPendingNodes(c, id, pk)
	case *proto.TweakPartitionTable:
		return h.handleTweak(c, id, pk)
	case *proto.DropNode:
		return h.handleDropNode(c, id, pk)
	case *proto.AskPartitionRows:
		return c.Send(context.Background(), id, &proto.AnswerPartitionRows{PTID: h.M.PT.PTID(), Rows: snapshotRows(h.M.PT)})
	case *proto.AskPrimary:
		return c.Send(context.Background(), id, &proto.AnswerPrimary{PrimaryUUID: h.M.Self})
	case *proto.CheckReplicas:
		return h.forwardCheckReplicas(c, id, pk)
	case *proto.Pack:
		return h.forwardPack(c, id, pk)

	case *proto.AskBeginTransaction:
		return c.Send(context.Background(), id, &proto.AnswerBeginTransaction{TID: h.M.Coord.Begin()})
	case *proto.AskNewOIDs:
		return c.Send(context.Background(), id, &proto.AnswerNewOIDs{OIDs: h.M.Coord.NewOIDs(pk.Count)})
	case *proto.FinishTransaction:
		return h.handleFinish(c, id, pk)
	case *proto.AbortTransaction:
		h.M.Coord.Abort(pk.TTID)
		h.M.sendToStorages(h.M.StoragesFor(h.M.PartitionOfTID(pk.TTID)), pk)
		return nil
	case *proto.NotifyInformationLocked:
		return h.handleLocked(c, pk)

	default:
		return fmt.Errorf("master: unexpected packet in operation phase: %w", protoerr.ErrProtocol)
	}
}

func (h *OperationHandler) OnClose(c *conn.Connection) {
	uuid := c.Peer()
	h.M.Forget(c)
	if !uuid.Zero() && uuid.Role() == ids.RoleStorage {
		h.M.OnNodeLost(uuid)
	}
}

func (h *OperationHandler) handleIdentification(c *conn.Connection, id uint32, pk *proto.RequestIdentification) error {
	if pk.ClusterName != "" && h.M.clusterNameMismatch(pk.ClusterName) {
		_ = c.Send(context.Background(), id, proto.NewError(protoerr.ErrProtocol))
		return protoerr.ErrProtocol
	}
	c.SetPeer(pk.UUID)
	c.SetState(conn.StateIdentified)

	h.M.NM.Apply(proto.NodeInfo{UUID: pk.UUID, Role: pk.Role, Address: pk.Address, State: uint8(node.StateRunning)})
	h.M.BroadcastNodeInfo([]proto.NodeInfo{{UUID: pk.UUID, Role: pk.Role, Address: pk.Address, State: uint8(node.StateRunning)}})

	switch pk.Role {
	case ids.RoleStorage:
		h.M.RegisterStorage(pk.UUID, c)
	case ids.RoleClient, ids.RoleAdmin:
		h.M.RegisterClient(pk.UUID, c)
	}

	if err := c.Send(context.Background(), id, &proto.AcceptIdentification{
		YourUUID:      pk.UUID,
		NumPartitions: h.M.PT.P(),
		NumReplicas:   h.M.PT.R(),
	}); err != nil {
		return err
	}
	return c.Send(context.Background(), 0, &proto.SendPartitionTable{PTID: h.M.PT.PTID(), Rows: snapshotRows(h.M.PT)})
}

// clusterNameMismatch reports whether the cluster name a storage/client/admin
// presents in RequestIdentification differs from ClusterName; a master with
// an empty ClusterName accepts any name.
func (m *Master) clusterNameMismatch(name string) bool {
	return m.ClusterName != "" && name != m.ClusterName
}

// snapshotRows builds a full-table proto.PartitionRow slice from the live
// partition table, used by SendPartitionTable/AnswerPartitionRows.
func snapshotRows(table *pt.Table) []proto.PartitionRow {
	rows := make([]proto.PartitionRow, 0, table.P())
	for p := uint32(0); p < table.P(); p++ {
		cells := table.Row(p)
		if len(cells) == 0 {
			continue
		}
		cellInfos := make([]proto.CellInfo, len(cells))
		for i, c := range cells {
			cellInfos[i] = proto.CellInfo{NodeUUID: c.Node, State: uint8(c.State)}
		}
		rows = append(rows, proto.PartitionRow{Partition: p, Cells: cellInfos})
	}
	return rows
}

func (h *OperationHandler) handleSetNodeState(c *conn.Connection, id uint32, pk *proto.SetNodeState) error {
	n, ok := h.M.NM.ByUUID(pk.UUID)
	if !ok {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}
	n.State = node.State(pk.State)
	h.M.BroadcastNodeInfo([]proto.NodeInfo{{UUID: n.UUID, Role: n.Role, Address: n.Address, State: uint8(n.State)}})
	if pk.ModifyPT && node.State(pk.State) != node.StateRunning {
		h.applyTweak(nil)
	}
	return c.Send(context.Background(), id, &proto.AnswerNodeList{Nodes: h.M.NM.Snapshot()})
}

func (h *OperationHandler) handleAddPendingNodes(c *conn.Connection, id uint32, pk *proto.AddPendingNodes) error {
	for _, uuid := range pk.UUIDs {
		if n, ok := h.M.NM.ByUUID(uuid); ok {
			n.State = node.StateRunning
			h.M.BroadcastNodeInfo([]proto.NodeInfo{{UUID: n.UUID, Role: n.Role, Address: n.Address, State: uint8(n.State)}})
		}
	}
	return c.Send(context.Background(), id, &proto.AnswerNodeList{Nodes: h.M.NM.Snapshot()})
}

func (h *OperationHandler) handleTweak(c *conn.Connection, id uint32, pk *proto.TweakPartitionTable) error {
	h.applyTweak(pk.ExcludedUUIDs)
	return c.Send(context.Background(), id, &proto.AnswerPartitionRows{PTID: h.M.PT.PTID(), Rows: snapshotRows(h.M.PT)})
}

// applyTweak recomputes the partition table assignment over every
// RUNNING storage node (minus excluded) and broadcasts the delta.
func (h *OperationHandler) applyTweak(excludedUUIDs []ids.UUID) {
	excluded := make(map[ids.UUID]bool, len(excludedUUIDs))
	for _, u := range excludedUUIDs {
		excluded[u] = true
	}
	var candidates []ids.UUID
	for _, n := range h.M.NM.ByRole(ids.RoleStorage) {
		if n.State == node.StateRunning {
			candidates = append(candidates, n.UUID)
		}
	}
	changes := h.M.PT.Assign(candidates, excluded)
	if len(changes) == 0 {
		return
	}
	rows := make([]proto.PartitionRow, 0, len(changes))
	byPartition := make(map[uint32][]proto.CellInfo)
	for _, ch := range changes {
		byPartition[ch.Partition] = append(byPartition[ch.Partition], proto.CellInfo{NodeUUID: ch.Node, State: uint8(ch.State)})
	}
	for p, cells := range byPartition {
		rows = append(rows, proto.PartitionRow{Partition: p, Cells: cells})
	}
	pkt := &proto.NotifyPartitionChanges{PTID: h.M.PT.PTID(), Rows: rows}
	h.M.mu.Lock()
	conns := make([]*conn.Connection, 0, len(h.M.storageConns)+len(h.M.clientConns))
	for _, sc := range h.M.storageConns {
		conns = append(conns, sc)
	}
	for cc := range h.M.clientConns {
		conns = append(conns, cc)
	}
	h.M.mu.Unlock()
	for _, sc := range conns {
		_ = sc.Send(context.Background(), 0, pkt)
	}
}

func (h *OperationHandler) handleDropNode(c *conn.Connection, id uint32, pk *proto.DropNode) error {
	h.M.NM.Forget(pk.UUID)
	h.M.Coord.Forget(pk.UUID)
	h.applyTweak([]ids.UUID{pk.UUID})
	return c.Send(context.Background(), id, &proto.AnswerNodeList{Nodes: h.M.NM.Snapshot()})
}

// forwardCheckReplicas relays an admin checkReplicas request to the
// target storage's own digest comparison; the master itself never computes a digest, it only
// has a path to reach the storage asked to compute one.
func (h *OperationHandler) forwardCheckReplicas(c *conn.Connection, id uint32, pk *proto.CheckReplicas) error {
	uuids := h.M.StoragesFor(pk.Partition)
	if len(uuids) == 0 {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrOIDNotFound))
	}
	sc, ok := h.M.storageConn(uuids[0])
	if !ok {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrNotReady))
	}
	ans, err := h.M.D.Send(context.Background(), sc, pk)
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(err))
	}
	return c.Send(context.Background(), id, ans)
}

// forwardPack fans a pack request out to every live storage and sums the
// reclaimed counts; the master itself never touches obj/data, it only
// owns the broadcast.
func (h *OperationHandler) forwardPack(c *conn.Connection, id uint32, pk *proto.Pack) error {
	h.M.mu.Lock()
	conns := make([]*conn.Connection, 0, len(h.M.storageConns))
	for _, sc := range h.M.storageConns {
		conns = append(conns, sc)
	}
	h.M.mu.Unlock()

	var total uint32
	for _, sc := range conns {
		ans, err := h.M.D.Send(context.Background(), sc, pk)
		if err != nil {
			continue
		}
		if a, ok := ans.(*proto.AnswerPack); ok {
			total += a.Reclaimed
		}
	}
	return c.Send(context.Background(), id, &proto.AnswerPack{Reclaimed: total})
}

func (h *OperationHandler) handleFinish(c *conn.Connection, id uint32, pk *proto.FinishTransaction) error {
	storages, err := h.M.Coord.Prepare(pk.TTID, pk.OIDs)
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}
	h.M.mu.Lock()
	h.M.pendingFinish[pk.TTID] = finishWaiter{conn: c, id: id}
	h.M.mu.Unlock()
	h.M.sendToStorages(storages, &proto.LockInformation{TID: pk.TTID})
	return nil
}

func (h *OperationHandler) handleLocked(c *conn.Connection, pk *proto.NotifyInformationLocked) error {
	justLocked, err := h.M.Coord.Lock(pk.TID, c.Peer())
	if err != nil {
		return nil // unknown transaction: already finished/aborted, ignore.
	}
	if justLocked {
		h.M.finishLocked(pk.TID)
	}
	return nil
}
