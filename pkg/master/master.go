package master

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/dispatch"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/node"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
)

// Master is the root struct the primary master's operation phase hangs
// off: the node manager, partition table, cluster FSM, and 2PC
// coordinator, plus the live connection registry needed to broadcast
// NotifyNodeInformation/InvalidateObjects/LockInformation, constructed
// once per process and passed explicitly to the handler.
type Master struct {
	Self        ids.UUID
	ClusterName string
	Log         zerolog.Logger

	NM    *node.Manager
	PT    *pt.Table
	FSM   *ClusterFSM
	Coord *Coordinator
	D     *dispatch.Dispatcher

	mu           sync.Mutex
	storageConns map[ids.UUID]*conn.Connection
	clientConns  map[*conn.Connection]ids.UUID

	// pendingFinish tracks, per in-flight TID, which client connection
	// and request id is owed the eventual AnswerTransactionFinished once
	// the transaction locks and commits.
	pendingFinish map[ids.TID]finishWaiter
}

type finishWaiter struct {
	conn *conn.Connection
	id   uint32
}

// New builds a Master with p partitions / r replication factor and an
// empty membership view, ready to drive the operation phase once
// election selects self as primary.
func New(self ids.UUID, clusterName string, p, r uint32, lastKnownTID ids.TID, log zerolog.Logger) *Master {
	m := &Master{
		Self:          self,
		ClusterName:   clusterName,
		Log:           log.With().Str("component", "master").Logger(),
		NM:            node.NewManager(),
		PT:            pt.New(p, r),
		FSM:           NewClusterFSM(log),
		D:             dispatch.New(),
		storageConns:  make(map[ids.UUID]*conn.Connection),
		clientConns:   make(map[*conn.Connection]ids.UUID),
		pendingFinish: make(map[ids.TID]finishWaiter),
	}
	m.Coord = NewCoordinator(m, lastKnownTID, log)
	metrics.ClusterState.Set(float64(m.FSM.State()))
	m.FSM.OnTransition(func(_, to ClusterState) {
		metrics.ClusterState.Set(float64(to))
	})
	return m
}

// StoragesFor implements txn.PartitionResolver over the live partition
// table: every node holding an UP_TO_DATE or OUT_OF_DATE cell for the
// partition is owed a lock.
func (m *Master) StoragesFor(partition uint32) []ids.UUID {
	var out []ids.UUID
	for _, c := range m.PT.Row(partition) {
		if c.State == pt.CellUpToDate || c.State == pt.CellOutOfDate {
			out = append(out, c.Node)
		}
	}
	return out
}

func (m *Master) PartitionOfOID(oid ids.OID) uint32 { return m.PT.PartitionOfOID(oid) }
func (m *Master) PartitionOfTID(tid ids.TID) uint32 { return m.PT.PartitionOfTID(tid) }

// RegisterStorage records the live connection for a storage UUID so
// LockInformation/UnlockInformation/replication admin packets can reach
// it, matching the node manager entry created during identification.
func (m *Master) RegisterStorage(uuid ids.UUID, c *conn.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageConns[uuid] = c
}

// RegisterClient records the live connection for a client so
// InvalidateObjects broadcasts and AnswerTransactionFinished replies can
// reach it.
func (m *Master) RegisterClient(uuid ids.UUID, c *conn.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientConns[c] = uuid
}

// Forget removes a connection from both registries, called from OnClose.
func (m *Master) Forget(c *conn.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clientConns, c)
	for uuid, sc := range m.storageConns {
		if sc == c {
			delete(m.storageConns, uuid)
		}
	}
}

func (m *Master) storageConn(uuid ids.UUID) (*conn.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.storageConns[uuid]
	return c, ok
}

// BroadcastNodeInfo sends a NotifyNodeInformation snapshot of changed
// rows to every identified storage and client connection.
func (m *Master) BroadcastNodeInfo(nodes []proto.NodeInfo) {
	pkt := &proto.NotifyNodeInformation{Nodes: nodes}
	m.mu.Lock()
	conns := make([]*conn.Connection, 0, len(m.storageConns)+len(m.clientConns))
	for _, c := range m.storageConns {
		conns = append(conns, c)
	}
	for c := range m.clientConns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(context.Background(), 0, pkt)
	}
}

// broadcastInvalidate sends InvalidateObjects(tid, oids) to every
// identified client connection, including the originator; exactly one
// per live client.
func (m *Master) broadcastInvalidate(tid ids.TID, oids []ids.OID) {
	pkt := &proto.InvalidateObjects{TID: tid, OIDs: oids}
	m.mu.Lock()
	conns := make([]*conn.Connection, 0, len(m.clientConns))
	for c := range m.clientConns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(context.Background(), 0, pkt)
	}
}

// sendToStorages fans p out to every uuid with a live connection,
// skipping ones that are not currently connected rather than failing the
// whole round; Coordinator.Forget handles the gap left by a node lost
// mid-2PC.
func (m *Master) sendToStorages(uuids []ids.UUID, p proto.Packet) {
	for _, uuid := range uuids {
		c, ok := m.storageConn(uuid)
		if !ok {
			continue
		}
		_ = c.Send(context.Background(), 0, p)
	}
}

// OnNodeLost reacts to a storage connection closing: it marks the node
// TEMPORARILY_DOWN, folds the loss into every pending transaction via
// Coordinator.Forget, and finishes any transaction that just became
// lockable as a result. If the
// partition table is no longer operational, it also forces the cluster
// out of RUNNING.
func (m *Master) OnNodeLost(uuid ids.UUID) {
	if n, ok := m.NM.ByUUID(uuid); ok {
		n.State = node.StateTemporarilyDown
		m.BroadcastNodeInfo([]proto.NodeInfo{{UUID: uuid, Role: n.Role, Address: n.Address, State: uint8(n.State)}})
	}

	for _, tid := range m.Coord.Forget(uuid) {
		m.finishLocked(tid)
	}

	if !m.PT.Operational() && m.FSM.State() == StateRunning {
		if err := m.FSM.Transition(StateRecovering); err != nil {
			m.Log.Warn().Err(err).Msg("master: partition table non-operational but could not leave RUNNING")
		}
	}
}

// finishLocked carries a LOCKED transaction through Commit: broadcast
// InvalidateObjects, send UnlockInformation to the involved storages, and
// answer the original client if it is still connected.
func (m *Master) finishLocked(tid ids.TID) {
	oids, storages, err := m.Coord.Commit(tid)
	if err != nil {
		m.Log.Warn().Err(err).Stringer("tid", tidStringer(tid)).Msg("master: commit of locked transaction failed")
		return
	}
	m.broadcastInvalidate(tid, oids)
	m.sendToStorages(storages, &proto.UnlockInformation{TID: tid})

	m.mu.Lock()
	waiter, ok := m.pendingFinish[tid]
	delete(m.pendingFinish, tid)
	m.mu.Unlock()
	if ok {
		_ = waiter.conn.Send(context.Background(), waiter.id, &proto.AnswerTransactionFinished{TID: tid})
	}
}

type tidStringer ids.TID

func (t tidStringer) String() string { return fmt.Sprintf("%#x", uint64(t)) }
