// Package admin implements the cluster-operator embedding used by the
// neoctl CLI: a single connection to the primary master driving the
// cluster-state, node-membership, partition-table, replication-check, and
// pack operations, each a blocking request/answer pair over the
// dispatcher.
package admin

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/dispatch"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// Admin is the thin client an operator tool drives: one identified
// connection to the primary master and a dispatcher to correlate its
// requests, with none of pkg/client's partition table or object cache
// since an admin session never reads or writes objects.
type Admin struct {
	Self        ids.UUID
	ClusterName string
	Log         zerolog.Logger

	D *dispatch.Dispatcher

	mu         sync.Mutex
	masterConn *conn.Connection
}

// New returns an Admin with no active connection.
func New(self ids.UUID, clusterName string, log zerolog.Logger) *Admin {
	return &Admin{
		Self:        self,
		ClusterName: clusterName,
		Log:         log.With().Str("component", "admin").Logger(),
		D:           dispatch.New(),
	}
}

// DialPrimary tries each master address in turn until one completes
// identification, the same "first to accept is primary" reasoning
// pkg/client.DialPrimary relies on.
func (a *Admin) DialPrimary(ctx context.Context, addrs []string) error {
	var lastErr error
	for _, addr := range addrs {
		if err := a.dialOne(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("admin: no master addresses configured: %w", protoerr.ErrInternal)
	}
	return lastErr
}

func (a *Admin) dialOne(ctx context.Context, addr string) error {
	d := &net.Dialer{Timeout: 5 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c := conn.New(nc, &Handler{A: a}, a.Log)

	ans, err := a.D.Send(ctx, c, &proto.RequestIdentification{
		UUID:        a.Self,
		Role:        ids.RoleAdmin,
		ClusterName: a.ClusterName,
	})
	if err != nil {
		c.Close()
		return err
	}
	accept, ok := ans.(*proto.AcceptIdentification)
	if !ok {
		c.Close()
		return fmt.Errorf("admin: unexpected identification reply from %s: %w", addr, protoerr.ErrProtocol)
	}
	c.SetPeer(accept.YourUUID)
	c.SetState(conn.StateIdentified)

	a.mu.Lock()
	a.masterConn = c
	a.mu.Unlock()
	return nil
}

// Close tears down the master connection.
func (a *Admin) Close() {
	a.mu.Lock()
	c := a.masterConn
	a.masterConn = nil
	a.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (a *Admin) masterConnection() (*conn.Connection, error) {
	a.mu.Lock()
	c := a.masterConn
	a.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("admin: not connected to primary master: %w", protoerr.ErrNotReady)
	}
	return c, nil
}

// onMasterLost clears the connection once it drops, the same pattern
// pkg/client uses so the next call surfaces ErrNotReady instead of hanging.
func (a *Admin) onMasterLost(c *conn.Connection) {
	a.mu.Lock()
	if a.masterConn == c {
		a.masterConn = nil
	}
	a.mu.Unlock()
}

// Primary asks the connected master who it believes the primary is,
// exposed for operators double-checking a connection really landed on the
// primary and not a stale address.
func (a *Admin) Primary(ctx context.Context) (ids.UUID, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return ids.UUID{}, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.AskPrimary{})
	if err != nil {
		return ids.UUID{}, err
	}
	a2, ok := ans.(*proto.AnswerPrimary)
	if !ok {
		return ids.UUID{}, fmt.Errorf("admin: unexpected reply to AskPrimary: %w", protoerr.ErrProtocol)
	}
	return a2.PrimaryUUID, nil
}

// ClusterState returns the cluster's current state.
func (a *Admin) ClusterState(ctx context.Context) (uint8, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return 0, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.AskClusterState{})
	if err != nil {
		return 0, err
	}
	a2, ok := ans.(*proto.AnswerClusterState)
	if !ok {
		return 0, fmt.Errorf("admin: unexpected reply to AskClusterState: %w", protoerr.ErrProtocol)
	}
	return a2.State, nil
}

// SetClusterState requests a cluster-state transition, returning the state
// the master actually settled on (an error wraps the rejected transition,
// ClusterFSM.Transition's own error, when the master refuses it).
func (a *Admin) SetClusterState(ctx context.Context, state uint8) (uint8, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return 0, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.SetClusterState{State: state})
	if err != nil {
		return 0, err
	}
	a2, ok := ans.(*proto.AnswerClusterState)
	if !ok {
		return 0, fmt.Errorf("admin: unexpected reply to SetClusterState: %w", protoerr.ErrProtocol)
	}
	return a2.State, nil
}

// NodeList returns every node the master currently tracks.
func (a *Admin) NodeList(ctx context.Context) ([]proto.NodeInfo, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return nil, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.AskNodeList{})
	if err != nil {
		return nil, err
	}
	a2, ok := ans.(*proto.AnswerNodeList)
	if !ok {
		return nil, fmt.Errorf("admin: unexpected reply to AskNodeList: %w", protoerr.ErrProtocol)
	}
	return a2.Nodes, nil
}

// SetNodeState sets uuid's membership state, optionally folding the change
// into the partition table (evicting its cells if the node is no longer
// RUNNING). It returns the refreshed node list.
func (a *Admin) SetNodeState(ctx context.Context, uuid ids.UUID, state uint8, modifyPT bool) ([]proto.NodeInfo, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return nil, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.SetNodeState{UUID: uuid, State: state, ModifyPT: modifyPT})
	if err != nil {
		return nil, err
	}
	a2, ok := ans.(*proto.AnswerNodeList)
	if !ok {
		return nil, fmt.Errorf("admin: unexpected reply to SetNodeState: %w", protoerr.ErrProtocol)
	}
	return a2.Nodes, nil
}

// AddPendingNodes moves every listed PENDING storage to RUNNING, the
// operator's half of bringing a freshly-joined storage into service; a
// TweakPartitionTable call normally follows to actually assign it cells.
func (a *Admin) AddPendingNodes(ctx context.Context, uuids []ids.UUID) ([]proto.NodeInfo, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return nil, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.AddPendingNodes{UUIDs: uuids})
	if err != nil {
		return nil, err
	}
	a2, ok := ans.(*proto.AnswerNodeList)
	if !ok {
		return nil, fmt.Errorf("admin: unexpected reply to AddPendingNodes: %w", protoerr.ErrProtocol)
	}
	return a2.Nodes, nil
}

// TweakPartitionTable asks the master to recompute cell assignment over
// every RUNNING storage, excluding excludedUUIDs, returning the resulting
// table.
func (a *Admin) TweakPartitionTable(ctx context.Context, excludedUUIDs []ids.UUID) (ids.PTID, []proto.PartitionRow, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return 0, nil, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.TweakPartitionTable{ExcludedUUIDs: excludedUUIDs})
	if err != nil {
		return 0, nil, err
	}
	a2, ok := ans.(*proto.AnswerPartitionRows)
	if !ok {
		return 0, nil, fmt.Errorf("admin: unexpected reply to TweakPartitionTable: %w", protoerr.ErrProtocol)
	}
	return a2.PTID, a2.Rows, nil
}

// DropNode permanently forgets uuid, evicting its cells from the partition
// table, and returns the refreshed node list.
func (a *Admin) DropNode(ctx context.Context, uuid ids.UUID) ([]proto.NodeInfo, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return nil, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.DropNode{UUID: uuid})
	if err != nil {
		return nil, err
	}
	a2, ok := ans.(*proto.AnswerNodeList)
	if !ok {
		return nil, fmt.Errorf("admin: unexpected reply to DropNode: %w", protoerr.ErrProtocol)
	}
	return a2.Nodes, nil
}

// PartitionRows returns the full live partition table.
func (a *Admin) PartitionRows(ctx context.Context) (ids.PTID, []proto.PartitionRow, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return 0, nil, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.AskPartitionRows{})
	if err != nil {
		return 0, nil, err
	}
	a2, ok := ans.(*proto.AnswerPartitionRows)
	if !ok {
		return 0, nil, fmt.Errorf("admin: unexpected reply to AskPartitionRows: %w", protoerr.ErrProtocol)
	}
	return a2.PTID, a2.Rows, nil
}

// CheckReplicas asks the master to have the first storage holding partition
// compare its copy against source's digest over [minTID, maxTID], both
// bounds inclusive (the master never computes a digest).
func (a *Admin) CheckReplicas(ctx context.Context, partition uint32, source ids.UUID, minTID, maxTID ids.TID) (divergent bool, detail string, err error) {
	mc, err := a.masterConnection()
	if err != nil {
		return false, "", err
	}
	ans, err := a.D.Send(ctx, mc, &proto.CheckReplicas{Partition: partition, Source: source, MinTID: minTID, MaxTID: maxTID})
	if err != nil {
		return false, "", err
	}
	a2, ok := ans.(*proto.AnswerCheckReplicas)
	if !ok {
		return false, "", fmt.Errorf("admin: unexpected reply to CheckReplicas: %w", protoerr.ErrProtocol)
	}
	return a2.Divergent, a2.Detail, nil
}

// Pack asks every storage to reclaim revisions superseded at or before tid,
// returning the total number of object revisions reclaimed across the
// cluster.
func (a *Admin) Pack(ctx context.Context, tid ids.TID) (uint32, error) {
	mc, err := a.masterConnection()
	if err != nil {
		return 0, err
	}
	ans, err := a.D.Send(ctx, mc, &proto.Pack{TID: tid})
	if err != nil {
		return 0, err
	}
	a2, ok := ans.(*proto.AnswerPack)
	if !ok {
		return 0, fmt.Errorf("admin: unexpected reply to Pack: %w", protoerr.ErrProtocol)
	}
	return a2.Reclaimed, nil
}
