package storage

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/dispatch"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/node"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// MaxTID is a sentinel greater than any TID a real cluster can issue, used
// to ask Load for "whatever the latest committed revision is" regardless
// of the reader's own snapshot.
const MaxTID = ids.TID(^uint64(0))

// Role is the storage node's equivalent of pkg/master.Master: the
// bolt-backed Store plus the live wiring a connection handler needs —
// the node's own local mirror of the partition table, a dispatcher for
// the requests this node originates (replication catch-up, digest
// comparison), and the registry of peer storage connections those
// requests travel over. One Role is constructed per process.
type Role struct {
	Self        ids.UUID
	ClusterName string
	Log         zerolog.Logger

	Store *Store
	PT    *pt.Table
	NM    *node.Manager
	D     *dispatch.Dispatcher
	Repl  *Replicator

	mu         sync.Mutex
	masterConn *conn.Connection
	peerConns  map[ids.UUID]*conn.Connection

	// locked tracks TIDs this node has acknowledged NotifyInformationLocked
	// for but not yet seen UnlockInformation on, so a stray duplicate
	// LockInformation is idempotent.
	locked map[ids.TID]bool

	// OIDLocks serializes concurrent AskStoreObject requests on the same
	// OID across connections; see oidlock.go.
	OIDLocks *oidLockTable
}

// NewRole opens store's bbolt file under dataDir and returns a Role with
// an empty partition table, ready to be filled in once AcceptIdentification/
// SendPartitionTable arrive from the master.
func NewRole(self ids.UUID, clusterName string, store *Store, p, r uint32, log zerolog.Logger) *Role {
	role := &Role{
		Self:        self,
		ClusterName: clusterName,
		Log:         log.With().Str("component", "storage").Logger(),
		Store:       store,
		PT:          pt.New(p, r),
		NM:          node.NewManager(),
		D:           dispatch.New(),
		peerConns:   make(map[ids.UUID]*conn.Connection),
		locked:      make(map[ids.TID]bool),
		OIDLocks:    newOIDLockTable(),
	}
	role.Repl = NewReplicator(store, role.onReplicationDone, role.Log)
	return role
}

// SetMasterConn records the identified connection to the primary master,
// used to send NotifyReplicationDone.
func (r *Role) SetMasterConn(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masterConn = c
}

func (r *Role) masterConnection() (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.masterConn, r.masterConn != nil
}

// PeerConn records (or clears, if c is nil) the live connection to another
// storage, used both to serve and to originate replication/digest requests.
func (r *Role) PeerConn(uuid ids.UUID, c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		delete(r.peerConns, uuid)
		return
	}
	r.peerConns[uuid] = c
}

func (r *Role) peerConnection(uuid ids.UUID) (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.peerConns[uuid]
	return c, ok
}

// onReplicationDone tells the master a partition just caught up, so it can
// flip the cell to UP_TO_DATE.
func (r *Role) onReplicationDone(partition uint32) {
	c, ok := r.masterConnection()
	if !ok {
		return
	}
	var last ids.TID
	after := ids.TID(0)
	for {
		batch, err := r.Store.TIDsFrom(partition, after, 4096)
		if err != nil || len(batch) == 0 {
			break
		}
		last = batch[len(batch)-1]
		after = last
		if len(batch) < 4096 {
			break
		}
	}
	_ = c.Send(context.Background(), 0, &proto.NotifyReplicationDone{Partition: partition, TID: last})
}

// DialMaster tries each master address in turn until one completes
// identification, mirroring pkg/client.DialPrimary/pkg/admin.DialPrimary:
// the first address to accept is primary. selfAddr is this node's own
// listen address, announced to the master so it can tell other storages
// where to reach this node for replication.
func (r *Role) DialMaster(ctx context.Context, addrs []string, selfAddr string) error {
	var lastErr error
	for _, addr := range addrs {
		if err := r.dialMasterOne(ctx, addr, selfAddr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("storage: no master addresses configured: %w", protoerr.ErrInternal)
	}
	return lastErr
}

func (r *Role) dialMasterOne(ctx context.Context, addr, selfAddr string) error {
	d := &net.Dialer{Timeout: 5 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c := conn.New(nc, &OperationHandler{R: r}, r.Log)

	ans, err := r.D.Send(ctx, c, &proto.RequestIdentification{
		UUID:        r.Self,
		Role:        ids.RoleStorage,
		Address:     selfAddr,
		ClusterName: r.ClusterName,
	})
	if err != nil {
		c.Close()
		return err
	}
	accept, ok := ans.(*proto.AcceptIdentification)
	if !ok {
		c.Close()
		return fmt.Errorf("storage: unexpected identification reply from %s: %w", addr, protoerr.ErrProtocol)
	}
	c.SetPeer(accept.YourUUID)
	c.SetState(conn.StateIdentified)
	r.SetMasterConn(c)
	return nil
}

// reconcileReplication scans every partition this node holds OUT_OF_DATE
// and, for any that don't already have a replication source wired, dials
// the first UP_TO_DATE peer in that partition's row and registers it with
// Repl. It is called after every partition-table update (full replace or
// delta) since either can turn a cell OUT_OF_DATE or introduce a new
// source to replicate from.
func (r *Role) reconcileReplication(ctx context.Context) {
	for p := uint32(0); p < r.PT.P(); p++ {
		row := r.PT.Row(p)
		var source pt.Cell
		haveSelf, haveSource := false, false
		for _, cell := range row {
			if cell.Node == r.Self && cell.State == pt.CellOutOfDate {
				haveSelf = true
			}
			if cell.State == pt.CellUpToDate && cell.Node != r.Self {
				source = cell
				haveSource = true
			}
		}
		if !haveSelf || !haveSource {
			continue
		}
		peerConn, ok := r.peerConnection(source.Node)
		if !ok {
			var err error
			peerConn, err = r.dialPeerStorage(ctx, source.Node)
			if err != nil {
				r.Log.Warn().Err(err).Uint32("partition", p).Msg("storage: could not reach replication source")
				continue
			}
		}
		r.Repl.SetSource(p, &WirePeer{D: r.D, C: peerConn})
	}
}

// dialPeerStorage opens (and identifies) a connection to another storage
// node known to NM, used both for replication and for CheckReplicas digest
// comparisons.
func (r *Role) dialPeerStorage(ctx context.Context, uuid ids.UUID) (*conn.Connection, error) {
	n, ok := r.NM.ByUUID(uuid)
	if !ok || n.Address == "" {
		return nil, fmt.Errorf("storage: no known address for peer %s", uuid)
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", n.Address)
	if err != nil {
		return nil, err
	}
	c := conn.New(nc, &OperationHandler{R: r}, r.Log)

	ans, err := r.D.Send(ctx, c, &proto.RequestIdentification{
		UUID:        r.Self,
		Role:        ids.RoleStorage,
		ClusterName: r.ClusterName,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	accept, ok := ans.(*proto.AcceptIdentification)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("storage: unexpected identification reply from %s: %w", n.Address, protoerr.ErrProtocol)
	}
	c.SetPeer(accept.YourUUID)
	c.SetState(conn.StateIdentified)
	r.PeerConn(uuid, c)
	return c, nil
}

// WirePeer adapts a live connection to another storage into the
// Peer/DigestSource interfaces replicator.go and checkreplicas.go expect,
// routed through this Role's dispatcher.
type WirePeer struct {
	D *dispatch.Dispatcher
	C *conn.Connection
}

func (p *WirePeer) TIDsFrom(ctx context.Context, partition uint32, after ids.TID, limit uint32) ([]ids.TID, error) {
	ans, err := p.D.Send(ctx, p.C, &proto.AskTIDsFrom{Partition: partition, After: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	a, ok := ans.(*proto.AnswerTIDsFrom)
	if !ok {
		return nil, fmt.Errorf("storage: unexpected reply to AskTIDsFrom")
	}
	return a.TIDs, nil
}

func (p *WirePeer) TransactionInformation(ctx context.Context, tid ids.TID) (TransRecord, error) {
	ans, err := p.D.Send(ctx, p.C, &proto.AskTransactionInformation{TID: tid})
	if err != nil {
		return TransRecord{}, err
	}
	a, ok := ans.(*proto.AnswerTransactionInformation)
	if !ok {
		return TransRecord{}, fmt.Errorf("storage: unexpected reply to AskTransactionInformation")
	}
	return TransRecord{TID: a.TID, User: a.User, Description: a.Description, Extension: a.Extension, Packed: a.Packed, OIDs: a.OIDs}, nil
}

func (p *WirePeer) OIDsFrom(ctx context.Context, partition uint32, after ids.OID, limit uint32) ([]ids.OID, error) {
	ans, err := p.D.Send(ctx, p.C, &proto.AskOIDs{Partition: partition, After: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	a, ok := ans.(*proto.AnswerOIDs)
	if !ok {
		return nil, fmt.Errorf("storage: unexpected reply to AskOIDs")
	}
	return a.OIDs, nil
}

func (p *WirePeer) ObjectHistoryFrom(ctx context.Context, oid ids.OID, after ids.TID, limit uint32) ([]ids.TID, error) {
	ans, err := p.D.Send(ctx, p.C, &proto.AskObjectHistoryFrom{OID: oid, After: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	a, ok := ans.(*proto.AnswerObjectHistoryFrom)
	if !ok {
		return nil, fmt.Errorf("storage: unexpected reply to AskObjectHistoryFrom")
	}
	return a.Serials, nil
}

func (p *WirePeer) Object(ctx context.Context, oid ids.OID, serial ids.TID) (data []byte, compression uint8, hash [20]byte, deleted bool, err error) {
	ans, err := p.D.Send(ctx, p.C, &proto.AskObject{OID: proto.OIDAt{OID: oid, At: serial}})
	if err != nil {
		return nil, 0, hash, false, err
	}
	a, ok := ans.(*proto.AnswerObject)
	if !ok {
		return nil, 0, hash, false, fmt.Errorf("storage: unexpected reply to AskObject")
	}
	if a.Serial != serial {
		return nil, 0, hash, false, fmt.Errorf("storage: AskObject returned revision %#x, wanted %#x", uint64(a.Serial), uint64(serial))
	}
	return a.Data, a.Compression, sha1.Sum(a.Data), a.Deleted, nil
}

// Digest implements DigestSource over the wire, for CheckReplicas
// comparing against a peer storage's reference digest.
func (p *WirePeer) Digest(ctx context.Context, partition uint32, minTID, maxTID ids.TID) (Digest, error) {
	ans, err := p.D.Send(ctx, p.C, &proto.AskDigest{Partition: partition, MinTID: minTID, MaxTID: maxTID})
	if err != nil {
		return Digest{}, err
	}
	a, ok := ans.(*proto.AnswerDigest)
	if !ok {
		return Digest{}, fmt.Errorf("storage: unexpected reply to AskDigest")
	}
	return Digest{TIDChunks: a.TIDChunks, OIDChunks: a.OIDChunks}, nil
}
