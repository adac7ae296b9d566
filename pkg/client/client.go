package client

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
	"github.com/e42s/neoppod/pkg/neo/node"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// maxTID is a sentinel greater than any TID a real cluster can issue, used
// to ask storages for "whatever the latest committed revision is" regardless
// of any snapshot the caller is pinned to. Mirrors storage.MaxTID; kept as a
// private copy so this package doesn't import pkg/storage for one constant.
const maxTID = ids.TID(^uint64(0))

// oidBatchSize is how many OIDs the Client asks the master for at a time,
// per spec.md §4.2 ("Clients ask for OIDs in batches of 100").
const oidBatchSize = 100

// InvalidateFunc is the host database layer's callback, invoked once per
// InvalidateObjects notification after the Client has evicted the affected
// OIDs from its own cache.
type InvalidateFunc func(tid ids.TID, oids []ids.OID)

// transaction is the per-Client in-flight 2PC scratchpad. The source keeps
// this thread-local so independent application threads can each run their
// own transaction concurrently; this Client runs one transaction at a time,
// matching the common embedding pattern of one Client per application
// thread (spec.md §4.5, §9 "per-thread locals").
type transaction struct {
	ttid ids.TID
	oids []ids.OID
	// conflicts holds every OID whose most recent store reported a conflict.
	conflicts map[ids.OID]bool
}

// Client is the embedding interface spec.md §6 lists: a connection to the
// primary master, a lazy pool of storage connections, a bounded object
// cache, and the current transaction's scratchpad.
type Client struct {
	Self        ids.UUID
	ClusterName string
	Log         zerolog.Logger

	D     *dispatch.Dispatcher
	PT    *pt.Table
	NM    *node.Manager
	Cache *Cache

	mu           sync.Mutex
	masterConn   *conn.Connection
	storageConns map[ids.UUID]*conn.Connection
	oidPool      []ids.OID
	lastTID      ids.TID
	invalidate   InvalidateFunc

	txMu sync.Mutex
	tx   *transaction
}

// New returns a Client ready to Dial, with an empty membership view and a
// cache bounded to cacheCapacity entries. p and r are the cluster's
// partition count and replication factor, the same static dimensions every
// role reads from its config descriptor (spec.md §3); the client needs them
// up front to compute OID/TID partitioning before its first
// SendPartitionTable arrives, so it is not sized lazily from
// AcceptIdentification like a node discovering the cluster for the first
// time would be.
func New(self ids.UUID, clusterName string, p, r uint32, cacheCapacity int, log zerolog.Logger) *Client {
	return &Client{
		Self:         self,
		ClusterName:  clusterName,
		Log:          log.With().Str("component", "client").Logger(),
		D:            dispatch.New(),
		PT:           pt.New(p, r),
		NM:           node.NewManager(),
		Cache:        NewCache(cacheCapacity),
		storageConns: make(map[ids.UUID]*conn.Connection),
	}
}

// RegisterDB installs the host database layer's invalidation callback,
// called on every InvalidateObjects once this Client's own cache eviction
// has run.
func (cl *Client) RegisterDB(cb InvalidateFunc) {
	cl.mu.Lock()
	cl.invalidate = cb
	cl.mu.Unlock()
}

// DialPrimary tries each master address in turn until one completes
// identification, treating that connection as the primary master link.
// A secondary master never answers client identification with
// AcceptIdentification (it runs the election handler, not the operation
// handler), so the first address to answer is, by construction, primary.
func (cl *Client) DialPrimary(ctx context.Context, addrs []string) error {
	var lastErr error
	for _, addr := range addrs {
		if err := cl.dialOne(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("client: no master addresses configured: %w", protoerr.ErrInternal)
	}
	return lastErr
}

func (cl *Client) dialOne(ctx context.Context, addr string) error {
	d := &net.Dialer{Timeout: 5 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	c := conn.New(nc, &Handler{Cl: cl}, cl.Log)

	ans, err := cl.D.Send(ctx, c, &proto.RequestIdentification{
		UUID:        cl.Self,
		Role:        ids.RoleClient,
		Address:     "",
		ClusterName: cl.ClusterName,
	})
	if err != nil {
		c.Close()
		return err
	}
	accept, ok := ans.(*proto.AcceptIdentification)
	if !ok {
		c.Close()
		return fmt.Errorf("client: unexpected identification reply from %s: %w", addr, protoerr.ErrProtocol)
	}
	c.SetPeer(accept.YourUUID)
	c.SetState(conn.StateIdentified)

	cl.mu.Lock()
	cl.masterConn = c
	cl.mu.Unlock()
	return nil
}

// Close tears down every connection this Client holds.
func (cl *Client) Close() {
	cl.mu.Lock()
	mc := cl.masterConn
	storages := make([]*conn.Connection, 0, len(cl.storageConns))
	for _, c := range cl.storageConns {
		storages = append(storages, c)
	}
	cl.masterConn = nil
	cl.storageConns = make(map[ids.UUID]*conn.Connection)
	cl.mu.Unlock()

	if mc != nil {
		mc.Close()
	}
	for _, c := range storages {
		c.Close()
	}
}

func (cl *Client) masterConnection() (*conn.Connection, error) {
	cl.mu.Lock()
	c := cl.masterConn
	cl.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("client: not connected to primary master: %w", protoerr.ErrNotReady)
	}
	return c, nil
}

// onMasterLost clears the primary-master link, the path every pending and
// future request takes until DialPrimary re-bootstraps (spec.md §7
// "Primary failure").
func (cl *Client) onMasterLost(c *conn.Connection) {
	cl.mu.Lock()
	if cl.masterConn == c {
		cl.masterConn = nil
	}
	cl.mu.Unlock()
}

// storageConnFor returns a live, identified connection to a storage
// currently serving partition, dialing and identifying lazily on first use.
// Any readable cell (UP_TO_DATE or OUT_OF_DATE) is acceptable for a read;
// callers that need a writable replica filter further themselves.
func (cl *Client) storageConnFor(ctx context.Context, partition uint32) (*conn.Connection, error) {
	row := cl.PT.Row(partition)
	if len(row) == 0 {
		return nil, fmt.Errorf("client: partition %d has no cells: %w", partition, protoerr.ErrNotReady)
	}
	var lastErr error
	for _, cell := range row {
		if cell.State != pt.CellUpToDate && cell.State != pt.CellOutOfDate {
			continue
		}
		c, err := cl.storageConn(ctx, cell.Node)
		if err != nil {
			lastErr = err
			continue
		}
		return c, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("client: partition %d has no readable cell: %w", partition, protoerr.ErrNotReady)
	}
	return nil, lastErr
}

func (cl *Client) storageConn(ctx context.Context, uuid ids.UUID) (*conn.Connection, error) {
	cl.mu.Lock()
	c, ok := cl.storageConns[uuid]
	cl.mu.Unlock()
	if ok && c.State() == conn.StateIdentified {
		return c, nil
	}

	n, ok := cl.NM.ByUUID(uuid)
	if !ok || n.Address == "" {
		return nil, fmt.Errorf("client: no known address for storage %s: %w", uuid, protoerr.ErrNotReady)
	}

	d := &net.Dialer{Timeout: 5 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", n.Address)
	if err != nil {
		return nil, err
	}
	newConn := conn.New(nc, &Handler{Cl: cl}, cl.Log)

	ans, err := cl.D.Send(ctx, newConn, &proto.RequestIdentification{
		UUID:        cl.Self,
		Role:        ids.RoleClient,
		ClusterName: cl.ClusterName,
	})
	if err != nil {
		newConn.Close()
		return nil, err
	}
	if _, ok := ans.(*proto.AcceptIdentification); !ok {
		newConn.Close()
		return nil, fmt.Errorf("client: unexpected identification reply from storage %s: %w", uuid, protoerr.ErrProtocol)
	}
	newConn.SetPeer(uuid)
	newConn.SetState(conn.StateIdentified)

	cl.mu.Lock()
	cl.storageConns[uuid] = newConn
	cl.mu.Unlock()
	return newConn, nil
}

// NewOID returns a fresh OID, refilling the local pool from the master in
// batches of oidBatchSize when it runs dry (spec.md §4.2).
func (cl *Client) NewOID(ctx context.Context) (ids.OID, error) {
	cl.mu.Lock()
	if len(cl.oidPool) > 0 {
		oid := cl.oidPool[0]
		cl.oidPool = cl.oidPool[1:]
		cl.mu.Unlock()
		return oid, nil
	}
	cl.mu.Unlock()

	mc, err := cl.masterConnection()
	if err != nil {
		return 0, err
	}
	ans, err := cl.D.Send(ctx, mc, &proto.AskNewOIDs{Count: oidBatchSize})
	if err != nil {
		return 0, err
	}
	a, ok := ans.(*proto.AnswerNewOIDs)
	if !ok || len(a.OIDs) == 0 {
		return 0, fmt.Errorf("client: master returned no OIDs: %w", protoerr.ErrInternal)
	}

	cl.mu.Lock()
	oid := a.OIDs[0]
	cl.oidPool = append(cl.oidPool, a.OIDs[1:]...)
	cl.mu.Unlock()
	return oid, nil
}

// TpcBegin starts a new transaction: it asks the master for a fresh TID and
// opens this Client's scratchpad. Only one transaction may be open on a
// Client at a time.
func (cl *Client) TpcBegin(ctx context.Context) (ids.TID, error) {
	cl.txMu.Lock()
	defer cl.txMu.Unlock()
	if cl.tx != nil {
		return 0, fmt.Errorf("client: transaction already in progress: %w", protoerr.ErrInternal)
	}

	mc, err := cl.masterConnection()
	if err != nil {
		return 0, err
	}
	ans, err := cl.D.Send(ctx, mc, &proto.AskBeginTransaction{})
	if err != nil {
		return 0, err
	}
	a, ok := ans.(*proto.AnswerBeginTransaction)
	if !ok {
		return 0, fmt.Errorf("client: unexpected reply to AskBeginTransaction: %w", protoerr.ErrProtocol)
	}
	cl.tx = &transaction{ttid: a.TID}
	return a.TID, nil
}

// Store sends oid's new bytes to the storage owning its partition,
// recording it in the current transaction's OID list. A non-zero conflict
// result means another transaction already committed a newer revision than
// serial; the caller resolves per spec.md §4.2 or calls TpcAbort.
func (cl *Client) Store(ctx context.Context, oid ids.OID, serial ids.TID, data []byte) (conflict bool, latest ids.TID, err error) {
	return cl.storeObject(ctx, oid, serial, 0, data)
}

// StoreUndo is Store plus a value_tid link back to the revision whose
// bytes data duplicates, used by Undo to exercise spec.md §4.4's storage
// mechanism so the duplicated data stays reachable after pack even though
// the bytes are also re-uploaded as an ordinary revision.
func (cl *Client) StoreUndo(ctx context.Context, oid ids.OID, serial, valueTID ids.TID, data []byte) (conflict bool, latest ids.TID, err error) {
	return cl.storeObject(ctx, oid, serial, valueTID, data)
}

func (cl *Client) storeObject(ctx context.Context, oid ids.OID, serial, valueTID ids.TID, data []byte) (conflict bool, latest ids.TID, err error) {
	cl.txMu.Lock()
	tx := cl.tx
	cl.txMu.Unlock()
	if tx == nil {
		return false, 0, fmt.Errorf("client: store called outside a transaction: %w", protoerr.ErrInternal)
	}

	sc, err := cl.storageConnFor(ctx, cl.PT.PartitionOfOID(oid))
	if err != nil {
		return false, 0, err
	}
	ans, err := cl.D.Send(ctx, sc, &proto.AskStoreObject{OID: oid, Serial: serial, TTID: tx.ttid, Data: data, ValueTID: valueTID})
	if err != nil {
		return false, 0, err
	}
	a, ok := ans.(*proto.AnswerStoreObject)
	if !ok {
		return false, 0, fmt.Errorf("client: unexpected reply to AskStoreObject: %w", protoerr.ErrProtocol)
	}

	cl.txMu.Lock()
	if !containsOID(tx.oids, oid) {
		tx.oids = append(tx.oids, oid)
	}
	if a.Conflict {
		if tx.conflicts == nil {
			tx.conflicts = make(map[ids.OID]bool)
		}
		tx.conflicts[oid] = true
	} else {
		delete(tx.conflicts, oid)
	}
	cl.txMu.Unlock()
	return a.Conflict, a.Latest, nil
}

func containsOID(oids []ids.OID, oid ids.OID) bool {
	for _, o := range oids {
		if o == oid {
			return true
		}
	}
	return false
}

// Resolver merges a conflicting store: given the base revision the caller
// originally read from, the newer one actually committed, and the bytes the
// caller tried to write, it returns merged bytes and whether the merge
// succeeded.
type Resolver func(oid ids.OID, base, current []byte, newData []byte) ([]byte, bool)

// StoreResolving runs the conflict-resolution loop of spec.md §4.2: Store,
// and on conflict, load the current revision, ask resolve to merge, and
// retry with the winning serial. It gives up (returning the conflict) once
// resolve reports failure.
func (cl *Client) StoreResolving(ctx context.Context, oid ids.OID, serial ids.TID, data []byte, resolve Resolver) error {
	base, _, baseErr := cl.LoadSerial(ctx, oid, serial)
	if baseErr != nil {
		base = nil
	}
	for {
		conflict, latest, err := cl.Store(ctx, oid, serial, data)
		if err != nil {
			return err
		}
		if !conflict {
			return nil
		}
		current, _, err := cl.LoadSerial(ctx, oid, latest)
		if err != nil {
			return err
		}
		merged, ok := resolve(oid, base, current, data)
		if !ok {
			return fmt.Errorf("client: conflict on oid %v could not be resolved: %w", oid, protoerr.ErrInternal)
		}
		data = merged
		serial = latest
	}
}

// TpcVote closes the write phase: it fails outright if any store on this
// transaction already reported an unresolved conflict, per spec.md §4.2 ("if
// resolution succeeds it re-sends... otherwise it aborts").
func (cl *Client) TpcVote(ctx context.Context) error {
	cl.txMu.Lock()
	defer cl.txMu.Unlock()
	if cl.tx == nil {
		return fmt.Errorf("client: vote called outside a transaction: %w", protoerr.ErrInternal)
	}
	if len(cl.tx.conflicts) > 0 {
		return fmt.Errorf("client: unresolved store conflict: %w", protoerr.ErrInternal)
	}
	return nil
}

// TpcFinish sends FinishTransaction to the master and blocks for the
// commit to lock and apply across every involved storage, returning the
// committed TID.
func (cl *Client) TpcFinish(ctx context.Context) (ids.TID, error) {
	cl.txMu.Lock()
	tx := cl.tx
	cl.txMu.Unlock()
	if tx == nil {
		return 0, fmt.Errorf("client: finish called outside a transaction: %w", protoerr.ErrInternal)
	}

	mc, err := cl.masterConnection()
	if err != nil {
		return 0, err
	}
	ans, err := cl.D.Send(ctx, mc, &proto.FinishTransaction{TTID: tx.ttid, OIDs: tx.oids})
	if err != nil {
		return 0, err
	}
	a, ok := ans.(*proto.AnswerTransactionFinished)
	if !ok {
		return 0, fmt.Errorf("client: unexpected reply to FinishTransaction: %w", protoerr.ErrProtocol)
	}

	cl.mu.Lock()
	if a.TID > cl.lastTID {
		cl.lastTID = a.TID
	}
	cl.mu.Unlock()

	cl.txMu.Lock()
	cl.tx = nil
	cl.txMu.Unlock()
	return a.TID, nil
}

// TpcAbort discards the current transaction. Idempotent: aborting with no
// open transaction is a no-op, matching the storage/master side's
// idempotent AbortTransaction handling.
func (cl *Client) TpcAbort(ctx context.Context) {
	cl.txMu.Lock()
	tx := cl.tx
	cl.tx = nil
	cl.txMu.Unlock()
	if tx == nil {
		return
	}
	mc, err := cl.masterConnection()
	if err != nil {
		return
	}
	_ = mc.Send(ctx, 0, &proto.AbortTransaction{TTID: tx.ttid})
}

// Load returns the latest committed revision of oid, visible cache first.
func (cl *Client) Load(ctx context.Context, oid ids.OID) (data []byte, serial ids.TID, err error) {
	return cl.loadAt(ctx, oid, maxTID)
}

// LoadBefore returns the newest revision of oid committed strictly before
// tid.
func (cl *Client) LoadBefore(ctx context.Context, oid ids.OID, tid ids.TID) (data []byte, serial ids.TID, err error) {
	if tid == 0 {
		return nil, 0, fmt.Errorf("client: %w", protoerr.ErrTIDNotFound)
	}
	return cl.loadAt(ctx, oid, tid-1)
}

// LoadSerial returns oid's revision committed exactly at tid, failing with
// ErrSerialNotFound if the storage's answer is for a different (earlier)
// serial.
func (cl *Client) LoadSerial(ctx context.Context, oid ids.OID, tid ids.TID) (data []byte, serial ids.TID, err error) {
	data, serial, err = cl.loadAt(ctx, oid, tid)
	if err != nil {
		return nil, 0, err
	}
	if serial != tid {
		return nil, 0, fmt.Errorf("client: %w", protoerr.ErrSerialNotFound)
	}
	return data, serial, nil
}

func (cl *Client) loadAt(ctx context.Context, oid ids.OID, at ids.TID) ([]byte, ids.TID, error) {
	if at == maxTID {
		if serial, data, ok := cl.Cache.Get(oid); ok {
			return data, serial, nil
		}
	}

	sc, err := cl.storageConnFor(ctx, cl.PT.PartitionOfOID(oid))
	if err != nil {
		return nil, 0, err
	}
	ans, err := cl.D.Send(ctx, sc, &proto.AskObject{OID: proto.OIDAt{OID: oid, At: at}})
	if err != nil {
		return nil, 0, err
	}
	a, ok := ans.(*proto.AnswerObject)
	if !ok {
		return nil, 0, fmt.Errorf("client: unexpected reply to AskObject: %w", protoerr.ErrProtocol)
	}
	if a.Deleted {
		return nil, a.Serial, fmt.Errorf("client: %w", protoerr.ErrOIDNotFound)
	}
	if at == maxTID {
		cl.Cache.Put(oid, a.Serial, a.Data)
	}
	return a.Data, a.Serial, nil
}

// HistoryEntry mirrors proto.HistoryEntry for callers that don't want to
// import pkg/neo/proto directly.
type HistoryEntry struct {
	TID  ids.TID
	Size uint32
}

// History returns up to size of oid's most recent revisions, newest first.
func (cl *Client) History(ctx context.Context, oid ids.OID, size uint32) ([]HistoryEntry, error) {
	sc, err := cl.storageConnFor(ctx, cl.PT.PartitionOfOID(oid))
	if err != nil {
		return nil, err
	}
	ans, err := cl.D.Send(ctx, sc, &proto.AskObjectHistory{OID: oid, Offset: 0, Length: size})
	if err != nil {
		return nil, err
	}
	a, ok := ans.(*proto.AnswerObjectHistory)
	if !ok {
		return nil, fmt.Errorf("client: unexpected reply to AskObjectHistory: %w", protoerr.ErrProtocol)
	}
	out := make([]HistoryEntry, len(a.History))
	for i, h := range a.History {
		out[i] = HistoryEntry{TID: h.TID, Size: h.Size}
	}
	return out, nil
}

// Undo runs the logical inverse of the transaction committed at undoneTID,
// as a normal new transaction: it asks every storage serving an affected
// partition which of its OIDs the undone transaction touched, loads each
// one's prior revision, and restages it via StoreUndo (a Store that also
// carries the value_tid link spec.md §4.4 describes, back to the revision
// whose bytes are being restored). The caller still drives
// TpcVote/TpcFinish on the transaction Undo opens. undoneTID's own OID list
// isn't retained by the client, so every partition this Client currently
// knows about is asked; a storage that held none of undoneTID's OIDs simply
// answers an empty list.
func (cl *Client) Undo(ctx context.Context, undoneTID ids.TID) (ids.TID, error) {
	if _, err := cl.TpcBegin(ctx); err != nil {
		return 0, err
	}

	for p := uint32(0); p < cl.PT.P(); p++ {
		sc, err := cl.storageConnFor(ctx, p)
		if err != nil {
			continue
		}
		candidates, err := cl.oidsOfPartition(ctx, sc, p)
		if err != nil || len(candidates) == 0 {
			continue
		}
		ans, err := cl.D.Send(ctx, sc, &proto.AskUndoTransaction{UndoneTID: undoneTID, OIDs: candidates})
		if err != nil {
			continue
		}
		a, ok := ans.(*proto.AnswerUndoTransaction)
		if !ok {
			continue
		}
		for _, u := range a.OIDs {
			data, priorTID, err := cl.LoadBefore(ctx, u.OID, undoneTID)
			if err != nil {
				cl.TpcAbort(ctx)
				return 0, err
			}
			if _, _, err := cl.StoreUndo(ctx, u.OID, u.Head, priorTID, data); err != nil {
				cl.TpcAbort(ctx)
				return 0, err
			}
		}
	}

	if err := cl.TpcVote(ctx); err != nil {
		cl.TpcAbort(ctx)
		return 0, err
	}
	return cl.TpcFinish(ctx)
}

func (cl *Client) oidsOfPartition(ctx context.Context, sc *conn.Connection, partition uint32) ([]ids.OID, error) {
	ans, err := cl.D.Send(ctx, sc, &proto.AskOIDs{After: 0, Limit: ^uint32(0), Partition: partition})
	if err != nil {
		return nil, err
	}
	a, ok := ans.(*proto.AnswerOIDs)
	if !ok {
		return nil, fmt.Errorf("client: unexpected reply to AskOIDs: %w", protoerr.ErrProtocol)
	}
	return a.OIDs, nil
}

// TransactionInfo is one entry of an UndoLog listing.
type TransactionInfo struct {
	TID         ids.TID
	User        string
	Description string
}

// UndoLog lists committed transactions in [first, last) order (oldest
// first), passing each through filter; a nil filter keeps everything.
func (cl *Client) UndoLog(ctx context.Context, first, last ids.TID, filter func(TransactionInfo) bool) ([]TransactionInfo, error) {
	var out []TransactionInfo
	seen := map[ids.TID]bool{}
	for p := uint32(0); p < cl.PT.P(); p++ {
		sc, err := cl.storageConnFor(ctx, p)
		if err != nil {
			continue
		}
		// AskTIDsFrom is exclusive of After, so ask from just before first.
		ans, err := cl.D.Send(ctx, sc, &proto.AskTIDsFrom{After: first - 1, Limit: ^uint32(0), Partition: p})
		if err != nil {
			continue
		}
		a, ok := ans.(*proto.AnswerTIDsFrom)
		if !ok {
			continue
		}
		for _, tid := range a.TIDs {
			if tid >= last || seen[tid] {
				continue
			}
			seen[tid] = true
			tans, err := cl.D.Send(ctx, sc, &proto.AskTransactionInformation{TID: tid})
			if err != nil {
				continue
			}
			ta, ok := tans.(*proto.AnswerTransactionInformation)
			if !ok {
				continue
			}
			info := TransactionInfo{TID: ta.TID, User: ta.User, Description: ta.Description}
			if filter == nil || filter(info) {
				out = append(out, info)
			}
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].TID > out[j].TID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// Iterator walks committed TIDs in [start, stop) order across every
// partition this Client knows about, deduplicated and sorted ascending.
type Iterator struct {
	tids []ids.TID
	pos  int
}

// Iterator builds an Iterator over every distinct committed TID in
// [start, stop).
func (cl *Client) Iterator(ctx context.Context, start, stop ids.TID) (*Iterator, error) {
	seen := map[ids.TID]bool{}
	for p := uint32(0); p < cl.PT.P(); p++ {
		sc, err := cl.storageConnFor(ctx, p)
		if err != nil {
			continue
		}
		// AskTIDsFrom is exclusive of After, so ask from just before start.
		ans, err := cl.D.Send(ctx, sc, &proto.AskTIDsFrom{After: start - 1, Limit: ^uint32(0), Partition: p})
		if err != nil {
			continue
		}
		a, ok := ans.(*proto.AnswerTIDsFrom)
		if !ok {
			continue
		}
		for _, tid := range a.TIDs {
			if tid < stop {
				seen[tid] = true
			}
		}
	}
	out := make([]ids.TID, 0, len(seen))
	for tid := range seen {
		out = append(out, tid)
	}
	sortTIDs(out)
	return &Iterator{tids: out}, nil
}

func sortTIDs(tids []ids.TID) {
	for i := 1; i < len(tids); i++ {
		for j := i; j > 0 && tids[j-1] > tids[j]; j-- {
			tids[j-1], tids[j] = tids[j], tids[j-1]
		}
	}
}

// Next returns the next TID in the walk, or ok=false once exhausted.
func (it *Iterator) Next() (tid ids.TID, ok bool) {
	if it.pos >= len(it.tids) {
		return 0, false
	}
	tid = it.tids[it.pos]
	it.pos++
	return tid, true
}

// LastTransaction returns the newest TID this Client has observed, either
// through a commit it drove or an InvalidateObjects it received.
func (cl *Client) LastTransaction() ids.TID {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastTID
}

// handleInvalidate evicts every OID InvalidateObjects names and forwards the
// notification to the registered host callback, per spec.md §4.5.
func (cl *Client) handleInvalidate(tid ids.TID, oids []ids.OID) {
	for _, oid := range oids {
		cl.Cache.Evict(oid)
	}
	cl.mu.Lock()
	if tid > cl.lastTID {
		cl.lastTID = tid
	}
	cb := cl.invalidate
	cl.mu.Unlock()
	if cb != nil {
		cb(tid, oids)
	}
}
