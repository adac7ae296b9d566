package master

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/ids"
)

// ErrUnknownTransaction is returned by operations on a TID the
// coordinator no longer (or never did) track. Abort treats it as a
// no-op rather than surfacing it to the caller.
var ErrUnknownTransaction = errors.New("master: unknown transaction")

// ErrNotLocked is returned when Commit is called before every expected
// storage has acknowledged the lock.
var ErrNotLocked = errors.New("master: transaction not yet locked")

// TxnState tracks a coordinated transaction through 2PC.
type TxnState uint8

const (
	TxnBegun TxnState = iota
	TxnPrepared
	TxnLocked
	TxnFinished
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnBegun:
		return "BEGUN"
	case TxnPrepared:
		return "PREPARED"
	case TxnLocked:
		return "LOCKED"
	case TxnFinished:
		return "FINISHED"
	case TxnAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is the master's bookkeeping record for one client commit:
// which storages still owe a lock acknowledgement, and which already
// gave one (so Forget can tell a node-loss-induced shrink of the
// expected set from a transaction that's already fully answered).
type Transaction struct {
	TID      ids.TID
	OIDs     []ids.OID
	State    TxnState
	expected map[ids.UUID]bool
	answered map[ids.UUID]bool
}

// PartitionResolver maps an OID/TID to the set of storage UUIDs holding
// an UP_TO_DATE or OUT_OF_DATE cell for its partition; the coordinator
// asks it fresh on every Prepare so a concurrent partition-table change
// is picked up for new transactions.
type PartitionResolver interface {
	StoragesFor(partition uint32) []ids.UUID
	PartitionOfOID(oid ids.OID) uint32
	PartitionOfTID(tid ids.TID) uint32
}

// Coordinator is the master's TID/OID allocator and two-phase-commit
// state machine. One instance lives on the primary only.
type Coordinator struct {
	mu sync.Mutex

	lastTID ids.TID
	nextOID ids.OID

	txns map[ids.TID]*Transaction

	resolver PartitionResolver
	log      zerolog.Logger
}

// NewCoordinator returns a Coordinator with no transactions in flight.
// lastKnownTID should be the highest TID any storage has reported
// persisted, so freshly assigned TIDs never collide with one a replica
// already has on disk.
func NewCoordinator(resolver PartitionResolver, lastKnownTID ids.TID, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		lastTID:  lastKnownTID,
		nextOID:  1, // OID 0 is reserved
		txns:     make(map[ids.TID]*Transaction),
		resolver: resolver,
		log:      log.With().Str("component", "txn").Logger(),
	}
}

// NewOIDs allocates the next contiguous range of count OIDs.
func (c *Coordinator) NewOIDs(count uint32) []ids.OID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ids.OID, count)
	for i := range out {
		out[i] = c.nextOID
		c.nextOID++
	}
	return out
}

// Begin assigns a fresh TID strictly greater than every TID issued or
// reported so far and opens a BEGUN transaction record for it.
func (c *Coordinator) Begin() ids.TID {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	// The counter is the number of 1/60-second ticks elapsed in the minute.
	ticks := uint32(now.Second()*60) + uint32(int64(now.Nanosecond())*60/int64(time.Second))
	candidate := ids.PackTID(now, ticks)
	tid := ids.Max(ids.NextTID(c.lastTID), candidate)
	c.lastTID = tid
	c.txns[tid] = &Transaction{TID: tid, State: TxnBegun}
	return tid
}

// ObserveReportedTID folds in a TID a storage reports as already
// persisted (seen during RECOVERING), so Begin never reissues it.
func (c *Coordinator) ObserveReportedTID(tid ids.TID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTID = ids.Max(c.lastTID, tid)
}

// Prepare computes the set of storages touched by oids (and by tid's own
// partition, for the trans record) and moves the transaction to
// PREPARED with that set as its expected-lock-ack set. It returns the
// storages LockInformation(tid) must be sent to.
func (c *Coordinator) Prepare(tid ids.TID, oids []ids.OID) ([]ids.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[tid]
	if !ok {
		return nil, ErrUnknownTransaction
	}

	partitions := map[uint32]bool{c.resolver.PartitionOfTID(tid): true}
	for _, oid := range oids {
		partitions[c.resolver.PartitionOfOID(oid)] = true
	}

	expected := make(map[ids.UUID]bool)
	var storages []ids.UUID
	for p := range partitions {
		for _, uuid := range c.resolver.StoragesFor(p) {
			if !expected[uuid] {
				expected[uuid] = true
				storages = append(storages, uuid)
			}
		}
	}

	txn.OIDs = oids
	txn.State = TxnPrepared
	txn.expected = expected
	txn.answered = make(map[ids.UUID]bool)
	return storages, nil
}

// Lock records that uuid acknowledged NotifyInformationLocked(tid). It
// returns true exactly once, the moment the expected set is fully
// answered (the transaction has just become LOCKED).
func (c *Coordinator) Lock(tid ids.TID, uuid ids.UUID) (justLocked bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[tid]
	if !ok {
		return false, ErrUnknownTransaction
	}
	if txn.State != TxnPrepared {
		return false, nil
	}
	txn.answered[uuid] = true
	if !c.fullyAnsweredLocked(txn) {
		return false, nil
	}
	txn.State = TxnLocked
	return true, nil
}

func (c *Coordinator) fullyAnsweredLocked(txn *Transaction) bool {
	for uuid := range txn.expected {
		if !txn.answered[uuid] {
			return false
		}
	}
	return true
}

// Commit finalizes a LOCKED transaction, returning its OID list for the
// InvalidateObjects broadcast and the storage set for UnlockInformation.
// The caller is responsible for actually sending those packets; Commit
// only retires the bookkeeping.
func (c *Coordinator) Commit(tid ids.TID) (oids []ids.OID, storages []ids.UUID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[tid]
	if !ok {
		return nil, nil, ErrUnknownTransaction
	}
	if txn.State != TxnLocked {
		return nil, nil, ErrNotLocked
	}
	for uuid := range txn.expected {
		storages = append(storages, uuid)
	}
	txn.State = TxnFinished
	delete(c.txns, tid)
	metrics.TransactionsCommitted.Inc()
	return txn.OIDs, storages, nil
}

// Abort drops a transaction's bookkeeping. Aborting an unknown TID is a
// no-op, matching repeated or racing aborts from the client.
func (c *Coordinator) Abort(tid ids.TID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txns[tid]; ok {
		metrics.TransactionsAborted.Inc()
	}
	delete(c.txns, tid)
}

// Forget removes uuid from every pending transaction's expected set,
// used when the node manager reports the storage lost. It returns the
// TIDs that just became lockable as a result (their expected set now
// matches the answered set of still-live replicas).
func (c *Coordinator) Forget(uuid ids.UUID) []ids.TID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var newlyLocked []ids.TID
	for tid, txn := range c.txns {
		if txn.State != TxnPrepared {
			continue
		}
		if !txn.expected[uuid] {
			continue
		}
		delete(txn.expected, uuid)
		delete(txn.answered, uuid)
		if c.fullyAnsweredLocked(txn) {
			txn.State = TxnLocked
			newlyLocked = append(newlyLocked, tid)
		}
	}
	return newlyLocked
}

// Pending reports how many transactions are tracked, for metrics.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txns)
}
