package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/ids"
)

// Peer is the subset of a remote storage's answers a Replicator needs to
// catch an OUT_OF_DATE partition up to a source replica. A real peer is
// backed by the dispatcher issuing AskTIDsFrom/AskOIDs/
// AskObjectHistoryFrom/AskObject over a connection; tests supply an
// in-memory fake.
type Peer interface {
	TIDsFrom(ctx context.Context, partition uint32, after ids.TID, limit uint32) ([]ids.TID, error)
	TransactionInformation(ctx context.Context, tid ids.TID) (TransRecord, error)
	OIDsFrom(ctx context.Context, partition uint32, after ids.OID, limit uint32) ([]ids.OID, error)
	ObjectHistoryFrom(ctx context.Context, oid ids.OID, after ids.TID, limit uint32) ([]ids.TID, error)
	Object(ctx context.Context, oid ids.OID, serial ids.TID) (data []byte, compression uint8, hash [20]byte, deleted bool, err error)
}

// DoneNotifier is called once a partition's replication catches up to its
// source, so the owning role can tell the master (NotifyReplicationDone)
// and it can transition the cell to UP_TO_DATE.
type DoneNotifier func(partition uint32)

const replicationBatchSize = 256

// Replicator drives one storage node's catch-up of every locally
// OUT_OF_DATE partition, one source peer per partition, ticking like the
// teacher's reconcile loop: desired (source's latest) vs. actual (local
// cursor), converge, report.
type Replicator struct {
	store *Store
	log   zerolog.Logger

	mu      sync.Mutex
	sources map[uint32]Peer
	onDone  DoneNotifier

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReplicator returns a Replicator persisting its cursors in store.
func NewReplicator(store *Store, onDone DoneNotifier, log zerolog.Logger) *Replicator {
	return &Replicator{
		store:   store,
		log:     log,
		sources: make(map[uint32]Peer),
		onDone:  onDone,
		stopCh:  make(chan struct{}),
	}
}

// SetSource registers (or clears, if peer is nil) the source peer a
// partition should replicate from.
func (r *Replicator) SetSource(partition uint32, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer == nil {
		delete(r.sources, partition)
		return
	}
	r.sources[partition] = peer
}

// Start begins the periodic catch-up loop.
func (r *Replicator) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop halts the catch-up loop and waits for it to exit.
func (r *Replicator) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Replicator) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.catchUpAll(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replicator) catchUpAll(ctx context.Context) {
	r.mu.Lock()
	partitions := make([]uint32, 0, len(r.sources))
	for p := range r.sources {
		partitions = append(partitions, p)
	}
	r.mu.Unlock()

	for _, p := range partitions {
		r.mu.Lock()
		peer := r.sources[p]
		r.mu.Unlock()
		if peer == nil {
			continue
		}
		done, lag, err := r.catchUpOne(ctx, p, peer)
		if err != nil {
			r.log.Warn().Err(err).Uint32("partition", p).Msg("replication step failed")
			continue
		}
		partitionLabel := strconv.FormatUint(uint64(p), 10)
		metrics.ReplicationLagTIDs.WithLabelValues(partitionLabel).Set(float64(lag))
		if done {
			r.SetSource(p, nil)
			if r.onDone != nil {
				r.onDone(p)
			}
		}
	}
}

// catchUpOne replicates one batch of transactions and objects for
// partition from peer, returning true once both cursors hit a batch
// smaller than the page size (i.e. the source is quiescent and caught
// up).
func (r *Replicator) catchUpOne(ctx context.Context, partition uint32, peer Peer) (bool, int, error) {
	tidCursor, oidCursor, err := r.loadCursors(partition)
	if err != nil {
		return false, 0, err
	}

	tids, err := peer.TIDsFrom(ctx, partition, tidCursor, replicationBatchSize)
	if err != nil {
		return false, 0, fmt.Errorf("replicator: AskTIDsFrom: %w", err)
	}
	for _, tid := range tids {
		if _, err := r.store.GetTrans(partition, tid); err == ErrNotFound {
			info, err := peer.TransactionInformation(ctx, tid)
			if err != nil {
				return false, 0, fmt.Errorf("replicator: AskTransactionInformation(%d): %w", tid, err)
			}
			info.Partition = partition
			info.TID = tid
			if err := r.store.StoreTrans(info); err != nil {
				return false, 0, err
			}
		}
		tidCursor = tid
	}

	oids, err := peer.OIDsFrom(ctx, partition, oidCursor, replicationBatchSize)
	if err != nil {
		return false, 0, fmt.Errorf("replicator: AskOIDs: %w", err)
	}
	for _, oid := range oids {
		serialCursor, err := r.loadSerialCursor(partition, oid)
		if err != nil {
			return false, 0, err
		}
		serials, err := peer.ObjectHistoryFrom(ctx, oid, serialCursor, replicationBatchSize)
		if err != nil {
			return false, 0, fmt.Errorf("replicator: AskObjectHistoryFrom(%d): %w", oid, err)
		}
		for _, serial := range serials {
			if _, err := r.store.Load(partition, oid, serial); err == ErrNotFound {
				data, compression, hash, deleted, err := peer.Object(ctx, oid, serial)
				if err != nil {
					return false, 0, fmt.Errorf("replicator: AskObject(%d,%d): %w", oid, serial, err)
				}
				var dataID uint64
				if !deleted {
					dataID, err = r.store.PutData(hash, compression, data)
					if err != nil {
						return false, 0, err
					}
				}
				if err := r.store.StoreObject(ObjectRecord{Partition: partition, OID: oid, TID: serial, DataID: dataID, Deleted: deleted}); err != nil {
					return false, 0, err
				}
			}
			serialCursor = serial
		}
		if err := r.saveSerialCursor(partition, oid, serialCursor); err != nil {
			return false, 0, err
		}
		oidCursor = oid
	}

	if err := r.saveCursors(partition, tidCursor, oidCursor); err != nil {
		return false, 0, err
	}

	caughtUp := len(tids) < replicationBatchSize && len(oids) < replicationBatchSize
	return caughtUp, len(tids), nil
}

func cursorKey(partition uint32, suffix string) string {
	return fmt.Sprintf("repl_cursor_%d_%s", partition, suffix)
}

func (r *Replicator) loadCursors(partition uint32) (tid ids.TID, oid ids.OID, err error) {
	tidRaw, err := r.store.GetConfig(cursorKey(partition, "tid"))
	if err != nil {
		return 0, 0, err
	}
	oidRaw, err := r.store.GetConfig(cursorKey(partition, "oid"))
	if err != nil {
		return 0, 0, err
	}
	if len(tidRaw) == 8 {
		tid = ids.TID(binary.BigEndian.Uint64(tidRaw))
	}
	if len(oidRaw) == 8 {
		oid = ids.OID(binary.BigEndian.Uint64(oidRaw))
	}
	return tid, oid, nil
}

func (r *Replicator) saveCursors(partition uint32, tid ids.TID, oid ids.OID) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(tid))
	if err := r.store.PutConfig(cursorKey(partition, "tid"), buf[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(buf[:], uint64(oid))
	return r.store.PutConfig(cursorKey(partition, "oid"), buf[:])
}

func (r *Replicator) loadSerialCursor(partition uint32, oid ids.OID) (ids.TID, error) {
	raw, err := r.store.GetConfig(cursorKey(partition, fmt.Sprintf("serial_%d", oid)))
	if err != nil || len(raw) != 8 {
		return 0, err
	}
	return ids.TID(binary.BigEndian.Uint64(raw)), nil
}

func (r *Replicator) saveSerialCursor(partition uint32, oid ids.OID, tid ids.TID) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(tid))
	return r.store.PutConfig(cursorKey(partition, fmt.Sprintf("serial_%d", oid)), buf[:])
}
