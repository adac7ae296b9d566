package storage

import (
	"context"
	"sync"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

// oidLockTable gives the storage node the per-OID serialization spec.md
// §4.2 requires: "a storage that already locked the OID for an earlier TID
// delays its response to a conflicting AskStoreObject until that earlier
// TID completes or aborts". conn.Connection runs one reader goroutine per
// accepted connection with no cross-connection synchronization, so without
// this table two clients racing AskStoreObject on the same OID could both
// observe no conflict and both stage a write, silently losing one.
//
// A TID acquires every OID it stores once, at the first AskStoreObject
// naming it, and holds them until ReleaseAll is called from
// UnlockInformation (commit) or AbortTransaction (abort).
type oidLockTable struct {
	mu      sync.Mutex
	owner   map[ids.OID]ids.TID
	waiters map[ids.OID][]chan struct{}
	byTxn   map[ids.TID]map[ids.OID]bool
}

func newOIDLockTable() *oidLockTable {
	return &oidLockTable{
		owner:   make(map[ids.OID]ids.TID),
		waiters: make(map[ids.OID][]chan struct{}),
		byTxn:   make(map[ids.TID]map[ids.OID]bool),
	}
}

// Acquire blocks until oid is unlocked or already held by ttid, then
// records ttid as its holder. A held lock is released only by ReleaseAll,
// so repeated calls for the same (oid, ttid) pair (a client restoring an
// oid it already staged earlier in the same transaction) return
// immediately.
func (t *oidLockTable) Acquire(ctx context.Context, oid ids.OID, ttid ids.TID) error {
	for {
		t.mu.Lock()
		owner, held := t.owner[oid]
		if !held || owner == ttid {
			t.owner[oid] = ttid
			if t.byTxn[ttid] == nil {
				t.byTxn[ttid] = make(map[ids.OID]bool)
			}
			t.byTxn[ttid][oid] = true
			t.mu.Unlock()
			return nil
		}
		wake := make(chan struct{})
		t.waiters[oid] = append(t.waiters[oid], wake)
		t.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReleaseAll releases every OID held by ttid and wakes anything waiting on
// them, called once ttid's staged rows are committed or discarded.
func (t *oidLockTable) ReleaseAll(ttid ids.TID) {
	t.mu.Lock()
	oids := t.byTxn[ttid]
	delete(t.byTxn, ttid)
	var toWake []chan struct{}
	for oid := range oids {
		if t.owner[oid] == ttid {
			delete(t.owner, oid)
		}
		toWake = append(toWake, t.waiters[oid]...)
		delete(t.waiters, oid)
	}
	t.mu.Unlock()
	for _, ch := range toWake {
		close(ch)
	}
}
