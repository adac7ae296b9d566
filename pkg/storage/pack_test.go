package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

func mustPutPackData(t *testing.T, s *Store, b byte, payload string) uint64 {
	t.Helper()
	id, err := s.PutData([20]byte{b}, 0, []byte(payload))
	require.NoError(t, err)
	return id
}

func TestPackKeepsOnlyNewestAtOrBeforeCutoff(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(3)
	d1 := mustPutPackData(t, s, 1, "v1")
	d2 := mustPutPackData(t, s, 2, "v2")
	d3 := mustPutPackData(t, s, 3, "v3")

	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 10, DataID: d1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 20, DataID: d2}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 30, DataID: d3}))

	reclaimed, err := s.Pack(0, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	hist, err := s.History(0, oid, 0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, []ids.TID{30, 20}, []ids.TID{hist[0].TID, hist[1].TID})

	_, err = s.Load(0, oid, 15)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPackBumpsPastDeletionTombstone(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(5)
	d1 := mustPutPackData(t, s, 1, "v1")

	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 10, DataID: d1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 20, Deleted: true}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 30, DataID: d1}))

	_, err := s.Pack(0, 25)
	require.NoError(t, err)

	hist, err := s.History(0, oid, 0, 10)
	require.NoError(t, err)
	// The tombstone at 20 and the revision at 10 are both reclaimed;
	// only the re-creation at 30 remains.
	require.Len(t, hist, 1)
	assert.Equal(t, ids.TID(30), hist[0].TID)
}

func TestPackIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(9)
	d1 := mustPutPackData(t, s, 1, "v1")
	d2 := mustPutPackData(t, s, 2, "v2")
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 10, DataID: d1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 20, DataID: d2}))

	_, err := s.Pack(0, 20)
	require.NoError(t, err)
	second, err := s.Pack(0, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, second)
}

func TestRewriteUndoChainRetargetsLaterAliasesOfUndoneTID(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(6)
	d1 := mustPutPackData(t, s, 1, "v1")

	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 10, DataID: d1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 20, DataID: d1}))
	// TID 30 previously aliased TID 20's value via value_tid, as if an
	// earlier undo had restored TID 20's bytes onto it.
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 30, DataID: d1, ValueTID: 20}))

	priorTID, err := s.RewriteUndoChain(0, oid, 20)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(10), priorTID)

	hist, err := s.History(0, oid, 0, unboundedHistory)
	require.NoError(t, err)
	found := false
	for _, rec := range hist {
		if rec.TID == 30 {
			found = true
			assert.Equal(t, priorTID, rec.ValueTID, "TID 30 aliased the now-undone revision 20, must be retargeted to 10")
		}
	}
	assert.True(t, found)
}

// TestUndoChainKeepsDataReachableAfterPack exercises the full undo ->
// pack path: undoing TID 20 restores oid to its TID 10 bytes as a new
// revision linked back by value_tid, and packing away the original
// history must not make that data unreachable.
func TestUndoChainKeepsDataReachableAfterPack(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(4)
	dOriginal := mustPutPackData(t, s, 1, "original")
	dNew := mustPutPackData(t, s, 2, "changed")

	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 10, DataID: dOriginal}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 20, DataID: dNew}))

	priorTID, err := s.RewriteUndoChain(0, oid, 20)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(10), priorTID)

	// The client restores the prior bytes as a normal new revision,
	// content-addressed back onto dOriginal, and links value_tid to the
	// revision it duplicates.
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 30, DataID: dOriginal, ValueTID: priorTID}))

	reclaimed, err := s.Pack(0, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed, "TID 10 is packed away; TID 20 is the newest revision at or before 25 and survives")

	rec, err := s.Load(0, oid, MaxTID)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(30), rec.TID)
	assert.Equal(t, ids.TID(20), rec.ValueTID, "an alias into the packed range is retargeted onto the surviving revision")

	data, err := s.GetData(dOriginal)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data.Bytes)
}

func TestPackDeletesOrphanedData(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(1)
	d1 := mustPutPackData(t, s, 7, "only-reachable-from-old-revision")
	d2 := mustPutPackData(t, s, 8, "newer")
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 10, DataID: d1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 20, DataID: d2}))

	_, err := s.Pack(0, 20)
	require.NoError(t, err)

	_, err = s.GetData(d1)
	assert.Error(t, err, "data referenced only by a reclaimed revision must be deleted")

	_, err = s.GetData(d2)
	assert.NoError(t, err)
}
