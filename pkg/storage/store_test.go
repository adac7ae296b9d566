package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutConfig(ConfigKeyClusterName, []byte("prod")))
	v, err := s.GetConfig(ConfigKeyClusterName)
	require.NoError(t, err)
	assert.Equal(t, "prod", string(v))
}

func TestPutDataDedupsByHash(t *testing.T) {
	s := openTestStore(t)
	hash := [20]byte{1, 2, 3}
	id1, err := s.PutData(hash, 0, []byte("hello"))
	require.NoError(t, err)
	id2, err := s.PutData(hash, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	rec, err := s.GetData(id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rec.Bytes)
}

func TestLoadReturnsNewestRevisionAtOrBeforeTID(t *testing.T) {
	s := openTestStore(t)
	const partition = 0
	oid := ids.OID(7)

	require.NoError(t, s.StoreObject(ObjectRecord{Partition: partition, OID: oid, TID: 10, DataID: 1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: partition, OID: oid, TID: 20, DataID: 2}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: partition, OID: oid, TID: 30, DataID: 3}))

	rec, err := s.Load(partition, oid, 25)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(20), rec.TID)
	assert.Equal(t, uint64(2), rec.DataID)

	rec, err = s.Load(partition, oid, 30)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(30), rec.TID)

	_, err = s.Load(partition, oid, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadIgnoresOtherOIDs(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 10, DataID: 1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: 2, TID: 15, DataID: 2}))

	rec, err := s.Load(0, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(10), rec.TID)
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(3)
	for _, tid := range []ids.TID{10, 20, 30} {
		require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: tid, DataID: uint64(tid)}))
	}
	hist, err := s.History(0, oid, 0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []ids.TID{30, 20, 10}, []ids.TID{hist[0].TID, hist[1].TID, hist[2].TID})
}

func TestTransRoundTrip(t *testing.T) {
	s := openTestStore(t)
	in := TransRecord{Partition: 1, TID: 99, Packed: true, OIDs: []ids.OID{1, 2, 3}, User: "alice", Description: "test", TTID: 98}
	require.NoError(t, s.StoreTrans(in))

	out, err := s.GetTrans(1, 99)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = s.GetTrans(1, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTIDsFromOrdersAscendingAfterCursor(t *testing.T) {
	s := openTestStore(t)
	for _, tid := range []ids.TID{5, 10, 15, 20} {
		require.NoError(t, s.StoreTrans(TransRecord{Partition: 0, TID: tid}))
	}
	tids, err := s.TIDsFrom(0, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, []ids.TID{15, 20}, tids)
}

func TestOIDsFromDedupsAcrossRevisions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 1}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 2}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: 2, TID: 3}))

	oids, err := s.OIDsFrom(0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []ids.OID{1, 2}, oids)
}

func TestFinishCopiesStagedIntoCommitted(t *testing.T) {
	s := openTestStore(t)
	ttid := ids.TID(500)
	require.NoError(t, s.StageObject(ttid, 1, 10, false, 0))
	require.NoError(t, s.StageObject(ttid, 2, 0, true, 0))

	require.NoError(t, s.Finish(0, ttid, 501, TransRecord{User: "bob"}))

	rec, err := s.Load(0, 1, 501)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.DataID)

	rec, err = s.Load(0, 2, 501)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	staged, err := s.StagedObjects(ttid)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestStageStoreObjectReportsLatestAndStagesRegardless(t *testing.T) {
	s := openTestStore(t)
	oid := ids.OID(1)
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: oid, TID: 100, DataID: 1}))

	latest, err := s.StageStoreObject(0, oid, 200, [20]byte{1}, 0, []byte("new"), 0)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(100), latest, "latest committed revision is reported so the caller can flag a conflict")

	staged, err := s.StagedObjects(200)
	require.NoError(t, err)
	require.Contains(t, staged, oid, "the stage succeeds regardless of the conflict outcome")
}

func TestStageStoreObjectDedupsDataByHash(t *testing.T) {
	s := openTestStore(t)
	hash := [20]byte{9}

	_, err := s.StageStoreObject(0, 1, 10, hash, 0, []byte("same"), 0)
	require.NoError(t, err)
	_, err = s.StageStoreObject(0, 2, 11, hash, 0, []byte("same"), 0)
	require.NoError(t, err)

	staged1, err := s.StagedObjects(10)
	require.NoError(t, err)
	staged2, err := s.StagedObjects(11)
	require.NoError(t, err)
	assert.Equal(t, staged1[1].DataID, staged2[2].DataID)
}

func TestDiscardStagedOnAbort(t *testing.T) {
	s := openTestStore(t)
	ttid := ids.TID(7)
	require.NoError(t, s.StageObject(ttid, 1, 1, false, 0))
	require.NoError(t, s.DiscardStaged(ttid))
	staged, err := s.StagedObjects(ttid)
	require.NoError(t, err)
	assert.Empty(t, staged)
}
