package master

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

type fakeResolver struct {
	p          uint32
	byPartition map[uint32][]ids.UUID
}

func (r *fakeResolver) StoragesFor(partition uint32) []ids.UUID { return r.byPartition[partition] }
func (r *fakeResolver) PartitionOfOID(oid ids.OID) uint32       { return uint32(oid) % r.p }
func (r *fakeResolver) PartitionOfTID(tid ids.TID) uint32       { return uint32(tid) % r.p }

func uuidN(n byte) ids.UUID {
	var u ids.UUID
	u[0] = byte(ids.RoleStorage)
	u[15] = n
	return u
}

func TestNewOIDsAllocatesContiguousRange(t *testing.T) {
	c := NewCoordinator(&fakeResolver{p: 1}, 0, zerolog.Nop())
	first := c.NewOIDs(3)
	second := c.NewOIDs(2)
	assert.Equal(t, []ids.OID{1, 2, 3}, first)
	assert.Equal(t, []ids.OID{4, 5}, second)
}

func TestBeginAssignsIncreasingTIDs(t *testing.T) {
	c := NewCoordinator(&fakeResolver{p: 1}, 0, zerolog.Nop())
	t1 := c.Begin()
	t2 := c.Begin()
	assert.Greater(t, uint64(t2), uint64(t1))
}

func TestPrepareLockCommitHappyPath(t *testing.T) {
	s1, s2 := uuidN(1), uuidN(2)
	r := &fakeResolver{p: 2, byPartition: map[uint32][]ids.UUID{0: {s1}, 1: {s2}}}
	c := NewCoordinator(r, 0, zerolog.Nop())

	tid := c.Begin()
	storages, err := c.Prepare(tid, []ids.OID{1, 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []ids.UUID{s1, s2}, storages)

	locked, err := c.Lock(tid, s1)
	require.NoError(t, err)
	assert.False(t, locked)

	locked, err = c.Lock(tid, s2)
	require.NoError(t, err)
	assert.True(t, locked)

	oids, commitStorages, err := c.Commit(tid)
	require.NoError(t, err)
	assert.Equal(t, []ids.OID{1, 2}, oids)
	assert.ElementsMatch(t, []ids.UUID{s1, s2}, commitStorages)

	assert.Equal(t, 0, c.Pending())
}

func TestCommitBeforeLockedFails(t *testing.T) {
	r := &fakeResolver{p: 1, byPartition: map[uint32][]ids.UUID{0: {uuidN(1)}}}
	c := NewCoordinator(r, 0, zerolog.Nop())
	tid := c.Begin()
	_, err := c.Prepare(tid, []ids.OID{1})
	require.NoError(t, err)

	_, _, err = c.Commit(tid)
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestAbortUnknownTIDIsNoop(t *testing.T) {
	c := NewCoordinator(&fakeResolver{p: 1}, 0, zerolog.Nop())
	c.Abort(999)
}

func TestForgetUnblocksLockWaitingOnLostStorage(t *testing.T) {
	s1, s2 := uuidN(1), uuidN(2)
	r := &fakeResolver{p: 1, byPartition: map[uint32][]ids.UUID{0: {s1, s2}}}
	c := NewCoordinator(r, 0, zerolog.Nop())

	tid := c.Begin()
	_, err := c.Prepare(tid, []ids.OID{2})
	require.NoError(t, err)

	locked, err := c.Lock(tid, s1)
	require.NoError(t, err)
	assert.False(t, locked)

	newlyLocked := c.Forget(s2)
	assert.Equal(t, []ids.TID{tid}, newlyLocked)

	_, _, err = c.Commit(tid)
	require.NoError(t, err)
}
