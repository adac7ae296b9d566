package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

type identicalSource struct{ s *Store }

func (d identicalSource) Digest(ctx context.Context, partition uint32, minTID, maxTID ids.TID) (Digest, error) {
	return d.s.LocalDigest(partition, minTID, maxTID)
}

type divergentSource struct{}

func (divergentSource) Digest(ctx context.Context, partition uint32, minTID, maxTID ids.TID) (Digest, error) {
	return Digest{TIDChunks: [][20]byte{{9, 9, 9}}}, nil
}

func TestCheckReplicasAgreesWithItself(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreTrans(TransRecord{Partition: 0, TID: 10}))
	require.NoError(t, s.StoreTrans(TransRecord{Partition: 0, TID: 20}))
	require.NoError(t, s.StoreObject(ObjectRecord{Partition: 0, OID: 1, TID: 10}))

	divergent, err := s.CheckReplicas(context.Background(), 0, 0, 100, identicalSource{s})
	require.NoError(t, err)
	assert.False(t, divergent)
}

func TestCheckReplicasDetectsDivergence(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreTrans(TransRecord{Partition: 0, TID: 10}))

	divergent, err := s.CheckReplicas(context.Background(), 0, 0, 100, divergentSource{})
	require.NoError(t, err)
	assert.True(t, divergent)
}

func TestCheckReplicasWindowExcludesOutOfRangeTIDs(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreTrans(TransRecord{Partition: 0, TID: 5}))
	require.NoError(t, s.StoreTrans(TransRecord{Partition: 0, TID: 500}))

	d, err := s.LocalDigest(0, 0, 10)
	require.NoError(t, err)
	assert.Len(t, d.TIDChunks, 1)
}
