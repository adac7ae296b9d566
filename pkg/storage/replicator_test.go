package storage

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

type fakePeer struct {
	trans map[ids.TID]TransRecord
	tids  []ids.TID

	oids     []ids.OID
	history  map[ids.OID][]ids.TID
	objects  map[[2]uint64][]byte
}

func (f *fakePeer) TIDsFrom(ctx context.Context, partition uint32, after ids.TID, limit uint32) ([]ids.TID, error) {
	var out []ids.TID
	for _, t := range f.tids {
		if t > after {
			out = append(out, t)
		}
	}
	if uint32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePeer) TransactionInformation(ctx context.Context, tid ids.TID) (TransRecord, error) {
	return f.trans[tid], nil
}

func (f *fakePeer) OIDsFrom(ctx context.Context, partition uint32, after ids.OID, limit uint32) ([]ids.OID, error) {
	var out []ids.OID
	for _, o := range f.oids {
		if o > after {
			out = append(out, o)
		}
	}
	if uint32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePeer) ObjectHistoryFrom(ctx context.Context, oid ids.OID, after ids.TID, limit uint32) ([]ids.TID, error) {
	var out []ids.TID
	for _, t := range f.history[oid] {
		if t > after {
			out = append(out, t)
		}
	}
	if uint32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePeer) Object(ctx context.Context, oid ids.OID, serial ids.TID) ([]byte, uint8, [20]byte, bool, error) {
	data := f.objects[[2]uint64{uint64(oid), uint64(serial)}]
	return data, 0, [20]byte{}, false, nil
}

func TestReplicatorCatchesUpAndReportsDone(t *testing.T) {
	s := openTestStore(t)
	peer := &fakePeer{
		tids:    []ids.TID{10, 20},
		trans:   map[ids.TID]TransRecord{10: {User: "a"}, 20: {User: "b"}},
		oids:    []ids.OID{1},
		history: map[ids.OID][]ids.TID{1: {10, 20}},
		objects: map[[2]uint64][]byte{
			{1, 10}: []byte("v1"),
			{1, 20}: []byte("v2"),
		},
	}

	var reportedDone []uint32
	r := NewReplicator(s, func(p uint32) { reportedDone = append(reportedDone, p) }, zerolog.Nop())
	r.SetSource(0, peer)

	ctx := context.Background()
	done, _, err := r.catchUpOne(ctx, 0, peer)
	require.NoError(t, err)
	assert.True(t, done)

	rec, err := s.Load(0, 1, 20)
	require.NoError(t, err)
	assert.Greater(t, rec.DataID, uint64(0))

	_, err = s.GetTrans(0, 10)
	require.NoError(t, err)
}

func TestReplicatorResumesFromPersistedCursor(t *testing.T) {
	s := openTestStore(t)
	peer := &fakePeer{tids: []ids.TID{5, 10, 15}, trans: map[ids.TID]TransRecord{
		5: {}, 10: {}, 15: {},
	}}
	r := NewReplicator(s, nil, zerolog.Nop())

	ctx := context.Background()
	_, _, err := r.catchUpOne(ctx, 0, peer)
	require.NoError(t, err)

	tidCursor, _, err := r.loadCursors(0)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(15), tidCursor)

	// A fresh Replicator sharing the same store resumes from the
	// persisted cursor rather than re-fetching everything.
	r2 := NewReplicator(s, nil, zerolog.Nop())
	cursor, _, err := r2.loadCursors(0)
	require.NoError(t, err)
	assert.Equal(t, ids.TID(15), cursor)
}
