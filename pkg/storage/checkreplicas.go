package storage

import (
	"context"
	"crypto/sha1"
	"encoding/binary"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

const checkReplicasChunkSize = 1024

// Digest summarizes one partition's committed rows over a (minTID, maxTID)
// window: chunked SHA-1 over concatenated TIDs, and separately over
// concatenated OIDs, so two replicas can be compared without shipping the
// full row set.
type Digest struct {
	TIDChunks [][20]byte
	OIDChunks [][20]byte
}

// LocalDigest computes this store's digest for partition over the window
// [minTID, maxTID].
func (s *Store) LocalDigest(partition uint32, minTID, maxTID ids.TID) (Digest, error) {
	var d Digest

	var tids []ids.TID
	after := minTID - 1
	for {
		batch, err := s.TIDsFrom(partition, after, checkReplicasChunkSize)
		if err != nil {
			return Digest{}, err
		}
		for _, t := range batch {
			if t > maxTID {
				batch = nil
				break
			}
			tids = append(tids, t)
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1]
	}
	d.TIDChunks = chunkedSHA1(tidsToBytes(tids), checkReplicasChunkSize)

	oids, err := s.AllOIDs(partition)
	if err != nil {
		return Digest{}, err
	}
	d.OIDChunks = chunkedSHA1(oidsToBytes(oids), checkReplicasChunkSize)

	return d, nil
}

func tidsToBytes(tids []ids.TID) []byte {
	buf := make([]byte, 0, len(tids)*8)
	var b [8]byte
	for _, t := range tids {
		binary.BigEndian.PutUint64(b[:], uint64(t))
		buf = append(buf, b[:]...)
	}
	return buf
}

func oidsToBytes(oids []ids.OID) []byte {
	buf := make([]byte, 0, len(oids)*8)
	var b [8]byte
	for _, o := range oids {
		binary.BigEndian.PutUint64(b[:], uint64(o))
		buf = append(buf, b[:]...)
	}
	return buf
}

func chunkedSHA1(data []byte, chunkBytes int) [][20]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][20]byte
	for i := 0; i < len(data); i += chunkBytes {
		end := i + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		out = append(out, sha1.Sum(data[i:end]))
	}
	return out
}

// DigestSource fetches a reference replica's digest, used by CheckReplicas
// to compare against the local one.
type DigestSource interface {
	Digest(ctx context.Context, partition uint32, minTID, maxTID ids.TID) (Digest, error)
}

// CheckReplicas compares this store's digest for partition against source
// over the same window, reporting divergence without repairing it
// (reconciliation is an operator decision, not automatic).
func (s *Store) CheckReplicas(ctx context.Context, partition uint32, minTID, maxTID ids.TID, source DigestSource) (bool, error) {
	local, err := s.LocalDigest(partition, minTID, maxTID)
	if err != nil {
		return false, err
	}
	remote, err := source.Digest(ctx, partition, minTID, maxTID)
	if err != nil {
		return false, err
	}
	return !digestsEqual(local, remote), nil
}

func digestsEqual(a, b Digest) bool {
	if len(a.TIDChunks) != len(b.TIDChunks) || len(a.OIDChunks) != len(b.OIDChunks) {
		return false
	}
	for i := range a.TIDChunks {
		if a.TIDChunks[i] != b.TIDChunks[i] {
			return false
		}
	}
	for i := range a.OIDChunks {
		if a.OIDChunks[i] != b.OIDChunks[i] {
			return false
		}
	}
	return true
}
