package storage

import (
	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/ids"
)

// Pack reclaims object revisions older than packTID across partition: for
// every OID with any revision at or before packTID, it finds the newest
// such revision (max_serial), bumps past it if that revision is itself a
// deletion (so the tombstone is removed too), deletes every strictly
// older revision, rewrites any surviving future revision whose value_tid
// pointed into the deleted range onto the new oldest survivor, and
// removes any data blob no longer referenced by a join over the obj
// table. Returns the number of revisions reclaimed.
func (s *Store) Pack(partition uint32, packTID ids.TID) (int, error) {
	oids, err := s.AllOIDs(partition)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	candidateData := map[uint64]struct{}{}

	for _, oid := range oids {
		hist, err := s.History(partition, oid, 0, 1<<20)
		if err != nil {
			return reclaimed, err
		}
		if len(hist) == 0 {
			continue
		}

		maxSerialIdx := -1
		for i, rev := range hist {
			if rev.TID <= packTID {
				maxSerialIdx = i
				break
			}
		}
		if maxSerialIdx == -1 {
			continue // every revision is newer than packTID
		}

		maxSerial := hist[maxSerialIdx]
		if maxSerial.Deleted {
			// The deletion tombstone itself is also reclaimed; the
			// survivor becomes the one newer than it, if any.
			if maxSerialIdx == 0 {
				continue // the deletion is the newest revision: nothing to reclaim yet
			}
			maxSerialIdx--
			maxSerial = hist[maxSerialIdx]
		}

		toDelete := hist[maxSerialIdx+1:]
		if len(toDelete) == 0 {
			continue
		}

		survivorTID := maxSerial.TID
		for i := maxSerialIdx - 1; i >= 0; i-- {
			rev := hist[i]
			if rev.ValueTID == 0 {
				continue
			}
			pointsIntoDeletedRange := false
			for _, d := range toDelete {
				if rev.ValueTID == d.TID {
					pointsIntoDeletedRange = true
					break
				}
			}
			if !pointsIntoDeletedRange {
				continue
			}
			if err := s.RewriteValueTID(partition, oid, rev.TID, survivorTID); err != nil {
				return reclaimed, err
			}
		}

		for _, rev := range toDelete {
			if !rev.Deleted && rev.DataID != 0 {
				candidateData[rev.DataID] = struct{}{}
			}
			if err := s.DeleteObjectRevision(partition, oid, rev.TID); err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}

	for dataID := range candidateData {
		referenced, err := s.DataReferenced(dataID)
		if err != nil {
			return reclaimed, err
		}
		if !referenced {
			rec, err := s.GetData(dataID)
			if err != nil {
				continue
			}
			if err := s.DeleteData(dataID, rec.Hash); err != nil {
				return reclaimed, err
			}
		}
	}

	if reclaimed > 0 {
		metrics.PackReclaimedTotal.Add(float64(reclaimed))
	}
	return reclaimed, nil
}
