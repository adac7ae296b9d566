// Package storage implements the storage node's metadata engine: seven
// bbolt-backed tables (config, pt, trans, obj, data, ttrans, tobj) and
// the load/store/lock/unlock/drop/history operations over them, using
// composite binary keys so obj's secondary index and trans's
// partition-scoped primary key are real ordered bolt cursors instead of
// map lookups.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/protoerr"
)

var (
	bucketConfig = []byte("config")
	bucketPT     = []byte("pt")
	bucketTrans  = []byte("trans")
	bucketObj    = []byte("obj")
	bucketObjIdx = []byte("obj_idx")
	bucketData   = []byte("data")
	bucketHash   = []byte("data_hash")
	bucketTTrans = []byte("ttrans")
	bucketTObj   = []byte("tobj")
)

var allBuckets = [][]byte{
	bucketConfig, bucketPT, bucketTrans, bucketObj, bucketObjIdx,
	bucketData, bucketHash, bucketTTrans, bucketTObj,
}

// Config keys stored in the config bucket.
const (
	ConfigKeyUUID         = "uuid"
	ConfigKeyPartitions   = "num_partitions"
	ConfigKeyReplicas     = "num_replicas"
	ConfigKeyClusterName  = "cluster_name"
	ConfigKeyLastPackTID  = "last_pack_tid"
	ConfigKeyLastReplPTID = "last_replicated_ptid"
)

// Store is one storage node's durable metadata engine.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at <dataDir>/neo.db and
// ensures every table bucket exists.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "neo.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// --- config bucket ---

// GetConfig returns the raw bytes stored under key, or nil if unset.
func (s *Store) GetConfig(key string) ([]byte, error) {
	var v []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConfig).Get([]byte(key))
		if raw != nil {
			v = append([]byte(nil), raw...)
		}
		return nil
	})
	return v, err
}

// PutConfig stores value under key.
func (s *Store) PutConfig(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(key), value)
	})
}

// --- pt bucket: this node's local copy of its assigned cells ---

// PTRowKey packs (partition, node) into the pt bucket's key.
func ptRowKey(partition uint32, node ids.UUID) []byte {
	key := make([]byte, 4+16)
	binary.BigEndian.PutUint32(key[0:4], partition)
	copy(key[4:], node[:])
	return key
}

// PutPTCell upserts this storage's local record of one cell's state.
func (s *Store) PutPTCell(partition uint32, node ids.UUID, state uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPT).Put(ptRowKey(partition, node), []byte{state})
	})
}

// PTCell is one locally-persisted partition-table row.
type PTCell struct {
	Partition uint32
	Node      ids.UUID
	State     uint8
}

// ListPT returns every locally-persisted cell row.
func (s *Store) ListPT() ([]PTCell, error) {
	var out []PTCell
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPT).ForEach(func(k, v []byte) error {
			if len(k) != 20 || len(v) != 1 {
				return nil
			}
			var node ids.UUID
			copy(node[:], k[4:])
			out = append(out, PTCell{
				Partition: binary.BigEndian.Uint32(k[0:4]),
				Node:      node,
				State:     v[0],
			})
			return nil
		})
	})
	return out, err
}

// --- data bucket: content-addressed blobs ---

// DataRecord is one content-addressed blob.
type DataRecord struct {
	ID          uint64
	Hash        [20]byte
	Compression uint8
	Bytes       []byte
}

func encodeDataRecord(r DataRecord) []byte {
	buf := make([]byte, 0, 1+20+len(r.Bytes))
	buf = append(buf, r.Compression)
	buf = append(buf, r.Hash[:]...)
	buf = append(buf, r.Bytes...)
	return buf
}

func decodeDataRecord(id uint64, raw []byte) DataRecord {
	var r DataRecord
	r.ID = id
	if len(raw) < 21 {
		return r
	}
	r.Compression = raw[0]
	copy(r.Hash[:], raw[1:21])
	r.Bytes = append([]byte(nil), raw[21:]...)
	return r
}

// PutData stores bytes content-addressed by sha1 hash, returning the
// existing data id on a hash collision (dedup) instead of writing a
// duplicate blob.
func (s *Store) PutData(hash [20]byte, compression uint8, data []byte) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		hashBucket := tx.Bucket(bucketHash)
		if existing := hashBucket.Get(hash[:]); existing != nil {
			id = binary.BigEndian.Uint64(existing)
			return nil
		}
		b := tx.Bucket(bucketData)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		if err := b.Put(key, encodeDataRecord(DataRecord{Hash: hash, Compression: compression, Bytes: data})); err != nil {
			return err
		}
		return hashBucket.Put(hash[:], key)
	})
	return id, err
}

// GetData returns the blob stored under id.
func (s *Store) GetData(id uint64) (DataRecord, error) {
	var rec DataRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		raw := tx.Bucket(bucketData).Get(key)
		if raw == nil {
			return nil
		}
		rec = decodeDataRecord(id, raw)
		found = true
		return nil
	})
	if err != nil {
		return DataRecord{}, err
	}
	if !found {
		return DataRecord{}, protoerr.ErrInternal
	}
	return rec, nil
}

// --- obj bucket: committed object revisions ---

// ObjectRecord is one committed revision.
type ObjectRecord struct {
	Partition uint32
	OID       ids.OID
	TID       ids.TID
	DataID    uint64 // 0 means deleted (NULL data_id)
	Deleted   bool
	ValueTID  ids.TID // 0 means unset; undo "same bytes as" reference
}

func objPrimaryKey(partition uint32, tid ids.TID, oid ids.OID) []byte {
	key := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(key[0:4], partition)
	binary.BigEndian.PutUint64(key[4:12], uint64(tid))
	binary.BigEndian.PutUint64(key[12:20], uint64(oid))
	return key
}

func objIndexKey(partition uint32, oid ids.OID, tid ids.TID) []byte {
	key := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(key[0:4], partition)
	binary.BigEndian.PutUint64(key[4:12], uint64(oid))
	binary.BigEndian.PutUint64(key[12:20], uint64(tid))
	return key
}

func encodeObjValue(r ObjectRecord) []byte {
	buf := make([]byte, 1+8+8)
	if r.Deleted {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], r.DataID)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.ValueTID))
	return buf
}

func decodeObjValue(raw []byte) (dataID uint64, deleted bool, valueTID ids.TID) {
	deleted = raw[0] != 0
	dataID = binary.BigEndian.Uint64(raw[1:9])
	valueTID = ids.TID(binary.BigEndian.Uint64(raw[9:17]))
	return
}

// StoreObject writes one committed object revision into both the obj
// table and its secondary (partition, oid, tid) index, used by Finish and
// by replication replay.
func (s *Store) StoreObject(r ObjectRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := encodeObjValue(r)
		if err := tx.Bucket(bucketObj).Put(objPrimaryKey(r.Partition, r.TID, r.OID), v); err != nil {
			return err
		}
		return tx.Bucket(bucketObjIdx).Put(objIndexKey(r.Partition, r.OID, r.TID), v)
	})
}

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("storage: not found")

// findLatestRevision walks the secondary index, seeked just past (oid, at)
// and stepped back, to find the newest committed revision of oid visible
// at or before at. It takes tx directly so both a read-only Load and a
// read-write transaction composing a larger atomic operation (see
// StageStoreObject, RewriteUndoChain) can share the same cursor logic
// without nesting bolt transactions.
func findLatestRevision(tx *bolt.Tx, partition uint32, oid ids.OID, at ids.TID) (ObjectRecord, bool) {
	c := tx.Bucket(bucketObjIdx).Cursor()
	// Seek lands on the first key >= (partition, oid, at); if that key
	// overshoots at (or there is none for this oid), step back one to
	// land on the newest tid <= at.
	k, v := c.Seek(objIndexKey(partition, oid, at))
	if k == nil || !sameOID(k, partition, oid) || ids.TID(binary.BigEndian.Uint64(k[12:20])) > at {
		k, v = c.Prev()
	}
	if k != nil && sameOID(k, partition, oid) {
		tid := ids.TID(binary.BigEndian.Uint64(k[12:20]))
		if tid <= at {
			dataID, deleted, valueTID := decodeObjValue(v)
			return ObjectRecord{Partition: partition, OID: oid, TID: tid, DataID: dataID, Deleted: deleted, ValueTID: valueTID}, true
		}
	}
	return ObjectRecord{}, false
}

// Load returns the newest revision of oid visible at or before at.
func (s *Store) Load(partition uint32, oid ids.OID, at ids.TID) (ObjectRecord, error) {
	var rec ObjectRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		r, ok := findLatestRevision(tx, partition, oid, at)
		if !ok {
			return ErrNotFound
		}
		rec = r
		return nil
	})
	return rec, err
}

func sameOID(key []byte, partition uint32, oid ids.OID) bool {
	return binary.BigEndian.Uint32(key[0:4]) == partition && binary.BigEndian.Uint64(key[4:12]) == uint64(oid)
}

// History returns up to limit revisions of oid, newest first, starting
// after skipping offset entries.
func (s *Store) History(partition uint32, oid ids.OID, offset, limit uint32) ([]ObjectRecord, error) {
	var out []ObjectRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjIdx).Cursor()
		prefix := make([]byte, 12)
		binary.BigEndian.PutUint32(prefix[0:4], partition)
		binary.BigEndian.PutUint64(prefix[4:12], uint64(oid))

		var all []ObjectRecord
		for k, v := c.Seek(prefix); k != nil && sameOID(k, partition, oid); k, v = c.Next() {
			tid := ids.TID(binary.BigEndian.Uint64(k[12:20]))
			dataID, deleted, valueTID := decodeObjValue(v)
			all = append(all, ObjectRecord{Partition: partition, OID: oid, TID: tid, DataID: dataID, Deleted: deleted, ValueTID: valueTID})
		}
		// Newest first.
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		if int(offset) < len(all) {
			all = all[offset:]
		} else {
			all = nil
		}
		if uint32(len(all)) > limit {
			all = all[:limit]
		}
		out = all
		return nil
	})
	return out, err
}

// --- trans bucket: committed transaction headers ---

// TransRecord is one committed transaction header.
type TransRecord struct {
	Partition   uint32
	TID         ids.TID
	Packed      bool
	OIDs        []ids.OID
	User        string
	Description string
	Extension   []byte
	TTID        ids.TID
}

func transKey(partition uint32, tid ids.TID) []byte {
	key := make([]byte, 4+8)
	binary.BigEndian.PutUint32(key[0:4], partition)
	binary.BigEndian.PutUint64(key[4:12], uint64(tid))
	return key
}

func encodeTrans(r TransRecord) []byte {
	var buf []byte
	putU8 := func(v uint8) { buf = append(buf, v) }
	putU64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	putBytes := func(b []byte) {
		putU64(uint64(len(b)))
		buf = append(buf, b...)
	}
	if r.Packed {
		putU8(1)
	} else {
		putU8(0)
	}
	putU64(uint64(r.TTID))
	putU64(uint64(len(r.OIDs)))
	for _, oid := range r.OIDs {
		putU64(uint64(oid))
	}
	putBytes([]byte(r.User))
	putBytes([]byte(r.Description))
	putBytes(r.Extension)
	return buf
}

func decodeTrans(partition uint32, tid ids.TID, raw []byte) TransRecord {
	r := TransRecord{Partition: partition, TID: tid}
	pos := 0
	readU8 := func() uint8 { v := raw[pos]; pos++; return v }
	readU64 := func() uint64 { v := binary.BigEndian.Uint64(raw[pos : pos+8]); pos += 8; return v }
	readBytes := func() []byte {
		n := readU64()
		b := raw[pos : pos+int(n)]
		pos += int(n)
		return append([]byte(nil), b...)
	}
	r.Packed = readU8() != 0
	r.TTID = ids.TID(readU64())
	n := readU64()
	r.OIDs = make([]ids.OID, n)
	for i := range r.OIDs {
		r.OIDs[i] = ids.OID(readU64())
	}
	r.User = string(readBytes())
	r.Description = string(readBytes())
	r.Extension = readBytes()
	return r
}

// StoreTrans writes a committed transaction header.
func (s *Store) StoreTrans(r TransRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrans).Put(transKey(r.Partition, r.TID), encodeTrans(r))
	})
}

// GetTrans returns the committed transaction header for (partition, tid).
func (s *Store) GetTrans(partition uint32, tid ids.TID) (TransRecord, error) {
	var r TransRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTrans).Get(transKey(partition, tid))
		if raw == nil {
			return nil
		}
		r = decodeTrans(partition, tid, raw)
		found = true
		return nil
	})
	if err != nil {
		return TransRecord{}, err
	}
	if !found {
		return TransRecord{}, ErrNotFound
	}
	return r, nil
}

// TIDsFrom returns up to limit committed TIDs for partition strictly
// after after, in ascending order.
func (s *Store) TIDsFrom(partition uint32, after ids.TID, limit uint32) ([]ids.TID, error) {
	var out []ids.TID
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTrans).Cursor()
		start := transKey(partition, after+1)
		for k, _ := c.Seek(start); k != nil && uint32(len(out)) < limit; k, _ = c.Next() {
			if binary.BigEndian.Uint32(k[0:4]) != partition {
				break
			}
			out = append(out, ids.TID(binary.BigEndian.Uint64(k[4:12])))
		}
		return nil
	})
	return out, err
}

// OIDsFrom returns up to limit distinct OIDs for partition with a revision
// strictly after after (by the secondary index's oid-major order), used
// by replication's "AskOIDs".
func (s *Store) OIDsFrom(partition uint32, after ids.OID, limit uint32) ([]ids.OID, error) {
	var out []ids.OID
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjIdx).Cursor()
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, partition)
		start := objIndexKey(partition, after+1, 0)
		var lastOID ids.OID
		haveLast := false
		for k, _ := c.Seek(start); k != nil && uint32(len(out)) < limit; k, _ = c.Next() {
			if binary.BigEndian.Uint32(k[0:4]) != partition {
				break
			}
			oid := ids.OID(binary.BigEndian.Uint64(k[4:12]))
			if haveLast && oid == lastOID {
				continue
			}
			out = append(out, oid)
			lastOID = oid
			haveLast = true
		}
		return nil
	})
	return out, err
}

// AllOIDs returns every distinct OID with at least one revision in
// partition, used by pack to enumerate its sweep.
func (s *Store) AllOIDs(partition uint32) ([]ids.OID, error) {
	var out []ids.OID
	// OIDsFrom starts strictly after its cursor, so OID 0 is checked on its own.
	first, err := s.History(partition, 0, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(first) > 0 {
		out = append(out, 0)
	}
	after := ids.OID(0)
	for {
		batch, err := s.OIDsFrom(partition, after, 4096)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		after = batch[len(batch)-1]
		if uint32(len(batch)) < 4096 {
			break
		}
	}
	return out, nil
}

// DeleteObjectRevision removes one committed revision from both the obj
// table and its secondary index.
func (s *Store) DeleteObjectRevision(partition uint32, oid ids.OID, tid ids.TID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketObj).Delete(objPrimaryKey(partition, tid, oid)); err != nil {
			return err
		}
		return tx.Bucket(bucketObjIdx).Delete(objIndexKey(partition, oid, tid))
	})
}

// RewriteValueTID updates a surviving revision's value_tid in place,
// without touching its data_id or deletion flag.
func (s *Store) RewriteValueTID(partition uint32, oid ids.OID, tid, newValueTID ids.TID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := objPrimaryKey(partition, tid, oid)
		obj := tx.Bucket(bucketObj)
		raw := obj.Get(key)
		if raw == nil {
			return ErrNotFound
		}
		dataID, deleted, _ := decodeObjValue(raw)
		v := encodeObjValue(ObjectRecord{DataID: dataID, Deleted: deleted, ValueTID: newValueTID})
		if err := obj.Put(key, v); err != nil {
			return err
		}
		return tx.Bucket(bucketObjIdx).Put(objIndexKey(partition, oid, tid), v)
	})
}

// RewriteUndoChain performs the storage-side bookkeeping step of
// undo(oid, undone_tid) from spec.md §4.4: it finds the revision
// immediately preceding undoneTID, and retargets any later revision whose
// value_tid aliased undoneTID onto that prior revision instead, so the
// data such a revision duplicates stays reachable once pack eventually
// reclaims undoneTID itself. Returns the prior revision's TID (0 if oid
// had no revision before undoneTID, i.e. undoneTID created it).
func (s *Store) RewriteUndoChain(partition uint32, oid ids.OID, undoneTID ids.TID) (priorTID ids.TID, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		if undoneTID > 0 {
			if r, ok := findLatestRevision(tx, partition, oid, undoneTID-1); ok {
				priorTID = r.TID
			}
		}

		idx := tx.Bucket(bucketObjIdx)
		obj := tx.Bucket(bucketObj)
		c := idx.Cursor()
		prefix := make([]byte, 12)
		binary.BigEndian.PutUint32(prefix[0:4], partition)
		binary.BigEndian.PutUint64(prefix[4:12], uint64(oid))

		type aliasedRev struct {
			tid     ids.TID
			dataID  uint64
			deleted bool
		}
		var aliased []aliasedRev
		for k, v := c.Seek(prefix); k != nil && sameOID(k, partition, oid); k, v = c.Next() {
			tid := ids.TID(binary.BigEndian.Uint64(k[12:20]))
			if tid <= undoneTID {
				continue
			}
			dataID, deleted, valueTID := decodeObjValue(v)
			if valueTID != undoneTID {
				continue
			}
			aliased = append(aliased, aliasedRev{tid, dataID, deleted})
		}

		for _, rev := range aliased {
			v := encodeObjValue(ObjectRecord{DataID: rev.dataID, Deleted: rev.deleted, ValueTID: priorTID})
			if err := obj.Put(objPrimaryKey(partition, rev.tid, oid), v); err != nil {
				return err
			}
			if err := idx.Put(objIndexKey(partition, oid, rev.tid), v); err != nil {
				return err
			}
		}
		return nil
	})
	return priorTID, err
}

// DataReferenced reports whether any obj row across any partition still
// points at dataID. Pack maintains "reference count" by this join rather
// than an explicit counter.
func (s *Store) DataReferenced(dataID uint64) (bool, error) {
	referenced := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObj).ForEach(func(k, v []byte) error {
			if referenced {
				return nil
			}
			gotID, deleted, _ := decodeObjValue(v)
			if !deleted && gotID == dataID {
				referenced = true
			}
			return nil
		})
	})
	return referenced, err
}

// DeleteData removes a data blob and its hash index entry.
func (s *Store) DeleteData(id uint64, hash [20]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		if err := tx.Bucket(bucketData).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketHash).Delete(hash[:])
	})
}

// --- ttrans/tobj buckets: uncommitted-transaction staging ---

func stageKey(ttid ids.TID, oid ids.OID) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(ttid))
	binary.BigEndian.PutUint64(key[8:16], uint64(oid))
	return key
}

// StageObject writes a tentative store() into tobj ahead of lock/finish.
func (s *Store) StageObject(ttid ids.TID, oid ids.OID, dataID uint64, deleted bool, valueTID ids.TID) error {
	key := stageKey(ttid, oid)
	v := encodeObjValue(ObjectRecord{DataID: dataID, Deleted: deleted, ValueTID: valueTID})
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTObj).Put(key, v)
	})
}

// StageStoreObject performs the conflict check (newest committed revision
// of oid) and stages the new data under ttid inside a single bolt
// transaction, so two concurrent AskStoreObject calls racing on the same
// OID can never each read a separate "no conflict" snapshot and stage past
// one another: the check and the write share one transaction, and the
// caller is additionally expected to serialize same-OID requests with an
// oidLockTable (see role.go) so the second request's check observes the
// first's outcome rather than racing it. valueTID is 0 for an ordinary
// store and non-zero when this store restores a revision undone earlier
// (spec.md §4.4), linking the new revision back to the data it duplicates.
// Returns the latest committed serial (0 if oid has no committed revision
// yet).
func (s *Store) StageStoreObject(partition uint32, oid ids.OID, ttid ids.TID, hash [20]byte, compression uint8, data []byte, valueTID ids.TID) (latest ids.TID, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		if r, ok := findLatestRevision(tx, partition, oid, MaxTID); ok {
			latest = r.TID
		}

		hashBucket := tx.Bucket(bucketHash)
		var dataID uint64
		if existing := hashBucket.Get(hash[:]); existing != nil {
			dataID = binary.BigEndian.Uint64(existing)
		} else {
			b := tx.Bucket(bucketData)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			dataID = seq
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, dataID)
			if err := b.Put(key, encodeDataRecord(DataRecord{Hash: hash, Compression: compression, Bytes: data})); err != nil {
				return err
			}
			if err := hashBucket.Put(hash[:], key); err != nil {
				return err
			}
		}

		v := encodeObjValue(ObjectRecord{DataID: dataID, Deleted: false, ValueTID: valueTID})
		return tx.Bucket(bucketTObj).Put(stageKey(ttid, oid), v)
	})
	return latest, err
}

// StagedObjects returns every tentative store() staged under ttid.
func (s *Store) StagedObjects(ttid ids.TID) (map[ids.OID]ObjectRecord, error) {
	out := make(map[ids.OID]ObjectRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTObj).Cursor()
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, uint64(ttid))
		for k, v := c.Seek(prefix); k != nil && len(k) == 16 && binary.BigEndian.Uint64(k[0:8]) == uint64(ttid); k, v = c.Next() {
			oid := ids.OID(binary.BigEndian.Uint64(k[8:16]))
			dataID, deleted, valueTID := decodeObjValue(v)
			out[oid] = ObjectRecord{OID: oid, DataID: dataID, Deleted: deleted, ValueTID: valueTID}
		}
		return nil
	})
	return out, err
}

// DiscardStaged removes every staged tobj/ttrans row for ttid, used on
// abort and after a successful Finish copies them into obj/trans.
func (s *Store) DiscardStaged(ttid ids.TID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tobj := tx.Bucket(bucketTObj)
		c := tobj.Cursor()
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, uint64(ttid))
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) == 16 && binary.BigEndian.Uint64(k[0:8]) == uint64(ttid); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := tobj.Delete(k); err != nil {
				return err
			}
		}
		ttransKey := make([]byte, 8)
		binary.BigEndian.PutUint64(ttransKey, uint64(ttid))
		return tx.Bucket(bucketTTrans).Delete(ttransKey)
	})
}

// Finish copies every staged tobj row for ttid into obj at tid (and the
// transaction header into trans), then discards the staging rows. Use
// this when every staged oid belongs to partition; a storage serving
// several partitions under one ttid should use FinishPartition per
// partition instead and DiscardStaged once at the end.
func (s *Store) Finish(partition uint32, ttid, tid ids.TID, trans TransRecord) error {
	staged, err := s.StagedObjects(ttid)
	if err != nil {
		return err
	}
	trans.Partition = partition
	trans.TID = tid
	trans.TTID = ttid
	if err := s.StoreTrans(trans); err != nil {
		return err
	}
	for oid, rec := range staged {
		rec.Partition = partition
		rec.TID = tid
		rec.OID = oid
		if err := s.StoreObject(rec); err != nil {
			return err
		}
	}
	return s.DiscardStaged(ttid)
}

// FinishPartition is Finish restricted to the oids that belong to
// partition, for a storage that serves multiple partitions under the same
// ttid (tobj has no partition component in its key). The caller must
// still call DiscardStaged(ttid) once every partition has been written.
func (s *Store) FinishPartition(partition uint32, ttid, tid ids.TID, oids []ids.OID, trans TransRecord) error {
	staged, err := s.StagedObjects(ttid)
	if err != nil {
		return err
	}
	trans.Partition = partition
	trans.TID = tid
	trans.TTID = ttid
	trans.OIDs = oids
	if err := s.StoreTrans(trans); err != nil {
		return err
	}
	for _, oid := range oids {
		rec, ok := staged[oid]
		if !ok {
			continue
		}
		rec.Partition = partition
		rec.TID = tid
		rec.OID = oid
		if err := s.StoreObject(rec); err != nil {
			return err
		}
	}
	return nil
}
