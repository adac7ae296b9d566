package storage

import (
	"context"
	"crypto/sha1"
	"fmt"

	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// unboundedHistory is passed as History's limit when the caller wants every
// revision rather than a client-paged slice (History truncates to limit, so
// 0 cannot be used to mean "no limit").
const unboundedHistory = ^uint32(0)

// OperationHandler is a storage node's conn.Handler, installed on every
// connection it accepts (from the primary master, from clients, and from
// peer storages serving replication/digest requests), covering
// identification through the load/store/history/replication packet
// families.
type OperationHandler struct {
	R *Role
}

func (h *OperationHandler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error {
	if h.R.D.Dispatch(c, id, p) {
		return nil
	}

	switch pk := p.(type) {
	case *proto.RequestIdentification:
		return h.handleIdentification(c, id, pk)

	case *proto.NotifyNodeInformation:
		h.R.NM.ApplyAll(pk.Nodes)
		go h.R.reconcileReplication(context.Background())
		return nil
	case *proto.SendPartitionTable:
		h.R.PT.ReplaceAll(pk.PTID, rowsToCells(pk.Rows, h.R.PT.P()))
		go h.R.reconcileReplication(context.Background())
		return nil
	case *proto.NotifyPartitionChanges:
		h.R.PT.ApplyDelta(pk.PTID, changesFromRows(pk.Rows))
		go h.R.reconcileReplication(context.Background())
		return nil

	case *proto.AskObject:
		return h.handleAskObject(c, id, pk)
	case *proto.AskStoreObject:
		return h.handleAskStoreObject(c, id, pk)
	case *proto.AskObjectHistory:
		return h.handleAskObjectHistory(c, id, pk)
	case *proto.AskUndoTransaction:
		return h.handleAskUndoTransaction(c, id, pk)

	case *proto.LockInformation:
		return h.handleLockInformation(c, pk)
	case *proto.UnlockInformation:
		return h.handleUnlockInformation(c, pk)
	case *proto.AbortTransaction:
		_ = h.R.Store.DiscardStaged(pk.TTID)
		h.R.OIDLocks.ReleaseAll(pk.TTID)
		return nil

	case *proto.AskTIDsFrom:
		tids, err := h.R.Store.TIDsFrom(pk.Partition, pk.After, pk.Limit)
		if err != nil {
			return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
		}
		return c.Send(context.Background(), id, &proto.AnswerTIDsFrom{TIDs: tids})
	case *proto.AskTransactionInformation:
		return h.handleAskTransactionInformation(c, id, pk)
	case *proto.AskOIDs:
		oids, err := h.R.Store.OIDsFrom(pk.Partition, pk.After, pk.Limit)
		if err != nil {
			return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
		}
		return c.Send(context.Background(), id, &proto.AnswerOIDs{OIDs: oids})
	case *proto.AskObjectHistoryFrom:
		return h.handleAskObjectHistoryFrom(c, id, pk)
	case *proto.AskDigest:
		return h.handleAskDigest(c, id, pk)
	case *proto.CheckReplicas:
		return h.handleCheckReplicas(c, id, pk)
	case *proto.Pack:
		return h.handlePack(c, id, pk)

	default:
		return fmt.Errorf("storage: unexpected packet in operation phase: %w", protoerr.ErrProtocol)
	}
}

func (h *OperationHandler) OnClose(c *conn.Connection) {
	uuid := c.Peer()
	if !uuid.Zero() {
		h.R.PeerConn(uuid, nil)
	}
	h.R.D.Cancel(c)
}

func (h *OperationHandler) handleIdentification(c *conn.Connection, id uint32, pk *proto.RequestIdentification) error {
	if pk.ClusterName != "" && pk.ClusterName != h.R.ClusterName {
		_ = c.Send(context.Background(), id, proto.NewError(protoerr.ErrProtocol))
		return protoerr.ErrProtocol
	}
	c.SetPeer(pk.UUID)
	c.SetState(conn.StateIdentified)

	switch pk.Role {
	case ids.RoleMaster:
		h.R.SetMasterConn(c)
	case ids.RoleStorage:
		h.R.PeerConn(pk.UUID, c)
	}

	return c.Send(context.Background(), id, &proto.AcceptIdentification{
		YourUUID:      pk.UUID,
		NumPartitions: h.R.PT.P(),
		NumReplicas:   h.R.PT.R(),
	})
}

func rowsToCells(rows []proto.PartitionRow, p uint32) [][]pt.Cell {
	out := make([][]pt.Cell, p)
	for _, row := range rows {
		if row.Partition >= p {
			continue
		}
		cells := make([]pt.Cell, len(row.Cells))
		for i, ci := range row.Cells {
			cells[i] = pt.Cell{Node: ci.NodeUUID, State: pt.CellState(ci.State)}
		}
		out[row.Partition] = cells
	}
	return out
}

func changesFromRows(rows []proto.PartitionRow) []pt.Change {
	var out []pt.Change
	for _, row := range rows {
		for _, ci := range row.Cells {
			out = append(out, pt.Change{Partition: row.Partition, Node: ci.NodeUUID, State: pt.CellState(ci.State)})
		}
	}
	return out
}

// handleAskObject answers a load request: the newest revision of OID
// visible at or before At, plus the next later serial if one exists (so
// a client loading an old snapshot knows when it next changed).
func (h *OperationHandler) handleAskObject(c *conn.Connection, id uint32, pk *proto.AskObject) error {
	partition := h.R.PT.PartitionOfOID(pk.OID.OID)
	rec, err := h.R.Store.Load(partition, pk.OID.OID, pk.OID.At)
	if err == ErrNotFound {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrOIDNotFound))
	}
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}

	var next ids.TID
	history, err := h.R.Store.History(partition, pk.OID.OID, 0, unboundedHistory)
	if err == nil {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].TID > rec.TID {
				next = history[i].TID
				break
			}
		}
	}

	ans := &proto.AnswerObject{OID: pk.OID.OID, Serial: rec.TID, NextSerial: next, Deleted: rec.Deleted}
	if !rec.Deleted {
		data, derr := h.R.Store.GetData(rec.DataID)
		if derr != nil {
			return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
		}
		ans.Data = data.Bytes
		ans.Compression = data.Compression
		ans.Checksum = data.Hash
	}
	return c.Send(context.Background(), id, ans)
}

// handleAskStoreObject runs the conflict check on store and stages the
// write: the stage succeeds (tobj row written) regardless of outcome, but
// Conflict is set if another transaction committed a newer revision than
// the client's Serial already read.
//
// The OID is first acquired from h.R.OIDLocks, which blocks this call
// until any earlier TID that locked the same OID has completed or
// aborted (spec.md §4.2), and the check-then-stage itself runs inside a
// single bolt transaction (Store.StageStoreObject) so no other reader can
// observe a stale "no conflict" between the check and the write
// (spec.md §8 testable property 8). The lock is held until
// UnlockInformation/AbortTransaction releases it.
func (h *OperationHandler) handleAskStoreObject(c *conn.Connection, id uint32, pk *proto.AskStoreObject) error {
	partition := h.R.PT.PartitionOfOID(pk.OID)

	if err := h.R.OIDLocks.Acquire(context.Background(), pk.OID, pk.TTID); err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}

	hash := sha1.Sum(pk.Data)
	latest, err := h.R.Store.StageStoreObject(partition, pk.OID, pk.TTID, hash, 0, pk.Data, pk.ValueTID)
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}

	ans := &proto.AnswerStoreObject{OID: pk.OID, Serial: pk.TTID}
	if latest > pk.Serial {
		ans.Conflict = true
		ans.Latest = latest
		metrics.ConflictsTotal.Inc()
	}

	return c.Send(context.Background(), id, ans)
}

func (h *OperationHandler) handleAskObjectHistory(c *conn.Connection, id uint32, pk *proto.AskObjectHistory) error {
	partition := h.R.PT.PartitionOfOID(pk.OID)
	records, err := h.R.Store.History(partition, pk.OID, pk.Offset, pk.Length)
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}
	entries := make([]proto.HistoryEntry, len(records))
	for i, r := range records {
		size := uint32(0)
		if !r.Deleted {
			if data, derr := h.R.Store.GetData(r.DataID); derr == nil {
				size = uint32(len(data.Bytes))
			}
		}
		entries[i] = proto.HistoryEntry{TID: r.TID, Size: size}
	}
	return c.Send(context.Background(), id, &proto.AnswerObjectHistory{OID: pk.OID, History: entries})
}

// handleAskUndoTransaction answers an undo request: for each OID touched
// by UndoneTID, it runs the storage-side half of spec.md §4.4's undo
// (Store.RewriteUndoChain — any later revision that aliased UndoneTID via
// value_tid is retargeted onto the revision just before it, so that data
// stays reachable once pack reclaims UndoneTID) and reports the OID's
// current head, which the client uses as the conflict-check base for the
// restoring store() it issues next. An OID unaffected by UndoneTID is
// dropped from the answer.
func (h *OperationHandler) handleAskUndoTransaction(c *conn.Connection, id uint32, pk *proto.AskUndoTransaction) error {
	var affected []proto.UndoneOID
	for _, oid := range pk.OIDs {
		partition := h.R.PT.PartitionOfOID(oid)
		history, err := h.R.Store.History(partition, oid, 0, unboundedHistory)
		if err != nil || len(history) == 0 {
			continue
		}
		touched := false
		for _, rec := range history {
			if rec.TID == pk.UndoneTID {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		if _, err := h.R.Store.RewriteUndoChain(partition, oid, pk.UndoneTID); err != nil {
			continue
		}
		affected = append(affected, proto.UndoneOID{OID: oid, Head: history[0].TID})
	}
	return c.Send(context.Background(), id, &proto.AnswerUndoTransaction{OIDs: affected})
}

// handleLockInformation acknowledges the lock request: the tobj rows for
// TID are already staged from earlier AskStoreObject calls, so there is
// nothing left to do but mark the lock held and answer
// NotifyInformationLocked.
func (h *OperationHandler) handleLockInformation(c *conn.Connection, pk *proto.LockInformation) error {
	h.R.mu.Lock()
	h.R.locked[pk.TID] = true
	h.R.mu.Unlock()
	return c.Send(context.Background(), 0, &proto.NotifyInformationLocked{TID: pk.TID})
}

// handleUnlockInformation commits a locked transaction's staged rows:
// tobj has no partition component in its key, so the staged oids are
// grouped by partition before Store.FinishPartition writes each group,
// then the staging rows are discarded once.
func (h *OperationHandler) handleUnlockInformation(c *conn.Connection, pk *proto.UnlockInformation) error {
	h.R.mu.Lock()
	delete(h.R.locked, pk.TID)
	h.R.mu.Unlock()

	staged, err := h.R.Store.StagedObjects(pk.TID)
	if err != nil {
		return nil
	}
	byPartition := make(map[uint32][]ids.OID)
	for oid := range staged {
		partition := h.R.PT.PartitionOfOID(oid)
		byPartition[partition] = append(byPartition[partition], oid)
	}
	for partition, oids := range byPartition {
		_ = h.R.Store.FinishPartition(partition, pk.TID, pk.TID, oids, TransRecord{})
	}
	_ = h.R.Store.DiscardStaged(pk.TID)
	h.R.OIDLocks.ReleaseAll(pk.TID)
	return nil
}

func (h *OperationHandler) handleAskTransactionInformation(c *conn.Connection, id uint32, pk *proto.AskTransactionInformation) error {
	partition := h.R.PT.PartitionOfTID(pk.TID)
	rec, err := h.R.Store.GetTrans(partition, pk.TID)
	if err == ErrNotFound {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrTIDNotFound))
	}
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}
	return c.Send(context.Background(), id, &proto.AnswerTransactionInformation{
		TID: rec.TID, User: rec.User, Description: rec.Description,
		Extension: rec.Extension, Packed: rec.Packed, OIDs: rec.OIDs,
	})
}

func (h *OperationHandler) handleAskObjectHistoryFrom(c *conn.Connection, id uint32, pk *proto.AskObjectHistoryFrom) error {
	partition := h.R.PT.PartitionOfOID(pk.OID)
	history, err := h.R.Store.History(partition, pk.OID, 0, unboundedHistory)
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}
	var serials []ids.TID
	for i := len(history) - 1; i >= 0 && uint32(len(serials)) < pk.Limit; i-- {
		if history[i].TID > pk.After {
			serials = append(serials, history[i].TID)
		}
	}
	return c.Send(context.Background(), id, &proto.AnswerObjectHistoryFrom{OID: pk.OID, Serials: serials})
}

// handlePack runs Store.Pack over every partition this node currently
// serves an UP_TO_DATE or OUT_OF_DATE cell for; partitions it doesn't hold are skipped, since a peer
// replica running the same pack_tid will reclaim them independently.
func (h *OperationHandler) handlePack(c *conn.Connection, id uint32, pk *proto.Pack) error {
	var total uint32
	for p := uint32(0); p < h.R.PT.P(); p++ {
		owned := false
		for _, cell := range h.R.PT.Row(p) {
			if cell.Node == h.R.Self && (cell.State == pt.CellUpToDate || cell.State == pt.CellOutOfDate) {
				owned = true
				break
			}
		}
		if !owned {
			continue
		}
		n, err := h.R.Store.Pack(p, pk.TID)
		if err != nil {
			continue
		}
		total += uint32(n)
	}
	return c.Send(context.Background(), id, &proto.AnswerPack{Reclaimed: total})
}

func (h *OperationHandler) handleAskDigest(c *conn.Connection, id uint32, pk *proto.AskDigest) error {
	digest, err := h.R.Store.LocalDigest(pk.Partition, pk.MinTID, pk.MaxTID)
	if err != nil {
		return c.Send(context.Background(), id, proto.NewError(protoerr.ErrInternal))
	}
	return c.Send(context.Background(), id, &proto.AnswerDigest{TIDChunks: digest.TIDChunks, OIDChunks: digest.OIDChunks})
}

// handleCheckReplicas compares this node's digest for pk.Partition against
// pk.Source's, dialing out through an already-registered peer connection
//; a source with no live
// connection is reported divergent rather than blocking the admin request.
func (h *OperationHandler) handleCheckReplicas(c *conn.Connection, id uint32, pk *proto.CheckReplicas) error {
	peerConn, ok := h.R.peerConnection(pk.Source)
	if !ok {
		return c.Send(context.Background(), id, &proto.AnswerCheckReplicas{Partition: pk.Partition, Divergent: true, Detail: "source storage not connected"})
	}
	divergent, err := h.R.Store.CheckReplicas(context.Background(), pk.Partition, pk.MinTID, pk.MaxTID, &WirePeer{D: h.R.D, C: peerConn})
	if err != nil {
		return c.Send(context.Background(), id, &proto.AnswerCheckReplicas{Partition: pk.Partition, Divergent: true, Detail: err.Error()})
	}
	return c.Send(context.Background(), id, &proto.AnswerCheckReplicas{Partition: pk.Partition, Divergent: divergent})
}
