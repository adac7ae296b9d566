package proto

import (
	"fmt"

	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// PacketType is the wire's 16-bit packet type tag. The 0x00f0 nibble groups
// packets into the families the cluster protocol names; this is a convenience for
// readers, not part of the wire encoding (the full 16 bits are sent as-is).
type PacketType uint16

const (
	// Identification.
	PTRequestIdentification PacketType = 0x0001
	PTAcceptIdentification  PacketType = 0x0002

	// Election.
	PTAskPrimary             PacketType = 0x0010
	PTAnswerPrimary          PacketType = 0x0011
	PTAnnouncePrimaryMaster  PacketType = 0x0012
	PTReelectPrimaryMaster   PacketType = 0x0013

	// Membership & partition table.
	PTNotifyNodeInformation  PacketType = 0x0020
	PTSendPartitionTable     PacketType = 0x0021
	PTNotifyPartitionChanges PacketType = 0x0022

	// Transaction coordination.
	PTAskBeginTransaction       PacketType = 0x0030
	PTAnswerBeginTransaction    PacketType = 0x0031
	PTAskNewOIDs                PacketType = 0x0032
	PTAnswerNewOIDs             PacketType = 0x0033
	PTFinishTransaction         PacketType = 0x0034
	PTAnswerTransactionFinished PacketType = 0x0035
	PTLockInformation           PacketType = 0x0036
	PTNotifyInformationLocked   PacketType = 0x0037
	PTUnlockInformation         PacketType = 0x0038
	PTInvalidateObjects         PacketType = 0x0039
	PTAbortTransaction          PacketType = 0x003a

	// Object I/O.
	PTAskObject        PacketType = 0x0040
	PTAnswerObject     PacketType = 0x0041
	PTAskStoreObject   PacketType = 0x0042
	PTAnswerStoreObject PacketType = 0x0043
	PTAskObjectHistory PacketType = 0x0044
	PTAnswerObjectHistory PacketType = 0x0045
	PTAskUndoTransaction PacketType = 0x0046
	PTAnswerUndoTransaction PacketType = 0x0047

	// Replication.
	PTAskTIDsFrom                PacketType = 0x0050
	PTAnswerTIDsFrom             PacketType = 0x0051
	PTAskTransactionInformation  PacketType = 0x0052
	PTAnswerTransactionInformation PacketType = 0x0053
	PTAskOIDs                    PacketType = 0x0054
	PTAnswerOIDs                 PacketType = 0x0055
	PTAskObjectHistoryFrom       PacketType = 0x0056
	PTAnswerObjectHistoryFrom    PacketType = 0x0057
	PTNotifyReplicationDone      PacketType = 0x0058
	PTAskDigest                  PacketType = 0x0059
	PTAnswerDigest               PacketType = 0x005a

	// Admin.
	PTAskClusterState       PacketType = 0x0060
	PTAnswerClusterState    PacketType = 0x0061
	PTSetClusterState       PacketType = 0x0062
	PTAskNodeList           PacketType = 0x0063
	PTAnswerNodeList        PacketType = 0x0064
	PTSetNodeState          PacketType = 0x0065
	PTAddPendingNodes       PacketType = 0x0066
	PTTweakPartitionTable   PacketType = 0x0067
	PTDropNode              PacketType = 0x0068
	PTCheckReplicas         PacketType = 0x0069
	PTAnswerCheckReplicas   PacketType = 0x006a
	PTAskPartitionRows      PacketType = 0x006b
	PTAnswerPartitionRows   PacketType = 0x006c
	PTPack                  PacketType = 0x006d
	PTAnswerPack            PacketType = 0x006e

	// Errors, carried in every family.
	PTError PacketType = 0x0fff
)

// Packet is implemented by every concrete packet type.
type Packet interface {
	Type() PacketType
	Encode(*Encoder)
	Decode(*Decoder) error
}

// NodeRole mirrors ids.NodeRole on the wire as a single byte.
type NodeRole = ids.NodeRole

// --- Identification family ---

type RequestIdentification struct {
	UUID        ids.UUID
	Role        NodeRole
	Address     string
	ClusterName string
}

func (p *RequestIdentification) Type() PacketType { return PTRequestIdentification }
func (p *RequestIdentification) Encode(e *Encoder) {
	e.PutUUID(p.UUID)
	e.PutUint8(byte(p.Role))
	e.PutString(p.Address)
	e.PutString(p.ClusterName)
}
func (p *RequestIdentification) Decode(d *Decoder) error {
	p.UUID = d.GetUUID()
	p.Role = NodeRole(d.GetUint8())
	p.Address = d.GetString()
	p.ClusterName = d.GetString()
	return d.Err()
}

type AcceptIdentification struct {
	YourUUID       ids.UUID
	NumPartitions  uint32
	NumReplicas    uint32
}

func (p *AcceptIdentification) Type() PacketType { return PTAcceptIdentification }
func (p *AcceptIdentification) Encode(e *Encoder) {
	e.PutUUID(p.YourUUID)
	e.PutUint32(p.NumPartitions)
	e.PutUint32(p.NumReplicas)
}
func (p *AcceptIdentification) Decode(d *Decoder) error {
	p.YourUUID = d.GetUUID()
	p.NumPartitions = d.GetUint32()
	p.NumReplicas = d.GetUint32()
	return d.Err()
}

// --- Election family ---

type AskPrimary struct{}

func (p *AskPrimary) Type() PacketType         { return PTAskPrimary }
func (p *AskPrimary) Encode(e *Encoder)         {}
func (p *AskPrimary) Decode(d *Decoder) error   { return d.Err() }

type AnswerPrimary struct {
	PrimaryUUID ids.UUID
}

func (p *AnswerPrimary) Type() PacketType { return PTAnswerPrimary }
func (p *AnswerPrimary) Encode(e *Encoder) { e.PutUUID(p.PrimaryUUID) }
func (p *AnswerPrimary) Decode(d *Decoder) error {
	p.PrimaryUUID = d.GetUUID()
	return d.Err()
}

type AnnouncePrimaryMaster struct {
	UUID ids.UUID
}

func (p *AnnouncePrimaryMaster) Type() PacketType { return PTAnnouncePrimaryMaster }
func (p *AnnouncePrimaryMaster) Encode(e *Encoder) { e.PutUUID(p.UUID) }
func (p *AnnouncePrimaryMaster) Decode(d *Decoder) error {
	p.UUID = d.GetUUID()
	return d.Err()
}

type ReelectPrimaryMaster struct{}

func (p *ReelectPrimaryMaster) Type() PacketType       { return PTReelectPrimaryMaster }
func (p *ReelectPrimaryMaster) Encode(e *Encoder)       {}
func (p *ReelectPrimaryMaster) Decode(d *Decoder) error { return d.Err() }

// --- Membership & partition table family ---

type NodeInfo struct {
	UUID    ids.UUID
	Role    NodeRole
	Address string
	State   uint8
}

type NotifyNodeInformation struct {
	Nodes []NodeInfo
}

func (p *NotifyNodeInformation) Type() PacketType { return PTNotifyNodeInformation }
func (p *NotifyNodeInformation) Encode(e *Encoder) {
	e.PutUint32(uint32(len(p.Nodes)))
	for _, n := range p.Nodes {
		e.PutUUID(n.UUID)
		e.PutUint8(byte(n.Role))
		e.PutString(n.Address)
		e.PutUint8(n.State)
	}
}
func (p *NotifyNodeInformation) Decode(d *Decoder) error {
	n := d.GetUint32()
	p.Nodes = make([]NodeInfo, n)
	for i := range p.Nodes {
		p.Nodes[i] = NodeInfo{
			UUID:    d.GetUUID(),
			Role:    NodeRole(d.GetUint8()),
			Address: d.GetString(),
			State:   d.GetUint8(),
		}
	}
	return d.Err()
}

type CellInfo struct {
	NodeUUID ids.UUID
	State    uint8
}

type PartitionRow struct {
	Partition uint32
	Cells     []CellInfo
}

type SendPartitionTable struct {
	PTID ids.PTID
	Rows []PartitionRow
}

func (p *SendPartitionTable) Type() PacketType { return PTSendPartitionTable }
func (p *SendPartitionTable) Encode(e *Encoder) {
	e.PutPTID(p.PTID)
	e.PutUint32(uint32(len(p.Rows)))
	for _, row := range p.Rows {
		e.PutUint32(row.Partition)
		e.PutUint32(uint32(len(row.Cells)))
		for _, c := range row.Cells {
			e.PutUUID(c.NodeUUID)
			e.PutUint8(c.State)
		}
	}
}
func (p *SendPartitionTable) Decode(d *Decoder) error {
	p.PTID = d.GetPTID()
	n := d.GetUint32()
	p.Rows = make([]PartitionRow, n)
	for i := range p.Rows {
		p.Rows[i].Partition = d.GetUint32()
		cn := d.GetUint32()
		p.Rows[i].Cells = make([]CellInfo, cn)
		for j := range p.Rows[i].Cells {
			p.Rows[i].Cells[j] = CellInfo{NodeUUID: d.GetUUID(), State: d.GetUint8()}
		}
	}
	return d.Err()
}

// NotifyPartitionChanges carries only the delta rows.
type NotifyPartitionChanges struct {
	PTID PartitionTableVersion
	Rows []PartitionRow
}

// PartitionTableVersion is an alias kept distinct from ids.PTID only to
// document intent at the call site; it is the same underlying type.
type PartitionTableVersion = ids.PTID

func (p *NotifyPartitionChanges) Type() PacketType { return PTNotifyPartitionChanges }
func (p *NotifyPartitionChanges) Encode(e *Encoder) {
	(&SendPartitionTable{PTID: p.PTID, Rows: p.Rows}).Encode(e)
}
func (p *NotifyPartitionChanges) Decode(d *Decoder) error {
	var full SendPartitionTable
	if err := full.Decode(d); err != nil {
		return err
	}
	p.PTID, p.Rows = full.PTID, full.Rows
	return nil
}

// --- Transaction coordination family ---

type AskBeginTransaction struct{}

func (p *AskBeginTransaction) Type() PacketType       { return PTAskBeginTransaction }
func (p *AskBeginTransaction) Encode(e *Encoder)       {}
func (p *AskBeginTransaction) Decode(d *Decoder) error { return d.Err() }

type AnswerBeginTransaction struct {
	TID ids.TID
}

func (p *AnswerBeginTransaction) Type() PacketType { return PTAnswerBeginTransaction }
func (p *AnswerBeginTransaction) Encode(e *Encoder) { e.PutTID(p.TID) }
func (p *AnswerBeginTransaction) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	return d.Err()
}

type AskNewOIDs struct {
	Count uint32
}

func (p *AskNewOIDs) Type() PacketType { return PTAskNewOIDs }
func (p *AskNewOIDs) Encode(e *Encoder) { e.PutUint32(p.Count) }
func (p *AskNewOIDs) Decode(d *Decoder) error {
	p.Count = d.GetUint32()
	return d.Err()
}

type AnswerNewOIDs struct {
	OIDs []ids.OID
}

func (p *AnswerNewOIDs) Type() PacketType { return PTAnswerNewOIDs }
func (p *AnswerNewOIDs) Encode(e *Encoder) { e.PutOIDList(p.OIDs) }
func (p *AnswerNewOIDs) Decode(d *Decoder) error {
	p.OIDs = d.GetOIDList()
	return d.Err()
}

type FinishTransaction struct {
	TTID ids.TID
	OIDs []ids.OID
}

func (p *FinishTransaction) Type() PacketType { return PTFinishTransaction }
func (p *FinishTransaction) Encode(e *Encoder) {
	e.PutTID(p.TTID)
	e.PutOIDList(p.OIDs)
}
func (p *FinishTransaction) Decode(d *Decoder) error {
	p.TTID = d.GetTID()
	p.OIDs = d.GetOIDList()
	return d.Err()
}

type AnswerTransactionFinished struct {
	TID ids.TID
}

func (p *AnswerTransactionFinished) Type() PacketType { return PTAnswerTransactionFinished }
func (p *AnswerTransactionFinished) Encode(e *Encoder) { e.PutTID(p.TID) }
func (p *AnswerTransactionFinished) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	return d.Err()
}

type LockInformation struct {
	TID ids.TID
}

func (p *LockInformation) Type() PacketType { return PTLockInformation }
func (p *LockInformation) Encode(e *Encoder) { e.PutTID(p.TID) }
func (p *LockInformation) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	return d.Err()
}

type NotifyInformationLocked struct {
	TID ids.TID
}

func (p *NotifyInformationLocked) Type() PacketType { return PTNotifyInformationLocked }
func (p *NotifyInformationLocked) Encode(e *Encoder) { e.PutTID(p.TID) }
func (p *NotifyInformationLocked) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	return d.Err()
}

type UnlockInformation struct {
	TID ids.TID
}

func (p *UnlockInformation) Type() PacketType { return PTUnlockInformation }
func (p *UnlockInformation) Encode(e *Encoder) { e.PutTID(p.TID) }
func (p *UnlockInformation) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	return d.Err()
}

type InvalidateObjects struct {
	TID  ids.TID
	OIDs []ids.OID
}

func (p *InvalidateObjects) Type() PacketType { return PTInvalidateObjects }
func (p *InvalidateObjects) Encode(e *Encoder) {
	e.PutTID(p.TID)
	e.PutOIDList(p.OIDs)
}
func (p *InvalidateObjects) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	p.OIDs = d.GetOIDList()
	return d.Err()
}

type AbortTransaction struct {
	TTID ids.TID
}

func (p *AbortTransaction) Type() PacketType { return PTAbortTransaction }
func (p *AbortTransaction) Encode(e *Encoder) { e.PutTID(p.TTID) }
func (p *AbortTransaction) Decode(d *Decoder) error {
	p.TTID = d.GetTID()
	return d.Err()
}

// --- Object I/O family ---

type AskObject struct {
	OID OIDAt
}

// OIDAt carries the object to read and the snapshot TID to read it at.
type OIDAt struct {
	OID ids.OID
	At  ids.TID
}

func (p *AskObject) Type() PacketType { return PTAskObject }
func (p *AskObject) Encode(e *Encoder) {
	e.PutOID(p.OID.OID)
	e.PutTID(p.OID.At)
}
func (p *AskObject) Decode(d *Decoder) error {
	p.OID.OID = d.GetOID()
	p.OID.At = d.GetTID()
	return d.Err()
}

type AnswerObject struct {
	OID          ids.OID
	Serial       ids.TID
	NextSerial   ids.TID // 0 if none
	Compression  uint8
	Checksum     [20]byte
	Data         []byte
	Deleted      bool
}

func (p *AnswerObject) Type() PacketType { return PTAnswerObject }
func (p *AnswerObject) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutTID(p.Serial)
	e.PutTID(p.NextSerial)
	e.PutUint8(p.Compression)
	e.PutRaw(p.Checksum[:])
	e.PutBool(p.Deleted)
	e.PutBytes(p.Data)
}
func (p *AnswerObject) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	p.Serial = d.GetTID()
	p.NextSerial = d.GetTID()
	p.Compression = d.GetUint8()
	copy(p.Checksum[:], d.GetRaw(len(p.Checksum)))
	p.Deleted = d.GetBool()
	p.Data = d.GetBytes()
	return d.Err()
}

type AskStoreObject struct {
	OID    ids.OID
	Serial ids.TID
	TTID   ids.TID
	Data   []byte
	// ValueTID is 0 for an ordinary store and non-zero when this store
	// restores bytes undo already identified as duplicating an earlier
	// revision (spec.md §4.4), so the storage can link the new revision
	// back to it.
	ValueTID ids.TID
}

func (p *AskStoreObject) Type() PacketType { return PTAskStoreObject }
func (p *AskStoreObject) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutTID(p.Serial)
	e.PutTID(p.TTID)
	e.PutBytes(p.Data)
	e.PutTID(p.ValueTID)
}
func (p *AskStoreObject) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	p.Serial = d.GetTID()
	p.TTID = d.GetTID()
	p.Data = d.GetBytes()
	p.ValueTID = d.GetTID()
	return d.Err()
}

type AnswerStoreObject struct {
	OID      ids.OID
	Serial   ids.TID
	Conflict bool
	Latest   ids.TID
}

func (p *AnswerStoreObject) Type() PacketType { return PTAnswerStoreObject }
func (p *AnswerStoreObject) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutTID(p.Serial)
	e.PutBool(p.Conflict)
	e.PutTID(p.Latest)
}
func (p *AnswerStoreObject) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	p.Serial = d.GetTID()
	p.Conflict = d.GetBool()
	p.Latest = d.GetTID()
	return d.Err()
}

type AskObjectHistory struct {
	OID    ids.OID
	Offset uint32
	Length uint32
}

func (p *AskObjectHistory) Type() PacketType { return PTAskObjectHistory }
func (p *AskObjectHistory) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutUint32(p.Offset)
	e.PutUint32(p.Length)
}
func (p *AskObjectHistory) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	p.Offset = d.GetUint32()
	p.Length = d.GetUint32()
	return d.Err()
}

type HistoryEntry struct {
	TID   ids.TID
	Size  uint32
}

type AnswerObjectHistory struct {
	OID     ids.OID
	History []HistoryEntry
}

func (p *AnswerObjectHistory) Type() PacketType { return PTAnswerObjectHistory }
func (p *AnswerObjectHistory) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutUint32(uint32(len(p.History)))
	for _, h := range p.History {
		e.PutTID(h.TID)
		e.PutUint32(h.Size)
	}
}
func (p *AnswerObjectHistory) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	n := d.GetUint32()
	p.History = make([]HistoryEntry, n)
	for i := range p.History {
		p.History[i] = HistoryEntry{TID: d.GetTID(), Size: d.GetUint32()}
	}
	return d.Err()
}

type AskUndoTransaction struct {
	UndoneTID ids.TID
	OIDs      []ids.OID
}

func (p *AskUndoTransaction) Type() PacketType { return PTAskUndoTransaction }
func (p *AskUndoTransaction) Encode(e *Encoder) {
	e.PutTID(p.UndoneTID)
	e.PutOIDList(p.OIDs)
}
func (p *AskUndoTransaction) Decode(d *Decoder) error {
	p.UndoneTID = d.GetTID()
	p.OIDs = d.GetOIDList()
	return d.Err()
}

// UndoneOID is one OID an undo request affected: Head is the OID's current
// latest committed revision, used by the client as the conflict-check base
// serial for the restoring store() (spec.md §4.4's "the actual new
// revision is written by the client as a normal store").
type UndoneOID struct {
	OID  ids.OID
	Head ids.TID
}

type AnswerUndoTransaction struct {
	OIDs []UndoneOID
}

func (p *AnswerUndoTransaction) Type() PacketType { return PTAnswerUndoTransaction }
func (p *AnswerUndoTransaction) Encode(e *Encoder) {
	e.PutUint32(uint32(len(p.OIDs)))
	for _, u := range p.OIDs {
		e.PutOID(u.OID)
		e.PutTID(u.Head)
	}
}
func (p *AnswerUndoTransaction) Decode(d *Decoder) error {
	n := d.GetUint32()
	p.OIDs = make([]UndoneOID, n)
	for i := range p.OIDs {
		p.OIDs[i] = UndoneOID{OID: d.GetOID(), Head: d.GetTID()}
	}
	return d.Err()
}

// --- Replication family ---

type AskTIDsFrom struct {
	After     ids.TID
	Limit     uint32
	Partition uint32
}

func (p *AskTIDsFrom) Type() PacketType { return PTAskTIDsFrom }
func (p *AskTIDsFrom) Encode(e *Encoder) {
	e.PutTID(p.After)
	e.PutUint32(p.Limit)
	e.PutUint32(p.Partition)
}
func (p *AskTIDsFrom) Decode(d *Decoder) error {
	p.After = d.GetTID()
	p.Limit = d.GetUint32()
	p.Partition = d.GetUint32()
	return d.Err()
}

type AnswerTIDsFrom struct {
	TIDs []ids.TID
}

func (p *AnswerTIDsFrom) Type() PacketType { return PTAnswerTIDsFrom }
func (p *AnswerTIDsFrom) Encode(e *Encoder) {
	e.PutUint32(uint32(len(p.TIDs)))
	for _, tid := range p.TIDs {
		e.PutTID(tid)
	}
}
func (p *AnswerTIDsFrom) Decode(d *Decoder) error {
	n := d.GetUint32()
	p.TIDs = make([]ids.TID, n)
	for i := range p.TIDs {
		p.TIDs[i] = d.GetTID()
	}
	return d.Err()
}

type AskTransactionInformation struct {
	TID ids.TID
}

func (p *AskTransactionInformation) Type() PacketType { return PTAskTransactionInformation }
func (p *AskTransactionInformation) Encode(e *Encoder) { e.PutTID(p.TID) }
func (p *AskTransactionInformation) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	return d.Err()
}

type AnswerTransactionInformation struct {
	TID         ids.TID
	User        string
	Description string
	Extension   []byte
	Packed      bool
	OIDs        []ids.OID
}

func (p *AnswerTransactionInformation) Type() PacketType { return PTAnswerTransactionInformation }
func (p *AnswerTransactionInformation) Encode(e *Encoder) {
	e.PutTID(p.TID)
	e.PutString(p.User)
	e.PutString(p.Description)
	e.PutBytes(p.Extension)
	e.PutBool(p.Packed)
	e.PutOIDList(p.OIDs)
}
func (p *AnswerTransactionInformation) Decode(d *Decoder) error {
	p.TID = d.GetTID()
	p.User = d.GetString()
	p.Description = d.GetString()
	p.Extension = d.GetBytes()
	p.Packed = d.GetBool()
	p.OIDs = d.GetOIDList()
	return d.Err()
}

type AskOIDs struct {
	After     ids.OID
	Limit     uint32
	Partition uint32
}

func (p *AskOIDs) Type() PacketType { return PTAskOIDs }
func (p *AskOIDs) Encode(e *Encoder) {
	e.PutOID(p.After)
	e.PutUint32(p.Limit)
	e.PutUint32(p.Partition)
}
func (p *AskOIDs) Decode(d *Decoder) error {
	p.After = d.GetOID()
	p.Limit = d.GetUint32()
	p.Partition = d.GetUint32()
	return d.Err()
}

type AnswerOIDs struct {
	OIDs []ids.OID
}

func (p *AnswerOIDs) Type() PacketType { return PTAnswerOIDs }
func (p *AnswerOIDs) Encode(e *Encoder) { e.PutOIDList(p.OIDs) }
func (p *AnswerOIDs) Decode(d *Decoder) error {
	p.OIDs = d.GetOIDList()
	return d.Err()
}

type AskObjectHistoryFrom struct {
	OID   ids.OID
	After ids.TID
	Limit uint32
}

func (p *AskObjectHistoryFrom) Type() PacketType { return PTAskObjectHistoryFrom }
func (p *AskObjectHistoryFrom) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutTID(p.After)
	e.PutUint32(p.Limit)
}
func (p *AskObjectHistoryFrom) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	p.After = d.GetTID()
	p.Limit = d.GetUint32()
	return d.Err()
}

type AnswerObjectHistoryFrom struct {
	OID     ids.OID
	Serials []ids.TID
}

func (p *AnswerObjectHistoryFrom) Type() PacketType { return PTAnswerObjectHistoryFrom }
func (p *AnswerObjectHistoryFrom) Encode(e *Encoder) {
	e.PutOID(p.OID)
	e.PutUint32(uint32(len(p.Serials)))
	for _, s := range p.Serials {
		e.PutTID(s)
	}
}
func (p *AnswerObjectHistoryFrom) Decode(d *Decoder) error {
	p.OID = d.GetOID()
	n := d.GetUint32()
	p.Serials = make([]ids.TID, n)
	for i := range p.Serials {
		p.Serials[i] = d.GetTID()
	}
	return d.Err()
}

type NotifyReplicationDone struct {
	Partition uint32
	TID       ids.TID
}

func (p *NotifyReplicationDone) Type() PacketType { return PTNotifyReplicationDone }
func (p *NotifyReplicationDone) Encode(e *Encoder) {
	e.PutUint32(p.Partition)
	e.PutTID(p.TID)
}
func (p *NotifyReplicationDone) Decode(d *Decoder) error {
	p.Partition = d.GetUint32()
	p.TID = d.GetTID()
	return d.Err()
}

// AskDigest is one storage asking a reference replica for its chunked
// SHA-1 digest over a partition's (minTID, maxTID) window, the wire side
// of the storage package's DigestSource.
type AskDigest struct {
	Partition uint32
	MinTID    ids.TID
	MaxTID    ids.TID
}

func (p *AskDigest) Type() PacketType { return PTAskDigest }
func (p *AskDigest) Encode(e *Encoder) {
	e.PutUint32(p.Partition)
	e.PutTID(p.MinTID)
	e.PutTID(p.MaxTID)
}
func (p *AskDigest) Decode(d *Decoder) error {
	p.Partition = d.GetUint32()
	p.MinTID = d.GetTID()
	p.MaxTID = d.GetTID()
	return d.Err()
}

type AnswerDigest struct {
	TIDChunks [][20]byte
	OIDChunks [][20]byte
}

func (p *AnswerDigest) Type() PacketType { return PTAnswerDigest }
func (p *AnswerDigest) Encode(e *Encoder) {
	e.PutUint32(uint32(len(p.TIDChunks)))
	for _, c := range p.TIDChunks {
		e.PutRaw(c[:])
	}
	e.PutUint32(uint32(len(p.OIDChunks)))
	for _, c := range p.OIDChunks {
		e.PutRaw(c[:])
	}
}
func (p *AnswerDigest) Decode(d *Decoder) error {
	n := d.GetUint32()
	p.TIDChunks = make([][20]byte, n)
	for i := range p.TIDChunks {
		copy(p.TIDChunks[i][:], d.GetRaw(20))
	}
	n = d.GetUint32()
	p.OIDChunks = make([][20]byte, n)
	for i := range p.OIDChunks {
		copy(p.OIDChunks[i][:], d.GetRaw(20))
	}
	return d.Err()
}

// --- Admin family ---

type AskClusterState struct{}

func (p *AskClusterState) Type() PacketType       { return PTAskClusterState }
func (p *AskClusterState) Encode(e *Encoder)       {}
func (p *AskClusterState) Decode(d *Decoder) error { return d.Err() }

type AnswerClusterState struct {
	State uint8
}

func (p *AnswerClusterState) Type() PacketType { return PTAnswerClusterState }
func (p *AnswerClusterState) Encode(e *Encoder) { e.PutUint8(p.State) }
func (p *AnswerClusterState) Decode(d *Decoder) error {
	p.State = d.GetUint8()
	return d.Err()
}

type SetClusterState struct {
	State uint8
}

func (p *SetClusterState) Type() PacketType { return PTSetClusterState }
func (p *SetClusterState) Encode(e *Encoder) { e.PutUint8(p.State) }
func (p *SetClusterState) Decode(d *Decoder) error {
	p.State = d.GetUint8()
	return d.Err()
}

type AskNodeList struct{}

func (p *AskNodeList) Type() PacketType       { return PTAskNodeList }
func (p *AskNodeList) Encode(e *Encoder)       {}
func (p *AskNodeList) Decode(d *Decoder) error { return d.Err() }

type AnswerNodeList struct {
	Nodes []NodeInfo
}

func (p *AnswerNodeList) Type() PacketType { return PTAnswerNodeList }
func (p *AnswerNodeList) Encode(e *Encoder) {
	(&NotifyNodeInformation{Nodes: p.Nodes}).Encode(e)
}
func (p *AnswerNodeList) Decode(d *Decoder) error {
	var n NotifyNodeInformation
	if err := n.Decode(d); err != nil {
		return err
	}
	p.Nodes = n.Nodes
	return nil
}

type SetNodeState struct {
	UUID     ids.UUID
	State    uint8
	ModifyPT bool
}

func (p *SetNodeState) Type() PacketType { return PTSetNodeState }
func (p *SetNodeState) Encode(e *Encoder) {
	e.PutUUID(p.UUID)
	e.PutUint8(p.State)
	e.PutBool(p.ModifyPT)
}
func (p *SetNodeState) Decode(d *Decoder) error {
	p.UUID = d.GetUUID()
	p.State = d.GetUint8()
	p.ModifyPT = d.GetBool()
	return d.Err()
}

type AddPendingNodes struct {
	UUIDs []ids.UUID
}

func (p *AddPendingNodes) Type() PacketType { return PTAddPendingNodes }
func (p *AddPendingNodes) Encode(e *Encoder) { e.PutUUIDList(p.UUIDs) }
func (p *AddPendingNodes) Decode(d *Decoder) error {
	p.UUIDs = d.GetUUIDList()
	return d.Err()
}

type TweakPartitionTable struct {
	ExcludedUUIDs []ids.UUID
}

func (p *TweakPartitionTable) Type() PacketType { return PTTweakPartitionTable }
func (p *TweakPartitionTable) Encode(e *Encoder) { e.PutUUIDList(p.ExcludedUUIDs) }
func (p *TweakPartitionTable) Decode(d *Decoder) error {
	p.ExcludedUUIDs = d.GetUUIDList()
	return d.Err()
}

type DropNode struct {
	UUID ids.UUID
}

func (p *DropNode) Type() PacketType { return PTDropNode }
func (p *DropNode) Encode(e *Encoder) { e.PutUUID(p.UUID) }
func (p *DropNode) Decode(d *Decoder) error {
	p.UUID = d.GetUUID()
	return d.Err()
}

type CheckReplicas struct {
	Partition uint32
	Source    ids.UUID
	MinTID    ids.TID
	MaxTID    ids.TID
}

func (p *CheckReplicas) Type() PacketType { return PTCheckReplicas }
func (p *CheckReplicas) Encode(e *Encoder) {
	e.PutUint32(p.Partition)
	e.PutUUID(p.Source)
	e.PutTID(p.MinTID)
	e.PutTID(p.MaxTID)
}
func (p *CheckReplicas) Decode(d *Decoder) error {
	p.Partition = d.GetUint32()
	p.Source = d.GetUUID()
	p.MinTID = d.GetTID()
	p.MaxTID = d.GetTID()
	return d.Err()
}

type AnswerCheckReplicas struct {
	Partition uint32
	Divergent bool
	Detail    string
}

func (p *AnswerCheckReplicas) Type() PacketType { return PTAnswerCheckReplicas }
func (p *AnswerCheckReplicas) Encode(e *Encoder) {
	e.PutUint32(p.Partition)
	e.PutBool(p.Divergent)
	e.PutString(p.Detail)
}
func (p *AnswerCheckReplicas) Decode(d *Decoder) error {
	p.Partition = d.GetUint32()
	p.Divergent = d.GetBool()
	p.Detail = d.GetString()
	return d.Err()
}

// Pack asks every storage serving a partition to reclaim revisions older
// than TID, forwarded by the master to
// every storage connection and answered once each has run locally.
type Pack struct {
	TID ids.TID
}

func (p *Pack) Type() PacketType       { return PTPack }
func (p *Pack) Encode(e *Encoder)      { e.PutTID(p.TID) }
func (p *Pack) Decode(d *Decoder) error { p.TID = d.GetTID(); return d.Err() }

type AnswerPack struct {
	Reclaimed uint32
}

func (p *AnswerPack) Type() PacketType       { return PTAnswerPack }
func (p *AnswerPack) Encode(e *Encoder)      { e.PutUint32(p.Reclaimed) }
func (p *AnswerPack) Decode(d *Decoder) error { p.Reclaimed = d.GetUint32(); return d.Err() }

type AskPartitionRows struct{}

func (p *AskPartitionRows) Type() PacketType       { return PTAskPartitionRows }
func (p *AskPartitionRows) Encode(e *Encoder)       {}
func (p *AskPartitionRows) Decode(d *Decoder) error { return d.Err() }

type AnswerPartitionRows struct {
	PTID ids.PTID
	Rows []PartitionRow
}

func (p *AnswerPartitionRows) Type() PacketType { return PTAnswerPartitionRows }
func (p *AnswerPartitionRows) Encode(e *Encoder) {
	(&SendPartitionTable{PTID: p.PTID, Rows: p.Rows}).Encode(e)
}
func (p *AnswerPartitionRows) Decode(d *Decoder) error {
	var full SendPartitionTable
	if err := full.Decode(d); err != nil {
		return err
	}
	p.PTID, p.Rows = full.PTID, full.Rows
	return nil
}

// --- Error packet, carried in any family ---

type Error struct {
	Code    protoerr.Code
	Message string
}

func (p *Error) Type() PacketType { return PTError }
func (p *Error) Encode(e *Encoder) {
	e.PutUint32(uint32(p.Code))
	e.PutString(p.Message)
}
func (p *Error) Decode(d *Decoder) error {
	p.Code = protoerr.Code(d.GetUint32())
	p.Message = d.GetString()
	return d.Err()
}

func (p *Error) Error() string {
	return fmt.Sprintf("proto: %s: %s", p.Code, p.Message)
}

// NewError builds an Error packet from a Go error, classifying it via
// protoerr.CodeFor.
func NewError(err error) *Error {
	return &Error{Code: protoerr.CodeFor(err), Message: err.Error()}
}
