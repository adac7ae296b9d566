package proto

import "fmt"

// registry maps a wire PacketType to a constructor for its zero-value
// packet, used by Decode to allocate the right concrete type before
// calling its Decode method.
var registry = map[PacketType]func() Packet{
	PTRequestIdentification: func() Packet { return &RequestIdentification{} },
	PTAcceptIdentification:  func() Packet { return &AcceptIdentification{} },

	PTAskPrimary:            func() Packet { return &AskPrimary{} },
	PTAnswerPrimary:         func() Packet { return &AnswerPrimary{} },
	PTAnnouncePrimaryMaster: func() Packet { return &AnnouncePrimaryMaster{} },
	PTReelectPrimaryMaster:  func() Packet { return &ReelectPrimaryMaster{} },

	PTNotifyNodeInformation:  func() Packet { return &NotifyNodeInformation{} },
	PTSendPartitionTable:     func() Packet { return &SendPartitionTable{} },
	PTNotifyPartitionChanges: func() Packet { return &NotifyPartitionChanges{} },

	PTAskBeginTransaction:       func() Packet { return &AskBeginTransaction{} },
	PTAnswerBeginTransaction:    func() Packet { return &AnswerBeginTransaction{} },
	PTAskNewOIDs:                func() Packet { return &AskNewOIDs{} },
	PTAnswerNewOIDs:             func() Packet { return &AnswerNewOIDs{} },
	PTFinishTransaction:         func() Packet { return &FinishTransaction{} },
	PTAnswerTransactionFinished: func() Packet { return &AnswerTransactionFinished{} },
	PTLockInformation:           func() Packet { return &LockInformation{} },
	PTNotifyInformationLocked:   func() Packet { return &NotifyInformationLocked{} },
	PTUnlockInformation:         func() Packet { return &UnlockInformation{} },
	PTInvalidateObjects:         func() Packet { return &InvalidateObjects{} },
	PTAbortTransaction:          func() Packet { return &AbortTransaction{} },

	PTAskObject:             func() Packet { return &AskObject{} },
	PTAnswerObject:          func() Packet { return &AnswerObject{} },
	PTAskStoreObject:        func() Packet { return &AskStoreObject{} },
	PTAnswerStoreObject:     func() Packet { return &AnswerStoreObject{} },
	PTAskObjectHistory:      func() Packet { return &AskObjectHistory{} },
	PTAnswerObjectHistory:   func() Packet { return &AnswerObjectHistory{} },
	PTAskUndoTransaction:    func() Packet { return &AskUndoTransaction{} },
	PTAnswerUndoTransaction: func() Packet { return &AnswerUndoTransaction{} },

	PTAskTIDsFrom:                  func() Packet { return &AskTIDsFrom{} },
	PTAnswerTIDsFrom:               func() Packet { return &AnswerTIDsFrom{} },
	PTAskTransactionInformation:    func() Packet { return &AskTransactionInformation{} },
	PTAnswerTransactionInformation: func() Packet { return &AnswerTransactionInformation{} },
	PTAskOIDs:                      func() Packet { return &AskOIDs{} },
	PTAnswerOIDs:                   func() Packet { return &AnswerOIDs{} },
	PTAskObjectHistoryFrom:         func() Packet { return &AskObjectHistoryFrom{} },
	PTAnswerObjectHistoryFrom:      func() Packet { return &AnswerObjectHistoryFrom{} },
	PTNotifyReplicationDone:        func() Packet { return &NotifyReplicationDone{} },
	PTAskDigest:                    func() Packet { return &AskDigest{} },
	PTAnswerDigest:                 func() Packet { return &AnswerDigest{} },

	PTAskClusterState:     func() Packet { return &AskClusterState{} },
	PTAnswerClusterState:  func() Packet { return &AnswerClusterState{} },
	PTSetClusterState:     func() Packet { return &SetClusterState{} },
	PTAskNodeList:         func() Packet { return &AskNodeList{} },
	PTAnswerNodeList:      func() Packet { return &AnswerNodeList{} },
	PTSetNodeState:        func() Packet { return &SetNodeState{} },
	PTAddPendingNodes:     func() Packet { return &AddPendingNodes{} },
	PTTweakPartitionTable: func() Packet { return &TweakPartitionTable{} },
	PTDropNode:            func() Packet { return &DropNode{} },
	PTCheckReplicas:       func() Packet { return &CheckReplicas{} },
	PTAnswerCheckReplicas: func() Packet { return &AnswerCheckReplicas{} },
	PTAskPartitionRows:    func() Packet { return &AskPartitionRows{} },
	PTAnswerPartitionRows: func() Packet { return &AnswerPartitionRows{} },
	PTPack:                func() Packet { return &Pack{} },
	PTAnswerPack:          func() Packet { return &AnswerPack{} },

	PTError: func() Packet { return &Error{} },
}

// New allocates the zero-value packet registered for typ, or nil if typ is
// unknown (e.g. sent by a newer peer speaking an extended protocol).
func New(typ PacketType) Packet {
	ctor, ok := registry[typ]
	if !ok {
		return nil
	}
	return ctor()
}

// Encode serializes p into a Frame with the given correlation id.
func Encode(id uint32, p Packet) Frame {
	e := NewEncoder()
	p.Encode(e)
	return Frame{ID: id, Type: p.Type(), Payload: e.Bytes()}
}

// Decode allocates the packet registered for f.Type and decodes f.Payload
// into it.
func Decode(f Frame) (Packet, error) {
	p := New(f.Type)
	if p == nil {
		return nil, fmt.Errorf("proto: unknown packet type %#04x", uint16(f.Type))
	}
	d := NewDecoder(f.Payload)
	if err := p.Decode(d); err != nil {
		return nil, fmt.Errorf("proto: decode packet type %#04x: %w", uint16(f.Type), err)
	}
	return p, nil
}
