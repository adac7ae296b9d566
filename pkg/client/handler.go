package client

import (
	"fmt"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/neo/pt"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// Handler is the conn.Handler installed on every connection this Client
// owns, master or storage alike: dispatcher answers are resolved first,
// then the small set of unsolicited notifications a client can receive
// (membership, partition-table, invalidation) are applied directly.
type Handler struct {
	Cl *Client
}

func (h *Handler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error {
	if h.Cl.D.Dispatch(c, id, p) {
		return nil
	}

	switch pk := p.(type) {
	case *proto.NotifyNodeInformation:
		h.Cl.NM.ApplyAll(pk.Nodes)
		return nil
	case *proto.SendPartitionTable:
		h.Cl.PT.ReplaceAll(pk.PTID, rowsToCells(pk.Rows, h.Cl.PT.P()))
		return nil
	case *proto.NotifyPartitionChanges:
		h.Cl.PT.ApplyDelta(pk.PTID, changesFromRows(pk.Rows))
		return nil
	case *proto.InvalidateObjects:
		h.Cl.handleInvalidate(pk.TID, pk.OIDs)
		return nil
	default:
		return fmt.Errorf("client: unexpected packet: %w", protoerr.ErrProtocol)
	}
}

func (h *Handler) OnClose(c *conn.Connection) {
	h.Cl.D.Cancel(c)
	h.Cl.onMasterLost(c)
	h.Cl.onStorageLost(c)
}

// onStorageLost drops the dead connection from the storage pool so the
// next storageConnFor call redials, per spec.md §4.5 "If the cell is
// unavailable mid-request, the client retries on another cell."
func (cl *Client) onStorageLost(c *conn.Connection) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for uuid, sc := range cl.storageConns {
		if sc == c {
			delete(cl.storageConns, uuid)
		}
	}
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
