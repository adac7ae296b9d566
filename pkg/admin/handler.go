package admin

import (
	"fmt"

	"github.com/e42s/neoppod/pkg/neo/conn"
	"github.com/e42s/neoppod/pkg/neo/proto"
	"github.com/e42s/neoppod/pkg/protoerr"
)

// Handler is the conn.Handler installed on the admin's master connection.
// An admin session registers as a client in the master's eyes (see
// handleIdentification's RoleAdmin case), so it receives the same
// unsolicited membership/partition-table/invalidation broadcasts a client
// does; none of them carry operator-relevant state, so they are dropped
// once the dispatcher has had first refusal.
type Handler struct {
	A *Admin
}

func (h *Handler) HandlePacket(c *conn.Connection, id uint32, p proto.Packet) error {
	if h.A.D.Dispatch(c, id, p) {
		return nil
	}
	switch p.(type) {
	case *proto.NotifyNodeInformation, *proto.SendPartitionTable, *proto.NotifyPartitionChanges, *proto.InvalidateObjects:
		return nil
	default:
		return fmt.Errorf("admin: unexpected packet: %w", protoerr.ErrProtocol)
	}
}

func (h *Handler) OnClose(c *conn.Connection) {
	h.A.D.Cancel(c)
	h.A.onMasterLost(c)
}
