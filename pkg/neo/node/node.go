// Package node tracks the authoritative set of known cluster peers,
// applying the node snapshots and deltas carried by
// proto.NotifyNodeInformation.
package node

import (
	"sync"

	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
)

// State is a node's membership state as seen by the primary master.
type State uint8

const (
	StateUnknown State = iota
	StatePending
	StateRunning
	StateTemporarilyDown
	StateDown
	StateBroken
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateTemporarilyDown:
		return "TEMPORARILY_DOWN"
	case StateDown:
		return "DOWN"
	case StateBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// Node is one cluster peer as known to the local node's membership view.
type Node struct {
	UUID    ids.UUID
	Role    ids.NodeRole
	Address string
	State   State
}

// Manager holds the current membership view, keyed by both UUID and
// address so either can resolve a node during identification.
type Manager struct {
	mu      sync.RWMutex
	byUUID  map[ids.UUID]*Node
	byAddr  map[string]*Node
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		byUUID: make(map[ids.UUID]*Node),
		byAddr: make(map[string]*Node),
	}
}

// Apply idempotently merges one NodeInfo entry from a
// NotifyNodeInformation packet into the view, inserting or updating as
// needed. It is safe to apply the same entry twice.
func (m *Manager) Apply(info proto.NodeInfo) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byUUID[info.UUID]
	if !ok {
		n = &Node{UUID: info.UUID}
		m.byUUID[info.UUID] = n
	}
	if n.Address != "" && n.Address != info.Address {
		delete(m.byAddr, n.Address)
	}
	n.Role = info.Role
	n.Address = info.Address
	n.State = State(info.State)
	if info.Address != "" {
		m.byAddr[info.Address] = n
	}
	return n
}

// ApplyAll merges every entry of a full or partial NotifyNodeInformation
// snapshot.
func (m *Manager) ApplyAll(nodes []proto.NodeInfo) {
	for _, n := range nodes {
		m.Apply(n)
	}
}

// ByUUID returns the node known by uuid, if any.
func (m *Manager) ByUUID(u ids.UUID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byUUID[u]
	return n, ok
}

// ByAddress returns the node known at addr, if any.
func (m *Manager) ByAddress(addr string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byAddr[addr]
	return n, ok
}

// Forget removes a node from the view entirely, used when the master
// permanently drops a node.
func (m *Manager) Forget(u ids.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.byUUID[u]; ok {
		delete(m.byAddr, n.Address)
		delete(m.byUUID, u)
	}
}

// ByRole returns every known node with the given role, in unspecified
// order.
func (m *Manager) ByRole(role ids.NodeRole) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Node
	for _, n := range m.byUUID {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

// RunningStorageCount reports how many storage nodes are currently
// RUNNING, used by cluster-state transitions.
func (m *Manager) RunningStorageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, node := range m.byUUID {
		if node.Role == ids.RoleStorage && node.State == StateRunning {
			n++
		}
	}
	return n
}

// Snapshot returns every known node as a NotifyNodeInformation-ready slice,
// used to answer AskNodeList or to seed a newly-identified peer.
func (m *Manager) Snapshot() []proto.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]proto.NodeInfo, 0, len(m.byUUID))
	for _, n := range m.byUUID {
		out = append(out, proto.NodeInfo{UUID: n.UUID, Role: n.Role, Address: n.Address, State: uint8(n.State)})
	}
	return out
}
