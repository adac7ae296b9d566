package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/proto"
)

func TestApplyInsertsAndUpdates(t *testing.T) {
	m := NewManager()
	u := ids.NewUUID(ids.RoleStorage)

	m.Apply(proto.NodeInfo{UUID: u, Role: ids.RoleStorage, Address: "10.0.0.1:4000", State: uint8(StatePending)})
	n, ok := m.ByUUID(u)
	require.True(t, ok)
	assert.Equal(t, StatePending, n.State)

	m.Apply(proto.NodeInfo{UUID: u, Role: ids.RoleStorage, Address: "10.0.0.1:4000", State: uint8(StateRunning)})
	n, ok = m.ByUUID(u)
	require.True(t, ok)
	assert.Equal(t, StateRunning, n.State)
}

func TestApplyReindexesOnAddressChange(t *testing.T) {
	m := NewManager()
	u := ids.NewUUID(ids.RoleStorage)

	m.Apply(proto.NodeInfo{UUID: u, Role: ids.RoleStorage, Address: "10.0.0.1:4000", State: uint8(StateRunning)})
	_, ok := m.ByAddress("10.0.0.1:4000")
	require.True(t, ok)

	m.Apply(proto.NodeInfo{UUID: u, Role: ids.RoleStorage, Address: "10.0.0.2:4000", State: uint8(StateRunning)})
	_, ok = m.ByAddress("10.0.0.1:4000")
	assert.False(t, ok)
	_, ok = m.ByAddress("10.0.0.2:4000")
	assert.True(t, ok)
}

func TestForgetRemovesNode(t *testing.T) {
	m := NewManager()
	u := ids.NewUUID(ids.RoleStorage)
	m.Apply(proto.NodeInfo{UUID: u, Address: "10.0.0.1:4000"})
	m.Forget(u)
	_, ok := m.ByUUID(u)
	assert.False(t, ok)
	_, ok = m.ByAddress("10.0.0.1:4000")
	assert.False(t, ok)
}

func TestRunningStorageCount(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		u := ids.NewUUID(ids.RoleStorage)
		state := StateRunning
		if i == 2 {
			state = StateDown
		}
		m.Apply(proto.NodeInfo{UUID: u, Role: ids.RoleStorage, State: uint8(state)})
	}
	u := ids.NewUUID(ids.RoleClient)
	m.Apply(proto.NodeInfo{UUID: u, Role: ids.RoleClient, State: uint8(StateRunning)})

	assert.Equal(t, 2, m.RunningStorageCount())
}

func TestByRoleFiltersCorrectly(t *testing.T) {
	m := NewManager()
	s := ids.NewUUID(ids.RoleStorage)
	c := ids.NewUUID(ids.RoleClient)
	m.Apply(proto.NodeInfo{UUID: s, Role: ids.RoleStorage})
	m.Apply(proto.NodeInfo{UUID: c, Role: ids.RoleClient})

	storages := m.ByRole(ids.RoleStorage)
	require.Len(t, storages, 1)
	assert.Equal(t, s, storages[0].UUID)
}
