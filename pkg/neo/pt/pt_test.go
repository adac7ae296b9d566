package pt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

func TestPartitionOfWraps(t *testing.T) {
	table := New(4, 2)
	assert.Equal(t, uint32(0), table.PartitionOfOID(0))
	assert.Equal(t, uint32(1), table.PartitionOfOID(5))
	assert.Equal(t, uint32(2), table.PartitionOfTID(10))
}

func TestOperationalRequiresUpToDateEveryPartition(t *testing.T) {
	table := New(2, 1)
	n := ids.NewUUID(ids.RoleStorage)
	assert.False(t, table.Operational(), "empty table is never operational")

	table.ApplyDelta(1, []Change{{Partition: 0, Node: n, State: CellUpToDate}})
	assert.False(t, table.Operational(), "partition 1 still uncovered")

	table.ApplyDelta(2, []Change{{Partition: 1, Node: n, State: CellUpToDate}})
	assert.True(t, table.Operational())
}

func TestApplyDeltaRejectsStalePTID(t *testing.T) {
	table := New(1, 1)
	n := ids.NewUUID(ids.RoleStorage)
	require.True(t, table.ApplyDelta(5, []Change{{Partition: 0, Node: n, State: CellUpToDate}}))
	assert.Equal(t, ids.PTID(5), table.PTID())

	applied := table.ApplyDelta(5, []Change{{Partition: 0, Node: n, State: CellOutOfDate}})
	assert.False(t, applied, "equal PTID must be ignored, not just lower")
	row := table.Row(0)
	require.Len(t, row, 1)
	assert.Equal(t, CellUpToDate, row[0].State)
}

func TestApplyDeltaDiscardRemovesCell(t *testing.T) {
	table := New(1, 1)
	n := ids.NewUUID(ids.RoleStorage)
	table.ApplyDelta(1, []Change{{Partition: 0, Node: n, State: CellUpToDate}})
	table.ApplyDelta(2, []Change{{Partition: 0, Node: n, State: CellDiscarded}})
	assert.Empty(t, table.Row(0))
}

func TestAssignFillsEveryPartitionToReplicationFactor(t *testing.T) {
	table := New(4, 2)
	nodes := []ids.UUID{
		ids.NewUUID(ids.RoleStorage),
		ids.NewUUID(ids.RoleStorage),
		ids.NewUUID(ids.RoleStorage),
	}
	changes := table.Assign(nodes, nil)
	assert.NotEmpty(t, changes)
	for p := uint32(0); p < 4; p++ {
		assert.Len(t, table.Row(p), 2)
	}
}

func TestAssignExcludesDroppedNodes(t *testing.T) {
	table := New(2, 1)
	a := ids.NewUUID(ids.RoleStorage)
	b := ids.NewUUID(ids.RoleStorage)
	table.Assign([]ids.UUID{a, b}, nil)

	before := table.PTID()
	table.Assign([]ids.UUID{a, b}, map[ids.UUID]bool{a: true})
	after := table.PTID()
	assert.Greater(t, uint64(after), uint64(before))

	for p := uint32(0); p < 2; p++ {
		for _, c := range table.Row(p) {
			assert.NotEqual(t, a, c.Node)
		}
	}
}

func TestAssignBalancesLoadAcrossNodes(t *testing.T) {
	table := New(6, 1)
	a := ids.NewUUID(ids.RoleStorage)
	b := ids.NewUUID(ids.RoleStorage)
	table.Assign([]ids.UUID{a, b}, nil)

	counts := map[ids.UUID]int{}
	for p := uint32(0); p < 6; p++ {
		for _, c := range table.Row(p) {
			counts[c.Node]++
		}
	}
	assert.Equal(t, 3, counts[a])
	assert.Equal(t, 3, counts[b])
}
