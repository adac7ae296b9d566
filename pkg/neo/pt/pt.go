// Package pt implements the partition table of the cluster protocol, §4.1, §8.5: a
// fixed P-row, R-cell assignment of storage replicas to partitions, the
// operational invariant, and the minimal-movement rebalance used when
// storages are added, dropped, or tweaked.
package pt

import (
	"sort"
	"sync"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

// CellState is one cell's replication status within its partition.
type CellState uint8

const (
	CellUpToDate CellState = iota
	CellOutOfDate
	CellFeeding
	CellDiscarded
	CellCorrupted
)

func (s CellState) String() string {
	switch s {
	case CellUpToDate:
		return "UP_TO_DATE"
	case CellOutOfDate:
		return "OUT_OF_DATE"
	case CellFeeding:
		return "FEEDING"
	case CellDiscarded:
		return "DISCARDED"
	case CellCorrupted:
		return "CORRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Cell is one storage replica's state within a partition.
type Cell struct {
	Node  ids.UUID
	State CellState
}

// Table is the partition table: P partitions, each with an ordered list of
// cells, versioned by a monotonically increasing PTID.
type Table struct {
	mu   sync.RWMutex
	ptid ids.PTID
	p    uint32
	r    uint32
	rows [][]Cell
}

// New returns an empty table with p partitions and replication factor r,
// all rows empty (no cells assigned yet).
func New(p, r uint32) *Table {
	return &Table{p: p, r: r, rows: make([][]Cell, p)}
}

// PTID returns the table's current version.
func (t *Table) PTID() ids.PTID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ptid
}

// P returns the partition count.
func (t *Table) P() uint32 { return t.p }

// R returns the configured replication factor.
func (t *Table) R() uint32 { return t.r }

// PartitionOfOID returns OID mod P.
func (t *Table) PartitionOfOID(oid ids.OID) uint32 {
	return uint32(uint64(oid) % uint64(t.p))
}

// PartitionOfTID returns TID mod P.
func (t *Table) PartitionOfTID(tid ids.TID) uint32 {
	return uint32(uint64(tid) % uint64(t.p))
}

// Row returns a copy of partition p's cells.
func (t *Table) Row(partition uint32) []Cell {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row := t.rows[partition]
	out := make([]Cell, len(row))
	copy(out, row)
	return out
}

// Operational reports whether every partition has at least one
// UP_TO_DATE cell (the cluster protocol, §8.1).
func (t *Table) Operational() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, row := range t.rows {
		if !rowHasUpToDate(row) {
			return false
		}
	}
	return true
}

func rowHasUpToDate(row []Cell) bool {
	for _, c := range row {
		if c.State == CellUpToDate {
			return true
		}
	}
	return false
}

// Change is one cell assignment delta, as carried by
// proto.NotifyPartitionChanges.
type Change struct {
	Partition uint32
	Node      ids.UUID
	State     CellState
}

// ApplyDelta applies a batch of cell changes under a new PTID, but only if
// newPTID is strictly greater than the table's current version (the cluster protocol
// §8.5 "Partition-table monotonicity"). Returns whether the delta was
// applied.
func (t *Table) ApplyDelta(newPTID ids.PTID, changes []Change) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newPTID <= t.ptid {
		return false
	}
	for _, c := range changes {
		t.rows[c.Partition] = upsertCell(t.rows[c.Partition], c.Node, c.State)
	}
	t.ptid = newPTID
	return true
}

// ReplaceAll installs a full snapshot, unconditionally, regardless of PTID ordering —
// used only when joining a cluster with no local table yet.
func (t *Table) ReplaceAll(ptid ids.PTID, rows [][]Cell) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ptid = ptid
	t.rows = rows
}

func upsertCell(row []Cell, node ids.UUID, state CellState) []Cell {
	if state == CellDiscarded {
		out := row[:0]
		for _, c := range row {
			if c.Node != node {
				out = append(out, c)
			}
		}
		return out
	}
	for i, c := range row {
		if c.Node == node {
			row[i].State = state
			return row
		}
	}
	return append(row, Cell{Node: node, State: state})
}

// Assign computes a deterministic minimal-movement rebalance of every
// partition across the given candidate storage nodes so each ends up with
// exactly R cells (fewer if there are not enough candidates), keeping every
// existing non-DISCARDED cell of a live candidate in place and filling gaps with
// whichever candidate currently holds the fewest cells overall — the same
// "fewest assignments wins" tie-break used by a container scheduler
// choosing among ready nodes. New cells are assigned OUT_OF_DATE so they
// replicate in before serving reads. excluded nodes are never assigned.
func (t *Table) Assign(candidates []ids.UUID, excluded map[ids.UUID]bool) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[ids.UUID]bool, len(candidates))
	for _, c := range candidates {
		if !excluded[c] {
			live[c] = true
		}
	}

	load := make(map[ids.UUID]int, len(candidates))
	for _, row := range t.rows {
		for _, c := range row {
			if live[c.Node] && (c.State == CellUpToDate || c.State == CellOutOfDate || c.State == CellFeeding) {
				load[c.Node]++
			}
		}
	}

	var changes []Change
	for p := uint32(0); p < t.p; p++ {
		row := t.rows[p]
		kept := make([]Cell, 0, len(row))
		for _, c := range row {
			if live[c.Node] && c.State != CellDiscarded {
				kept = append(kept, c)
			} else if !live[c.Node] {
				changes = append(changes, Change{Partition: p, Node: c.Node, State: CellDiscarded})
			}
		}

		need := int(t.r) - len(kept)
		for need > 0 {
			pick, ok := leastLoaded(live, load, kept)
			if !ok {
				break
			}
			kept = append(kept, Cell{Node: pick, State: CellOutOfDate})
			load[pick]++
			changes = append(changes, Change{Partition: p, Node: pick, State: CellOutOfDate})
			need--
		}
		t.rows[p] = kept
	}

	if len(changes) > 0 {
		t.ptid++
	}
	return changes
}

func leastLoaded(live map[ids.UUID]bool, load map[ids.UUID]int, already []Cell) (ids.UUID, bool) {
	has := make(map[ids.UUID]bool, len(already))
	for _, c := range already {
		has[c.Node] = true
	}

	var candidates []ids.UUID
	for n := range live {
		if !has[n] {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return ids.UUID{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if load[candidates[i]] != load[candidates[j]] {
			return load[candidates[i]] < load[candidates[j]]
		}
		return candidates[i].Less(candidates[j])
	})
	return candidates[0], true
}
