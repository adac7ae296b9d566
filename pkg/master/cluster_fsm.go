package master

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ClusterState is one node in the cluster-wide state machine the primary
// drives. Unlike the teacher's WarrenFSM, which applies committed Raft
// log entries, transitions here are driven directly by protocol events
// (a storage answering recovery, the admin issuing SetClusterState) since
// this store's consensus is the election protocol, not a replicated log.
type ClusterState uint8

const (
	StateRecovering ClusterState = iota
	StateVerifying
	StateRunning
	StateStartingBackup
	StateBackingUp
	StateStoppingBackup
	StateStopping
)

func (s ClusterState) String() string {
	switch s {
	case StateRecovering:
		return "RECOVERING"
	case StateVerifying:
		return "VERIFYING"
	case StateRunning:
		return "RUNNING"
	case StateStartingBackup:
		return "STARTING_BACKUP"
	case StateBackingUp:
		return "BACKINGUP"
	case StateStoppingBackup:
		return "STOPPING_BACKUP"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// transitions enumerates every state change the admin or the recovery/
// verification pipeline may request; anything absent is a protocol error.
var transitions = map[ClusterState]map[ClusterState]bool{
	StateRecovering:     {StateVerifying: true},
	StateVerifying:      {StateRunning: true, StateRecovering: true},
	StateRunning:        {StateStartingBackup: true, StateStopping: true, StateRecovering: true},
	StateStartingBackup: {StateBackingUp: true, StateRunning: true},
	StateBackingUp:      {StateStoppingBackup: true},
	StateStoppingBackup: {StateRunning: true},
	StateStopping:       {},
}

// ErrBadTransition is returned when a requested cluster-state change is
// not in the allowed transition table.
type ErrBadTransition struct {
	From, To ClusterState
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("master: %s -> %s is not an allowed transition", e.From, e.To)
}

// Listener is notified of every accepted cluster-state transition, so the
// caller can broadcast SetClusterState/AnswerClusterState to peers.
type Listener func(from, to ClusterState)

// ClusterFSM holds the cluster's current lifecycle state and enforces the
// transition table. One instance lives on the primary; secondaries just
// mirror the broadcast value via Force.
type ClusterFSM struct {
	mu        sync.RWMutex
	state     ClusterState
	listeners []Listener
	log       zerolog.Logger
}

// NewClusterFSM returns an FSM starting in RECOVERING, the state every
// master boots into until storages have reported in.
func NewClusterFSM(log zerolog.Logger) *ClusterFSM {
	return &ClusterFSM{
		state: StateRecovering,
		log:   log.With().Str("component", "cluster_fsm").Logger(),
	}
}

// State returns the current cluster state.
func (f *ClusterFSM) State() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// OnTransition registers a callback invoked (outside the lock) after
// every accepted transition.
func (f *ClusterFSM) OnTransition(l Listener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Transition attempts to move the FSM from its current state to to. It
// fails with *ErrBadTransition if the move isn't in the allowed table.
func (f *ClusterFSM) Transition(to ClusterState) error {
	f.mu.Lock()
	from := f.state
	allowed, ok := transitions[from]
	if !ok || !allowed[to] {
		f.mu.Unlock()
		return &ErrBadTransition{From: from, To: to}
	}
	f.state = to
	listeners := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()

	f.log.Info().Stringer("from", from).Stringer("to", to).Msg("cluster state transition")
	for _, l := range listeners {
		l(from, to)
	}
	return nil
}

// Force installs a state received from the primary without checking the
// transition table; used by secondaries applying SetClusterState, whose
// legality was already validated by the primary.
func (f *ClusterFSM) Force(to ClusterState) {
	f.mu.Lock()
	from := f.state
	f.state = to
	listeners := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()
	if from == to {
		return
	}
	for _, l := range listeners {
		l(from, to)
	}
}
