package master

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterFSMFollowsAllowedPath(t *testing.T) {
	f := NewClusterFSM(zerolog.Nop())
	require.Equal(t, StateRecovering, f.State())

	require.NoError(t, f.Transition(StateVerifying))
	require.NoError(t, f.Transition(StateRunning))
	require.NoError(t, f.Transition(StateStartingBackup))
	require.NoError(t, f.Transition(StateBackingUp))
	require.NoError(t, f.Transition(StateStoppingBackup))
	require.NoError(t, f.Transition(StateRunning))
	require.NoError(t, f.Transition(StateStopping))
	assert.Equal(t, StateStopping, f.State())
}

func TestClusterFSMRejectsIllegalTransition(t *testing.T) {
	f := NewClusterFSM(zerolog.Nop())
	err := f.Transition(StateRunning)
	require.Error(t, err)
	var bad *ErrBadTransition
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, StateRecovering, f.State())
}

func TestClusterFSMNotifiesListeners(t *testing.T) {
	f := NewClusterFSM(zerolog.Nop())
	var got []string
	f.OnTransition(func(from, to ClusterState) {
		got = append(got, from.String()+"->"+to.String())
	})
	require.NoError(t, f.Transition(StateVerifying))
	require.NoError(t, f.Transition(StateRunning))
	assert.Equal(t, []string{"RECOVERING->VERIFYING", "VERIFYING->RUNNING"}, got)
}

func TestClusterFSMForceSkipsTable(t *testing.T) {
	f := NewClusterFSM(zerolog.Nop())
	f.Force(StateStopping)
	assert.Equal(t, StateStopping, f.State())
}
