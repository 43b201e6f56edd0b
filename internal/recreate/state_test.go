package recreate

import (
	"errors"
	"testing"
	"time"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitialized, StateStructureCreated, true},
		{StateStructureCreated, StateInterpreterReady, true},
		{StateInterpreterReady, StateToolkitInstalled, true},
		{StateToolkitInstalled, StatePackagesInstalled, true},
		{StatePackagesInstalled, StatePluginsInstalled, true},
		{StatePluginsInstalled, StateValidated, true},
		{StateValidated, StateDone, true},
		{StateInitialized, StateFailed, true},
		{StatePluginsInstalled, StateFailed, true},

		{StateInitialized, StateInterpreterReady, false},
		{StatePackagesInstalled, StateToolkitInstalled, false},
		{StateInitialized, StateDone, false},
		{StateDone, StateFailed, false},
		{StateFailed, StateInitialized, false},
		{StateFailed, StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMachinePersistsTransitions(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	m := newMachine("run-7", "/manifests/env.json", now, zaptest.NewLogger(t))

	require.NoError(t, m.advance(StateStructureCreated))
	root := t.TempDir()
	_, err := ReadMarker(root)
	assert.Error(t, err, "nothing is written before persistTo")

	require.NoError(t, m.persistTo(root))
	require.NoError(t, m.advance(StateInterpreterReady))
	assert.Error(t, m.advance(StatePluginsInstalled))

	m.fail(diag.New(diag.ToolkitInstallFailed, "pytorch", "no matching distribution"))
	m.fail(errors.New("second failure is ignored"))

	mk, err := ReadMarker(root)
	require.NoError(t, err)
	assert.Equal(t, "run-7", mk.RunID)
	assert.Equal(t, "/manifests/env.json", mk.Manifest)
	assert.Equal(t, StateFailed, mk.State)
	require.Len(t, mk.Transitions, 3)
	assert.Equal(t, Transition{From: StateInterpreterReady, To: StateFailed, At: mk.Transitions[2].At}, mk.Transitions[2])
	assert.True(t, mk.UpdatedAt.After(mk.StartedAt))
	require.Len(t, mk.Errors, 1)
	assert.Equal(t, diag.ToolkitInstallFailed, mk.Errors[0].Kind)
	assert.NoFileExists(t, root+"/"+MarkerDir+"/"+MarkerFile+".tmp")
}

func TestBatchesGroupByOrder(t *testing.T) {
	m := decode(t, orderedManifest)
	var names [][]string
	for _, b := range batches(m.SortedNodes()) {
		var group []string
		for _, n := range b {
			group = append(group, n.Name)
		}
		names = append(names, group)
	}
	assert.Equal(t, [][]string{{"impact"}, {"beta"}, {"alpha", "zeta"}}, names)
	assert.Empty(t, batches(nil))
}
