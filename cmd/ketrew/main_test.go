package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestInfo_EmptyStore(t *testing.T) {
	err := execute(t, "info", "--data-dir", t.TempDir())
	assert.NoError(t, err)
}

func TestCall_BadFilterIsArgumentError(t *testing.T) {
	err := execute(t, "call", "(bogus-op)", "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, exitArgumentError, exitCodeFor(err))
}

func TestCall_NoMatchesIsUserTodo(t *testing.T) {
	err := execute(t, "call", "(is-failed)", "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, exitUserTodo, exitCodeFor(err))
}

func TestCall_MatchSucceeds(t *testing.T) {
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.CreateTarget(&types.Target{ID: "t1", Name: "t1", Build: types.BuildProcess{Kind: types.NoOperation}}))
	require.NoError(t, store.Close())

	err = execute(t, "call", "(is-activable)", "--data-dir", dataDir)
	assert.NoError(t, err)
}

func TestRunStep_NoTargetsIsOK(t *testing.T) {
	err := execute(t, "run", "step", "--data-dir", t.TempDir())
	assert.NoError(t, err)
}

func TestRunStep_FailedTargetIsUserTodo(t *testing.T) {
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)

	parent := &types.Target{ID: "parent", Name: "parent", Build: types.BuildProcess{Kind: types.NoOperation}}
	parent.AppendState(types.FailedFromRunning, "test setup")
	require.NoError(t, store.CreateTarget(parent))

	child := &types.Target{ID: "child", Name: "child", Build: types.BuildProcess{Kind: types.NoOperation}, MakeFailIf: []string{"parent"}}
	child.AppendState(types.Active, "test setup")
	require.NoError(t, store.CreateTarget(child))
	require.NoError(t, store.Close())

	err = execute(t, "run", "step", "--data-dir", dataDir)
	require.Error(t, err)
	assert.Equal(t, exitUserTodo, exitCodeFor(err))
}
