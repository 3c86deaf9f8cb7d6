package backend

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ketrew/pkg/host"
)

func TestLSFBackendLifecycle(t *testing.T) {
	h := newFakeHost()
	bjobsState := "RUN"
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		switch {
		case strings.HasPrefix(cmd, "bsub"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte("Job <555> is submitted to queue <normal>.\n")}, nil
		case strings.HasPrefix(cmd, "bjobs"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte(bjobsState + "\n")}, nil
		default:
			return host.CommandResult{ExitCode: 0}, nil
		}
	}

	b := NewLSFBackend()
	rp, err := b.Create([]byte(`{"command":"run_simulation","playground":"/tmp/pg"}`))
	require.NoError(t, err)

	rp, outcome, err := b.Start(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	var params lsfRunParams
	require.NoError(t, json.Unmarshal(rp, &params))
	assert.Equal(t, "555", params.JobID)

	result, err := b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, StillRunning, result.State)

	pg := NewPlayground("/tmp/pg")
	h.appendLog(pg.LogPath, "start 3000")
	h.appendLog(pg.LogPath, "before 3000 command")
	h.appendLog(pg.LogPath, "after 3005 command")
	h.appendLog(pg.LogPath, "failure 3005 command 2")
	bjobsState = "EXIT"

	result, err = b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.State)
	assert.Equal(t, "command exited 2", result.Reason)
}

func TestLSFBackendStartFatalOnUnparseableOutput(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		return host.CommandResult{ExitCode: 0, Stdout: []byte("something unexpected")}, nil
	}

	b := NewLSFBackend()
	rp, err := b.Create([]byte(`{"command":"run_simulation","playground":"/tmp/pg"}`))
	require.NoError(t, err)

	_, outcome, err := b.Start(context.Background(), rp, h)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFatal, outcome)
}
