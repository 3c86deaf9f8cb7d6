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

func TestLocalBackendStartAssignsPID(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		if strings.Contains(cmd, "nohup") {
			return host.CommandResult{ExitCode: 0, Stdout: []byte("4242\n")}, nil
		}
		return host.CommandResult{ExitCode: 0}, nil
	}

	b := NewLocalBackend()
	rp, err := b.Create([]byte(`{"command":"echo hi","playground":"/tmp/pg"}`))
	require.NoError(t, err)

	rp, outcome, err := b.Start(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	var params localRunParams
	require.NoError(t, json.Unmarshal(rp, &params))
	assert.Equal(t, 4242, params.PID)

	_, ok := h.files[NewPlayground("/tmp/pg").ScriptPath]
	assert.True(t, ok, "script should be written to the playground")
}

func TestLocalBackendUpdateStillRunningThenSucceeded(t *testing.T) {
	h := newFakeHost()
	alive := true
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		if strings.Contains(cmd, "kill -0") {
			if alive {
				return host.CommandResult{ExitCode: 0}, nil
			}
			return host.CommandResult{ExitCode: 1}, nil
		}
		return host.CommandResult{ExitCode: 0}, nil
	}

	b := NewLocalBackend()
	params := localRunParams{Playground: "/tmp/pg", Command: "echo hi", PID: 99}
	rp, err := json.Marshal(params)
	require.NoError(t, err)

	result, err := b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, StillRunning, result.State)

	pg := NewPlayground("/tmp/pg")
	h.appendLog(pg.LogPath, "start 1000")
	h.appendLog(pg.LogPath, "before 1000 command")
	h.appendLog(pg.LogPath, "after 1001 command")
	h.appendLog(pg.LogPath, "success 1001")
	alive = false

	result, err = b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, result.State)
}

func TestLocalBackendUpdateFailsWhenProcessDiesWithoutLog(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		if strings.Contains(cmd, "kill -0") {
			return host.CommandResult{ExitCode: 1}, nil
		}
		return host.CommandResult{ExitCode: 0}, nil
	}

	b := NewLocalBackend()
	params := localRunParams{Playground: "/tmp/pg", Command: "echo hi", PID: 99}
	rp, err := json.Marshal(params)
	require.NoError(t, err)

	result, err := b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.State)
	assert.Contains(t, result.Reason, "without a completion record")
}

func TestLocalBackendKillIsIdempotent(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		return host.CommandResult{ExitCode: 0}, nil
	}

	b := NewLocalBackend()
	params := localRunParams{Playground: "/tmp/pg", PID: 99}
	rp, err := json.Marshal(params)
	require.NoError(t, err)

	assert.NoError(t, b.Kill(context.Background(), rp, h))
	assert.NoError(t, b.Kill(context.Background(), rp, h))
}

func TestLocalBackendQueryUnknownItem(t *testing.T) {
	h := newFakeHost()
	b := NewLocalBackend()
	params := localRunParams{Playground: "/tmp/pg"}
	rp, err := json.Marshal(params)
	require.NoError(t, err)

	_, err = b.Query(context.Background(), rp, h, "nonsense")
	assert.Error(t, err)
}
