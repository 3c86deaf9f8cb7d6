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

// TestPBSBackendLifecycle encodes the submit-poll-succeed scenario: start
// submits via qsub, update returns still_running while qstat reports R,
// then succeeded once the monitored-script log ends with success.
func TestPBSBackendLifecycle(t *testing.T) {
	h := newFakeHost()
	qstatState := "R"
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		switch {
		case strings.HasPrefix(cmd, "qsub"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte("123.cluster\n")}, nil
		case strings.HasPrefix(cmd, "qstat"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte("job_state = " + qstatState + "\n")}, nil
		default:
			return host.CommandResult{ExitCode: 0}, nil
		}
	}

	b := NewPBSBackend()
	rp, err := b.Create([]byte(`{"command":"run_simulation","playground":"/tmp/pg","queue":"batch"}`))
	require.NoError(t, err)

	rp, outcome, err := b.Start(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	var params pbsRunParams
	require.NoError(t, json.Unmarshal(rp, &params))
	assert.Equal(t, "123.cluster", params.JobID)

	result, err := b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, StillRunning, result.State)

	pg := NewPlayground("/tmp/pg")
	h.appendLog(pg.LogPath, "start 2000")
	h.appendLog(pg.LogPath, "before 2000 command")
	h.appendLog(pg.LogPath, "after 2010 command")
	h.appendLog(pg.LogPath, "success 2010")
	qstatState = "C"

	result, err = b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, result.State)
}

func TestPBSBackendStartFatalOnMissingJobID(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		return host.CommandResult{ExitCode: 0, Stdout: []byte("")}, nil
	}

	b := NewPBSBackend()
	rp, err := b.Create([]byte(`{"command":"run_simulation","playground":"/tmp/pg"}`))
	require.NoError(t, err)

	_, outcome, err := b.Start(context.Background(), rp, h)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFatal, outcome)
}

func TestPBSBackendStartRecoverableOnQsubFailure(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		if strings.HasPrefix(cmd, "qsub") {
			return host.CommandResult{ExitCode: 1, Stderr: []byte("qsub: cannot connect to server")}, nil
		}
		return host.CommandResult{ExitCode: 0}, nil
	}

	b := NewPBSBackend()
	rp, err := b.Create([]byte(`{"command":"run_simulation","playground":"/tmp/pg"}`))
	require.NoError(t, err)

	_, outcome, err := b.Start(context.Background(), rp, h)
	assert.Error(t, err)
	assert.Equal(t, OutcomeRecoverable, outcome)
}

func TestPBSBackendKillIgnoresUnknownJob(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		return host.CommandResult{ExitCode: 1, Stderr: []byte("qdel: Unknown Job Id 123.cluster")}, nil
	}

	b := NewPBSBackend()
	params := pbsRunParams{JobID: "123.cluster"}
	rp, err := json.Marshal(params)
	require.NoError(t, err)

	assert.NoError(t, b.Kill(context.Background(), rp, h))
}
