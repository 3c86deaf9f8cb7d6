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

// TestYARNBackendLifecycle walks the full submit-poll-succeed path: the
// client is backgrounded and its PID recorded, polling reports
// still_running until the client log yields an application id and the
// resource manager reports RUNNING, then succeeded once the
// monitored-script log settles.
func TestYARNBackendLifecycle(t *testing.T) {
	h := newFakeHost()
	appState := "RUNNING"
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		switch {
		case strings.HasPrefix(cmd, "nohup yarn jar"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte("4242\n")}, nil
		case strings.HasPrefix(cmd, "kill -0"):
			return host.CommandResult{ExitCode: 0}, nil
		case strings.HasPrefix(cmd, "yarn application -status"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte("\tState : " + appState + "\n")}, nil
		default:
			return host.CommandResult{ExitCode: 0}, nil
		}
	}

	b := NewYARNBackend()
	rp, err := b.Create([]byte(`{"command":"run_pipeline","playground":"/tmp/pg","queue":"default"}`))
	require.NoError(t, err)

	rp, outcome, err := b.Start(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)

	var params yarnRunParams
	require.NoError(t, json.Unmarshal(rp, &params))
	assert.Equal(t, 4242, params.ClientPID)

	// No application id in the client log yet: submission in flight.
	result, err := b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, StillRunning, result.State)

	pg := NewPlayground("/tmp/pg")
	require.NoError(t, h.PutFile(context.Background(), clientLogPath(pg),
		[]byte("INFO impl.YarnClientImpl: Submitted application application_1700000000000_0042\n")))

	result, err = b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, StillRunning, result.State)

	h.appendLog(pg.LogPath, "start 2000")
	h.appendLog(pg.LogPath, "before 2000 command")
	h.appendLog(pg.LogPath, "after 2010 command")
	h.appendLog(pg.LogPath, "success 2010")
	appState = "FINISHED"

	result, err = b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, result.State)
}

func TestYARNBackendClientDeathWithoutSubmissionFails(t *testing.T) {
	h := newFakeHost()
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		switch {
		case strings.HasPrefix(cmd, "nohup yarn jar"):
			return host.CommandResult{ExitCode: 0, Stdout: []byte("4242\n")}, nil
		case strings.HasPrefix(cmd, "kill -0"):
			return host.CommandResult{ExitCode: 1}, nil
		default:
			return host.CommandResult{ExitCode: 0}, nil
		}
	}

	b := NewYARNBackend()
	rp, err := b.Create([]byte(`{"command":"run_pipeline","playground":"/tmp/pg"}`))
	require.NoError(t, err)
	rp, _, err = b.Start(context.Background(), rp, h)
	require.NoError(t, err)

	result, err := b.Update(context.Background(), rp, h)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.State)
	assert.Contains(t, result.Reason, "client exited")
}

func TestYARNBackendKillCancelsApplicationAndClient(t *testing.T) {
	h := newFakeHost()
	var killed []string
	h.runCommand = func(cmd string) (host.CommandResult, error) {
		if strings.HasPrefix(cmd, "yarn application -kill") || strings.HasPrefix(cmd, "kill ") {
			killed = append(killed, cmd)
		}
		return host.CommandResult{ExitCode: 0}, nil
	}

	pg := NewPlayground("/tmp/pg")
	require.NoError(t, h.PutFile(context.Background(), clientLogPath(pg),
		[]byte("Submitted application application_1700000000000_0042\n")))

	b := NewYARNBackend()
	rp, err := json.Marshal(yarnRunParams{Playground: "/tmp/pg", ClientPID: 4242})
	require.NoError(t, err)

	require.NoError(t, b.Kill(context.Background(), rp, h))
	require.Len(t, killed, 2)
	assert.Contains(t, killed[0], "application_1700000000000_0042")
	assert.Contains(t, killed[1], "4242")
}

func TestYARNBackendQueryUnknownItemFailsNonFatally(t *testing.T) {
	b := NewYARNBackend()
	rp, err := json.Marshal(yarnRunParams{Playground: "/tmp/pg"})
	require.NoError(t, err)

	_, err = b.Query(context.Background(), rp, newFakeHost(), "bogus")
	assert.Error(t, err)
	assert.ElementsMatch(t, []string{"client-log", "status"}, b.AdditionalQueries(rp))
}
