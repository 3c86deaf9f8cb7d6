package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/ketrew/pkg/host"
)

// LocalBackend runs the monitored script as a backgrounded shell job on the
// target host, with no scheduler underneath it — the simplest of the four
// shipped backends and the one every ssh-reachable host supports without
// extra tooling.
type LocalBackend struct{}

// NewLocalBackend constructs a LocalBackend.
func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

func (b *LocalBackend) Name() string { return "local" }

type localConfig struct {
	Command    string `json:"command"`
	Playground string `json:"playground"`
}

type localRunParams struct {
	Playground string `json:"playground"`
	Command    string `json:"command"`
	PID        int    `json:"pid,omitempty"`
}

func (b *LocalBackend) Create(config []byte) ([]byte, error) {
	var cfg localConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("backend/local: invalid config: %w", err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend/local: config.command is required")
	}
	return json.Marshal(localRunParams{Playground: cfg.Playground, Command: cfg.Command})
}

func (b *LocalBackend) Start(ctx context.Context, rp []byte, h host.Host) ([]byte, Outcome, error) {
	var params localRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/local: corrupt run parameters: %w", err)
	}

	pg := NewPlayground(params.Playground)
	if err := h.EnsureDirectory(ctx, pg.Dir); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/local: ensure playground: %w", err)
	}

	script := BuildScript(params.Command, pg)
	if err := h.PutFile(ctx, pg.ScriptPath, []byte(script)); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/local: write script: %w", err)
	}

	// Background the job and capture its PID so Kill and liveness checks
	// have something to act on. `sh -c` rather than Execute because the
	// trailing "& echo $!" needs shell job-control semantics.
	cmd := fmt.Sprintf("nohup sh %s > /dev/null 2>&1 & echo $!", pg.ScriptPath)
	result, err := h.RunCommand(ctx, cmd)
	if err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/local: submit: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, OutcomeFatal, fmt.Errorf("backend/local: submit exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(result.Stdout)))
	if err != nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/local: could not parse PID from %q", result.Stdout)
	}

	params.PID = pid
	out, err := json.Marshal(params)
	if err != nil {
		return nil, OutcomeFatal, err
	}
	return out, OutcomeOK, nil
}

func (b *LocalBackend) Update(ctx context.Context, rp []byte, h host.Host) (UpdateResult, error) {
	var params localRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return UpdateResult{}, fmt.Errorf("backend/local: corrupt run parameters: %w", err)
	}
	pg := NewPlayground(params.Playground)

	records, err := ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/local: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}

	alive := b.processAlive(ctx, h, params.PID)
	if alive {
		return UpdateResult{State: StillRunning}, nil
	}

	// Process is gone but the log never settled: re-read once more for the
	// race where the script wrote its final record between our two checks,
	// matching the scheduler backends' "re-read the log before declaring
	// Failed" rule.
	records, err = ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/local: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}
	return UpdateResult{State: Failed, Reason: "process exited without a completion record"}, nil
}

func (b *LocalBackend) processAlive(ctx context.Context, h host.Host, pid int) bool {
	result, err := h.RunCommand(ctx, fmt.Sprintf("kill -0 %d", pid))
	if err != nil {
		return false
	}
	return result.ExitCode == 0
}

func (b *LocalBackend) Kill(ctx context.Context, rp []byte, h host.Host) error {
	var params localRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return fmt.Errorf("backend/local: corrupt run parameters: %w", err)
	}
	// The exit code is ignored: killing an already-dead PID is not an
	// error, per Backend.Kill's idempotence requirement. Only a transport
	// failure (the host could not run kill at all) surfaces.
	_, err := h.RunCommand(ctx, fmt.Sprintf("kill %d 2>/dev/null", params.PID))
	if err != nil {
		return fmt.Errorf("backend/local: kill: %w", err)
	}
	return nil
}

func (b *LocalBackend) Query(ctx context.Context, rp []byte, h host.Host, item string) ([]byte, error) {
	var params localRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, fmt.Errorf("backend/local: corrupt run parameters: %w", err)
	}
	pg := NewPlayground(params.Playground)
	switch item {
	case "stdout":
		return h.GetFile(ctx, pg.StdoutPath)
	case "stderr":
		return h.GetFile(ctx, pg.StderrPath)
	case "log":
		return h.GetFile(ctx, pg.LogPath)
	case "script":
		return h.GetFile(ctx, pg.ScriptPath)
	default:
		return nil, fmt.Errorf("backend/local: unknown query %q", item)
	}
}

func (b *LocalBackend) AdditionalQueries(rp []byte) []string { return nil }

// classifyHostErr maps a host-layer error to a start/submit Outcome:
// unreachability is transient, everything else about the host (bad path,
// disk full) is treated as fatal since retrying won't fix it.
func classifyHostErr(err error) Outcome {
	if err == host.ErrUnreachable {
		return OutcomeRecoverable
	}
	return OutcomeFatal
}
