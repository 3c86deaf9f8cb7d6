package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/ketrew/pkg/host"
)

// PBSBackend submits jobs to a Torque/PBS scheduler via qsub/qstat/qdel run
// against a Host (a login node reached over SSH, typically).
type PBSBackend struct{}

// NewPBSBackend constructs a PBSBackend.
func NewPBSBackend() *PBSBackend { return &PBSBackend{} }

func (b *PBSBackend) Name() string { return "pbs" }

type pbsConfig struct {
	Command    string   `json:"command"`
	Playground string   `json:"playground"`
	Queue      string   `json:"queue,omitempty"`
	Resources  []string `json:"resources,omitempty"` // e.g. "nodes=1:ppn=4", "walltime=01:00:00"
}

type pbsRunParams struct {
	Playground string   `json:"playground"`
	Command    string   `json:"command"`
	Queue      string   `json:"queue,omitempty"`
	Resources  []string `json:"resources,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
}

func (b *PBSBackend) Create(config []byte) ([]byte, error) {
	var cfg pbsConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("backend/pbs: invalid config: %w", err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend/pbs: config.command is required")
	}
	return json.Marshal(pbsRunParams{
		Playground: cfg.Playground,
		Command:    cfg.Command,
		Queue:      cfg.Queue,
		Resources:  cfg.Resources,
	})
}

func (b *PBSBackend) Start(ctx context.Context, rp []byte, h host.Host) ([]byte, Outcome, error) {
	var params pbsRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/pbs: corrupt run parameters: %w", err)
	}

	pg := NewPlayground(params.Playground)
	if err := h.EnsureDirectory(ctx, pg.Dir); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/pbs: ensure playground: %w", err)
	}

	script := pbsScript(params, pg)
	if err := h.PutFile(ctx, pg.ScriptPath, []byte(script)); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/pbs: write script: %w", err)
	}

	result, err := h.RunCommand(ctx, "qsub "+pg.ScriptPath)
	if err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/pbs: qsub: %w", err)
	}
	if result.ExitCode != 0 {
		// The scheduler rejecting a submission is usually transient
		// (queue full, server restarting); let the backoff retry it.
		return nil, OutcomeRecoverable, fmt.Errorf("backend/pbs: qsub exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}

	jobID := strings.TrimSpace(string(result.Stdout))
	if jobID == "" {
		// Exit 0 with no job id on stdout is a malformed response from the
		// scheduler, not a transport problem — not retryable.
		return nil, OutcomeFatal, fmt.Errorf("backend/pbs: qsub produced no job id")
	}

	params.JobID = jobID
	out, err := json.Marshal(params)
	if err != nil {
		return nil, OutcomeFatal, err
	}
	return out, OutcomeOK, nil
}

func pbsScript(params pbsRunParams, pg Playground) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if params.Queue != "" {
		fmt.Fprintf(&b, "#PBS -q %s\n", params.Queue)
	}
	for _, r := range params.Resources {
		fmt.Fprintf(&b, "#PBS -l %s\n", r)
	}
	fmt.Fprintf(&b, "#PBS -o %s\n", pg.StdoutPath)
	fmt.Fprintf(&b, "#PBS -e %s\n", pg.StderrPath)
	b.WriteString(BuildScript(params.Command, pg))
	return b.String()
}

func (b *PBSBackend) Update(ctx context.Context, rp []byte, h host.Host) (UpdateResult, error) {
	var params pbsRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return UpdateResult{}, fmt.Errorf("backend/pbs: corrupt run parameters: %w", err)
	}
	pg := NewPlayground(params.Playground)

	records, err := ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/pbs: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}

	state, err := b.queryJobState(ctx, h, params.JobID)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/pbs: qstat: %w", err)
	}

	if state == jobRunning {
		return UpdateResult{State: StillRunning}, nil
	}

	// jobCompleted or jobUnknown (qstat purges finished jobs quickly on
	// some PBS configurations): re-read the log once more before
	// declaring Failed, closing the race between the job exiting and the
	// scheduler forgetting about it.
	records, err = ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/pbs: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}
	return UpdateResult{State: Failed, Reason: "job left the queue without a completion record"}, nil
}

type jobState int

const (
	jobRunning jobState = iota
	jobCompleted
	jobUnknown
)

func (b *PBSBackend) queryJobState(ctx context.Context, h host.Host, jobID string) (jobState, error) {
	result, err := h.RunCommand(ctx, fmt.Sprintf("qstat -f1 %s", jobID))
	if err != nil {
		return jobUnknown, err
	}
	if result.ExitCode != 0 {
		if strings.Contains(strings.ToLower(string(result.Stderr)), "unknown job") {
			return jobUnknown, nil
		}
		return jobUnknown, fmt.Errorf("qstat exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "job_state") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch strings.TrimSpace(parts[1]) {
		case "C":
			return jobCompleted, nil
		case "R", "E":
			return jobRunning, nil
		default:
			// Q, H, W, T, S and anything else still sits in the queue.
			return jobRunning, nil
		}
	}
	return jobUnknown, nil
}

func (b *PBSBackend) Kill(ctx context.Context, rp []byte, h host.Host) error {
	var params pbsRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return fmt.Errorf("backend/pbs: corrupt run parameters: %w", err)
	}
	result, err := h.RunCommand(ctx, "qdel "+params.JobID)
	if err != nil {
		return fmt.Errorf("backend/pbs: qdel: %w", err)
	}
	// A job the scheduler no longer knows about is already as cancelled
	// as it is going to get.
	if result.ExitCode != 0 && !strings.Contains(strings.ToLower(string(result.Stderr)), "unknown job") {
		return fmt.Errorf("backend/pbs: qdel exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	return nil
}

func (b *PBSBackend) Query(ctx context.Context, rp []byte, h host.Host, item string) ([]byte, error) {
	var params pbsRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, fmt.Errorf("backend/pbs: corrupt run parameters: %w", err)
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
	case "qstat":
		result, err := h.RunCommand(ctx, "qstat -f1 "+params.JobID)
		if err != nil {
			return nil, err
		}
		return result.Stdout, nil
	default:
		return nil, fmt.Errorf("backend/pbs: unknown query %q", item)
	}
}

func (b *PBSBackend) AdditionalQueries(rp []byte) []string { return []string{"qstat"} }
