package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/ketrew/pkg/host"
)

// LSFBackend submits jobs to an LSF scheduler via bsub/bjobs/bkill. Shares
// the monitored-script/log-then-scheduler polling discipline with
// PBSBackend; only the vendor commands and output formats differ.
type LSFBackend struct{}

// NewLSFBackend constructs an LSFBackend.
func NewLSFBackend() *LSFBackend { return &LSFBackend{} }

func (b *LSFBackend) Name() string { return "lsf" }

type lsfConfig struct {
	Command    string   `json:"command"`
	Playground string   `json:"playground"`
	Queue      string   `json:"queue,omitempty"`
	Resources  []string `json:"resources,omitempty"` // passed as -R strings
}

type lsfRunParams struct {
	Playground string   `json:"playground"`
	Command    string   `json:"command"`
	Queue      string   `json:"queue,omitempty"`
	Resources  []string `json:"resources,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
}

func (b *LSFBackend) Create(config []byte) ([]byte, error) {
	var cfg lsfConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("backend/lsf: invalid config: %w", err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend/lsf: config.command is required")
	}
	return json.Marshal(lsfRunParams{
		Playground: cfg.Playground,
		Command:    cfg.Command,
		Queue:      cfg.Queue,
		Resources:  cfg.Resources,
	})
}

var bsubJobIDPattern = regexp.MustCompile(`Job <(\d+)>`)

func (b *LSFBackend) Start(ctx context.Context, rp []byte, h host.Host) ([]byte, Outcome, error) {
	var params lsfRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/lsf: corrupt run parameters: %w", err)
	}

	pg := NewPlayground(params.Playground)
	if err := h.EnsureDirectory(ctx, pg.Dir); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/lsf: ensure playground: %w", err)
	}
	if err := h.PutFile(ctx, pg.ScriptPath, []byte(BuildScript(params.Command, pg))); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/lsf: write script: %w", err)
	}

	cmd := b.bsubCommand(params, pg)
	result, err := h.RunCommand(ctx, cmd)
	if err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/lsf: bsub: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, OutcomeRecoverable, fmt.Errorf("backend/lsf: bsub exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}

	match := bsubJobIDPattern.FindStringSubmatch(string(result.Stdout))
	if match == nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/lsf: bsub produced no parseable job id: %q", result.Stdout)
	}

	params.JobID = match[1]
	out, err := json.Marshal(params)
	if err != nil {
		return nil, OutcomeFatal, err
	}
	return out, OutcomeOK, nil
}

func (b *LSFBackend) bsubCommand(params lsfRunParams, pg Playground) string {
	var parts []string
	parts = append(parts, "bsub")
	if params.Queue != "" {
		parts = append(parts, "-q", params.Queue)
	}
	for _, r := range params.Resources {
		parts = append(parts, "-R", "'"+r+"'")
	}
	parts = append(parts, "-o", pg.StdoutPath, "-e", pg.StderrPath, "sh", pg.ScriptPath)
	return strings.Join(parts, " ")
}

func (b *LSFBackend) Update(ctx context.Context, rp []byte, h host.Host) (UpdateResult, error) {
	var params lsfRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return UpdateResult{}, fmt.Errorf("backend/lsf: corrupt run parameters: %w", err)
	}
	pg := NewPlayground(params.Playground)

	records, err := ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/lsf: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}

	state, err := b.queryJobState(ctx, h, params.JobID)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/lsf: bjobs: %w", err)
	}
	if state == jobRunning {
		return UpdateResult{State: StillRunning}, nil
	}

	records, err = ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/lsf: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}
	return UpdateResult{State: Failed, Reason: "job left the queue without a completion record"}, nil
}

func (b *LSFBackend) queryJobState(ctx context.Context, h host.Host, jobID string) (jobState, error) {
	result, err := h.RunCommand(ctx, fmt.Sprintf("bjobs -o stat -noheader %s", jobID))
	if err != nil {
		return jobUnknown, err
	}
	if result.ExitCode != 0 {
		if strings.Contains(strings.ToLower(string(result.Stderr)), "not found") {
			return jobUnknown, nil
		}
		return jobUnknown, fmt.Errorf("bjobs exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	switch strings.TrimSpace(string(result.Stdout)) {
	case "DONE", "EXIT":
		return jobCompleted, nil
	case "PEND", "RUN", "PSUSP", "USUSP", "SSUSP", "WAIT":
		return jobRunning, nil
	default:
		return jobUnknown, nil
	}
}

func (b *LSFBackend) Kill(ctx context.Context, rp []byte, h host.Host) error {
	var params lsfRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return fmt.Errorf("backend/lsf: corrupt run parameters: %w", err)
	}
	result, err := h.RunCommand(ctx, "bkill "+params.JobID)
	if err != nil {
		return fmt.Errorf("backend/lsf: bkill: %w", err)
	}
	if result.ExitCode != 0 && !strings.Contains(strings.ToLower(string(result.Stderr)), "not found") {
		return fmt.Errorf("backend/lsf: bkill exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	return nil
}

func (b *LSFBackend) Query(ctx context.Context, rp []byte, h host.Host, item string) ([]byte, error) {
	var params lsfRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, fmt.Errorf("backend/lsf: corrupt run parameters: %w", err)
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
	case "bjobs":
		result, err := h.RunCommand(ctx, "bjobs -l "+params.JobID)
		if err != nil {
			return nil, err
		}
		return result.Stdout, nil
	default:
		return nil, fmt.Errorf("backend/lsf: unknown query %q", item)
	}
}

func (b *LSFBackend) AdditionalQueries(rp []byte) []string { return []string{"bjobs"} }
