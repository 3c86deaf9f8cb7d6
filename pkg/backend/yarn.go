package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/ketrew/pkg/host"
)

// YARNBackend submits jobs to a Hadoop YARN cluster through the
// distributed-shell application client. Unlike qsub/bsub, the client does
// not print an application id and exit — it stays attached to the
// application — so Start backgrounds it the way LocalBackend backgrounds a
// shell job, and the application id is recovered later by scanning the
// client's own log for the "Submitted application" line.
type YARNBackend struct{}

// NewYARNBackend constructs a YARNBackend.
func NewYARNBackend() *YARNBackend { return &YARNBackend{} }

func (b *YARNBackend) Name() string { return "yarn" }

// defaultDistributedShellJar is where CDH installs the distributed-shell
// client; overridable per-target via config.client_jar for other distros.
const defaultDistributedShellJar = "/opt/cloudera/parcels/CDH/lib/hadoop-yarn/hadoop-yarn-applications-distributedshell.jar"

type yarnConfig struct {
	Command    string `json:"command"`
	Playground string `json:"playground"`
	Queue      string `json:"queue,omitempty"`
	ClientJar  string `json:"client_jar,omitempty"`
}

type yarnRunParams struct {
	Playground string `json:"playground"`
	Command    string `json:"command"`
	Queue      string `json:"queue,omitempty"`
	ClientJar  string `json:"client_jar,omitempty"`
	ClientPID  int    `json:"client_pid,omitempty"`
}

func (b *YARNBackend) Create(config []byte) ([]byte, error) {
	var cfg yarnConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("backend/yarn: invalid config: %w", err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend/yarn: config.command is required")
	}
	jar := cfg.ClientJar
	if jar == "" {
		jar = defaultDistributedShellJar
	}
	return json.Marshal(yarnRunParams{
		Playground: cfg.Playground,
		Command:    cfg.Command,
		Queue:      cfg.Queue,
		ClientJar:  jar,
	})
}

// clientLogPath is where the backgrounded distributed-shell client's
// output lands, alongside the monitored script's own files.
func clientLogPath(pg Playground) string {
	return path.Join(pg.Dir, "client.log")
}

func (b *YARNBackend) Start(ctx context.Context, rp []byte, h host.Host) ([]byte, Outcome, error) {
	var params yarnRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/yarn: corrupt run parameters: %w", err)
	}

	pg := NewPlayground(params.Playground)
	if err := h.EnsureDirectory(ctx, pg.Dir); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/yarn: ensure playground: %w", err)
	}
	if err := h.PutFile(ctx, pg.ScriptPath, []byte(BuildScript(params.Command, pg))); err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/yarn: write script: %w", err)
	}

	var client strings.Builder
	fmt.Fprintf(&client, "yarn jar %s -shell_command %s", shellQuote(params.ClientJar), shellQuote("sh "+pg.ScriptPath))
	if params.Queue != "" {
		fmt.Fprintf(&client, " -queue %s", shellQuote(params.Queue))
	}
	cmd := fmt.Sprintf("nohup %s > %s 2>&1 & echo $!", client.String(), shellQuote(clientLogPath(pg)))

	result, err := h.RunCommand(ctx, cmd)
	if err != nil {
		return nil, classifyHostErr(err), fmt.Errorf("backend/yarn: submit: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, OutcomeFatal, fmt.Errorf("backend/yarn: submit exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(result.Stdout)))
	if err != nil {
		return nil, OutcomeFatal, fmt.Errorf("backend/yarn: could not parse client PID from %q", result.Stdout)
	}

	params.ClientPID = pid
	out, err := json.Marshal(params)
	if err != nil {
		return nil, OutcomeFatal, err
	}
	return out, OutcomeOK, nil
}

var yarnAppIDPattern = regexp.MustCompile(`Submitted application (application_\d+_\d+)`)

// findAppID scans the client log for the application id the resource
// manager assigned. Empty (with nil error) means the client hasn't logged
// a submission yet.
func (b *YARNBackend) findAppID(ctx context.Context, h host.Host, pg Playground) (string, error) {
	data, err := h.GetFile(ctx, clientLogPath(pg))
	if err != nil {
		if err == host.ErrMissingFile {
			return "", nil
		}
		return "", err
	}
	match := yarnAppIDPattern.FindSubmatch(data)
	if match == nil {
		return "", nil
	}
	return string(match[1]), nil
}

func (b *YARNBackend) Update(ctx context.Context, rp []byte, h host.Host) (UpdateResult, error) {
	var params yarnRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return UpdateResult{}, fmt.Errorf("backend/yarn: corrupt run parameters: %w", err)
	}
	pg := NewPlayground(params.Playground)

	records, err := ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/yarn: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}

	appID, err := b.findAppID(ctx, h, pg)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/yarn: read client log: %w", err)
	}
	if appID == "" {
		// Submission still in flight — unless the client died without
		// ever reporting one, in which case nothing is ever going to run.
		if b.clientAlive(ctx, h, params.ClientPID) {
			return UpdateResult{State: StillRunning}, nil
		}
		return UpdateResult{State: Failed, Reason: "client exited before submitting an application"}, nil
	}

	state, err := b.queryAppState(ctx, h, appID)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/yarn: application status: %w", err)
	}
	if state == jobRunning {
		return UpdateResult{State: StillRunning}, nil
	}

	records, err = ReadLog(ctx, h, pg.LogPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("backend/yarn: read log: %w", err)
	}
	if result, ok := ClassifyLog(records); ok {
		return result, nil
	}
	return UpdateResult{State: Failed, Reason: fmt.Sprintf("application %s finished without a completion record", appID)}, nil
}

func (b *YARNBackend) clientAlive(ctx context.Context, h host.Host, pid int) bool {
	if pid == 0 {
		return false
	}
	result, err := h.RunCommand(ctx, fmt.Sprintf("kill -0 %d", pid))
	if err != nil {
		return false
	}
	return result.ExitCode == 0
}

func (b *YARNBackend) queryAppState(ctx context.Context, h host.Host, appID string) (jobState, error) {
	result, err := h.RunCommand(ctx, "yarn application -status "+appID)
	if err != nil {
		return jobUnknown, err
	}
	if result.ExitCode != 0 {
		if strings.Contains(strings.ToLower(string(result.Stderr)), "doesn't exist") {
			return jobUnknown, nil
		}
		return jobUnknown, fmt.Errorf("application -status exited %d: %s", result.ExitCode, host.TrimStderr(result.Stderr))
	}
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) != "State" {
			continue
		}
		switch strings.TrimSpace(value) {
		case "FINISHED", "FAILED", "KILLED":
			return jobCompleted, nil
		case "NEW", "NEW_SAVING", "SUBMITTED", "ACCEPTED", "RUNNING":
			return jobRunning, nil
		default:
			return jobUnknown, nil
		}
	}
	return jobUnknown, nil
}

// Kill cancels the application if one was ever submitted, and always
// kills the backgrounded client. Both halves tolerate the thing they're
// killing being gone already.
func (b *YARNBackend) Kill(ctx context.Context, rp []byte, h host.Host) error {
	var params yarnRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return fmt.Errorf("backend/yarn: corrupt run parameters: %w", err)
	}
	pg := NewPlayground(params.Playground)

	appID, err := b.findAppID(ctx, h, pg)
	if err != nil {
		return fmt.Errorf("backend/yarn: read client log: %w", err)
	}
	// Nonzero exits are ignored on both halves: an application or client
	// that is already gone is already as killed as it needs to be.
	if appID != "" {
		if _, err := h.RunCommand(ctx, "yarn application -kill "+appID); err != nil {
			return fmt.Errorf("backend/yarn: application kill: %w", err)
		}
	}
	if params.ClientPID != 0 {
		if _, err := h.RunCommand(ctx, fmt.Sprintf("kill %d 2>/dev/null", params.ClientPID)); err != nil {
			return fmt.Errorf("backend/yarn: client kill: %w", err)
		}
	}
	return nil
}

func (b *YARNBackend) Query(ctx context.Context, rp []byte, h host.Host, item string) ([]byte, error) {
	var params yarnRunParams
	if err := json.Unmarshal(rp, &params); err != nil {
		return nil, fmt.Errorf("backend/yarn: corrupt run parameters: %w", err)
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
	case "client-log":
		return h.GetFile(ctx, clientLogPath(pg))
	case "status":
		appID, err := b.findAppID(ctx, h, pg)
		if err != nil {
			return nil, err
		}
		if appID == "" {
			return nil, fmt.Errorf("backend/yarn: no application submitted yet")
		}
		result, err := h.RunCommand(ctx, "yarn application -status "+appID)
		if err != nil {
			return nil, err
		}
		return result.Stdout, nil
	default:
		return nil, fmt.Errorf("backend/yarn: unknown query %q", item)
	}
}

func (b *YARNBackend) AdditionalQueries(rp []byte) []string {
	return []string{"client-log", "status"}
}
