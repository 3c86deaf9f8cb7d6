package backend

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/ketrew/pkg/host"
)

// Playground holds the paths a monitored script run occupies on a host.
// Every backend uses the same file layout, so log polling (ReadLog and
// ClassifyLog, below) is shared rather than duplicated per backend.
type Playground struct {
	Dir        string
	ScriptPath string
	LogPath    string
	StdoutPath string
	StderrPath string
}

// NewPlayground derives the standard file layout under a fresh directory.
// Callers pick dir (typically a run-id-suffixed path under a configured
// base); this just fixes the filenames within it.
func NewPlayground(dir string) Playground {
	return Playground{
		Dir:        dir,
		ScriptPath: path.Join(dir, "script.sh"),
		LogPath:    path.Join(dir, "log"),
		StdoutPath: path.Join(dir, "stdout"),
		StderrPath: path.Join(dir, "stderr"),
	}
}

// BuildScript wraps command in the preamble every backend's monitored
// script shares: a single "command" label bracketed by before/after
// records, and a success or failure record depending on exit status. Real
// Ketrew build processes can carry several labeled phases; this
// implementation runs user commands as a single opaque shell command, so
// one label covers it.
func BuildScript(command string, pg Playground) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "LOG=%s\n", shellQuote(pg.LogPath))
	b.WriteString("echo \"start $(date +%s)\" >> \"$LOG\"\n")
	b.WriteString("echo \"before $(date +%s) command\" >> \"$LOG\"\n")
	fmt.Fprintf(&b, "( %s ) > %s 2> %s\n", command, shellQuote(pg.StdoutPath), shellQuote(pg.StderrPath))
	b.WriteString("EXIT=$?\n")
	b.WriteString("echo \"after $(date +%s) command\" >> \"$LOG\"\n")
	b.WriteString("if [ \"$EXIT\" -eq 0 ]; then\n")
	b.WriteString("  echo \"success $(date +%s)\" >> \"$LOG\"\n")
	b.WriteString("else\n")
	b.WriteString("  echo \"failure $(date +%s) command $EXIT\" >> \"$LOG\"\n")
	b.WriteString("fi\n")
	b.WriteString("exit $EXIT\n")
	return b.String()
}

// LogRecord is one parsed line of a monitored-script log.
type LogRecord struct {
	Kind      string // start | before | after | success | failure
	Timestamp time.Time
	Label     string
	ExitCode  int
}

// ParseLog parses every well-formed line of a monitored-script log.
// Malformed lines are skipped rather than treated as an error: a partially
// written line (the job is killed mid-write) must not wedge polling.
func ParseLog(data []byte) []LogRecord {
	var records []LogRecord
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		rec, ok := parseLine(fields)
		if ok {
			records = append(records, rec)
		}
	}
	return records
}

func parseLine(fields []string) (LogRecord, bool) {
	if len(fields) < 2 {
		return LogRecord{}, false
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return LogRecord{}, false
	}
	rec := LogRecord{Kind: fields[0], Timestamp: time.Unix(ts, 0)}
	switch fields[0] {
	case "start", "success":
		return rec, true
	case "before", "after":
		if len(fields) < 3 {
			return LogRecord{}, false
		}
		rec.Label = fields[2]
		return rec, true
	case "failure":
		if len(fields) < 4 {
			return LogRecord{}, false
		}
		rec.Label = fields[2]
		exit, err := strconv.Atoi(fields[3])
		if err != nil {
			return LogRecord{}, false
		}
		rec.ExitCode = exit
		return rec, true
	default:
		return LogRecord{}, false
	}
}

// LastRecord returns the final record, if any.
func LastRecord(records []LogRecord) (LogRecord, bool) {
	if len(records) == 0 {
		return LogRecord{}, false
	}
	return records[len(records)-1], true
}

// ReadLog fetches and parses the monitored-script log from h, tolerating a
// log that does not exist yet (the job hasn't started writing).
func ReadLog(ctx context.Context, h host.Host, logPath string) ([]LogRecord, error) {
	data, err := h.GetFile(ctx, logPath)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	return ParseLog(data), nil
}

func isMissing(err error) bool {
	return err == host.ErrMissingFile
}

// ClassifyLog inspects the log's last record and reports whether it
// settles the job's outcome. ok is false when the log has no terminal
// record yet and the caller must fall back to querying the scheduler.
func ClassifyLog(records []LogRecord) (result UpdateResult, ok bool) {
	last, present := LastRecord(records)
	if !present {
		return UpdateResult{}, false
	}
	switch last.Kind {
	case "success":
		return UpdateResult{State: Succeeded}, true
	case "failure":
		return UpdateResult{State: Failed, Reason: fmt.Sprintf("%s exited %d", last.Label, last.ExitCode)}, true
	default:
		return UpdateResult{}, false
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
