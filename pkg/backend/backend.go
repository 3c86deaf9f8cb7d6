package backend

import (
	"context"

	"github.com/cuemby/ketrew/pkg/host"
)

// Outcome classifies a backend operation's failure mode so the engine never
// has to guess whether a transport error is worth retrying.
type Outcome int

const (
	// OutcomeOK means the operation completed; the returned run parameters
	// (if any) should replace whatever the caller held.
	OutcomeOK Outcome = iota
	// OutcomeRecoverable means the failure is plausibly transient (host
	// unreachable, scheduler momentarily unavailable) and the caller should
	// retry with backoff without changing target state terminally.
	OutcomeRecoverable
	// OutcomeFatal means the failure cannot be retried away (malformed
	// submission, rejected job) and the target should move to a failed
	// terminal state.
	OutcomeFatal
)

// UpdateState is the three-way result of polling a running job.
type UpdateState string

const (
	StillRunning UpdateState = "still_running"
	Succeeded    UpdateState = "succeeded"
	Failed       UpdateState = "failed"
)

// UpdateResult is what Update returns. Reason is only meaningful when State
// is Failed, and carries the monitored-script label and exit code, or a
// scheduler-derived explanation when the job disappeared without a log
// record.
type UpdateResult struct {
	State  UpdateState
	Reason string
}

// Backend is the capability set every execution substrate implements:
// create run parameters from a submission config, start the job, poll it,
// kill it, and expose named diagnostic streams. Run parameters are opaque
// []byte blobs on both sides of this interface — the engine persists and
// passes them back verbatim, and only the backend that produced them
// understands their shape (each backend JSON-marshals its own internal
// run-parameters struct).
type Backend interface {
	// Name identifies the backend for target.Build.Backend and metrics
	// labels.
	Name() string

	// Create builds the initial run parameters from a backend-specific
	// JSON config (command line, resource requests, scheduler queue, ...).
	Create(config []byte) ([]byte, error)

	// Start submits the job: writes the monitored script to a fresh
	// playground directory on h and submits it. On OutcomeOK the returned
	// []byte is the new "running" run parameters recording the backend job
	// id, playground, and script contents.
	Start(ctx context.Context, rp []byte, h host.Host) ([]byte, Outcome, error)

	// Update polls the job. It must check the monitored-script log (ReadLog
	// and ClassifyLog in monitoredscript.go) before trusting the scheduler,
	// and read the log once more before declaring a job that left the
	// scheduler Failed.
	Update(ctx context.Context, rp []byte, h host.Host) (UpdateResult, error)

	// Kill cancels the job. Idempotent: killing an already-finished or
	// already-killed job is not an error.
	Kill(ctx context.Context, rp []byte, h host.Host) error

	// Query exposes a named diagnostic stream (stdout, stderr, log,
	// script, and vendor-specific names like qstat). Unknown names fail
	// non-fatally — callers should treat the error as "nothing to show",
	// not as a backend malfunction.
	Query(ctx context.Context, rp []byte, h host.Host, item string) ([]byte, error)

	// AdditionalQueries lists the vendor-specific query names this
	// backend's run parameters support, beyond the universal
	// stdout/stderr/log/script set.
	AdditionalQueries(rp []byte) []string
}
