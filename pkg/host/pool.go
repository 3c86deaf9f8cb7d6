package host

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxSessions is the default per-host concurrent session cap.
const DefaultMaxSessions = 8

// Pool bounds the number of concurrent operations the engine issues against
// a single Host, so one flaky or slow SSH target cannot starve sessions
// needed by the rest of the fleet.
type Pool struct {
	host Host
	sem  *semaphore.Weighted
}

// NewPool wraps host with a concurrency limiter. maxSessions <= 0 uses
// DefaultMaxSessions.
func NewPool(h Host, maxSessions int) *Pool {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Pool{host: h, sem: semaphore.NewWeighted(int64(maxSessions))}
}

// Name delegates to the wrapped Host.
func (p *Pool) Name() string { return p.host.Name() }

// Acquire blocks until a session slot is available or ctx is done, then
// returns a release function the caller must call exactly once.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

func (p *Pool) RunCommand(ctx context.Context, cmd string) (CommandResult, error) {
	release, err := p.Acquire(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	defer release()
	return p.host.RunCommand(ctx, cmd)
}

func (p *Pool) Execute(ctx context.Context, argv []string) (CommandResult, error) {
	release, err := p.Acquire(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	defer release()
	return p.host.Execute(ctx, argv)
}

func (p *Pool) EnsureDirectory(ctx context.Context, path string) error {
	release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.host.EnsureDirectory(ctx, path)
}

func (p *Pool) PutFile(ctx context.Context, path string, data []byte) error {
	release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.host.PutFile(ctx, path, data)
}

func (p *Pool) GetFile(ctx context.Context, path string) ([]byte, error) {
	release, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.host.GetFile(ctx, path)
}

var _ Host = (*Pool)(nil)
