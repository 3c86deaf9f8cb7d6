package backend

import (
	"context"
	"strings"
	"sync"

	"github.com/cuemby/ketrew/pkg/host"
)

// fakeHost is an in-memory host.Host for backend tests: files live in a
// map, and command behavior is driven by a caller-supplied function so
// tests can script a sequence of scheduler responses (qstat going from R
// to gone, for instance) without a real cluster.
type fakeHost struct {
	mu    sync.Mutex
	files map[string][]byte

	runCommand func(cmd string) (host.CommandResult, error)
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte)}
}

func (f *fakeHost) Name() string { return "fake" }

func (f *fakeHost) RunCommand(ctx context.Context, cmd string) (host.CommandResult, error) {
	if f.runCommand != nil {
		return f.runCommand(cmd)
	}
	return host.CommandResult{ExitCode: 0}, nil
}

func (f *fakeHost) Execute(ctx context.Context, argv []string) (host.CommandResult, error) {
	return f.RunCommand(ctx, strings.Join(argv, " "))
}

func (f *fakeHost) EnsureDirectory(ctx context.Context, path string) error {
	return nil
}

func (f *fakeHost) PutFile(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.files[path] = cp
	return nil
}

func (f *fakeHost) GetFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, host.ErrMissingFile
	}
	return data, nil
}

// appendLog simulates the monitored script itself appending a line, for
// tests that don't actually execute the generated shell script.
func (f *fakeHost) appendLog(path, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append(f.files[path], []byte(line+"\n")...)
}

var _ host.Host = (*fakeHost)(nil)
