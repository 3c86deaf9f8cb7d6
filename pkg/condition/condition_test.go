package condition

import (
	"context"
	"strings"
	"testing"

	"github.com/cuemby/ketrew/pkg/host"
	"github.com/cuemby/ketrew/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal in-memory host.Host used to test condition
// evaluation without touching the filesystem or a real shell.
type fakeHost struct {
	files       map[string][]byte
	commandExit map[string]int
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[string][]byte{}, commandExit: map[string]int{}}
}

func (f *fakeHost) Name() string { return "fake" }

func (f *fakeHost) RunCommand(ctx context.Context, cmd string) (host.CommandResult, error) {
	code, ok := f.commandExit[cmd]
	if !ok {
		// Model the `test -e` fallback volumeExists uses for paths that
		// aren't plain readable files: present in the files map means the
		// path exists.
		if quoted, isTest := strings.CutPrefix(cmd, "test -e "); isTest {
			if _, exists := f.files[strings.Trim(quoted, "'")]; !exists {
				return host.CommandResult{ExitCode: 1}, nil
			}
		}
		code = 0
	}
	return host.CommandResult{ExitCode: code}, nil
}

func (f *fakeHost) Execute(ctx context.Context, argv []string) (host.CommandResult, error) {
	return host.CommandResult{}, nil
}

func (f *fakeHost) EnsureDirectory(ctx context.Context, path string) error { return nil }

func (f *fakeHost) PutFile(ctx context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeHost) GetFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, host.ErrMissingFile
	}
	return data, nil
}

func testRegistry(fh *fakeHost) *host.Registry {
	r := host.NewRegistry()
	r.Register("localhost", fh)
	return r
}

func TestEvaluateEmptyIsTrue(t *testing.T) {
	ok, err := Evaluate(context.Background(), types.Condition{}, testRegistry(newFakeHost()))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateVolumeExists(t *testing.T) {
	fh := newFakeHost()
	fh.files["/data/x"] = []byte("present")
	reg := testRegistry(fh)

	ok, err := Evaluate(context.Background(), types.Condition{Kind: types.ConditionVolumeExists, Path: "/data/x"}, reg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(context.Background(), types.Condition{Kind: types.ConditionVolumeExists, Path: "/data/missing"}, reg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateCommandReturns(t *testing.T) {
	fh := newFakeHost()
	fh.commandExit["check.sh"] = 0
	fh.commandExit["fail.sh"] = 1
	reg := testRegistry(fh)

	ok, err := Evaluate(context.Background(), types.Condition{Kind: types.ConditionCommandReturns, Command: "check.sh", ExpectedCode: 0}, reg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(context.Background(), types.Condition{Kind: types.ConditionCommandReturns, Command: "fail.sh", ExpectedCode: 1}, reg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(context.Background(), types.Condition{Kind: types.ConditionCommandReturns, Command: "fail.sh", ExpectedCode: 0}, reg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBooleanCombinators(t *testing.T) {
	tests := []struct {
		name string
		c    types.Condition
		want bool
	}{
		{"and of trues", types.Condition{Kind: types.ConditionAnd, Operands: []types.Condition{{Kind: types.ConditionTrue}, {Kind: types.ConditionTrue}}}, true},
		{"and with a false", types.Condition{Kind: types.ConditionAnd, Operands: []types.Condition{{Kind: types.ConditionTrue}, {Kind: types.ConditionFalse}}}, false},
		{"or with a true", types.Condition{Kind: types.ConditionOr, Operands: []types.Condition{{Kind: types.ConditionFalse}, {Kind: types.ConditionTrue}}}, true},
		{"not true", types.Condition{Kind: types.ConditionNot, Operands: []types.Condition{{Kind: types.ConditionTrue}}}, false},
	}

	reg := testRegistry(newFakeHost())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Evaluate(context.Background(), tt.c, reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
