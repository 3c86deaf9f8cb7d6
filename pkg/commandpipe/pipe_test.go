package commandpipe

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

func newTestPipe(t *testing.T) (*Pipe, storage.Store, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sockPath := filepath.Join(t.TempDir(), "ketrew.sock")
	p, err := Listen(store, sockPath)
	require.NoError(t, err)
	go p.Serve()
	t.Cleanup(func() { _ = p.Close() })

	return p, store, sockPath
}

func sendLine(t *testing.T, sockPath, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", line)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestPipeKillQueuesCommand(t *testing.T) {
	_, store, sockPath := newTestPipe(t)

	reply := sendLine(t, sockPath, "kill target-1")
	assert.Contains(t, reply, "ok")

	cmds, err := store.DrainCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CommandKill, cmds[0].Kind)
	assert.Equal(t, "target-1", cmds[0].TargetID)
}

func TestPipeStepPauseResume(t *testing.T) {
	_, store, sockPath := newTestPipe(t)

	for _, line := range []string{"step", "pause", "resume"} {
		reply := sendLine(t, sockPath, line)
		assert.Contains(t, reply, "ok")
	}

	cmds, err := store.DrainCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, types.CommandStep, cmds[0].Kind)
	assert.Equal(t, types.CommandPause, cmds[1].Kind)
	assert.Equal(t, types.CommandResume, cmds[2].Kind)
}

func TestPipeRejectsUnknownVerb(t *testing.T) {
	_, _, sockPath := newTestPipe(t)

	reply := sendLine(t, sockPath, "frobnicate")
	assert.Contains(t, reply, "error:")
}

func TestPipeKillIdempotentQueueing(t *testing.T) {
	_, store, sockPath := newTestPipe(t)

	sendLine(t, sockPath, "kill dup")
	sendLine(t, sockPath, "kill dup")

	cmds, err := store.DrainCommands()
	require.NoError(t, err)
	// Both queue independently — idempotence of *effect* is enforced by
	// pkg/engine's apply phase (a kill on an already-terminal target is a
	// no-op there), not by refusing to enqueue the repeat here.
	require.Len(t, cmds, 2)
	for _, c := range cmds {
		assert.Equal(t, "dup", c.TargetID)
	}
}
