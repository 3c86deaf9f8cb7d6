package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ketrew/pkg/backend"
	"github.com/cuemby/ketrew/pkg/events"
	"github.com/cuemby/ketrew/pkg/host"
	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

// newTestEngine wires an Engine against a fresh BoltStore under t.TempDir(),
// the real local backend, and a real LocalHost — the same combination
// cmd/ketrew wires in production, just rooted at a scratch directory.
func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hosts := host.NewRegistry()
	hosts.Register("localhost", host.NewLocalHost("localhost"))

	backends := backend.NewRegistry()
	backends.Register(backend.NewLocalBackend())

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	e := New(Config{
		Store:     store,
		Backends:  backends,
		Hosts:     hosts,
		Broker:    broker,
		IdleDelay: 10 * time.Millisecond,
	})
	return e, store
}

func localBuild(t *testing.T, command, playground string) types.BuildProcess {
	t.Helper()
	rp, err := backend.NewLocalBackend().Create(mustJSON(t, map[string]string{
		"command":    command,
		"playground": playground,
	}))
	require.NoError(t, err)
	return types.BuildProcess{Kind: types.LongRunning, Backend: "local", HostName: "localhost", RunParameters: rp}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// runUntilTerminal drives Step until every id in ids is terminal or the
// deadline passes, returning the final targets.
func runUntilTerminal(t *testing.T, e *Engine, store storage.Store, ids []string, timeout time.Duration) map[string]*types.Target {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := e.Step(ctx)
		require.NoError(t, err)

		all := make(map[string]*types.Target, len(ids))
		done := true
		for _, id := range ids {
			tgt, err := store.GetTarget(id)
			require.NoError(t, err)
			all[id] = tgt
			if !tgt.CurrentState().Terminal() {
				done = false
			}
		}
		if done {
			return all
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("targets did not reach terminal state within %s", timeout)
	return nil
}

// TestStep_DependencyChainSucceeds: a no-op target
// and a dependent shell target both succeed, and the dependent's stdout is
// retrievable afterward.
func TestStep_DependencyChainSucceeds(t *testing.T) {
	e, store := newTestEngine(t)
	dir := t.TempDir()

	a := &types.Target{ID: "A", Name: "a", Build: types.BuildProcess{Kind: types.NoOperation}, CreatedAt: time.Now()}
	b := &types.Target{
		ID:        "B",
		Name:      "b",
		DependsOn: []string{"A"},
		Build:     localBuild(t, "echo ok", filepath.Join(dir, "b")),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTarget(a))
	require.NoError(t, store.CreateTarget(b))
	require.NoError(t, e.Activate("A"))
	require.NoError(t, e.Activate("B"))

	final := runUntilTerminal(t, e, store, []string{"A", "B"}, 10*time.Second)
	require.Equal(t, types.RanSuccessfully, final["A"].CurrentState())
	require.Equal(t, types.RanSuccessfully, final["B"].CurrentState())

	lb := backend.NewLocalBackend()
	stdout, err := lb.Query(context.Background(), final["B"].Build.RunParameters, host.NewLocalHost("localhost"), "stdout")
	require.NoError(t, err)
	require.Contains(t, string(stdout), "ok")
}

// TestStep_FailurePropagation: a failing target
// drives its dependent to Dead_because_of_dependencies, and the failing
// target's history carries the exit code.
func TestStep_FailurePropagation(t *testing.T) {
	e, store := newTestEngine(t)
	dir := t.TempDir()

	a := &types.Target{
		ID:        "A",
		Name:      "a",
		Build:     localBuild(t, "exit 2", filepath.Join(dir, "a")),
		CreatedAt: time.Now(),
	}
	b := &types.Target{ID: "B", Name: "b", DependsOn: []string{"A"}, Build: types.BuildProcess{Kind: types.NoOperation}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTarget(a))
	require.NoError(t, store.CreateTarget(b))
	require.NoError(t, e.Activate("A"))
	require.NoError(t, e.Activate("B"))

	final := runUntilTerminal(t, e, store, []string{"A", "B"}, 10*time.Second)
	require.Equal(t, types.FailedFromRunning, final["A"].CurrentState())
	require.Equal(t, types.DeadBecauseOfDependencies, final["B"].CurrentState())

	last := final["A"].History[len(final["A"].History)-1]
	require.Contains(t, last.Reason, "2")
}

// TestStep_SuccessTriggersActivateChildren checks that a target's
// success_triggers list activates its Passive listeners atomically with
// its own Ran_successfully write.
func TestStep_SuccessTriggersActivateChildren(t *testing.T) {
	e, store := newTestEngine(t)

	parent := &types.Target{
		ID:              "parent",
		Build:           types.BuildProcess{Kind: types.NoOperation},
		SuccessTriggers: []string{"child"},
		CreatedAt:       time.Now(),
	}
	child := &types.Target{ID: "child", Build: types.BuildProcess{Kind: types.NoOperation}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTarget(parent))
	require.NoError(t, store.CreateTarget(child))
	require.NoError(t, e.Activate("parent"))

	final := runUntilTerminal(t, e, store, []string{"parent", "child"}, 5*time.Second)
	require.Equal(t, types.RanSuccessfully, final["parent"].CurrentState())
	require.Equal(t, types.RanSuccessfully, final["child"].CurrentState())
	require.True(t, final["child"].ActivatedByUser() == false)
}

// TestStep_EquivalenceSharesOutcome: two targets
// with equal Same_active_condition and an equal Condition share one build
// outcome via a pointer.
func TestStep_EquivalenceSharesOutcome(t *testing.T) {
	e, store := newTestEngine(t)

	cond := types.Condition{Kind: types.ConditionTrue}
	first := &types.Target{
		ID:          "first",
		Build:       types.BuildProcess{Kind: types.NoOperation},
		Condition:   cond,
		Equivalence: types.EquivalenceSameActiveCondition,
		CreatedAt:   time.Now(),
	}
	second := &types.Target{
		ID:          "second",
		Build:       types.BuildProcess{Kind: types.LongRunning, Backend: "does-not-exist", HostName: "localhost"},
		Condition:   cond,
		Equivalence: types.EquivalenceSameActiveCondition,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateTarget(first))
	require.NoError(t, store.CreateTarget(second))
	require.NoError(t, e.Activate("first"))
	require.NoError(t, e.Activate("second"))

	final := runUntilTerminal(t, e, store, []string{"first", "second"}, 5*time.Second)
	require.Equal(t, types.RanSuccessfully, final["first"].CurrentState())
	// second never attempted its (broken) backend: it pointed at first and
	// adopted first's outcome instead.
	require.Equal(t, types.RanSuccessfully, final["second"].CurrentState())
	require.Equal(t, "first", final["second"].PointerTo)
}

// TestStep_KillIdempotent: killing a target twice yields the
// same terminal state with no error on the second call.
func TestStep_KillIdempotent(t *testing.T) {
	e, store := newTestEngine(t)

	target := &types.Target{ID: "k", Build: types.BuildProcess{Kind: types.NoOperation}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTarget(target))
	require.NoError(t, e.Activate("k"))

	require.NoError(t, store.AppendCommand(&types.Command{ID: "c1", Kind: types.CommandKill, TargetID: "k", CreatedAt: time.Now()}))
	_, err := e.Step(context.Background())
	require.NoError(t, err)

	tgt, err := store.GetTarget("k")
	require.NoError(t, err)
	require.True(t, tgt.CurrentState().Terminal())
	firstState := tgt.CurrentState()

	require.NoError(t, store.AppendCommand(&types.Command{ID: "c2", Kind: types.CommandKill, TargetID: "k", CreatedAt: time.Now()}))
	_, err = e.Step(context.Background())
	require.NoError(t, err)

	tgt, err = store.GetTarget("k")
	require.NoError(t, err)
	require.Equal(t, firstState, tgt.CurrentState())
}

// TestRecover_CrashMidTickResumes: closing and reopening the
// store mid-run loses no target state, and a still-running target keeps
// being polled to completion.
func TestRecover_CrashMidTickResumes(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	hosts := host.NewRegistry()
	hosts.Register("localhost", host.NewLocalHost("localhost"))
	backends := backend.NewRegistry()
	backends.Register(backend.NewLocalBackend())
	broker := events.NewBroker()
	broker.Start()

	e := New(Config{Store: store, Backends: backends, Hosts: hosts, Broker: broker})

	playground := filepath.Join(t.TempDir(), "sleep")
	target := &types.Target{
		ID:        "long",
		Build:     localBuild(t, "sleep 1 && echo done", playground),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTarget(target))
	require.NoError(t, e.Activate("long"))

	// Drive it into the running family, then simulate a crash.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := e.Step(ctx)
		require.NoError(t, err)
		tgt, err := store.GetTarget("long")
		require.NoError(t, err)
		if tgt.CurrentState() == types.StartedRunning || tgt.CurrentState() == types.StillBuilding {
			break
		}
	}
	broker.Stop()
	require.NoError(t, store.Close())

	// Reopen against the same data directory — recovery scan, then resume
	// polling to completion.
	store2, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store2.Close()
	broker2 := events.NewBroker()
	broker2.Start()
	defer broker2.Stop()
	e2 := New(Config{Store: store2, Backends: backends, Hosts: hosts, Broker: broker2})
	require.NoError(t, e2.Recover())

	final := runUntilTerminal(t, e2, store2, []string{"long"}, 15*time.Second)
	require.Equal(t, types.RanSuccessfully, final["long"].CurrentState())
	// History recorded up to the crash point was preserved, not replayed
	// from scratch: it must contain Active before Tried_to_start/Started.
	require.Equal(t, types.Active, final["long"].History[0].State)
}
