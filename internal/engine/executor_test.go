package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwell/pipegrid/internal/ledger"
	"github.com/seqwell/pipegrid/internal/task"
	"github.com/seqwell/pipegrid/internal/testutil"
)

func newTestLedger(t *testing.T, dir string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	return l
}

func stateOf(t *testing.T, g *Graph, id string) State {
	t.Helper()
	node, ok := g.Node(id)
	require.True(t, ok, "node %s not in graph", id)
	return node.GetState()
}

func TestRun_Diamond(t *testing.T) {
	dir := t.TempDir()
	seed := testutil.WriteFile(t, dir, "reads.fq", "reads")

	b := NewBuilder()
	require.NoError(t, b.AddStage(simpleStage("main", "a", map[string]Ref{"reads": FileRef(seed)})))
	require.NoError(t, b.AddStage(simpleStage("main", "b", map[string]Ref{"in": StageRef("main", "a", "out")})))
	require.NoError(t, b.AddStage(simpleStage("main", "c", map[string]Ref{"in": StageRef("main", "a", "out")})))
	d := simpleStage("main", "d", map[string]Ref{
		"left":  StageRef("main", "b", "out"),
		"right": StageRef("main", "c", "out"),
	})
	d.Command = "join ${in.left} ${in.right} > ${out.out}"
	require.NoError(t, b.AddStage(d))

	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	runner := &testutil.FakeRunner{}
	exec := New(graph, Config{Runner: runner, Ledger: newTestLedger(t, dir), WorkDir: dir})
	require.NoError(t, exec.Run(testCtx()))

	for _, id := range []string{"stage.main.a", "stage.main.b", "stage.main.c", "stage.main.d"} {
		assert.Equal(t, Done, stateOf(t, graph, id), id)
	}
	assert.Equal(t, int64(4), exec.Dispatched())

	calls := runner.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "stage.main.a", calls[0].ID, "the only root must run first")
	assert.Equal(t, "stage.main.d", calls[3].ID, "the join must run last")
	assert.Contains(t, calls[3].Command, "b.out")
	assert.Contains(t, calls[3].Command, "c.out")
}

func TestRun_FailurePropagation(t *testing.T) {
	dir := t.TempDir()

	b := NewBuilder()
	require.NoError(t, b.AddStage(simpleStage("main", "a", nil)))
	require.NoError(t, b.AddStage(simpleStage("main", "b", map[string]Ref{"in": StageRef("main", "a", "out")})))
	require.NoError(t, b.AddStage(simpleStage("main", "c", map[string]Ref{"in": StageRef("main", "b", "out")})))
	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	runner := &testutil.FakeRunner{
		OnRun: func(spec *task.Spec) error {
			if spec.ID == "stage.main.a" {
				return &task.CommandError{ID: spec.ID, ExitCode: 2, StderrTail: "no reference index"}
			}
			return nil
		},
	}
	exec := New(graph, Config{Runner: runner, Ledger: newTestLedger(t, dir), WorkDir: dir})

	err = exec.Run(testCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage.main.a")

	var cmdErr *task.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 2, cmdErr.ExitCode)

	assert.Equal(t, Failed, stateOf(t, graph, "stage.main.a"))
	assert.Equal(t, UpstreamFailed, stateOf(t, graph, "stage.main.b"))
	assert.Equal(t, UpstreamFailed, stateOf(t, graph, "stage.main.c"))

	var upErr *UpstreamFailureError
	require.True(t, errors.As(graph.Nodes["stage.main.c"].Err, &upErr))
	assert.Equal(t, "stage.main.b", upErr.Upstream)
}

func TestRun_LabelCeiling(t *testing.T) {
	dir := t.TempDir()

	b := NewBuilder()
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		s := simpleStage("main", name, nil)
		s.Label = "heavy"
		require.NoError(t, b.AddStage(s))
	}
	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	runner := &testutil.FakeRunner{
		OnRun: func(spec *task.Spec) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}
	exec := New(graph, Config{
		Runner:  runner,
		Ledger:  newTestLedger(t, dir),
		WorkDir: dir,
		Limits:  map[string]int{"heavy": 2},
	})
	require.NoError(t, exec.Run(testCtx()))

	assert.Equal(t, int64(6), exec.Dispatched())
	assert.LessOrEqual(t, peak.Load(), int32(2), "label ceiling must bound concurrent dispatches")
}

func TestRun_ResumeDispatchesNothing(t *testing.T) {
	dir := t.TempDir()
	seed := testutil.WriteFile(t, dir, "reads.fq", "reads")

	makeGraph := func() *Graph {
		b := NewBuilder()
		require.NoError(t, b.AddStage(simpleStage("main", "a", map[string]Ref{"reads": FileRef(seed)})))
		require.NoError(t, b.AddStage(simpleStage("main", "b", map[string]Ref{"in": StageRef("main", "a", "out")})))
		graph, err := b.Build(testCtx())
		require.NoError(t, err)
		return graph
	}

	firstDir := filepath.Join(dir, "run1")
	first := New(makeGraph(), Config{
		Runner:  &testutil.FakeRunner{},
		Ledger:  newTestLedger(t, firstDir),
		WorkDir: firstDir,
	})
	require.NoError(t, first.Run(testCtx()))
	require.Equal(t, int64(2), first.Dispatched())

	secondDir := filepath.Join(dir, "run2")
	resumed, err := ledger.Resume(filepath.Join(secondDir, "ledger.json"), filepath.Join(firstDir, "ledger.json"))
	require.NoError(t, err)

	graph := makeGraph()
	runner := &testutil.FakeRunner{}
	second := New(graph, Config{Runner: runner, Ledger: resumed, WorkDir: secondDir})
	require.NoError(t, second.Run(testCtx()))

	assert.Equal(t, int64(0), second.Dispatched(), "a completed run must resume without dispatching")
	assert.Equal(t, 0, runner.CallCount())
	assert.Equal(t, Skipped, stateOf(t, graph, "stage.main.a"))
	assert.Equal(t, Skipped, stateOf(t, graph, "stage.main.b"))
}

func TestRun_CrossBranchEdgeBlocks(t *testing.T) {
	dir := t.TempDir()

	b := NewBuilder()
	require.NoError(t, b.AddStage(simpleStage("classic", "prep", nil)))
	require.NoError(t, b.AddStage(simpleStage("accel", "align", map[string]Ref{
		"reads": StageRef("classic", "prep", "out"),
	})))
	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	runner := &testutil.FakeRunner{}
	exec := New(graph, Config{Runner: runner, Ledger: newTestLedger(t, dir), WorkDir: dir})
	require.NoError(t, exec.Run(testCtx()))

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "stage.classic.prep", calls[0].ID)
	assert.Equal(t, "stage.accel.align", calls[1].ID)
}

func TestRun_IndependentBranchesBothComplete(t *testing.T) {
	dir := t.TempDir()

	b := NewBuilder()
	for _, branch := range []string{"classic", "accel"} {
		require.NoError(t, b.AddStage(simpleStage(branch, "first", nil)))
		require.NoError(t, b.AddStage(simpleStage(branch, "second", map[string]Ref{
			"in": StageRef(branch, "first", "out"),
		})))
	}
	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	exec := New(graph, Config{Runner: &testutil.FakeRunner{}, Ledger: newTestLedger(t, dir), WorkDir: dir})
	require.NoError(t, exec.Run(testCtx()))

	for id := range graph.Nodes {
		assert.Equal(t, Done, stateOf(t, graph, id), id)
	}

	sum := graph.Summarize()
	assert.Equal(t, 4, sum.Counts[Done])
	assert.True(t, sum.OK())
}

func TestRun_BranchScheduleEquivalence(t *testing.T) {
	dir := t.TempDir()

	makeGraph := func() *Graph {
		b := NewBuilder()
		for _, branch := range []string{"classic", "accel"} {
			require.NoError(t, b.AddStage(simpleStage(branch, "first", nil)))
			require.NoError(t, b.AddStage(simpleStage(branch, "second", map[string]Ref{
				"in": StageRef(branch, "first", "out"),
			})))
			require.NoError(t, b.AddStage(simpleStage(branch, "third", map[string]Ref{
				"in": StageRef(branch, "second", "out"),
			})))
		}
		graph, err := b.Build(testCtx())
		require.NoError(t, err)
		return graph
	}

	// Snapshots every node's outputs as content keyed by workdir-relative
	// path, so runs in different directories compare directly.
	runOnce := func(workDir string, limits map[string]int) map[string]string {
		graph := makeGraph()
		exec := New(graph, Config{
			Runner:  &testutil.FakeRunner{},
			Ledger:  newTestLedger(t, workDir),
			WorkDir: workDir,
			Limits:  limits,
		})
		require.NoError(t, exec.Run(testCtx()))

		snapshot := make(map[string]string)
		for id, node := range graph.Nodes {
			require.Equal(t, Done, node.GetState(), id)
			for _, paths := range node.Outputs {
				for _, p := range paths {
					rel, err := filepath.Rel(workDir, p)
					require.NoError(t, err)
					content, err := os.ReadFile(p)
					require.NoError(t, err)
					snapshot[rel] = string(content)
				}
			}
		}
		return snapshot
	}

	serialized := runOnce(filepath.Join(dir, "serial"), map[string]int{DefaultLabel: 1})
	interleaved := runOnce(filepath.Join(dir, "parallel"), nil)
	assert.Equal(t, serialized, interleaved,
		"branch results must not depend on scheduling interleaving")
}

func TestRun_CancellationIsAnError(t *testing.T) {
	dir := t.TempDir()

	b := NewBuilder()
	require.NoError(t, b.AddStage(simpleStage("main", "a", nil)))
	require.NoError(t, b.AddStage(simpleStage("main", "b", map[string]Ref{"in": StageRef("main", "a", "out")})))
	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	runner := &testutil.FakeRunner{}
	exec := New(graph, Config{Runner: runner, Ledger: newTestLedger(t, dir), WorkDir: dir})

	ctx, cancel := context.WithCancel(testCtx())
	cancel()

	err = exec.Run(ctx)
	require.Error(t, err, "a canceled run must not report success")
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, Aborted, stateOf(t, graph, "stage.main.a"))
	assert.Equal(t, Aborted, stateOf(t, graph, "stage.main.b"))
	assert.Equal(t, int64(0), exec.Dispatched())
	assert.Equal(t, 0, runner.CallCount())
}

func TestRun_PublishesCompletedOutputs(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "published")

	b := NewBuilder()
	require.NoError(t, b.AddStage(simpleStage("classic", "filter", nil)))
	graph, err := b.Build(testCtx())
	require.NoError(t, err)

	exec := New(graph, Config{
		Runner:    &testutil.FakeRunner{},
		Ledger:    newTestLedger(t, dir),
		Publisher: &task.Publisher{Prefix: prefix},
		WorkDir:   dir,
	})
	require.NoError(t, exec.Run(testCtx()))

	assert.FileExists(t, filepath.Join(prefix, "classic", "filter", "filter.out"))
}
