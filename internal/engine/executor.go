package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seqwell/pipegrid/internal/ctxlog"
	"github.com/seqwell/pipegrid/internal/fingerprint"
	"github.com/seqwell/pipegrid/internal/intervals"
	"github.com/seqwell/pipegrid/internal/ledger"
	"github.com/seqwell/pipegrid/internal/task"
)

// DefaultLimit is the concurrency ceiling of resource labels that have no
// configured limit.
const DefaultLimit = 8

// Config wires the executor's collaborators.
type Config struct {
	Runner    task.Runner
	Ledger    *ledger.Ledger
	Publisher *task.Publisher
	// WorkDir is the run-scoped root for task working directories.
	WorkDir string
	// Limits maps resource label to its concurrency ceiling; labels
	// absent here get DefaultLimit.
	Limits map[string]int
}

// Executor schedules the graph onto resource-labelled execution slots.
// Concurrency is two-dimensional: any node whose producers have all resolved
// is eligible regardless of its position in the DAG, and eligible tasks are
// admitted only up to the per-label ceiling.
type Executor struct {
	graph     *Graph
	runner    task.Runner
	ledger    *ledger.Ledger
	publisher *task.Publisher
	workDir   string
	sems      map[string]chan struct{}
	digests   *digestCache

	wg         sync.WaitGroup
	draining   atomic.Bool
	dispatched atomic.Int64
}

// New prepares an executor for one run of the graph.
func New(graph *Graph, cfg Config) *Executor {
	e := &Executor{
		graph:     graph,
		runner:    cfg.Runner,
		ledger:    cfg.Ledger,
		publisher: cfg.Publisher,
		workDir:   cfg.WorkDir,
		sems:      make(map[string]chan struct{}),
		digests:   newDigestCache(),
	}
	if e.publisher == nil {
		e.publisher = &task.Publisher{}
	}
	for _, node := range graph.Nodes {
		label := node.Stage.label()
		if _, ok := e.sems[label]; ok {
			continue
		}
		limit := cfg.Limits[label]
		if limit <= 0 {
			limit = DefaultLimit
		}
		e.sems[label] = make(chan struct{}, limit)
	}
	return e
}

// Dispatched reports how many external commands this run actually invoked;
// a fully resumed run reports zero.
func (e *Executor) Dispatched() int64 {
	return e.dispatched.Load()
}

// Run executes the graph and returns an error if any task failed. The
// scheduler suspends only on task-completion events; it never polls.
func (e *Executor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *Node, len(e.graph.Nodes))
	rootCount := 0
	for _, node := range e.graph.Nodes {
		if node.depCount.Load() == 0 {
			readyChan <- node
			rootCount++
		}
	}
	logger.Debug("Executor initialized.", "nodes", len(e.graph.Nodes), "roots", rootCount)

	e.wg.Add(len(e.graph.Nodes))
	go func() {
		e.wg.Wait()
		close(readyChan)
	}()

	for node := range readyChan {
		go e.execute(ctx, node, readyChan)
	}

	return e.runError(ctx)
}

// execute drives one node from eligible to terminal.
func (e *Executor) execute(ctx context.Context, node *Node, readyChan chan *Node) {
	logger := ctxlog.FromContext(ctx).With("node", node.ID)

	if e.draining.Load() {
		if node.terminate(Aborted, nil, &e.wg) {
			logger.Warn("Run is draining after a failure; node not dispatched.")
			e.abortDependents(ctx, node)
		}
		return
	}
	if ctx.Err() != nil {
		if node.terminate(Aborted, ctx.Err(), &e.wg) {
			logger.Warn("Context canceled; node not dispatched.")
			e.abortDependents(ctx, node)
		}
		return
	}

	node.setState(Running)

	st, err := e.runNode(ctx, node)
	if err != nil {
		e.failNode(ctx, node, err)
		return
	}

	node.terminate(st, nil, &e.wg)
	logger.Debug("Node resolved.", "state", st.String())

	for _, dependent := range node.Dependents {
		if dependent.depCount.Add(-1) == 0 {
			logger.Debug("Unlocking dependent node.", "dependent", dependent.ID)
			readyChan <- dependent
		}
	}
}

// runNode resolves the node to a terminal success state.
func (e *Executor) runNode(ctx context.Context, node *Node) (State, error) {
	switch {
	case node.Stage.Kind == KindPartition:
		return e.runPartition(ctx, node)
	case node.Stage.Scatter:
		return e.runScatter(ctx, node)
	default:
		return e.runSingle(ctx, node)
	}
}

func (e *Executor) runSingle(ctx context.Context, node *Node) (State, error) {
	inputs, err := e.resolveInputs(node)
	if err != nil {
		return 0, err
	}
	fp, err := e.fingerprintFor(node.ID, node.Stage, inputs)
	if err != nil {
		return 0, err
	}
	node.Fingerprints = append(node.Fingerprints, fp)

	outputs, elapsed, cached, err := e.dispatch(ctx, node.ID, node.Stage, inputs, nil, fp)
	if err != nil {
		return 0, err
	}
	node.Outputs = outputs
	node.Elapsed = elapsed

	if err := e.publisher.Publish(ctx, node.Stage.Branch, node.Stage.Name, outputs); err != nil {
		return 0, err
	}
	if cached {
		return Skipped, nil
	}
	return Done, nil
}

// runPartition executes the in-engine partitioner. It is deterministic and
// cheap, so it runs on every invocation (including resumed runs); the
// interval list files it rewrites carry identical content, which is what
// keeps downstream replica fingerprints stable.
func (e *Executor) runPartition(ctx context.Context, node *Node) (State, error) {
	logger := ctxlog.FromContext(ctx).With("node", node.ID)

	inputs, err := e.resolveInputs(node)
	if err != nil {
		return 0, err
	}
	dict, ok := inputs[PartitionInput]
	if !ok || len(dict) != 1 {
		return 0, &MissingInputError{Stage: node.ID, Binding: PartitionInput, Reason: "partition stage requires a single reference dictionary"}
	}

	e.acquire(node.Stage.label())
	defer e.release(node.Stage.label())

	start := time.Now()
	part, err := intervals.Make(dict[0], node.Stage.ChunkSize, filepath.Join(e.workDir, node.ID))
	if err != nil {
		return 0, fmt.Errorf("partition stage %s: %w", node.ID, err)
	}
	node.Partition = part
	node.Outputs = map[string][]string{PartitionOutput: part.ListFiles}
	node.Elapsed = time.Since(start)

	logger.Info("Reference partitioned.", "intervals", part.Size(), "chunk_size", node.Stage.ChunkSize)
	return Done, nil
}

// PartitionInput is the input binding every KindPartition stage consumes.
const PartitionInput = "dict"

// dispatch is the single atomic cache-check-and-dispatch decision for one
// task. A ledger hit returns the cached outputs without invoking the
// external command; otherwise the task runs under its label's ceiling and
// the ledger entry is recorded only after all outputs are materialized.
func (e *Executor) dispatch(ctx context.Context, taskID string, s *Stage, inputs map[string][]string, replica map[string]string, fp fingerprint.Fingerprint) (map[string][]string, time.Duration, bool, error) {
	logger := ctxlog.FromContext(ctx).With("task", taskID)

	if entry, claimed := e.ledger.Claim(fp); entry != nil {
		logger.Info("Resume ledger hit; external command skipped.", "fingerprint", shortFP(fp))
		return entry.Outputs, 0, true, nil
	} else if !claimed {
		return nil, 0, false, fmt.Errorf("task %s: a task with an identical fingerprint is already in flight", taskID)
	}

	command, err := expandCommand(s, inputs, replica)
	if err != nil {
		e.ledger.Release(fp)
		return nil, 0, false, err
	}

	spec := &task.Spec{
		ID:      taskID,
		Dir:     filepath.Join(e.workDir, taskID),
		Command: command,
		Outputs: s.Outputs,
		Env:     s.Env,
	}

	label := s.label()
	e.acquire(label)
	defer e.release(label)

	e.dispatched.Add(1)
	logger.Debug("Dispatching external command.", "label", label)
	res, err := e.runner.Run(ctx, spec)
	if err != nil {
		e.ledger.Release(fp)
		return nil, 0, false, err
	}

	outputs := make(map[string][]string, len(res.Outputs))
	for binding, path := range res.Outputs {
		outputs[binding] = []string{path}
	}
	if err := e.ledger.Record(fp, taskID, outputs); err != nil {
		return nil, 0, false, err
	}
	return outputs, res.Elapsed, false, nil
}

func (e *Executor) acquire(label string) { e.sems[label] <- struct{}{} }
func (e *Executor) release(label string) { <-e.sems[label] }

func shortFP(fp fingerprint.Fingerprint) string {
	if len(fp) > 12 {
		return string(fp[:12])
	}
	return string(fp)
}

// failNode marks the node failed, flips the run into draining mode, and
// propagates UpstreamFailure to every direct and transitive consumer.
// Already-running independent tasks finish and are recorded; nothing new is
// dispatched.
func (e *Executor) failNode(ctx context.Context, node *Node, err error) {
	logger := ctxlog.FromContext(ctx)
	logger.Error("Node execution failed.", "node", node.ID, "error", err)

	e.draining.Store(true)
	node.terminate(Failed, err, &e.wg)
	e.skipDependents(ctx, node)
}

// skipDependents recursively marks downstream nodes as upstream-failed.
func (e *Executor) skipDependents(ctx context.Context, node *Node) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range node.Dependents {
		upErr := &UpstreamFailureError{Stage: dependent.ID, Upstream: node.ID}
		if dependent.terminate(UpstreamFailed, upErr, &e.wg) {
			logger.Warn("Skipping dependent node due to upstream failure.", "node", dependent.ID, "upstream", node.ID)
			e.skipDependents(ctx, dependent)
		}
	}
}

// abortDependents recursively marks downstream nodes aborted. A consumer of
// an aborted node can never become eligible, so it must be resolved here or
// the run would never finish draining.
func (e *Executor) abortDependents(ctx context.Context, node *Node) {
	for _, dependent := range node.Dependents {
		if dependent.terminate(Aborted, nil, &e.wg) {
			e.abortDependents(ctx, dependent)
		}
	}
}

// runError assembles the run's terminal error from node states. A run with
// no failed tasks that was cut short by cancellation still ends in error:
// aborted nodes never produced their outputs.
func (e *Executor) runError(ctx context.Context) error {
	var failed []string
	var rootCause error
	aborted := 0
	ids := make([]string, 0, len(e.graph.Nodes))
	for id := range e.graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := e.graph.Nodes[id]
		switch node.GetState() {
		case Failed:
			failed = append(failed, node.ID)
			if rootCause == nil {
				rootCause = node.Err
			}
		case Aborted:
			aborted++
		}
	}
	if rootCause != nil {
		return fmt.Errorf("execution failed for %s: %w", strings.Join(failed, ", "), rootCause)
	}
	if aborted > 0 && ctx.Err() != nil {
		return fmt.Errorf("run canceled with %d tasks unresolved: %w", aborted, ctx.Err())
	}
	return nil
}
