package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/seqwell/pipegrid/internal/fingerprint"
	"github.com/seqwell/pipegrid/internal/intervals"
)

// State is the lifecycle of a node.
type State int32

const (
	// Pending: instantiated, waiting for producers.
	Pending State = iota
	// Running: dispatched (or expanding, for scatter stages).
	Running
	// Done: all declared outputs materialized.
	Done
	// Skipped: satisfied from the resume ledger without dispatch.
	Skipped
	// Failed: the external command failed or omitted an output.
	Failed
	// UpstreamFailed: never dispatched because an ancestor failed.
	UpstreamFailed
	// Aborted: eligible but not dispatched because the run was draining
	// after a fatal failure elsewhere.
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case UpstreamFailed:
		return "upstream-failed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Node is one vertex of the built graph. A scattered stage is a single node
// whose replica set is sized at expansion time from the actual partition.
type Node struct {
	ID    string
	Stage *Stage

	Deps       map[string]*Node
	Dependents map[string]*Node

	depCount atomic.Int32
	state    atomic.Int32
	finish   sync.Once

	// Err is set before the node reaches a terminal failure state.
	Err error

	// Outputs maps binding name to materialized paths; scattered stages
	// hold one path per partition index, in order.
	Outputs map[string][]string

	// Partition is set once a KindPartition node completes.
	Partition *intervals.Partition

	// Fingerprints records the dispatch identities (one per replica for
	// scattered stages) for failure reports and resume diagnostics.
	Fingerprints []fingerprint.Fingerprint

	// Elapsed is the summed wall time of the node's external commands.
	Elapsed time.Duration
}

// GetState returns the node's current lifecycle state.
func (n *Node) GetState() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

// setInitialCounters seeds the dependency countdown used by the executor to
// decide readiness.
func (n *Node) setInitialCounters() {
	n.depCount.Store(int32(len(n.Deps)))
}

// terminate moves the node to a terminal state exactly once and signals the
// run's WaitGroup. It returns true for the call that fired.
func (n *Node) terminate(s State, err error, wg *sync.WaitGroup) bool {
	fired := false
	n.finish.Do(func() {
		n.Err = err
		n.setState(s)
		wg.Done()
		fired = true
	})
	return fired
}
