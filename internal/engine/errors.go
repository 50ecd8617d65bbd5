package engine

import (
	"fmt"

	"github.com/seqwell/pipegrid/internal/task"
)

// MissingInputError reports a stage input binding with no satisfiable
// producer. It is raised at build time for unwired bindings and at dispatch
// time when a producer resolved to nothing, always before any external
// invocation.
type MissingInputError struct {
	Stage   string
	Binding string
	Reason  string
}

func (e *MissingInputError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stage %s: input %q: %s", e.Stage, e.Binding, e.Reason)
	}
	return fmt.Sprintf("stage %s: input %q has no producer", e.Stage, e.Binding)
}

// CyclicGraphError reports a dependency cycle detected during graph
// construction, before any dispatch.
type CyclicGraphError struct {
	Node string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving %q", e.Node)
}

// ExternalCommandError is the failure of a dispatched task: the process
// exited non-zero or omitted a declared output.
type ExternalCommandError = task.CommandError

// UpstreamFailureError marks a task that was never dispatched because an
// ancestor failed. It consumes no worker slot.
type UpstreamFailureError struct {
	Stage    string
	Upstream string
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("stage %s skipped due to upstream failure of %s", e.Stage, e.Upstream)
}
