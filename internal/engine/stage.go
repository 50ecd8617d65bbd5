// Package engine is the workflow orchestration core: it assembles declared
// stages into a validated task graph, expands scatter stages over runtime
// partitions, schedules tasks onto resource-labelled slots, and intercepts
// every dispatch through the resume ledger.
package engine

import "fmt"

// Kind distinguishes external command stages from the in-engine partitioner.
type Kind int

const (
	// KindCommand is an opaque external tool invocation.
	KindCommand Kind = iota
	// KindPartition chunks a reference dictionary into genomic intervals.
	// Its single output binding "intervals" carries one interval list file
	// per chunk, and the produced Partition sizes downstream scatters.
	KindPartition
)

// MergeStrategy declares how the gathered outputs of a scattered stage are
// handed to downstream consumers.
type MergeStrategy int

const (
	// MergeNone marks a stage that is not scattered.
	MergeNone MergeStrategy = iota
	// MergeConcatenate yields the ordered union of replica outputs,
	// preserved by partition index.
	MergeConcatenate
	// MergeCombine makes all replica outputs available as a single
	// multi-argument input of the downstream combiner task; the combining
	// logic belongs to the external tool.
	MergeCombine
)

func (m MergeStrategy) String() string {
	switch m {
	case MergeConcatenate:
		return "concatenate"
	case MergeCombine:
		return "combine"
	}
	return "none"
}

// Ref identifies the source of an input binding: either a named output of
// another stage, or a literal file set resolved from run parameters.
type Ref struct {
	Branch string
	Stage  string
	Output string
	Paths  []string
}

// StageRef binds an input to the named output of another stage.
func StageRef(branch, stage, output string) Ref {
	return Ref{Branch: branch, Stage: stage, Output: output}
}

// FileRef binds an input to a literal file set.
func FileRef(paths ...string) Ref {
	return Ref{Paths: paths}
}

func (r Ref) isStage() bool { return r.Stage != "" }

func (r Ref) producerID() string { return nodeID(r.Branch, r.Stage) }

// Stage declares one unit of pipeline work: its bindings, resource label,
// and external command contract. Stages are templates; scattered stages are
// replicated once per partition element at expansion time.
type Stage struct {
	// Name is unique within a branch.
	Name string
	// Branch scopes the stage's identity and publish prefix.
	Branch string
	// Label is the resource class whose concurrency ceiling admits the
	// task. Empty means DefaultLabel.
	Label string
	// Kind selects command execution or in-engine partitioning.
	Kind Kind
	// Command is the template expanded at dispatch time. Recognized
	// placeholders: ${in.<binding>}, ${out.<binding>}, ${param.<name>},
	// and for scattered stages ${interval}, ${interval_index},
	// ${interval_file}.
	Command string
	// Inputs maps binding name to its source. Every binding is required
	// and must resolve to at least one file.
	Inputs map[string]Ref
	// Outputs maps binding name to the fixed filename the command writes
	// inside its working directory.
	Outputs map[string]string
	// Params holds the resolved values of the run parameters this stage
	// references; they participate in the fingerprint.
	Params map[string]string
	// Env holds extra KEY=VALUE pairs for the external process.
	Env []string

	// Scatter replicates the stage once per partition element.
	Scatter bool
	// ScatterBinding names the input carrying the partition; each replica
	// receives exactly one interval from it, all other inputs are shared.
	ScatterBinding string
	// Merge declares the gather semantics of a scattered stage.
	Merge MergeStrategy
	// InputJoin optionally maps a binding to a flag repeated before each
	// path when the binding resolves to multiple files (e.g. "-I" for a
	// multi-input combiner). Without a flag, paths are space-joined.
	InputJoin map[string]string

	// ChunkSize is the partition granularity in bases (KindPartition only).
	ChunkSize int64
}

// DefaultLabel is the resource class of stages that do not declare one.
const DefaultLabel = "standard"

// PartitionOutput is the output binding every KindPartition stage exposes.
const PartitionOutput = "intervals"

func (s *Stage) label() string {
	if s.Label == "" {
		return DefaultLabel
	}
	return s.Label
}

func nodeID(branch, name string) string {
	return fmt.Sprintf("stage.%s.%s", branch, name)
}

// ID returns the stage's node identity, e.g. "stage.classic.align".
func (s *Stage) ID() string {
	return nodeID(s.Branch, s.Name)
}
