package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/willf/bitset"

	"github.com/seqwell/pipegrid/internal/ctxlog"
	"github.com/seqwell/pipegrid/internal/fingerprint"
)

// runScatter expands a scattered stage into one replica per partition element
// and gathers the results in partition order. Replica count is unknown until
// the upstream partitioner has run; expansion happens here, not at build time.
//
// Gathering fails fast: the first replica failure resolves the stage as
// failed immediately. Replicas still in flight are not forcibly terminated;
// they finish under their label's ceiling and successful ones are recorded in
// the ledger, but their results do not reach downstream consumers.
func (e *Executor) runScatter(ctx context.Context, node *Node) (State, error) {
	logger := ctxlog.FromContext(ctx).With("node", node.ID)
	s := node.Stage

	inputs, err := e.resolveInputs(node)
	if err != nil {
		return 0, err
	}

	producer := e.graph.Nodes[s.Inputs[s.ScatterBinding].producerID()]
	part := producer.Partition
	if part == nil {
		return 0, fmt.Errorf("scatter stage %s: producer %s holds no partition", node.ID, producer.ID)
	}
	n := part.Size()
	if n == 0 {
		return 0, fmt.Errorf("scatter stage %s: partition is empty", node.ID)
	}
	logger.Info("Expanding scatter stage.", "replicas", n, "merge", s.Merge)

	type replicaResult struct {
		index   int
		fp      fingerprint.Fingerprint
		outputs map[string][]string
		elapsed time.Duration
		cached  bool
		err     error
	}
	results := make(chan replicaResult, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			taskID := fmt.Sprintf("%s[%d]", node.ID, i)

			// Shared inputs plus exactly one partition element.
			rinputs := make(map[string][]string, len(inputs))
			for binding, paths := range inputs {
				rinputs[binding] = paths
			}
			rinputs[s.ScatterBinding] = []string{part.ListFiles[i]}

			replica := map[string]string{
				"interval":       part.Intervals[i].String(),
				"interval_index": strconv.Itoa(i),
				"interval_file":  part.ListFiles[i],
			}

			fp, err := e.fingerprintFor(taskID, s, rinputs)
			if err != nil {
				results <- replicaResult{index: i, err: err}
				return
			}
			outputs, elapsed, cached, err := e.dispatch(ctx, taskID, s, rinputs, replica, fp)
			results <- replicaResult{index: i, fp: fp, outputs: outputs, elapsed: elapsed, cached: cached, err: err}
		}(i)
	}

	node.Fingerprints = make([]fingerprint.Fingerprint, n)
	completed := bitset.New(uint(n))
	replicaOutputs := make([]map[string][]string, n)
	var total time.Duration
	allCached := true

	for received := 0; received < n; received++ {
		r := <-results
		if r.err != nil {
			return 0, fmt.Errorf("scatter stage %s replica %d: %w", node.ID, r.index, r.err)
		}
		completed.Set(uint(r.index))
		replicaOutputs[r.index] = r.outputs
		node.Fingerprints[r.index] = r.fp
		total += r.elapsed
		if !r.cached {
			allCached = false
		}
		logger.Debug("Replica resolved.", "replica", r.index, "cached", r.cached, "remaining", n-received-1)
	}
	if int(completed.Count()) != n {
		return 0, fmt.Errorf("scatter stage %s: gather incomplete, %d of %d replicas accounted for", node.ID, completed.Count(), n)
	}

	// Gather preserves partition order regardless of completion order. For
	// MergeConcatenate downstream consumers see the ordered union; for
	// MergeCombine they see the same ordered set and hand it to a combiner
	// tool via a repeated input flag.
	gathered := make(map[string][]string, len(s.Outputs))
	for binding := range s.Outputs {
		paths := make([]string, 0, n)
		for i := 0; i < n; i++ {
			paths = append(paths, replicaOutputs[i][binding]...)
		}
		gathered[binding] = paths
	}
	node.Outputs = gathered
	node.Elapsed = total

	// Replica outputs share a declared filename, so each replica publishes
	// under its own index.
	for i := 0; i < n; i++ {
		dest := fmt.Sprintf("%s/%d", s.Name, i)
		if err := e.publisher.Publish(ctx, s.Branch, dest, replicaOutputs[i]); err != nil {
			return 0, err
		}
	}

	if allCached {
		return Skipped, nil
	}
	return Done, nil
}
