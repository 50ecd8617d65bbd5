package engine

import (
	"sort"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/seqwell/pipegrid/internal/fingerprint"
)

// Report is the terminal account of one node.
type Report struct {
	ID           string
	Branch       string
	Stage        string
	Label        string
	State        State
	Err          error
	Elapsed      time.Duration
	Replicas     int
	Fingerprints []fingerprint.Fingerprint
}

// Summary aggregates the run outcome: per-node reports in identity order,
// state counts, and per-label wall-time distributions of executed stages.
type Summary struct {
	Reports []Report
	Counts  map[State]int
	// Durations records executed (non-cached) stage wall times per resource
	// label, in milliseconds.
	Durations map[string]*hdrhistogram.Histogram
}

// Trackable range of the per-label duration histograms, in milliseconds.
const (
	minDurationMs = 1
	maxDurationMs = int64(24 * time.Hour / time.Millisecond)
)

// Summarize walks the graph after a run and assembles the Summary.
func (g *Graph) Summarize() *Summary {
	sum := &Summary{
		Counts:    make(map[State]int),
		Durations: make(map[string]*hdrhistogram.Histogram),
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := g.Nodes[id]
		st := node.GetState()
		sum.Counts[st]++
		sum.Reports = append(sum.Reports, Report{
			ID:           node.ID,
			Branch:       node.Stage.Branch,
			Stage:        node.Stage.Name,
			Label:        node.Stage.label(),
			State:        st,
			Err:          node.Err,
			Elapsed:      node.Elapsed,
			Replicas:     len(node.Fingerprints),
			Fingerprints: node.Fingerprints,
		})
		if st == Done && node.Elapsed > 0 {
			label := node.Stage.label()
			h, ok := sum.Durations[label]
			if !ok {
				h = hdrhistogram.New(minDurationMs, maxDurationMs, 3)
				sum.Durations[label] = h
			}
			// Clamp to the trackable range so sub-millisecond and
			// multi-day outliers still count instead of being dropped.
			ms := node.Elapsed.Milliseconds()
			if ms < minDurationMs {
				ms = minDurationMs
			}
			if ms > maxDurationMs {
				ms = maxDurationMs
			}
			_ = h.RecordValue(ms)
		}
	}
	return sum
}

// OK reports whether every node resolved successfully.
func (s *Summary) OK() bool {
	return s.Counts[Failed] == 0 && s.Counts[UpstreamFailed] == 0 && s.Counts[Aborted] == 0
}

// Failures returns the reports of nodes that failed directly.
func (s *Summary) Failures() []Report {
	var out []Report
	for _, r := range s.Reports {
		if r.State == Failed {
			out = append(out, r)
		}
	}
	return out
}
