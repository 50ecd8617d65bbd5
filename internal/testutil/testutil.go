// Package testutil provides shared helpers for package tests: a thread-safe
// log buffer, a scripted task runner, and fixture writers.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seqwell/pipegrid/internal/task"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// FakeRunner implements task.Runner without touching a shell. Every declared
// output is materialized with deterministic content derived from the task ID,
// and each invocation is recorded for assertions.
type FakeRunner struct {
	mu    sync.Mutex
	calls []*task.Spec

	// OnRun, when set, is consulted before outputs are written; a non-nil
	// error fails the task.
	OnRun func(spec *task.Spec) error
}

// Run implements task.Runner.
func (r *FakeRunner) Run(_ context.Context, spec *task.Spec) (*task.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, spec)
	r.mu.Unlock()

	if r.OnRun != nil {
		if err := r.OnRun(spec); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return nil, err
	}
	outputs := make(map[string]string, len(spec.Outputs))
	for binding, rel := range spec.Outputs {
		path := filepath.Join(spec.Dir, rel)
		content := fmt.Sprintf("%s %s\n", spec.ID, binding)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
		outputs[binding] = path
	}
	return &task.Result{Outputs: outputs, Elapsed: time.Millisecond}, nil
}

// Calls returns a snapshot of the recorded invocations.
func (r *FakeRunner) Calls() []*task.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*task.Spec, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallIDs returns the recorded task IDs in sorted order.
func (r *FakeRunner) CallIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

// CallCount returns the number of recorded invocations.
func (r *FakeRunner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// WriteFile creates a fixture file under dir and returns its path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// WriteDict creates a .fai-style sequence dictionary fixture: one
// name<TAB>length line per entry.
func WriteDict(t *testing.T, dir string, seqs map[string]int64) string {
	t.Helper()
	names := make([]string, 0, len(seqs))
	for name := range seqs {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s\t%d\n", name, seqs[name])
	}
	return WriteFile(t, dir, "reference.fai", buf.String())
}
