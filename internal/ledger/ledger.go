// Package ledger persists the mapping from task fingerprint to completed
// output locations. It is the only mutable state shared across tasks: writes
// are append-only per fingerprint and happen strictly after a task's outputs
// are durably materialized.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/seqwell/pipegrid/internal/fingerprint"
)

// Entry records the declared outputs of one completed task.
type Entry struct {
	Stage   string              `json:"stage"`
	Outputs map[string][]string `json:"outputs"`
}

type ledgerFile struct {
	Entries map[fingerprint.Fingerprint]Entry `json:"entries"`
}

// Ledger is the resume/cache controller's store, scoped to a single run.
// All methods are safe for concurrent use.
type Ledger struct {
	path string

	mu       sync.Mutex
	entries  map[fingerprint.Fingerprint]Entry
	inFlight map[fingerprint.Fingerprint]struct{}
}

// Open creates the ledger for a fresh run, writing to path.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		entries:  make(map[fingerprint.Fingerprint]Entry),
		inFlight: make(map[fingerprint.Fingerprint]struct{}),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return l, nil
}

// Resume opens the ledger at path and seeds it from a prior run's ledger
// file. A missing prior file is not an error; it simply yields no skips.
func Resume(path, priorPath string) (*Ledger, error) {
	l, err := Open(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(priorPath)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prior ledger: %w", err)
	}
	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse prior ledger %s: %w", priorPath, err)
	}
	for fp, e := range file.Entries {
		l.entries[fp] = e
	}
	return l, nil
}

// Claim implements the atomic cache-check-and-dispatch decision. It returns
// the cached entry when the fingerprint is known and every recorded output
// file still exists and is non-empty. Otherwise the fingerprint is marked
// in-flight and (nil, true) is returned; the caller owns the dispatch and
// must finish with Record or Release. A second Claim for an in-flight
// fingerprint returns (nil, false): someone else is already running it.
func (l *Ledger) Claim(fp fingerprint.Fingerprint) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[fp]; ok && outputsPresent(e) {
		return &e, false
	}
	if _, running := l.inFlight[fp]; running {
		return nil, false
	}
	l.inFlight[fp] = struct{}{}
	return nil, true
}

// Record stores the completed outputs for a claimed fingerprint and flushes
// the ledger file. The entry becomes visible only after all declared outputs
// exist; callers must verify materialization before recording.
func (l *Ledger) Record(fp fingerprint.Fingerprint, stage string, outputs map[string][]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.inFlight, fp)
	l.entries[fp] = Entry{Stage: stage, Outputs: outputs}
	return l.flushLocked()
}

// Release abandons a claim without recording, e.g. after a failed dispatch.
func (l *Ledger) Release(fp fingerprint.Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, fp)
}

// Len reports the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Path returns the location of the ledger file.
func (l *Ledger) Path() string { return l.path }

// flushLocked rewrites the ledger file via a temp file and rename so a crash
// mid-write never leaves a partially updated ledger behind.
func (l *Ledger) flushLocked() error {
	data, err := json.MarshalIndent(ledgerFile{Entries: l.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func outputsPresent(e Entry) bool {
	for _, paths := range e.Outputs {
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil || info.Size() == 0 {
				return false
			}
		}
	}
	return true
}
