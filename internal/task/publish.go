package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"

	"github.com/seqwell/pipegrid/internal/ctxlog"
)

// Publisher copies completed outputs to the run-scoped published location
// derived from the branch prefix and stage name. Publishing has
// at-least-once semantics: repeating a copy on resume is safe, and graph
// wiring never reads the published copy.
type Publisher struct {
	// Prefix is the publish root, typically <output_prefix>.
	Prefix string
	// MaxRetries bounds the copy retry attempts per file.
	MaxRetries uint64
}

// Publish copies every output of a completed task under
// <prefix>/<branch>/<stage>/. Existing copies are overwritten.
func (p *Publisher) Publish(ctx context.Context, branch, stage string, outputs map[string][]string) error {
	if p.Prefix == "" {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	destDir := filepath.Join(p.Prefix, branch, stage)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create publish dir: %w", err)
	}

	retries := p.MaxRetries
	if retries == 0 {
		retries = 3
	}

	for binding, paths := range outputs {
		for _, src := range paths {
			dest := filepath.Join(destDir, filepath.Base(src))
			op := func() error { return copyFile(src, dest) }
			policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
			if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
				return fmt.Errorf("publish %s output %q: %w", stage, binding, err)
			}
			logger.Debug("Published output.", "stage", stage, "binding", binding, "dest", dest)
		}
	}
	return nil
}

// copyFile writes through a temp file and renames so a torn copy is never
// visible at the published path.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".publish-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dest)
}
