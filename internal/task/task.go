// Package task invokes the opaque external command behind a pipeline stage.
// The engine treats a command as a single synchronous process; success is a
// zero exit status AND the presence of every declared output file.
package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/seqwell/pipegrid/internal/ctxlog"
)

// stderrTailLimit bounds the stderr excerpt carried into failure reports.
const stderrTailLimit = 4 * 1024

// Spec is one fully resolved external invocation.
type Spec struct {
	// ID is the task identity, e.g. "stage.classic.call[3]".
	ID string
	// Dir is the task's private working directory; declared outputs are
	// written there under fixed filenames.
	Dir string
	// Command is the fully expanded shell command.
	Command string
	// Outputs maps binding name to the output filename relative to Dir.
	Outputs map[string]string
	// Env holds extra KEY=VALUE pairs appended to the process environment.
	Env []string
}

// Result describes a successful invocation.
type Result struct {
	// Outputs maps binding name to the absolute materialized path.
	Outputs map[string]string
	Elapsed time.Duration
}

// CommandError reports a process that exited non-zero or omitted a declared
// output after exiting.
type CommandError struct {
	ID         string
	ExitCode   int
	StderrTail string
	Reason     string
}

func (e *CommandError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("task %s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("task %s: command exited with status %d: %s", e.ID, e.ExitCode, e.StderrTail)
}

// Runner executes task specs. The engine depends on this interface so tests
// can substitute the external toolchain.
type Runner interface {
	Run(ctx context.Context, spec *Spec) (*Result, error)
}

// ExecRunner runs specs through a shell, blocking until the process exits.
type ExecRunner struct {
	// Shell is the interpreter for command templates; defaults to /bin/sh.
	Shell string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, spec *Spec) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("task", spec.ID)

	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	logger.Debug("Invoking external command.", "command", spec.Command, "dir", spec.Dir)
	start := time.Now()

	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &CommandError{
			ID:         spec.ID,
			ExitCode:   exitCode,
			StderrTail: tail(stderr.Bytes()),
		}
	}

	outputs, err := verifyOutputs(spec)
	if err != nil {
		return nil, err
	}

	logger.Debug("External command finished.", "elapsed", elapsed)
	return &Result{Outputs: outputs, Elapsed: elapsed}, nil
}

// verifyOutputs checks that every declared output exists and is non-empty.
// No partial output is ever surfaced: the first missing file fails the task.
func verifyOutputs(spec *Spec) (map[string]string, error) {
	outputs := make(map[string]string, len(spec.Outputs))
	for binding, rel := range spec.Outputs {
		path := filepath.Join(spec.Dir, rel)
		info, err := os.Stat(path)
		if err != nil {
			return nil, &CommandError{
				ID:     spec.ID,
				Reason: fmt.Sprintf("declared output %q (%s) was not produced", binding, rel),
			}
		}
		if info.Size() == 0 {
			return nil, &CommandError{
				ID:     spec.ID,
				Reason: fmt.Sprintf("declared output %q (%s) is empty", binding, rel),
			}
		}
		outputs[binding] = path
	}
	return outputs, nil
}

func tail(b []byte) string {
	if len(b) > stderrTailLimit {
		b = b[len(b)-stderrTailLimit:]
	}
	return strings.TrimSpace(string(b))
}
