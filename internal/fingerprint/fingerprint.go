// Package fingerprint derives the deterministic identity of a task from its
// stage, resolved input contents, command, and resource label. The resume
// controller keys its ledger on these fingerprints, so any change to a
// component must produce a different fingerprint and nothing else may.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
)

// Fingerprint is the hex-encoded identity of one task dispatch.
type Fingerprint string

// ResolvedInput is a single input file with its content digest.
type ResolvedInput struct {
	Path   string
	Digest string
}

// Input collects everything that participates in a task's identity.
// Timestamps, machine-specific paths of the working area, and parameters not
// referenced by the stage are deliberately excluded.
type Input struct {
	// Stage is the full task identity: branch, stage name, and replica
	// ordinal for scattered stages.
	Stage string
	// Label is the resource class the task is admitted under.
	Label string
	// Command is the command template, not the expanded command line:
	// working locations differ between runs, the work itself does not.
	Command string
	// Params holds the resolved values of only the parameters the stage
	// references, so unrelated parameter changes cannot invalidate it.
	Params map[string]string
	// Inputs maps binding name to the resolved files behind it.
	Inputs map[string][]ResolvedInput
}

// Compute hashes the input into a stable fingerprint. Every field is
// length-prefixed so adjacent fields cannot alias, and map iteration order
// is removed by sorting binding names.
func Compute(in Input) Fingerprint {
	h := sha256.New()

	writeField := func(data []byte) {
		var lenBuf [8]byte
		n := uint64(len(data))
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (56 - 8*i))
		}
		h.Write(lenBuf[:])
		h.Write(data)
	}

	writeField([]byte(in.Stage))
	writeField([]byte(in.Label))
	writeField([]byte(in.Command))

	paramNames := make([]string, 0, len(in.Params))
	for name := range in.Params {
		paramNames = append(paramNames, name)
	}
	sort.Strings(paramNames)
	writeField([]byte{byte(len(paramNames))})
	for _, name := range paramNames {
		writeField([]byte(name))
		writeField([]byte(in.Params[name]))
	}

	bindings := make([]string, 0, len(in.Inputs))
	for name := range in.Inputs {
		bindings = append(bindings, name)
	}
	sort.Strings(bindings)

	writeField([]byte{byte(len(bindings))})
	for _, name := range bindings {
		writeField([]byte(name))
		files := in.Inputs[name]
		writeField([]byte{byte(len(files))})
		for _, f := range files {
			// Only the content digest participates: moving an input file
			// without changing its bytes must not invalidate the task.
			writeField([]byte(f.Digest))
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// DigestFile streams the file at path through sha256 and returns the
// hex-encoded content digest.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest input %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest input %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
