package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/seqwell/pipegrid/internal/fingerprint"
)

// resolveInputs maps every input binding of the node to concrete file paths.
// Producer-backed bindings read the producer node's materialized outputs;
// literal bindings are checked for presence. An empty resolution is a
// MissingInputError raised before any external invocation.
func (e *Executor) resolveInputs(node *Node) (map[string][]string, error) {
	resolved := make(map[string][]string, len(node.Stage.Inputs))
	for binding, ref := range node.Stage.Inputs {
		var paths []string
		if ref.isStage() {
			producer := e.graph.Nodes[ref.producerID()]
			paths = producer.Outputs[ref.Output]
		} else {
			for _, p := range ref.Paths {
				info, err := os.Stat(p)
				if err != nil || info.Size() == 0 {
					return nil, &MissingInputError{
						Stage:   node.ID,
						Binding: binding,
						Reason:  fmt.Sprintf("input file %s is missing or empty", p),
					}
				}
			}
			paths = ref.Paths
		}
		if len(paths) == 0 {
			return nil, &MissingInputError{Stage: node.ID, Binding: binding, Reason: "producer yielded no output"}
		}
		resolved[binding] = paths
	}
	return resolved, nil
}

// expandCommand renders a stage's command template against resolved inputs,
// declared outputs, referenced params, and replica-specific values. An
// unknown placeholder is an error rather than a silent empty expansion.
func expandCommand(s *Stage, inputs map[string][]string, replica map[string]string) (string, error) {
	var unknown []string
	expanded := os.Expand(s.Command, func(key string) string {
		switch {
		case strings.HasPrefix(key, "in."):
			name := key[len("in."):]
			paths, ok := inputs[name]
			if !ok {
				unknown = append(unknown, key)
				return ""
			}
			return joinPaths(paths, s.InputJoin[name])
		case strings.HasPrefix(key, "out."):
			name := key[len("out."):]
			rel, ok := s.Outputs[name]
			if !ok {
				unknown = append(unknown, key)
				return ""
			}
			return rel
		case strings.HasPrefix(key, "param."):
			name := key[len("param."):]
			val, ok := s.Params[name]
			if !ok {
				unknown = append(unknown, key)
				return ""
			}
			return val
		default:
			if val, ok := replica[key]; ok {
				return val
			}
			unknown = append(unknown, key)
			return ""
		}
	})
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return "", fmt.Errorf("stage %s command references unknown placeholders: %s", s.ID(), strings.Join(unknown, ", "))
	}
	return expanded, nil
}

// joinPaths renders a multi-file binding for the command line. With a flag,
// the flag is repeated before each path (multi-input tools); otherwise the
// paths are space-joined in partition order.
func joinPaths(paths []string, flag string) string {
	if flag == "" {
		return strings.Join(paths, " ")
	}
	parts := make([]string, 0, len(paths)*2)
	for _, p := range paths {
		parts = append(parts, flag, p)
	}
	return strings.Join(parts, " ")
}

// digestCache memoizes content digests: a gathered output is read by every
// consumer, but its bytes only need hashing once per run.
type digestCache struct {
	mu      sync.Mutex
	digests map[string]string
}

func newDigestCache() *digestCache {
	return &digestCache{digests: make(map[string]string)}
}

func (c *digestCache) digest(path string) (string, error) {
	c.mu.Lock()
	if d, ok := c.digests[path]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	d, err := fingerprint.DigestFile(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.digests[path] = d
	c.mu.Unlock()
	return d, nil
}

// fingerprintFor computes the dispatch identity of one task (replica) from
// its stage identity, command template, referenced params, resource label,
// and the content digests of its resolved inputs.
func (e *Executor) fingerprintFor(taskID string, s *Stage, inputs map[string][]string) (fingerprint.Fingerprint, error) {
	resolved := make(map[string][]fingerprint.ResolvedInput, len(inputs))
	for binding, paths := range inputs {
		files := make([]fingerprint.ResolvedInput, 0, len(paths))
		for _, p := range paths {
			d, err := e.digests.digest(p)
			if err != nil {
				return "", err
			}
			files = append(files, fingerprint.ResolvedInput{Path: p, Digest: d})
		}
		resolved[binding] = files
	}
	return fingerprint.Compute(fingerprint.Input{
		Stage:   taskID,
		Label:   s.label(),
		Command: s.Command,
		Params:  s.Params,
		Inputs:  resolved,
	}), nil
}
