package engine

import (
	"context"
	"fmt"

	"github.com/seqwell/pipegrid/internal/ctxlog"
)

// Port addresses one binding of one stage for explicit wiring.
type Port struct {
	Branch  string
	Stage   string
	Binding string
}

type wire struct {
	producer Port
	consumer Port
}

// Builder accumulates stage declarations and explicit wires, then produces a
// validated, immutable Graph. Branch sub-pipelines are composed by adding
// their stages to the same builder: cross-branch references are ordinary
// edges and need no special treatment.
type Builder struct {
	stages []*Stage
	byID   map[string]*Stage
	wires  []wire
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byID: make(map[string]*Stage)}
}

// AddStage registers a stage template. Duplicate identities are rejected.
func (b *Builder) AddStage(s *Stage) error {
	if s.Name == "" || s.Branch == "" {
		return fmt.Errorf("stage requires both a name and a branch, got %q/%q", s.Branch, s.Name)
	}
	id := s.ID()
	if _, exists := b.byID[id]; exists {
		return fmt.Errorf("duplicate stage %s", id)
	}
	if s.Scatter {
		if s.ScatterBinding == "" {
			return fmt.Errorf("scatter stage %s must name its partition binding", id)
		}
		if s.Merge == MergeNone {
			return fmt.Errorf("scatter stage %s must declare a merge strategy", id)
		}
	}
	if s.Kind == KindPartition && s.ChunkSize <= 0 {
		return fmt.Errorf("partition stage %s requires a positive chunk size", id)
	}
	b.byID[id] = s
	b.stages = append(b.stages, s)
	return nil
}

// Wire binds a producer output to a consumer input after the fact, on top of
// the bindings declared inline on the consumer stage.
func (b *Builder) Wire(producer, consumer Port) {
	b.wires = append(b.wires, wire{producer: producer, consumer: consumer})
}

// Build validates the declared stages and assembles the dependency graph.
// Missing required bindings surface as MissingInputError and cycles as
// CyclicGraphError; both abort before any dispatch.
func (b *Builder) Build(ctx context.Context) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: starting graph construction.", "stage_count", len(b.stages))

	// Apply explicit wires onto the consumer stages' input bindings.
	for _, w := range b.wires {
		consumer, ok := b.byID[nodeID(w.consumer.Branch, w.consumer.Stage)]
		if !ok {
			return nil, fmt.Errorf("wire targets unknown stage %s", nodeID(w.consumer.Branch, w.consumer.Stage))
		}
		if consumer.Inputs == nil {
			consumer.Inputs = make(map[string]Ref)
		}
		consumer.Inputs[w.consumer.Binding] = StageRef(w.producer.Branch, w.producer.Stage, w.producer.Binding)
	}

	graph := &Graph{Nodes: make(map[string]*Node, len(b.stages))}
	for _, s := range b.stages {
		graph.Nodes[s.ID()] = &Node{
			ID:         s.ID(),
			Stage:      s,
			Deps:       make(map[string]*Node),
			Dependents: make(map[string]*Node),
		}
	}

	// Link nodes from declared bindings and validate each binding has a
	// satisfiable source.
	for _, s := range b.stages {
		node := graph.Nodes[s.ID()]
		for binding, ref := range s.Inputs {
			if err := b.linkBinding(graph, node, binding, ref); err != nil {
				return nil, err
			}
		}
		if s.Scatter {
			if err := b.validateScatterBinding(s); err != nil {
				return nil, err
			}
		}
	}
	logger.Debug("Build: node linking complete.")

	for _, node := range graph.Nodes {
		node.setInitialCounters()
	}

	if err := graph.detectCycles(); err != nil {
		return nil, err
	}
	logger.Debug("Build: cycle detection passed.")

	return graph, nil
}

func (b *Builder) linkBinding(graph *Graph, node *Node, binding string, ref Ref) error {
	if !ref.isStage() {
		if len(ref.Paths) == 0 {
			return &MissingInputError{Stage: node.ID, Binding: binding, Reason: "binding resolves to an empty file set"}
		}
		for _, p := range ref.Paths {
			if p == "" {
				return &MissingInputError{Stage: node.ID, Binding: binding, Reason: "binding contains an empty path"}
			}
		}
		return nil
	}

	producer, ok := graph.Nodes[ref.producerID()]
	if !ok {
		return &MissingInputError{
			Stage:   node.ID,
			Binding: binding,
			Reason:  fmt.Sprintf("references unknown producer %s", ref.producerID()),
		}
	}
	if producer == node {
		return &CyclicGraphError{Node: node.ID}
	}
	if _, declared := producer.Stage.Outputs[ref.Output]; !declared && !(producer.Stage.Kind == KindPartition && ref.Output == PartitionOutput) {
		return &MissingInputError{
			Stage:   node.ID,
			Binding: binding,
			Reason:  fmt.Sprintf("producer %s declares no output %q", producer.ID, ref.Output),
		}
	}

	if _, exists := node.Deps[producer.ID]; !exists {
		node.Deps[producer.ID] = producer
		producer.Dependents[node.ID] = node
	}
	return nil
}

func (b *Builder) validateScatterBinding(s *Stage) error {
	ref, ok := s.Inputs[s.ScatterBinding]
	if !ok {
		return &MissingInputError{Stage: s.ID(), Binding: s.ScatterBinding, Reason: "scatter binding is not declared as an input"}
	}
	if !ref.isStage() {
		return &MissingInputError{Stage: s.ID(), Binding: s.ScatterBinding, Reason: "scatter binding must consume a partition stage"}
	}
	producer, ok := b.byID[ref.producerID()]
	if !ok || producer.Kind != KindPartition {
		return &MissingInputError{Stage: s.ID(), Binding: s.ScatterBinding, Reason: "scatter binding must consume a partition stage"}
	}
	return nil
}

// Graph is the validated, immutable task graph.
type Graph struct {
	Nodes map[string]*Node
}

// Node returns a node by identity.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// detectCycles checks for circular dependencies in the graph using DFS.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node *Node) error
	visit = func(node *Node) error {
		visiting[node.ID] = true
		for _, dep := range node.Deps {
			if visiting[dep.ID] {
				return &CyclicGraphError{Node: dep.ID}
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, node.ID)
		visited[node.ID] = true
		return nil
	}

	for _, node := range g.Nodes {
		if !visited[node.ID] {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}
