// Package flow implements the directed graph that executes one
// conversational turn. Nodes mutate the shared State; conditional edges
// pick the next node from an explicitly enumerated label set, so every
// legal transition is visible at wiring time and a run provably
// terminates.
package flow

import (
	"context"
	"fmt"

	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
)

// End is the terminal label. A predicate returning End finishes the run.
const End = "__end__"

// NodeFunc executes one stage against the run state. The patch a node
// produces is applied by mutating the state in place; later nodes see
// earlier patches immediately. A returned error aborts the run.
type NodeFunc func(ctx context.Context, s *State) error

// Predicate picks the label of the next node after a branch point.
type Predicate func(s *State) string

type node struct {
	fn      NodeFunc
	next    string          // static edge target, "" if conditional or terminal
	pred    Predicate       // conditional edge, nil if static
	allowed map[string]bool // labels pred may legally return
}

// Graph is a buildable node graph. Call Compile before Run.
type Graph struct {
	entry    string
	nodes    map[string]*node
	compiled bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode registers a named node.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = &node{fn: fn}
	return g
}

// SetEntry declares the start node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// AddEdge adds an unconditional edge from one node to another (or End).
func (g *Graph) AddEdge(from, to string) *Graph {
	if n, ok := g.nodes[from]; ok {
		n.next = to
		n.pred = nil
		n.allowed = nil
	}
	return g
}

// AddConditionalEdges attaches a predicate to a node. The predicate may
// only return one of the given labels; anything else fails the run.
func (g *Graph) AddConditionalEdges(from string, pred Predicate, labels ...string) *Graph {
	if n, ok := g.nodes[from]; ok {
		n.next = ""
		n.pred = pred
		n.allowed = make(map[string]bool, len(labels))
		for _, l := range labels {
			n.allowed[l] = true
		}
	}
	return g
}

// Compile validates the wiring: the entry exists, every node has exactly
// one outgoing edge (static or conditional), and every edge target is a
// known node or End.
func (g *Graph) Compile() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry node")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %q not registered", g.entry)
	}
	for name, n := range g.nodes {
		if n.fn == nil {
			return fmt.Errorf("node %q has no function", name)
		}
		switch {
		case n.pred != nil:
			if len(n.allowed) == 0 {
				return fmt.Errorf("node %q: conditional edge with empty label set", name)
			}
			for label := range n.allowed {
				if label == End {
					continue
				}
				if _, ok := g.nodes[label]; !ok {
					return fmt.Errorf("node %q: edge label %q not registered", name, label)
				}
			}
		case n.next != "":
			if n.next != End {
				if _, ok := g.nodes[n.next]; !ok {
					return fmt.Errorf("node %q: edge target %q not registered", name, n.next)
				}
			}
		default:
			return fmt.Errorf("node %q has no outgoing edge", name)
		}
	}
	g.compiled = true
	return nil
}

// Run executes the graph against the state until End. Node faults abort
// the run; side effects already persisted by earlier nodes remain.
func (g *Graph) Run(ctx context.Context, s *State) error {
	if !g.compiled {
		return fmt.Errorf("graph not compiled")
	}

	// The graph is acyclic apart from the terminal shortcut, so a run
	// can never visit more nodes than exist. The cap turns a wiring bug
	// into an error instead of a hang.
	maxSteps := len(g.nodes) + 1

	cur := g.entry
	for step := 0; cur != End; step++ {
		if step >= maxSteps {
			return fmt.Errorf("run exceeded %d steps at node %q: cycle in graph wiring", maxSteps, cur)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n := g.nodes[cur]
		logging.FlowDebug("executing node %q (step %d)", cur, step)
		if err := n.fn(ctx, s); err != nil {
			logging.Get(logging.CategoryFlow).Error("node %q failed: %v", cur, err)
			return fmt.Errorf("node %q: %w", cur, err)
		}

		if n.pred != nil {
			next := n.pred(s)
			if !n.allowed[next] {
				return fmt.Errorf("node %q: predicate returned unknown label %q", cur, next)
			}
			logging.FlowDebug("node %q -> %q (conditional)", cur, next)
			cur = next
			continue
		}
		logging.FlowDebug("node %q -> %q", cur, n.next)
		cur = n.next
	}

	logging.Flow("run complete: sender=%s history=%d modality=%s", s.SenderID, len(s.History), s.Modality)
	return nil
}
