// Package graph holds the typed DAG of commands the harness schedules.
// Nodes move monotonically from initialized through enqueued and
// processing to one of the terminal states.
package graph

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/testkit-dev/testkit/internal/harness"
)

// NodeState is the scheduling state of one command node.
type NodeState int

const (
	StateInitialized NodeState = iota
	StateWaiting
	StateEnqueuing
	StateProcessing
	StateSuccessful
	StateFailed
	StateUnableToRun
)

func (s NodeState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateWaiting:
		return "waiting"
	case StateEnqueuing:
		return "enqueuing"
	case StateProcessing:
		return "processing"
	case StateSuccessful:
		return "successful"
	case StateFailed:
		return "failed"
	case StateUnableToRun:
		return "unable_to_run"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a node in this state will never change again.
func (s NodeState) IsTerminal() bool {
	switch s {
	case StateSuccessful, StateFailed, StateUnableToRun:
		return true
	}
	return false
}

var validTransitions = map[NodeState]map[NodeState]bool{
	StateInitialized: {StateWaiting: true, StateEnqueuing: true, StateUnableToRun: true},
	StateWaiting:     {StateEnqueuing: true, StateUnableToRun: true},
	StateEnqueuing:   {StateProcessing: true},
	StateProcessing:  {StateSuccessful: true, StateFailed: true},
}

// Node is one command in the graph together with its edges and state.
// The graph owns its nodes; observers look nodes up through events and
// must not hold owning back-references.
type Node struct {
	ID      int
	Command *harness.Command

	// Dependencies are the nodes this one waits for; NeededFor are the
	// nodes waiting for this one.
	Dependencies []*Node
	NeededFor    []*Node

	// TimingDependency relaxes promotion: the node may advance once its
	// dependencies finish regardless of their success.
	TimingDependency bool

	state atomic.Int32
}

// State returns the node's current state.
func (n *Node) State() NodeState {
	return NodeState(n.state.Load())
}

type event struct {
	added   *Node
	changed *Node
	from    NodeState
	to      NodeState
	sealed  bool
}

// Graph is the dependency graph of commands. Add, ChangeState and Seal
// emit events in the order the mutations occur; handlers run serially.
type Graph struct {
	mu          sync.Mutex
	nodes       []*Node
	counts      map[NodeState]int
	sealed      bool
	nextID      int
	pending     []event
	dispatching bool

	addedListeners   []func(*Node)
	changedListeners []func(*Node, NodeState, NodeState)
	sealedListeners  []func()
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{counts: make(map[NodeState]int)}
}

// OnAdded registers a handler for new nodes. Register listeners before
// mutating the graph.
func (g *Graph) OnAdded(fn func(*Node)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addedListeners = append(g.addedListeners, fn)
}

// OnChanged registers a handler for state transitions.
func (g *Graph) OnChanged(fn func(node *Node, from, to NodeState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.changedListeners = append(g.changedListeners, fn)
}

// OnSealed registers a handler invoked once when the graph is sealed.
func (g *Graph) OnSealed(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealedListeners = append(g.sealedListeners, fn)
}

// Add inserts a node for the command. Callers deduplicate by command
// identity before calling Add; the graph trusts them to.
func (g *Graph) Add(cmd *harness.Command, deps []*Node, timingDependency bool) *Node {
	g.mu.Lock()
	if g.sealed {
		g.mu.Unlock()
		panic("graph: add after seal")
	}
	node := &Node{
		ID:               g.nextID,
		Command:          cmd,
		Dependencies:     deps,
		TimingDependency: timingDependency,
	}
	node.state.Store(int32(StateInitialized))
	g.nextID++
	for _, dep := range deps {
		dep.NeededFor = append(dep.NeededFor, node)
	}
	g.nodes = append(g.nodes, node)
	g.counts[StateInitialized]++
	g.pending = append(g.pending, event{added: node})
	g.dispatchLocked()
	return node
}

// ChangeState transitions the node. Non-monotone transitions indicate a
// scheduler bug and abort the run.
func (g *Graph) ChangeState(node *Node, to NodeState) {
	g.mu.Lock()
	from := NodeState(node.state.Load())
	if !validTransitions[from][to] {
		g.mu.Unlock()
		panic(fmt.Sprintf("graph: invalid transition %s -> %s for %s",
			from, to, node.Command.DisplayName))
	}
	node.state.Store(int32(to))
	g.counts[from]--
	g.counts[to]++
	g.pending = append(g.pending, event{changed: node, from: from, to: to})
	g.dispatchLocked()
}

// Seal forbids further Add calls and emits the sealed event.
func (g *Graph) Seal() {
	g.mu.Lock()
	if g.sealed {
		g.mu.Unlock()
		panic("graph: sealed twice")
	}
	g.sealed = true
	g.pending = append(g.pending, event{sealed: true})
	g.dispatchLocked()
}

// IsSealed reports whether the graph has been sealed.
func (g *Graph) IsSealed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sealed
}

// StateCount returns the number of nodes currently in the state.
func (g *Graph) StateCount(state NodeState) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[state]
}

// Nodes returns a snapshot of all nodes.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.nodes...)
}

// Dependents returns a snapshot of the nodes waiting for this one.
// NeededFor grows while the graph is still being populated, so readers
// outside the graph's lock go through here.
func (g *Graph) Dependents(node *Node) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), node.NeededFor...)
}

// dispatchLocked drains pending events. Called with g.mu held; releases
// it before invoking handlers so that handlers may mutate the graph.
// Re-entrant mutations only append to the queue, which keeps delivery in
// transition order.
func (g *Graph) dispatchLocked() {
	if g.dispatching {
		g.mu.Unlock()
		return
	}
	g.dispatching = true
	for len(g.pending) > 0 {
		ev := g.pending[0]
		g.pending = g.pending[1:]
		added := g.addedListeners
		changed := g.changedListeners
		sealed := g.sealedListeners
		g.mu.Unlock()

		switch {
		case ev.added != nil:
			for _, fn := range added {
				fn(ev.added)
			}
		case ev.changed != nil:
			for _, fn := range changed {
				fn(ev.changed, ev.from, ev.to)
			}
		case ev.sealed:
			for _, fn := range sealed {
				fn()
			}
		}

		g.mu.Lock()
	}
	g.dispatching = false
	g.mu.Unlock()
}
