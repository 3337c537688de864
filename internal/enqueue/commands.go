package enqueue

import (
	"github.com/testkit-dev/testkit/internal/graph"
)

// CommandEnqueuer watches graph events and promotes nodes whose
// dependencies have all reached a terminal state.
type CommandEnqueuer struct {
	graph *graph.Graph
}

// NewCommandEnqueuer subscribes the enqueuer to the graph.
func NewCommandEnqueuer(g *graph.Graph) *CommandEnqueuer {
	e := &CommandEnqueuer{graph: g}
	g.OnAdded(e.consider)
	g.OnChanged(func(node *graph.Node, _, to graph.NodeState) {
		if !to.IsTerminal() {
			return
		}
		for _, dependent := range g.Dependents(node) {
			e.consider(dependent)
		}
	})
	return e
}

// consider promotes the node when possible:
//   - to enqueuing if all dependencies are successful, or if all are
//     terminal and the node only holds a timing dependency;
//   - to unableToRun if a dependency failed and the node does not hold a
//     timing dependency;
//   - from initialized to waiting otherwise.
func (e *CommandEnqueuer) consider(node *graph.Node) {
	state := node.State()
	if state != graph.StateInitialized && state != graph.StateWaiting {
		return
	}

	allTerminal := true
	allSuccessful := true
	for _, dep := range node.Dependencies {
		s := dep.State()
		if !s.IsTerminal() {
			allTerminal = false
		}
		if s != graph.StateSuccessful {
			allSuccessful = false
		}
	}

	switch {
	case allTerminal && (allSuccessful || node.TimingDependency):
		e.graph.ChangeState(node, graph.StateEnqueuing)
	case allTerminal:
		e.graph.ChangeState(node, graph.StateUnableToRun)
	case state == graph.StateInitialized:
		e.graph.ChangeState(node, graph.StateWaiting)
	}
}
