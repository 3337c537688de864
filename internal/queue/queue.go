// Package queue bounds the number of in-flight child processes and
// feeds ready commands to the executor.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/logger"
)

// browserRetryDelay defers the next scheduling tick when the browser cap
// is hit, to avoid a busy loop.
const browserRetryDelay = 100 * time.Millisecond

// Executor dispatches one command to the runner that serves it.
type Executor interface {
	Run(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput

	// Cleanup releases batch runners and browser controllers. Invoked
	// exactly once, after the queue drains.
	Cleanup(ctx context.Context)
}

// CommandQueue pulls enqueued graph nodes under the process caps,
// dispatches them and reports outcomes back to the graph.
type CommandQueue struct {
	graph        *graph.Graph
	executor     Executor
	timeoutFor   func(*harness.Command) time.Duration
	maxProcesses int
	maxBrowser   int

	// onOutput delivers every command output, before the graph
	// transition it triggers.
	onOutput func(*harness.CommandOutput)

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	ready         []*graph.Node
	numProcesses  int
	numBrowser    int
	tickScheduled bool
	cleanedUp     bool

	done chan struct{}
}

// New builds the queue and subscribes it to the graph.
func New(
	ctx context.Context,
	g *graph.Graph,
	executor Executor,
	timeoutFor func(*harness.Command) time.Duration,
	maxProcesses, maxBrowser int,
	onOutput func(*harness.CommandOutput),
) *CommandQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &CommandQueue{
		graph:        g,
		executor:     executor,
		timeoutFor:   timeoutFor,
		maxProcesses: maxProcesses,
		maxBrowser:   maxBrowser,
		onOutput:     onOutput,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	g.OnChanged(func(node *graph.Node, _, to graph.NodeState) {
		switch to {
		case graph.StateEnqueuing:
			q.enqueue(node)
		case graph.StateUnableToRun:
			// Cut-off dependents may be the last pre-terminal nodes.
			q.maybeFinish()
		}
	})
	g.OnSealed(func() {
		q.maybeFinish()
	})
	return q
}

// Done is closed after the queue has drained and cleanup has run.
func (q *CommandQueue) Done() <-chan struct{} {
	return q.done
}

// Abort cancels the run: in-flight children are killed through context
// cancellation and commands still queued fail fast on dispatch.
func (q *CommandQueue) Abort() {
	q.cancel()
}

// Contents returns the display names of queued commands, for diagnostics.
func (q *CommandQueue) Contents() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.ready))
	for _, node := range q.ready {
		names = append(names, node.Command.DisplayName)
	}
	return names
}

// InFlight returns the number of currently running commands.
func (q *CommandQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numProcesses
}

// enqueue marks the node processing and queues its command. Commands
// with dependencies go to the front so follow-up work stays hot.
func (q *CommandQueue) enqueue(node *graph.Node) {
	q.graph.ChangeState(node, graph.StateProcessing)
	q.mu.Lock()
	if len(node.Dependencies) > 0 {
		q.ready = append([]*graph.Node{node}, q.ready...)
	} else {
		q.ready = append(q.ready, node)
	}
	q.mu.Unlock()
	q.tick()
}

// tick dispatches commands while capacity remains. Browser commands over
// the browser cap keep their queue position, so equally ready browser
// work completes in FIFO order; the tick is rescheduled after a short
// delay to pick them up once a slot frees.
func (q *CommandQueue) tick() {
	q.mu.Lock()
	for q.numProcesses < q.maxProcesses {
		idx := -1
		browserBlocked := false
		for i, node := range q.ready {
			if node.Command.Kind == harness.KindBrowser && q.numBrowser >= q.maxBrowser {
				browserBlocked = true
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			if browserBlocked {
				q.scheduleTickLocked()
			}
			break
		}
		node := q.ready[idx]
		q.ready = append(q.ready[:idx], q.ready[idx+1:]...)
		q.numProcesses++
		if node.Command.Kind == harness.KindBrowser {
			q.numBrowser++
		}
		go q.runCommand(node)
	}
	q.mu.Unlock()
	q.maybeFinish()
}

func (q *CommandQueue) scheduleTickLocked() {
	if q.tickScheduled {
		return
	}
	q.tickScheduled = true
	time.AfterFunc(browserRetryDelay, func() {
		q.mu.Lock()
		q.tickScheduled = false
		q.mu.Unlock()
		q.tick()
	})
}

func (q *CommandQueue) runCommand(node *graph.Node) {
	cmd := node.Command
	timeout := q.timeoutFor(cmd)
	output := q.executor.Run(q.ctx, cmd, timeout)

	q.mu.Lock()
	q.numProcesses--
	if cmd.Kind == harness.KindBrowser {
		q.numBrowser--
	}
	q.mu.Unlock()

	// The completer must see the output before the graph transition it
	// triggers.
	if q.onOutput != nil {
		q.onOutput(output)
	}

	if output.CanRunDependentCommands() {
		q.graph.ChangeState(node, graph.StateSuccessful)
	} else {
		q.graph.ChangeState(node, graph.StateFailed)
	}

	q.tick()
}

// maybeFinish completes the queue when the graph is sealed, nothing is
// queued or in flight, and every node is terminal. Cleanup runs once.
func (q *CommandQueue) maybeFinish() {
	if !q.graph.IsSealed() {
		return
	}
	q.mu.Lock()
	if len(q.ready) > 0 || q.numProcesses > 0 || q.cleanedUp {
		q.mu.Unlock()
		return
	}
	pre := q.graph.StateCount(graph.StateInitialized) +
		q.graph.StateCount(graph.StateWaiting) +
		q.graph.StateCount(graph.StateEnqueuing) +
		q.graph.StateCount(graph.StateProcessing)
	if pre > 0 {
		q.mu.Unlock()
		return
	}
	q.cleanedUp = true
	q.mu.Unlock()

	logger.Info(q.ctx, "Command queue drained")
	q.executor.Cleanup(q.ctx)
	q.cancel()
	close(q.done)
}
