// Package complete joins command outputs back into finished test cases.
package complete

import (
	"context"
	"sync"

	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/logger"
)

// TestCaseIndex resolves a command to the test cases that reference it.
// The test case enqueuer provides it.
type TestCaseIndex interface {
	TestCasesOf(cmd *harness.Command) []*harness.TestCase
}

// Completer collects command outputs, attaches them to the referring
// test cases and emits every test case exactly once when it finishes.
type Completer struct {
	ctx      context.Context
	index    TestCaseIndex
	listener harness.EventListener

	mu        sync.Mutex
	outputs   map[string]*harness.CommandOutput
	remaining map[*harness.TestCase]struct{}
	emitted   map[*harness.TestCase]bool
	enqueued  int
	delivered int
	sealed    bool
	allDone   bool
}

// New wires a completer to the graph. It tracks test cases from node
// additions and resolves them on terminal transitions; the queue
// delivers each output through OnOutput before the transition.
func New(ctx context.Context, g *graph.Graph, index TestCaseIndex, listener harness.EventListener) *Completer {
	if listener == nil {
		listener = harness.NopListener{}
	}
	c := &Completer{
		ctx:       ctx,
		index:     index,
		listener:  listener,
		outputs:   make(map[string]*harness.CommandOutput),
		remaining: make(map[*harness.TestCase]struct{}),
		emitted:   make(map[*harness.TestCase]bool),
	}
	g.OnAdded(func(node *graph.Node) {
		c.mu.Lock()
		c.enqueued++
		for _, tc := range index.TestCasesOf(node.Command) {
			if !c.emitted[tc] {
				c.remaining[tc] = struct{}{}
			}
		}
		c.mu.Unlock()
	})
	g.OnChanged(func(node *graph.Node, from, to graph.NodeState) {
		switch to {
		case graph.StateSuccessful, graph.StateFailed:
			c.commandFinished(node.Command)
		case graph.StateUnableToRun:
			c.commandUnableToRun(node.Command)
		}
	})
	g.OnSealed(func() {
		c.mu.Lock()
		c.sealed = true
		c.mu.Unlock()
		c.maybeAllDone()
	})
	return c
}

// OnOutput stores a command's output. Called by the queue before the
// graph transition the output triggers.
func (c *Completer) OnOutput(output *harness.CommandOutput) {
	c.mu.Lock()
	c.outputs[output.Command.Key()] = output
	c.mu.Unlock()
}

// commandFinished attaches the stored output to every referring test
// case and emits those that are now finished.
func (c *Completer) commandFinished(cmd *harness.Command) {
	c.mu.Lock()
	output := c.outputs[cmd.Key()]
	c.delivered++
	c.mu.Unlock()

	if output == nil {
		logger.Error(c.ctx, "Command finished without an output", "command", cmd.DisplayName)
		return
	}

	for _, tc := range c.index.TestCasesOf(cmd) {
		tc.SetOutput(cmd, output)
		// A test case that finished early (a failed compile, say) was
		// already emitted; later resolutions of its commands are not
		// double emissions.
		if c.alreadyEmitted(tc) {
			continue
		}
		c.track(tc)
		if tc.IsFinished() {
			c.emit(tc)
		}
	}
	c.maybeAllDone()
}

// track keeps the remaining set complete even for test cases whose
// commands were all deduplicated onto nodes added before they
// subscribed.
func (c *Completer) track(tc *harness.TestCase) {
	c.mu.Lock()
	if !c.emitted[tc] {
		c.remaining[tc] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Completer) alreadyEmitted(tc *harness.TestCase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted[tc]
}

// commandUnableToRun resolves test cases whose chains were cut short by
// a failed dependency: they finish with only the outputs received so far.
func (c *Completer) commandUnableToRun(cmd *harness.Command) {
	c.mu.Lock()
	c.delivered++
	c.mu.Unlock()

	for _, tc := range c.index.TestCasesOf(cmd) {
		if c.alreadyEmitted(tc) {
			continue
		}
		c.track(tc)
		if tc.IsFinished() {
			c.emit(tc)
		}
	}
	c.maybeAllDone()
}

// emit delivers the finished test case exactly once. Callers filter out
// already-emitted test cases, so reaching a second emission here is a
// scheduler invariant violation.
func (c *Completer) emit(tc *harness.TestCase) {
	c.mu.Lock()
	if c.emitted[tc] {
		c.mu.Unlock()
		panic("complete: test case emitted twice: " + tc.DisplayName)
	}
	c.emitted[tc] = true
	delete(c.remaining, tc)
	c.mu.Unlock()

	c.listener.Done(tc)
}

// maybeAllDone closes the finished stream once every command output has
// been delivered and the graph is sealed.
func (c *Completer) maybeAllDone() {
	c.mu.Lock()
	if c.allDone || !c.sealed || c.delivered < c.enqueued || len(c.remaining) > 0 {
		c.mu.Unlock()
		return
	}
	c.allDone = true
	c.mu.Unlock()

	c.listener.AllDone()
}

// Remaining returns the number of test cases not yet finished.
func (c *Completer) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remaining)
}
