// Package enqueue turns test suites into graph nodes and promotes nodes
// whose dependencies have resolved.
package enqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/logger"
)

// TestSuite produces the test cases of one suite under one configuration.
// Discovery and expectation parsing live behind this interface.
type TestSuite interface {
	Name() string

	// EnumerateTestCases calls fn for every test case in the suite.
	// The cache is shared across suites so that test information
	// discovered for one configuration is reused by the others.
	EnumerateTestCases(ctx context.Context, cache *sync.Map, fn func(*harness.TestCase) error) error
}

// TestCaseEnqueuer expands suites into test cases, deduplicates commands
// and wires per-test dependency chains into the graph.
type TestCaseEnqueuer struct {
	graph    *graph.Graph
	repeat   int
	listener harness.EventListener

	mu        sync.Mutex
	nodes     map[string]*graph.Node
	testCases map[string][]*harness.TestCase
	infoCache sync.Map
}

// NewTestCaseEnqueuer builds an enqueuer. Repeat must be at least 1.
func NewTestCaseEnqueuer(g *graph.Graph, repeat int, listener harness.EventListener) *TestCaseEnqueuer {
	if repeat < 1 {
		panic("enqueue: repeat must be at least 1")
	}
	if listener == nil {
		listener = harness.NopListener{}
	}
	return &TestCaseEnqueuer{
		graph:     g,
		repeat:    repeat,
		listener:  listener,
		nodes:     make(map[string]*graph.Node),
		testCases: make(map[string][]*harness.TestCase),
	}
}

// Enqueue discovers all suites, adds their test cases to the graph in
// suite order, then seals the graph.
func (e *TestCaseEnqueuer) Enqueue(ctx context.Context, suites []TestSuite) error {
	discovered := make([][]*harness.TestCase, len(suites))

	eg, gctx := errgroup.WithContext(ctx)
	for i, suite := range suites {
		eg.Go(func() error {
			return suite.EnumerateTestCases(gctx, &e.infoCache, func(tc *harness.TestCase) error {
				discovered[i] = append(discovered[i], tc)
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, suite := range suites {
		logger.Info(ctx, "Enqueuing suite", "suite", suite.Name(), "testCases", len(discovered[i]))
		for _, tc := range discovered[i] {
			e.enqueueTestCase(tc)
		}
	}

	e.listener.AllTestsKnown()
	e.graph.Seal()
	return nil
}

// enqueueTestCase expands the test case by the repeat count. Copy i>0
// uses indexed-copy commands so its nodes are distinct, and its first
// command holds a timing dependency on the last command of copy i-1:
// the next iteration starts whenever the previous one is done,
// regardless of outcome.
func (e *TestCaseEnqueuer) enqueueTestCase(tc *harness.TestCase) {
	var lastNode *graph.Node
	for i := 0; i < e.repeat; i++ {
		cp := tc
		if i > 0 {
			cp = tc.IndexedCopy(i)
		}
		e.listener.TestAdded()
		lastNode = e.enqueueCopy(cp, lastNode)
	}
}

func (e *TestCaseEnqueuer) enqueueCopy(tc *harness.TestCase, previousLast *graph.Node) *graph.Node {
	var prev *graph.Node
	for j, cmd := range tc.Commands {
		key := cmd.Key()

		// Subscribe before the node can start running.
		e.mu.Lock()
		e.testCases[key] = append(e.testCases[key], tc)
		node, ok := e.nodes[key]
		e.mu.Unlock()

		if !ok {
			var deps []*graph.Node
			timing := false
			switch {
			case j > 0:
				deps = []*graph.Node{prev}
			case previousLast != nil:
				deps = []*graph.Node{previousLast}
				timing = true
			}
			node = e.graph.Add(cmd, deps, timing)
			e.mu.Lock()
			e.nodes[key] = node
			e.mu.Unlock()
		}
		prev = node
	}
	return prev
}

// TestCasesOf returns every test case that references the command.
func (e *TestCaseEnqueuer) TestCasesOf(cmd *harness.Command) []*harness.TestCase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*harness.TestCase(nil), e.testCases[cmd.Key()]...)
}

// TimeoutFor returns the largest timeout among the test cases that
// reference the command. A command referenced by no test case is a
// programmer error.
func (e *TestCaseEnqueuer) TimeoutFor(cmd *harness.Command, base time.Duration) time.Duration {
	e.mu.Lock()
	subscribers := e.testCases[cmd.Key()]
	e.mu.Unlock()
	if len(subscribers) == 0 {
		panic("enqueue: no test case references command " + cmd.DisplayName)
	}
	var timeout time.Duration
	for _, tc := range subscribers {
		if t := tc.Timeout(base); t > timeout {
			timeout = t
		}
	}
	return timeout
}
