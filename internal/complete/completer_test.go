package complete_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testkit-dev/testkit/internal/complete"
	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/harness"
)

type testConfig string

func (c testConfig) Name() string { return string(c) }

type fakeIndex struct {
	byCommand map[string][]*harness.TestCase
}

func newFakeIndex(testCases ...*harness.TestCase) *fakeIndex {
	idx := &fakeIndex{byCommand: make(map[string][]*harness.TestCase)}
	for _, tc := range testCases {
		for _, cmd := range tc.Commands {
			idx.byCommand[cmd.Key()] = append(idx.byCommand[cmd.Key()], tc)
		}
	}
	return idx
}

func (i *fakeIndex) TestCasesOf(cmd *harness.Command) []*harness.TestCase {
	return i.byCommand[cmd.Key()]
}

type recordingListener struct {
	harness.NopListener
	mu      sync.Mutex
	done    []*harness.TestCase
	allDone int
}

func (l *recordingListener) Done(tc *harness.TestCase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, tc)
}

func (l *recordingListener) AllDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allDone++
}

func command(name string, kind harness.CommandKind) *harness.Command {
	return harness.NewCommand(harness.Command{
		Kind:        kind,
		DisplayName: name,
		Executable:  "/bin/true",
		Args:        []string{name},
	})
}

// finish drives one node through the states the queue would use and
// delivers its output first, as the queue does.
func finish(g *graph.Graph, c *complete.Completer, node *graph.Node, exitCode int) {
	g.ChangeState(node, graph.StateEnqueuing)
	g.ChangeState(node, graph.StateProcessing)
	c.OnOutput(&harness.CommandOutput{Command: node.Command, ExitCode: exitCode})
	if exitCode == 0 {
		g.ChangeState(node, graph.StateSuccessful)
	} else {
		g.ChangeState(node, graph.StateFailed)
	}
}

func TestSharedCommandResolvesBothTestCases(t *testing.T) {
	compile := command("compile a", harness.KindCompilation)
	run1 := command("run a1", harness.KindProcess)
	run2 := command("run a2", harness.KindProcess)
	t1 := harness.NewTestCase("t1", []*harness.Command{compile, run1}, testConfig("debug"), 0, 0)
	t2 := harness.NewTestCase("t2", []*harness.Command{compile, run2}, testConfig("debug"), 0, 0)

	g := graph.New()
	listener := &recordingListener{}
	c := complete.New(context.Background(), g, newFakeIndex(t1, t2), listener)

	nc := g.Add(compile, nil, false)
	n1 := g.Add(run1, []*graph.Node{nc}, false)
	n2 := g.Add(run2, []*graph.Node{nc}, false)
	g.Seal()

	finish(g, c, nc, 0)
	assert.Empty(t, listener.done)

	finish(g, c, n1, 0)
	require.Len(t, listener.done, 1)
	assert.Same(t, t1, listener.done[0])
	assert.Equal(t, 0, listener.allDone)

	finish(g, c, n2, 0)
	require.Len(t, listener.done, 2)
	assert.Same(t, t2, listener.done[1])
	assert.Equal(t, 1, listener.allDone)
	assert.Equal(t, 0, c.Remaining())
}

func TestFailedCompileFinishesEarly(t *testing.T) {
	compile := command("compile x", harness.KindCompilation)
	run := command("run x", harness.KindProcess)
	tc := harness.NewTestCase("t", []*harness.Command{compile, run}, testConfig("debug"), 0, 0)

	g := graph.New()
	listener := &recordingListener{}
	c := complete.New(context.Background(), g, newFakeIndex(tc), listener)

	nc := g.Add(compile, nil, false)
	nr := g.Add(run, []*graph.Node{nc}, false)
	g.Seal()

	finish(g, c, nc, 1)
	require.Len(t, listener.done, 1)

	// The dependent never runs; resolving it is normal control flow,
	// not a double emission.
	require.NotPanics(t, func() {
		g.ChangeState(nr, graph.StateUnableToRun)
	})
	assert.Len(t, listener.done, 1)
	assert.Equal(t, 1, listener.allDone)

	out, ok := tc.Output(compile)
	require.True(t, ok)
	assert.Equal(t, 1, out.ExitCode)
	_, ok = tc.Output(run)
	assert.False(t, ok)
}

func TestAllDoneRequiresSeal(t *testing.T) {
	run := command("run", harness.KindProcess)
	tc := harness.NewTestCase("t", []*harness.Command{run}, testConfig("debug"), 0, 0)

	g := graph.New()
	listener := &recordingListener{}
	c := complete.New(context.Background(), g, newFakeIndex(tc), listener)

	node := g.Add(run, nil, false)
	finish(g, c, node, 0)
	require.Len(t, listener.done, 1)
	assert.Equal(t, 0, listener.allDone)

	g.Seal()
	assert.Equal(t, 1, listener.allDone)
}
