package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/queue"
)

type fakeExecutor struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	browsers   int
	maxBrowser int
	order      []string
	delay      time.Duration
	exitCodes  map[string]int
	cleanups   int
}

func (f *fakeExecutor) Run(_ context.Context, cmd *harness.Command, _ time.Duration) *harness.CommandOutput {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	if cmd.Kind == harness.KindBrowser {
		f.browsers++
		if f.browsers > f.maxBrowser {
			f.maxBrowser = f.browsers
		}
	}
	f.order = append(f.order, cmd.DisplayName)
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.running--
	if cmd.Kind == harness.KindBrowser {
		f.browsers--
	}
	exitCode := f.exitCodes[cmd.DisplayName]
	f.mu.Unlock()

	return &harness.CommandOutput{Command: cmd, ExitCode: exitCode}
}

func (f *fakeExecutor) Cleanup(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func command(name string, kind harness.CommandKind) *harness.Command {
	return harness.NewCommand(harness.Command{
		Kind:        kind,
		DisplayName: name,
		Executable:  "/bin/true",
		Args:        []string{name},
	})
}

func constTimeout(*harness.Command) time.Duration { return time.Minute }

func awaitDone(t *testing.T, q *queue.CommandQueue) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("queue did not drain in time")
	}
}

func TestProcessCapIsNeverExceeded(t *testing.T) {
	g := graph.New()
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	q := queue.New(context.Background(), g, exec, constTimeout, 3, 1, nil)

	var nodes []*graph.Node
	for i := 0; i < 10; i++ {
		nodes = append(nodes, g.Add(command(string(rune('a'+i)), harness.KindProcess), nil, false))
	}
	for _, node := range nodes {
		g.ChangeState(node, graph.StateEnqueuing)
	}
	g.Seal()
	awaitDone(t, q)

	assert.LessOrEqual(t, exec.maxRunning, 3)
	assert.Equal(t, 1, exec.cleanups)
	for _, node := range nodes {
		assert.Equal(t, graph.StateSuccessful, node.State())
	}
}

func TestBrowserCapAndFIFOOrder(t *testing.T) {
	g := graph.New()
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	q := queue.New(context.Background(), g, exec, constTimeout, 4, 1, nil)

	names := []string{"browser 1", "browser 2", "browser 3"}
	for _, name := range names {
		node := g.Add(command(name, harness.KindBrowser), nil, false)
		g.ChangeState(node, graph.StateEnqueuing)
	}
	g.Seal()
	awaitDone(t, q)

	assert.Equal(t, 1, exec.maxBrowser)
	assert.Equal(t, names, exec.order)
}

func TestFailureIsReportedToGraph(t *testing.T) {
	g := graph.New()
	exec := &fakeExecutor{exitCodes: map[string]int{"bad": 1}}
	q := queue.New(context.Background(), g, exec, constTimeout, 2, 1, nil)

	good := g.Add(command("good", harness.KindProcess), nil, false)
	bad := g.Add(command("bad", harness.KindProcess), nil, false)
	g.ChangeState(good, graph.StateEnqueuing)
	g.ChangeState(bad, graph.StateEnqueuing)
	g.Seal()
	awaitDone(t, q)

	assert.Equal(t, graph.StateSuccessful, good.State())
	assert.Equal(t, graph.StateFailed, bad.State())
}

func TestOutputDeliveredBeforeGraphTransition(t *testing.T) {
	g := graph.New()
	exec := &fakeExecutor{}

	var mu sync.Mutex
	delivered := make(map[string]bool)
	var transitionsAfterOutput []bool

	g.OnChanged(func(node *graph.Node, _, to graph.NodeState) {
		if to == graph.StateSuccessful || to == graph.StateFailed {
			mu.Lock()
			transitionsAfterOutput = append(transitionsAfterOutput, delivered[node.Command.Key()])
			mu.Unlock()
		}
	})

	q := queue.New(context.Background(), g, exec, constTimeout, 2, 1,
		func(out *harness.CommandOutput) {
			mu.Lock()
			delivered[out.Command.Key()] = true
			mu.Unlock()
		})

	for i := 0; i < 4; i++ {
		node := g.Add(command(string(rune('a'+i)), harness.KindProcess), nil, false)
		g.ChangeState(node, graph.StateEnqueuing)
	}
	g.Seal()
	awaitDone(t, q)

	require.Len(t, transitionsAfterOutput, 4)
	for _, after := range transitionsAfterOutput {
		assert.True(t, after)
	}
}

func TestEmptyRunCompletes(t *testing.T) {
	g := graph.New()
	exec := &fakeExecutor{}
	q := queue.New(context.Background(), g, exec, constTimeout, 2, 1, nil)
	g.Seal()
	awaitDone(t, q)
	assert.Equal(t, 1, exec.cleanups)
}
