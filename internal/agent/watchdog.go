package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/logger"
	"github.com/testkit-dev/testkit/internal/queue"
)

// watchdogInterval is how long the run may go without a finished test
// case before diagnostics are dumped.
const watchdogInterval = 10 * time.Minute

// watchdog dumps the scheduler state to stderr when nothing finishes
// for too long, to make hung runs diagnosable.
type watchdog struct {
	ctx   context.Context
	graph *graph.Graph
	queue *queue.CommandQueue

	mu    sync.Mutex
	timer *time.Timer
}

func newWatchdog(ctx context.Context, g *graph.Graph, q *queue.CommandQueue) *watchdog {
	d := &watchdog{ctx: ctx, graph: g, queue: q}
	d.timer = time.AfterFunc(watchdogInterval, d.dump)
	return d
}

func (d *watchdog) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Reset(watchdogInterval)
	}
}

func (d *watchdog) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *watchdog) dump() {
	logger.Warn(d.ctx, "No test case finished recently, dumping state",
		"interval", watchdogInterval)

	fmt.Fprintf(os.Stderr, "--- scheduler state ---\n")
	for _, state := range []graph.NodeState{
		graph.StateInitialized, graph.StateWaiting, graph.StateEnqueuing,
		graph.StateProcessing, graph.StateSuccessful, graph.StateFailed,
		graph.StateUnableToRun,
	} {
		fmt.Fprintf(os.Stderr, "%s: %d\n", state, d.graph.StateCount(state))
	}
	for _, node := range d.graph.Nodes() {
		if !node.State().IsTerminal() {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", node.State(), node.Command.DisplayName)
		}
	}
	fmt.Fprintf(os.Stderr, "--- queue (%d in flight) ---\n", d.queue.InFlight())
	for _, name := range d.queue.Contents() {
		fmt.Fprintf(os.Stderr, "  queued: %s\n", name)
	}
	d.dumpChildren()

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Reset(watchdogInterval)
	}
	d.mu.Unlock()
}

// dumpChildren reports resource usage of the harness's child processes.
func (d *watchdog) dumpChildren() {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	children, err := self.Children()
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "--- children (%d) ---\n", len(children))
	for _, child := range children {
		name, _ := child.Name()
		var rss uint64
		if mem, err := child.MemoryInfo(); err == nil && mem != nil {
			rss = mem.RSS
		}
		cpu, _ := child.Percent(0)
		fmt.Fprintf(os.Stderr, "  pid %d (%s): rss=%d cpu=%.1f%%\n", child.Pid, name, rss, cpu)
	}
}
