// Package agent wires the execution core together: graph, enqueuers,
// queue, executor and completer, plus run-level concerns such as signal
// handling, the inactivity watchdog and the summary report.
package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testkit-dev/testkit/internal/complete"
	"github.com/testkit-dev/testkit/internal/config"
	"github.com/testkit-dev/testkit/internal/enqueue"
	"github.com/testkit-dev/testkit/internal/exec"
	"github.com/testkit-dev/testkit/internal/graph"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/logger"
	"github.com/testkit-dev/testkit/internal/queue"
)

// Agent runs one harness invocation end to end.
type Agent struct {
	cfg       *config.Config
	listeners harness.Listeners
	execOpts  []exec.Option

	mu    sync.Mutex
	queue *queue.CommandQueue
}

// Option configures the agent.
type Option func(*Agent)

// WithListener adds an event listener for external UIs.
func WithListener(l harness.EventListener) Option {
	return func(a *Agent) { a.listeners = append(a.listeners, l) }
}

// WithExecOptions forwards collaborator wiring to the executor.
func WithExecOptions(opts ...exec.Option) Option {
	return func(a *Agent) { a.execOpts = append(a.execOpts, opts...) }
}

// New builds an agent for the configuration.
func New(cfg *config.Config, opts ...Option) *Agent {
	a := &Agent{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run enqueues the suites, executes every command under the configured
// caps and returns the finished test cases.
func (a *Agent) Run(ctx context.Context, suites []enqueue.TestSuite) ([]*harness.TestCase, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	log := a.newLogger().With("run", runID.String())
	ctx = logger.WithLogger(ctx, log)

	start := time.Now()
	logger.Info(ctx, "Run started",
		"maxProcesses", a.cfg.MaxProcesses,
		"maxBrowserProcesses", a.cfg.MaxBrowserProcesses,
		"repeat", a.cfg.Repeat,
		"batch", a.cfg.BatchMode)

	g := graph.New()
	collector := newResultCollector()
	listeners := append(harness.Listeners{collector}, a.listeners...)

	enqueuer := enqueue.NewTestCaseEnqueuer(g, a.cfg.Repeat, listeners)
	enqueue.NewCommandEnqueuer(g)
	executor := exec.New(a.cfg, a.execOpts...)
	completer := complete.New(ctx, g, enqueuer, listeners)
	q := queue.New(ctx, g, executor,
		func(cmd *harness.Command) time.Duration {
			return enqueuer.TimeoutFor(cmd, a.cfg.Timeout)
		},
		a.cfg.MaxProcesses, a.cfg.MaxBrowserProcesses,
		completer.OnOutput)

	a.mu.Lock()
	a.queue = q
	a.mu.Unlock()

	dog := newWatchdog(ctx, g, q)
	collector.onActivity = dog.reset
	defer dog.stop()

	if err := enqueuer.Enqueue(ctx, suites); err != nil {
		// Enqueue failed before sealing; seal so the queue can drain
		// the commands that did start, then abort them.
		g.Seal()
		q.Abort()
		<-q.Done()
		return collector.results(), err
	}

	<-q.Done()

	results := collector.results()
	logger.Info(ctx, "Run finished",
		"testCases", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond))
	if !a.cfg.Quiet {
		printSummary(results, time.Since(start))
	}
	return results, nil
}

// Signal aborts the run: in-flight children are killed and the queue
// drains with failures.
func (a *Agent) Signal(ctx context.Context, sig os.Signal) {
	logger.Warn(ctx, "Received signal, aborting run", "signal", sig.String())
	a.mu.Lock()
	q := a.queue
	a.mu.Unlock()
	if q != nil {
		q.Abort()
	}
}

func (a *Agent) newLogger() logger.Logger {
	var opts []logger.Option
	if a.cfg.Debug {
		opts = append(opts, logger.WithDebug())
	}
	if a.cfg.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	opts = append(opts, logger.WithFormat(a.cfg.LogFormat))
	return logger.NewLogger(opts...)
}

// resultCollector gathers finished test cases and feeds the watchdog.
type resultCollector struct {
	mu         sync.Mutex
	finished   []*harness.TestCase
	onActivity func()
}

func newResultCollector() *resultCollector {
	return &resultCollector{}
}

func (c *resultCollector) TestAdded()     {}
func (c *resultCollector) AllTestsKnown() {}
func (c *resultCollector) AllDone()       {}

func (c *resultCollector) Done(tc *harness.TestCase) {
	c.mu.Lock()
	c.finished = append(c.finished, tc)
	activity := c.onActivity
	c.mu.Unlock()
	if activity != nil {
		activity()
	}
}

func (c *resultCollector) results() []*harness.TestCase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*harness.TestCase(nil), c.finished...)
}
