package exec

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/testkit-dev/testkit/internal/config"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/logger"
)

// BrowserDispatcher submits browser test commands to the browser
// automation layer, which keys controllers by configuration.
type BrowserDispatcher interface {
	Submit(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput
	Close(ctx context.Context)
}

// Device is one attached device from the pool.
type Device interface {
	RunShell(ctx context.Context, step []string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error)
}

// DevicePool hands out devices for device-push commands. Release must be
// called on every exit path.
type DevicePool interface {
	Acquire(ctx context.Context) (Device, error)
	Release(Device)
}

// ScriptRunner executes script commands in-process.
type ScriptRunner interface {
	RunScript(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput
}

// Retry-worthy failure signatures.
const (
	// oomMarker appears when a kernel compile runs out of heap.
	oomMarker = "Exhausted heap space, trying to allocat"

	cannotOpenDisplayMessage  = "Gtk-WARNING **: cannot open display"
	failedToRunCommandMessage = "Failed to run command. return code=1"
)

// Executor dispatches each command to the runner that serves it and
// applies the retry policy.
type Executor struct {
	cfg     *config.Config
	process *ProcessRunner
	browser BrowserDispatcher
	devices DevicePool
	scripts ScriptRunner

	mu        sync.Mutex
	batch     map[string][]*BatchRunner
	cleanedUp bool
}

// Option configures optional collaborators on the executor.
type Option func(*Executor)

// WithBrowserDispatcher wires the browser automation collaborator.
func WithBrowserDispatcher(b BrowserDispatcher) Option {
	return func(e *Executor) { e.browser = b }
}

// WithDevicePool wires the device pool collaborator.
func WithDevicePool(p DevicePool) Option {
	return func(e *Executor) { e.devices = p }
}

// WithScriptRunner wires the in-process script collaborator.
func WithScriptRunner(s ScriptRunner) Option {
	return func(e *Executor) { e.scripts = s }
}

// New builds an executor for the configuration.
func New(cfg *config.Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		process: NewProcessRunner(cfg),
		batch:   make(map[string][]*BatchRunner),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the command, retrying transient failures up to the
// command's retry budget.
func (e *Executor) Run(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput {
	if e.cfg.DryRun {
		return &harness.CommandOutput{Command: cmd, StartTime: time.Now()}
	}
	output := e.runOnce(ctx, cmd, timeout)
	for attempt := 1; attempt <= cmd.MaxRetries && e.shouldRetry(cmd, output); attempt++ {
		logger.Info(ctx, "Retrying command", "command", cmd.DisplayName, "attempt", attempt)
		output = e.runOnce(ctx, cmd, timeout)
	}
	return output
}

// runOnce dispatches to a runner; first match wins.
func (e *Executor) runOnce(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput {
	switch cmd.Kind {
	case harness.KindBrowser:
		if e.browser == nil {
			return collaboratorMissing(cmd, "browser dispatcher")
		}
		return e.browser.Submit(ctx, cmd, timeout)

	case harness.KindKernelCompilation, harness.KindVMBatch:
		return e.runBatch(ctx, cmd, timeout)

	case harness.KindCompilation:
		if e.cfg.BatchMode && cmd.IsBatchEligible() {
			return e.runBatch(ctx, cmd, timeout)
		}
		return e.process.Run(ctx, cmd, timeout)

	case harness.KindScript:
		if e.scripts == nil {
			return collaboratorMissing(cmd, "script runner")
		}
		return e.scripts.RunScript(ctx, cmd, timeout)

	case harness.KindDevice:
		return e.runDevice(ctx, cmd, timeout)

	default:
		return e.process.Run(ctx, cmd, timeout)
	}
}

// runBatch serves the command on an idle batch runner for its type,
// starting one if the pool is not yet full. The queue's process cap
// guarantees an idle runner exists otherwise.
func (e *Executor) runBatch(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput {
	runner, err := e.acquireBatchRunner(ctx, cmd)
	if err != nil {
		return spawnFailure(cmd, time.Now(), err)
	}
	output := runner.RunJob(ctx, cmd, timeout)
	e.releaseBatchRunner(ctx, runner)
	return output
}

func (e *Executor) acquireBatchRunner(ctx context.Context, cmd *harness.Command) (*BatchRunner, error) {
	key := cmd.BatchKey()

	e.mu.Lock()
	defer e.mu.Unlock()

	runners := e.batch[key]
	live := runners[:0]
	var idle *BatchRunner
	for _, r := range runners {
		if r.Terminated() {
			continue
		}
		live = append(live, r)
		if idle == nil && !r.busy {
			idle = r
		}
	}
	e.batch[key] = live

	if idle != nil && !idle.Matches(cmd) {
		// Same runner type but different environment overrides: the
		// runner cannot be reused.
		idle.Terminate(ctx)
		e.batch[key] = removeRunner(e.batch[key], idle)
		idle = nil
	}

	if idle == nil {
		if len(e.batch[key]) >= e.cfg.MaxProcesses {
			panic(fmt.Sprintf("exec: no idle batch runner for %q; the queue should not have dispatched", key))
		}
		r, err := newBatchRunner(ctx, e.cfg, cmd)
		if err != nil {
			return nil, err
		}
		e.batch[key] = append(e.batch[key], r)
		idle = r
	}

	idle.busy = true
	return idle, nil
}

func (e *Executor) releaseBatchRunner(ctx context.Context, r *BatchRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r.busy = false
	if r.NeedsRecycle() && !r.Terminated() {
		logger.Info(ctx, "Recycling batch runner", "type", r.runnerType, "jobs", r.jobsServed)
		r.Terminate(ctx)
	}
	if r.Terminated() {
		e.batch[r.runnerType] = removeRunner(e.batch[r.runnerType], r)
	}
}

func removeRunner(runners []*BatchRunner, target *BatchRunner) []*BatchRunner {
	out := runners[:0]
	for _, r := range runners {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// runDevice acquires a device, runs the command's shell steps in order
// and concatenates the per-step results into one synthetic output. The
// first failing step aborts the sequence; the device is always released.
func (e *Executor) runDevice(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput {
	start := time.Now()
	if e.devices == nil {
		return collaboratorMissing(cmd, "device pool")
	}
	device, err := e.devices.Acquire(ctx)
	if err != nil {
		return spawnFailure(cmd, start, err)
	}
	defer e.devices.Release(device)

	var stdout, stderr bytes.Buffer
	exitCode := 0
	for _, step := range cmd.Steps {
		stepStart := time.Now()
		so, se, code, err := device.RunShell(ctx, step, timeout)
		elapsed := time.Since(stepStart)
		fmt.Fprintf(&stdout, "$ %s\n", strings.Join(step, " "))
		stdout.Write(so)
		stderr.Write(se)
		if err != nil {
			fmt.Fprintf(&stderr, "step failed: %v\n", err)
			code = 1
		}
		fmt.Fprintf(&stdout, "exit code: %d, time: %s\n", code, elapsed)
		if code != 0 {
			exitCode = code
			break
		}
	}

	return &harness.CommandOutput{
		Command:   cmd,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		StartTime: start,
		Duration:  time.Since(start),
	}
}

// shouldRetry matches the output against the small allowlist of known
// transient failures.
func (e *Executor) shouldRetry(cmd *harness.Command, output *harness.CommandOutput) bool {
	if output == nil {
		return false
	}

	if cmd.Kind == harness.KindKernelCompilation && output.ExitCode == harness.ExitCodeCrash {
		if bytes.Contains(output.Stdout, []byte(oomMarker)) ||
			bytes.Contains(output.Stderr, []byte(oomMarker)) {
			return true
		}
	}

	if e.cfg.OS == "linux" {
		// Both views scan stderr; stdout is not consulted here.
		stdout := string(output.Stderr)
		stderr := string(output.Stderr)
		for _, line := range append(strings.Split(stdout, "\n"), strings.Split(stderr, "\n")...) {
			if strings.Contains(line, cannotOpenDisplayMessage) ||
				strings.Contains(line, failedToRunCommandMessage) {
				return true
			}
		}
	}

	return false
}

// Cleanup releases batch runners and browser controllers. The queue
// invokes it exactly once, after draining.
func (e *Executor) Cleanup(ctx context.Context) {
	e.mu.Lock()
	if e.cleanedUp {
		e.mu.Unlock()
		return
	}
	e.cleanedUp = true
	var runners []*BatchRunner
	for _, pool := range e.batch {
		runners = append(runners, pool...)
	}
	e.batch = make(map[string][]*BatchRunner)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *BatchRunner) {
			defer wg.Done()
			r.Terminate(ctx)
		}(r)
	}
	wg.Wait()

	if e.browser != nil {
		e.browser.Close(ctx)
	}
}

func collaboratorMissing(cmd *harness.Command, what string) *harness.CommandOutput {
	return &harness.CommandOutput{
		Command:     cmd,
		ExitCode:    harness.ExitCodeSpawnFailed,
		StartTime:   time.Now(),
		Diagnostics: []string{"No " + what + " is configured for " + cmd.DisplayName},
	}
}
