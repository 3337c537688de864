package exec

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testkit-dev/testkit/internal/harness"
)

func TestShouldRetryOnKernelCompileOOM(t *testing.T) {
	e := New(testConfig())
	kernel := harness.NewCommand(harness.Command{Kind: harness.KindKernelCompilation, CompilerID: "vm_kernel"})
	plain := harness.NewCommand(harness.Command{Kind: harness.KindProcess})

	oom := &harness.CommandOutput{
		ExitCode: harness.ExitCodeCrash,
		Stderr:   []byte("Exhausted heap space, trying to allocate 1024 bytes"),
	}
	assert.True(t, e.shouldRetry(kernel, oom))
	assert.False(t, e.shouldRetry(plain, oom))

	cleanCrash := &harness.CommandOutput{ExitCode: harness.ExitCodeCrash}
	assert.False(t, e.shouldRetry(kernel, cleanCrash))
}

func TestShouldRetryOnLinuxDisplayFlakiness(t *testing.T) {
	cfg := testConfig()
	cfg.OS = "linux"
	e := New(cfg)
	cmd := harness.NewCommand(harness.Command{Kind: harness.KindProcess})

	flaky := &harness.CommandOutput{
		ExitCode: 1,
		Stderr:   []byte("Gtk-WARNING **: cannot open display: :99\n"),
	}
	assert.True(t, e.shouldRetry(cmd, flaky))

	xvfb := &harness.CommandOutput{
		ExitCode: 1,
		Stderr:   []byte("Failed to run command. return code=1\n"),
	}
	assert.True(t, e.shouldRetry(cmd, xvfb))

	// Only stderr is consulted for the display signatures.
	stdoutOnly := &harness.CommandOutput{
		ExitCode: 1,
		Stdout:   []byte("Gtk-WARNING **: cannot open display: :99\n"),
	}
	assert.False(t, e.shouldRetry(cmd, stdoutOnly))

	cfg2 := testConfig()
	cfg2.OS = "darwin"
	assert.False(t, New(cfg2).shouldRetry(cmd, flaky))
}

func TestRunRetriesUpToBudget(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("retry signature is linux-only")
	}
	cfg := testConfig()
	cfg.OS = "linux"
	e := New(cfg)

	flag := filepath.Join(t.TempDir(), "retried")
	script := fmt.Sprintf(
		`if [ -f %q ]; then echo recovered; exit 0; else touch %q; echo "Gtk-WARNING **: cannot open display: :99" >&2; exit 1; fi`,
		flag, flag)
	cmd := harness.NewCommand(harness.Command{
		DisplayName: "flaky",
		Executable:  "/bin/sh",
		Args:        []string{"-c", script},
		MaxRetries:  1,
	})

	out := e.Run(context.Background(), cmd, time.Minute)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, string(out.Stdout), "recovered")
}

func TestBatchRunnerRecycledAfterJobLimit(t *testing.T) {
	exe := writeWorker(t, passWorker)
	cfg := testConfig()
	cfg.BatchMode = true
	e := New(cfg)
	defer e.Cleanup(context.Background())

	cmd := harness.NewCommand(harness.Command{
		Kind:        harness.KindCompilation,
		CompilerID:  "dartdevc",
		DisplayName: "devc compile",
		Executable:  exe,
		Args:        []string{"x.dart"},
	})

	var pids []int
	for i := 0; i < runnerRecycleJobs+1; i++ {
		out := e.Run(context.Background(), cmd, 10*time.Second)
		require.Equal(t, 0, out.ExitCode, "job %d", i)
		pids = append(pids, out.Pid)
	}

	for i := 1; i < runnerRecycleJobs; i++ {
		assert.Equal(t, pids[0], pids[i], "job %d should reuse the runner", i)
	}
	assert.NotEqual(t, pids[0], pids[runnerRecycleJobs],
		"the runner should be recycled after %d jobs", runnerRecycleJobs)
}

func TestCleanupTerminatesRunnersOnce(t *testing.T) {
	exe := writeWorker(t, passWorker)
	cfg := testConfig()
	cfg.BatchMode = true
	e := New(cfg)

	cmd := harness.NewCommand(harness.Command{
		Kind:        harness.KindCompilation,
		CompilerID:  "dart2js",
		DisplayName: "compile",
		Executable:  exe,
		Args:        []string{"x.dart"},
	})
	out := e.Run(context.Background(), cmd, 10*time.Second)
	require.Equal(t, 0, out.ExitCode)

	e.Cleanup(context.Background())
	e.Cleanup(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.batch)
}

type fakeDevice struct {
	mu    sync.Mutex
	steps [][]string
	fail  int // step index that fails, -1 for none
}

func (d *fakeDevice) RunShell(_ context.Context, step []string, _ time.Duration) ([]byte, []byte, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, step)
	if d.fail >= 0 && len(d.steps)-1 == d.fail {
		return []byte("step stdout"), []byte("step stderr"), 42, nil
	}
	return []byte("step stdout"), nil, 0, nil
}

type fakePool struct {
	device   *fakeDevice
	acquired int
	released int
	err      error
}

func (p *fakePool) Acquire(context.Context) (Device, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return p.device, nil
}

func (p *fakePool) Release(Device) { p.released++ }

func deviceCommand(steps [][]string) *harness.Command {
	return harness.NewCommand(harness.Command{
		Kind:        harness.KindDevice,
		DisplayName: "push and run",
		Executable:  "adb",
		Steps:       steps,
	})
}

func TestDeviceSequenceRunsAllSteps(t *testing.T) {
	pool := &fakePool{device: &fakeDevice{fail: -1}}
	e := New(testConfig(), WithDevicePool(pool))

	steps := [][]string{{"push", "a.bin"}, {"shell", "run"}, {"rm", "a.bin"}}
	out := e.Run(context.Background(), deviceCommand(steps), time.Minute)

	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, steps, pool.device.steps)
	assert.Equal(t, 1, pool.acquired)
	assert.Equal(t, 1, pool.released)
	assert.Contains(t, string(out.Stdout), "exit code: 0")
}

func TestDeviceSequenceAbortsOnFailure(t *testing.T) {
	pool := &fakePool{device: &fakeDevice{fail: 1}}
	e := New(testConfig(), WithDevicePool(pool))

	steps := [][]string{{"push", "a.bin"}, {"shell", "run"}, {"rm", "a.bin"}}
	out := e.Run(context.Background(), deviceCommand(steps), time.Minute)

	assert.Equal(t, 42, out.ExitCode)
	assert.Len(t, pool.device.steps, 2)
	assert.Equal(t, 1, pool.released, "the device is released even on failure")
	assert.Contains(t, string(out.Stderr), "step stderr")
}

func TestDeviceAcquireFailure(t *testing.T) {
	pool := &fakePool{err: errors.New("no devices attached")}
	e := New(testConfig(), WithDevicePool(pool))

	out := e.Run(context.Background(), deviceCommand([][]string{{"push"}}), time.Minute)
	assert.Equal(t, harness.ExitCodeSpawnFailed, out.ExitCode)
	assert.Equal(t, 0, pool.released)
}

func TestMissingCollaboratorsFail(t *testing.T) {
	e := New(testConfig())

	browser := harness.NewCommand(harness.Command{Kind: harness.KindBrowser, DisplayName: "browser test"})
	out := e.Run(context.Background(), browser, time.Minute)
	assert.Equal(t, harness.ExitCodeSpawnFailed, out.ExitCode)

	script := harness.NewCommand(harness.Command{Kind: harness.KindScript, DisplayName: "cleanup script"})
	out = e.Run(context.Background(), script, time.Minute)
	assert.Equal(t, harness.ExitCodeSpawnFailed, out.ExitCode)
}

func TestDryRunSkipsExecution(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	e := New(cfg)

	cmd := harness.NewCommand(harness.Command{
		DisplayName: "never runs",
		Executable:  "/definitely/not/a/binary",
	})
	out := e.Run(context.Background(), cmd, time.Minute)
	assert.Equal(t, 0, out.ExitCode)
	assert.True(t, out.Successful())
}

func TestCompilationDispatchHonorsBatchMode(t *testing.T) {
	exe := writeWorker(t, passWorker)

	batchCfg := testConfig()
	batchCfg.BatchMode = true
	batched := New(batchCfg)
	defer batched.Cleanup(context.Background())

	cmd := harness.NewCommand(harness.Command{
		Kind:        harness.KindCompilation,
		CompilerID:  "dart2js",
		DisplayName: "compile",
		Executable:  exe,
		Args:        []string{"x.dart"},
	})
	out := batched.Run(context.Background(), cmd, 10*time.Second)
	require.Equal(t, 0, out.ExitCode)
	assert.Contains(t, string(out.Stdout), "processed: x.dart")

	// Without batch mode the same command runs one-shot: the worker
	// script gets only the command's args (no --batch), reads EOF from
	// the closed stdin and exits.
	plainCfg := testConfig()
	plainCfg.BatchMode = false
	plain := New(plainCfg)
	out = plain.Run(context.Background(), cmd, 10*time.Second)
	assert.NotContains(t, string(out.Stdout), "processed:")
}
