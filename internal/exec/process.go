package exec

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testkit-dev/testkit/internal/config"
	"github.com/testkit-dev/testkit/internal/harness"
	"github.com/testkit-dev/testkit/internal/logger"
	"github.com/testkit-dev/testkit/internal/outlog"
)

// maxStdioDelay bounds how long we wait for a child's stdio to drain
// after its exit code has resolved. Descendants that inherited the pipes
// can otherwise hold them open indefinitely.
const maxStdioDelay = 30 * time.Second

// stdioSink is the part of an output log the runner needs.
type stdioSink interface {
	io.Writer
	Finalize() []byte
	HasNonUTF8() bool
}

// ProcessRunner executes commands as fresh one-shot child processes.
type ProcessRunner struct {
	cfg    *config.Config
	stacks *stackCapturer
}

// NewProcessRunner builds a runner for the configuration.
func NewProcessRunner(cfg *config.Config) *ProcessRunner {
	return &ProcessRunner{cfg: cfg, stacks: &stackCapturer{cfg: cfg}}
}

// Run spawns the command and waits for it to finish or time out.
func (r *ProcessRunner) Run(ctx context.Context, cmd *harness.Command, timeout time.Duration) *harness.CommandOutput {
	start := time.Now()

	if cmd.OutputUpToDate {
		return &harness.CommandOutput{
			Command:            cmd,
			ExitCode:           0,
			CompilationSkipped: true,
			StartTime:          start,
		}
	}

	var stdoutSink stdioSink = outlog.New()
	if cmd.OutputFile != "" {
		fileLog, err := outlog.NewFile(cmd.OutputFile)
		if err != nil {
			logger.Warn(ctx, "Cannot tee output to file", "file", cmd.OutputFile, "err", err)
		} else {
			stdoutSink = fileLog
			defer func() {
				_ = fileLog.Close()
			}()
		}
	}
	stderrSink := outlog.New()

	child := exec.Command(cmd.Executable, cmd.Args...)
	child.Dir = cmd.Dir
	child.Env = SanitizedEnv(r.cfg.HostEnv, cmd.Env)
	setupProcessGroup(child)
	// Stdin stays /dev/null so tests that read stdin fail fast.

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return spawnFailure(cmd, start, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return spawnFailure(cmd, start, err)
	}
	child.Stdout = stdoutW
	child.Stderr = stderrW

	if err := child.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return spawnFailure(cmd, start, err)
	}
	pid := child.Process.Pid
	stdoutW.Close()
	stderrW.Close()

	copied := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(stdoutSink, stdoutR)
		copied <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(stderrSink, stderrR)
		copied <- struct{}{}
	}()

	var timedOut atomic.Bool
	var diagMu sync.Mutex
	var diagnostics []string
	timeoutDone := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		defer close(timeoutDone)
		timedOut.Store(true)
		logger.Warn(ctx, "Command timed out, capturing stacks", "command", cmd.DisplayName, "pid", pid)
		traces := r.stacks.capture(ctx, pid)
		diagMu.Lock()
		diagnostics = append(diagnostics, traces...)
		diagMu.Unlock()
		_ = killProcessGroup(pid)
	})

	waited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = killProcessGroup(pid)
		case <-waited:
		}
	}()

	waitErr := child.Wait()
	close(waited)
	if !timer.Stop() {
		<-timeoutDone
	}

	exitCode := exitCodeOf(waitErr)

	// Bounded grace window for stdio to drain after exit.
	drained := true
	deadline := time.After(maxStdioDelay)
drain:
	for i := 0; i < 2; i++ {
		select {
		case <-copied:
		case <-deadline:
			drained = false
			break drain
		}
	}
	stdoutR.Close()
	stderrR.Close()
	if !drained {
		logger.Warn(ctx, "Child stdio did not drain in time, cancelling",
			"command", cmd.DisplayName, "pid", pid, "delay", maxStdioDelay)
	}

	output := &harness.CommandOutput{
		Command:   cmd,
		StartTime: start,
		Duration:  time.Since(start),
		Pid:       pid,
	}
	if timedOut.Load() {
		output.TimedOut = true
		exitCode = 1
	}
	output.Stdout = stdoutSink.Finalize()
	output.Stderr = stderrSink.Finalize()
	output.HasNonUTF8 = stdoutSink.HasNonUTF8() || stderrSink.HasNonUTF8()
	if output.HasNonUTF8 && exitCode == 0 {
		exitCode = harness.ExitCodeNonUTF8
	}
	output.ExitCode = exitCode

	diagMu.Lock()
	output.Diagnostics = diagnostics
	diagMu.Unlock()
	return output
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func spawnFailure(cmd *harness.Command, start time.Time, err error) *harness.CommandOutput {
	return &harness.CommandOutput{
		Command:     cmd,
		ExitCode:    harness.ExitCodeSpawnFailed,
		StartTime:   start,
		Duration:    time.Since(start),
		Diagnostics: []string{"Process could not be spawned: " + err.Error()},
	}
}
