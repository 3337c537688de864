package exec

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/testkit-dev/testkit/internal/config"
	"github.com/testkit-dev/testkit/internal/logger"
)

// captureTimeout bounds each debugger invocation during stack capture.
const captureTimeout = 60 * time.Second

// stackCapturer collects best-effort stack traces from a timed-out child
// and its descendants with the platform debugger.
type stackCapturer struct {
	cfg *config.Config
}

// capture returns at most one diagnostic entry per pid in the descendant
// tree, leaves first; a pid whose debugger printed nothing gets no entry.
func (s *stackCapturer) capture(ctx context.Context, pid int) []string {
	pids := append(s.descendants(ctx, pid), pid)
	var diagnostics []string
	for _, p := range pids {
		name, args := s.debuggerCommand(p)
		if name == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, captureTimeout)
		out, err := exec.CommandContext(cctx, name, args...).CombinedOutput()
		cancel()
		if err != nil {
			logger.Warn(ctx, "Stack capture failed", "pid", p, "tool", name, "err", err)
		}
		if len(out) > 0 {
			diagnostics = append(diagnostics,
				fmt.Sprintf("-- Stack trace of pid %d:\n%s", p, out))
		}
	}
	return diagnostics
}

func (s *stackCapturer) debuggerCommand(pid int) (string, []string) {
	switch s.cfg.OS {
	case "linux":
		return "eu-stack", []string{"-p", strconv.Itoa(pid)}
	case "darwin":
		return "/usr/bin/sample", []string{strconv.Itoa(pid), "1", "4000", "-mayDie"}
	case "windows":
		return s.cfg.CdbPath(), []string{"-p", strconv.Itoa(pid), "-c", "!uniqstack;qd"}
	default:
		return "", nil
	}
}

// descendants discovers the child's process tree, children before
// parents.
func (s *stackCapturer) descendants(ctx context.Context, pid int) []int {
	var result []int
	for _, child := range s.childPids(ctx, pid) {
		result = append(result, s.descendants(ctx, child)...)
		result = append(result, child)
	}
	return result
}

func (s *stackCapturer) childPids(ctx context.Context, pid int) []int {
	var out []byte
	var err error
	if s.cfg.OS == "windows" {
		out, err = exec.CommandContext(ctx, "wmic", "process", "where",
			fmt.Sprintf("ParentProcessId=%d", pid), "get", "ProcessId").Output()
	} else {
		out, err = exec.CommandContext(ctx, "pgrep", "-P", strconv.Itoa(pid)).Output()
	}
	if err != nil {
		// pgrep exits non-zero when there are no children.
		return nil
	}
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		if p, err := strconv.Atoi(field); err == nil {
			pids = append(pids, p)
		}
	}
	return pids
}
