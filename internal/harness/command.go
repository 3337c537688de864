package harness

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CommandKind selects the runner a command is dispatched to.
type CommandKind int

const (
	// KindProcess runs as a fresh one-shot child process.
	KindProcess CommandKind = iota
	// KindCompilation runs on a batch runner when batch mode is configured
	// and its CompilerID is one of the batch compilers; otherwise it runs
	// as a one-shot child process.
	KindCompilation
	// KindKernelCompilation always runs on a batch runner.
	KindKernelCompilation
	// KindVMBatch runs on a batch runner keyed by display name and script.
	KindVMBatch
	// KindBrowser is submitted to the per-configuration browser controller.
	KindBrowser
	// KindDevice runs a sequence of shell steps on an acquired device.
	KindDevice
	// KindScript runs in-process through the script runner collaborator.
	KindScript
)

func (k CommandKind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindCompilation:
		return "compilation"
	case KindKernelCompilation:
		return "kernel_compilation"
	case KindVMBatch:
		return "vm_batch"
	case KindBrowser:
		return "browser"
	case KindDevice:
		return "device"
	case KindScript:
		return "script"
	default:
		return "unknown"
	}
}

// Command is an immutable descriptor of a single external action. Two
// commands with the same content are the same command: the enqueuer uses
// Key to share one graph node between test cases that request identical
// work. Do not mutate a Command after construction.
type Command struct {
	Kind        CommandKind
	DisplayName string
	Executable  string
	Args        []string
	Dir         string
	Env         map[string]string
	MaxRetries  int

	// Index distinguishes repeat iterations of otherwise equal commands.
	Index int

	// CompilerID identifies the batch runner type for compilations
	// (e.g. "dart2js", "analyzer", "dartdevc", "dartdevk", "fasta").
	CompilerID string

	// ScriptFile is part of the batch key for VM batch commands.
	ScriptFile string

	// OutputFile, when set, receives a tee of the command's output.
	OutputFile string

	// OutputUpToDate marks the output file as current; execution is
	// skipped with exit 0 and the compilation-skipped flag set.
	OutputUpToDate bool

	// Steps holds the shell step argv vectors for device commands.
	Steps [][]string

	key string
}

// NewCommand returns an immutable command. Args, Env and Steps are copied.
func NewCommand(cmd Command) *Command {
	c := cmd
	c.Args = append([]string(nil), cmd.Args...)
	if cmd.Env != nil {
		c.Env = make(map[string]string, len(cmd.Env))
		for k, v := range cmd.Env {
			c.Env[k] = v
		}
	}
	if cmd.Steps != nil {
		c.Steps = make([][]string, len(cmd.Steps))
		for i, step := range cmd.Steps {
			c.Steps[i] = append([]string(nil), step...)
		}
	}
	c.key = computeKey(&c)
	return &c
}

// IndexedCopy derives a distinct command for repeat iteration i. All other
// content is preserved, so two copies with the same index are equal.
func (c *Command) IndexedCopy(i int) *Command {
	cp := *c
	cp.Index = i
	cp.key = computeKey(&cp)
	return &cp
}

// Key returns the content hash used for deduplication and map keys.
func (c *Command) Key() string {
	if c.key == "" {
		c.key = computeKey(c)
	}
	return c.key
}

// Equal reports content equality.
func (c *Command) Equal(other *Command) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Key() == other.Key()
}

func (c *Command) String() string {
	return fmt.Sprintf("%s (%s %s)", c.DisplayName, c.Executable, strings.Join(c.Args, " "))
}

// IsBatchEligible reports whether the command may run on a batch runner.
func (c *Command) IsBatchEligible() bool {
	switch c.Kind {
	case KindKernelCompilation, KindVMBatch:
		return true
	case KindCompilation:
		return batchCompilers[c.CompilerID]
	default:
		return false
	}
}

// BatchKey identifies which batch runner pool serves this command.
func (c *Command) BatchKey() string {
	if c.Kind == KindVMBatch {
		return c.DisplayName + " " + c.ScriptFile
	}
	return c.CompilerID
}

// batchCompilers are the compilation identifiers that run on a batch
// runner when batch mode is configured.
var batchCompilers = map[string]bool{
	"dart2js":  true,
	"analyzer": true,
	"dartdevc": true,
	"dartdevk": true,
	"fasta":    true,
}

func computeKey(c *Command) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%d\x00%s\x00%s\x00%s\x00%d\x00",
		c.Kind, c.DisplayName, c.Executable, c.Dir, c.Index,
		c.CompilerID, c.ScriptFile, c.OutputFile, c.MaxRetries)
	for _, arg := range c.Args {
		fmt.Fprintf(h, "%s\x00", arg)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, c.Env[k])
	}
	for _, step := range c.Steps {
		fmt.Fprintf(h, "%s\x00", strings.Join(step, "\x01"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
