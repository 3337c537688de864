package harness

import (
	"sync"
	"time"
)

// Configuration is an opaque handle to the configuration a test case runs
// under. The harness core never inspects it; it is threaded through so
// collaborators (browser controllers, reporters) can key on it.
type Configuration interface {
	Name() string
}

// TestCase is a named, ordered, non-empty sequence of commands plus the
// outcomes it is allowed to produce.
type TestCase struct {
	DisplayName   string
	Commands      []*Command
	Configuration Configuration

	// Expected is the set of acceptable outcomes.
	Expected ExpectationSet

	// Flags is the intrinsic expectation bitmask derived from source
	// test metadata (HasSyntaxError and friends).
	Flags uint32

	mu      sync.Mutex
	outputs map[string]*CommandOutput
}

// NewTestCase builds a test case. Commands must be non-empty.
func NewTestCase(name string, commands []*Command, cfg Configuration, expected ExpectationSet, flags uint32) *TestCase {
	if len(commands) == 0 {
		panic("harness: test case " + name + " has no commands")
	}
	return &TestCase{
		DisplayName:   name,
		Commands:      commands,
		Configuration: cfg,
		Expected:      expected,
		Flags:         flags,
		outputs:       make(map[string]*CommandOutput, len(commands)),
	}
}

// IndexedCopy derives the repeat-iteration i variant of the test case:
// every command is replaced with its indexed copy, metadata and
// expectations are preserved.
func (t *TestCase) IndexedCopy(i int) *TestCase {
	commands := make([]*Command, len(t.Commands))
	for k, c := range t.Commands {
		commands[k] = c.IndexedCopy(i)
	}
	return NewTestCase(t.DisplayName, commands, t.Configuration, t.Expected, t.Flags)
}

// Timeout scales the base timeout for slow and extra-slow tests.
func (t *TestCase) Timeout(base time.Duration) time.Duration {
	switch {
	case t.Expected.Contains(ExpectationExtraSlow):
		return base * 8
	case t.Expected.Contains(ExpectationSlow):
		return base * 4
	default:
		return base
	}
}

// SetOutput records the output of one of the test case's commands.
func (t *TestCase) SetOutput(cmd *Command, out *CommandOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outputs[cmd.Key()] = out
}

// Output returns the recorded output for the command, if any.
func (t *TestCase) Output(cmd *Command) (*CommandOutput, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.outputs[cmd.Key()]
	return out, ok
}

// IsFinished reports whether the test case needs no further command
// outputs: the last command has one, or an earlier command failed.
func (t *TestCase) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := t.Commands[len(t.Commands)-1]
	if _, ok := t.outputs[last.Key()]; ok {
		return true
	}
	for _, c := range t.Commands[:len(t.Commands)-1] {
		if out, ok := t.outputs[c.Key()]; ok && !out.CanRunDependentCommands() {
			return true
		}
	}
	return false
}

// LastOutput returns the output of the latest command that produced one,
// in declared order.
func (t *TestCase) LastOutput() *CommandOutput {
	t.mu.Lock()
	defer t.mu.Unlock()
	var last *CommandOutput
	for _, c := range t.Commands {
		if out, ok := t.outputs[c.Key()]; ok {
			last = out
		}
	}
	return last
}

// Outcome computes the user-visible result of the finished test case.
func (t *TestCase) Outcome() Expectation {
	out := t.LastOutput()
	if out == nil {
		return ExpectationFail
	}
	outcome := out.Outcome()
	// A failing compilation is a compile-time error, not a plain failure.
	if outcome == ExpectationFail {
		switch out.Command.Kind {
		case KindCompilation, KindKernelCompilation:
			return ExpectationCompileTimeError
		}
	}
	return outcome
}

// Succeeded reports whether the computed outcome satisfies the expected
// set. An empty expected set accepts only a pass.
func (t *TestCase) Succeeded() bool {
	outcome := t.Outcome()
	if t.Expected.IsEmpty() {
		return outcome == ExpectationPass
	}
	return t.Expected.Contains(outcome)
}
