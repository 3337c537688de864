// Package suite provides a JSON manifest front end for the execution
// core. Real test discovery and expectation parsing live outside the
// core; a manifest is the minimal data source that exercises it.
package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/testkit-dev/testkit/internal/enqueue"
	"github.com/testkit-dev/testkit/internal/harness"
)

// Manifest describes one suite: a named configuration plus test cases.
type Manifest struct {
	Name          string             `json:"name"`
	Configuration string             `json:"configuration"`
	TestCases     []ManifestTestCase `json:"testCases"`
}

// ManifestTestCase is one test case entry.
type ManifestTestCase struct {
	Name     string            `json:"name"`
	Expected []string          `json:"expected,omitempty"`
	Commands []ManifestCommand `json:"commands"`
}

// ManifestCommand is one command entry.
type ManifestCommand struct {
	Kind        string            `json:"kind,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Executable  string            `json:"executable"`
	Args        []string          `json:"args,omitempty"`
	Dir         string            `json:"dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	MaxRetries  int               `json:"maxRetries,omitempty"`
	CompilerID  string            `json:"compilerId,omitempty"`
	ScriptFile  string            `json:"scriptFile,omitempty"`
	OutputFile  string            `json:"outputFile,omitempty"`
	Steps       [][]string        `json:"steps,omitempty"`
}

var kinds = map[string]harness.CommandKind{
	"":                   harness.KindProcess,
	"process":            harness.KindProcess,
	"compilation":        harness.KindCompilation,
	"kernel_compilation": harness.KindKernelCompilation,
	"vm_batch":           harness.KindVMBatch,
	"browser":            harness.KindBrowser,
	"device":             harness.KindDevice,
	"script":             harness.KindScript,
}

var expectations = map[string]harness.Expectation{
	"Pass":             harness.ExpectationPass,
	"Fail":             harness.ExpectationFail,
	"Crash":            harness.ExpectationCrash,
	"Timeout":          harness.ExpectationTimeout,
	"CompileTimeError": harness.ExpectationCompileTimeError,
	"RuntimeError":     harness.ExpectationRuntimeError,
	"StaticWarning":    harness.ExpectationStaticWarning,
	"SyntaxError":      harness.ExpectationSyntaxError,
	"Skip":             harness.ExpectationSkip,
	"SkipByDesign":     harness.ExpectationSkipByDesign,
	"Slow":             harness.ExpectationSlow,
	"ExtraSlow":        harness.ExpectationExtraSlow,
}

// configuration is the opaque handle threaded through test cases.
type configuration string

func (c configuration) Name() string { return string(c) }

// FileSuite is a TestSuite backed by a manifest file.
type FileSuite struct {
	path string
}

var _ enqueue.TestSuite = (*FileSuite)(nil)

// Open returns a suite for the manifest at path. The file is parsed
// lazily during enumeration so parse results land in the shared cache.
func Open(path string) *FileSuite {
	return &FileSuite{path: path}
}

func (s *FileSuite) Name() string { return s.path }

// EnumerateTestCases parses the manifest (reusing the shared cache when
// another configuration already parsed the same file) and yields its
// test cases.
func (s *FileSuite) EnumerateTestCases(ctx context.Context, cache *sync.Map, fn func(*harness.TestCase) error) error {
	manifest, err := s.load(cache)
	if err != nil {
		return err
	}
	cfg := configuration(manifest.Configuration)
	for _, entry := range manifest.TestCases {
		tc, err := buildTestCase(entry, cfg)
		if err != nil {
			return fmt.Errorf("suite %s: %w", s.path, err)
		}
		if err := fn(tc); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *FileSuite) load(cache *sync.Map) (*Manifest, error) {
	if cached, ok := cache.Load(s.path); ok {
		return cached.(*Manifest), nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("suite %s: %w", s.path, err)
	}
	cached, _ := cache.LoadOrStore(s.path, &manifest)
	return cached.(*Manifest), nil
}

func buildTestCase(entry ManifestTestCase, cfg configuration) (*harness.TestCase, error) {
	if len(entry.Commands) == 0 {
		return nil, fmt.Errorf("test case %q has no commands", entry.Name)
	}
	commands := make([]*harness.Command, 0, len(entry.Commands))
	for _, mc := range entry.Commands {
		kind, ok := kinds[mc.Kind]
		if !ok {
			return nil, fmt.Errorf("test case %q: unknown command kind %q", entry.Name, mc.Kind)
		}
		displayName := mc.DisplayName
		if displayName == "" {
			displayName = entry.Name
		}
		commands = append(commands, harness.NewCommand(harness.Command{
			Kind:        kind,
			DisplayName: displayName,
			Executable:  mc.Executable,
			Args:        mc.Args,
			Dir:         mc.Dir,
			Env:         mc.Env,
			MaxRetries:  mc.MaxRetries,
			CompilerID:  mc.CompilerID,
			ScriptFile:  mc.ScriptFile,
			OutputFile:  mc.OutputFile,
			Steps:       mc.Steps,
		}))
	}
	var expected harness.ExpectationSet
	for _, name := range entry.Expected {
		e, ok := expectations[name]
		if !ok {
			return nil, fmt.Errorf("test case %q: unknown expectation %q", entry.Name, name)
		}
		expected = expected.Add(e)
	}
	return harness.NewTestCase(entry.Name, commands, cfg, expected, 0), nil
}
