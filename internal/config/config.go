package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config carries everything the execution core needs from the outside
// world. Host environment, platform detection and debugger paths are
// injected here rather than read ad hoc, which keeps the core testable.
type Config struct {
	// MaxProcesses caps the total number of in-flight child processes,
	// and also the number of batch runners kept per runner type.
	MaxProcesses int

	// MaxBrowserProcesses caps concurrently running browser commands.
	MaxBrowserProcesses int

	// Timeout is the base per-test timeout before slow/extra-slow scaling.
	Timeout time.Duration

	// Repeat runs every test case this many times. Must be at least 1.
	Repeat int

	// BatchMode enables batch runners for eligible compilations.
	BatchMode bool

	// DryRun resolves the graph without spawning children.
	DryRun bool

	Debug     bool
	Quiet     bool
	LogFormat string

	// OS is the platform the harness schedules for; defaults to the
	// host. Overridable so platform-dependent paths are testable.
	OS string

	// HostEnv is the environment children inherit, before sanitization.
	HostEnv []string

	// WindowsSdkPath locates cdb.exe for stack capture on Windows.
	WindowsSdkPath string
}

// Load builds the configuration from viper-bound flags, environment
// variables (TESTKIT_ prefix) and defaults.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix("TESTKIT")
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		MaxProcesses:        v.GetInt("max_processes"),
		MaxBrowserProcesses: v.GetInt("max_browser_processes"),
		Timeout:             time.Duration(v.GetInt("timeout")) * time.Second,
		Repeat:              v.GetInt("repeat"),
		BatchMode:           v.GetBool("batch"),
		DryRun:              v.GetBool("dry_run"),
		Debug:               v.GetBool("debug"),
		Quiet:               v.GetBool("quiet"),
		LogFormat:           v.GetString("log_format"),
		OS:                  v.GetString("os"),
		WindowsSdkPath:      v.GetString("windows_sdk_path"),
		HostEnv:             os.Environ(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_processes", runtime.NumCPU())
	v.SetDefault("max_browser_processes", 1)
	v.SetDefault("timeout", 60)
	v.SetDefault("repeat", 1)
	v.SetDefault("batch", true)
	v.SetDefault("log_format", "text")
	v.SetDefault("os", runtime.GOOS)
}

// Validate rejects configurations the scheduler cannot honor. A repeat
// count of zero is invalid rather than treated as one.
func (c *Config) Validate() error {
	if c.MaxProcesses < 1 {
		return fmt.Errorf("config: max_processes must be at least 1, got %d", c.MaxProcesses)
	}
	if c.MaxBrowserProcesses < 0 {
		return fmt.Errorf("config: max_browser_processes must not be negative, got %d", c.MaxBrowserProcesses)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("config: repeat must be at least 1, got %d", c.Repeat)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// CdbPath returns the Windows debugger location under the SDK path.
func (c *Config) CdbPath() string {
	return filepath.Join(c.WindowsSdkPath, "Debuggers", "x64", "cdb.exe")
}
