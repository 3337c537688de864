package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/testkit-dev/testkit/internal/agent"
	"github.com/testkit-dev/testkit/internal/config"
	"github.com/testkit-dev/testkit/internal/enqueue"
	"github.com/testkit-dev/testkit/internal/suite"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "run [manifest...]",
		Short:        "Run the test suites described by the given manifests",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			suites := make([]enqueue.TestSuite, 0, len(args))
			for _, path := range args {
				suites = append(suites, suite.Open(path))
			}

			a := agent.New(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			listenSignals(ctx, a)

			results, err := a.Run(ctx, suites)
			if err != nil {
				return err
			}

			failures := 0
			for _, tc := range results {
				if !tc.Succeeded() {
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d test case(s) failed", failures)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntP("jobs", "j", runtime.NumCPU(), "maximum number of in-flight child processes")
	flags.Int("browser-jobs", 1, "maximum number of in-flight browser commands")
	flags.Int("timeout", 60, "base per-test timeout in seconds")
	flags.Int("repeat", 1, "run every test case this many times")
	flags.Bool("batch", true, "serve eligible compilations with batch runners")
	flags.Bool("dry", false, "resolve the graph without spawning children")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("quiet", false, "suppress log output to stderr")
	flags.String("log-format", "text", "log format (text or json)")
	flags.String("windows-sdk-path", "", "Windows SDK path for cdb.exe stack capture")

	_ = viper.BindPFlag("max_processes", flags.Lookup("jobs"))
	_ = viper.BindPFlag("max_browser_processes", flags.Lookup("browser-jobs"))
	_ = viper.BindPFlag("timeout", flags.Lookup("timeout"))
	_ = viper.BindPFlag("repeat", flags.Lookup("repeat"))
	_ = viper.BindPFlag("batch", flags.Lookup("batch"))
	_ = viper.BindPFlag("dry_run", flags.Lookup("dry"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("quiet", flags.Lookup("quiet"))
	_ = viper.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("windows_sdk_path", flags.Lookup("windows-sdk-path"))

	return cmd
}

func listenSignals(ctx context.Context, a *agent.Agent) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			a.Signal(ctx, sig)
		}
	}()
}
