package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/testkit-dev/testkit/internal/build"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   build.Slug,
		Short: "Language test harness execution core.",
		Long:  `Schedules and runs test case commands across a bounded pool of worker processes.`,
	}
)

// Execute runs the root command. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/testkit/config.yaml)")

	cobra.OnInitialize(initialize)

	registerCommands()
}

func initialize() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", build.Slug))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	// A missing default file is fine; an explicit one must be readable.
	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "cannot read config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
