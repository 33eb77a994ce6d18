// Package cmd wires the CLI's cobra command tree and viper-backed
// configuration, generalizing the teacher's cmd/root.go
// initConfig/initLogger pattern (spec §6.1).
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jpequegn/retestrunner/internal/config"
)

var (
	cfgFile string
	verbose bool
	v       = viper.New()
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "retestrunner [paths...]",
	Short: "Parallel, fault-tolerant test runner",
	Long: `retestrunner discovers @testitem/@testsetup annotations across a source
tree, dispatches each test item to a pool of isolated worker subprocesses,
and reports pass/fail outcome, timing and captured logs.`,
	Version: "0.1.0",
	Args:    cobra.ArbitraryArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger()
	},
	RunE: runTests,
}

// Execute adds all child commands and runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./retestrunner.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.Int("nworkers", 0, "number of worker subprocesses")
	flags.String("nworker-threads", "1", `interactive-pool size per worker, e.g. "4" or "auto"`)
	flags.String("worker-init-expr", "", "code evaluated once per worker at startup")
	flags.String("test-end-expr", "", "code evaluated after each item")
	flags.Int("testitem-timeout", 1800, "seconds per item (ignored when nworkers=0)")
	flags.Int("retries", 0, "global retry ceiling")
	flags.Float64("memory-threshold", 0.99, "fraction of host memory above which a worker is recycled before its next dispatch")
	flags.Bool("report", false, "write a JUnit XML report")
	flags.String("report-location", "", "JUnit XML output path (default: project root)")
	flags.String("logs", "", "log display mode: eager, batched, or issues (default by context)")
	flags.Bool("verbose-results", false, "expand every item in the printed tree, not just aggregates")
	flags.String("name", "", "filter items by exact name or substring regex")
	flags.StringSlice("tags", nil, "filter items by tag set (item must be a superset)")
	flags.Bool("history", false, "record this run's results to .retestrunner/history.sqlite")

	for _, name := range []string{
		"nworkers", "nworker-threads", "worker-init-expr", "test-end-expr",
		"testitem-timeout", "retries", "memory-threshold", "report",
		"report-location", "logs", "verbose-results", "name", "tags", "history",
	} {
		_ = v.BindPFlag(viperKey(name), flags.Lookup(name))
	}
	_ = config.BindEnv(v)
	config.Defaults(v)

	rootCmd.AddCommand(historyCmd)
}

// viperKey maps a kebab-case flag name to the snake_case key config.Load
// reads, matching spec §6's option names exactly.
func viperKey(flagName string) string {
	key := make([]byte, 0, len(flagName))
	for _, r := range flagName {
		if r == '-' {
			key = append(key, '_')
			continue
		}
		key = append(key, byte(r))
	}
	return string(key)
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("retestrunner")
	}
	v.SetEnvPrefix("RETESTRUNNER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	}
}

func initLogger() {
	level := slog.LevelInfo
	if verbose || v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
