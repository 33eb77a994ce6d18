// Package config holds the CLI's resolved option set (spec §6) and the
// viper wiring that merges flags, environment variables and an optional
// config file into it, generalized from the teacher's
// initConfig/initLogger pattern in cmd/root.go.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LogMode is one of the three display modes from spec §4.3.
type LogMode string

const (
	LogEager   LogMode = "eager"
	LogBatched LogMode = "batched"
	LogIssues  LogMode = "issues"
)

// Options is the fully resolved set of run options, after flag/env/file
// merging and validation.
type Options struct {
	Paths []string

	NWorkers        int
	NWorkerThreads  string
	WorkerInitExpr  string
	TestEndExpr     string
	TestItemTimeout time.Duration
	Retries         int
	MemoryThreshold float64

	Report         bool
	ReportLocation string
	Logs           LogMode
	VerboseResults bool

	Name string
	Tags []string

	HistoryEnabled bool
	HistoryPath    string

	Interactive bool // whether stdout is a terminal; governs the default log mode
}

// envBindings names the exact environment variable overrides from spec
// §6. Bound explicitly (rather than relying on viper's automatic prefix
// rule) because several of these names don't follow the RETESTRUNNER_
// prefix the rest of the config file uses.
var envBindings = map[string]string{
	"nworkers":         "NWORKERS",
	"nworker_threads":  "NWORKER_THREADS",
	"testitem_timeout": "TESTITEM_TIMEOUT",
	"retries":          "RETRIES",
	"memory_threshold": "MEMORY_THRESHOLD",
	"report_location":  "REPORT_LOCATION",
}

// BindEnv registers every named override on v. Call once, before Load.
func BindEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}
	return nil
}

// Defaults sets the documented defaults from spec §6 on v. Call before
// reading any config file so file/flag/env values can override them.
func Defaults(v *viper.Viper) {
	v.SetDefault("nworkers", 0)
	v.SetDefault("nworker_threads", "1")
	v.SetDefault("testitem_timeout", 1800)
	v.SetDefault("retries", 0)
	v.SetDefault("memory_threshold", 0.99)
	v.SetDefault("report", false)
	v.SetDefault("logs", "")
	v.SetDefault("verbose_results", false)
}

// Load builds an Options from v's current state (flags/env/file already
// merged into v by the caller) and validates it.
func Load(v *viper.Viper, paths []string, interactive bool) (*Options, error) {
	opts := &Options{
		Paths:           paths,
		NWorkers:        v.GetInt("nworkers"),
		NWorkerThreads:  v.GetString("nworker_threads"),
		WorkerInitExpr:  v.GetString("worker_init_expr"),
		TestEndExpr:     v.GetString("test_end_expr"),
		TestItemTimeout: time.Duration(v.GetInt("testitem_timeout")) * time.Second,
		Retries:         v.GetInt("retries"),
		MemoryThreshold: v.GetFloat64("memory_threshold"),
		Report:          v.GetBool("report"),
		ReportLocation:  v.GetString("report_location"),
		Logs:            LogMode(v.GetString("logs")),
		VerboseResults:  v.GetBool("verbose_results"),
		Name:            v.GetString("name"),
		Tags:            v.GetStringSlice("tags"),
		HistoryEnabled:  v.GetBool("history"),
		HistoryPath:     v.GetString("history_path"),
		Interactive:     interactive,
	}
	if opts.HistoryPath == "" {
		opts.HistoryPath = ".retestrunner/history.sqlite"
	}
	if opts.Logs == "" {
		opts.Logs = defaultLogMode(opts.NWorkers, interactive)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// defaultLogMode implements the context-dependent default from spec §4.3:
// eager when there's at most one worker in an interactive session,
// batched for interactive multi-worker, issues otherwise.
func defaultLogMode(nworkers int, interactive bool) LogMode {
	switch {
	case nworkers <= 1 && interactive:
		return LogEager
	case interactive:
		return LogBatched
	default:
		return LogIssues
	}
}

func (o *Options) validate() error {
	if o.Report && o.Logs == LogEager {
		return fmt.Errorf("config: report=true is mutually exclusive with logs=eager (interleaved streams can't be attributed to items)")
	}
	if o.Logs != LogEager && o.Logs != LogBatched && o.Logs != LogIssues {
		return fmt.Errorf("config: invalid logs mode %q (want eager, batched, or issues)", o.Logs)
	}
	if o.MemoryThreshold < 0 || o.MemoryThreshold > 1 {
		return fmt.Errorf("config: memory_threshold must be in [0,1], got %v", o.MemoryThreshold)
	}
	if o.NWorkers < 0 {
		return fmt.Errorf("config: nworkers must be >= 0, got %d", o.NWorkers)
	}
	if o.Retries < 0 {
		return fmt.Errorf("config: retries must be >= 0, got %d", o.Retries)
	}
	return nil
}
