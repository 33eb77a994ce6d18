package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpequegn/retestrunner/internal/config"
	"github.com/jpequegn/retestrunner/internal/coordinator"
	"github.com/jpequegn/retestrunner/internal/discovery"
	"github.com/jpequegn/retestrunner/internal/history"
	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/reporter"
	"github.com/jpequegn/retestrunner/internal/resulttree"
)

// runTests is rootCmd's RunE: discover, dispatch, report, exit.
func runTests(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}

	opts, err := config.Load(v, paths, isInteractive())
	if err != nil {
		return err
	}

	nameFilter, err := compileNameFilter(opts.Name)
	if err != nil {
		return fmt.Errorf("invalid --name filter: %w", err)
	}

	discResult, err := discovery.Discover(paths, discovery.Options{
		Mode: discovery.Strict,
		Skip: func(it *model.TestItem) bool {
			if nameFilter != nil && !nameFilter.MatchString(it.Name) {
				return false
			}
			return it.HasTag(opts.Tags)
		},
		OnWarning: func(path, msg string) {
			slog.Warn("discovery", "path", path, "msg", msg)
		},
	})
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	tree := resulttree.New(discResult.Items)

	logDir := ".retestrunner/logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rep := reporter.NewDefault(opts.Logs, logDir)
	defer rep.Close()

	coordCfg := coordinator.Config{
		NWorkers:        opts.NWorkers,
		WorkerBinary:    workerBinaryPath(),
		ProjectName:     "retestrunner",
		ThreadsSpec:     opts.NWorkerThreads,
		ItemTimeout:     opts.TestItemTimeout,
		GlobalRetries:   opts.Retries,
		MemoryThreshold: opts.MemoryThreshold,
		SocketDir:       os.TempDir(),
		LogDir:          logDir,
		StallLimit:      opts.TestItemTimeout / 2,
		Setups:          discResult.Setups,
	}
	if opts.WorkerInitExpr != "" {
		coordCfg.WorkerInitCode = &model.CodeRef{Source: opts.WorkerInitExpr}
	}
	if opts.TestEndExpr != "" {
		coordCfg.TestEndCode = &model.CodeRef{Source: opts.TestEndExpr}
	}

	co := coordinator.New(coordCfg, discResult.Items, tree, rep)

	started := time.Now()
	if err := co.Run(context.Background()); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	if opts.Report {
		if err := writeJUnitReport(tree, opts); err != nil {
			slog.Error("report generation failed", "err", err)
		}
	}

	if opts.HistoryEnabled {
		if err := recordHistory(tree, opts, started); err != nil {
			slog.Error("history recording failed", "err", err)
		}
	}

	if code := co.Exit(); code != 0 {
		os.Exit(code)
	}
	return nil
}

func compileNameFilter(name string) (*regexp.Regexp, error) {
	if name == "" {
		return nil, nil
	}
	return regexp.Compile(name)
}

func isInteractive() bool {
	stat, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func workerBinaryPath() string {
	if p := os.Getenv("RETESTRUNNER_WORKER_BINARY"); p != "" {
		return p
	}
	return "retestrunner-worker"
}

func writeJUnitReport(tree *resulttree.Tree, opts *config.Options) error {
	location := opts.ReportLocation
	if location == "" {
		location = "report.xml"
	}
	f, err := os.Create(location)
	if err != nil {
		return fmt.Errorf("create %s: %w", location, err)
	}
	defer f.Close()
	return reporter.WriteJUnit(f, tree.Root())
}

func recordHistory(tree *resulttree.Tree, opts *config.Options, started time.Time) error {
	store, err := history.Open(opts.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var runs []history.ItemRun
	flattenTree(tree.Root(), &runs)
	return store.RecordRun(started, opts.NWorkers, opts.MemoryThreshold, runs)
}

func flattenTree(d *resulttree.DirNode, out *[]history.ItemRun) {
	for _, name := range resulttree.SortedFileNames(d) {
		f := d.Files[name]
		for _, item := range f.Items {
			for _, res := range item.Results {
				*out = append(*out, history.ItemRun{
					ItemID:    res.ItemID,
					Name:      item.Item.Name,
					RunNumber: res.RunNumber,
					Status:    res.Status,
					Elapsed:   res.Stats.Wall,
					Worker:    res.Worker,
				})
			}
		}
	}
	for _, name := range resulttree.SortedDirNames(d) {
		flattenTree(d.Dirs[name], out)
	}
}
