package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpequegn/retestrunner/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query recorded run history",
}

var historyFlakyCmd = &cobra.Command{
	Use:   "flaky",
	Short: "List items whose status differs across recent runs",
	RunE:  runHistoryFlaky,
}

func init() {
	historyCmd.AddCommand(historyFlakyCmd)
	historyFlakyCmd.Flags().String("path", ".retestrunner/history.sqlite", "path to the history database")
	historyFlakyCmd.Flags().Int("runs", 20, "number of most recent runs to consider")
}

func runHistoryFlaky(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	runs, _ := cmd.Flags().GetInt("runs")

	store, err := history.Open(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	flaky, err := store.Flaky(runs)
	if err != nil {
		return fmt.Errorf("query flaky items: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(flaky) == 0 {
		fmt.Fprintln(out, "no flaky items found")
		return nil
	}
	for _, f := range flaky {
		fmt.Fprintf(out, "%s  %s\n", f.Name, strings.Join(f.Statuses, " -> "))
	}
	return nil
}
