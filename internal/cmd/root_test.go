package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestViperKey_ConvertsKebabToSnakeCase(t *testing.T) {
	require.Equal(t, "nworker_threads", viperKey("nworker-threads"))
	require.Equal(t, "testitem_timeout", viperKey("testitem-timeout"))
	require.Equal(t, "history", viperKey("history"))
	require.Equal(t, "report_location", viperKey("report-location"))
}

func TestRootCmd_FlagsRegistered(t *testing.T) {
	for _, name := range []string{
		"nworkers", "nworker-threads", "worker-init-expr", "test-end-expr",
		"testitem-timeout", "retries", "memory-threshold", "report",
		"report-location", "logs", "verbose-results", "name", "tags", "history",
	} {
		require.NotNil(t, rootCmd.Flags().Lookup(name), "flag %q should be registered", name)
	}
}

func TestHistoryCmd_RegisteredAsSubcommand(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "history" {
			found = true
		}
	}
	require.True(t, found)
}
