package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/history"
	"github.com/jpequegn/retestrunner/internal/model"
)

func TestRunHistoryFlaky_PrintsNoFlakyItemsWhenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	store, err := history.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cmd := historyFlakyCmd
	require.NoError(t, cmd.Flags().Set("path", path))

	var out bytes.Buffer
	cmd.SetOut(&out)
	err = runHistoryFlaky(cmd, nil)
	require.NoError(t, err)
	require.Contains(t, out.String(), "no flaky items found")
}

func TestRunHistoryFlaky_ListsDifferingItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	store, err := history.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(time.Now(), 1, 0.9, []history.ItemRun{
		{ItemID: "flaky", Name: "sometimes", RunNumber: 1, Status: model.StatusPass},
	}))
	require.NoError(t, store.RecordRun(time.Now(), 1, 0.9, []history.ItemRun{
		{ItemID: "flaky", Name: "sometimes", RunNumber: 1, Status: model.StatusFail},
	}))
	require.NoError(t, store.Close())

	cmd := historyFlakyCmd
	require.NoError(t, cmd.Flags().Set("path", path))
	require.NoError(t, cmd.Flags().Set("runs", "20"))

	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, runHistoryFlaky(cmd, nil))
	require.Contains(t, out.String(), "sometimes  pass -> fail")
}
