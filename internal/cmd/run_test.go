package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/history"
	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/resulttree"
)

func TestCompileNameFilter_EmptyReturnsNilMatcher(t *testing.T) {
	re, err := compileNameFilter("")
	require.NoError(t, err)
	require.Nil(t, re)
}

func TestCompileNameFilter_CompilesValidRegex(t *testing.T) {
	re, err := compileNameFilter("^addition$")
	require.NoError(t, err)
	require.True(t, re.MatchString("addition"))
	require.False(t, re.MatchString("subtraction"))
}

func TestCompileNameFilter_RejectsInvalidRegex(t *testing.T) {
	_, err := compileNameFilter("(unterminated")
	require.Error(t, err)
}

func TestWorkerBinaryPath_DefaultsWhenEnvUnset(t *testing.T) {
	t.Setenv("RETESTRUNNER_WORKER_BINARY", "")
	require.Equal(t, "retestrunner-worker", workerBinaryPath())
}

func TestWorkerBinaryPath_HonorsEnvOverride(t *testing.T) {
	t.Setenv("RETESTRUNNER_WORKER_BINARY", "/opt/custom-worker")
	require.Equal(t, "/opt/custom-worker", workerBinaryPath())
}

func TestFlattenTree_OrdersByFileThenRunNumber(t *testing.T) {
	items := []*model.TestItem{
		{ID: "1", Name: "addition", File: "math_test.jl"},
	}
	tree := resulttree.New(items)
	tree.Record(model.Result{ItemID: "1", RunNumber: 1, Status: model.StatusFail, RecordedAt: time.Now()})
	tree.Record(model.Result{ItemID: "1", RunNumber: 2, Status: model.StatusPass, RecordedAt: time.Now()})

	var runs []history.ItemRun
	flattenTree(tree.Root(), &runs)

	require.Len(t, runs, 2)
	require.Equal(t, 1, runs[0].RunNumber)
	require.Equal(t, model.StatusFail, runs[0].Status)
	require.Equal(t, 2, runs[1].RunNumber)
	require.Equal(t, model.StatusPass, runs[1].Status)
}
