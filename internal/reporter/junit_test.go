package reporter

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/resulttree"
)

func TestWriteJUnit_OnePassOneFail(t *testing.T) {
	items := []*model.TestItem{
		{ID: "1", Name: "addition", File: "math_test.jl"},
		{ID: "2", Name: "subtraction", File: "math_test.jl"},
	}
	tree := resulttree.New(items)
	tree.Record(model.Result{ItemID: "1", RunNumber: 1, Status: model.StatusPass, RecordedAt: time.Now()})
	tree.Record(model.Result{ItemID: "2", RunNumber: 1, Status: model.StatusFail, RecordedAt: time.Now(),
		Outcomes: []model.AssertionOutcome{{Status: model.StatusFail}}})

	var buf bytes.Buffer
	require.NoError(t, WriteJUnit(&buf, tree.Root()))

	out := buf.String()
	require.Contains(t, out, "<testsuites>")
	require.Contains(t, out, `name="math_test.jl"`)
	require.Contains(t, out, `name="addition"`)
	require.Contains(t, out, `message="Test failed"`)
}

func TestWriteJUnit_TimeoutMessage(t *testing.T) {
	items := []*model.TestItem{{ID: "1", Name: "slow", File: "slow_test.jl"}}
	tree := resulttree.New(items)
	tree.Record(model.Result{
		ItemID: "1", RunNumber: 1, Status: model.StatusTimeout,
		Message: `Timed out after 4s evaluating test item "slow" (run=1)`,
	})

	var buf bytes.Buffer
	require.NoError(t, WriteJUnit(&buf, tree.Root()))
	require.Contains(t, buf.String(), "Timed out after 4s")
}
