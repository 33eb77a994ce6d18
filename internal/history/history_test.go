package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordRun_PersistsItemResults(t *testing.T) {
	s := openTestStore(t)

	err := s.RecordRun(time.Now(), 4, 0.9, []ItemRun{
		{ItemID: "1", Name: "addition", RunNumber: 1, Status: model.StatusPass, Elapsed: time.Second, Worker: 123},
		{ItemID: "2", Name: "subtraction", RunNumber: 1, Status: model.StatusFail, Elapsed: time.Second, Worker: 123},
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM item_results`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestFlaky_DetectsDifferingStatusAcrossRuns(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordRun(time.Now(), 1, 0.9, []ItemRun{
		{ItemID: "flaky", Name: "sometimes", RunNumber: 1, Status: model.StatusPass},
		{ItemID: "stable", Name: "always", RunNumber: 1, Status: model.StatusPass},
	}))
	require.NoError(t, s.RecordRun(time.Now(), 1, 0.9, []ItemRun{
		{ItemID: "flaky", Name: "sometimes", RunNumber: 1, Status: model.StatusFail},
		{ItemID: "stable", Name: "always", RunNumber: 1, Status: model.StatusPass},
	}))

	flaky, err := s.Flaky(20)
	require.NoError(t, err)
	require.Len(t, flaky, 1)
	require.Equal(t, "flaky", flaky[0].ItemID)
	require.Equal(t, []string{"pass", "fail"}, flaky[0].Statuses)
}

func TestFlaky_LimitRunsBoundsWindow(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordRun(time.Now(), 1, 0.9, []ItemRun{
		{ItemID: "x", Name: "x", RunNumber: 1, Status: model.StatusFail},
	}))
	require.NoError(t, s.RecordRun(time.Now(), 1, 0.9, []ItemRun{
		{ItemID: "x", Name: "x", RunNumber: 1, Status: model.StatusPass},
	}))

	flaky, err := s.Flaky(1)
	require.NoError(t, err)
	require.Empty(t, flaky, "a single-run window can never show a status difference")
}

func TestIsFlaky(t *testing.T) {
	require.False(t, isFlaky(nil))
	require.False(t, isFlaky([]string{"pass"}))
	require.False(t, isFlaky([]string{"pass", "pass"}))
	require.True(t, isFlaky([]string{"pass", "fail"}))
}
