package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_Passed(t *testing.T) {
	require.True(t, StatusPass.Passed())
	require.True(t, StatusSkipped.Passed())
	require.False(t, StatusFail.Passed())
	require.False(t, StatusError.Passed())
	require.False(t, StatusTimeout.Passed())
	require.False(t, StatusWorkerCrash.Passed())
}

func TestStatus_String(t *testing.T) {
	cases := map[Status]string{
		StatusPass:        "pass",
		StatusFail:        "fail",
		StatusError:       "error",
		StatusTimeout:     "timeout",
		StatusWorkerCrash: "crash",
		StatusSkipped:     "skipped",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
}

func TestTestItem_HasTag(t *testing.T) {
	item := &TestItem{Tags: []string{"slow", "integration"}}

	require.True(t, item.HasTag(nil))
	require.True(t, item.HasTag([]string{"slow"}))
	require.True(t, item.HasTag([]string{"slow", "integration"}))
	require.False(t, item.HasTag([]string{"fast"}))
	require.False(t, item.HasTag([]string{"slow", "fast"}))
}
