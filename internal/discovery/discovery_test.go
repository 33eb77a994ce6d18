package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDiscover_FindsItemsAndSetups(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "math_test.jl", `
@testsetup module Fixtures begin
    x = 1
end

@testitem "addition" tags=[fast] setup=[Fixtures] begin
    assert(1 + 1 == 2)
end

@testitem "subtraction" begin
    assert(2 - 1 == 1)
end
`)

	res, err := Discover([]string{dir}, Options{Mode: Strict})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Len(t, res.Setups, 1)
	require.Contains(t, res.Setups, "Fixtures")

	names := []string{res.Items[0].Name, res.Items[1].Name}
	require.ElementsMatch(t, []string{"addition", "subtraction"}, names)
}

func TestDiscover_SkipsHiddenAndNonTestFiles(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".hidden")
	require.NoError(t, os.Mkdir(hidden, 0o755))
	writeFile(t, hidden, "secret_test.jl", `@testitem "ignored" begin end`)
	writeFile(t, dir, "helpers.jl", `@testitem "ignored" begin end`)
	writeFile(t, dir, "real_test.jl", `@testitem "counted" begin end`)

	res, err := Discover([]string{dir}, Options{Mode: Strict})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "counted", res.Items[0].Name)
}

func TestDiscover_DuplicateItemName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dup_test.jl", `
@testitem "same" begin end
@testitem "same" begin end
`)

	_, err := Discover([]string{dir}, Options{Mode: Strict})
	require.Error(t, err)
}

func TestDiscover_StrictModeRejectsUnknownTopLevelCall(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weird_test.jl", `
@somethingelse foo begin
end
`)

	_, err := Discover([]string{dir}, Options{Mode: Strict})
	require.Error(t, err)
	var ambiguous *ErrAmbiguousContent
	require.ErrorAs(t, err, &ambiguous)
}

func TestDiscover_LooseModeWarnsInsteadOfFailing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weird_test.jl", `
@somethingelse foo begin
end

@testitem "kept" begin end
`)

	var warnings []string
	res, err := Discover([]string{dir}, Options{
		Mode:      Loose,
		OnWarning: func(path, msg string) { warnings = append(warnings, msg) },
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.NotEmpty(t, warnings)
}

func TestDiscover_SkipPredicateFiltersItems(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tagged_test.jl", `
@testitem "a" tags=[keep] begin end
@testitem "b" tags=[drop] begin end
`)

	res, err := Discover([]string{dir}, Options{
		Mode: Strict,
		Skip: func(it *model.TestItem) bool { return it.HasTag([]string{"keep"}) },
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "a", res.Items[0].Name)
}
