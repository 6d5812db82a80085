package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", minimalScenario)
	writeScenario(t, dir, "a.yml", minimalScenario)
	writeScenario(t, dir, "nested/c.yaml", minimalScenario)
	writeScenario(t, dir, "notes.txt", "ignored")

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, files)

	files, err = FindScenarios(dir, "c*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "nested", "c.yaml")}, files)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)
}

func TestCheckGolden(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "minimal.yaml", minimalScenario)
	goldenDir := filepath.Join(dir, "golden")

	scenario, result, err := RunFile(context.Background(), path)
	require.NoError(t, err)

	// Missing golden file is not a failure.
	require.NoError(t, CheckGolden(goldenDir, scenario, result, false))

	require.NoError(t, CheckGolden(goldenDir, scenario, result, true))
	assert.FileExists(t, GoldenPath(goldenDir, "minimal"))
	require.NoError(t, CheckGolden(goldenDir, scenario, result, false))

	require.NoError(t, os.WriteFile(GoldenPath(goldenDir, "minimal"), []byte("{}"), 0o644))
	err = CheckGolden(goldenDir, scenario, result, false)
	assert.ErrorIs(t, err, ErrGoldenMismatch)
}
