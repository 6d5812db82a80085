package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrGoldenMismatch is returned by CheckGolden when a trace differs from
// its golden file.
var ErrGoldenMismatch = errors.New("trace differs from golden file")

// FindScenarios returns every .yaml and .yml file under dir, sorted. A
// non-empty filter is a glob matched against the file name without its
// extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// RunFile loads and runs one scenario file.
func RunFile(ctx context.Context, path string) (*Scenario, *Result, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := RunContext(ctx, scenario)
	if err != nil {
		return scenario, nil, err
	}
	return scenario, result, nil
}

// GoldenPath is the golden file for a scenario inside goldenDir.
func GoldenPath(goldenDir, name string) string {
	return filepath.Join(goldenDir, name+".golden")
}

// CheckGolden compares a trace with its golden file. With update set it
// rewrites the file instead. A missing golden file is not an error.
func CheckGolden(goldenDir string, scenario *Scenario, result *Result, update bool) error {
	trace, err := MarshalTrace(scenario.Name, result)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	path := GoldenPath(goldenDir, scenario.Name)

	if update {
		if err := os.MkdirAll(goldenDir, 0o755); err != nil {
			return fmt.Errorf("create golden dir: %w", err)
		}
		if err := os.WriteFile(path, trace, 0o644); err != nil {
			return fmt.Errorf("write golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(trace)) {
		return fmt.Errorf("%w: %s", ErrGoldenMismatch, path)
	}
	return nil
}
