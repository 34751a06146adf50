package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total    int              `json:"total"`
	Passed   int              `json:"passed"`
	Failed   int              `json:"failed"`
	Results  []ScenarioResult `json:"scenarios"`
	Failures []SuiteFailure   `json:"failures,omitempty"`
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "missing"
	Errors []string `json:"errors,omitempty"`
}

// SuiteFailure is a failed scenario.
type SuiteFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// SuiteOptions controls RunFiles.
type SuiteOptions struct {
	// UpdateGolden rewrites golden files instead of comparing.
	UpdateGolden bool
}

// GoldenPath returns golden/<name>.golden next to the scenario file.
func GoldenPath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// RunFiles loads and runs each scenario file. A scenario passes when its
// expectations and assertions hold and its trace matches the golden file,
// if one exists.
func RunFiles(ctx context.Context, paths []string, opts SuiteOptions) *SuiteResult {
	suite := &SuiteResult{Results: make([]ScenarioResult, 0, len(paths))}
	for _, path := range paths {
		sr := runFile(ctx, path, opts)
		suite.Total++
		if sr.Pass {
			suite.Passed++
		} else {
			suite.Failed++
			suite.Failures = append(suite.Failures, SuiteFailure{
				ScenarioPath: path,
				Error:        strings.Join(sr.Errors, "; "),
			})
		}
		suite.Results = append(suite.Results, sr)
	}
	return suite
}

func runFile(ctx context.Context, path string, opts SuiteOptions) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(path), Path: path}

	scenario, err := LoadScenario(path)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr
	}
	sr.Name = scenario.Name

	result, err := RunContext(ctx, scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}
	sr.Errors = result.Errors

	trace, err := MarshalTrace(scenario.Name, result.Trace)
	if err != nil {
		sr.Errors = append(sr.Errors, fmt.Sprintf("failed to marshal trace: %v", err))
		return sr
	}

	goldenPath := GoldenPath(path)
	switch {
	case opts.UpdateGolden:
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to create golden directory: %v", err))
			return sr
		}
		if err := os.WriteFile(goldenPath, trace, 0o644); err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to write golden file: %v", err))
			return sr
		}
		sr.Golden = "updated"
	default:
		want, err := os.ReadFile(goldenPath)
		switch {
		case os.IsNotExist(err):
			sr.Golden = "missing"
		case err != nil:
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to read golden file: %v", err))
			return sr
		case !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(trace)):
			sr.Errors = append(sr.Errors, "trace does not match golden file (run with --update to regenerate)")
			return sr
		default:
			sr.Golden = "match"
		}
	}

	sr.Pass = result.Pass
	return sr
}
