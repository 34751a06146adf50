package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Sets   []string                   `json:"sets,omitempty"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [models-dir]",
		Short: "Validate CUE entity models",
		Long: `Validate the CUE entity models without opening a data context.

Reports every schema problem at once: unknown relation kinds and sets,
missing foreign keys, invalid field types, undeclared keys and types.
Without an argument the models directory of the configuration is used.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return err
				}
				dir = cfg.Models
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, modelsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loadResult, loadErrors := LoadModels(modelsDir, LoadModeCollectAll)

	// Handle load errors (directory not found, no files, compile errors)
	if loadResult == nil || loadResult.Model == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, lineDetails(loadErr))
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, modelsDir)

	var validationErrors []compiler.ValidationError
	for _, err := range loadErrors {
		var verr compiler.ValidationError
		if errors.As(err, &verr) {
			validationErrors = append(validationErrors, verr)
		}
	}
	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, validationErrors)
	}

	return outputValidateSuccess(formatter, loadResult.Model)
}

func lineDetails(e *LoadError) any {
	if !e.Pos.IsValid() {
		return nil
	}
	return map[string]any{"file": e.Pos.Filename(), "line": e.Pos.Line()}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, model *compiler.Model) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Sets: model.SetNames()})
	}

	fmt.Fprintf(formatter.Writer, "✓ All models valid (%d set(s), %d type(s))\n", len(model.Sets), len(model.Types))
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Load errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

// ValidateModelsDir validates the models in a directory.
// This is a helper function for external callers.
func ValidateModelsDir(modelsDir string) ([]compiler.ValidationError, error) {
	loadResult, loadErrors := LoadModels(modelsDir, LoadModeCollectAll)
	if loadResult == nil || loadResult.Model == nil {
		return nil, loadErrors[0]
	}
	var out []compiler.ValidationError
	for _, err := range loadErrors {
		var verr compiler.ValidationError
		if errors.As(err, &verr) {
			out = append(out, verr)
		}
	}
	return out, nil
}
