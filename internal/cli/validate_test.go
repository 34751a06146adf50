package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/compiler"
)

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidModels(t *testing.T) {
	out, err := runValidateCmd(t, "text", filepath.Join("testdata", "models"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All models valid (2 set(s), 2 type(s))")
}

func TestValidateValidModelsJSON(t *testing.T) {
	out, err := runValidateCmd(t, "json", filepath.Join("testdata", "models"))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, []any{"Orders", "People"}, data["sets"])
}

func TestValidateInvalidModels(t *testing.T) {
	out, err := runValidateCmd(t, "text", filepath.Join("testdata", "invalid"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, compiler.ErrUnknownRelationKind)
	assert.Contains(t, out, compiler.ErrUnknownRelationSet)
	assert.Contains(t, out, compiler.ErrUnknownDefaultType)
}

func TestValidateInvalidModelsJSON(t *testing.T) {
	out, err := runValidateCmd(t, "json", filepath.Join("testdata", "invalid"))
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)

	data := resp.Data.(map[string]any)
	assert.Equal(t, false, data["valid"])
	assert.GreaterOrEqual(t, len(data["errors"].([]any)), 3)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := runValidateCmd(t, "text", "/nonexistent/models")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
	assert.Contains(t, out, "models directory not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	out, err := runValidateCmd(t, "json", t.TempDir())
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ErrCodeNoFiles, resp.Error.Code)
}

func TestValidateCompileError(t *testing.T) {
	dir := t.TempDir()
	src := "set: People: {}\ntype: People: relation: Orders: {set: \"Orders\"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.cue"), []byte(src), 0o644))

	out, err := runValidateCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, compiler.ErrUnknownRelationKind)
	assert.Contains(t, out, "relation kind is required")
}

func TestValidateUsesConfiguredModels(t *testing.T) {
	cfgPath := writeConfig(t, "")

	buf := &bytes.Buffer{}
	root := NewRootCommand()
	root.SetOut(buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "validate"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "All models valid")
}

func TestValidateModelsDir(t *testing.T) {
	errs, err := ValidateModelsDir(filepath.Join("testdata", "models"))
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = ValidateModelsDir(filepath.Join("testdata", "invalid"))
	require.NoError(t, err)
	assert.NotEmpty(t, errs)

	_, err = ValidateModelsDir("/nonexistent")
	assert.Error(t, err)
}

func TestMapFieldToErrorCode(t *testing.T) {
	assert.Equal(t, compiler.ErrEmptyModel, MapFieldToErrorCode("set"))
	assert.Equal(t, compiler.ErrInvalidFieldType, MapFieldToErrorCode("type"))
	assert.Equal(t, compiler.ErrUnknownRelationKind, MapFieldToErrorCode("relation.Orders.kind"))
	assert.Equal(t, ErrCodeGeneric, MapFieldToErrorCode("other"))
}
