package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/adapter/memory"
	"github.com/roach88/entsync/internal/adapter/rest"
	"github.com/roach88/entsync/internal/compiler"
	"github.com/roach88/entsync/internal/config"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/store/badger"
	"github.com/roach88/entsync/internal/store/sqlite"
)

// writeConfig writes a configuration using the test models, the seed file
// and a sqlite store in a temp dir. extra is appended verbatim.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	models, err := filepath.Abs(filepath.Join("testdata", "models"))
	require.NoError(t, err)
	seed, err := filepath.Abs(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)

	dir := t.TempDir()
	src := "models: " + models + "\n" +
		"adapter:\n  kind: memory\n" +
		"store:\n  kind: sqlite\n  path: " + filepath.Join(dir, "entsync.db") + "\n" +
		"server:\n  seed: " + seed + "\n" +
		"log_level: error\n" + extra
	path := filepath.Join(dir, "entsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// execRoot runs the root command and returns stdout.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	root := NewRootCommand()
	root.SetOut(buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestOpenSession(t *testing.T) {
	opts := &RootOptions{Format: "text", Config: writeConfig(t, "")}

	s, err := openSession(context.Background(), opts, &bytes.Buffer{})
	require.NoError(t, err)
	defer s.close()

	assert.Equal(t, config.StoreSQLite, s.cfg.Store.Kind)
	assert.IsType(t, &memory.Backend{}, s.adapter)
	assert.Len(t, s.data.Sets(), 2)

	sets, err := s.sets([]string{"People"})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "People", sets[0].Name())

	_, err = s.sets([]string{"Ghosts"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOpenSession_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapter:\n  kind: carrier-pigeon\n"), 0o644))

	_, err := openSession(context.Background(), &RootOptions{Config: path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeConfig)
}

func TestOpenSession_InvalidModels(t *testing.T) {
	invalid, err := filepath.Abs(filepath.Join("testdata", "invalid"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: "+invalid+"\n"), 0o644))

	_, err = openSession(context.Background(), &RootOptions{Config: path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load models")
}

func TestNewAdapter(t *testing.T) {
	model := &compiler.Model{Sets: []compiler.SetSpec{{}}}
	model.Sets[0].Name = "People"
	model.Sets[0].Controller = "persons"
	model.Sets[0].KeyField = "PersonId"

	cfg := config.Default()
	a, err := newAdapter(cfg, model, nil, discardLogger())
	require.NoError(t, err)
	b := a.(*memory.Backend)

	require.NoError(t, b.Seed(context.Background(), "persons", map[string]any{"PersonId": "x"}))
	rows, err := b.Snapshot(context.Background(), "persons")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "x", rows[0]["PersonId"])

	cfg.Adapter = config.AdapterConfig{
		Kind:      config.AdapterREST,
		URL:       "http://127.0.0.1:9/api",
		Headers:   map[string]string{"Authorization": "Bearer t"},
		RateLimit: 5,
		Burst:     1,
		Retries:   2,
	}
	a, err = newAdapter(cfg, model, nil, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &rest.Client{}, a)

	cfg.Adapter.Kind = "ftp"
	_, err = newAdapter(cfg, model, nil, discardLogger())
	assert.Error(t, err)
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()

	st, err := newStore(config.StoreConfig{Kind: config.StoreMemory}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	st, err = newStore(config.StoreConfig{Kind: config.StoreSQLite, Path: filepath.Join(dir, "a.db")}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, st)
	require.NoError(t, st.Close())

	st, err = newStore(config.StoreConfig{Kind: config.StoreBadger, Path: filepath.Join(dir, "badger")}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &badger.Store{}, st)
	require.NoError(t, st.Close())

	_, err = newStore(config.StoreConfig{Kind: "tape"}, discardLogger())
	assert.Error(t, err)
}

func TestReadSeed(t *testing.T) {
	seed, err := readSeed(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)
	require.Len(t, seed["People"], 3)
	assert.Equal(t, "Ann", seed["People"][0]["Name"])

	_, err = readSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestControllerOf(t *testing.T) {
	model := &compiler.Model{Sets: []compiler.SetSpec{{}, {}}}
	model.Sets[0].Name = "People"
	model.Sets[0].Controller = "persons"
	model.Sets[1].Name = "Orders"

	assert.Equal(t, "persons", controllerOf(model, "People"))
	assert.Equal(t, "Orders", controllerOf(model, "Orders"))
	assert.Equal(t, "raw", controllerOf(model, "raw"))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(&RootOptions{Format: "json"}, slog.LevelInfo, buf)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger = newLogger(&RootOptions{Format: "text", Verbose: true}, slog.LevelError, buf)
	logger.Debug("debugging")
	assert.Contains(t, buf.String(), "msg=debugging")
}
