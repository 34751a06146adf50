package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/adapter/memory"
	"github.com/roach88/entsync/internal/adapter/rest"
	"github.com/roach88/entsync/internal/compiler"
	"github.com/roach88/entsync/internal/config"
	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/store/badger"
	"github.com/roach88/entsync/internal/store/sqlite"
	"github.com/roach88/entsync/internal/telemetry"
)

// Retry delays of the REST adapter.
const (
	retryInitial  = 200 * time.Millisecond
	retryMaxDelay = 5 * time.Second
)

// session is an opened data context plus everything it was built from.
type session struct {
	cfg      config.Config
	model    *compiler.Model
	adapter  adapter.Adapter
	data     *data.Context
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// newLogger builds the command logger. Logs always go to w so that JSON
// output on stdout stays parseable.
func newLogger(opts *RootOptions, level slog.Level, w io.Writer) *slog.Logger {
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// loadConfig reads the configuration named by --config.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, ErrCodeConfig+": invalid configuration", err)
	}
	return cfg, nil
}

// loadModel compiles and validates the models directory.
func loadModel(dir string) (*compiler.Model, error) {
	result, loadErrors := LoadModels(dir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load models", loadErrors[0])
	}
	return result.Model, nil
}

// openSession loads the configuration and models, builds the adapter and
// store, and returns an initialized data context whose sets are hydrated
// from the local store.
func openSession(ctx context.Context, opts *RootOptions, logOut io.Writer) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cfg.Level(), logOut)

	model, err := loadModel(cfg.Models)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	a, err := newAdapter(cfg, model, metrics, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig+": failed to build adapter", err)
	}
	st, err := newStore(cfg.Store, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig+": failed to open store", err)
	}

	dc := data.NewContext(a, st,
		data.WithBuffered(cfg.Buffered),
		data.WithAutoLazyLoading(cfg.AutoLazy),
		data.WithMetrics(metrics),
		data.WithLogger(logger),
	)
	s := &session{cfg: cfg, model: model, adapter: a, data: dc, registry: reg, metrics: metrics, logger: logger}

	if err := model.Install(dc); err != nil {
		s.close()
		return nil, WrapExitError(ExitCommandError, "failed to install models", err)
	}
	if err := dc.Init(ctx); err != nil {
		s.close()
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig+": failed to initialize context", err)
	}
	if b, ok := a.(*memory.Backend); ok {
		if err := seedBackend(ctx, b, model, cfg.Server.Seed); err != nil {
			s.close()
			return nil, WrapExitError(ExitCommandError, "failed to seed backend", err)
		}
	}
	for _, set := range dc.Sets() {
		n, err := set.Hydrate(ctx)
		if err != nil {
			s.close()
			return nil, WrapExitError(ExitCommandError, "failed to hydrate "+set.Name(), err)
		}
		logger.Debug("hydrated set", "set", set.Name(), "entities", n)
	}
	return s, nil
}

// close drains pending work and closes the stores.
func (s *session) close() {
	if err := s.data.Close(); err != nil {
		s.logger.Error("error closing context", "error", err)
	}
}

// sets resolves set names, defaulting to every set.
func (s *session) sets(names []string) ([]*data.Set, error) {
	if len(names) == 0 {
		return s.data.Sets(), nil
	}
	out := make([]*data.Set, 0, len(names))
	for _, name := range names {
		set, err := s.data.Set(name)
		if err != nil {
			return nil, NewExitError(ExitCommandError, err.Error())
		}
		out = append(out, set)
	}
	return out, nil
}

func newAdapter(cfg config.Config, model *compiler.Model, metrics *telemetry.Metrics, logger *slog.Logger) (adapter.Adapter, error) {
	switch cfg.Adapter.Kind {
	case config.AdapterMemory:
		b := memory.New(memory.WithLogger(logger))
		registerControllers(b, model)
		return b, nil
	case config.AdapterREST:
		ropts := []rest.Option{
			rest.WithHTTPClient(&http.Client{Timeout: cfg.Adapter.Timeout}),
			rest.WithRetry(cfg.Adapter.Retries, retryInitial, retryMaxDelay),
			rest.WithMetrics(metrics),
			rest.WithLogger(logger),
		}
		if cfg.Adapter.RateLimit > 0 {
			ropts = append(ropts, rest.WithRateLimit(cfg.Adapter.RateLimit, cfg.Adapter.Burst))
		}
		keys := make([]string, 0, len(cfg.Adapter.Headers))
		for k := range cfg.Adapter.Headers {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			ropts = append(ropts, rest.WithHeader(k, cfg.Adapter.Headers[k]))
		}
		return rest.New(cfg.Adapter.URL, ropts...)
	}
	return nil, fmt.Errorf("unknown adapter kind %q", cfg.Adapter.Kind)
}

// registerControllers tells the memory backend the key field of every
// controller the model declares.
func registerControllers(b *memory.Backend, model *compiler.Model) {
	for _, s := range model.Sets {
		controller := controllerOf(model, s.Name)
		key := s.KeyField
		if key == "" {
			key = memory.DefaultKeyField
		}
		b.Register(controller, key)
	}
}

func newStore(cfg config.StoreConfig, logger *slog.Logger) (store.DataStore, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		return sqlite.Open(cfg.Path, sqlite.WithLogger(logger))
	case config.StoreBadger:
		bcfg := badger.DefaultConfig(cfg.Path)
		bcfg.Logger = logger
		return badger.Open(bcfg)
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

// readSeed reads a YAML document mapping controller names to entity lists.
func readSeed(path string) (map[string][]payload.Object, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed map[string][]map[string]any
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	out := make(map[string][]payload.Object, len(seed))
	for controller, rows := range seed {
		objs := make([]payload.Object, len(rows))
		for i, r := range rows {
			objs[i] = payload.Object(r)
		}
		out[controller] = objs
	}
	return out, nil
}

// seedBackend loads the seed file, if any, into the memory backend. The
// seed is keyed by controller; a set name is accepted as well.
func seedBackend(ctx context.Context, b *memory.Backend, model *compiler.Model, path string) error {
	if path == "" {
		return nil
	}
	seed, err := readSeed(path)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(seed))
	for name := range seed {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := b.Seed(ctx, controllerOf(model, name), seed[name]...); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// controllerOf maps a set name to its controller. Unknown names are
// taken as controllers.
func controllerOf(model *compiler.Model, name string) string {
	if s, ok := model.Set(name); ok && s.Controller != "" {
		return s.Controller
	}
	return name
}
