package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/adapter/memory"
	"github.com/roach88/entsync/internal/server"
	"github.com/roach88/entsync/internal/telemetry"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string // overrides server.addr
	Seed string // overrides server.seed

	// ready, when set, receives the bound address once listening (for testing).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory backend over REST",
		Long: `Serve an in-memory backend speaking the REST protocol the rest adapter
expects: /<controller> lists with OData parameters, CRUD by id,
relations and actions. Prometheus metrics are exposed on /metrics.

The backend is seeded from a YAML file mapping set names or controllers
to entity lists.

Example:
  entsync serve --addr 127.0.0.1:8080 --seed seed.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML seed file (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Seed != "" {
		cfg.Server.Seed = opts.Seed
	}
	logger := newLogger(opts.RootOptions, cfg.Level(), cmd.ErrOrStderr())

	model, err := loadModel(cfg.Models)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := memory.New(memory.WithLogger(logger))
	registerControllers(backend, model)
	if err := seedBackend(ctx, backend, model, cfg.Server.Seed); err != nil {
		return WrapExitError(ExitCommandError, "failed to seed backend", err)
	}

	reg := prometheus.NewRegistry()
	srv := server.New(backend,
		server.WithMetrics(telemetry.NewMetrics(reg)),
		server.WithGatherer(reg),
		server.WithLogger(logger),
	)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	addr := ln.Addr().String()
	logger.Info("serving", "addr", addr, "sets", model.SetNames())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d set(s) on http://%s\n", len(model.Sets), addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.ready != nil {
		opts.ready <- addr
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
