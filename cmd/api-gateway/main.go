// Command api-gateway serves the cost-aware routing gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/llm-mirror-router/app"
	"github.com/upb/llm-mirror-router/config"
	"github.com/upb/llm-mirror-router/internal/observability"
	"github.com/upb/llm-mirror-router/middleware"
	"github.com/upb/llm-mirror-router/routes"
	"go.uber.org/zap"
)

var version = "dev"

const (
	exitOK        = 0
	exitConfig    = 1
	exitCorrupted = 2
)

// exitError carries the process exit status out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configFailure(err error) error { return &exitError{code: exitConfig, err: err} }

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(ctx, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "error:", err)
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitConfig
}

func newRootCmd(ctx context.Context, out io.Writer) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(ctx)
		},
	}

	root := &cobra.Command{
		Use:           "api-gateway",
		Short:         "Cost-aware LLM routing gateway with a reference-tool mirror",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}

	root.AddCommand(serveCmd, newCheckConfigCmd(ctx, out), newTokenCmd(ctx, out))
	return root
}

func newCheckConfigCmd(ctx context.Context, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate settings and the provider registry, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(ctx)
			if err != nil {
				return configFailure(err)
			}
			snap, err := app.LoadRegistry(ctx, cfg, zap.NewNop())
			if err != nil {
				return configFailure(err)
			}

			fmt.Fprintf(out, "registry %s: %d providers, %d commands\n", snap.Source(), snap.Len(), len(snap.Commands()))
			for _, d := range snap.List() {
				fmt.Fprintf(out, "  %-16s %-10s $%.2f/$%.2f per 1M  %s\n",
					d.ID, d.Kind, d.InputPricePerMillion, d.OutputPricePerMillion, d.Capabilities)
			}
			names := make([]string, 0)
			for _, c := range snap.Commands() {
				names = append(names, cfg.Commands.Prefix+c.Name)
			}
			sort.Strings(names)
			if len(names) > 0 {
				fmt.Fprintf(out, "commands: %v\n", names)
			}
			fmt.Fprintf(out, "mirror: %s\n", cfg.Mirror.Mode)
			return nil
		},
	}
}

func newTokenCmd(ctx context.Context, out io.Writer) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue an admin bearer token signed with ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(ctx)
			if err != nil {
				return configFailure(err)
			}
			if cfg.Admin.JWTSecret == "" {
				return configFailure(errors.New("ADMIN_JWT_SECRET is not set"))
			}
			token, err := middleware.IssueToken(cfg.Admin.JWTSecret, subject, "admin", ttl)
			if err != nil {
				return configFailure(err)
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// initLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func initLogger() (*zap.Logger, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return observability.NewLogger(level, format)
}

func serve(ctx context.Context) error {
	boot, err := initLogger()
	if err != nil {
		return configFailure(err)
	}
	cfg, err := config.New(ctx)
	if err != nil {
		boot.Error("invalid configuration", zap.Error(err))
		return configFailure(err)
	}
	_ = boot.Sync()

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return configFailure(err)
	}
	defer logger.Sync()

	deps, err := app.NewDependencies(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return configFailure(err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           routes.SetupRoutes(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			zap.String("address", srv.Addr),
			zap.String("version", version),
			zap.Bool("tls", cfg.Server.TLS.Enabled))
		if cfg.Server.TLS.Enabled {
			serverErr <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		serverErr <- srv.ListenAndServe()
	}()
	deps.StartBackground()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result error
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			result = configFailure(err)
		}
	case err := <-deps.Corrupted():
		logger.Error("registry corruption detected, shutting down", zap.Error(err))
		result = &exitError{code: exitCorrupted, err: err}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	if err := deps.Close(shutdownCtx); err != nil {
		logger.Warn("dependency shutdown incomplete", zap.Error(err))
	}
	return result
}
