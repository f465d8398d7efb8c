package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tb0hdan/toolgate-mcp/pkg/analytics"
	"github.com/tb0hdan/toolgate-mcp/pkg/config"
	"github.com/tb0hdan/toolgate-mcp/pkg/dispatch"
	"github.com/tb0hdan/toolgate-mcp/pkg/flags"
	"github.com/tb0hdan/toolgate-mcp/pkg/guard"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/normalize"
	"github.com/tb0hdan/toolgate-mcp/pkg/server"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/catalog"
)

const (
	ServerName      = "toolgate-mcp"
	ServiceName     = "Tool Invocation Gateway MCP Server"
	ShutdownTimeout = 10 * time.Second
	HeaderTimeout   = 10 * time.Second
)

//go:embed VERSION
var Version string

func main() {
	fs := pflag.NewFlagSet(ServerName, pflag.ExitOnError)
	fs.Bool("debug", false, "debug mode")
	fs.String("bind", "localhost:8989", "bind address (host:port)")
	fs.String("db", "build/toolgate.db", "SQLite database file path")
	fs.String("transport", "http", "transport: http (REST + MCP) or stdio (MCP)")
	fs.String("flags", "", "feature flag file (JSON with comments)")
	configPath := fs.String("config", "", "YAML configuration file")
	printVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])
	// Sanitize version
	version := strings.TrimSpace(Version)
	if *printVersion {
		fmt.Printf("%s Version: %s\n", ServiceName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ServerName, err)
		os.Exit(2)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol in stdio mode.
	var out io.Writer = os.Stdout
	if cfg.Server.Transport == "stdio" {
		out = os.Stderr
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger.Debug().Msg("debug mode enabled")
	}

	impl := &mcp.Implementation{
		Name:    ServerName,
		Version: version,
	}

	// Initialize storage
	store, err := storage.NewSQLiteStorage(storage.Config{
		DatabasePath: cfg.Storage.Path,
		Debug:        cfg.Storage.Debug,
	})
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize storage: %v", err)
	}
	logger.Info().Msgf("Database initialized at %s", cfg.Storage.Path)

	m := metrics.New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	ledger := session.NewLedger(store, logger, m)

	flagProvider, err := flags.NewFileProvider(cfg.Flags.File, cfg.Flags.EnvVar, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to load feature flags: %v", err)
	}
	go reloadFlagsOnHangup(signalCtx, flagProvider, logger)

	d := dispatch.New(dispatch.Config{
		Logger:  logger,
		Metrics: m,
		Ledger:  ledger,
		Auditor: tools.NewAuditor(store, logger),
		Flags:   flagProvider,
		Guard: guard.Options{
			MaxBytes:           cfg.Guard.MaxBytes,
			MaxDepth:           cfg.Guard.MaxDepth,
			Timeout:            cfg.Guard.Timeout,
			RejectReservedKeys: cfg.Guard.RejectReservedKeys,
		},
		Normalize: normalize.Options{
			MaxBytes: cfg.Guard.MaxBytes,
			MaxDepth: cfg.Guard.MaxDepth,
		},
		RateLimit: dispatch.RateLimit{
			RPS:     cfg.RateLimit.RPS,
			Burst:   cfg.RateLimit.Burst,
			PerTool: cfg.RateLimit.Tools,
		},
	})

	deps := tools.Deps{
		Logger: logger,
		Store:  store,
		Ledger: ledger,
		Stats:  analytics.NewAggregator(store, logger),
	}
	// Register all tools
	for _, tool := range catalog.All(deps) {
		if err := d.Register(tool); err != nil {
			logger.Error().Msgf("Failed to register tool: %v", err)
			continue
		}
		logger.Debug().Str("tool", tool.Name()).Float64("rps", cfg.RateLimit.ToolRate(tool.Name())).Msg("Tool enabled")
	}

	srv := server.NewServer(impl, d, store, logger, m)
	if err := srv.RegisterTools(); err != nil {
		logger.Error().Msgf("Failed to expose tools over MCP: %v", err)
	}

	switch cfg.Server.Transport {
	case "stdio":
		logger.Info().Msgf("%s serving MCP over stdio", ServiceName)
		if err := srv.RunStdio(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Msgf("%s stdio transport stopped: %v", ServerName, err)
		}
	default:
		httpServer := &http.Server{
			Addr:              cfg.Server.Bind,
			Handler:           srv.Handler(ServiceName),
			ReadHeaderTimeout: HeaderTimeout,
		}
		logger.Info().Msgf("%s starting on address %s", ServiceName, cfg.Server.Bind)
		logger.Info().Msgf("MCP endpoint available at: http://%s/mcp", cfg.Server.Bind)
		logger.Info().Msgf("REST endpoint available at: http://%s/tools/{toolName}", cfg.Server.Bind)

		go func() {
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Msgf("%s failed to start: %v", ServerName, err)
			}
		}()
		<-signalCtx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Msgf("HTTP shutdown error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Msgf("%s shutdown error: %v", ServiceName, err)
	} else {
		logger.Info().Msgf("%s shutdown complete", ServiceName)
	}
}

// reloadFlagsOnHangup re-reads feature flags on SIGHUP until ctx is done.
func reloadFlagsOnHangup(ctx context.Context, p flags.Provider, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := p.Refresh(); err != nil {
				logger.Error().Err(err).Msg("Feature flag reload failed, keeping previous flags")
				continue
			}
			logger.Info().Msg("Feature flags reloaded")
		}
	}
}
