// Package main provides the buzzforge binary entry point.
// Buzzforge is a resumable content generation service: it drives social
// content sessions through a five-phase research and drafting pipeline,
// one checkpointed step at a time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/buzzforge/llm/providers"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/c360studio/buzzforge/config"
	"github.com/c360studio/buzzforge/engine"
	"github.com/c360studio/buzzforge/llm"
	"github.com/c360studio/buzzforge/model"
	"github.com/c360studio/buzzforge/research"
	"github.com/c360studio/buzzforge/server"
	"github.com/c360studio/buzzforge/session"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "buzzforge"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "buzzforge",
		Short: "Resumable content generation pipeline",
		Long: `Buzzforge drives social content sessions through a five-phase pipeline:
trend research, opportunity evaluation, concept generation, composition,
and execution planning.

Each phase runs as three checkpointed steps (think, execute, integrate),
so a session survives restarts and can be advanced one step at a time
over HTTP. Session state lives in NATS JetStream KV.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to NATS and open the KV store
	nc, err := connectToNATS(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	store, err := session.NewStore(ctx, js)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}

	// Model routing: built-in defaults overlaid with the config file
	registry := model.NewDefaultRegistry()
	registry.MergeFromConfig(&cfg.LLM.Registry)

	retryConfig := llm.DefaultRetryConfig()
	if cfg.LLM.MaxRetries > 0 {
		retryConfig.MaxAttempts = cfg.LLM.MaxRetries
	}

	client := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
		llm.WithRetryConfig(retryConfig),
	)

	// Research step: search completions plus bounded page fetching
	var fetcher *research.Fetcher
	var converter *research.Converter
	if cfg.Research.MaxPages > 0 {
		fetcher = research.NewFetcher(cfg.Research.FetchTimeout, cfg.Research.UserAgent, cfg.Research.MaxContentSize)
		converter = research.NewConverter(cfg.Research.ExcerptMaxLen)
	}
	researcher := research.NewExecutor(client, fetcher, converter, research.Options{
		MaxQuestions: cfg.Research.MaxQuestions,
		MaxPages:     cfg.Research.MaxPages,
	}, logger)

	// Prompt templates with optional hot-reloaded overrides
	templates := engine.NewTemplateSet()
	if cfg.Pipeline.PromptDir != "" {
		watcher, err := engine.NewTemplateWatcher(templates, cfg.Pipeline.PromptDir, cfg.Pipeline.PromptReloadDebounce, logger)
		if err != nil {
			return fmt.Errorf("create prompt watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start prompt watcher: %w", err)
		}
		defer watcher.Stop()
	}

	// Pipeline driver
	strategies := engine.NewStrategyRegistry(researcher.Execute)
	executor := engine.NewStepExecutor(templates, client, logger)
	driver := engine.NewDriver(store, executor, strategies, logger)
	driver.SetRetryDelay(cfg.Pipeline.RetryDelay)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)

	// HTTP API
	api := server.NewServer(store, driver, cfg.Pipeline.StuckAfter, metrics, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background poller for retries and mid-phase continuation
	poller := server.NewPoller(store, driver,
		cfg.Pipeline.PollInterval,
		cfg.Pipeline.PollBatch,
		cfg.Pipeline.StuckAfter,
		metrics, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	wg.Wait()
	logger.Info("Shutdown complete")
	return nil
}

func connectToNATS(cfg *config.Config, logger *slog.Logger) (*nats.Conn, error) {
	natsURL := cfg.NATS.URL

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	} else if envURL := os.Getenv("BUZZFORGE_NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	nc, err := nats.Connect(natsURL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return nc, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func printBanner() {
	const width = 47
	fmt.Println("╔" + strings.Repeat("═", width) + "╗")
	for _, line := range []string{"Buzzforge v" + Version, "Content Generation Pipeline"} {
		pad := width - len(line)
		if pad < 0 {
			pad = 0
		}
		left := pad / 2
		fmt.Println("║" + strings.Repeat(" ", left) + line + strings.Repeat(" ", pad-left) + "║")
	}
	fmt.Println("╚" + strings.Repeat("═", width) + "╝")
}
