package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/recall/internal/api"
	"github.com/kalambet/recall/internal/config"
	"github.com/kalambet/recall/internal/embed"
	"github.com/kalambet/recall/internal/ingest"
	"github.com/kalambet/recall/internal/retry"
	"github.com/kalambet/recall/internal/search"
	"github.com/kalambet/recall/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recall server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recall server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the search tools over MCP stdio",
	Long: `Serve the search tools over MCP stdio.

Agent hosts launch this as a subprocess. Logs go to stderr so stdout
stays clean for the protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recall.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func storeConfig(cfg config.Config) store.Config {
	return store.Config{
		DataDir:         cfg.Store.DataDir,
		MinConns:        cfg.Store.MinConns,
		MaxConns:        cfg.Store.MaxConns,
		AcquireTimeout:  time.Duration(cfg.Store.AcquireTimeoutMs) * time.Millisecond,
		ConnectAttempts: cfg.Store.ConnectAttempts,
		ConnectBackoff:  time.Duration(cfg.Store.ConnectBackoffMs) * time.Millisecond,
		SlowQuery:       time.Duration(cfg.Store.SlowQueryMs) * time.Millisecond,
		SlowVectorQuery: time.Duration(cfg.Store.SlowVectorQueryMs) * time.Millisecond,
		DisableVector:   cfg.Store.DisableVector,
	}
}

func embedConfig(cfg config.Config) embed.Config {
	return embed.Config{
		BaseURL:    cfg.Embed.BaseURL,
		APIKey:     cfg.Embed.APIKey,
		Model:      cfg.Embed.Model,
		Dimensions: cfg.Embed.Dimensions,
		Timeout:    time.Duration(cfg.Embed.TimeoutMs) * time.Millisecond,
		Retry: retry.Policy{
			MaxAttempts: cfg.Embed.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Embed.BackoffMs) * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      0.2,
		},
	}
}

func searchConfig(cfg config.Config) search.Config {
	return search.Config{
		SemanticWeight:    cfg.Search.SemanticWeight,
		KeywordWeight:     cfg.Search.KeywordWeight,
		DefaultThreshold:  cfg.Search.DefaultThreshold,
		DefaultMaxResults: cfg.Search.DefaultMaxResults,
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "recall version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to start twice. The health probe also catches a server that is
	// running without a PID file left behind.
	pidPath := pidFilePath(cfg.Store.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recall is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recall is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, storeConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()

	// Jobs left running by a previous process will never finish; mark them
	// failed so they do not read as in-flight forever.
	if n, err := st.FailInterruptedJobs(ctx); err != nil {
		logger.Warn("failing interrupted jobs", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted jobs as failed", "count", n)
	}

	embedder := embed.NewClient(embedConfig(cfg), logger)
	eng := search.NewEngine(st, embedder, searchConfig(cfg), logger)
	svc := ingest.NewService(st, cfg.Ingest.BatchSize, logger)

	runner, err := ingest.NewRunner(st, embedder, cfg.Ingest.MaxJobs,
		time.Duration(cfg.Ingest.PollIntervalMs)*time.Millisecond, logger)
	if err != nil {
		return fmt.Errorf("starting ingest runner: %w", err)
	}
	defer runner.Close()
	go runner.Run(ctx)

	maintainer := store.NewMaintainer(st, time.Duration(cfg.Store.MaintenanceIntervalMin)*time.Minute, logger)
	go maintainer.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:      st,
		Engine:     eng,
		Ingest:     svc,
		APIKey:     cfg.Server.APIKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     logger,
	})
	api.RegisterPoolMetrics(st)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("recall listening", "addr", addr, "vector", st.VectorSupported())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	st, err := store.Open(context.Background(), storeConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	embedder := embed.NewClient(embedConfig(cfg), logger)
	eng := search.NewEngine(st, embedder, searchConfig(cfg), logger)

	return mcpserver.ServeStdio(api.NewMCPServer(api.MCPDeps{Engine: eng}))
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Store.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recall is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recall (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recall (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status          string `json:"status"`
			VectorSupported bool   `json:"vector_supported"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()

		switch {
		case resp.StatusCode != http.StatusOK || decodeErr != nil:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		case health.Status != "ok":
			printStatus("Server", "running on port %d (%s)", cfg.Server.Port, health.Status)
		default:
			printStatus("Server", "running on port %d", cfg.Server.Port)
		}
		if health.VectorSupported {
			printStatus("Vector search", "enabled")
		} else {
			printStatus("Vector search", "unavailable (keyword only)")
		}

		if deepResp, deepErr := client.Get(baseURL + "/health/deep"); deepErr == nil {
			var deep struct {
				Store struct {
					SizeBytes int64            `json:"size_bytes"`
					Records   map[string]int64 `json:"records"`
					Jobs      int64            `json:"jobs"`
				} `json:"store"`
			}
			if json.NewDecoder(deepResp.Body).Decode(&deep) == nil && deepResp.StatusCode == http.StatusOK {
				var total int64
				for _, n := range deep.Store.Records {
					total += n
				}
				printStatus("Records", "%d (%d decisions, %d patterns, %d notes)", total,
					deep.Store.Records["decisions"], deep.Store.Records["patterns"], deep.Store.Records["notes"])
				printStatus("Jobs", "%d", deep.Store.Jobs)
				printStatus("Database size", "%s", sizeLabel(deep.Store.SizeBytes))
			}
			deepResp.Body.Close()
		}
	}

	printStatus("Embedding model", "%s (%d dims)", cfg.Embed.Model, cfg.Embed.Dimensions)
	printStatus("Data dir", "%s", cfg.Store.DataDir)
	return nil
}

func sizeLabel(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
