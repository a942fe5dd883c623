package main

import (
	"context"
	"errors"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kalambet/optlog/internal/api"
	"github.com/kalambet/optlog/internal/assembler"
	"github.com/kalambet/optlog/internal/blob"
	"github.com/kalambet/optlog/internal/config"
	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/inflight"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/metrics"
	"github.com/kalambet/optlog/internal/ollama"
	"github.com/kalambet/optlog/internal/pipeline"
	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/share"
	"github.com/kalambet/optlog/internal/storage"
	"github.com/kalambet/optlog/internal/stt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the optlog server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running optlog server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show optlog system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "optlog.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(level)})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "optlog version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("optlog is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("optlog is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LLM.Provider == config.LLMOllama {
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), cfg.Ollama.Model, os.Stderr); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	blobs, err := blob.NewFSStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return err
	}

	overrides, err := prompts.LoadOverrides(cfg.Prompts.File)
	if err != nil {
		return err
	}

	transcriber, err := stt.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configuring speech-to-text: %w", err)
	}
	generator, err := llm.New(cfg)
	if err != nil {
		return fmt.Errorf("configuring text generation: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewPipeline(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	locks := inflight.New(cfg.Edit.LockTTL)
	asm := assembler.New(store, overrides, cfg.Pipeline.HistoryLimit)
	processor := pipeline.New(store, blobs, transcriber, generator, asm, locks, pipeline.Options{
		MinTranscriptChars: cfg.Pipeline.MinTranscriptChars,
		Language:           cfg.STT.Language,
		Metrics:            m,
	})

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Blobs:     blobs,
		Processor: processor,
		Editor:    editing.New(store, generator, locks, editing.Options{Metrics: m}),
		Publisher: share.New(store, share.Config{
			PublicBaseURL:     cfg.Server.PublicBaseURL,
			DefaultExpiryDays: cfg.Share.DefaultExpiryDays,
			Metrics:           m,
		}),
		Gatherer: registry,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("pipeline configured",
		"stt", transcriber.Name(),
		"llm", generator.Provider()+"/"+generator.Model(),
		"min_transcript_chars", cfg.Pipeline.MinTranscriptChars,
		"history_limit", cfg.Pipeline.HistoryLimit,
	)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "optlog listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves MCP over stdio. Stdout belongs to the protocol, so all
// logging goes to stderr.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	overrides, err := prompts.LoadOverrides(cfg.Prompts.File)
	if err != nil {
		return err
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:   store,
		History: assembler.New(store, overrides, cfg.Pipeline.HistoryLimit),
	}, version)
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("optlog is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop optlog (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to optlog (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Speech-to-text", "%s (%s, language %s)", cfg.STT.Provider, cfg.STT.Model, cfg.STT.Language)
	switch cfg.LLM.Provider {
	case config.LLMOllama:
		state := "not running"
		if ollama.New(cfg.Ollama.BaseURL).Ping(context.Background()) == nil {
			state = "running"
		}
		printStatus("Generation", "ollama %s at %s (%s)", cfg.Ollama.Model, cfg.Ollama.BaseURL, state)
	default:
		printStatus("Generation", "%s %s", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.Prompts.File != "" {
		printStatus("Prompt overrides", "%s", cfg.Prompts.File)
	}
	printStatus("Public URL", "%s", cfg.Server.PublicBaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
