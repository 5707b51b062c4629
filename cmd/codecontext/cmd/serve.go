package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codecontext-dev/codecontext/internal/chunk"
	"github.com/codecontext-dev/codecontext/internal/config"
	"github.com/codecontext-dev/codecontext/internal/embed"
	"github.com/codecontext-dev/codecontext/internal/index"
	"github.com/codecontext-dev/codecontext/internal/logging"
	"github.com/codecontext-dev/codecontext/internal/mcp"
	"github.com/codecontext-dev/codecontext/internal/scanner"
	"github.com/codecontext-dev/codecontext/internal/search"
	"github.com/codecontext-dev/codecontext/internal/store"
	"github.com/codecontext-dev/codecontext/internal/telemetry"
	"github.com/codecontext-dev/codecontext/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long serve will wait for the file
// watcher to attach before giving up and serving without live updates.
// CODECONTEXT_WATCHER_STARTUP_TIMEOUT overrides it, mainly for tests that
// simulate a slow filesystem.
const defaultWatcherStartupTimeout = 2 * time.Second

// serveDebugLogging is set from the --debug flag before runServe/
// runServeWithSession run. Those two entry points keep the exact signature
// callers (resume.go, root.go's smart-default path, tests) already depend
// on, so the flag travels via this package-level switch instead of a new
// parameter.
var serveDebugLogging bool

func newServeCmd() *cobra.Command {
	var transport string
	var port int
	var session string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol server for the current project.

The server exposes hybrid (BM25 + semantic) search over the project's
index to AI coding assistants over stdio (or SSE, once available).

BUG-034/BUG-035: stdout is reserved exclusively for the JSON-RPC stream.
All diagnostics go to the debug log file; use --debug to increase verbosity.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			serveDebugLogging = debug
			if session != "" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					root, _ = os.Getwd()
				}
				return runServeWithSession(ctx, session, root, transport, port)
			}
			return runServe(ctx, transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().IntVar(&port, "port", 8765, "Port for SSE transport")
	cmd.Flags().StringVar(&session, "session", "", "Save/resume this server under a named session")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose debug logging to the log file")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe, not an interactive
// terminal. Running `codecontext serve` directly from a shell is almost
// always a mistake - MCP clients launch it as a subprocess and talk JSON-RPC
// over its stdin/stdout.
func verifyStdinForMCP() error {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat stdin: %w", err)
	}
	if (fi.Mode() & os.ModeCharDevice) != 0 {
		return fmt.Errorf("stdin is a terminal, not a pipe - codecontext serve expects to be launched by an MCP client, not run interactively")
	}
	return nil
}

// runServe starts the MCP server for the project rooted at the current
// working directory.
func runServe(ctx context.Context, transport string, port int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serveProject(ctx, root, transport, port)
}

// runServeWithSession starts the MCP server for a project resumed from a
// named session, chdir'ing into its saved project path first so relative
// lookups (config, .codecontext) resolve correctly.
func runServeWithSession(ctx context.Context, _ string, projectPath, transport string, port int) error {
	oldDir, err := os.Getwd()
	if err == nil {
		defer func() { _ = os.Chdir(oldDir) }()
	}
	if err := os.Chdir(projectPath); err != nil {
		return fmt.Errorf("failed to switch to project directory %s: %w", projectPath, err)
	}
	return serveProject(ctx, projectPath, transport, port)
}

// serveProject wires the on-disk index for root into a search engine, starts
// the MCP server, and attaches a background file watcher for live updates.
// Per BUG-035, the watcher attaches asynchronously: startup must not block
// on it, and no output may reach stdout before MCP begins serving.
func serveProject(ctx context.Context, root, transport string, port int) error {
	logLevel := "info"
	if serveDebugLogging {
		logLevel = "debug"
	}
	cleanup, err := logging.SetupMCPModeWithLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanup()

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin validation failed, continuing anyway", slog.String("error", err.Error()))
		}
	}

	dataDir := filepath.Join(root, ".codecontext")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, statErr := os.Stat(metadataPath); os.IsNotExist(statErr) {
		return fmt.Errorf("no index found at %s - run 'codecontext index' first", dataDir)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	backend := cfg.Search.BM25Backend
	if backend == "" {
		if detected := store.DetectBM25Backend(bm25BasePath); detected != "" {
			backend = string(detected)
		} else {
			backend = "sqlite"
		}
	}
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), backend)
	if err != nil {
		_ = metadata.Close()
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}

	embedder, err := embed.NewDefaultEmbedder(ctx)
	if err != nil {
		slog.Warn("falling back to static embedder, semantic search quality will be reduced", slog.String("error", err.Error()))
		embedder = embed.NewStaticEmbedder768()
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		_ = vector.Load(vectorPath)
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}

	queryMetrics := telemetry.NewQueryMetrics(nil)
	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithMetrics(queryMetrics))
	if err != nil {
		_ = vector.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return fmt.Errorf("failed to create search engine: %w", err)
	}

	server, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		_ = vector.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	server.SetMetrics(queryMetrics)

	defer func() {
		_ = vector.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		if embedder != nil {
			_ = embedder.Close()
		}
	}()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go startBackgroundWatcher(watchCtx, root, dataDir, cfg, engine, metadata)

	addr := ""
	if transport == "sse" {
		addr = fmt.Sprintf(":%d", port)
	}
	return server.Serve(ctx, transport, addr)
}

// startBackgroundWatcher attaches a file watcher and feeds its events into a
// Coordinator for incremental index updates. It never blocks MCP startup:
// callers run it in a goroutine, and attachment itself is bounded by
// CODECONTEXT_WATCHER_STARTUP_TIMEOUT (default 2s) so a slow filesystem
// degrades to "no live updates" instead of delaying the handshake.
func startBackgroundWatcher(ctx context.Context, root, dataDir string, cfg *config.Config, engine *search.Engine, metadata store.MetadataStore) {
	timeout := defaultWatcherStartupTimeout
	if v := os.Getenv("CODECONTEXT_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	type attachResult struct {
		w   *watcher.HybridWatcher
		err error
	}
	attached := make(chan attachResult, 1)

	go func() {
		w, err := watcher.NewHybridWatcher(watcher.Options{
			IgnorePatterns: cfg.Paths.Exclude,
		})
		if err != nil {
			attached <- attachResult{err: err}
			return
		}
		if err := w.Start(ctx, root); err != nil {
			attached <- attachResult{err: err}
			return
		}
		attached <- attachResult{w: w}
	}()

	var w *watcher.HybridWatcher
	select {
	case res := <-attached:
		if res.err != nil {
			slog.Warn("file watcher failed to start, live updates disabled", slog.String("error", res.err.Error()))
			return
		}
		w = res.w
	case <-time.After(timeout):
		slog.Warn("file watcher did not attach in time, live updates disabled", slog.Duration("timeout", timeout))
		return
	case <-ctx.Done():
		return
	}
	defer func() { _ = w.Stop() }()

	projectScanner, err := scanner.New()
	if err != nil {
		slog.Warn("failed to create scanner for gitignore reconciliation", slog.String("error", err.Error()))
	}

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       hashProjectRoot(root),
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          engine,
		Metadata:        metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         projectScanner,
		ExcludePatterns: cfg.Paths.Exclude,
	})

	// A foreground 'codecontext index' run holds the same cross-process lock
	// (index.go's runIndexWithOptions); skip startup reconciliation rather
	// than racing it for the BM25/vector/metadata stores.
	runLock := embed.NewNamedFileLock(dataDir, ".index.lock")
	if acquired, lockErr := runLock.TryLock(); lockErr != nil {
		slog.Warn("failed to check index run lock, skipping startup reconciliation", slog.String("error", lockErr.Error()))
	} else if !acquired {
		slog.Info("index run in progress in another process, skipping startup reconciliation")
	} else {
		defer func() { _ = runLock.Unlock() }()
		if err := coordinator.ReconcileOnStartup(ctx); err != nil {
			slog.Warn("startup reconciliation failed", slog.String("error", err.Error()))
		}
	}

	slog.Info("file watcher attached, live index updates enabled", slog.String("root", root))

	for {
		select {
		case events, ok := <-w.Events():
			if !ok {
				coordinator.Cancel()
				return
			}
			if err := coordinator.HandleEvents(ctx, events); err != nil {
				slog.Warn("failed to apply file events to index", slog.String("error", err.Error()))
			}
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("file watcher error", slog.String("error", err.Error()))
		case <-ctx.Done():
			_ = coordinator.Stop()
			coordinator.Cancel()
			return
		}
	}
}

// hashProjectRoot derives the project ID the same way the indexer does, so
// the watcher-driven coordinator updates the project the initial index run
// created.
func hashProjectRoot(root string) string {
	h := sha256.Sum256([]byte(root))
	return hex.EncodeToString(h[:])[:16]
}
