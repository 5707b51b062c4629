package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codecontext-dev/codecontext/internal/config"
	"github.com/codecontext-dev/codecontext/internal/embed"
	"github.com/codecontext-dev/codecontext/internal/search"
	"github.com/codecontext-dev/codecontext/internal/store"
	"github.com/codecontext-dev/codecontext/internal/telemetry"
)

// Daemon is the long-lived background process behind the `daemon` subcommand.
// It keeps one embedder warm and lazily loads per-project search engines on
// demand, evicting the least-recently-used project once MaxProjects is
// exceeded.
type Daemon struct {
	config  Config
	server  *Server
	pidFile *PIDFile

	compaction *CompactionManager

	mu       sync.RWMutex
	embedder embed.Embedder
	projects map[string]*projectState
	started  time.Time

	queryMetrics *telemetry.QueryMetrics
	prom         *telemetry.PrometheusMetrics
	metricsSrv   *http.Server
}

// projectState holds the loaded search stack for a single project root.
type projectState struct {
	rootPath string

	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	engine   *search.Engine

	loadedAt time.Time
	lastUsed time.Time
}

// Close releases every store held by the project. Stores that were never
// opened (nil) are skipped; this happens in tests and in defensive paths
// where loading failed partway through.
func (p *projectState) Close() error {
	var errs []error
	if p.bm25 != nil {
		if err := p.bm25.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.vector != nil {
		if err := p.vector.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.metadata != nil {
		if err := p.metadata.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder overrides the embedder the daemon loads projects with.
// Primarily used by tests to avoid starting a real Ollama/MLX backend.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// NewDaemon creates a Daemon listening on cfg.SocketPath. The embedder is
// not created here (it may require a cold model load); Start creates one
// from the environment unless WithEmbedder already supplied it.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	server, err := NewServer(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		server:       server,
		pidFile:      NewPIDFile(cfg.PIDPath),
		projects:     make(map[string]*projectState),
		queryMetrics: telemetry.NewQueryMetrics(nil),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.compaction = NewCompactionManager(d, config.NewConfig().Compaction)
	server.SetHandler(d)

	return d, nil
}

// Start runs the daemon until ctx is cancelled. It writes the PID file,
// starts the compaction manager, and blocks inside the socket server's
// accept loop.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.config.EnsureDir(); err != nil {
		return fmt.Errorf("failed to prepare daemon directories: %w", err)
	}

	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	d.mu.Lock()
	if d.embedder == nil {
		emb, err := embed.NewDefaultEmbedder(ctx)
		if err != nil {
			slog.Warn("daemon starting without embedder, search will be keyword-only",
				slog.String("error", err.Error()))
		} else {
			d.embedder = emb
		}
	}
	d.prom = telemetry.NewPrometheusMetrics()
	d.queryMetrics.SetPrometheus(d.prom)
	d.started = time.Now()
	d.mu.Unlock()

	if d.config.MetricsAddr != "" {
		d.startMetricsServer()
	}

	defer d.cleanup()

	d.compaction.Start(ctx)
	defer d.compaction.Stop()

	slog.Info("daemon started",
		slog.String("socket", d.config.SocketPath),
		slog.Int("max_projects", d.config.MaxProjects))

	return d.server.ListenAndServe(ctx)
}

// startMetricsServer starts the /metrics HTTP listener on config.MetricsAddr.
// Bind failures are logged, not fatal: a daemon that can't export metrics
// should still serve search.
func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.prom.Handler())

	srv := &http.Server{Addr: d.config.MetricsAddr, Handler: mux}
	d.metricsSrv = srv

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", slog.String("addr", d.config.MetricsAddr), slog.String("error", err.Error()))
		}
	}()

	slog.Info("metrics server listening", slog.String("addr", d.config.MetricsAddr))
}

// cleanup closes every loaded project and the shared embedder. Called once
// Start's context is cancelled, and directly by tests.
func (d *Daemon) cleanup() {
	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownGracePeriod)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("failed to shut down metrics server cleanly", slog.String("error", err.Error()))
		}
		cancel()
		d.metricsSrv = nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for path, state := range d.projects {
		if err := state.Close(); err != nil {
			slog.Warn("failed to close project cleanly", slog.String("project", path), slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}

// GetStatus reports the daemon's current health. Implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		ProjectsLoaded: len(d.projects),
	}

	if d.embedder == nil {
		status.EmbedderType = "unavailable"
		status.EmbedderStatus = "unavailable"
		return status
	}

	status.EmbedderType = d.embedder.ModelName()
	status.EmbedderStatus = "ready"
	return status
}

// HandleSearch loads (or reuses) the project at params.RootPath and runs a
// hybrid search against it. Implements RequestHandler.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	state, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	d.compaction.InterruptCompaction(params.RootPath)

	opts := search.SearchOptions{
		Limit:    params.Limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		Explain:  params.Explain,
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	results, err := state.engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	d.mu.Lock()
	state.lastUsed = time.Now()
	d.mu.Unlock()
	d.compaction.OnSearchComplete(params.RootPath)

	return toDaemonResults(results), nil
}

// loadProject returns the cached search stack for rootPath, opening it from
// disk on first use. Mirrors the local (non-daemon) search path the CLI
// falls back to when the daemon isn't running.
func (d *Daemon) loadProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.RLock()
	if state, ok := d.projects[rootPath]; ok {
		d.mu.RUnlock()
		return state, nil
	}
	projectCount := len(d.projects)
	embedder := d.embedder
	d.mu.RUnlock()

	dataDir := filepath.Join(rootPath, ".codecontext")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found for %s: run 'codecontext index' first", rootPath)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	if embedder == nil {
		embedder = embed.NewStaticEmbedder768()
	}

	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("project", rootPath), slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}

	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithMetrics(d.queryMetrics))
	if err != nil {
		_ = vector.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create search engine: %w", err)
	}

	now := time.Now()
	state := &projectState{
		rootPath: rootPath,
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		engine:   engine,
		loadedAt: now,
		lastUsed: now,
	}

	if projectCount >= d.config.MaxProjects {
		d.evictLRU()
	}

	d.mu.Lock()
	d.projects[rootPath] = state
	d.mu.Unlock()

	return state, nil
}

// evictLRU closes and removes the least-recently-used project, if any are
// loaded. Called before inserting a new project once MaxProjects is reached.
func (d *Daemon) evictLRU() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.projects) == 0 {
		return
	}

	var oldestPath string
	var oldestTime time.Time
	first := true
	for path, state := range d.projects {
		if first || state.lastUsed.Before(oldestTime) {
			oldestPath, oldestTime, first = path, state.lastUsed, false
		}
	}

	if state, ok := d.projects[oldestPath]; ok {
		if err := state.Close(); err != nil {
			slog.Warn("failed to close evicted project", slog.String("project", oldestPath), slog.String("error", err.Error()))
		}
	}
	delete(d.projects, oldestPath)

	slog.Debug("evicted LRU project", slog.String("project", oldestPath))
}

// toDaemonResults converts search engine results to the wire format shared
// with Client.Search.
func toDaemonResults(results []*search.SearchResult) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for i, r := range results {
		if r.Chunk == nil {
			continue
		}
		sr := SearchResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
			VecScore:  r.VecScore,
			BM25Rank:  r.BM25Rank,
			VecRank:   r.VecRank,
		}
		if i == 0 && r.Explain != nil {
			sr.Explain = &ExplainData{
				Query:                r.Explain.Query,
				BM25ResultCount:      r.Explain.BM25ResultCount,
				VectorResultCount:    r.Explain.VectorResultCount,
				BM25Weight:           r.Explain.Weights.BM25,
				SemanticWeight:       r.Explain.Weights.Semantic,
				RRFConstant:          r.Explain.RRFConstant,
				BM25Only:             r.Explain.BM25Only,
				DimensionMismatch:    r.Explain.DimensionMismatch,
				MultiQueryDecomposed: r.Explain.MultiQueryDecomposed,
				SubQueries:           r.Explain.SubQueries,
			}
		}
		out = append(out, sr)
	}
	return out
}
