// Command voxbroker is the real-time voice-agent broker server: it hosts
// the call sessions (VAD → STT → LLM → TTS), the product-catalog sync
// pipeline, and the operational HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/stimmwerk/voxbroker/internal/config"
	"github.com/stimmwerk/voxbroker/internal/health"
	"github.com/stimmwerk/voxbroker/internal/observe"
	"github.com/stimmwerk/voxbroker/internal/productsync"
	"github.com/stimmwerk/voxbroker/internal/resilience"
	"github.com/stimmwerk/voxbroker/internal/session"
	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
	"github.com/stimmwerk/voxbroker/internal/tools/woocommerce"
	pgvec "github.com/stimmwerk/voxbroker/internal/vectorstore/pgvector"
	"github.com/stimmwerk/voxbroker/pkg/provider/embeddings"
	"github.com/stimmwerk/voxbroker/pkg/provider/llm"
	"github.com/stimmwerk/voxbroker/pkg/provider/stt"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/provider/vad"
)

// version is stamped via -ldflags at release time.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbroker: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbroker: %v\n", err)
		}
		return 1
	}

	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbroker starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbroker",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open database pool", "err", err)
		return 1
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("database unreachable", "err", err)
		return 1
	}

	st := store.NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("schema migration failed", "err", err)
		return 1
	}

	vectors, err := pgvec.New(pool, pgvec.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create vector store", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	config.RegisterDefaults(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Tool registry ─────────────────────────────────────────────────────────
	toolReg := tools.NewRegistry()
	if err := woocommerce.Register(toolReg); err != nil {
		slog.Error("failed to register tool integrations", "err", err)
		return 1
	}

	// ── Seed agents from config ───────────────────────────────────────────────
	if err := seedAgents(ctx, st, cfg); err != nil {
		slog.Error("failed to seed agents", "err", err)
		return 1
	}

	// ── Session manager ───────────────────────────────────────────────────────
	mgrOpts := []session.ManagerOption{
		session.WithManagerLogger(logger),
	}
	if cfg.Providers.STT.Model != "" {
		mgrOpts = append(mgrOpts, session.WithSTTModel(cfg.Providers.STT.Model))
	}
	if providers.Embeddings != nil {
		mgrOpts = append(mgrOpts, session.WithRetrieval(providers.Embeddings, vectors, cfg.RAG.Collection, cfg.RAG.TopK))
	}

	manager, err := session.NewManager(session.Services{
		STT:     providers.STT,
		LLM:     providers.LLM,
		TTS:     providers.TTS,
		VAD:     providers.VAD,
		Metrics: metrics,
		Logger:  logger,
	}, st, toolReg, mgrOpts...)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}

	// ── Catalog sync service ──────────────────────────────────────────────────
	var syncSvc *productsync.Service
	switch {
	case cfg.Sync.Disabled:
		slog.Info("catalog sync disabled by config")
	case providers.Embeddings == nil:
		slog.Info("catalog sync disabled: no embeddings provider configured")
	default:
		syncSvc, err = buildSyncService(cfg, st, toolReg, vectors, providers.Embeddings, logger)
		if err != nil {
			slog.Error("failed to create sync service", "err", err)
			return 1
		}
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(old, new, st, logLevel)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, syncSvc != nil)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if syncSvc != nil {
		g.Go(func() error {
			if err := syncSvc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync service: %w", err)
			}
			return nil
		})
	}

	healthHandler := health.New(health.Ping("database", pool))

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		healthHandler.Register(mux)
		serveHTTP(gctx, g, "metrics", cfg.Server.MetricsAddr, nil, mux)
	}

	if cfg.Server.ListenAddr != "" {
		mux := newAPIMux(manager, syncSvc, healthHandler)
		serveHTTP(gctx, g, "api", cfg.Server.ListenAddr, cfg.Server.TLS, observe.Middleware(metrics)(mux))
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("session manager shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the instantiated pipeline providers.
type providerSet struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
}

// buildProviders instantiates every provider named in cfg from the registry.
// An entry with a fallback block gets wrapped in the matching resilience
// group so the secondary takes over when the primary's circuit opens.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		if fb := cfg.Providers.LLM.Fallback; fb != nil {
			secondary, err := reg.CreateLLM(*fb)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			group := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{Stage: "llm"})
			group.AddFallback(fb.Name, secondary)
			p = group
			slog.Info("provider fallback armed", "kind", "llm", "primary", name, "fallback", fb.Name)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		if fb := cfg.Providers.STT.Fallback; fb != nil {
			secondary, err := reg.CreateSTT(*fb)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			group := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{Stage: "stt"})
			group.AddFallback(fb.Name, secondary)
			p = group
			slog.Info("provider fallback armed", "kind", "stt", "primary", name, "fallback", fb.Name)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		if fb := cfg.Providers.TTS.Fallback; fb != nil {
			secondary, err := reg.CreateTTS(*fb)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
			}
			group := resilience.NewTTSFallback(p, name, resilience.FallbackConfig{Stage: "tts"})
			group.AddFallback(fb.Name, secondary)
			p = group
			slog.Info("provider fallback armed", "kind", "tts", "primary", name, "fallback", fb.Name)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// ── Sync service ──────────────────────────────────────────────────────────────

func buildSyncService(cfg *config.Config, st store.Store, toolReg *tools.Registry, vectors *pgvec.Store, embedder embeddings.Provider, logger *slog.Logger) (*productsync.Service, error) {
	syncOpts := []productsync.SyncerOption{productsync.WithSyncLogger(logger)}
	if d := cfg.Sync.DefaultInterval(); d > 0 {
		syncOpts = append(syncOpts, productsync.WithSyncInterval(d))
	}
	syncer := productsync.NewSyncer(st, toolReg, syncOpts...)

	idxOpts := []productsync.IndexerOption{productsync.WithIndexLogger(logger)}
	if config.IsLocalProvider("embeddings", cfg.Providers.Embeddings.Name) {
		idxOpts = append(idxOpts, productsync.WithEmbedBatchSize(productsync.LocalEmbedBatchSize))
	}
	indexer, err := productsync.NewIndexer(st, vectors, embedder, cfg.RAG.Collection, idxOpts...)
	if err != nil {
		return nil, err
	}

	svcOpts := []productsync.ServiceOption{productsync.WithServiceLogger(logger)}
	if d := cfg.Sync.SweepInterval(); d > 0 {
		svcOpts = append(svcOpts, productsync.WithSweepInterval(d))
	}
	return productsync.NewService(st, toolReg, syncer, indexer, svcOpts...), nil
}

// ── Agent seeding ─────────────────────────────────────────────────────────────

// seedAgents upserts the agents declared in the config file into the store,
// together with their tool bindings and retrieval configs. The slug is the
// stable identity, so re-running on restart or hot reload is idempotent.
func seedAgents(ctx context.Context, st store.Store, cfg *config.Config) error {
	for _, ac := range cfg.Agents {
		model := ac.Model
		if model == "" {
			model = cfg.Providers.LLM.Model
		}
		agent := &store.Agent{
			Slug:          ac.Slug,
			Name:          ac.Name,
			SystemPrompt:  ac.SystemPrompt,
			Greeting:      ac.Greeting,
			Language:      ac.Language,
			VoiceProvider: ac.Voice.Provider,
			VoiceID:       ac.Voice.VoiceID,
			LLMProvider:   cfg.Providers.LLM.Name,
			LLMModel:      model,
			Temperature:   ac.Temperature,
			MaxTokens:     ac.MaxTokens,
		}
		if err := st.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("upsert agent %q: %w", ac.Slug, err)
		}

		for _, tc := range ac.Tools {
			binding := &store.AgentTool{
				AgentID:         agent.ID,
				ToolSlug:        tc.Tool,
				IntegrationSlug: tc.Integration,
				Enabled:         !tc.Disabled,
				Config:          tc.Config,
				SyncInterval:    tc.SyncInterval(),
				MaxProducts:     tc.MaxProducts,
			}
			if err := st.UpsertAgentTool(ctx, binding); err != nil {
				return fmt.Errorf("upsert tool %q for agent %q: %w", tc.Tool, ac.Slug, err)
			}
		}

		if ac.RAG.Enabled {
			ragCfg := &store.RAGConfig{
				AgentID:           agent.ID,
				Enabled:           true,
				Collection:        cfg.RAG.Collection,
				Namespace:         "products",
				TopK:              ac.RAG.TopK,
				EmbeddingProvider: cfg.Providers.Embeddings.Name,
				EmbeddingModel:    cfg.Providers.Embeddings.Model,
			}
			if err := st.UpsertRAGConfig(ctx, ragCfg); err != nil {
				return fmt.Errorf("upsert rag config for agent %q: %w", ac.Slug, err)
			}
		}
		slog.Info("agent seeded", "slug", ac.Slug, "tools", len(ac.Tools), "rag", ac.RAG.Enabled)
	}
	return nil
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable parts of a config change:
// the log level flips immediately, and changed agents are re-seeded so
// running sessions pick up prompts and voices on their next turn.
func applyConfigChange(old, new *config.Config, st store.Store, level *slog.LevelVar) {
	diff := config.Diff(old, new)

	if diff.LogLevelChanged {
		level.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.AgentsChanged {
		for _, ch := range diff.AgentChanges {
			slog.Info("agent config changed",
				"slug", ch.Slug,
				"added", ch.Added,
				"removed", ch.Removed,
				"prompt", ch.PromptChanged,
				"greeting", ch.GreetingChanged,
				"voice", ch.VoiceChanged,
			)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := seedAgents(ctx, st, new); err != nil {
			slog.Error("failed to re-seed agents after config change", "err", err)
		}
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

// newAPIMux builds the control-plane API: active calls, sync status, and a
// forced sync trigger. The media transport attaches to the session manager
// separately; this surface is for operators.
func newAPIMux(manager *session.Manager, syncSvc *productsync.Service, healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	healthHandler.Register(mux)

	mux.HandleFunc("GET /v1/calls", func(w http.ResponseWriter, r *http.Request) {
		type call struct {
			CallID    string    `json:"call_id"`
			SessionID string    `json:"session_id"`
			AgentSlug string    `json:"agent_slug"`
			StartedAt time.Time `json:"started_at"`
		}
		active := manager.Active()
		calls := make([]call, 0, len(active))
		for _, c := range active {
			calls = append(calls, call{
				CallID:    c.CallID,
				SessionID: c.SessionID,
				AgentSlug: c.AgentSlug,
				StartedAt: c.StartedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
	})

	mux.HandleFunc("GET /v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if syncSvc == nil {
			writeJSON(w, http.StatusOK, map[string]any{"disabled": true})
			return
		}
		status, err := syncSvc.Status(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bindings": status})
	})

	mux.HandleFunc("POST /v1/sync/run", func(w http.ResponseWriter, r *http.Request) {
		if syncSvc == nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "catalog sync is disabled"})
			return
		}
		force := r.URL.Query().Get("force") == "true"
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := syncSvc.SyncAll(ctx, force); err != nil {
				slog.Error("manual sync run failed", "err", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "force": force})
	})

	return mux
}

// serveHTTP runs an HTTP server on the errgroup and shuts it down when the
// group context is cancelled.
func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, tlsCfg *config.TLSConfig, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("http server listening", "server", name, "addr", addr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, syncEnabled bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxbroker — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  Agents          : %-19d ║\n", len(cfg.Agents))
	if syncEnabled {
		fmt.Printf("║  Catalog sync    : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Catalog sync    : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Metrics addr    : %-19s ║\n", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// newLogger builds the process logger with a mutable level so the config
// watcher can adjust verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := &slog.LevelVar{}
	lvl.Set(level.Slog())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}
