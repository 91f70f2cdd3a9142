package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/checkpoint"
	"github.com/H-JUYEONG/Text2SQL/agent/pkg/retrieval"
	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
	"github.com/H-JUYEONG/Text2SQL/api/config"
	"github.com/H-JUYEONG/Text2SQL/api/handlers"
	"github.com/H-JUYEONG/Text2SQL/api/metrics"
	"github.com/H-JUYEONG/Text2SQL/api/migrations"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when a shutdown signal is received so the
	// readiness probe can immediately return 503.
	shuttingDown atomic.Bool
)

const defaultMetricsAddr = "0.0.0.0:0"

// instrumentedLLM wraps the completion client with request metrics.
type instrumentedLLM struct {
	inner workflow.LLMClient
}

func (c instrumentedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := c.inner.Complete(ctx, systemPrompt, userPrompt)
	metrics.RecordAnthropicRequest(time.Since(start), err)
	return out, err
}

// instrumentedQueryEngine wraps approved query execution with metrics.
type instrumentedQueryEngine struct {
	inner workflow.QueryEngine
}

func (e instrumentedQueryEngine) Execute(ctx context.Context, sql string) (*workflow.QueryResult, error) {
	start := time.Now()
	res, err := e.inner.Execute(ctx, sql)
	metrics.RecordQueryExecution(time.Since(start), err)
	return res, err
}

func main() {
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	skipMigrations := flag.Bool("skip-migrations", false, "Skip running database migrations on startup")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("starting chat-api", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	// godotenv doesn't override existing env vars, so later files don't
	// overwrite earlier ones
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	if err := config.LoadPostgres(ctx); err != nil {
		log.Fatalf("Failed to load PostgreSQL: %v", err)
	}
	defer config.Close()

	if !*skipMigrations {
		if err := migrations.Run(ctx, logger, config.Get().DatabaseURL); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	engine, err := buildEngine(logger)
	if err != nil {
		log.Fatalf("Failed to build workflow engine: %v", err)
	}
	handlers.SetEngine(engine)

	// Start metrics server; the flag wins over METRICS_ADDR
	metricsAddr := *metricsAddrFlag
	if metricsAddr == defaultMetricsAddr {
		if env := os.Getenv("METRICS_ADDR"); env != "" {
			metricsAddr = env
		}
	}
	var metricsServer *http.Server
	if metricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			logger.Error("failed to start prometheus metrics listener", "error", err)
		} else {
			logger.Info("prometheus metrics server listening", "addr", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS configuration - origins from env or allow all
	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Admin-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := config.PgPool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed: " + handlers.SanitizeError(err)))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/status", handlers.GetStatus)

	r.Post("/api/chat", handlers.Chat)
	r.Get("/api/sessions/{id}/messages", handlers.GetSessionMessages)

	// Admin-only routes
	r.Group(func(r chi.Router) {
		r.Use(handlers.RequireAdmin)
		r.Get("/api/schema", handlers.GetSchema)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("API server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := <-shutdown
	logger.Info("received signal, shutting down gracefully", "signal", sig.String())

	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
}

// buildEngine wires the workflow engine from configuration: Anthropic client,
// Postgres-backed schema/query/retrieval, and the checkpoint store.
func buildEngine(logger *slog.Logger) (*workflow.Engine, error) {
	appCfg := config.Get()

	model := anthropic.ModelClaudeHaiku4_5
	if appCfg.AnthropicModel != "" {
		model = anthropic.Model(appCfg.AnthropicModel)
	}
	llm := instrumentedLLM{inner: workflow.NewAnthropicLLMClient(model, 4096)}

	schemaFetcher, err := workflow.NewPostgresSchemaFetcher(config.PgPool)
	if err != nil {
		return nil, err
	}
	handlers.SetSchemaSource(schemaFetcher)

	querier, err := workflow.NewPostgresQueryEngine(config.PgPool, appCfg.MaxQueryResults)
	if err != nil {
		return nil, err
	}

	// Keyword search works on any Postgres; pgvector search needs an
	// embedder wired in, which this build does not ship.
	retriever, err := retrieval.NewTextSearchRetriever(config.PgPool)
	if err != nil {
		return nil, err
	}

	var store workflow.CheckpointStore
	if appCfg.UseDBCheckpointer {
		store, err = checkpoint.NewPostgresStore(config.PgPool)
		if err != nil {
			return nil, err
		}
		logger.Info("using Postgres checkpoint store")
	} else {
		store = checkpoint.NewMemoryStore()
		logger.Info("using in-memory checkpoint store; suspended sessions do not survive restarts")
	}

	return workflow.NewEngine(workflow.EngineConfig{
		LLM:                llm,
		Retriever:          retriever,
		Schema:             schemaFetcher,
		Querier:            instrumentedQueryEngine{inner: querier},
		Store:              store,
		Logger:             logger,
		MaxRewrites:        appCfg.MaxRewrites,
		MaxValidateRetries: appCfg.MaxValidateRetries,
		RetrievalTopK:      appCfg.RetrievalTopK,
		QueryTimeout:       appCfg.QueryTimeout,
		MaxJoinedTables:    appCfg.MaxJoinedTables,
	})
}
