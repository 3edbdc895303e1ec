package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/admin"
	"github.com/equitie/fee-engine/internal/config"
	"github.com/equitie/fee-engine/internal/formula"
	"github.com/equitie/fee-engine/internal/metrics"
	"github.com/equitie/fee-engine/internal/scenario"
	"github.com/equitie/fee-engine/internal/store"
	"github.com/equitie/fee-engine/internal/sweep"
	"github.com/equitie/fee-engine/internal/validation"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL.String())
		}
		st = store.WithTimeout(st, cfg.Store.Timeout)
	} else {
		slog.Warn("db.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine ---
	registry := formula.NewRegistry()
	registry.SetStrict(cfg.Formula.Strict)

	engine := validation.NewEngine(st, registry)
	engine.SetParallelism(cfg.Sweep.Parallelism)

	detector := validation.NewDetector()
	detector.Tolerance = decimal.NewFromFloat(cfg.Validation.AnomalyTolerance)
	engine.SetDetector(detector)

	// Stored templates override built-ins of the same name.
	if n, err := engine.LoadTemplates(ctx); err != nil {
		slog.Warn("formula templates not loaded", "err", err)
	} else {
		slog.Info("formula templates loaded", "count", n, "registered", len(engine.Templates()))
	}

	projector := scenario.NewProjector(st, cfg.Scenario.CacheTTL)
	projector.SetPersist(cfg.Scenario.Persist)

	// --- WebSocket hub ---
	hub := admin.NewHub()
	go hub.Run(ctx)

	// --- Scheduled sweep ---
	if cfg.Sweep.Enabled {
		runner := sweep.New(ctx, engine, func(outcomes []validation.DealOutcome) {
			for i := range outcomes {
				outcomes[i].Results = nil
			}
			hub.Publish(admin.Event{Type: admin.EventSweep, Payload: outcomes})
		})
		if _, err := runner.Schedule(cfg.Sweep.Schedule); err != nil {
			slog.Error("invalid sweep schedule", "schedule", cfg.Sweep.Schedule, "err", err)
			os.Exit(1)
		}
		runner.Start()
		defer runner.Stop()
	}

	adminSvc := admin.NewService(st, engine, projector, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the admin frontend.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fee-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of validation and recalculation events.
		r.Get("/ws", hub.HandleWS)

		adminSvc.Mount(r, admin.RateLimit(cfg.Admin.RecalcRPS, cfg.Admin.RecalcBurst))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fee-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down fee-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("fee-engine stopped")
}
