package main

import (
	"context"
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
	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-engine/internal/config"
	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/solvency"
	"github.com/atmx/vault-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	// Both were validated by Load.
	reg, _ := cfg.Registry()
	params, _ := cfg.RiskParams()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize ledger ---
	var store ledger.Ledger
	var cleanup []func()

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := ledger.NewPostgresLedger(pool)
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("ledger migration failed", "err", err)
				os.Exit(1)
			}
		}
		store = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Storage.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			store = ledger.NewCachedLedger(store, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (data will not persist)")
		if cfg.Storage.RedisURL != "" {
			slog.Warn("REDIS_URL ignored without DATABASE_URL")
		}
		store = ledger.NewMemoryLedger()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	notifier := ledger.NewNotifier(store)

	// --- Price oracle ---
	fetcher := oracle.NewFetcher(newOracle(cfg, reg), cfg.Oracle.MaxQuoteAge)

	// --- Solvency engine ---
	engine, err := solvency.New(reg, params)
	if err != nil {
		slog.Error("invalid risk parameters", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := vault.NewWSHub(reg)
	go wsHub.Run(ctx)
	notifier.Subscribe(wsHub.Publish)

	// --- Vault service ---
	svc := vault.NewService(notifier, fetcher, engine, cfg.Risk.MaxCommitAttempts)
	h := vault.NewHandler(svc)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for vault update notifications. Kept outside
		// the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

			r.Get("/assets", h.ListAssets)

			r.Route("/vaults/{owner}", func(r chi.Router) {
				r.Post("/", h.CreateVault)
				r.Get("/", h.GetVault)
				r.Get("/borrow-limit", h.GetBorrowLimit)
				r.Get("/health", h.GetHealth)
				r.Get("/history", h.GetHistory)

				r.Post("/deposit", h.Deposit)
				r.Post("/withdraw", h.Withdraw)
				r.Post("/borrow", h.Borrow)
				r.Post("/repay", h.Repay)
				r.Post("/preview", h.Preview)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("vault-engine listening",
			"port", cfg.Server.Port,
			"oracle", cfg.Oracle.Source,
			"debt_asset", reg.DebtAsset().ID,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down vault-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("vault-engine stopped")
}

// newOracle picks the price source named by [oracle] source.
func newOracle(cfg *config.Config, reg *registry.Registry) oracle.Oracle {
	if cfg.Oracle.Source == config.OracleHTTP {
		ids := make(map[string]string)
		for _, a := range reg.Assets() {
			if a.PriceID != "" {
				ids[a.ID] = a.PriceID
			}
		}
		slog.Info("using HTTP price oracle", "base_url", cfg.Oracle.BaseURL)
		return oracle.NewHTTPOracle(cfg.Oracle.BaseURL, ids, oracle.HTTPOptions{
			Timeout:       cfg.Oracle.Timeout,
			RatePerSecond: cfg.Oracle.RatePerSecond,
			Burst:         cfg.Oracle.Burst,
		})
	}
	slog.Warn("using static price oracle", "prices", len(cfg.Oracle.Prices))
	return oracle.NewStatic(cfg.Oracle.Prices)
}
