package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/itai-weiss/WA-bot/internal/config"
	"github.com/itai-weiss/WA-bot/internal/core"
	"github.com/itai-weiss/WA-bot/internal/db"
	"github.com/itai-weiss/WA-bot/internal/dispatch"
	"github.com/itai-weiss/WA-bot/internal/metrics"
	"github.com/itai-weiss/WA-bot/internal/provider"
	wpkg "github.com/itai-weiss/WA-bot/internal/worker"
)

// Expired correlations are swept on this cadence.
const sweepSpec = "*/30 * * * *"

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "worker").Logger()

	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("load config")
		exitCode = 1
		return
	}

	opts := wpkg.Options{
		BatchSize:     atoiEnv("WORKER_BATCH", 50),
		Concurrency:   atoiEnv("WORKER_CONCURRENCY", 8),
		PollInterval:  durEnv("WORKER_POLL_MS", 200*time.Millisecond),
		IdleSleep:     durEnv("WORKER_IDLE_MS", 500*time.Millisecond),
		DBBackoffMin:  durEnv("WORKER_DB_BACKOFF_MIN_MS", 200*time.Millisecond),
		DBBackoffMax:  durEnv("WORKER_DB_BACKOFF_MAX_MS", 5*time.Second),
		ProviderQPS:   atofEnv("PROVIDER_QPS", 20),
		ProviderBurst: atoiEnv("PROVIDER_BURST", 40),
		SendTimeout:   cfg.SendTimeout,
		MaxAttempts:   atoiEnv("WORKER_MAX_ATTEMPTS", 5),
	}

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("db pool")
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := pool.Ping(rootCtx); err != nil {
		log.Error().Err(err).Msg("db ping")
		exitCode = 1
		return
	}

	if err := db.Migrate(rootCtx, pool); err != nil {
		log.Error().Err(err).Msg("migrate")
		exitCode = 1
		return
	}

	tasks := &dispatch.Postgres{DB: pool}
	store := &core.Store{DB: db.NewDB(pool), Tasks: tasks, Window: cfg.CorrelationWindow}

	var client provider.Client
	if cfg.AccessToken != "" {
		client = provider.NewWhatsApp(cfg.AccessToken, cfg.PhoneNumberID, cfg.SendTimeout)
	} else {
		log.Warn().Msg("no access token configured, using dummy provider")
		client = provider.NewDummy()
	}

	// ---- Correlation sweeper ----
	sweeper := cron.New()
	_, err = sweeper.AddFunc(sweepSpec, func() {
		removed, err := store.SweepCorrelations(rootCtx)
		if err != nil {
			log.Error().Err(err).Msg("correlation sweep")
			return
		}
		metrics.SweepRemoved.Add(float64(removed))
		log.Info().Int64("removed", removed).Msg("correlation sweep completed")
	})
	if err != nil {
		log.Error().Err(err).Msg("sweeper schedule")
		exitCode = 1
		return
	}
	sweeper.Start()
	defer sweeper.Stop()

	// ---- Healthz ----
	go serveHealthz(log)

	// ---- Executor ----
	engine := &wpkg.Engine{
		Store:  store,
		Tasks:  tasks,
		Client: client,
		Log:    log.With().Str("component", "executor").Logger(),
		Opt:    opts,
	}
	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exited")
		exitCode = 1
		return
	}
}

func serveHealthz(log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := env("HEALTH_ADDR", "0.0.0.0:9090")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("healthz server")
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoiEnv(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func atofEnv(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func durEnv(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
