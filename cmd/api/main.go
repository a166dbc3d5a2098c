package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/itai-weiss/WA-bot/internal/bot"
	"github.com/itai-weiss/WA-bot/internal/config"
	"github.com/itai-weiss/WA-bot/internal/core"
	"github.com/itai-weiss/WA-bot/internal/db"
	"github.com/itai-weiss/WA-bot/internal/dispatch"
	httpapi "github.com/itai-weiss/WA-bot/internal/http"
	"github.com/itai-weiss/WA-bot/internal/provider"
	"github.com/itai-weiss/WA-bot/internal/when"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db pool")
	}
	defer pool.Close()

	if err := db.Migrate(rootCtx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	database := db.NewDB(pool)

	store := &core.Store{
		DB:     database,
		Tasks:  &dispatch.Postgres{DB: pool},
		Window: cfg.CorrelationWindow,
	}

	var client provider.Client
	if cfg.AccessToken != "" {
		client = provider.NewWhatsApp(cfg.AccessToken, cfg.PhoneNumberID, cfg.SendTimeout)
	} else {
		log.Warn().Msg("no access token configured, using dummy provider")
		client = provider.NewDummy()
	}

	b := &bot.Bot{
		Store:         store,
		Client:        client,
		When:          when.NewParser(cfg.Timezone),
		OwnerWAID:     cfg.OwnerWAID,
		PhoneNumberID: cfg.PhoneNumberID,
		Timezone:      cfg.Timezone,
		Log:           log.With().Str("component", "bot").Logger(),
	}

	srv := &httpapi.Server{
		Store:       store,
		Bot:         b,
		VerifyToken: cfg.VerifyToken,
		AdminToken:  cfg.AdminToken,
		Log:         log,
	}

	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	_ = server.Shutdown(shutdownCtx)
}
