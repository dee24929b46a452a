package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Classroom/internal/adapters/http"
	"github.com/dkeye/Classroom/internal/adapters/store"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/app/sfu"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

const sweepInterval = time.Minute

type closableStores interface {
	core.Stores
	store.Seeder
	Close() error
}

func openStores(cfg *config.Config, publish store.InsertPublisher) (closableStores, error) {
	if cfg.Store == "sqlite" {
		return store.OpenSQLite(cfg.DatabasePath, publish)
	}
	return memoryStores{store.NewMemory(publish)}, nil
}

type memoryStores struct{ *store.Memory }

func (memoryStores) Close() error { return nil }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	hub := app.NewHub(app.SimplePolicy{}, app.DefaultInsertBuffer)
	defer hub.Close()

	stores, err := openStores(cfg, func(m domain.ChatMessage) {
		res := hub.PublishInsert(m)
		log.Debug().Str("module", "main").Str("session", string(m.SessionID)).Int("sent_to", res.SendTo).Msg("insert published")
	})
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("failed to open store")
	}
	defer stores.Close()
	if cfg.SeedPath != "" {
		if err := store.SeedFile(ctx, stores, cfg.SeedPath); err != nil {
			log.Fatal().Err(err).Str("file", cfg.SeedPath).Msg("failed to seed store")
		}
	}

	if cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		log.Warn().Str("module", "main").Msg("livekit keys not configured, token endpoint will refuse requests")
	}
	limiter := router.NewSendRateLimiter(cfg.Chat.SendRate, cfg.Chat.SendInterval)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Stores:   stores,
		Hub:      hub,
		Registry: app.NewRegistry(),
		Tokens:   sfu.NewIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL),
		RelayURL: cfg.LiveKit.URL,
		Limiter:  limiter,
		Window:   cfg.JoinWindow,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Classroom server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				topics := hub.Sweep()
				idle := limiter.Forget()
				log.Debug().Str("module", "main").Int("topics", topics).Int("limiter", idle).Msg("sweep")
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
