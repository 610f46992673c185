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

	"github.com/dkeye/Pulse/internal/adapters/fsstore"
	"github.com/dkeye/Pulse/internal/adapters/httpctl"
	"github.com/dkeye/Pulse/internal/adapters/media"
	"github.com/dkeye/Pulse/internal/adapters/memstore"
	"github.com/dkeye/Pulse/internal/adapters/token"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	self, err := domain.NewUser(cfg.UserName, cfg.UserAvatar)
	if err != nil {
		log.Error().Err(err).Msg("invalid user identity")
		os.Exit(1)
	}
	if cfg.UserID != "" {
		self.ID = domain.UserID(cfg.UserID)
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to open session store")
		os.Exit(1)
	}
	defer closeStore()

	deps := app.Deps{
		Store:   store,
		Media:   media.NewTransport(media.Config{GatewayURL: cfg.GatewayURL, STUNServers: cfg.STUNServers}),
		Devices: media.NewDevices(media.DevicesConfig{AudioSource: cfg.AudioSource, VideoSource: cfg.VideoSource}, self.ID),
		Tokens:  token.NewClient(cfg.TokenURL),
	}
	tun := app.Tunables{
		SignalRetry:     app.RetryPolicy{Attempts: cfg.SignalRetryAttempts, Backoff: cfg.SignalRetryBackoff},
		AcquireAttempts: cfg.AcquireAttempts,
		TickInterval:    cfg.TickInterval,
		RoomCapacity:    cfg.RoomCapacity,
		VolumeFloor:     cfg.VolumeFloor,
	}

	coord := app.NewCoordinator(deps, tun, *self)
	if err := coord.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start coordinator")
		os.Exit(1)
	}
	defer coord.Stop()

	r := httpctl.SetupRouter(ctx, cfg, coord, store)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(self.ID)).Msg("Pulse client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
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

func buildStore(ctx context.Context, cfg *config.Config) (core.SessionStore, func(), error) {
	switch cfg.Store {
	case "firestore":
		fs, err := fsstore.New(ctx, fsstore.Config{
			ProjectID:       cfg.FirestoreProject,
			CredentialsFile: cfg.FirestoreCredsFile,
			RingTimeout:     cfg.RingTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	default:
		ms := memstore.New(memstore.Config{
			RingTimeout:         cfg.RingTimeout,
			EmptyRoomCloseAfter: cfg.RoomEmptyCloseAfter,
		})
		return ms, func() {}, nil
	}
}
