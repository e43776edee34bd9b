package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kmorwick/tabletally/internal/cloud"
	"github.com/kmorwick/tabletally/internal/config"
	"github.com/kmorwick/tabletally/internal/dbconfig"
	"github.com/kmorwick/tabletally/internal/device"
	"github.com/kmorwick/tabletally/internal/peer"
	"github.com/kmorwick/tabletally/internal/peer/engine"
	"github.com/kmorwick/tabletally/internal/share"
	"github.com/kmorwick/tabletally/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	deviceID, err := device.LoadIdentity(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load device identity")
	}

	localStore, err := store.OpenSQLite(cfg.DataDir + "/tabletally.db")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer localStore.Close()

	dbCfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to backend database")
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to ping backend database")
	}

	notifier, err := cloud.ConnectNotifier(cfg.Cloud.NATSURL, cloud.DefaultChangeSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect change feed")
	}
	defer notifier.Close()

	log.Info().
		Str("device_id", deviceID).
		Str("database", dbCfg.Database).
		Str("nats_url", cfg.Cloud.NATSURL).
		Str("relay_url", cfg.Peer.RelayURL).
		Msg("starting tabletallyd")

	clock := clockwork.NewRealClock()
	repo := cloud.NewRepository(pool)
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate backend schema")
	}

	syncService := cloud.NewService(repo, localStore, notifier, clock,
		cfg.Cloud.OwnerID, deviceID, cloud.DefaultServiceConfig())
	syncService.SetAutoUpload(cfg.Cloud.AutoUpload)
	syncService.SetAutoSync(cfg.Cloud.AutoSync.OwnDevices, cfg.Cloud.AutoSync.Friends)
	syncService.SetFriends(cfg.Cloud.Friends)
	if err := syncService.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start backend sync service")
	}
	defer syncService.Stop()

	transport := peer.NewTransport(peer.DefaultConfig(cfg.Peer.RelayURL))
	syncEngine := engine.New(transport, localStore, clock, engine.DefaultConfig())
	transport.OnMessage(func(data []byte) {
		syncEngine.HandleMessage(context.Background(), data)
	})
	transport.OnClose(func() {
		syncEngine.PeerDisconnected()
	})
	defer transport.Disconnect()

	server := share.NewServer(cfg.Share.Port, share.NewHandler(repo))
	go func() {
		log.Info().Str("addr", server.Addr).Msg("share server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("share server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("share server shutdown failed")
	}

	log.Info().Msg("tabletallyd shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
