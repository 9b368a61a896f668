package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"watchsync-server/internal/auth"
	"watchsync-server/internal/bus"
	"watchsync-server/internal/chat"
	"watchsync-server/internal/clock"
	"watchsync-server/internal/config"
	"watchsync-server/internal/gateway"
	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/playback"
	"watchsync-server/internal/session"
	"watchsync-server/internal/store"
	"watchsync-server/internal/voice"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		// No structured logger yet; write to stderr and bail.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	st, err := store.New(store.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.KeyPrefix,
		StateTTL: cfg.RoomStateTTL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to state store")
	}
	defer st.Close()

	var eventBus bus.Bus = bus.NoopBus{}
	if cfg.NATSURL != "" {
		if nb, err := bus.Connect(bus.Config{URL: cfg.NATSURL, Prefix: cfg.KeyPrefix}, logger); err != nil {
			logger.Warn().Err(err).Msg("Event bus unavailable, running single-instance fan-out")
		} else {
			eventBus = nb
			defer nb.Close()
		}
	}

	authMgr := auth.NewManager(cfg.JWTSecret, 24*time.Hour)
	clk := clock.NewSystem()
	audit := monitoring.NewAuditLogger(logger)
	defer audit.Close()

	// The gateway doubles as the fan-out sink for all three engines, so it
	// is constructed first with empty engines and wired afterwards.
	srv := gateway.NewServer(cfg, st, eventBus, authMgr, clk, gateway.Engines{}, audit, logger)

	directory := session.NewMemoryDirectory()
	engines := gateway.Engines{
		Session: session.NewEngine(st, directory, session.Config{
			MaxParticipants: cfg.RoomMaxParticipants,
		}, logger),
		Playback: playback.NewEngine(st, clk, srv, playback.Config{
			RateMin: cfg.PlaybackRateMin,
			RateMax: cfg.PlaybackRateMax,
		}, logger),
		Voice: voice.NewRelay(st, srv, logger),
		Chat: chat.NewPipeline(st, srv, audit, chat.Config{
			RateWindow: cfg.ChatRateWindow,
			RateMax:    cfg.ChatRateMax,
		}, logger),
	}
	srv.SetEngines(engines)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down server")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
