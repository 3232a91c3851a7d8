package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"blindtest/internal/config"
	"blindtest/internal/game"
	"blindtest/internal/gateway"
	"blindtest/internal/publish"
	"blindtest/internal/rooms"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().
		Str("host", cfg.Database.Host).
		Str("database", cfg.Database.Database).
		Msg("connected to database")

	roomsRepo := rooms.NewRepository(pool)
	roomsApp := rooms.NewApp(roomsRepo)
	roomsService := rooms.NewService(roomsApp)

	var sink gateway.EventSink
	if cfg.NATS.URL != "" {
		jsCfg := publish.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		publisher, err := publish.NewPublisher(jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event mirror")
		}
		defer publisher.Close()
		sink = publisher
		log.Info().Str("url", cfg.NATS.URL).Msg("event mirror enabled")
	}

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), sink)
	engine := game.NewEngine(
		game.NewLobbyTable(),
		game.NewConnRegistry(),
		roomsApp,
		manager,
		cfg.Rewards,
		game.WithStallWarning(cfg.GradingStallWarning(), nil),
	)
	wsHandler := gateway.NewHandler(manager, engine)

	go manager.Start(ctx)

	mux := http.NewServeMux()
	roomsService.RegisterRoutes(mux)
	wsHandler.RegisterRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
