package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luan/facmandu/internal/api"
	"github.com/luan/facmandu/internal/config"
	"github.com/luan/facmandu/internal/portal"
	"github.com/luan/facmandu/internal/realtime"
	"github.com/luan/facmandu/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	defer st.Close()

	gw := portal.New(portal.Config{
		MaxConcurrent: cfg.PortalMaxConcurrent,
		MinSpacing:    cfg.PortalMinSpacing,
		Timeout:       cfg.PortalTimeout,
		MaxRetries:    cfg.PortalMaxRetries,
	})
	defer gw.Close()

	bus := realtime.NewBus()
	server := api.NewServer(cfg, st, bus, gw)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("facmandu listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
