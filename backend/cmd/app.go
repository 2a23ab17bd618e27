package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/relaychat/backend/config"
	httpServer "github.com/adwski/relaychat/backend/server/http"
	websocketServer "github.com/adwski/relaychat/backend/server/websocket"
	"github.com/adwski/relaychat/backend/service"
	store "github.com/adwski/relaychat/backend/storage/memory"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Registry: store.NewRegistry(cfg.Limits.MaxRoomsOnline, cfg.Limits.MaxGlobalClients),
		Limits:   cfg.Limits,
		Rooms:    cfg.Rooms,
		RootPort: cfg.Root.Port,
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		DirectoryService: svc,
		ListenAddr:       cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RootService:  svc,
		ListenAddr:   cfg.Root.ListenAddr,
		WriteTimeout: cfg.Rooms.WriteTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	svc.Shutdown()
	wg.Wait()
}
