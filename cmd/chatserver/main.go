package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wersvet/chatcore/internal/auth"
	"github.com/wersvet/chatcore/internal/bus"
	"github.com/wersvet/chatcore/internal/config"
	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/kv"
	"github.com/wersvet/chatcore/internal/logging"
	"github.com/wersvet/chatcore/internal/pipeline"
	"github.com/wersvet/chatcore/internal/presence"
	"github.com/wersvet/chatcore/internal/router"
	"github.com/wersvet/chatcore/internal/server"
	"github.com/wersvet/chatcore/internal/ws"
)

const shutdownGrace = 10 * time.Second

var logger = logging.New("chatserver")

func main() {
	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := kv.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	kvAdapter := kv.New(redisClient, cfg.HeartbeatTTL, cfg.CacheTTL)

	busAdapter := bus.New(cfg.AMQPURL)

	userRepo := db.NewUserRepo(database)
	roomRepo := db.NewRoomRepo(database)
	membershipRepo := db.NewMembershipRepo(database)
	messageRepo := db.NewMessageRepo(database)

	presenceEngine := presence.New(kvAdapter, membershipRepo)
	msgPipeline := pipeline.New(messageRepo, kvAdapter, busAdapter, cfg.RecentCacheSize, cfg.StrictMonotonicTimestamps)

	hub := ws.NewHub()
	chatRouter := router.New(hub, presenceEngine, msgPipeline, roomRepo, membershipRepo, userRepo, busAdapter, cfg)
	if err := chatRouter.Run(ctx); err != nil {
		log.Fatalf("failed to start bus consumer: %v", err)
	}

	reaper := presence.NewReaper(presenceEngine, chatRouter, cfg.ReapInterval, cfg.StaleThreshold)
	go reaper.Run(ctx)

	issuer := auth.New(cfg.TokenSecret, cfg.TokenLifetime)
	wsHandler := ws.NewHandler(hub, issuer, userRepo, chatRouter)

	srv := server.New(":"+cfg.Port, issuer, userRepo, roomRepo, membershipRepo, wsHandler, cfg.DebugRoutesEnabled)

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	logger.Printf("listening on :%s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig

	logger.Println("shutting down: draining connections")
	if err := srv.Shutdown(shutdownGrace); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
	if cfg.MarkOfflineOnShutdown {
		presenceEngine.MarkAllOffline(context.Background(), chatRouter)
	}
	cancel()
	_ = busAdapter.Close()
	_ = database.Close()
	_ = redisClient.Close()
}
