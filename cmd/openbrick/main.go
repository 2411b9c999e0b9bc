package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openbrick/openbrick/internal/auth"
	"github.com/openbrick/openbrick/internal/config"
	"github.com/openbrick/openbrick/internal/database"
	"github.com/openbrick/openbrick/internal/marketdata"
	"github.com/openbrick/openbrick/internal/orderbook"
	"github.com/openbrick/openbrick/internal/server"
	"github.com/openbrick/openbrick/internal/trading"
	"github.com/openbrick/openbrick/internal/ws"
	"github.com/openbrick/openbrick/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Connect to the ledger database
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// Connect to the order book cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	pingCancel()

	books := orderbook.NewStore(rdb, zapLogger)

	authSvc, err := auth.NewService(zapLogger, db, cfg.JWT.Secret, time.Duration(cfg.JWT.ExpirationHours)*time.Hour)
	if err != nil {
		zapLogger.Fatal("Failed to create auth service", zap.Error(err))
	}

	tradingSvc, err := trading.NewService(zapLogger, db, books)
	if err != nil {
		zapLogger.Fatal("Failed to create trading service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Realtime fan-out: hub plus the pub/sub listener feeding it.
	hub := ws.NewHub(zapLogger, ws.Config{
		ReadBufferSize:  cfg.WS.ReadBufferSize,
		WriteBufferSize: cfg.WS.WriteBufferSize,
		PingInterval:    cfg.WS.PingInterval,
		PongTimeout:     cfg.WS.PongTimeout,
		WriteTimeout:    cfg.WS.WriteTimeout,
		SendQueueSize:   cfg.WS.SendQueueSize,
	})
	go hub.Run(ctx)

	listener := marketdata.NewListener(zapLogger, books, hub)
	go listener.Run(ctx)

	scheduler := trading.NewScheduler(zapLogger, db, tradingSvc, cfg.Auction.Interval)
	go scheduler.Run(ctx)

	srv := server.NewServer(zapLogger, authSvc, tradingSvc, hub)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		zapLogger.Error("Redis close failed", zap.Error(err))
	}

	os.Exit(0)
}
