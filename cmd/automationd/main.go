package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"sallie-automation/internal/config"
	"sallie-automation/internal/engine"
	"sallie-automation/internal/gateway"
	"sallie-automation/internal/httpapi"
	mqttpkg "sallie-automation/internal/mqtt"
	"sallie-automation/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	mClient, err := mqttpkg.New(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTInsecureTLS)
	if err != nil {
		slog.Error("mqtt init failed", "error", err)
		os.Exit(1)
	}
	defer mClient.Disconnect()

	var cache *gateway.SnapshotCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		cache = gateway.NewSnapshotCache(rdb)
	}

	gw := gateway.NewMQTT(mClient, cache)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway start failed", "error", err)
		os.Exit(1)
	}

	st := store.New()
	eng := engine.New(st, gw, engine.Options{})
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			slog.Error("read jwt public key failed", "path", cfg.JWTPublicKeyPath, "error", err)
			os.Exit(1)
		}
		pubKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			slog.Error("parse jwt public key failed", "error", err)
			os.Exit(1)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.New(st, eng, gw, pubKey).Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("sallie-automation started", "port", cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	eng.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("sallie-automation stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
