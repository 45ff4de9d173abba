package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/api"
	"github.com/smm/portfolio-engine/internal/app"
	"github.com/smm/portfolio-engine/internal/config"
	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/marketdata"
)

func main() {
	config.LoadEnv()
	cfg, err := config.Load(config.Path())
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Money goes over the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- WebSocket hub ---
	hub := api.NewHub(cfg.Server.CORSOrigin)
	go hub.Run(ctx)

	// --- Ledger ---
	a, err := app.Open(ctx, cfg, ledger.WithNotifier(hub))
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close failed", "err", err)
		}
	}()

	// --- Market data refresh ---
	source := marketdata.NewOnlineSource(cfg.MarketData.BaseURL, cfg.MarketData.RequestsPerSecond)
	refresher := marketdata.NewRefresher(ctx, a.Ledger, source)
	if err := refresher.Start(cfg.MarketData.RefreshCron); err != nil {
		slog.Error("refresher start failed", "err", err)
		os.Exit(1)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(api.NewHandler(a.Ledger), hub, cfg.Server.CORSOrigin),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Server.Port, "backend", a.Backend())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	refresher.Stop()
	stop()
	fmt.Println("portfolio-engine stopped")
}
