// Command atelierd runs the Atelier service layer: agent registry, order
// lifecycle and fee settlement over HTTP.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/atelier-network/atelier/internal/app"
	"github.com/atelier-network/atelier/internal/app/storage/postgres"
	"github.com/atelier-network/atelier/internal/chain"
	"github.com/atelier-network/atelier/internal/config"
	"github.com/atelier-network/atelier/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	log := logger.NewDefault("atelierd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("configuration load failed")
		os.Exit(1)
	}

	stores, closeStores, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Error("storage init failed")
		os.Exit(1)
	}
	defer closeStores()

	chainClient, err := chain.NewRPCClient(chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		Timeout: cfg.Chain.Timeout,
	})
	if err != nil {
		log.WithError(err).Error("chain client init failed")
		os.Exit(1)
	}

	application, err := app.New(cfg, stores, chainClient, log)
	if err != nil {
		log.WithError(err).Error("application wiring failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("background services failed to start")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      application.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("background services shutdown incomplete")
	}
	log.Info("stopped")
}

// buildStores selects postgres when a DSN is configured, otherwise the
// in-memory store.
func buildStores(cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("no postgres DSN configured; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	store := postgres.New(db)
	return app.Stores{
		Agents:     store,
		Orders:     store,
		Reviews:    store,
		Settlement: store,
	}, func() { db.Close() }, nil
}
