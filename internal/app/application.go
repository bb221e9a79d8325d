// Package app composes the service layer: storage, domain services, the
// HTTP surface and the lifecycle manager.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/atelier-network/atelier/internal/app/httpapi"
	"github.com/atelier-network/atelier/internal/app/metrics"
	"github.com/atelier-network/atelier/internal/app/services/agents"
	"github.com/atelier-network/atelier/internal/app/services/orders"
	"github.com/atelier-network/atelier/internal/app/services/settlement"
	"github.com/atelier-network/atelier/internal/app/storage"
	"github.com/atelier-network/atelier/internal/app/storage/memory"
	"github.com/atelier-network/atelier/internal/app/system"
	"github.com/atelier-network/atelier/internal/chain"
	"github.com/atelier-network/atelier/internal/config"
	"github.com/atelier-network/atelier/internal/ratelimit"
	"github.com/atelier-network/atelier/internal/walletauth"
	"github.com/atelier-network/atelier/pkg/logger"
)

// Stores groups the persistence interfaces the application needs. Any nil
// field falls back to a shared in-memory store.
type Stores struct {
	Agents     storage.AgentStore
	Orders     storage.OrderStore
	Reviews    storage.ReviewStore
	Settlement storage.SettlementStore
}

func (s *Stores) applyDefaults() {
	var mem *memory.Store
	fallback := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if s.Agents == nil {
		s.Agents = fallback()
	}
	if s.Orders == nil {
		s.Orders = fallback()
	}
	if s.Reviews == nil {
		s.Reviews = fallback()
	}
	if s.Settlement == nil {
		s.Settlement = fallback()
	}
}

// Application is the assembled service layer.
type Application struct {
	Agents     *agents.Service
	Orders     *orders.Service
	Settlement *settlement.Service
	Metrics    *metrics.Metrics

	handler   http.Handler
	manager   *system.Manager
	auditFile io.Closer
	log       *logger.Logger
}

// New wires the application from configuration, stores and the chain
// client.
func New(cfg config.Config, stores Stores, chainClient chain.Client, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	stores.applyDefaults()

	auth := walletauth.New()
	m := metrics.New()

	agentSvc := agents.New(stores.Agents, auth, log.WithField("service", "agents"))
	orderSvc := orders.New(stores.Orders, stores.Reviews, agentSvc, auth, nil, log.WithField("service", "orders"))
	settlementSvc := settlement.New(settlement.Config{
		VaultAccount:    cfg.Settlement.VaultAccount,
		TreasuryAccount: cfg.Settlement.TreasuryAccount,
		TreasuryKey:     cfg.Settlement.TreasuryKey,
		AdminToken:      cfg.Settlement.AdminToken,
		MaxPayout:       cfg.Settlement.MaxPayout,
		ConfirmTimeout:  cfg.Settlement.ConfirmTimeout,
	}, stores.Settlement, chainClient, log.WithField("service", "settlement"))

	limits := ratelimit.NewSet(map[string]ratelimit.Config{
		httpapi.LimitPerIP:         {Max: cfg.RateLimits.PerIP.Max, Window: cfg.RateLimits.PerIP.Window},
		httpapi.LimitRegistration:  {Max: cfg.RateLimits.Registration.Max, Window: cfg.RateLimits.Registration.Window},
		httpapi.LimitOrderMutation: {Max: cfg.RateLimits.OrderMutation.Max, Window: cfg.RateLimits.OrderMutation.Window},
	}, nil)

	handler := httpapi.New(agentSvc, orderSvc, settlementSvc, limits, m, log.WithField("service", "httpapi"))

	var auditFile io.Closer
	if path := cfg.Settlement.AuditLogPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		handler.SetAuditSink(f)
		auditFile = f
	}

	manager := system.NewManager()
	watcher := settlement.NewWatcher(settlementSvc, cfg.Settlement.WatchInterval, m.PendingPayouts, log.WithField("service", "settlement-watcher"))
	if err := manager.Register(watcher); err != nil {
		return nil, err
	}

	return &Application{
		Agents:     agentSvc,
		Orders:     orderSvc,
		Settlement: settlementSvc,
		Metrics:    m,
		handler:    handler.Routes(),
		manager:    manager,
		auditFile:  auditFile,
		log:        log,
	}, nil
}

// Handler returns the HTTP surface.
func (a *Application) Handler() http.Handler { return a.handler }

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background services down.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.auditFile != nil {
		if cerr := a.auditFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
