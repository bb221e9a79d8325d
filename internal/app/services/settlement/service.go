// Package settlement implements the fee ledger: vault sweeps into
// treasury custody and two-phase payouts of swept funds.
package settlement

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/atelier-network/atelier/internal/app/domain/settlement"
	"github.com/atelier-network/atelier/internal/app/storage"
	"github.com/atelier-network/atelier/internal/chain"
	"github.com/atelier-network/atelier/internal/errors"
	"github.com/atelier-network/atelier/pkg/logger"
)

// DefaultMaxPayout caps a single payout in native units.
const DefaultMaxPayout = 10.0

// DefaultConfirmTimeout bounds the wait for on-chain confirmation.
const DefaultConfirmTimeout = 30 * time.Second

// Config holds the settlement accounts and admin credential.
type Config struct {
	VaultAccount    string
	TreasuryAccount string
	TreasuryKey     string
	AdminToken      string
	MaxPayout       float64
	ConfirmTimeout  time.Duration
}

// Service executes sweeps and payouts. Sweeps are serialized through a
// mutex so concurrent triggers produce exactly one chain submission.
type Service struct {
	cfg   Config
	store storage.SettlementStore
	chain chain.Client
	log   *logger.Logger

	adminDigest [sha256.Size]byte
	sweepMu     sync.Mutex
}

// New creates the settlement service.
func New(cfg Config, store storage.SettlementStore, chainClient chain.Client, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if cfg.MaxPayout <= 0 {
		cfg.MaxPayout = DefaultMaxPayout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		chain:       chainClient,
		log:         log,
		adminDigest: sha256.Sum256([]byte(cfg.AdminToken)),
	}
}

// Authorize checks the presented admin token in constant time. An empty
// configured token disables the settlement surface entirely.
func (s *Service) Authorize(token string) error {
	if s.cfg.AdminToken == "" {
		return errors.Forbidden("settlement operations are disabled")
	}
	presented := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(presented[:], s.adminDigest[:]) != 1 {
		return errors.Unauthorized("invalid admin token")
	}
	return nil
}

// Sweep drains the fee vault into treasury custody and records the sweep
// after confirmation. Concurrent calls are serialized; each caller that
// finds a positive balance produces its own sweep record.
func (s *Service) Sweep(ctx context.Context) (settlement.FeeSweep, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	balance, err := s.chain.VaultBalance(ctx, s.cfg.VaultAccount)
	if err != nil {
		return settlement.FeeSweep{}, errors.External("vault balance lookup failed", err)
	}
	if balance <= 0 {
		return settlement.FeeSweep{}, errors.EmptyVault()
	}

	instr, err := s.chain.BuildFeeCollection(ctx, s.cfg.VaultAccount, s.cfg.TreasuryAccount)
	if err != nil {
		return settlement.FeeSweep{}, errors.External("fee collection build failed", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	txHash, err := s.chain.SubmitAndConfirm(confirmCtx, instr, s.cfg.TreasuryKey)
	if err != nil {
		return settlement.FeeSweep{}, errors.External("sweep submission failed", err)
	}

	sweep, err := s.store.CreateFeeSweep(ctx, settlement.FeeSweep{
		Amount:  balance,
		TxHash:  txHash,
		SweptAt: time.Now().UTC(),
	})
	if err != nil {
		// The chain transfer is already confirmed; the missing ledger row
		// must be reconciled from the tx hash in the logs.
		s.log.WithError(err).WithField("tx_hash", txHash).Error("sweep confirmed but ledger write failed")
		return settlement.FeeSweep{}, errors.Internal("sweep record write failed", err)
	}

	s.log.WithFields(map[string]interface{}{
		"amount":  balance,
		"tx_hash": txHash,
	}).Info("fee vault swept")
	return sweep, nil
}

// PayoutParams describes one outbound transfer of swept funds.
type PayoutParams struct {
	RecipientWallet string
	AgentID         string
	TokenMint       string
	Amount          float64
}

// Payout transfers swept funds to a recipient. The ledger row is written
// pending before the chain sees the transfer and marked completed only
// after confirmation; on failure the row stays pending as the signal for
// manual reconciliation, it is never rolled back.
func (s *Service) Payout(ctx context.Context, params PayoutParams) (settlement.FeePayout, error) {
	if strings.TrimSpace(params.RecipientWallet) == "" {
		return settlement.FeePayout{}, errors.Validation("recipient_wallet is required")
	}
	if params.Amount <= 0 {
		return settlement.FeePayout{}, errors.Validation("payout amount must be positive")
	}
	if params.Amount > s.cfg.MaxPayout {
		return settlement.FeePayout{}, errors.Validation("payout amount exceeds ceiling").
			WithDetails("max_payout", s.cfg.MaxPayout)
	}

	payout, err := s.store.CreatePayout(ctx, settlement.FeePayout{
		RecipientWallet: params.RecipientWallet,
		AgentID:         params.AgentID,
		TokenMint:       params.TokenMint,
		Amount:          params.Amount,
		Status:          settlement.PayoutPending,
	})
	if err != nil {
		return settlement.FeePayout{}, err
	}

	instr, err := s.chain.BuildNativeTransfer(ctx, s.cfg.TreasuryAccount, params.RecipientWallet, params.Amount)
	if err != nil {
		s.log.WithError(err).WithField("payout_id", payout.ID).Error("payout build failed, row left pending")
		return settlement.FeePayout{}, errors.External("payout build failed", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	txHash, err := s.chain.SubmitAndConfirm(confirmCtx, instr, s.cfg.TreasuryKey)
	if err != nil {
		s.log.WithError(err).WithField("payout_id", payout.ID).Error("payout submission failed, row left pending")
		return settlement.FeePayout{}, errors.External("payout submission failed", err)
	}

	now := time.Now().UTC()
	payout.Status = settlement.PayoutCompleted
	payout.TxHash = txHash
	payout.CompletedAt = &now

	completed, err := s.store.UpdatePayout(ctx, payout)
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"payout_id": payout.ID,
			"tx_hash":   txHash,
		}).Error("payout confirmed but completion write failed")
		return settlement.FeePayout{}, errors.Internal("payout record update failed", err)
	}

	s.log.WithFields(map[string]interface{}{
		"payout_id": completed.ID,
		"amount":    completed.Amount,
		"tx_hash":   txHash,
	}).Info("payout completed")
	return completed, nil
}

// GetPayout returns one payout row.
func (s *Service) GetPayout(ctx context.Context, id string) (settlement.FeePayout, error) {
	payout, err := s.store.GetPayout(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return settlement.FeePayout{}, errors.NotFound("payout")
		}
		return settlement.FeePayout{}, err
	}
	return payout, nil
}

// PendingPayouts lists rows awaiting reconciliation, oldest first.
func (s *Service) PendingPayouts(ctx context.Context) ([]settlement.FeePayout, error) {
	return s.store.ListPayoutsByStatus(ctx, settlement.PayoutPending)
}

// PayoutsByStatus lists payouts in the given state.
func (s *Service) PayoutsByStatus(ctx context.Context, status settlement.PayoutStatus) ([]settlement.FeePayout, error) {
	switch status {
	case settlement.PayoutPending, settlement.PayoutCompleted:
	default:
		return nil, errors.Validation("status must be pending or completed")
	}
	return s.store.ListPayoutsByStatus(ctx, status)
}

// Sweeps lists recorded vault sweeps.
func (s *Service) Sweeps(ctx context.Context) ([]settlement.FeeSweep, error) {
	return s.store.ListFeeSweeps(ctx)
}
