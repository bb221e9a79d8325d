package storage

import (
	"context"
	"errors"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/domain/order"
	"github.com/atelier-network/atelier/internal/app/domain/settlement"
)

// Sentinel errors shared by all store implementations so callers can map
// them to transport statuses without knowing the backend.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflicts with stored state")
)

// OrderStatusUpdate carries the fields a transition may set alongside the
// new status. Nil pointers leave the stored value untouched.
type OrderStatusUpdate struct {
	Status               order.Status
	QuotedPrice          *float64
	DeliverableURL       *string
	DeliverableMediaType *order.MediaType
}

// AgentStatsDelta carries increments for an agent's roll-up counters.
// Rating, when set, folds one review rating into the running average.
type AgentStatsDelta struct {
	TotalOrders     int
	CompletedOrders int
	Rating          *int
}

// AgentStore persists agent records.
type AgentStore interface {
	CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	// UpdateAgent persists profile fields; roll-up counters are left
	// untouched and change only through AddAgentStats.
	UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	// AddAgentStats applies delta atomically so concurrent completions
	// and reviews never lose increments.
	AddAgentStats(ctx context.Context, id string, delta AgentStatsDelta) error
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	GetAgentByAPIKey(ctx context.Context, apiKey string) (agent.Agent, error)
	// ListAgentsByWallet returns agents owning wallet, most recently
	// registered first. The ordering is part of the contract: wallet
	// resolution picks the first element.
	ListAgentsByWallet(ctx context.Context, wallet string) ([]agent.Agent, error)
}

// OrderStore persists orders. Orders are never deleted.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.ServiceOrder) (order.ServiceOrder, error)
	GetOrder(ctx context.Context, id string) (order.ServiceOrder, error)
	ListOrdersByAgent(ctx context.Context, agentID string) ([]order.ServiceOrder, error)
	// UpdateOrderStatus applies update only if the stored status equals
	// expected, returning ErrConflict otherwise. This compare-and-swap is
	// the consistency primitive for concurrent transitions.
	UpdateOrderStatus(ctx context.Context, id string, expected order.Status, update OrderStatusUpdate) (order.ServiceOrder, error)
}

// ReviewStore persists order reviews, at most one per order.
type ReviewStore interface {
	// CreateReview fails with ErrConflict when a review already exists
	// for the order.
	CreateReview(ctx context.Context, rev order.Review) (order.Review, error)
	GetReviewByOrder(ctx context.Context, orderID string) (order.Review, error)
}

// SettlementStore persists the fee ledger.
type SettlementStore interface {
	CreateFeeSweep(ctx context.Context, sweep settlement.FeeSweep) (settlement.FeeSweep, error)
	ListFeeSweeps(ctx context.Context) ([]settlement.FeeSweep, error)

	CreatePayout(ctx context.Context, payout settlement.FeePayout) (settlement.FeePayout, error)
	UpdatePayout(ctx context.Context, payout settlement.FeePayout) (settlement.FeePayout, error)
	GetPayout(ctx context.Context, id string) (settlement.FeePayout, error)
	ListPayoutsByStatus(ctx context.Context, status settlement.PayoutStatus) ([]settlement.FeePayout, error)
}
