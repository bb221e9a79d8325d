// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces, intended for tests and prototyping.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/domain/order"
	"github.com/atelier-network/atelier/internal/app/domain/settlement"
	"github.com/atelier-network/atelier/internal/app/storage"
)

// Store is the in-memory persistence layer.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	agents  map[string]agent.Agent
	orders  map[string]order.ServiceOrder
	reviews map[string]order.Review // keyed by order ID
	sweeps  []settlement.FeeSweep
	payouts map[string]settlement.FeePayout
}

var (
	_ storage.AgentStore      = (*Store)(nil)
	_ storage.OrderStore      = (*Store)(nil)
	_ storage.ReviewStore     = (*Store)(nil)
	_ storage.SettlementStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:  1,
		agents:  make(map[string]agent.Agent),
		orders:  make(map[string]order.ServiceOrder),
		reviews: make(map[string]order.Review),
		payouts: make(map[string]settlement.FeePayout),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// AgentStore implementation ---------------------------------------------------

func (s *Store) CreateAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = s.nextIDLocked()
	} else if _, exists := s.agents[a.ID]; exists {
		return agent.Agent{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Capabilities = append([]string(nil), a.Capabilities...)

	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (s *Store) UpdateAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.agents[a.ID]
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}

	a.CreatedAt = original.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	a.Capabilities = append([]string(nil), a.Capabilities...)
	// Roll-up counters change only through AddAgentStats.
	a.TotalOrders = original.TotalOrders
	a.CompletedOrders = original.CompletedOrders
	a.AvgRating = original.AvgRating
	a.RatingCount = original.RatingCount

	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (s *Store) AddAgentStats(_ context.Context, id string, delta storage.AgentStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.TotalOrders += delta.TotalOrders
	a.CompletedOrders += delta.CompletedOrders
	if delta.Rating != nil {
		total := a.AvgRating*float64(a.RatingCount) + float64(*delta.Rating)
		a.RatingCount++
		a.AvgRating = total / float64(a.RatingCount)
	}
	a.UpdatedAt = time.Now().UTC()

	s.agents[id] = a
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Store) GetAgentByAPIKey(_ context.Context, apiKey string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.APIKey != "" && a.APIKey == apiKey {
			return cloneAgent(a), nil
		}
	}
	return agent.Agent{}, storage.ErrNotFound
}

func (s *Store) ListAgentsByWallet(_ context.Context, wallet string) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]agent.Agent, 0)
	for _, a := range s.agents {
		if a.OwnerWallet == wallet {
			result = append(result, cloneAgent(a))
		}
	}
	// Most recently registered first; resolution picks the head.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, o order.ServiceOrder) (order.ServiceOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = s.nextIDLocked()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.ServiceOrder{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	s.orders[o.ID] = o
	return o, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.ServiceOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ServiceOrder{}, storage.ErrNotFound
	}
	return o, nil
}

func (s *Store) ListOrdersByAgent(_ context.Context, agentID string) ([]order.ServiceOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]order.ServiceOrder, 0)
	for _, o := range s.orders {
		if agentID == "" || o.ProviderAgentID == agentID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, id string, expected order.Status, update storage.OrderStatusUpdate) (order.ServiceOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ServiceOrder{}, storage.ErrNotFound
	}
	if o.Status != expected {
		return order.ServiceOrder{}, storage.ErrConflict
	}

	o.Status = update.Status
	if update.QuotedPrice != nil {
		o.QuotedPrice = *update.QuotedPrice
	}
	if update.DeliverableURL != nil {
		o.DeliverableURL = *update.DeliverableURL
	}
	if update.DeliverableMediaType != nil {
		o.DeliverableMediaType = *update.DeliverableMediaType
	}
	o.UpdatedAt = time.Now().UTC()

	s.orders[id] = o
	return o, nil
}

// ReviewStore implementation --------------------------------------------------

func (s *Store) CreateReview(_ context.Context, rev order.Review) (order.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reviews[rev.OrderID]; exists {
		return order.Review{}, storage.ErrConflict
	}
	if rev.ID == "" {
		rev.ID = s.nextIDLocked()
	}
	rev.CreatedAt = time.Now().UTC()

	s.reviews[rev.OrderID] = rev
	return rev, nil
}

func (s *Store) GetReviewByOrder(_ context.Context, orderID string) (order.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, ok := s.reviews[orderID]
	if !ok {
		return order.Review{}, storage.ErrNotFound
	}
	return rev, nil
}

// SettlementStore implementation ----------------------------------------------

func (s *Store) CreateFeeSweep(_ context.Context, sweep settlement.FeeSweep) (settlement.FeeSweep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sweep.ID == "" {
		sweep.ID = s.nextIDLocked()
	}
	if sweep.SweptAt.IsZero() {
		sweep.SweptAt = time.Now().UTC()
	}
	s.sweeps = append(s.sweeps, sweep)
	return sweep, nil
}

func (s *Store) ListFeeSweeps(_ context.Context) ([]settlement.FeeSweep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.FeeSweep, len(s.sweeps))
	copy(result, s.sweeps)
	return result, nil
}

func (s *Store) CreatePayout(_ context.Context, payout settlement.FeePayout) (settlement.FeePayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payout.ID == "" {
		payout.ID = s.nextIDLocked()
	} else if _, exists := s.payouts[payout.ID]; exists {
		return settlement.FeePayout{}, storage.ErrConflict
	}
	payout.CreatedAt = time.Now().UTC()

	s.payouts[payout.ID] = payout
	return payout, nil
}

func (s *Store) UpdatePayout(_ context.Context, payout settlement.FeePayout) (settlement.FeePayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.payouts[payout.ID]
	if !ok {
		return settlement.FeePayout{}, storage.ErrNotFound
	}
	payout.CreatedAt = original.CreatedAt

	s.payouts[payout.ID] = payout
	return payout, nil
}

func (s *Store) GetPayout(_ context.Context, id string) (settlement.FeePayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payout, ok := s.payouts[id]
	if !ok {
		return settlement.FeePayout{}, storage.ErrNotFound
	}
	return payout, nil
}

func (s *Store) ListPayoutsByStatus(_ context.Context, status settlement.PayoutStatus) ([]settlement.FeePayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.FeePayout, 0)
	for _, p := range s.payouts {
		if p.Status == status {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func cloneAgent(a agent.Agent) agent.Agent {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	return a
}
