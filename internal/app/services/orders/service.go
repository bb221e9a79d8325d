// Package orders implements the service-order lifecycle: creation,
// quoting, payment acknowledgement, delivery, completion, and reviews.
package orders

import (
	"context"
	"net/url"
	"strings"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/domain/order"
	"github.com/atelier-network/atelier/internal/app/services/agents"
	"github.com/atelier-network/atelier/internal/app/storage"
	"github.com/atelier-network/atelier/internal/errors"
	"github.com/atelier-network/atelier/internal/walletauth"
	"github.com/atelier-network/atelier/pkg/logger"
)

// Service drives order state transitions. Every transition is a
// compare-and-swap against the caller-observed status, so two racing
// writers cannot both win.
type Service struct {
	orders   storage.OrderStore
	reviews  storage.ReviewStore
	agents   *agents.Service
	auth     *walletauth.Authenticator
	notifier *Notifier
	log      *logger.Logger
}

// New creates the orders service.
func New(orders storage.OrderStore, reviews storage.ReviewStore, agentSvc *agents.Service, auth *walletauth.Authenticator, notifier *Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	if auth == nil {
		auth = walletauth.New()
	}
	if notifier == nil {
		notifier = NewNotifier(log)
	}
	return &Service{orders: orders, reviews: reviews, agents: agentSvc, auth: auth, notifier: notifier, log: log}
}

// CreateParams describes a new order request.
type CreateParams struct {
	ServiceID       string
	ProviderAgentID string
	PriceType       order.PriceType
	Price           float64 // required for fixed-price orders
	QuotaTotal      int
	Proof           walletauth.Proof
}

// Create opens an order on behalf of the proof's wallet. Fixed-price
// orders start quoted with the price filled in; variable-price orders
// start pending_quote and wait for the provider.
func (s *Service) Create(ctx context.Context, params CreateParams) (order.ServiceOrder, error) {
	wallet, err := s.auth.Authenticate(params.Proof, "")
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if strings.TrimSpace(params.ServiceID) == "" {
		return order.ServiceOrder{}, errors.Validation("service_id is required")
	}

	provider, err := s.agents.Get(ctx, params.ProviderAgentID)
	if err != nil {
		return order.ServiceOrder{}, err
	}

	o := order.ServiceOrder{
		ServiceID:       params.ServiceID,
		ClientWallet:    wallet,
		ProviderAgentID: provider.ID,
		PriceType:       params.PriceType,
		QuotaTotal:      params.QuotaTotal,
	}
	switch params.PriceType {
	case order.PriceFixed:
		if params.Price <= 0 {
			return order.ServiceOrder{}, errors.Validation("fixed-price orders require a positive price")
		}
		o.Status = order.StatusQuoted
		o.QuotedPrice = params.Price
	case order.PriceVariable:
		o.Status = order.StatusPendingQuote
	default:
		return order.ServiceOrder{}, errors.Validation("price_type must be fixed or variable")
	}

	created, err := s.orders.CreateOrder(ctx, o)
	if err != nil {
		return order.ServiceOrder{}, err
	}

	if err := s.agents.RecordOrderCreated(ctx, provider.ID); err != nil {
		s.log.WithError(err).WithField("agent_id", provider.ID).Warn("order counter update failed")
	}
	s.notifier.OrderEvent(provider, created, "order.created")

	s.log.WithFields(map[string]interface{}{
		"order_id": created.ID,
		"provider": provider.ID,
		"status":   created.Status,
	}).Info("order created")
	return created, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (order.ServiceOrder, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return order.ServiceOrder{}, errors.NotFound("order")
		}
		return order.ServiceOrder{}, err
	}
	return o, nil
}

// ListByAgent returns the orders where the agent is the provider.
func (s *Service) ListByAgent(ctx context.Context, agentID string) ([]order.ServiceOrder, error) {
	return s.orders.ListOrdersByAgent(ctx, agentID)
}

// Quote sets the price on a pending_quote order. Provider-only.
func (s *Service) Quote(ctx context.Context, caller agent.Agent, orderID string, price float64) (order.ServiceOrder, error) {
	if price <= 0 {
		return order.ServiceOrder{}, errors.Validation("quote price must be positive")
	}

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if o.ProviderAgentID != caller.ID {
		return order.ServiceOrder{}, errors.Forbidden("only the provider agent may quote")
	}
	if o.Status != order.StatusPendingQuote {
		return order.ServiceOrder{}, errors.InvalidTransition(string(o.Status), string(order.StatusQuoted))
	}

	return s.transition(ctx, o, order.StatusPendingQuote, storage.OrderStatusUpdate{
		Status:      order.StatusQuoted,
		QuotedPrice: &price,
	})
}

// MarkPaid acknowledges payment from the client wallet. Calling it on an
// already-paid order is a no-op so clients can retry safely.
func (s *Service) MarkPaid(ctx context.Context, proof walletauth.Proof, orderID string) (order.ServiceOrder, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if _, err := s.auth.Authenticate(proof, o.ClientWallet); err != nil {
		return order.ServiceOrder{}, err
	}
	if o.Status == order.StatusPaid {
		return o, nil
	}
	if o.Status != order.StatusQuoted {
		return order.ServiceOrder{}, errors.InvalidTransition(string(o.Status), string(order.StatusPaid))
	}

	return s.transition(ctx, o, order.StatusQuoted, storage.OrderStatusUpdate{Status: order.StatusPaid})
}

// Start moves a paid order into in_progress. Provider-only.
func (s *Service) Start(ctx context.Context, caller agent.Agent, orderID string) (order.ServiceOrder, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if o.ProviderAgentID != caller.ID {
		return order.ServiceOrder{}, errors.Forbidden("only the provider agent may start work")
	}
	if o.Status != order.StatusPaid {
		return order.ServiceOrder{}, errors.InvalidTransition(string(o.Status), string(order.StatusInProgress))
	}

	return s.transition(ctx, o, order.StatusPaid, storage.OrderStatusUpdate{Status: order.StatusInProgress})
}

// Deliver attaches the deliverable and moves the order to delivered.
// Provider-only; accepted from paid or in_progress.
func (s *Service) Deliver(ctx context.Context, caller agent.Agent, orderID, deliverableURL string, mediaType order.MediaType) (order.ServiceOrder, error) {
	parsed, err := url.Parse(deliverableURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return order.ServiceOrder{}, errors.Validation("deliverable_url must be an absolute http(s) URL")
	}
	if !order.ValidMediaType(mediaType) {
		return order.ServiceOrder{}, errors.Validation("unknown deliverable media type")
	}

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if o.ProviderAgentID != caller.ID {
		return order.ServiceOrder{}, errors.Forbidden("only the provider agent may deliver")
	}
	if o.Status != order.StatusPaid && o.Status != order.StatusInProgress {
		return order.ServiceOrder{}, errors.InvalidTransition(string(o.Status), string(order.StatusDelivered))
	}

	return s.transition(ctx, o, o.Status, storage.OrderStatusUpdate{
		Status:               order.StatusDelivered,
		DeliverableURL:       &deliverableURL,
		DeliverableMediaType: &mediaType,
	})
}

// Complete accepts the deliverable on behalf of the client wallet and
// closes the order.
func (s *Service) Complete(ctx context.Context, proof walletauth.Proof, orderID string) (order.ServiceOrder, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if _, err := s.auth.Authenticate(proof, o.ClientWallet); err != nil {
		return order.ServiceOrder{}, err
	}
	if o.Status != order.StatusDelivered {
		return order.ServiceOrder{}, errors.InvalidTransition(string(o.Status), string(order.StatusCompleted))
	}

	completed, err := s.transition(ctx, o, order.StatusDelivered, storage.OrderStatusUpdate{Status: order.StatusCompleted})
	if err != nil {
		return order.ServiceOrder{}, err
	}

	if err := s.agents.RecordCompletion(ctx, o.ProviderAgentID); err != nil {
		s.log.WithError(err).WithField("agent_id", o.ProviderAgentID).Warn("completion counter update failed")
	}
	return completed, nil
}

// Cancel aborts a non-terminal order. Either party may cancel.
func (s *Service) Cancel(ctx context.Context, caller Principal, orderID string) (order.ServiceOrder, error) {
	return s.closeOrder(ctx, caller, orderID, order.StatusCancelled)
}

// Dispute freezes a non-terminal order pending out-of-band resolution.
// Either party may dispute.
func (s *Service) Dispute(ctx context.Context, caller Principal, orderID string) (order.ServiceOrder, error) {
	return s.closeOrder(ctx, caller, orderID, order.StatusDisputed)
}

// Principal identifies the caller for party-scoped transitions: either a
// provider agent or a client wallet, never both.
type Principal struct {
	AgentID string
	Wallet  string
}

// AgentPrincipal wraps a resolved provider agent.
func AgentPrincipal(a agent.Agent) Principal { return Principal{AgentID: a.ID} }

// WalletPrincipal wraps an authenticated client wallet.
func WalletPrincipal(wallet string) Principal { return Principal{Wallet: wallet} }

// ClientPrincipal authenticates a wallet proof and wraps the result.
func (s *Service) ClientPrincipal(proof walletauth.Proof) (Principal, error) {
	wallet, err := s.auth.Authenticate(proof, "")
	if err != nil {
		return Principal{}, err
	}
	return WalletPrincipal(wallet), nil
}

func (s *Service) closeOrder(ctx context.Context, caller Principal, orderID string, target order.Status) (order.ServiceOrder, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.ServiceOrder{}, err
	}

	isParty := (caller.AgentID != "" && caller.AgentID == o.ProviderAgentID) ||
		(caller.Wallet != "" && caller.Wallet == o.ClientWallet)
	if !isParty {
		return order.ServiceOrder{}, errors.Forbidden("only the client or provider may close an order")
	}
	if o.Status.Terminal() {
		return order.ServiceOrder{}, errors.InvalidTransition(string(o.Status), string(target))
	}

	return s.transition(ctx, o, o.Status, storage.OrderStatusUpdate{Status: target})
}

// SubmitReview records the client's rating of a completed order. One
// review per order.
func (s *Service) SubmitReview(ctx context.Context, proof walletauth.Proof, orderID string, rating int, comment string) (order.Review, error) {
	if rating < 1 || rating > 5 {
		return order.Review{}, errors.Validation("rating must be between 1 and 5")
	}

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return order.Review{}, err
	}
	wallet, err := s.auth.Authenticate(proof, o.ClientWallet)
	if err != nil {
		return order.Review{}, err
	}
	if o.Status != order.StatusCompleted {
		return order.Review{}, errors.Conflict("only completed orders can be reviewed")
	}

	rev, err := s.reviews.CreateReview(ctx, order.Review{
		OrderID:      orderID,
		ClientWallet: wallet,
		Rating:       rating,
		Comment:      strings.TrimSpace(comment),
	})
	if err != nil {
		if err == storage.ErrConflict {
			return order.Review{}, errors.Conflict("order already reviewed")
		}
		return order.Review{}, err
	}

	if err := s.agents.RecordRating(ctx, o.ProviderAgentID, rating); err != nil {
		s.log.WithError(err).WithField("agent_id", o.ProviderAgentID).Warn("rating roll-up failed")
	}
	return rev, nil
}

// GetReview returns the review for an order, if any.
func (s *Service) GetReview(ctx context.Context, orderID string) (order.Review, error) {
	rev, err := s.reviews.GetReviewByOrder(ctx, orderID)
	if err != nil {
		if err == storage.ErrNotFound {
			return order.Review{}, errors.NotFound("review")
		}
		return order.Review{}, err
	}
	return rev, nil
}

func (s *Service) transition(ctx context.Context, o order.ServiceOrder, expected order.Status, update storage.OrderStatusUpdate) (order.ServiceOrder, error) {
	updated, err := s.orders.UpdateOrderStatus(ctx, o.ID, expected, update)
	if err != nil {
		switch err {
		case storage.ErrNotFound:
			return order.ServiceOrder{}, errors.NotFound("order")
		case storage.ErrConflict:
			return order.ServiceOrder{}, errors.Conflict("order status changed concurrently")
		}
		return order.ServiceOrder{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"order_id": o.ID,
		"from":     expected,
		"to":       update.Status,
	}).Info("order transition")

	if provider, perr := s.agents.Get(ctx, o.ProviderAgentID); perr == nil {
		s.notifier.OrderEvent(provider, updated, "order."+string(update.Status))
	}
	return updated, nil
}
