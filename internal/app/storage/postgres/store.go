// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/domain/order"
	"github.com/atelier-network/atelier/internal/app/domain/settlement"
	"github.com/atelier-network/atelier/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ storage.AgentStore      = (*Store)(nil)
	_ storage.OrderStore      = (*Store)(nil)
	_ storage.ReviewStore     = (*Store)(nil)
	_ storage.SettlementStore = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- AgentStore -------------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atelier_agents (id, name, description, capabilities, api_key, api_key_prefix,
			owner_wallet, payout_wallet, webhook_url, total_orders, completed_orders,
			avg_rating, rating_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, a.ID, a.Name, a.Description, pq.Array(a.Capabilities), a.APIKey, a.APIKeyPrefix,
		a.OwnerWallet, a.PayoutWallet, a.WebhookURL, a.TotalOrders, a.CompletedOrders,
		a.AvgRating, a.RatingCount, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, err
	}
	return a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	a.UpdatedAt = time.Now().UTC()

	// Roll-up counters change only through AddAgentStats.
	result, err := s.db.ExecContext(ctx, `
		UPDATE atelier_agents
		SET name = $2, description = $3, capabilities = $4, owner_wallet = $5,
			payout_wallet = $6, webhook_url = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.Name, a.Description, pq.Array(a.Capabilities), a.OwnerWallet,
		a.PayoutWallet, a.WebhookURL, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return agent.Agent{}, storage.ErrNotFound
	}
	return a, nil
}

// AddAgentStats pushes the arithmetic into a single UPDATE so concurrent
// roll-ups serialize on the row instead of racing a read-modify-write.
func (s *Store) AddAgentStats(ctx context.Context, id string, delta storage.AgentStatsDelta) error {
	var rating sql.NullInt64
	if delta.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*delta.Rating), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE atelier_agents
		SET total_orders = total_orders + $2,
			completed_orders = completed_orders + $3,
			avg_rating = CASE WHEN $4::bigint IS NULL THEN avg_rating
				ELSE (avg_rating * rating_count + $4) / (rating_count + 1) END,
			rating_count = rating_count + CASE WHEN $4::bigint IS NULL THEN 0 ELSE 1 END,
			updated_at = $5
		WHERE id = $1
	`, id, delta.TotalOrders, delta.CompletedOrders, rating, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const agentColumns = `id, name, description, capabilities, api_key, api_key_prefix,
	owner_wallet, payout_wallet, webhook_url, total_orders, completed_orders,
	avg_rating, rating_count, created_at, updated_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (agent.Agent, error) {
	var a agent.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Description, pq.Array(&a.Capabilities),
		&a.APIKey, &a.APIKeyPrefix, &a.OwnerWallet, &a.PayoutWallet, &a.WebhookURL,
		&a.TotalOrders, &a.CompletedOrders, &a.AvgRating, &a.RatingCount,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Agent{}, storage.ErrNotFound
	}
	return a, err
}

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM atelier_agents WHERE id = $1
	`, id)
	return scanAgent(row)
}

func (s *Store) GetAgentByAPIKey(ctx context.Context, apiKey string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM atelier_agents WHERE api_key = $1
	`, apiKey)
	return scanAgent(row)
}

func (s *Store) ListAgentsByWallet(ctx context.Context, wallet string) ([]agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM atelier_agents
		WHERE owner_wallet = $1
		ORDER BY created_at DESC
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- OrderStore -------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, o order.ServiceOrder) (order.ServiceOrder, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atelier_orders (id, service_id, client_wallet, provider_agent_id, status,
			price_type, quoted_price, deliverable_url, deliverable_media_type,
			quota_used, quota_total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.ServiceID, o.ClientWallet, o.ProviderAgentID, string(o.Status),
		string(o.PriceType), o.QuotedPrice, o.DeliverableURL, string(o.DeliverableMediaType),
		o.QuotaUsed, o.QuotaTotal, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return order.ServiceOrder{}, err
	}
	return o, nil
}

const orderColumns = `id, service_id, client_wallet, provider_agent_id, status, price_type,
	quoted_price, deliverable_url, deliverable_media_type, quota_used, quota_total,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (order.ServiceOrder, error) {
	var o order.ServiceOrder
	var status, priceType, mediaType string
	err := row.Scan(&o.ID, &o.ServiceID, &o.ClientWallet, &o.ProviderAgentID, &status,
		&priceType, &o.QuotedPrice, &o.DeliverableURL, &mediaType,
		&o.QuotaUsed, &o.QuotaTotal, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return order.ServiceOrder{}, storage.ErrNotFound
	}
	o.Status = order.Status(status)
	o.PriceType = order.PriceType(priceType)
	o.DeliverableMediaType = order.MediaType(mediaType)
	return o, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.ServiceOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM atelier_orders WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (s *Store) ListOrdersByAgent(ctx context.Context, agentID string) ([]order.ServiceOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM atelier_orders
		WHERE provider_agent_id = $1
		ORDER BY created_at
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []order.ServiceOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// UpdateOrderStatus performs the compare-and-swap transition: the UPDATE
// only matches when the stored status equals expected, so a concurrent
// transition that already moved the order makes this one fail with
// ErrConflict instead of overwriting it.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, expected order.Status, update storage.OrderStatusUpdate) (order.ServiceOrder, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE atelier_orders
		SET status = $3,
			quoted_price = COALESCE($4, quoted_price),
			deliverable_url = COALESCE($5, deliverable_url),
			deliverable_media_type = COALESCE($6, deliverable_media_type),
			updated_at = $7
		WHERE id = $1 AND status = $2
	`, id, string(expected), string(update.Status),
		update.QuotedPrice, update.DeliverableURL, mediaTypeArg(update.DeliverableMediaType),
		time.Now().UTC())
	if err != nil {
		return order.ServiceOrder{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a lost race from an absent order.
		if _, err := s.GetOrder(ctx, id); err != nil {
			return order.ServiceOrder{}, err
		}
		return order.ServiceOrder{}, storage.ErrConflict
	}
	return s.GetOrder(ctx, id)
}

func mediaTypeArg(mt *order.MediaType) interface{} {
	if mt == nil {
		return nil
	}
	return string(*mt)
}

// --- ReviewStore ------------------------------------------------------------

func (s *Store) CreateReview(ctx context.Context, rev order.Review) (order.Review, error) {
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	rev.CreatedAt = time.Now().UTC()

	// atelier_reviews has a unique constraint on order_id.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atelier_reviews (id, order_id, client_wallet, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rev.ID, rev.OrderID, rev.ClientWallet, rev.Rating, rev.Comment, rev.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return order.Review{}, storage.ErrConflict
		}
		return order.Review{}, err
	}
	return rev, nil
}

func (s *Store) GetReviewByOrder(ctx context.Context, orderID string) (order.Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, client_wallet, rating, comment, created_at
		FROM atelier_reviews WHERE order_id = $1
	`, orderID)

	var rev order.Review
	err := row.Scan(&rev.ID, &rev.OrderID, &rev.ClientWallet, &rev.Rating, &rev.Comment, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Review{}, storage.ErrNotFound
	}
	return rev, err
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateFeeSweep(ctx context.Context, sweep settlement.FeeSweep) (settlement.FeeSweep, error) {
	if sweep.ID == "" {
		sweep.ID = uuid.NewString()
	}
	if sweep.SweptAt.IsZero() {
		sweep.SweptAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atelier_fee_sweeps (id, amount, tx_hash, swept_at)
		VALUES ($1, $2, $3, $4)
	`, sweep.ID, sweep.Amount, sweep.TxHash, sweep.SweptAt)
	if err != nil {
		return settlement.FeeSweep{}, err
	}
	return sweep, nil
}

func (s *Store) ListFeeSweeps(ctx context.Context) ([]settlement.FeeSweep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount, tx_hash, swept_at
		FROM atelier_fee_sweeps ORDER BY swept_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.FeeSweep
	for rows.Next() {
		var sweep settlement.FeeSweep
		if err := rows.Scan(&sweep.ID, &sweep.Amount, &sweep.TxHash, &sweep.SweptAt); err != nil {
			return nil, err
		}
		result = append(result, sweep)
	}
	return result, rows.Err()
}

func (s *Store) CreatePayout(ctx context.Context, payout settlement.FeePayout) (settlement.FeePayout, error) {
	if payout.ID == "" {
		payout.ID = uuid.NewString()
	}
	payout.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atelier_fee_payouts (id, recipient_wallet, agent_id, token_mint, amount,
			status, tx_hash, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, payout.ID, payout.RecipientWallet, payout.AgentID, payout.TokenMint, payout.Amount,
		string(payout.Status), payout.TxHash, payout.CreatedAt, payout.CompletedAt)
	if err != nil {
		return settlement.FeePayout{}, err
	}
	return payout, nil
}

func (s *Store) UpdatePayout(ctx context.Context, payout settlement.FeePayout) (settlement.FeePayout, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE atelier_fee_payouts
		SET status = $2, tx_hash = $3, completed_at = $4
		WHERE id = $1
	`, payout.ID, string(payout.Status), payout.TxHash, payout.CompletedAt)
	if err != nil {
		return settlement.FeePayout{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.FeePayout{}, storage.ErrNotFound
	}
	return payout, nil
}

func (s *Store) GetPayout(ctx context.Context, id string) (settlement.FeePayout, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_wallet, agent_id, token_mint, amount, status, tx_hash, created_at, completed_at
		FROM atelier_fee_payouts WHERE id = $1
	`, id)
	return scanPayout(row)
}

func scanPayout(row interface{ Scan(...interface{}) error }) (settlement.FeePayout, error) {
	var p settlement.FeePayout
	var status string
	err := row.Scan(&p.ID, &p.RecipientWallet, &p.AgentID, &p.TokenMint, &p.Amount,
		&status, &p.TxHash, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.FeePayout{}, storage.ErrNotFound
	}
	p.Status = settlement.PayoutStatus(status)
	return p, err
}

func (s *Store) ListPayoutsByStatus(ctx context.Context, status settlement.PayoutStatus) ([]settlement.FeePayout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_wallet, agent_id, token_mint, amount, status, tx_hash, created_at, completed_at
		FROM atelier_fee_payouts
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.FeePayout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
