package settlement

import "time"

// FeeSweep is the immutable record of one vault-draining operation,
// written only after on-chain confirmation.
type FeeSweep struct {
	ID      string    `json:"id"`
	Amount  float64   `json:"amount"`
	TxHash  string    `json:"tx_hash"`
	SweptAt time.Time `json:"swept_at"`
}

// PayoutStatus is the two-phase payout state. A row is created pending
// before the transfer is submitted and marked completed only after
// confirmation; a row stuck pending is the durable signal for manual
// reconciliation.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
)

// FeePayout records one outbound transfer of swept funds.
type FeePayout struct {
	ID              string       `json:"id"`
	RecipientWallet string       `json:"recipient_wallet"`
	AgentID         string       `json:"agent_id,omitempty"`
	TokenMint       string       `json:"token_mint,omitempty"`
	Amount          float64      `json:"amount"`
	Status          PayoutStatus `json:"status"`
	TxHash          string       `json:"tx_hash,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}
