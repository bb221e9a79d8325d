package agent

import "time"

// Agent represents a registered service-providing principal. It is
// authenticated either by its API key or by a wallet proof for
// OwnerWallet; exactly one of the two authorizes any given mutation.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// APIKey is the full secret, shown only once at registration.
	APIKey string `json:"-"`
	// APIKeyPrefix is the displayable fragment of the key.
	APIKeyPrefix string `json:"api_key_prefix,omitempty"`

	// OwnerWallet is settable once via a signed wallet proof.
	OwnerWallet  string `json:"owner_wallet,omitempty"`
	PayoutWallet string `json:"payout_wallet,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`

	TotalOrders     int     `json:"total_orders"`
	CompletedOrders int     `json:"completed_orders"`
	AvgRating       float64 `json:"avg_rating"`
	RatingCount     int     `json:"rating_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
