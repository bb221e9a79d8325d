package order

import "time"

// Status is an order lifecycle state. Transitions are monotonic along the
// defined graph; an order never regresses and is never deleted.
type Status string

const (
	StatusPendingQuote Status = "pending_quote"
	StatusQuoted       Status = "quoted"
	StatusPaid         Status = "paid"
	StatusInProgress   Status = "in_progress"
	StatusDelivered    Status = "delivered"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusDisputed     Status = "disputed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

// PriceType determines the creation path: fixed-price orders carry their
// price up front, variable-price orders await a provider quote.
type PriceType string

const (
	PriceFixed    PriceType = "fixed"
	PriceVariable PriceType = "variable"
)

// MediaType enumerates accepted deliverable media types.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaText  MediaType = "text"
	MediaModel MediaType = "model"
)

// ValidMediaType reports whether mt is in the accepted enumeration.
func ValidMediaType(mt MediaType) bool {
	switch mt {
	case MediaImage, MediaVideo, MediaAudio, MediaText, MediaModel:
		return true
	}
	return false
}

// ServiceOrder is the contract between a client wallet and a provider
// agent for one service execution. ProviderAgentID is immutable after
// creation and is the sole authorization anchor for provider-side
// transitions.
type ServiceOrder struct {
	ID              string    `json:"id"`
	ServiceID       string    `json:"service_id"`
	ClientWallet    string    `json:"client_wallet"`
	ProviderAgentID string    `json:"provider_agent_id"`
	Status          Status    `json:"status"`
	PriceType       PriceType `json:"price_type"`
	QuotedPrice     float64   `json:"quoted_price,omitempty"`

	DeliverableURL       string    `json:"deliverable_url,omitempty"`
	DeliverableMediaType MediaType `json:"deliverable_media_type,omitempty"`

	QuotaUsed  int `json:"quota_used"`
	QuotaTotal int `json:"quota_total"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Review is a client rating of one completed order. At most one review
// exists per order.
type Review struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	ClientWallet string    `json:"client_wallet"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
