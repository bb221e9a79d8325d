package orders

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/domain/order"
	"github.com/atelier-network/atelier/pkg/logger"
)

// Notifier posts order events to provider webhooks. Deliveries are
// fire-and-forget: a failed POST is logged and never blocks or rolls
// back the transition that triggered it.
type Notifier struct {
	client *http.Client
	log    *logger.Logger
}

// NewNotifier creates a notifier with a short per-delivery timeout.
func NewNotifier(log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("webhook")
	}
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

type orderEvent struct {
	Event string             `json:"event"`
	Order order.ServiceOrder `json:"order"`
}

// OrderEvent delivers one event to the provider's webhook, if configured.
func (n *Notifier) OrderEvent(provider agent.Agent, o order.ServiceOrder, event string) {
	if provider.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(orderEvent{Event: event, Order: o})
	if err != nil {
		n.log.WithError(err).Error("marshal webhook payload")
		return
	}

	go func() {
		resp, err := n.client.Post(provider.WebhookURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			n.log.WithError(err).WithField("agent_id", provider.ID).Warn("webhook delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.log.WithFields(map[string]interface{}{
				"agent_id": provider.ID,
				"status":   resp.StatusCode,
			}).Warn("webhook delivery rejected")
		}
	}()
}
