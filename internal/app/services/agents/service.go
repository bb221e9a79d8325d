// Package agents implements agent registration and identity resolution.
package agents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/atelier-network/atelier/internal/app/domain/agent"
	"github.com/atelier-network/atelier/internal/app/storage"
	"github.com/atelier-network/atelier/internal/errors"
	"github.com/atelier-network/atelier/internal/walletauth"
	"github.com/atelier-network/atelier/pkg/logger"
)

const apiKeyPrefix = "atl_"

// Service manages agent records and resolves calling principals.
type Service struct {
	store storage.AgentStore
	auth  *walletauth.Authenticator
	log   *logger.Logger
}

// New creates the agents service.
func New(store storage.AgentStore, auth *walletauth.Authenticator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("agents")
	}
	if auth == nil {
		auth = walletauth.New()
	}
	return &Service{store: store, auth: auth, log: log}
}

// Register creates a new agent and returns it together with the full API
// key. The key is returned exactly once; only its prefix is stored for
// display afterwards.
func (s *Service) Register(ctx context.Context, name, description, webhookURL string, capabilities []string) (agent.Agent, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return agent.Agent{}, "", errors.Validation("agent name is required")
	}

	key, err := generateAPIKey()
	if err != nil {
		return agent.Agent{}, "", errors.Internal("", err)
	}

	created, err := s.store.CreateAgent(ctx, agent.Agent{
		Name:         name,
		Description:  strings.TrimSpace(description),
		WebhookURL:   strings.TrimSpace(webhookURL),
		Capabilities: capabilities,
		APIKey:       key,
		APIKeyPrefix: key[:len(apiKeyPrefix)+6],
	})
	if err != nil {
		return agent.Agent{}, "", err
	}

	s.log.WithField("agent_id", created.ID).Info("agent registered")
	return created, key, nil
}

// Get returns the agent's public record.
func (s *Service) Get(ctx context.Context, id string) (agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return agent.Agent{}, errors.NotFound("agent")
		}
		return agent.Agent{}, err
	}
	return a, nil
}

// Authenticate resolves an agent from its static API key.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (agent.Agent, error) {
	if strings.TrimSpace(apiKey) == "" {
		return agent.Agent{}, errors.Unauthorized("API key required")
	}
	a, err := s.store.GetAgentByAPIKey(ctx, apiKey)
	if err != nil {
		if err == storage.ErrNotFound {
			return agent.Agent{}, errors.Unauthorized("invalid API key")
		}
		return agent.Agent{}, err
	}
	return a, nil
}

// ResolveByWallet authenticates the wallet proof and returns the agent the
// wallet owns. A wallet owning several agents resolves to the most
// recently registered one.
func (s *Service) ResolveByWallet(ctx context.Context, proof walletauth.Proof) (agent.Agent, error) {
	wallet, err := s.auth.Authenticate(proof, "")
	if err != nil {
		return agent.Agent{}, err
	}

	owned, err := s.store.ListAgentsByWallet(ctx, wallet)
	if err != nil {
		return agent.Agent{}, err
	}
	if len(owned) == 0 {
		return agent.Agent{}, errors.Unauthorized("no agent registered for wallet")
	}
	return owned[0], nil
}

// Resolve identifies the calling agent from an API key or, failing that, a
// wallet proof. The API key takes precedence when both are supplied.
func (s *Service) Resolve(ctx context.Context, apiKey string, proof *walletauth.Proof) (agent.Agent, error) {
	if strings.TrimSpace(apiKey) != "" {
		return s.Authenticate(ctx, apiKey)
	}
	if proof != nil {
		return s.ResolveByWallet(ctx, *proof)
	}
	return agent.Agent{}, errors.Unauthorized("API key or wallet proof required")
}

// LinkWallet binds the owner wallet to the agent via a signed proof. The
// binding is settable once; re-linking the same wallet is a no-op.
func (s *Service) LinkWallet(ctx context.Context, agentID string, proof walletauth.Proof) (agent.Agent, error) {
	wallet, err := s.auth.Authenticate(proof, "")
	if err != nil {
		return agent.Agent{}, err
	}

	a, err := s.Get(ctx, agentID)
	if err != nil {
		return agent.Agent{}, err
	}
	if a.OwnerWallet != "" {
		if a.OwnerWallet == wallet {
			return a, nil
		}
		return agent.Agent{}, errors.Conflict("agent already linked to a wallet")
	}

	a.OwnerWallet = wallet
	updated, err := s.store.UpdateAgent(ctx, a)
	if err != nil {
		return agent.Agent{}, err
	}
	s.log.WithFields(map[string]interface{}{"agent_id": agentID, "wallet": wallet}).Info("owner wallet linked")
	return updated, nil
}

// ProfileUpdate carries owner-mutable fields. Nil pointers leave the
// stored value untouched.
type ProfileUpdate struct {
	Description  *string
	PayoutWallet *string
	WebhookURL   *string
	Capabilities []string
}

// UpdateProfile applies an owner-authorized mutation. The caller must be
// resolved beforehand (API key or wallet proof) and must be this agent.
func (s *Service) UpdateProfile(ctx context.Context, caller agent.Agent, agentID string, update ProfileUpdate) (agent.Agent, error) {
	if caller.ID != agentID {
		return agent.Agent{}, errors.Forbidden("")
	}

	a, err := s.Get(ctx, agentID)
	if err != nil {
		return agent.Agent{}, err
	}
	if update.Description != nil {
		a.Description = strings.TrimSpace(*update.Description)
	}
	if update.PayoutWallet != nil {
		a.PayoutWallet = strings.TrimSpace(*update.PayoutWallet)
	}
	if update.WebhookURL != nil {
		a.WebhookURL = strings.TrimSpace(*update.WebhookURL)
	}
	if update.Capabilities != nil {
		a.Capabilities = update.Capabilities
	}
	return s.store.UpdateAgent(ctx, a)
}

// RecordOrderCreated increments the agent's order counter.
func (s *Service) RecordOrderCreated(ctx context.Context, agentID string) error {
	return s.store.AddAgentStats(ctx, agentID, storage.AgentStatsDelta{TotalOrders: 1})
}

// RecordCompletion increments the agent's completed-order counter.
func (s *Service) RecordCompletion(ctx context.Context, agentID string) error {
	return s.store.AddAgentStats(ctx, agentID, storage.AgentStatsDelta{CompletedOrders: 1})
}

// RecordRating folds a new review rating into the agent's average.
func (s *Service) RecordRating(ctx context.Context, agentID string, rating int) error {
	return s.store.AddAgentStats(ctx, agentID, storage.AgentStatsDelta{Rating: &rating})
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
