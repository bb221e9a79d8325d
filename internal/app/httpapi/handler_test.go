package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-network/atelier/internal/app/domain/order"
	"github.com/atelier-network/atelier/internal/app/metrics"
	"github.com/atelier-network/atelier/internal/app/services/agents"
	"github.com/atelier-network/atelier/internal/app/services/orders"
	"github.com/atelier-network/atelier/internal/app/services/settlement"
	"github.com/atelier-network/atelier/internal/app/storage/memory"
	"github.com/atelier-network/atelier/internal/chain"
	"github.com/atelier-network/atelier/internal/ratelimit"
	"github.com/atelier-network/atelier/internal/walletauth"
)

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type stubChain struct {
	balance float64
	submits atomic.Int64
}

func (c *stubChain) VaultBalance(context.Context, string) (float64, error) {
	return c.balance, nil
}

func (c *stubChain) BuildFeeCollection(context.Context, string, string) (chain.Instructions, error) {
	return chain.Instructions{Payload: []byte(`{}`)}, nil
}

func (c *stubChain) BuildNativeTransfer(context.Context, string, string, float64) (chain.Instructions, error) {
	return chain.Instructions{Payload: []byte(`{}`)}, nil
}

func (c *stubChain) SubmitAndConfirm(context.Context, chain.Instructions, string) (string, error) {
	return fmt.Sprintf("tx%d", c.submits.Add(1)), nil
}

type env struct {
	server *httptest.Server
	wallet string
	priv   ed25519.PrivateKey
}

func newEnv(t *testing.T, limits *ratelimit.Set, m *metrics.Metrics) *env {
	t.Helper()

	store := memory.New()
	auth := walletauth.New(walletauth.WithClock(func() time.Time { return fixedNow }))
	agentSvc := agents.New(store, auth, nil)
	orderSvc := orders.New(store, store, agentSvc, auth, nil, nil)
	settlementSvc := settlement.New(settlement.Config{
		VaultAccount:    "vault",
		TreasuryAccount: "treasury",
		TreasuryKey:     "treasury-key",
		AdminToken:      "s3cret",
	}, store, &stubChain{balance: 4.2}, nil)

	handler := New(agentSvc, orderSvc, settlementSvc, limits, m, nil)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return &env{server: server, wallet: base58.Encode(pub), priv: priv}
}

func (e *env) proof(t *testing.T) map[string]interface{} {
	t.Helper()
	signedAt := fixedNow.UnixMilli()
	sig := ed25519.Sign(e.priv, []byte(walletauth.CanonicalMessage(e.wallet, signedAt)))
	return map[string]interface{}{
		"wallet":    e.wallet,
		"signature": base58.Encode(sig),
		"signed_at": signedAt,
	}
}

func (e *env) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *env) registerAgent(t *testing.T, name string) (id, apiKey string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/agents", map[string]interface{}{"name": name}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string), body["api_key"].(string)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, nil, nil)

	providerID, providerKey := e.registerAgent(t, "painter")
	intruderID, intruderKey := e.registerAgent(t, "intruder")
	_ = intruderID
	keyHeader := map[string]string{"X-API-Key": providerKey}

	// Create a variable-price order.
	resp, body := e.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"service_id":        "portrait",
		"provider_agent_id": providerID,
		"price_type":        "variable",
		"proof":             e.proof(t),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := body["id"].(string)
	assert.Equal(t, string(order.StatusPendingQuote), body["status"])

	// A different agent cannot quote.
	resp, body = e.do(t, http.MethodPost, "/orders/"+orderID+"/quote",
		map[string]interface{}{"price": 3.0}, map[string]string{"X-API-Key": intruderKey})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"].(map[string]interface{})["code"])

	resp, body = e.do(t, http.MethodPost, "/orders/"+orderID+"/quote",
		map[string]interface{}{"price": 3.0}, keyHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(order.StatusQuoted), body["status"])

	resp, body = e.do(t, http.MethodPost, "/orders/"+orderID+"/pay",
		map[string]interface{}{"proof": e.proof(t)}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(order.StatusPaid), body["status"])

	resp, body = e.do(t, http.MethodPost, "/orders/"+orderID+"/deliver", map[string]interface{}{
		"deliverable_url": "https://cdn.example.com/out.png",
		"media_type":      "image",
	}, keyHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(order.StatusDelivered), body["status"])

	resp, body = e.do(t, http.MethodPost, "/orders/"+orderID+"/complete",
		map[string]interface{}{"proof": e.proof(t)}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(order.StatusCompleted), body["status"])

	resp, _ = e.do(t, http.MethodPost, "/orders/"+orderID+"/review", map[string]interface{}{
		"rating":  5,
		"comment": "great work",
		"proof":   e.proof(t),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Second review is rejected.
	resp, _ = e.do(t, http.MethodPost, "/orders/"+orderID+"/review", map[string]interface{}{
		"rating": 3,
		"proof":  e.proof(t),
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Rating rolled up onto the provider.
	resp, body = e.do(t, http.MethodGet, "/agents/"+providerID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["rating_count"])
	assert.Equal(t, float64(5), body["avg_rating"])
}

func TestWalletAuthRejectionsOverHTTP(t *testing.T) {
	e := newEnv(t, nil, nil)
	providerID, _ := e.registerAgent(t, "painter")

	// Stale proof.
	staleAt := fixedNow.Add(-6 * time.Minute).UnixMilli()
	sig := ed25519.Sign(e.priv, []byte(walletauth.CanonicalMessage(e.wallet, staleAt)))
	resp, body := e.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"service_id":        "portrait",
		"provider_agent_id": providerID,
		"price_type":        "variable",
		"proof": map[string]interface{}{
			"wallet":    e.wallet,
			"signature": base58.Encode(sig),
			"signed_at": staleAt,
		},
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "signature_expired", body["error"].(map[string]interface{})["code"])

	// Garbage signature.
	resp, body = e.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"service_id":        "portrait",
		"provider_agent_id": providerID,
		"price_type":        "variable",
		"proof": map[string]interface{}{
			"wallet":    e.wallet,
			"signature": "not-base58!!!",
			"signed_at": fixedNow.UnixMilli(),
		},
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_signature", body["error"].(map[string]interface{})["code"])
}

func TestWalletAuthFailuresAreCounted(t *testing.T) {
	m := metrics.New()
	e := newEnv(t, nil, m)
	providerID, _ := e.registerAgent(t, "painter")

	staleAt := fixedNow.Add(-6 * time.Minute).UnixMilli()
	sig := ed25519.Sign(e.priv, []byte(walletauth.CanonicalMessage(e.wallet, staleAt)))
	resp, _ := e.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"service_id":        "portrait",
		"provider_agent_id": providerID,
		"price_type":        "variable",
		"proof": map[string]interface{}{
			"wallet":    e.wallet,
			"signature": base58.Encode(sig),
			"signed_at": staleAt,
		},
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	count := testutil.ToFloat64(m.WalletAuthFailure.WithLabelValues("signature_expired"))
	assert.Equal(t, 1.0, count)
}

func TestSettlementEndpointsRequireAdmin(t *testing.T) {
	e := newEnv(t, nil, nil)
	admin := map[string]string{"Authorization": "Bearer s3cret"}

	resp, _ := e.do(t, http.MethodPost, "/settlement/sweep", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/settlement/sweep", nil, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/settlement/sweep", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.2, body["amount"])

	resp, body = e.do(t, http.MethodPost, "/settlement/payouts", map[string]interface{}{
		"recipient_wallet": "recipient",
		"amount":           2.5,
	}, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	// Over the payout ceiling.
	resp, body = e.do(t, http.MethodPost, "/settlement/payouts", map[string]interface{}{
		"recipient_wallet": "recipient",
		"amount":           10.5,
	}, admin)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["error"].(map[string]interface{})["code"])

	// Every admin call above, denied or not, is in the audit trail.
	resp, body = e.do(t, http.MethodGet, "/settlement/audit", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 5)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "/settlement/sweep", first["path"])
	assert.Equal(t, float64(http.StatusUnauthorized), first["status"])
}

func TestRateLimitDeniesWithRetryAfter(t *testing.T) {
	limits := ratelimit.NewSet(map[string]ratelimit.Config{
		LimitPerIP: {Max: 3, Window: time.Minute},
	}, nil)
	e := newEnv(t, limits, nil)

	var last *http.Response
	var lastBody map[string]interface{}
	for i := 0; i < 4; i++ {
		last, lastBody = e.do(t, http.MethodGet, "/orders/unknown", nil, nil)
	}
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)

	errBody := lastBody["error"].(map[string]interface{})
	assert.Equal(t, "rate_limited", errBody["code"])
	details := errBody["details"].(map[string]interface{})
	assert.Greater(t, details["retry_after"].(float64), float64(0))

	// Health stays reachable when the limiter is saturated.
	resp, _ := e.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitClassesAreIndependent(t *testing.T) {
	limits := ratelimit.NewSet(map[string]ratelimit.Config{
		LimitRegistration:  {Max: 1, Window: time.Minute},
		LimitOrderMutation: {Max: 10, Window: time.Minute},
	}, nil)
	e := newEnv(t, limits, nil)

	providerID, _ := e.registerAgent(t, "painter")

	// The registration budget is spent.
	resp, body := e.do(t, http.MethodPost, "/agents", map[string]interface{}{"name": "another"}, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"].(map[string]interface{})["code"])

	// Order mutations draw from their own budget and still go through.
	resp, _ = e.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"service_id":        "portrait",
		"provider_agent_id": providerID,
		"price_type":        "variable",
		"proof":             e.proof(t),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUnknownFieldRejected(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp, body := e.do(t, http.MethodPost, "/agents", map[string]interface{}{
		"name":    "painter",
		"surpise": true,
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["error"].(map[string]interface{})["code"])
}
