package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-network/atelier/internal/app/domain/settlement"
	"github.com/atelier-network/atelier/internal/app/storage/memory"
	"github.com/atelier-network/atelier/internal/chain"
	"github.com/atelier-network/atelier/internal/errors"
)

// fakeChain records every call so tests can assert what reached the chain.
type fakeChain struct {
	mu sync.Mutex

	balance    float64
	balanceErr error
	submitErr  error

	balanceCalls  int
	buildCalls    []string
	submitCalls   int
	drainOnSubmit bool
}

func (f *fakeChain) VaultBalance(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeChain) BuildFeeCollection(_ context.Context, vault, payer string) (chain.Instructions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls = append(f.buildCalls, "collect:"+vault+":"+payer)
	return chain.Instructions{Payload: []byte(`{}`)}, nil
}

func (f *fakeChain) BuildNativeTransfer(_ context.Context, from, to string, amount float64) (chain.Instructions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls = append(f.buildCalls, fmt.Sprintf("transfer:%s:%s:%g", from, to, amount))
	return chain.Instructions{Payload: []byte(`{}`)}, nil
}

func (f *fakeChain) SubmitAndConfirm(_ context.Context, _ chain.Instructions, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.drainOnSubmit {
		f.balance = 0
	}
	return fmt.Sprintf("tx%d", f.submitCalls), nil
}

func newTestService(fc *fakeChain) (*Service, *memory.Store) {
	store := memory.New()
	svc := New(Config{
		VaultAccount:    "vault",
		TreasuryAccount: "treasury",
		TreasuryKey:     "treasury-key",
		AdminToken:      "s3cret",
	}, store, fc, nil)
	return svc, store
}

func assertCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	require.Error(t, err)
	se := errors.GetServiceError(err)
	require.NotNil(t, se, "expected service error, got %v", err)
	assert.Equal(t, code, se.Code)
}

func TestAuthorize(t *testing.T) {
	svc, _ := newTestService(&fakeChain{})

	require.NoError(t, svc.Authorize("s3cret"))
	assertCode(t, svc.Authorize("wrong"), errors.CodeUnauthenticated)
	assertCode(t, svc.Authorize(""), errors.CodeUnauthenticated)

	disabled := New(Config{}, memory.New(), &fakeChain{}, nil)
	assertCode(t, disabled.Authorize("anything"), errors.CodeForbidden)
}

func TestSweepRecordsConfirmedAmount(t *testing.T) {
	fc := &fakeChain{balance: 4.2}
	svc, store := newTestService(fc)

	sweep, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.2, sweep.Amount)
	assert.Equal(t, "tx1", sweep.TxHash)
	assert.Equal(t, []string{"collect:vault:treasury"}, fc.buildCalls)

	sweeps, err := store.ListFeeSweeps(context.Background())
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
}

func TestSweepEmptyVault(t *testing.T) {
	fc := &fakeChain{balance: 0}
	svc, store := newTestService(fc)

	_, err := svc.Sweep(context.Background())
	assertCode(t, err, errors.CodeEmptyVault)

	// Nothing reached the chain and nothing was recorded.
	assert.Zero(t, fc.submitCalls)
	sweeps, err := store.ListFeeSweeps(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sweeps)
}

func TestConcurrentSweepsSerialize(t *testing.T) {
	fc := &fakeChain{balance: 4.2, drainOnSubmit: true}
	svc, store := newTestService(fc)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Sweep(context.Background())
		}(i)
	}
	wg.Wait()

	// One caller drains the vault; the other observes it empty.
	var succeeded, empty int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if se := errors.GetServiceError(err); se != nil && se.Code == errors.CodeEmptyVault {
			empty++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, empty)

	sweeps, err := store.ListFeeSweeps(context.Background())
	require.NoError(t, err)
	assert.Len(t, sweeps, 1)
	assert.Equal(t, 1, fc.submitCalls)
}

func TestPayoutCompletes(t *testing.T) {
	fc := &fakeChain{}
	svc, _ := newTestService(fc)

	payout, err := svc.Payout(context.Background(), PayoutParams{
		RecipientWallet: "recipient",
		AgentID:         "agent1",
		Amount:          2.5,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.PayoutCompleted, payout.Status)
	assert.Equal(t, "tx1", payout.TxHash)
	require.NotNil(t, payout.CompletedAt)
	assert.Equal(t, []string{"transfer:treasury:recipient:2.5"}, fc.buildCalls)

	pending, err := svc.PendingPayouts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPayoutCeilingRejectedBeforeChain(t *testing.T) {
	fc := &fakeChain{}
	svc, store := newTestService(fc)

	_, err := svc.Payout(context.Background(), PayoutParams{
		RecipientWallet: "recipient",
		Amount:          10.01,
	})
	assertCode(t, err, errors.CodeValidation)

	// Neither a chain call nor a ledger row happened.
	assert.Empty(t, fc.buildCalls)
	pending, err := store.ListPayoutsByStatus(context.Background(), settlement.PayoutPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPayoutAtCeilingAllowed(t *testing.T) {
	svc, _ := newTestService(&fakeChain{})

	payout, err := svc.Payout(context.Background(), PayoutParams{
		RecipientWallet: "recipient",
		Amount:          DefaultMaxPayout,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.PayoutCompleted, payout.Status)
}

func TestPayoutStaysPendingOnChainFailure(t *testing.T) {
	fc := &fakeChain{submitErr: &chain.Error{Code: -32000, Message: "node unavailable"}}
	svc, _ := newTestService(fc)

	_, err := svc.Payout(context.Background(), PayoutParams{
		RecipientWallet: "recipient",
		Amount:          2.5,
	})
	assertCode(t, err, errors.CodeExternalFailure)

	// The pending row survives as the reconciliation signal.
	pending, err := svc.PendingPayouts(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, settlement.PayoutPending, pending[0].Status)
	assert.Equal(t, "recipient", pending[0].RecipientWallet)
	assert.Empty(t, pending[0].TxHash)
}

type testGauge struct {
	mu  sync.Mutex
	val float64
	set bool
}

func (g *testGauge) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.val = v
	g.set = true
}

func (g *testGauge) value() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val, g.set
}

func TestWatcherReportsPending(t *testing.T) {
	fc := &fakeChain{submitErr: &chain.Error{Code: -32000, Message: "node unavailable"}}
	svc, _ := newTestService(fc)

	_, err := svc.Payout(context.Background(), PayoutParams{RecipientWallet: "recipient", Amount: 1})
	require.Error(t, err)

	gauge := &testGauge{}
	w := NewWatcher(svc, 5*time.Millisecond, gauge, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.Eventually(t, func() bool {
		v, set := gauge.value()
		return set && v == 1
	}, time.Second, 5*time.Millisecond)
}
