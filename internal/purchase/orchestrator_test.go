package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndelligatta/trenches-mobile/internal/fulfillment"
	"github.com/ndelligatta/trenches-mobile/internal/jupiter"
	"github.com/ndelligatta/trenches-mobile/internal/retry"
	"github.com/ndelligatta/trenches-mobile/internal/signer"
)

var testPayer = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")

// fastConfig keeps the flow's waits in the microsecond range so the full
// state machine runs in test time.
func fastConfig() Config {
	return Config{
		SettleDelay:     time.Millisecond,
		FulfillAttempts: 8,
		FulfillDelay:    time.Millisecond,
		RefreshAttempts: 3,
		RefreshDelay:    time.Millisecond,
	}
}

type fakeRouter struct {
	mu          sync.Mutex
	configured  bool
	quoteCalls  int
	buildCalls  int
	builtQuotes []jupiter.Quote
	quoteErr    error
	buildErr    error
}

func (r *fakeRouter) Configured() bool { return r.configured }

func (r *fakeRouter) nextQuote() (jupiter.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quoteCalls++
	if r.quoteErr != nil {
		return jupiter.Quote{}, r.quoteErr
	}
	// Each quote is distinguishable so reuse across attempts is detectable.
	return jupiter.Quote{OutAmount: fmt.Sprintf("quote-%d", r.quoteCalls)}, nil
}

func (r *fakeRouter) UsdcToTrenchQuote(_ context.Context, _ float64) (jupiter.Quote, error) {
	return r.nextQuote()
}

func (r *fakeRouter) TrenchExactOutQuote(_ context.Context, _ uint64) (jupiter.Quote, error) {
	return r.nextQuote()
}

func (r *fakeRouter) BuildSwapTransaction(_ context.Context, quote jupiter.Quote, payer solana.PublicKey) (jupiter.UnsignedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildCalls++
	if r.buildErr != nil {
		return jupiter.UnsignedTransaction{}, r.buildErr
	}
	r.builtQuotes = append(r.builtQuotes, quote)
	// base64 of "tx"
	return jupiter.UnsignedTransaction{Base64: "dHg=", Payer: payer}, nil
}

type fakeSigner struct {
	available bool
	signature string
	err       error
	calls     int
}

func (s *fakeSigner) Available() bool { return s.available }

func (s *fakeSigner) SignAndSubmit(_ context.Context, _ []byte) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.signature, nil
}

type fakeFulfiller struct {
	mu      sync.Mutex
	calls   int
	results []fulfillmentResult

	lastSignature string
	lastWallet    string
	lastID        string
	lastAmount    uint64
	lastKind      Kind
}

type fulfillmentResult struct {
	grant fulfillment.Grant
	err   error
}

func (f *fakeFulfiller) next(kind Kind, txSignature, wallet, id string, amount uint64) (fulfillment.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKind = kind
	f.lastSignature = txSignature
	f.lastWallet = wallet
	f.lastID = id
	f.lastAmount = amount

	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	res := f.results[idx]
	return res.grant, res.err
}

func (f *fakeFulfiller) FulfillItem(_ context.Context, txSignature, wallet, itemID string, amount uint64) (fulfillment.Grant, error) {
	return f.next(KindItem, txSignature, wallet, itemID, amount)
}

func (f *fakeFulfiller) FulfillPack(_ context.Context, txSignature, wallet, packID string, amount uint64) (fulfillment.Grant, error) {
	return f.next(KindPack, txSignature, wallet, packID, amount)
}

type fakeStore struct {
	mu    sync.Mutex
	calls int
	errs  int // first errs calls fail
}

func (s *fakeStore) Refresh(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.errs {
		return errors.New("backend unavailable")
	}
	return nil
}

type confirmFunc func(ctx context.Context, quote jupiter.Quote) (bool, error)

func (f confirmFunc) Confirm(ctx context.Context, quote jupiter.Quote) (bool, error) {
	return f(ctx, quote)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestOrchestrator(router *fakeRouter, sig *fakeSigner, f *fakeFulfiller, store *fakeStore, confirmer Confirmer) *Orchestrator {
	return New(router, sig, f, store, confirmer, testLogger(), nil, fastConfig())
}

func TestBuyItem_CompletesWithRetriedFulfillment(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig-abc"}
	grant := fulfillment.Grant{UnitID: "u1", SerialNumber: 7, MaxSupply: 1000}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{
		{err: retry.Retryable("transaction still confirming")},
		{grant: grant},
	}}
	store := &fakeStore{}

	o := newTestOrchestrator(router, sig, fulfiller, store, nil)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rcpt.State)
	assert.Equal(t, "sig-abc", rcpt.Signature)
	require.NotNil(t, rcpt.Grant)
	assert.Equal(t, "u1", rcpt.Grant.UnitID)
	assert.Equal(t, 7, rcpt.Grant.SerialNumber)

	assert.Equal(t, 2, fulfiller.calls, "first attempt pending, second grants")
	assert.Equal(t, KindItem, fulfiller.lastKind)
	assert.Equal(t, "sig-abc", fulfiller.lastSignature)
	assert.Equal(t, testPayer.String(), fulfiller.lastWallet)
	assert.Equal(t, "item-1", fulfiller.lastID)
	assert.Equal(t, uint64(500_000_000), fulfiller.lastAmount, "500 tokens in base units")

	assert.Equal(t, 1, store.calls, "completed purchase refreshes player state")
}

func TestOpenPack_Completes(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig-pack"}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{
		{grant: fulfillment.Grant{UnitID: "u2", SerialNumber: 12}},
	}}

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)
	rcpt, err := o.OpenPack(context.Background(), testPayer, "starter-pack", 5)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rcpt.State)
	assert.Equal(t, KindPack, fulfiller.lastKind)
	assert.Equal(t, "starter-pack", fulfiller.lastID)
	assert.Equal(t, uint64(5_000_000), fulfiller.lastAmount, "5 USD in USDC base units")
}

func TestRun_FatalFulfillmentStopsImmediately(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig-abc"}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{
		{err: retry.Fatal("sold out")},
	}}
	store := &fakeStore{}

	o := newTestOrchestrator(router, sig, fulfiller, store, nil)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.Error(t, err)

	assert.Equal(t, StateFailed, rcpt.State)
	assert.Equal(t, 1, fulfiller.calls, "a definitive rejection must not be retried")
	assert.Equal(t, "sig-abc", rcpt.Signature, "the broadcast signature survives on the failed receipt")
	assert.Contains(t, err.Error(), "sig-abc", "the error must point at the possibly-landed payment")
	assert.Zero(t, store.calls, "no reconciliation after a failed purchase")
}

func TestRun_UserDeclinesQuote(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig-abc"}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{{}}}

	decline := confirmFunc(func(ctx context.Context, quote jupiter.Quote) (bool, error) {
		return false, nil
	})

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, decline)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.NoError(t, err, "a user decline is a clean outcome, not an error")

	assert.Equal(t, StateCancelled, rcpt.State)
	assert.Empty(t, rcpt.Signature)
	assert.Zero(t, router.buildCalls, "no transaction is built after a decline")
	assert.Zero(t, sig.calls)
	assert.Zero(t, fulfiller.calls)
}

func TestRun_UserRejectsSigning(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, err: signer.ErrUserRejected}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{{}}}

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, rcpt.State)
	assert.Empty(t, rcpt.Signature)
	assert.Zero(t, fulfiller.calls, "nothing was broadcast, nothing to verify")
}

func TestRun_FreshQuotePerAttempt(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig"}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{
		{grant: fulfillment.Grant{UnitID: "u1"}},
	}}

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)

	_, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.NoError(t, err)
	_, err = o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.NoError(t, err)

	assert.Equal(t, 2, router.quoteCalls)
	require.Len(t, router.builtQuotes, 2)
	assert.NotEqual(t, router.builtQuotes[0].OutAmount, router.builtQuotes[1].OutAmount,
		"each attempt must build from its own quote, never a cached one")
}

func TestRun_OnePurchasePerWallet(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig"}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{
		{grant: fulfillment.Grant{UnitID: "u1"}},
	}}

	inConfirm := make(chan struct{})
	proceed := make(chan struct{})
	var inConfirmOnce sync.Once
	hold := confirmFunc(func(ctx context.Context, quote jupiter.Quote) (bool, error) {
		inConfirmOnce.Do(func() { close(inConfirm) })
		<-proceed
		return true, nil
	})

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, hold)

	done := make(chan error, 1)
	go func() {
		_, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
		done <- err
	}()
	<-inConfirm

	// Second purchase for the same wallet while the first is mid-flow.
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-2", 100)
	assert.True(t, errors.Is(err, ErrPurchaseInFlight))
	assert.Equal(t, StateFailed, rcpt.State)

	close(proceed)
	require.NoError(t, <-done)

	// The slot frees once the first purchase terminates.
	_, err = o.BuyItem(context.Background(), testPayer, "item-2", 100)
	require.NoError(t, err)
}

func TestRun_RefreshFailureDoesNotFailPurchase(t *testing.T) {
	router := &fakeRouter{configured: true}
	sig := &fakeSigner{available: true, signature: "sig"}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{
		{grant: fulfillment.Grant{UnitID: "u1"}},
	}}
	store := &fakeStore{errs: 100} // every refresh attempt fails

	o := newTestOrchestrator(router, sig, fulfiller, store, nil)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.NoError(t, err, "a stale cache must not fail a granted purchase")

	assert.Equal(t, StateCompleted, rcpt.State)
	assert.Equal(t, 3, store.calls, "refresh has its own bounded retry budget")
}

func TestRun_Preconditions(t *testing.T) {
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{{}}}

	t.Run("router not configured", func(t *testing.T) {
		router := &fakeRouter{configured: false}
		sig := &fakeSigner{available: true}

		o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)
		rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
		assert.True(t, errors.Is(err, ErrNotConfigured))
		assert.Equal(t, StateFailed, rcpt.State)
		assert.Zero(t, router.quoteCalls, "no quote without a configured router")
	})

	t.Run("signer unavailable", func(t *testing.T) {
		router := &fakeRouter{configured: true}
		sig := &fakeSigner{available: false}

		o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)
		rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
		assert.True(t, errors.Is(err, signer.ErrSignerUnavailable))
		assert.Equal(t, StateFailed, rcpt.State)
		assert.Zero(t, router.quoteCalls, "no quote when signing cannot happen")
	})

	t.Run("non-positive price", func(t *testing.T) {
		router := &fakeRouter{configured: true}
		sig := &fakeSigner{available: true}

		o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)

		for _, price := range []float64{0, -5} {
			rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", price)
			assert.True(t, errors.Is(err, ErrInvalidAmount))
			assert.Equal(t, StateFailed, rcpt.State)

			rcpt, err = o.OpenPack(context.Background(), testPayer, "pack-1", price)
			assert.True(t, errors.Is(err, ErrInvalidAmount))
			assert.Equal(t, StateFailed, rcpt.State)
		}
		assert.Zero(t, router.quoteCalls, "a zero spend never reaches the quote service")
	})

	t.Run("nil fulfiller", func(t *testing.T) {
		router := &fakeRouter{configured: true}
		sig := &fakeSigner{available: true}

		o := New(router, sig, nil, nil, nil, testLogger(), nil, fastConfig())
		_, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
		assert.True(t, errors.Is(err, ErrNotConfigured))
	})
}

func TestRun_QuoteFailure(t *testing.T) {
	router := &fakeRouter{configured: true, quoteErr: jupiter.ErrQuoteUnavailable}
	sig := &fakeSigner{available: true}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{{}}}

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.Error(t, err)

	assert.True(t, errors.Is(err, jupiter.ErrQuoteUnavailable))
	assert.Equal(t, StateFailed, rcpt.State)
	assert.Zero(t, sig.calls)
}

func TestRun_BuildFailure(t *testing.T) {
	router := &fakeRouter{configured: true, buildErr: jupiter.ErrBuildFailed}
	sig := &fakeSigner{available: true}
	fulfiller := &fakeFulfiller{results: []fulfillmentResult{{}}}

	o := newTestOrchestrator(router, sig, fulfiller, &fakeStore{}, nil)
	rcpt, err := o.BuyItem(context.Background(), testPayer, "item-1", 500)
	require.Error(t, err)

	assert.True(t, errors.Is(err, jupiter.ErrBuildFailed))
	assert.Equal(t, StateFailed, rcpt.State)
	assert.Zero(t, sig.calls, "nothing reaches the wallet when the build fails")
	assert.Zero(t, fulfiller.calls)
}
