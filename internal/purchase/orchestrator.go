// Package purchase sequences the on-chain purchase and pack-opening flow:
// quote, user confirmation, transaction build, external signing, a settling
// delay, retry-wrapped fulfillment verification, and reconciliation of the
// cached player state.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/ndelligatta/trenches-mobile/internal/fulfillment"
	"github.com/ndelligatta/trenches-mobile/internal/jupiter"
	"github.com/ndelligatta/trenches-mobile/internal/metrics"
	"github.com/ndelligatta/trenches-mobile/internal/onchain"
	"github.com/ndelligatta/trenches-mobile/internal/retry"
	"github.com/ndelligatta/trenches-mobile/internal/signer"
)

type State string

const (
	StateIdle                     State = "idle"
	StateQuoteRequested           State = "quote_requested"
	StateAwaitingUserConfirmation State = "awaiting_user_confirmation"
	StateBuildingTransaction      State = "building_transaction"
	StateAwaitingSignature        State = "awaiting_signature"
	StateSettling                 State = "settling"
	StateVerifyingFulfillment     State = "verifying_fulfillment"
	StateReconciling              State = "reconciling"
	StateCompleted                State = "completed"
	StateCancelled                State = "cancelled"
	StateFailed                   State = "failed"
)

type Kind string

const (
	KindItem Kind = "item"
	KindPack Kind = "pack"
)

var (
	// ErrPurchaseInFlight means another purchase for the same payer has not
	// reached a terminal state yet.
	ErrPurchaseInFlight = errors.New("purchase: another purchase is in flight for this wallet")

	// ErrNotConfigured means a required collaborator (router, fulfillment
	// backend) is missing. Surfaced immediately, never retried.
	ErrNotConfigured = errors.New("purchase: flow is not configured")

	// ErrInvalidAmount means the intent resolves to a zero spend. Quoting a
	// zero amount is guaranteed to fail remotely, so it is rejected up front.
	ErrInvalidAmount = errors.New("purchase: amount must be positive")
)

// Intent is one purchase attempt's identity: what is being bought, for how
// much, and by whom. It is immutable for the attempt's lifetime; a new
// attempt always creates a new Intent and a fresh quote.
type Intent struct {
	Kind           Kind
	ID             string
	ExpectedAmount uint64
	Payer          solana.PublicKey
}

// Receipt reports where an attempt ended. Signature is set as soon as the
// wallet broadcast the transaction, so a Failed receipt with a non-empty
// Signature means funds may have moved regardless of the failure.
type Receipt struct {
	State     State
	Intent    Intent
	Quote     *jupiter.Quote
	Signature string
	Grant     *fulfillment.Grant
	Elapsed   time.Duration
}

// Confirmer presents the quote to the user. Declining is the flow's only
// cancellation point; after signing is dispatched the attempt can only
// succeed or fail.
type Confirmer interface {
	Confirm(ctx context.Context, quote jupiter.Quote) (bool, error)
}

// SwapRouter provides quotes and unsigned swap transactions.
type SwapRouter interface {
	Configured() bool
	UsdcToTrenchQuote(ctx context.Context, usd float64) (jupiter.Quote, error)
	TrenchExactOutQuote(ctx context.Context, rawTrench uint64) (jupiter.Quote, error)
	BuildSwapTransaction(ctx context.Context, quote jupiter.Quote, payer solana.PublicKey) (jupiter.UnsignedTransaction, error)
}

// Signer hands transactions to the external wallet.
type Signer interface {
	Available() bool
	SignAndSubmit(ctx context.Context, txBytes []byte) (string, error)
}

// Fulfiller verifies the payment and grants the purchase.
type Fulfiller interface {
	FulfillItem(ctx context.Context, txSignature, walletAddress, itemID string, expectedAmount uint64) (fulfillment.Grant, error)
	FulfillPack(ctx context.Context, txSignature, walletAddress, packID string, expectedAmount uint64) (fulfillment.Grant, error)
}

// PlayerStore refreshes the cached balance and inventory after a confirmed
// purchase.
type PlayerStore interface {
	Refresh(ctx context.Context, wallet string) error
}

// Config carries the empirically tuned flow constants. Zero fields take the
// production defaults.
type Config struct {
	// SettleDelay is the fixed wait between broadcast and the first
	// fulfillment attempt, covering wallet-handoff networking interruption
	// and ledger propagation.
	SettleDelay time.Duration

	FulfillAttempts int
	FulfillDelay    time.Duration

	// Refresh* bound the best-effort player state refresh after success.
	RefreshAttempts int
	RefreshDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleDelay == 0 {
		c.SettleDelay = 5 * time.Second
	}
	if c.FulfillAttempts == 0 {
		c.FulfillAttempts = 8
	}
	if c.FulfillDelay == 0 {
		c.FulfillDelay = 3 * time.Second
	}
	if c.RefreshAttempts == 0 {
		c.RefreshAttempts = 3
	}
	if c.RefreshDelay == 0 {
		c.RefreshDelay = 2 * time.Second
	}
	return c
}

type Orchestrator struct {
	router    SwapRouter
	signer    Signer
	fulfiller Fulfiller
	store     PlayerStore
	confirmer Confirmer
	metrics   *metrics.PurchaseMetrics
	logger    *logrus.Logger
	cfg       Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(
	router SwapRouter,
	sig Signer,
	fulfiller Fulfiller,
	store PlayerStore,
	confirmer Confirmer,
	logger *logrus.Logger,
	m *metrics.PurchaseMetrics,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		router:    router,
		signer:    sig,
		fulfiller: fulfiller,
		store:     store,
		confirmer: confirmer,
		metrics:   m,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		inFlight:  make(map[string]struct{}),
	}
}

// BuyItem purchases one catalog item priced in whole TRENCH tokens. The swap
// is quoted ExactOut so exactly the item price lands in the treasury.
func (o *Orchestrator) BuyItem(ctx context.Context, payer solana.PublicKey, itemID string, priceTokens float64) (*Receipt, error) {
	raw := onchain.PriceToRawAmount(priceTokens)
	intent := Intent{
		Kind:           KindItem,
		ID:             itemID,
		ExpectedAmount: raw,
		Payer:          payer,
	}
	return o.run(ctx, intent,
		func(ctx context.Context) (jupiter.Quote, error) {
			return o.router.TrenchExactOutQuote(ctx, raw)
		},
		func(ctx context.Context, txSignature string) (fulfillment.Grant, error) {
			return o.fulfiller.FulfillItem(ctx, txSignature, payer.String(), itemID, raw)
		},
	)
}

// OpenPack buys and opens one pack priced in USD. The server rolls the
// granted unit once the payment is verified.
func (o *Orchestrator) OpenPack(ctx context.Context, payer solana.PublicKey, packID string, priceUSD float64) (*Receipt, error) {
	intent := Intent{
		Kind:           KindPack,
		ID:             packID,
		ExpectedAmount: onchain.UsdToRawUsdc(priceUSD),
		Payer:          payer,
	}
	return o.run(ctx, intent,
		func(ctx context.Context) (jupiter.Quote, error) {
			return o.router.UsdcToTrenchQuote(ctx, priceUSD)
		},
		func(ctx context.Context, txSignature string) (fulfillment.Grant, error) {
			return o.fulfiller.FulfillPack(ctx, txSignature, payer.String(), packID, intent.ExpectedAmount)
		},
	)
}

func (o *Orchestrator) run(
	ctx context.Context,
	intent Intent,
	getQuote func(context.Context) (jupiter.Quote, error),
	fulfill func(context.Context, string) (fulfillment.Grant, error),
) (*Receipt, error) {
	rcpt := &Receipt{State: StateIdle, Intent: intent}

	// Preconditions: a purchase must never start without a positive spend, a
	// signer, and a configured router; silent partial setup would fail
	// mid-flow at best.
	if intent.ExpectedAmount == 0 {
		return o.fail(rcpt, time.Time{}, ErrInvalidAmount)
	}
	if o.router == nil || o.fulfiller == nil || !o.router.Configured() {
		return o.fail(rcpt, time.Time{}, ErrNotConfigured)
	}
	if o.signer == nil || !o.signer.Available() {
		return o.fail(rcpt, time.Time{}, signer.ErrSignerUnavailable)
	}

	wallet := intent.Payer.String()
	if !o.acquire(wallet) {
		return o.fail(rcpt, time.Time{}, ErrPurchaseInFlight)
	}
	defer o.release(wallet)

	started := time.Now()
	o.logger.WithFields(logrus.Fields{
		"kind":   intent.Kind,
		"id":     intent.ID,
		"wallet": wallet,
	}).Info("starting purchase")

	rcpt.State = StateQuoteRequested
	quote, err := getQuote(ctx)
	if err != nil {
		return o.fail(rcpt, started, fmt.Errorf("failed to get quote: %w", err))
	}
	rcpt.Quote = &quote

	rcpt.State = StateAwaitingUserConfirmation
	ok, err := o.confirm(ctx, quote)
	if err != nil {
		return o.fail(rcpt, started, fmt.Errorf("confirmation prompt failed: %w", err))
	}
	if !ok {
		return o.cancel(rcpt, started)
	}

	rcpt.State = StateBuildingTransaction
	tx, err := o.router.BuildSwapTransaction(ctx, quote, intent.Payer)
	if err != nil {
		return o.fail(rcpt, started, fmt.Errorf("failed to build transaction: %w", err))
	}
	txBytes, err := tx.Bytes()
	if err != nil {
		return o.fail(rcpt, started, fmt.Errorf("failed to decode transaction: %w", err))
	}

	rcpt.State = StateAwaitingSignature
	txSignature, err := o.signer.SignAndSubmit(ctx, txBytes)
	if err != nil {
		if errors.Is(err, signer.ErrUserRejected) {
			return o.cancel(rcpt, started)
		}
		return o.fail(rcpt, started, fmt.Errorf("failed to sign transaction: %w", err))
	}
	rcpt.Signature = txSignature
	o.logger.Infof("transaction broadcast: %s", txSignature)

	// Past this point the transaction may land even if we fail. Never build
	// or submit a second payment for this intent.
	rcpt.State = StateSettling
	if err := o.settle(ctx); err != nil {
		return o.fail(rcpt, started, fmt.Errorf("settling interrupted (tx %s may still land): %w", txSignature, err))
	}

	rcpt.State = StateVerifyingFulfillment
	grant, err := retry.Do(ctx, o.cfg.FulfillAttempts, o.cfg.FulfillDelay, func(ctx context.Context) (fulfillment.Grant, error) {
		if o.metrics != nil {
			o.metrics.RecordFulfillmentAttempt(string(intent.Kind))
		}
		return fulfill(ctx, txSignature)
	})
	if err != nil {
		return o.fail(rcpt, started, fmt.Errorf("fulfillment failed (payment tx %s may still have landed): %w", txSignature, err))
	}
	rcpt.Grant = &grant

	rcpt.State = StateReconciling
	if o.store != nil {
		_, refreshErr := retry.Do(ctx, o.cfg.RefreshAttempts, o.cfg.RefreshDelay, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.store.Refresh(ctx, wallet)
		})
		if refreshErr != nil {
			// Cosmetic: the purchase is granted, the cache just lags.
			o.logger.Warnf("failed to refresh player state: %v", refreshErr)
		}
	}

	rcpt.State = StateCompleted
	rcpt.Elapsed = time.Since(started)
	if o.metrics != nil {
		o.metrics.RecordPurchase(string(intent.Kind), metrics.OutcomeCompleted, rcpt.Elapsed)
	}
	o.logger.WithFields(logrus.Fields{
		"kind":   intent.Kind,
		"id":     intent.ID,
		"unit":   grant.UnitID,
		"serial": grant.SerialNumber,
	}).Info("purchase completed")

	return rcpt, nil
}

func (o *Orchestrator) confirm(ctx context.Context, quote jupiter.Quote) (bool, error) {
	if o.confirmer == nil {
		return true, nil
	}
	return o.confirmer.Confirm(ctx, quote)
}

func (o *Orchestrator) settle(ctx context.Context) error {
	t := time.NewTimer(o.cfg.SettleDelay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) cancel(rcpt *Receipt, started time.Time) (*Receipt, error) {
	rcpt.State = StateCancelled
	rcpt.Elapsed = time.Since(started)
	if o.metrics != nil {
		o.metrics.RecordPurchase(string(rcpt.Intent.Kind), metrics.OutcomeCancelled, rcpt.Elapsed)
	}
	o.logger.Infof("purchase cancelled by user: %s %s", rcpt.Intent.Kind, rcpt.Intent.ID)
	return rcpt, nil
}

func (o *Orchestrator) fail(rcpt *Receipt, started time.Time, err error) (*Receipt, error) {
	rcpt.State = StateFailed
	if !started.IsZero() {
		rcpt.Elapsed = time.Since(started)
	}
	if o.metrics != nil {
		o.metrics.RecordPurchase(string(rcpt.Intent.Kind), metrics.OutcomeFailed, rcpt.Elapsed)
	}
	return rcpt, err
}

func (o *Orchestrator) acquire(wallet string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.inFlight[wallet]; exists {
		return false
	}
	o.inFlight[wallet] = struct{}{}
	return true
}

func (o *Orchestrator) release(wallet string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, wallet)
}
