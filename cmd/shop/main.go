package main

import (
	"context"
	"flag"
	"os"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/ndelligatta/trenches-mobile/internal/fulfillment"
	"github.com/ndelligatta/trenches-mobile/internal/jupiter"
	"github.com/ndelligatta/trenches-mobile/internal/metrics"
	"github.com/ndelligatta/trenches-mobile/internal/onchain"
	"github.com/ndelligatta/trenches-mobile/internal/player"
	"github.com/ndelligatta/trenches-mobile/internal/purchase"
	"github.com/ndelligatta/trenches-mobile/internal/signer"
)

var (
	flagKind    = flag.String("kind", "item", "what to buy: item or pack")
	flagID      = flag.String("id", "", "item or pack identifier")
	flagPrice   = flag.Float64("price", 0, "item price in TRENCH tokens, or pack price in USD")
	flagConfirm = flag.Bool("confirm", true, "proceed past the quote; false stops after quoting")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.DebugLevel)

	cfg, err := newConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	if *flagID == "" {
		logger.Fatal("-id is required")
	}
	if *flagPrice <= 0 {
		logger.Fatal("-price must be positive")
	}

	metrics.RegisterMetrics(logger)
	metrics.StartServer(cfg.Metrics.Addr, logger)

	rpcClient := rpc.New(cfg.Rpc.URL)

	handle, err := signer.NewKeypairHandle(cfg.Wallet.KeypairPath, rpcClient)
	if err != nil {
		logger.Fatalf("failed to load signer keypair: %v", err)
	}

	bridge := signer.NewBridge(handle, cfg.Wallet.Cluster, signer.Identity{
		Name: "Trenches",
		URI:  "https://trenchesgame.com",
		Icon: "favicon.ico",
	})

	router := jupiter.NewClient(cfg.Jupiter.URL, cfg.Jupiter.APIKey)
	fulfiller := fulfillment.NewClient(cfg.Fulfillment.URL, cfg.Fulfillment.Token)
	store := player.NewStore(cfg.Player.URL, cfg.Player.APIKey, rpcClient)

	orchestrator := purchase.New(
		router,
		bridge,
		fulfiller,
		store,
		&quoteLogger{logger: logger, proceed: *flagConfirm},
		logger,
		metrics.NewPurchaseMetrics(),
		purchase.Config{
			SettleDelay:     cfg.Purchase.SettleDelay,
			FulfillAttempts: cfg.Purchase.FulfillAttempts,
			FulfillDelay:    cfg.Purchase.FulfillDelay,
			RefreshAttempts: cfg.Purchase.RefreshAttempts,
			RefreshDelay:    cfg.Purchase.RefreshDelay,
		},
	)

	ctx := context.Background()
	payer := handle.PublicKey()

	err = store.Ensure(ctx, payer.String())
	if err != nil {
		logger.Warnf("failed to ensure player row: %v", err)
	}

	var rcpt *purchase.Receipt
	switch *flagKind {
	case "item":
		rcpt, err = orchestrator.BuyItem(ctx, payer, *flagID, *flagPrice)
	case "pack":
		rcpt, err = orchestrator.OpenPack(ctx, payer, *flagID, *flagPrice)
	default:
		logger.Fatalf("unknown kind %q, want item or pack", *flagKind)
	}

	if err != nil {
		if rcpt != nil && rcpt.Signature != "" {
			logger.Errorf("purchase failed after broadcast (tx %s may still have landed): %v", rcpt.Signature, err)
		} else {
			logger.Errorf("purchase failed: %v", err)
		}
		os.Exit(1)
	}

	switch rcpt.State {
	case purchase.StateCancelled:
		logger.Info("purchase cancelled")
	case purchase.StateCompleted:
		logger.Infof("purchase completed: tx %s", rcpt.Signature)
		if rcpt.Grant != nil {
			logger.Infof("granted %s (%s), serial %d of %d",
				rcpt.Grant.Name, rcpt.Grant.Rarity, rcpt.Grant.SerialNumber, rcpt.Grant.MaxSupply)
		}
		if p, sol, ok := store.Cached(); ok {
			logger.Infof("balance: %.4f SOL, currency: %d", sol, p.Currency)
		}
	}
}

// quoteLogger prints the quote and answers the confirmation prompt from the
// -confirm flag. With -confirm=false the run is a quote-only dry run.
type quoteLogger struct {
	logger  *logrus.Logger
	proceed bool
}

func (q *quoteLogger) Confirm(_ context.Context, quote jupiter.Quote) (bool, error) {
	q.logger.Infof("quote: %s %s -> %s %s (%d bps slippage, %d hops)",
		onchain.FormatBaseUnits(quote.InAmount, onchain.MintDecimals(quote.InputMint)), quote.InputMint,
		onchain.FormatBaseUnits(quote.OutAmount, onchain.MintDecimals(quote.OutputMint)), quote.OutputMint,
		quote.SlippageBps, len(quote.RoutePlan))
	return q.proceed, nil
}
