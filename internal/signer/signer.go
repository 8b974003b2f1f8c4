// Package signer bridges the purchase flow to an out-of-process wallet
// signer. The signer is an optional capability: components receive a Handle
// probed at startup and fail fast when none is present.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

var (
	// ErrSignerUnavailable means no wallet signer is registered. The user has
	// to change connection method; the flow never retries this silently.
	ErrSignerUnavailable = errors.New("signer: no wallet signer available")

	// ErrUserRejected means the user declined in the signer UI. It is a
	// cancellation, not an error condition.
	ErrUserRejected = errors.New("signer: user rejected the request")
)

// Signature is the signer's return value. Wallets answer with either a
// pre-encoded base58 string or raw signature bytes; exactly one side is set.
type Signature struct {
	Text string
	Raw  []byte
}

// Normalize converts a signature to its canonical base58 textual form. Raw
// bytes are encoded; text is validated and passed through unchanged.
// Downstream string comparisons and URL embedding assume this one form.
func Normalize(sig Signature) (string, error) {
	switch {
	case len(sig.Raw) > 0:
		return base58.Encode(sig.Raw), nil
	case sig.Text != "":
		if _, err := base58.Decode(sig.Text); err != nil {
			return "", fmt.Errorf("invalid base58 signature %q: %w", sig.Text, err)
		}
		return sig.Text, nil
	default:
		return "", errors.New("empty signature")
	}
}

// Identity describes the dapp to the wallet during authorization.
type Identity struct {
	Name string
	URI  string
	Icon string
}

type AuthRequest struct {
	Cluster  string
	Identity Identity
	// AuthToken carries a previously issued token so the wallet can skip the
	// approval prompt.
	AuthToken string
}

type AuthResult struct {
	AuthToken     string
	WalletAddress string
}

// Handle is the probed wallet capability. Implementations wrap a concrete
// signer transport (the mobile wallet adapter on device, a local keypair in
// the CLI).
type Handle interface {
	Authorize(ctx context.Context, req AuthRequest) (AuthResult, error)
	SignAndSendTransactions(ctx context.Context, txs [][]byte) ([]Signature, error)
}

// Bridge owns the authorize-then-sign handshake against a Handle and
// normalizes whatever signature encoding comes back.
type Bridge struct {
	handle   Handle
	cluster  string
	identity Identity

	mu        sync.Mutex
	authToken string
}

func NewBridge(handle Handle, cluster string, identity Identity) *Bridge {
	return &Bridge{
		handle:   handle,
		cluster:  cluster,
		identity: identity,
	}
}

// Available reports whether a signer capability was registered.
func (b *Bridge) Available() bool {
	return b != nil && b.handle != nil
}

// SignAndSubmit hands exactly one serialized transaction to the wallet for
// signature and broadcast, returning the canonical transaction signature.
// Once this returns a signature, funds may already have moved; callers must
// treat every later failure as possibly-landed.
func (b *Bridge) SignAndSubmit(ctx context.Context, txBytes []byte) (string, error) {
	if !b.Available() {
		return "", ErrSignerUnavailable
	}

	b.mu.Lock()
	cached := b.authToken
	b.mu.Unlock()

	auth, err := b.handle.Authorize(ctx, AuthRequest{
		Cluster:   b.cluster,
		Identity:  b.identity,
		AuthToken: cached,
	})
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			return "", ErrUserRejected
		}
		return "", fmt.Errorf("failed to authorize wallet: %w", err)
	}

	if auth.AuthToken != "" {
		b.mu.Lock()
		b.authToken = auth.AuthToken
		b.mu.Unlock()
	}

	sigs, err := b.handle.SignAndSendTransactions(ctx, [][]byte{txBytes})
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			return "", ErrUserRejected
		}
		return "", fmt.Errorf("failed to sign and send transaction: %w", err)
	}

	if len(sigs) != 1 {
		return "", fmt.Errorf("expected 1 signature, got %d", len(sigs))
	}

	normalized, err := Normalize(sigs[0])
	if err != nil {
		return "", fmt.Errorf("failed to normalize signature: %w", err)
	}

	return normalized, nil
}
