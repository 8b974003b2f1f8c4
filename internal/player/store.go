// Package player owns the locally cached player state: SOL balance, profile
// name, game stats, and the purchased-item set. The store is an explicitly
// constructed dependency; nothing here is a package-level singleton.
package player

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/ndelligatta/trenches-mobile/internal/onchain"
)

const callTimeout = 20 * time.Second

type Player struct {
	WalletAddress  string            `json:"wallet_address"`
	Name           string            `json:"name"`
	Currency       int64             `json:"currency"`
	GamesPlayed    int               `json:"games_played"`
	Wins           int               `json:"wins"`
	Kills          int               `json:"kills"`
	PurchasedItems map[string]string `json:"purchased_items"`
}

// Store talks to the player backend (a PostgREST-style API) and the ledger.
// Cached state may lag the backend; readers tolerate staleness and call
// Refresh when they need current values.
type Store struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rpcClient  *rpc.Client

	mu       sync.RWMutex
	cached   *Player
	lamports uint64
}

// NewStore builds a store against baseURL. rpcClient may be nil, in which
// case balance reads are skipped.
func NewStore(baseURL, apiKey string, rpcClient *rpc.Client) *Store {
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
		rpcClient: rpcClient,
	}
}

func (s *Store) doRequest(ctx context.Context, method, path string, body interface{}, headers map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make http call: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("failed to get successful response: status_code: %d, res_body: %s", res.StatusCode, string(bodyBytes))
	}

	return bodyBytes, nil
}

func (s *Store) rpcCall(ctx context.Context, fn string, args map[string]interface{}) ([]byte, error) {
	bodyBytes, err := s.doRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, args, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc %s failed: %w", fn, err)
	}
	return bodyBytes, nil
}

// Ensure creates the player row for wallet if it does not exist yet.
func (s *Store) Ensure(ctx context.Context, wallet string) error {
	_, err := s.rpcCall(ctx, "ensure_player", map[string]interface{}{"p_wallet": wallet})
	return err
}

// Get fetches the player row for wallet.
func (s *Store) Get(ctx context.Context, wallet string) (Player, error) {
	bodyBytes, err := s.doRequest(
		ctx,
		http.MethodGet,
		"/rest/v1/players?wallet_address=eq."+wallet+"&select=*",
		nil,
		map[string]string{"Accept": "application/vnd.pgrst.object+json"},
	)
	if err != nil {
		return Player{}, fmt.Errorf("failed to get player: %w", err)
	}

	var p Player
	err = json.Unmarshal(bodyBytes, &p)
	if err != nil {
		return Player{}, fmt.Errorf("failed to unmarshal player: %w", err)
	}
	return p, nil
}

// SetName updates the player's display name.
func (s *Store) SetName(ctx context.Context, wallet, name string) error {
	_, err := s.rpcCall(ctx, "set_name", map[string]interface{}{
		"p_wallet": wallet,
		"p_name":   name,
	})
	return err
}

// AddCurrency applies a signed currency delta to the player.
func (s *Store) AddCurrency(ctx context.Context, wallet string, delta int64) error {
	_, err := s.rpcCall(ctx, "add_currency", map[string]interface{}{
		"p_wallet": wallet,
		"p_delta":  delta,
	})
	return err
}

// AddPurchasedItem records key=value in the player's purchased set.
func (s *Store) AddPurchasedItem(ctx context.Context, wallet, key, value string) error {
	_, err := s.rpcCall(ctx, "add_purchased_item", map[string]interface{}{
		"p_wallet": wallet,
		"p_key":    key,
		"p_value":  value,
	})
	return err
}

// RecordGame stores a match result and its currency reward.
func (s *Store) RecordGame(ctx context.Context, wallet string, placement, kills int, won bool, currencyDelta int64) error {
	_, err := s.rpcCall(ctx, "record_game", map[string]interface{}{
		"p_wallet":         wallet,
		"p_placement":      placement,
		"p_kills":          kills,
		"p_won":            won,
		"p_currency_delta": currencyDelta,
	})
	return err
}

// BalanceLamports reads the wallet's native balance from the ledger.
func (s *Store) BalanceLamports(ctx context.Context, wallet string) (uint64, error) {
	if s.rpcClient == nil {
		return 0, fmt.Errorf("no ledger RPC client configured")
	}

	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, fmt.Errorf("invalid wallet address: %w", err)
	}

	out, err := s.rpcClient.GetBalance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return out.Value, nil
}

// Refresh re-reads the player row and the ledger balance and replaces the
// cached snapshot. The two reads are independent, so they run concurrently.
func (s *Store) Refresh(ctx context.Context, wallet string) error {
	var (
		p        Player
		lamports uint64
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		p, err = s.Get(ctx, wallet)
		return err
	})

	if s.rpcClient != nil {
		g.Go(func() error {
			var err error
			lamports, err = s.BalanceLamports(ctx, wallet)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to refresh player state: %w", err)
	}

	s.mu.Lock()
	s.cached = &p
	if s.rpcClient != nil {
		s.lamports = lamports
	}
	s.mu.Unlock()

	return nil
}

// Cached returns the last refreshed snapshot and the SOL balance. ok is false
// before the first successful Refresh.
func (s *Store) Cached() (Player, float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cached == nil {
		return Player{}, 0, false
	}
	return *s.cached, onchain.LamportsToSol(s.lamports), true
}
