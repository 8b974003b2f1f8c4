package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ndelligatta/trenches-mobile/internal/onchain"
)

// Quote and build failures abort a purchase attempt before any funds move.
var (
	ErrQuoteUnavailable = errors.New("jupiter: quote unavailable")
	ErrBuildFailed      = errors.New("jupiter: swap build failed")
)

const (
	SwapModeExactIn  = "ExactIn"
	SwapModeExactOut = "ExactOut"

	defaultAPIURL = "https://api.jup.ag/swap/v1"
	priceAPIURL   = "https://api.jup.ag/price/v2"

	callTimeout = 20 * time.Second
)

type Client struct {
	apiURL     string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
}

type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SwapMode    string
	SlippageBps int
}

// Quote is a priced exchange proposal between two assets. It is valid briefly
// and must be consumed by exactly one BuildSwapTransaction call; a stale quote
// may no longer be fillable.
type Quote struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []RoutePlan     `json:"routePlan"`
	ContextSlot          int64           `json:"contextSlot"`
	Raw                  json.RawMessage `json:"-"`
}

type RoutePlan struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

// UnsignedTransaction is a serialized, unsigned swap transaction together
// with the payer and the treasury token account receiving the proceeds. It
// lives only between build and signing.
type UnsignedTransaction struct {
	Base64      string
	Payer       solana.PublicKey
	Destination solana.PublicKey
}

func (t UnsignedTransaction) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(t.Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return b, nil
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	DestinationTokenAccount   string          `json:"destinationTokenAccount"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
	MaxAccounts               int             `json:"maxAccounts"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func NewClient(apiURL, apiKey string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	headers := map[string]string{
		"User-Agent": "trenches-mobile/1.0",
		"Accept":     "application/json",
	}
	if apiKey != "" {
		headers["x-api-key"] = apiKey
	}
	return &Client{
		apiURL:  apiURL,
		apiKey:  apiKey,
		headers: headers,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
	}
}

// Configured reports whether the client can reach the routing service. The
// swap API rejects keyless requests, so a missing key is a setup error the
// caller should surface before starting a purchase.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

func (c *Client) makeRequest(ctx context.Context, method, rawURL string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
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

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get successful response: status_code: %d, res_body: %s", res.StatusCode, string(bodyBytes))
	}

	return bodyBytes, nil
}

// GetQuote requests a routed price quote. The raw response body is retained
// on the Quote so the swap endpoint sees the quote exactly as issued,
// including route fields this client does not model.
func (c *Client) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	queryParams := url.Values{}
	queryParams.Set("inputMint", req.InputMint)
	queryParams.Set("outputMint", req.OutputMint)
	queryParams.Set("amount", fmt.Sprintf("%d", req.Amount))
	queryParams.Set("swapMode", req.SwapMode)
	queryParams.Set("slippageBps", fmt.Sprintf("%d", req.SlippageBps))

	bodyBytes, err := c.makeRequest(ctx, http.MethodGet, fmt.Sprintf("%s/quote?%s", c.apiURL, queryParams.Encode()), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	var quote Quote
	err = json.Unmarshal(bodyBytes, &quote)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: failed to unmarshal response: %v", ErrQuoteUnavailable, err)
	}
	quote.Raw = bodyBytes

	return quote, nil
}

// UsdcToTrenchQuote quotes swapping a USD amount of USDC into TRENCH
// (ExactIn: spend is fixed, output floats).
func (c *Client) UsdcToTrenchQuote(ctx context.Context, usd float64) (Quote, error) {
	return c.GetQuote(ctx, QuoteRequest{
		InputMint:   onchain.USDCMint.String(),
		OutputMint:  onchain.TrenchMint.String(),
		Amount:      onchain.UsdToRawUsdc(usd),
		SwapMode:    SwapModeExactIn,
		SlippageBps: onchain.DefaultSlippageBps,
	})
}

// SolToTrenchQuote quotes swapping SOL lamports into TRENCH (ExactIn).
func (c *Client) SolToTrenchQuote(ctx context.Context, lamports uint64) (Quote, error) {
	return c.GetQuote(ctx, QuoteRequest{
		InputMint:   onchain.SolMint.String(),
		OutputMint:  onchain.TrenchMint.String(),
		Amount:      lamports,
		SwapMode:    SwapModeExactIn,
		SlippageBps: onchain.DefaultSlippageBps,
	})
}

// TrenchExactOutQuote quotes how much SOL is needed to receive exactly
// rawTrench TRENCH units (ExactOut: output is fixed, spend floats).
func (c *Client) TrenchExactOutQuote(ctx context.Context, rawTrench uint64) (Quote, error) {
	return c.GetQuote(ctx, QuoteRequest{
		InputMint:   onchain.SolMint.String(),
		OutputMint:  onchain.TrenchMint.String(),
		Amount:      rawTrench,
		SwapMode:    SwapModeExactOut,
		SlippageBps: onchain.DefaultSlippageBps,
	})
}

// BuildSwapTransaction requests construction of a transaction that fills the
// quote, routes the TRENCH output to the treasury's token account, and is
// payable by payer. Returns the base64-encoded unsigned transaction.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote Quote, payer solana.PublicKey) (UnsignedTransaction, error) {
	treasuryATA, err := onchain.TreasuryTokenAccount()
	if err != nil {
		return UnsignedTransaction{}, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	quoteBody := quote.Raw
	if quoteBody == nil {
		quoteBody, err = json.Marshal(quote)
		if err != nil {
			return UnsignedTransaction{}, fmt.Errorf("%w: failed to marshal quote: %v", ErrBuildFailed, err)
		}
	}

	bodyBytes, err := c.makeRequest(ctx, http.MethodPost, c.apiURL+"/swap", swapRequest{
		QuoteResponse:             quoteBody,
		UserPublicKey:             payer.String(),
		DestinationTokenAccount:   treasuryATA.String(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
		MaxAccounts:               20,
	})
	if err != nil {
		return UnsignedTransaction{}, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	var resp swapResponse
	err = json.Unmarshal(bodyBytes, &resp)
	if err != nil {
		return UnsignedTransaction{}, fmt.Errorf("%w: failed to unmarshal response: %v", ErrBuildFailed, err)
	}
	if resp.SwapTransaction == "" {
		return UnsignedTransaction{}, fmt.Errorf("%w: empty transaction in response", ErrBuildFailed)
	}

	return UnsignedTransaction{
		Base64:      resp.SwapTransaction,
		Payer:       payer,
		Destination: treasuryATA,
	}, nil
}
