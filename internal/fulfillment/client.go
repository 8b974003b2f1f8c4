// Package fulfillment calls the backend that verifies an on-chain payment
// and grants the purchased unit. Each call performs exactly one request and
// returns a fully classified result; looping over attempts belongs to the
// retry package.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ndelligatta/trenches-mobile/internal/retry"
)

const callTimeout = 30 * time.Second

// Grant is one serialized, numbered unit granted to the buyer.
type Grant struct {
	UnitID       string `json:"unit_id"`
	SkinTypeID   string `json:"skin_type_id"`
	Name         string `json:"name"`
	Rarity       string `json:"rarity"`
	ImageURL     string `json:"image_url"`
	SerialNumber int    `json:"serial_number"`
	MaxSupply    int    `json:"max_supply"`
}

type Client struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
}

func NewClient(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
	}
}

type request struct {
	TxSignature    string `json:"tx_signature"`
	WalletAddress  string `json:"wallet_address"`
	ItemID         string `json:"item_id,omitempty"`
	PackID         string `json:"pack_id,omitempty"`
	ExpectedAmount uint64 `json:"expected_amount"`
}

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Grant
}

// FulfillItem verifies the payment transaction and grants itemID to the
// wallet.
func (c *Client) FulfillItem(ctx context.Context, txSignature, walletAddress, itemID string, expectedAmount uint64) (Grant, error) {
	return c.fulfill(ctx, "/purchase-item", request{
		TxSignature:    txSignature,
		WalletAddress:  walletAddress,
		ItemID:         itemID,
		ExpectedAmount: expectedAmount,
	})
}

// FulfillPack verifies the payment transaction and rolls a unit from packID
// for the wallet.
func (c *Client) FulfillPack(ctx context.Context, txSignature, walletAddress, packID string, expectedAmount uint64) (Grant, error) {
	return c.fulfill(ctx, "/open-pack", request{
		TxSignature:    txSignature,
		WalletAddress:  walletAddress,
		PackID:         packID,
		ExpectedAmount: expectedAmount,
	})
}

func (c *Client) fulfill(ctx context.Context, path string, reqBody request) (Grant, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Grant{}, retry.Fatal("failed to marshal fulfillment request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return Grant{}, retry.Fatal("failed to create fulfillment request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures may clear up once the network settles.
		return Grant{}, retry.Retryable("fulfillment request failed: %v", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return Grant{}, retry.Retryable("failed to read fulfillment response: %v", err)
	}

	return classify(res.StatusCode, bodyBytes)
}

// classify maps a response to Success, a retryable failure, or a fatal one.
// The mapping is a pure function of status and body, so repeated attempts
// with the same response classify identically.
func classify(status int, body []byte) (Grant, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		if status >= http.StatusInternalServerError {
			return Grant{}, retry.Retryable("fulfillment returned %d: %s", status, string(body))
		}
		return Grant{}, retry.Fatal("malformed fulfillment response (%d): %s", status, string(body))
	}

	if resp.Success {
		return resp.Grant, nil
	}

	if resp.Error == "" {
		// Rejected without detail: nothing indicates a repeat would differ.
		return Grant{}, retry.Fatal("fulfillment rejected without detail (status %d)", status)
	}

	if transactionPending(resp.Error) {
		return Grant{}, retry.Retryable("fulfillment pending: %s", resp.Error)
	}

	// Insufficient funds, sold out, duplicate, bad signature and the rest.
	return Grant{}, retry.Fatal("fulfillment failed: %s", resp.Error)
}

// transactionPending matches error messages meaning the transaction has not
// been observed on the ledger yet. The markers are deliberately narrow: a
// bare "not found" would also match business rejections like "item not
// found", which must stay fatal.
func transactionPending(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{"still confirming", "not yet", "transaction not found"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
