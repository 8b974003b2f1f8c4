package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

type priceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

// SolPriceUSD returns the current SOL price in USD from the price API. The
// price API is separate from the swap API and needs no key.
func (c *Client) SolPriceUSD(ctx context.Context) (float64, error) {
	bodyBytes, err := c.makeRequest(
		ctx,
		http.MethodGet,
		priceAPIURL+"?ids=So11111111111111111111111111111111111111112",
		nil,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch SOL price: %w", err)
	}

	var resp priceResponse
	err = json.Unmarshal(bodyBytes, &resp)
	if err != nil {
		return 0, fmt.Errorf("failed to unmarshal price response: %w", err)
	}

	entry, ok := resp.Data["So11111111111111111111111111111111111111112"]
	if !ok {
		return 0, fmt.Errorf("price response missing SOL entry")
	}

	price, err := strconv.ParseFloat(entry.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", entry.Price, err)
	}

	return price, nil
}
