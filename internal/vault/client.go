// Package vault предоставляет клиент сервиса хранилищ получателей.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// IdempotencyHeader заголовок, по которому сервис хранилищ распознаёт повтор депозита.
const IdempotencyHeader = "Idempotency-Key"

// Client инкапсулирует HTTP-взаимодействие с сервисом хранилищ.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type depositRequest struct {
	PayeeID string       `json:"payeeId"`
	Amount  model.Amount `json:"amount"`
}

type depositResponse struct {
	TxRef string `json:"txRef"`
}

// NewClient создаёт клиент сервиса хранилищ.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &Client{
		baseURL:    base,
		httpClient: rc,
	}
}

// Deposit зачисляет amount в хранилище vaultAddress от имени получателя.
// Повторный вызов с тем же idempotencyKey не создаёт второй депозит.
func (c *Client) Deposit(ctx context.Context, vaultAddress, payeeID string, amount model.Amount, idempotencyKey string) (string, error) {
	body, err := json.Marshal(depositRequest{PayeeID: payeeID, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/vaults/%s/deposits", c.baseURL, url.PathEscape(vaultAddress))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result depositResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return result.TxRef, nil
}
