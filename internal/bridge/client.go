// Package bridge предоставляет клиент сервиса межсетевого перевода.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// ErrEmptyTxRef возвращается, если мост ответил успехом без ссылки на транзакцию.
var ErrEmptyTxRef = errors.New("bridge returned empty tx reference")

// Client инкапсулирует HTTP-взаимодействие с мостом.
// Повторы вызовов выполняет вызывающая сторона.
type Client struct {
	baseURL     string
	sourceChain string
	httpClient  *http.Client
}

type bridgeRequest struct {
	Amount    model.Amount `json:"amount"`
	FromChain string       `json:"fromChain"`
	ToChain   string       `json:"toChain"`
	Reference string       `json:"reference"`
}

type bridgeResponse struct {
	TxRef string `json:"txRef"`
}

// NewClient создаёт клиент моста. sourceChain используется, если у получателя нет подсказки сети.
func NewClient(baseURL, sourceChain string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = timeout

	return &Client{
		baseURL:     base,
		sourceChain: sourceChain,
		httpClient:  hc,
	}
}

// Bridge переводит amount в сеть toChain и возвращает ссылку на транзакцию моста.
func (c *Client) Bridge(ctx context.Context, amount model.Amount, fromChainHint, toChain string) (string, error) {
	from := fromChainHint
	if from == "" {
		from = c.sourceChain
	}

	body, err := json.Marshal(bridgeRequest{
		Amount:    amount,
		FromChain: from,
		ToChain:   toChain,
		Reference: uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/bridge", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.TxRef == "" {
		return "", ErrEmptyTxRef
	}
	return result.TxRef, nil
}
