// Package registry предоставляет клиент реестра настроек расчёта получателей.
package registry

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

// Client инкапсулирует HTTP-взаимодействие с реестром настроек.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type aliasResponse struct {
	Alias string `json:"alias"`
}

// NewClient создаёт клиент реестра по указанному адресу.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 50 * time.Millisecond
	rc.RetryWaitMax = 500 * time.Millisecond
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &Client{
		baseURL:    base,
		httpClient: rc,
	}
}

// Lookup возвращает настройки расчёта для псевдонима. Если настроек нет, возвращает nil без ошибки.
func (c *Client) Lookup(ctx context.Context, alias string) (*model.Preference, error) {
	var pref model.Preference
	found, err := c.get(ctx, "/api/preferences/"+url.PathEscape(alias), &pref)
	if err != nil || !found {
		return nil, err
	}
	return &pref, nil
}

// ReverseResolve возвращает псевдоним владельца или пустую строку, если он не зарегистрирован.
func (c *Client) ReverseResolve(ctx context.Context, ownerID string) (string, error) {
	var resp aliasResponse
	found, err := c.get(ctx, "/api/names/"+url.PathEscape(ownerID), &resp)
	if err != nil || !found {
		return "", err
	}
	return resp.Alias, nil
}

func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
