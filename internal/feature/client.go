// Package feature клиент прикладного сервиса, который обрабатывает
// разрешённые шлюзом обновления чата.
package feature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Update обновление чата, переданное после проверки доступа.
type Update struct {
	UserID     int64           `json:"user_id"`
	ExternalID int64           `json:"external_id"`
	Kind       string          `json:"kind"`
	Tag        string          `json:"tag,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Client HTTP-клиент сервиса функций.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

// NewClient создаёт клиента. Пустой apiURL означает, что сервис не настроен.
func NewClient(apiURL string, timeout time.Duration) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Forward передаёт обновление и возвращает тело ответа сервиса.
func (c *Client) Forward(ctx context.Context, u Update) (json.RawMessage, error) {
	const op = "feature.Forward"
	if c.apiURL == "" {
		return nil, nil
	}

	body, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/updates", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status: %s", op, resp.Status)
	}
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, nil
	}
	return raw, nil
}
