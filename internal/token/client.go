// Package token предоставляет клиент каталога метаданных токенов.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable возвращается, когда каталог метаданных недоступен.
var (
	ErrUnavailable = errors.New("token metadata unavailable")
	// ErrUnknownToken возвращается, если каталог не знает такого контракта.
	ErrUnknownToken = errors.New("unknown token")
)

// Info — метаданные токена, используемые для представления сумм.
// Арифметика движка всегда ведётся в базовых единицах и метаданных не требует.
type Info struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Client инкапсулирует HTTP-взаимодействие с каталогом метаданных токенов.
// Ответы кэшируются на время жизни процесса: разрядность контракта неизменна.
type Client struct {
	baseURL    string
	chainID    int
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]*Info
}

// NewClient создаёт клиент каталога метаданных для указанной сети.
func NewClient(baseURL string, chainID int) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache: make(map[string]*Info),
	}
}

// TokenInfo возвращает символ и разрядность токена по адресу контракта.
func (c *Client) TokenInfo(ctx context.Context, address string) (*Info, error) {
	key := strings.ToLower(address)

	c.mu.Lock()
	cached, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	reqURL := fmt.Sprintf("%s/v1.2/%d/custom/%s", c.baseURL, c.chainID, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, address)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	info.Address = address

	c.mu.Lock()
	c.cache[key] = &info
	c.mu.Unlock()

	return &info, nil
}
