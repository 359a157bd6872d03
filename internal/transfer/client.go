package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client — HTTP-клиент сервиса-исполнителя ончейн-переводов.
// Каждый запрос несёт ключ идемпотентности, поэтому повтор после
// неоднозначного исхода не приводит к двойному переводу на стороне исполнителя.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Adapter = (*Client)(nil)

// NewClient создаёт клиент исполнителя переводов по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type depositRequest struct {
	TokenAddress   string `json:"token_address"`
	From           string `json:"from"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type payoutRequest struct {
	TokenAddress   string   `json:"token_address"`
	To             string   `json:"to"`
	Amount         string   `json:"amount"`
	PriceUpdate    []string `json:"price_update"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// EscrowDeposit принимает взнос на эскроу. Недоступность исполнителя
// ретраится с тем же ключом идемпотентности; неоднозначный исход не ретраится.
func (c *Client) EscrowDeposit(ctx context.Context, tokenAddress, from string, amount *big.Int, idempotencyKey string) error {
	body := depositRequest{
		TokenAddress:   tokenAddress,
		From:           from,
		Amount:         amount.String(),
		IdempotencyKey: idempotencyKey,
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.post(ctx, "/api/escrow/deposits", body)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Payout выплачивает сумму из эскроу. Не ретраится: при неоднозначном
// исходе решение о повторе принимает вызывающая сторона, с тем же ключом.
func (c *Client) Payout(ctx context.Context, tokenAddress, to string, amount *big.Int, priceUpdate []string, idempotencyKey string) error {
	body := payoutRequest{
		TokenAddress:   tokenAddress,
		To:             to,
		Amount:         amount.String(),
		PriceUpdate:    priceUpdate,
		IdempotencyKey: idempotencyKey,
	}
	return c.post(ctx, "/api/escrow/payouts", body)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Таймаут после отправки запроса: исполнитель мог успеть принять перевод.
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrIndeterminate, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrIndeterminate, resp.StatusCode)
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
