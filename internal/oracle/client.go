// Package oracle предоставляет клиент сервиса ценовых обновлений (Pyth Hermes).
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/wesplit/settlement/internal/money"
)

// ErrPriceUnavailable возвращается, когда сервис цен недоступен или ответил ошибкой.
var (
	ErrPriceUnavailable = errors.New("price data unavailable")
	// ErrUnknownFeed возвращается, если для токена или валюты не настроен ценовой фид.
	ErrUnknownFeed = errors.New("no price feed configured")
)

// usdCurrency — базовая валюта всех фидов; для неё кросс-курс не нужен.
const usdCurrency = "USD"

// PriceUpdate — результат запроса к оракулу: непрозрачные блобы обновления
// для адаптера переводов и вычисленный курс токена к фиату.
type PriceUpdate struct {
	UpdateData []string
	Rate       money.Rate
}

// Client инкапсулирует HTTP-взаимодействие с сервисом ценовых обновлений.
type Client struct {
	baseURL    string
	feeds      map[string]string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент оракула по указанному адресу.
// feeds сопоставляет адрес токена или код валюты идентификатору ценового фида <актив>/USD.
func NewClient(baseURL string, feeds map[string]string) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 1 * time.Second
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	normalized := make(map[string]string, len(feeds))
	for key, id := range feeds {
		normalized[strings.ToLower(key)] = normalizeFeedID(id)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		feeds:      normalized,
		httpClient: httpClient,
	}
}

// ParseFeeds разбирает строку конфигурации вида "ключ=фид,ключ=фид".
func ParseFeeds(s string) (map[string]string, error) {
	feeds := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, id, ok := strings.Cut(pair, "=")
		if !ok || key == "" || id == "" {
			return nil, fmt.Errorf("malformed feed mapping: %q", pair)
		}
		feeds[strings.TrimSpace(key)] = strings.TrimSpace(id)
	}
	return feeds, nil
}

type latestPriceResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// LatestPrice запрашивает свежие ценовые данные и возвращает курс токена к валюте.
// Для валют, отличных от USD, курс вычисляется кроссом через фиды <токен>/USD и <валюта>/USD.
func (c *Client) LatestPrice(ctx context.Context, tokenAddress, currency string) (*PriceUpdate, error) {
	tokenFeed, ok := c.feeds[strings.ToLower(tokenAddress)]
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrUnknownFeed, tokenAddress)
	}

	feedIDs := []string{tokenFeed}
	fiatFeed := ""
	if currency != usdCurrency {
		fiatFeed, ok = c.feeds[strings.ToLower(currency)]
		if !ok {
			return nil, fmt.Errorf("%w: currency %s", ErrUnknownFeed, currency)
		}
		feedIDs = append(feedIDs, fiatFeed)
	}

	parsed, err := c.fetchLatest(ctx, feedIDs)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(parsed.Parsed))
	publishedAt := time.Time{}
	for _, p := range parsed.Parsed {
		price, err := decimal.NewFromString(p.Price.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: bad price for feed %s: %v", ErrPriceUnavailable, p.ID, err)
		}
		prices[normalizeFeedID(p.ID)] = price.Shift(p.Price.Expo)

		ts := time.Unix(p.Price.PublishTime, 0).UTC()
		if publishedAt.IsZero() || ts.Before(publishedAt) {
			publishedAt = ts
		}
	}

	tokenUSD, ok := prices[tokenFeed]
	if !ok {
		return nil, fmt.Errorf("%w: feed %s missing in response", ErrPriceUnavailable, tokenFeed)
	}

	rate := tokenUSD
	if fiatFeed != "" {
		fiatUSD, ok := prices[fiatFeed]
		if !ok {
			return nil, fmt.Errorf("%w: feed %s missing in response", ErrPriceUnavailable, fiatFeed)
		}
		if fiatUSD.IsZero() {
			return nil, fmt.Errorf("%w: zero price for feed %s", ErrPriceUnavailable, fiatFeed)
		}
		rate = tokenUSD.Div(fiatUSD)
	}

	return &PriceUpdate{
		UpdateData: parsed.Binary.Data,
		Rate: money.Rate{
			Price:       rate,
			Currency:    currency,
			PublishedAt: publishedAt,
		},
	}, nil
}

func (c *Client) fetchLatest(ctx context.Context, feedIDs []string) (*latestPriceResponse, error) {
	query := url.Values{}
	for _, id := range feedIDs {
		query.Add("ids[]", id)
	}

	reqURL := fmt.Sprintf("%s/v2/updates/price/latest?%s", c.baseURL, query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrPriceUnavailable, resp.StatusCode)
	}

	var parsed latestPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrPriceUnavailable, err)
	}

	return &parsed, nil
}

func normalizeFeedID(id string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X"))
}
