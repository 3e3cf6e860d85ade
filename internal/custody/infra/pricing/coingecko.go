package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custodex.com/pkg/logger"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// PriceSource 现价查询 (确认阶段依赖)
type PriceSource interface {
	UsdPrice(ctx context.Context, priceID string) (decimal.Decimal, error)
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Client CoinGecko 现价客户端
// TTL 缓存 + singleflight 防击穿 + 熔断器防雪崩
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[decimal.Decimal]
	sf      singleflight.Group
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

func New(apiKey string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = time.Minute
	}

	http := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		http.SetHeader("x-cg-demo-api-key", apiKey)
	}

	breaker := gobreaker.NewCircuitBreaker[decimal.Decimal](gobreaker.Settings{
		Name:        "coingecko",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:    http,
		breaker: breaker,
		ttl:     ttl,
		cache:   make(map[string]cachedPrice),
	}
}

// UsdPrice 查询某资产的 USD 现价
func (c *Client) UsdPrice(ctx context.Context, priceID string) (decimal.Decimal, error) {
	// 1. 先查缓存
	c.mu.RLock()
	if cp, ok := c.cache[priceID]; ok && time.Since(cp.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		return cp.price, nil
	}
	c.mu.RUnlock()

	// 2. singleflight 防击穿
	v, err, _ := c.sf.Do(priceID, func() (interface{}, error) {
		price, err := c.breaker.Execute(func() (decimal.Decimal, error) {
			return c.fetch(ctx, priceID)
		})
		if err != nil {
			return decimal.Zero, err
		}

		c.mu.Lock()
		c.cache[priceID] = cachedPrice{price: price, fetchedAt: time.Now()}
		c.mu.Unlock()
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (c *Client) fetch(ctx context.Context, priceID string) (decimal.Decimal, error) {
	var result map[string]map[string]float64

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ids", priceID).
		SetQueryParam("vs_currencies", "usd").
		SetResult(&result).
		Get("/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("price api status %d", resp.StatusCode())
	}

	usd, ok := result[priceID]["usd"]
	if !ok || usd <= 0 {
		return decimal.Zero, fmt.Errorf("no usd price for %s", priceID)
	}

	logger.Debug(ctx, "现价已更新",
		zap.String("id", priceID),
		zap.Float64("usd", usd))

	return decimal.NewFromFloat(usd), nil
}
