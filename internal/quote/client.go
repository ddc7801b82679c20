// Package quote wraps the broker's market-data calls with fallback and
// rate-limit friendly serialization.
package quote

import (
	"context"
	"log"
	"sync"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/broker"
	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// shortenedCandleCount is the reduced window requested after the broker
// rejects the original count for exceeding its kline quota.
const shortenedCandleCount = 40

// Client fetches quotes and candles through the broker. Calls to the same
// endpoint are serialized; callers provide their own parallelism and get
// effectively interleaved, rate-limit friendly access.
type Client struct {
	broker broker.Broker
	logger *log.Logger

	quoteMu  sync.Mutex
	candleMu sync.Mutex
}

// NewClient creates a quote client over the given broker.
func NewClient(b broker.Broker, logger *log.Logger) *Client {
	return &Client{broker: b, logger: logger}
}

// Quotes fetches last-trade quotes for the symbols. The realtime endpoint is
// tried first; an empty result falls back once to the delayed snapshot
// endpoint. The returned map may be partial and missing symbols are not an
// error.
func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}

	c.quoteMu.Lock()
	defer c.quoteMu.Unlock()

	quotes, err := c.broker.RealtimeQuotes(ctx, symbols)
	if err != nil {
		c.logger.Printf("realtime quotes failed, falling back to snapshot: %v", err)
	} else if len(quotes) > 0 {
		return quotes, nil
	}

	quotes, err = c.broker.Quotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

// Candles fetches up to count daily candles for a symbol, oldest first. When
// the broker rejects the window for exceeding its kline quota, the request is
// retried once with a shortened count. Returns a nil slice on failure so
// callers can skip the symbol for this scan.
func (c *Client) Candles(ctx context.Context, symbol string, count int) ([]models.Candle, error) {
	c.candleMu.Lock()
	defer c.candleMu.Unlock()

	candles, err := c.broker.Candles(ctx, symbol, count)
	if err == nil {
		return candles, nil
	}

	if broker.IsCandleCountLimit(err) && count > shortenedCandleCount {
		c.logger.Printf("candle window for %s over limit, retrying with count=%d", symbol, shortenedCandleCount)
		candles, err = c.broker.Candles(ctx, symbol, shortenedCandleCount)
		if err == nil {
			return candles, nil
		}
	}

	return nil, err
}
