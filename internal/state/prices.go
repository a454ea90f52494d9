package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
)

// ErrPriceNotFound is returned when no USD price was ingested for a token
// at a block.
var ErrPriceNotFound = errors.New("price not found")

// DefaultPriceCacheCapacity bounds a PriceCache created with capacity <= 0.
const DefaultPriceCacheCapacity = 100_000

// PriceSource returns the USD unit price of a token at a block.
type PriceSource interface {
	GetPriceUSD(ctx context.Context, network string, block uint64, token string) (decimal.Decimal, error)
}

// Quote is a USD price and the block it was recorded at, which may be
// earlier than the block it was asked for.
type Quote struct {
	Block    uint64
	PriceUSD decimal.Decimal
}

// QuoteSource resolves the price in effect at a block.
type QuoteSource interface {
	GetQuote(ctx context.Context, network string, block uint64, token string) (Quote, error)
}

// PriceCache memoizes prices recorded at exactly the requested block in
// front of a QuoteSource. Misses and fallbacks to an earlier block are not
// cached, so prices ingested later become visible. When full, the cache
// starts over. Safe for concurrent use by the allocation fan-out.
type PriceCache struct {
	source   QuoteSource
	capacity int
	prices   *xsync.Map[string, decimal.Decimal]
}

func NewPriceCache(source QuoteSource, capacity int) *PriceCache {
	if capacity <= 0 {
		capacity = DefaultPriceCacheCapacity
	}
	return &PriceCache{
		source:   source,
		capacity: capacity,
		prices:   xsync.NewMap[string, decimal.Decimal](),
	}
}

func (c *PriceCache) GetPriceUSD(ctx context.Context, network string, block uint64, token string) (decimal.Decimal, error) {
	key := fmt.Sprintf("%s:%d:%s", network, block, token)
	if p, ok := c.prices.Load(key); ok {
		return p, nil
	}

	q, err := c.source.GetQuote(ctx, network, block, token)
	if err != nil {
		return decimal.Zero, err
	}
	if q.Block != block {
		return q.PriceUSD, nil
	}

	if c.prices.Size() >= c.capacity {
		c.prices.Clear()
	}
	c.prices.Store(key, q.PriceUSD)
	return q.PriceUSD, nil
}

// Size returns the number of cached prices.
func (c *PriceCache) Size() int {
	return c.prices.Size()
}
