package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ErrPriceUnavailable indicates that no usable price exists for a market.
// Price failures are hard: the core never substitutes a fallback value.
var ErrPriceUnavailable = errors.New("lending oracle: price unavailable")

// ErrPriceStale indicates the quote exceeded the configured freshness window.
var ErrPriceStale = errors.New("lending oracle: price stale")

// PriceSource resolves a market's underlying price normalized to 1e18 USD per
// whole underlying unit. Implementations must return an error, never a silent
// zero, when a price is missing, non-positive, or stale.
type PriceSource interface {
	NormalizedPrice(marketID string) (*big.Int, error)
}

type priceEntry struct {
	price   *big.Int
	setAt   uint64
	hasTime bool
}

// StaticPriceSource is an in-memory price table with an optional staleness
// window. It backs tests and local deployments; production feeds sit behind
// the same interface.
type StaticPriceSource struct {
	mu     sync.RWMutex
	quotes map[string]priceEntry
	maxAge uint64
	now    func() uint64
}

// NewStaticPriceSource constructs an empty price table. maxAge of zero
// disables staleness checks; now may be nil when maxAge is zero.
func NewStaticPriceSource(maxAge uint64, now func() uint64) *StaticPriceSource {
	return &StaticPriceSource{
		quotes: make(map[string]priceEntry),
		maxAge: maxAge,
		now:    now,
	}
}

// SetPrice records a quote for the market. Non-positive prices clear the entry
// so subsequent reads fail hard.
func (s *StaticPriceSource) SetPrice(marketID string, price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price == nil || price.Sign() <= 0 {
		delete(s.quotes, marketID)
		return
	}
	entry := priceEntry{price: new(big.Int).Set(price)}
	if s.now != nil {
		entry.setAt = s.now()
		entry.hasTime = true
	}
	s.quotes[marketID] = entry
}

// NormalizedPrice returns the recorded quote or a hard error.
func (s *StaticPriceSource) NormalizedPrice(marketID string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.quotes[marketID]
	if !ok || entry.price == nil || entry.price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: market %s", ErrPriceUnavailable, marketID)
	}
	if s.maxAge > 0 && entry.hasTime && s.now != nil {
		if now := s.now(); now > entry.setAt && now-entry.setAt > s.maxAge {
			return nil, fmt.Errorf("%w: market %s", ErrPriceStale, marketID)
		}
	}
	return new(big.Int).Set(entry.price), nil
}
