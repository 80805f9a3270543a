package fetcher

import (
	"context"
	"fmt"
	"time"
)

// Prices maps asset id to quote currency to price, as returned by the upstream API.
type Prices map[string]map[string]float64

// Get returns the price of assetID in currency.
func (p Prices) Get(assetID, currency string) (float64, bool) {
	byCurrency, ok := p[assetID]
	if !ok {
		return 0, false
	}
	price, ok := byCurrency[currency]
	return price, ok
}

// Set stores a price, allocating the inner map on demand.
func (p Prices) Set(assetID, currency string, price float64) {
	byCurrency, ok := p[assetID]
	if !ok {
		byCurrency = make(map[string]float64, 1)
		p[assetID] = byCurrency
	}
	byCurrency[currency] = price
}

// QuoteFetcher retrieves current prices for a set of assets in one quote currency.
type QuoteFetcher interface {
	FetchPrices(ctx context.Context, assetIDs []string, quoteCurrency string) (Prices, error)
}

// UpstreamError reports a failed exchange with the price API.
type UpstreamError struct {
	Status     int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("upstream error (%d): %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream error: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("upstream error (%d)", e.Status)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RateLimitError is an UpstreamError for HTTP 429. Wait is the backoff already
// served before the error was returned.
type RateLimitError struct {
	UpstreamError
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, backed off %s: %s", e.Wait, e.UpstreamError.Error())
}

// Unwrap exposes the embedded UpstreamError to errors.As.
func (e *RateLimitError) Unwrap() error {
	return &e.UpstreamError
}
