package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"coinwatch/internal/version"
)

const (
	simplePricePath = "/simple/price"
	defaultBaseURL  = "https://api.coingecko.com/api/v3"
	maxErrorBody    = 512
)

var errMalformedBody = errors.New("response body is not valid JSON")

// CoinGeckoOptions parameterise the CoinGecko price client.
type CoinGeckoOptions struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	UserAgent    string
	// PollInterval sets the 429 backoff floor at twice its value.
	PollInterval time.Duration
	// MaxBackoff caps any single 429 wait.
	MaxBackoff time.Duration
	// Sleep blocks for d or until ctx ends. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is used to resolve HTTP-date Retry-After values.
	Now func() time.Time
}

// CoinGecko fetches simple prices from the CoinGecko API.
type CoinGecko struct {
	opts   CoinGeckoOptions
	client *resty.Client
	logger zerolog.Logger
}

// NewCoinGecko constructs the client.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)
	if opts.APIKey != "" {
		header := opts.APIKeyHeader
		if header == "" {
			header = "x-cg-pro-api-key"
		}
		client.SetHeader(header, opts.APIKey)
	}

	return &CoinGecko{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "coingecko_fetcher").Logger(),
	}
}

// FetchPrices requests simple prices for assetIDs in quoteCurrency. Ids the
// upstream omits, or reports with a non-numeric price, are left out of the result.
func (c *CoinGecko) FetchPrices(ctx context.Context, assetIDs []string, quoteCurrency string) (Prices, error) {
	if len(assetIDs) == 0 {
		return Prices{}, nil
	}

	c.logger.Debug().Strs("ids", assetIDs).Str("vs", quoteCurrency).Msg("fetching prices")

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(assetIDs, ",")).
		SetQueryParam("vs_currencies", quoteCurrency).
		Get(simplePricePath)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests {
		return nil, c.backoff(ctx, resp)
	}
	if status < 200 || status >= 300 {
		return nil, &UpstreamError{Status: status, Body: truncate(strings.TrimSpace(resp.String()), maxErrorBody)}
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, &UpstreamError{Status: status, Err: errMalformedBody}
	}

	prices := make(Prices, len(assetIDs))
	for _, id := range assetIDs {
		value := gjson.GetBytes(body, gjson.Escape(id)+"."+gjson.Escape(quoteCurrency))
		if value.Type != gjson.Number {
			c.logger.Debug().Str("id", id).Str("raw", value.Raw).Msg("no usable price in response")
			continue
		}
		prices.Set(id, quoteCurrency, value.Float())
	}
	return prices, nil
}

// backoff serves the 429 wait inside the current call and reports it.
func (c *CoinGecko) backoff(ctx context.Context, resp *resty.Response) error {
	retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"), c.opts.Now())
	wait := BackoffDelay(retryAfter, c.opts.PollInterval, c.opts.MaxBackoff)

	c.logger.Warn().
		Dur("retry_after", retryAfter).
		Dur("wait", wait).
		Msg("rate limited by upstream, backing off")

	rlErr := &RateLimitError{
		UpstreamError: UpstreamError{Status: http.StatusTooManyRequests, RetryAfter: retryAfter},
		Wait:          wait,
	}
	if err := c.opts.Sleep(ctx, wait); err != nil {
		rlErr.Err = err
	}
	return rlErr
}

// BackoffDelay returns max(retryAfter, 2×pollInterval), capped at ceiling when ceiling > 0.
func BackoffDelay(retryAfter, pollInterval, ceiling time.Duration) time.Duration {
	wait := 2 * pollInterval
	if retryAfter > wait {
		wait = retryAfter
	}
	if ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// parseRetryAfter accepts delta-seconds or an HTTP date; anything else yields zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ QuoteFetcher = (*CoinGecko)(nil)
