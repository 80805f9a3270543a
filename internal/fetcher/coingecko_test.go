package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recordedSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(url string, sleeper *recordedSleep) *CoinGecko {
	opts := CoinGeckoOptions{
		BaseURL:      url,
		APIKey:       "secret",
		Timeout:      time.Second,
		PollInterval: 15 * time.Second,
		MaxBackoff:   5 * time.Minute,
	}
	if sleeper != nil {
		opts.Sleep = sleeper.sleep
	}
	return NewCoinGecko(opts, noopLogger())
}

func TestFetchPricesParsesNestedObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "bitcoin,ethereum,solana" {
			t.Errorf("ids should be comma joined, got %q", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("vs_currencies should be usd, got %q", got)
		}
		if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "coinwatch/") {
			t.Errorf("user agent should identify the build, got %q", got)
		}
		if got := r.Header.Get("x-cg-pro-api-key"); got != "secret" {
			t.Errorf("api key header missing, got %q", got)
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":51000.5},"ethereum":{"usd":"n/a"}}`))
	}))
	defer srv.Close()

	prices, err := newTestClient(srv.URL, nil).FetchPrices(context.Background(), []string{"bitcoin", "ethereum", "solana"}, "usd")
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if p, ok := prices.Get("bitcoin", "usd"); !ok || p != 51000.5 {
		t.Fatalf("bitcoin price wrong: %v %v", p, ok)
	}
	if _, ok := prices.Get("ethereum", "usd"); ok {
		t.Fatal("non-numeric price should be skipped")
	}
	if _, ok := prices.Get("solana", "usd"); ok {
		t.Fatal("absent id should be skipped")
	}
}

func TestFetchPricesDottedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"wrapped.token":{"usd":1.25}}`))
	}))
	defer srv.Close()

	prices, err := newTestClient(srv.URL, nil).FetchPrices(context.Background(), []string{"wrapped.token"}, "usd")
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if p, ok := prices.Get("wrapped.token", "usd"); !ok || p != 1.25 {
		t.Fatalf("dotted id should be escaped in path lookup: %v %v", p, ok)
	}
}

func TestFetchPricesMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin":`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, nil).FetchPrices(context.Background(), []string{"bitcoin"}, "usd")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("malformed body should be an UpstreamError, got %v", err)
	}
}

func TestFetchPricesNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, nil).FetchPrices(context.Background(), []string{"bitcoin"}, "usd")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.Status != http.StatusBadGateway {
		t.Fatalf("status should be 502, got %d", upErr.Status)
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		t.Fatal("502 must not be reported as rate limiting")
	}
}

func TestFetchPricesRateLimitedBacksOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sleeper := &recordedSleep{}
	_, err := newTestClient(srv.URL, sleeper).FetchPrices(context.Background(), []string{"bitcoin"}, "usd")

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("429 should yield RateLimitError, got %v", err)
	}
	if rlErr.RetryAfter != 120*time.Second {
		t.Fatalf("retry-after should be parsed, got %s", rlErr.RetryAfter)
	}
	if rlErr.Wait != 120*time.Second {
		t.Fatalf("wait should be max(retry-after, 2*poll), got %s", rlErr.Wait)
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusTooManyRequests {
		t.Fatalf("rate limit should also unwrap to UpstreamError, got %v", err)
	}
	if len(sleeper.waits) != 1 || sleeper.waits[0] != 120*time.Second {
		t.Fatalf("backoff should be served once, got %v", sleeper.waits)
	}
}

func TestBackoffDelay(t *testing.T) {
	poll := 15 * time.Second
	ceiling := 5 * time.Minute
	cases := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{name: "no header uses double interval", retryAfter: 0, want: 30 * time.Second},
		{name: "short header uses double interval", retryAfter: 10 * time.Second, want: 30 * time.Second},
		{name: "long header wins", retryAfter: 90 * time.Second, want: 90 * time.Second},
		{name: "capped at ceiling", retryAfter: time.Hour, want: ceiling},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BackoffDelay(tc.retryAfter, poll, ceiling); got != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("7", now); got != 7*time.Second {
		t.Fatalf("seconds form: got %s", got)
	}
	date := now.Add(45 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 45*time.Second {
		t.Fatalf("date form: got %s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage should be zero, got %s", got)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled sleep should return context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled sleep should return promptly")
	}
}
