package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coinwatch/internal/alerting"
	"coinwatch/internal/cache"
	"coinwatch/internal/events"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/service"
	"coinwatch/internal/storage"
)

// SimulateAlert runs one cycle with a static price for a single asset and prints
// every event it publishes. Without a database the given rule is evaluated
// against an in-memory store; with one, the configured alerts are used and
// their trigger times are stamped.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	asset := strings.ToLower(strings.TrimSpace(opts.Asset))
	if asset == "" {
		return errors.New("asset is required")
	}
	if opts.Price <= 0 {
		return errors.New("price must be greater than zero")
	}

	var alertStore storage.AlertStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
		alertStore = store
	} else {
		mem := storage.NewMemoryStore()
		if opts.Operator != "" {
			op, err := storage.ParseOperator(opts.Operator)
			if err != nil {
				return err
			}
			mem.Add(storage.AlertDefinition{
				AssetID:       asset,
				QuoteCurrency: a.Config.Market.QuoteCurrency,
				Operator:      op,
				Threshold:     opts.Threshold,
				Active:        true,
			})
		}
		alertStore = mem
	}

	cfg := *a.Config
	cfg.Market.Assets = []string{asset}
	cfg.Scheduler.AdvisoryLockKey = 0

	quotes := &staticFetcher{prices: fetcher.Prices{}}
	quotes.prices.Set(asset, cfg.Market.QuoteCurrency, opts.Price)

	printer := events.PublisherFunc(func(_ context.Context, ev events.Event) error {
		payload, err := events.Encode(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.Out, string(payload))
		return err
	})

	evaluator := alerting.NewEvaluator(alertStore, a.Logger)
	prices := cache.NewMemoryCache(a.cacheOptions(), nil)
	svc := service.New(&cfg, nil, quotes, evaluator, prices, printer, a.newNotifier(), nil, a.Logger)

	return svc.ProcessCycle(ctx, time.Now().UTC())
}

type staticFetcher struct {
	prices fetcher.Prices
}

func (s *staticFetcher) FetchPrices(context.Context, []string, string) (fetcher.Prices, error) {
	return s.prices, nil
}

var _ fetcher.QuoteFetcher = (*staticFetcher)(nil)
