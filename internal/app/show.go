package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"coinwatch/internal/cache"
	"coinwatch/internal/config"
)

// Show prints the cached latest price for each asset.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if a.Config.Cache.Backend != config.CacheBackendRedis {
		return fmt.Errorf("show reads the shared cache; cache.backend must be %s", config.CacheBackendRedis)
	}

	client, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return a.showPrices(ctx, cache.NewRedisCache(client, a.cacheOptions(), a.Logger), opts)
}

func (a *App) showPrices(ctx context.Context, prices cache.PriceCache, opts ShowOptions) error {
	assets := opts.Assets
	if len(assets) == 0 {
		assets = a.Config.Market.Assets
	}
	vs := a.Config.Market.QuoteCurrency

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tVs\tPrice\tObserved (UTC)\tTTL")

	for _, asset := range assets {
		entry, ok, err := prices.Get(ctx, asset, vs)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\n", asset, vs)
			continue
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			asset,
			vs,
			formatPrice(entry.Price),
			entry.ObservedAt.UTC().Format(time.RFC3339),
			entry.TTL,
		)
	}

	return writer.Flush()
}

// formatPrice keeps two decimals for prices of one unit or more and eight below.
func formatPrice(p float64) string {
	d := decimal.NewFromFloat(p)
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		return d.StringFixed(8)
	}
	return d.StringFixed(2)
}
