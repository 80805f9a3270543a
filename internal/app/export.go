package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"coinwatch/internal/cache"
	"coinwatch/internal/config"
)

// Export renders the recent price window of one asset as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if a.Config.Cache.Backend != config.CacheBackendRedis {
		return fmt.Errorf("export reads the shared cache; cache.backend must be %s", config.CacheBackendRedis)
	}

	client, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return a.exportWindow(ctx, cache.NewRedisCache(client, a.cacheOptions(), a.Logger), opts)
}

func (a *App) exportWindow(ctx context.Context, prices cache.PriceCache, opts ExportOptions) error {
	asset := opts.Asset
	if asset == "" {
		asset = a.Config.Market.Assets[0]
	}
	vs := a.Config.Market.QuoteCurrency

	points, err := prices.Window(ctx, asset, vs)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("asset", asset).Msg("no window points to export")
		return nil
	}

	chronological := make([]cache.Point, len(points))
	for i, p := range points {
		chronological[len(points)-1-i] = p
	}
	downsampled := downsamplePoints(chronological, opts.MaxPoints)
	a.Logger.Info().Str("asset", asset).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting window")

	if opts.CSVPath != "" {
		if err := writeWindowCSV(opts.CSVPath, asset, vs, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeWindowPNG(opts.PNGPath, asset, vs, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []cache.Point, max int) []cache.Point {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]cache.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeWindowCSV(path, asset, vs string, points []cache.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"ts_ms", "observed_at", "asset", "vs", "price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			strconv.FormatInt(p.ObservedAt, 10),
			p.Time().Format(time.RFC3339),
			asset,
			vs,
			strconv.FormatFloat(p.Price, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeWindowPNG(path, asset, vs string, points []cache.Point) error {
	if len(points) < 2 {
		return errors.New("at least two points are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Time()
		y[i] = p.Price
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("Price (%s)", vs),
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    asset,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
