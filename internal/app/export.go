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

	"usagewatch/internal/sku"
	"usagewatch/internal/usage"
)

// Export renders one SKU's aggregated time series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.SKU == "" {
		opts.SKU = sku.CoreTrafficID
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	def, ok := c.usage.Registry.Lookup(opts.SKU)
	if !ok {
		return fmt.Errorf("unknown sku %q", opts.SKU)
	}
	if !c.usage.Enabled(def.ID) {
		return fmt.Errorf("sku %q is not enabled", def.ID)
	}

	ids := opts.Accounts
	if len(ids) == 0 {
		ids = c.usage.AccountIDs()
	}
	bundle, err := c.orchestrator.Bundle(ctx, c.usage, ids, false)
	if err != nil {
		return err
	}
	snap := bundle.Snapshot(def.ID)
	if snap == nil || len(snap.TimeSeries) == 0 {
		a.Logger.Info().Str("sku", def.ID).Msg("no time series to export")
		return nil
	}

	points := downsamplePoints(snap.TimeSeries, opts.MaxPoints)
	a.Logger.Info().Str("sku", def.ID).Int("total", len(snap.TimeSeries)).Int("exported", len(points)).Msg("exporting time series")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, def, points); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeSeriesPNG(opts.PNGPath, def, points); err != nil {
			return err
		}
	}
	return nil
}

// downsamplePoints keeps max points spread evenly, first and last included.
func downsamplePoints(points []usage.MonthPoint, max int) []usage.MonthPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]usage.MonthPoint, 0, max)
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

func writeSeriesCSV(path string, def sku.Definition, points []usage.MonthPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	keys := def.MetricKeys()
	header := append([]string{"month", "timestamp"}, keys...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{point.Month, point.Timestamp.UTC().Format(time.RFC3339)}
		for _, key := range keys {
			record = append(record, strconv.FormatFloat(point.Values.Get(key), 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSeriesPNG(path string, def sku.Definition, points []usage.MonthPoint) error {
	if len(points) < 2 {
		return errors.New("a chart needs at least two months of data")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	for i, point := range points {
		x[i] = point.Timestamp
	}

	series := make([]chart.Series, 0, len(def.Metrics))
	for _, metric := range def.Metrics {
		y := make([]float64, len(points))
		for i, point := range points {
			y[i] = point.Values.Get(metric.Key)
		}
		series = append(series, chart.TimeSeries{
			Name:    fmt.Sprintf("%s (%s)", metric.Label, metric.Unit),
			XValues: x,
			YValues: y,
		})
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  def.Name,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat(usage.MonthLayout),
		},
		YAxis: chart.YAxis{
			Name:           def.Unit,
			ValueFormatter: valueFormatter,
		},
		Series: series,
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
