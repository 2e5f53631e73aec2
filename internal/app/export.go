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
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"flight-deal-alerts/internal/storage"
)

// routePoint is the cheapest observation of one route in one cycle.
type routePoint struct {
	ObservedAt time.Time
	BestPrice  decimal.NullDecimal
	Currency   string
	BestMiles  int64
	HasMiles   bool
	Offers     int
	Promos     int
}

// Export renders a route's offer history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Origin == "" || opts.Destination == "" {
		return errors.New("--route is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := store.ListObservationsBetween(ctx, strings.ToUpper(opts.Origin), strings.ToUpper(opts.Destination), from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	points := downsamplePoints(bestPerCycle(observations), opts.MaxPoints)
	a.Logger.Info().Int("observations", len(observations)).Int("exported", len(points)).Msg("exporting route history")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, points); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s-%s", strings.ToUpper(opts.Origin), strings.ToUpper(opts.Destination))
		if err := writePointsPNG(opts.PNGPath, title, points); err != nil {
			return err
		}
	}

	return nil
}

// bestPerCycle collapses observations sharing an ObservedAt into one point.
// Input must be ordered by ObservedAt.
func bestPerCycle(observations []storage.OfferObservation) []routePoint {
	var points []routePoint
	for _, o := range observations {
		if len(points) == 0 || !points[len(points)-1].ObservedAt.Equal(o.ObservedAt) {
			points = append(points, routePoint{ObservedAt: o.ObservedAt})
		}
		p := &points[len(points)-1]
		p.Offers++
		if o.IsPromo {
			p.Promos++
		}
		if o.AvailableSeats <= 0 {
			continue
		}
		if o.Price.Valid && (!p.BestPrice.Valid || o.Price.Decimal.LessThan(p.BestPrice.Decimal)) {
			p.BestPrice = o.Price
			p.Currency = o.Currency
		}
		if o.Miles.Valid && (!p.HasMiles || o.Miles.Int64 < p.BestMiles) {
			p.BestMiles = o.Miles.Int64
			p.HasMiles = true
		}
	}
	return points
}

func downsamplePoints(points []routePoint, max int) []routePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]routePoint, 0, max)
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

func writePointsCSV(path string, points []routePoint) error {
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

	header := []string{"observed_at", "best_price", "currency", "best_miles", "offers", "promos"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		price, miles := "", ""
		if p.BestPrice.Valid {
			price = p.BestPrice.Decimal.StringFixed(2)
		}
		if p.HasMiles {
			miles = strconv.FormatInt(p.BestMiles, 10)
		}
		record := []string{
			p.ObservedAt.UTC().Format(time.RFC3339),
			price,
			p.Currency,
			miles,
			strconv.Itoa(p.Offers),
			strconv.Itoa(p.Promos),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path, title string, points []routePoint) error {
	var (
		priceX, milesX []time.Time
		prices, miles  []float64
	)
	for _, p := range points {
		if p.BestPrice.Valid {
			priceX = append(priceX, p.ObservedAt)
			prices = append(prices, p.BestPrice.Decimal.InexactFloat64())
		}
		if p.HasMiles {
			milesX = append(milesX, p.ObservedAt)
			miles = append(miles, float64(p.BestMiles))
		}
	}

	var series []chart.Series
	if len(prices) >= 2 {
		series = append(series, chart.TimeSeries{Name: "Best price", XValues: priceX, YValues: prices})
	}
	if len(miles) >= 2 {
		series = append(series, chart.TimeSeries{Name: "Best miles", XValues: milesX, YValues: miles, YAxis: chart.YAxisSecondary})
	}
	if len(series) == 0 {
		return errors.New("need at least two priced or mileage points to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Miles",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
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
