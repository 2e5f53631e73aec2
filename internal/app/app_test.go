package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/config"
	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/storage"
)

const simulateBody = `{
  "calendar": {
    "EZE-MIA": [
      {"date": "2026-11-03", "offer": {"miles": 45000, "availableSeats": 9, "fareFamily": "CLASSIC"}},
      {"date": "2026-11-04", "offer": {"miles": 28000, "availableSeats": 2, "fareFamily": "Tarifa Promoción"}},
      {"date": "2026-11-05", "offer": {"miles": 90000, "availableSeats": 4}},
      {"date": "2026-11-06"}
    ]
  }
}`

type captureSink struct {
	owner int64
	deals []domain.Deal
}

func (c *captureSink) Deliver(ctx context.Context, ownerID int64, deals []domain.Deal) error {
	c.owner = ownerID
	c.deals = deals
	return nil
}

func testApp() *App {
	cfg := &config.Config{
		Monitor:  config.MonitorConfig{MaxDealsPerAlert: 10},
		Gate:     config.GateConfig{Cooldown: time.Hour, MinImprovementPct: 10},
		Alerting: config.AlertingConfig{Channel: config.ChannelLog, MaxDealsPerMessage: 5},
		Export:   config.ExportConfig{MaxDataPoints: 100},
		Providers: map[string]config.ProviderConfig{
			"smiles": {LowMilesThreshold: 30000},
		},
	}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &bytes.Buffer{}
	return a
}

func simulateOptions() SimulateOptions {
	return SimulateOptions{
		Provider:    "smiles",
		Origin:      "EZE",
		Destination: "MIA",
		MaxMiles:    sql.NullInt64{Int64: 50000, Valid: true},
		OwnerID:     77,
	}
}

func TestSimulateNotifiesFirstMatch(t *testing.T) {
	a := testApp()
	sink := &captureSink{}
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	res, err := a.simulate(context.Background(), simulateOptions(), []byte(simulateBody), sink, now)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Offers != 3 || res.Skipped != 1 || len(res.Deals) != 2 || !res.Notify {
		t.Fatalf("unexpected simulation %+v", res)
	}
	if res.Deals[0].Offer.Miles.Int64 != 28000 || !res.Deals[0].IsPromo {
		t.Fatalf("cheapest promo deal should come first: %+v", res.Deals[0])
	}
	if sink.owner != 77 || len(sink.deals) != 2 {
		t.Fatalf("unexpected delivery %d %d", sink.owner, len(sink.deals))
	}

	var buf bytes.Buffer
	if err := writeSimulation(&buf, res); err != nil {
		t.Fatalf("writeSimulation: %v", err)
	}
	if !strings.Contains(buf.String(), "gate: notified") || !strings.Contains(buf.String(), "2026-11-04") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestSimulateSuppressedByHistory(t *testing.T) {
	a := testApp()
	sink := &captureSink{}
	opts := simulateOptions()
	opts.LastNotifiedAgo = 10 * time.Minute
	opts.LastNotifiedMiles = sql.NullInt64{Int64: 29000, Valid: true}

	res, err := a.simulate(context.Background(), opts, []byte(simulateBody), sink, time.Now().UTC())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Notify || sink.deals != nil {
		t.Fatalf("a 3%% improvement inside the cooldown must be suppressed: %+v", res)
	}
}

func TestSimulateRejectsInvalidCriteria(t *testing.T) {
	a := testApp()
	opts := simulateOptions()
	opts.Destination = "EZE"
	if _, err := a.simulate(context.Background(), opts, []byte(simulateBody), &captureSink{}, time.Now()); err == nil {
		t.Fatal("expected validation error")
	}
}

func observation(at time.Time, price string, miles int64, seats int) storage.OfferObservation {
	o := storage.OfferObservation{ObservedAt: at, Origin: "EZE", Destination: "MIA", Currency: "USD", AvailableSeats: seats}
	if price != "" {
		o.Price = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	if miles > 0 {
		o.Miles = sql.NullInt64{Int64: miles, Valid: true}
	}
	return o
}

func TestBestPerCycle(t *testing.T) {
	t0 := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)

	points := bestPerCycle([]storage.OfferObservation{
		observation(t0, "500", 40000, 3),
		observation(t0, "450", 0, 1),
		observation(t0, "100", 1000, 0),
		observation(t1, "", 35000, 2),
	})

	if len(points) != 2 {
		t.Fatalf("expected two points, got %d", len(points))
	}
	if !points[0].BestPrice.Decimal.Equal(decimal.NewFromInt(450)) || points[0].BestMiles != 40000 || points[0].Offers != 3 {
		t.Fatalf("unexpected first point %+v", points[0])
	}
	if points[1].BestPrice.Valid || !points[1].HasMiles || points[1].BestMiles != 35000 {
		t.Fatalf("unexpected second point %+v", points[1])
	}
}

func TestDownsamplePoints(t *testing.T) {
	points := make([]routePoint, 10)
	for i := range points {
		points[i].Offers = i
	}
	got := downsamplePoints(points, 3)
	if len(got) != 3 || got[0].Offers != 0 || got[2].Offers != 9 {
		t.Fatalf("unexpected downsample %+v", got)
	}
	if len(downsamplePoints(points, 0)) != 10 {
		t.Fatal("zero max keeps everything")
	}
}

func TestWritePointsCSV(t *testing.T) {
	t0 := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "out", "route.csv")
	points := bestPerCycle([]storage.OfferObservation{observation(t0, "450", 0, 1)})

	if err := writePointsCSV(path, points); err != nil {
		t.Fatalf("writePointsCSV: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 || rows[1][1] != "450.00" || rows[1][3] != "" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestWritePointsPNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route.png")
	if err := writePointsPNG(path, "EZE-MIA", []routePoint{{ObservedAt: time.Now()}}); err == nil {
		t.Fatal("expected error for a single point")
	}
}

func TestWriteReport(t *testing.T) {
	start := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	report := domain.CycleReport{StartedAt: start, FinishedAt: start.Add(time.Second), Checked: 3, Failed: 1}

	var text bytes.Buffer
	if err := writeReport(&text, report, false); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	if !strings.Contains(text.String(), "Checked") || !strings.Contains(text.String(), "1s") {
		t.Fatalf("unexpected text report:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := writeReport(&js, report, true); err != nil {
		t.Fatalf("writeReport json: %v", err)
	}
	if !strings.Contains(js.String(), `"failed": 1`) {
		t.Fatalf("unexpected json report:\n%s", js.String())
	}
}

func TestWriteObservations(t *testing.T) {
	var buf bytes.Buffer
	if err := writeObservations(&buf, nil); err != nil || !strings.Contains(buf.String(), "no observations") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}

	buf.Reset()
	o := observation(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC), "99.5", 0, 0)
	o.IsPromo = true
	if err := writeObservations(&buf, []storage.OfferObservation{o}); err != nil {
		t.Fatalf("writeObservations: %v", err)
	}
	if !strings.Contains(buf.String(), "USD 99.50") || !strings.Contains(buf.String(), "promo,no-seats") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}
