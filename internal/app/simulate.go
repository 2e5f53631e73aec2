package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/alerting"
	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/fetcher"
	"flight-deal-alerts/internal/matcher"
	"flight-deal-alerts/internal/normalize"
	"flight-deal-alerts/internal/storage"
)

// SimulateOptions describe ad-hoc alert criteria replayed against a captured payload.
type SimulateOptions struct {
	File        string
	Shape       fetcher.Shape
	Provider    string
	Origin      string
	Destination string
	Date        *time.Time
	Month       *time.Time
	Cabin       string
	Adults      int
	MaxPrice    decimal.NullDecimal
	MaxMiles    sql.NullInt64

	// LastNotifiedAgo seeds the gate with a previous notification of
	// LastNotifiedPrice/LastNotifiedMiles this long ago. Zero means no history.
	LastNotifiedAgo   time.Duration
	LastNotifiedPrice decimal.NullDecimal
	LastNotifiedMiles sql.NullInt64

	// Deliver sends through the configured channel to OwnerID instead of logging.
	Deliver bool
	OwnerID int64
}

type simulation struct {
	Offers  int
	Dropped int
	Skipped int
	Deals   []domain.Deal
	Notify  bool
}

// Simulate 使用本地保存的响应回放一次匹配与通知判定。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.File == "" {
		return errors.New("--file is required")
	}
	body, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	sink := alerting.Sink(alerting.NewLogSink(a.Logger))
	if opts.Deliver {
		if opts.OwnerID == 0 {
			return errors.New("--owner is required with --deliver")
		}
		sink = a.newSink()
	}

	result, err := a.simulate(ctx, opts, body, sink, time.Now().UTC())
	if err != nil {
		return err
	}
	return writeSimulation(a.Out, result)
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions, body []byte, sink alerting.Sink, now time.Time) (simulation, error) {
	if opts.Adults == 0 {
		opts.Adults = 1
	}
	alert := domain.Alert{
		OwnerID:       opts.OwnerID,
		Provider:      opts.Provider,
		Origin:        opts.Origin,
		Destination:   opts.Destination,
		DepartureDate: opts.Date,
		SearchMonth:   opts.Month,
		CabinClass:    opts.Cabin,
		Passengers:    domain.Passengers{Adults: opts.Adults},
		MaxPrice:      opts.MaxPrice,
		MaxMiles:      opts.MaxMiles,
		Active:        true,
	}
	if err := alert.Validate(); err != nil {
		return simulation{}, err
	}

	req := fetcher.NewSearchRequest(alert, now)
	if opts.Shape != "" {
		req.Shape = opts.Shape
	}
	raw := fetcher.RawResponse{Provider: alert.Provider, Shape: req.Shape, Body: body, Request: req}

	normalized, err := normalize.New(a.Logger).Normalize(raw)
	if err != nil {
		return simulation{}, err
	}

	m := matcher.New(a.newClassifier(alert.Provider), matcher.Options{
		Limit: a.Config.Monitor.MaxDealsPerAlert,
		Now:   func() time.Time { return now },
	})
	out := simulation{
		Offers:  len(normalized.Offers),
		Dropped: normalized.Dropped,
		Skipped: normalized.Skipped,
		Deals:   m.Match(alert, normalized.Offers),
	}
	if len(out.Deals) == 0 {
		return out, nil
	}

	history, err := storage.NewMemoryHistory(1)
	if err != nil {
		return simulation{}, err
	}
	if opts.LastNotifiedAgo > 0 {
		_ = history.PutNotification(ctx, domain.NotificationRecord{
			AlertID:           alert.ID,
			LastNotifiedAt:    now.Add(-opts.LastNotifiedAgo),
			LastNotifiedPrice: opts.LastNotifiedPrice,
			LastNotifiedMiles: opts.LastNotifiedMiles,
		})
	}

	gate := alerting.NewGate(a.gatePolicy(), history)
	out.Notify, err = gate.Check(ctx, out.Deals[0])
	if err != nil {
		return simulation{}, err
	}
	if !out.Notify {
		return out, nil
	}
	if err := sink.Deliver(ctx, alert.OwnerID, out.Deals); err != nil {
		return simulation{}, fmt.Errorf("deliver: %w", err)
	}
	return out, gate.Record(ctx, out.Deals[0])
}

func writeSimulation(w io.Writer, s simulation) error {
	fmt.Fprintf(w, "offers: %d  dropped: %d  skipped: %d  deals: %d\n", s.Offers, s.Dropped, s.Skipped, len(s.Deals))
	if len(s.Deals) == 0 {
		fmt.Fprintln(w, "no offer matches the criteria")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Departure\tPrice\tMiles\tSeats\tFare\tPromo")
	for _, d := range s.Deals {
		o := storage.NewObservation(d.AlertID, d.Offer, d.IsPromo, d.FoundAt)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\n",
			o.DepartureDate.Format(domain.DateLayout),
			formatPrice(o),
			formatMiles(o),
			o.AvailableSeats,
			sanitizeInline(o.FareLabel),
			o.IsPromo,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	decision := "suppressed (cooldown)"
	if s.Notify {
		decision = "notified"
	}
	fmt.Fprintf(w, "gate: %s\n", decision)
	return nil
}
