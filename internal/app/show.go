package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/storage"
)

// Show prints the most recent offer observations.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show observations")
	}
	if closeStore != nil {
		defer closeStore()
	}

	observations, err := store.ListRecentObservations(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeObservations(a.Out, observations)
}

func writeObservations(w io.Writer, observations []storage.OfferObservation) error {
	if len(observations) == 0 {
		fmt.Fprintln(w, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tAlert\tProvider\tRoute\tDeparture\tPrice\tMiles\tSeats\tFare\tFlags")

	for _, o := range observations {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			o.ObservedAt.UTC().Format(time.RFC3339),
			o.AlertID,
			o.Provider,
			domain.RouteKey(o.Origin, o.Destination),
			o.DepartureDate.Format(domain.DateLayout),
			formatPrice(o),
			formatMiles(o),
			o.AvailableSeats,
			sanitizeInline(o.FareLabel),
			observationFlags(o),
		)
	}

	return writer.Flush()
}

func formatPrice(o storage.OfferObservation) string {
	if !o.Price.Valid {
		return "-"
	}
	return strings.TrimSpace(o.Currency + " " + o.Price.Decimal.StringFixed(2))
}

func formatMiles(o storage.OfferObservation) string {
	if !o.Miles.Valid {
		return "-"
	}
	return fmt.Sprintf("%d", o.Miles.Int64)
}

func observationFlags(o storage.OfferObservation) string {
	var flags []string
	if o.IsPromo {
		flags = append(flags, "promo")
	}
	if o.IsBestOfPeriod {
		flags = append(flags, "best")
	}
	if o.AvailableSeats <= 0 {
		flags = append(flags, "no-seats")
	}
	return strings.Join(flags, ",")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
