package domain

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day format used by providers and persistence.
const DateLayout = "2006-01-02"

// NormalizedOffer is the provider-independent shape of one priced seat inventory.
// Price and Miles stay invalid when the provider did not quote them.
type NormalizedOffer struct {
	Provider       string
	Origin         string
	Destination    string
	DepartureDate  time.Time
	Price          decimal.NullDecimal
	Miles          sql.NullInt64
	Currency       string
	CabinClass     string
	AvailableSeats int
	FareLabel      string
	IsSoldOut      bool
	IsBestOfPeriod bool
}

// Matchable reports whether seats can still be bought.
func (o NormalizedOffer) Matchable() bool {
	return !o.IsSoldOut && o.AvailableSeats > 0
}

// Priced reports whether the offer carries at least one comparable amount.
func (o NormalizedOffer) Priced() bool {
	return o.Price.Valid || o.Miles.Valid
}

// Fingerprint identifies an offer across cycles.
func (o NormalizedOffer) Fingerprint() string {
	return fmt.Sprintf("%s|%s-%s|%s|%s|%s",
		o.Provider, o.Origin, o.Destination, o.DepartureDate.Format(DateLayout), o.CabinClass, o.FareLabel)
}

// Deal is an offer that satisfied one alert's criteria.
type Deal struct {
	AlertID int64
	Offer   NormalizedOffer
	IsPromo bool
	FoundAt time.Time
}

// NotificationRecord is the cooldown bookkeeping for one alert.
type NotificationRecord struct {
	AlertID           int64
	LastNotifiedAt    time.Time
	LastNotifiedPrice decimal.NullDecimal
	LastNotifiedMiles sql.NullInt64
}

// CycleReport summarises one monitoring cycle.
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Checked    int
	Matched    int
	Notified   int
	Suppressed int
	Failed     int
	Invalid    int
}

// Duration is the wall-clock length of the cycle.
func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SameDay compares calendar days in UTC.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// SameMonth compares calendar months in UTC.
func SameMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}
