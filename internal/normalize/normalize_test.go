package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/fetcher"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

const calendarBody = `{
  "calendar": {
    "EZE-MIA": [
      {"date": "2026-11-03", "offer": {"miles": 45000, "availableSeats": 9, "cabin": "economy", "fareFamily": "SMILES CLUB", "bestOffer": true}},
      {"date": "2026-11-04"},
      {"date": "2026-11-05", "offer": {"miles": 52000, "availableSeats": 2, "soldOut": true}},
      {"date": "2026-11-06", "offer": {"price": "612.40", "currency": "usd", "miles": 60000, "availableSeats": 0}},
      {"date": "not-a-date", "offer": {"miles": 10000, "availableSeats": 1}},
      {"date": "2026-11-07", "offer": {"availableSeats": 4}},
      {"date": 20261108}
    ],
    "AEP-COR": [
      {"date": "2026-11-10", "offer": {"price": 89.99, "currency": "ARS", "availableSeats": 5}}
    ]
  }
}`

const brandedBody = `{
  "brandedOffers": {
    "EZE-MIA": [
      {
        "legs": [
          {"origin": "EZE", "destination": "PTY", "departure": "2026-11-03T23:55:00-03:00"},
          {"origin": "PTY", "destination": "MIA", "departure": "2026-11-04T06:10:00-05:00"}
        ],
        "fares": [
          {"brand": "LIGHT", "total": {"amount": 540.10, "currency": "USD"}, "miles": 38000, "seats": 4, "cabin": "ECONOMY"},
          {"brand": "Tarifa Promo", "total": {"amount": "499.00", "currency": "USD"}, "seats": 1, "cabin": "ECONOMY"},
          {"brand": "BROKEN", "seats": "many"},
          {"brand": "EMPTY", "seats": 3}
        ]
      },
      {
        "fares": [
          {"brand": "FLEX", "miles": 70000, "seats": 2, "cabin": "BUSINESS"}
        ]
      }
    ]
  }
}`

func newNormalizer() *Normalizer {
	return New(zerolog.Nop())
}

func TestNormalizeCalendar(t *testing.T) {
	raw := fetcher.RawResponse{Provider: "smiles", Shape: fetcher.ShapeCalendar, Body: []byte(calendarBody)}

	res, err := newNormalizer().Normalize(raw)
	if err != nil {
		t.Fatalf("calendar payload should normalize: %v", err)
	}

	// Route keys are visited in sorted order: AEP-COR before EZE-MIA.
	if len(res.Offers) != 3 {
		t.Fatalf("expected 3 offers, got %d: %+v", len(res.Offers), res.Offers)
	}
	if res.Dropped != 3 {
		t.Fatalf("expected 3 dropped records (bad date, unpriced, bad json), got %d", res.Dropped)
	}
	if res.Skipped != 2 {
		t.Fatalf("expected 2 skipped entries (no offer, sold out), got %d", res.Skipped)
	}

	first := res.Offers[0]
	if first.Origin != "AEP" || first.Destination != "COR" || first.Miles.Valid {
		t.Fatalf("unexpected first offer: %+v", first)
	}
	if !first.Price.Valid || !first.Price.Decimal.Equal(decimal.RequireFromString("89.99")) {
		t.Fatalf("price should be preserved: %+v", first.Price)
	}

	best := res.Offers[1]
	if !best.IsBestOfPeriod || best.Miles.Int64 != 45000 || best.Price.Valid {
		t.Fatalf("unexpected best offer: %+v", best)
	}
	if best.CabinClass != "ECONOMY" || !best.DepartureDate.Equal(time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("cabin/date not normalised: %+v", best)
	}

	noSeats := res.Offers[2]
	if noSeats.AvailableSeats != 0 || noSeats.Matchable() {
		t.Fatalf("zero-seat offer should be kept but not matchable: %+v", noSeats)
	}
	if noSeats.Currency != "USD" {
		t.Fatalf("currency should be upper-cased, got %s", noSeats.Currency)
	}
	// A dateless calendar entry is dropped even when the search carried a date.
	dated := fetcher.RawResponse{
		Provider: "smiles",
		Shape:    fetcher.ShapeCalendar,
		Body:     []byte(`{"calendar": {"EZE-MIA": [{"offer": {"miles": 30000, "availableSeats": 5}}]}}`),
		Request:  fetcher.SearchRequest{Date: time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)},
	}
	res, err = newNormalizer().Normalize(dated)
	if err != nil {
		t.Fatalf("calendar payload should normalize: %v", err)
	}
	if len(res.Offers) != 0 || res.Dropped != 1 {
		t.Fatalf("dateless calendar entry should be dropped, got %d offers / %d dropped: %+v", len(res.Offers), res.Dropped, res.Offers)
	}
}

func TestNormalizeCalendarIsDeterministic(t *testing.T) {
	raw := fetcher.RawResponse{Provider: "smiles", Shape: fetcher.ShapeCalendar, Body: []byte(calendarBody)}
	n := newNormalizer()

	first, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := n.Normalize(raw)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first.Offers, again.Offers, decimalEqual); diff != "" {
			t.Fatalf("normalization is not deterministic (-first +again):\n%s", diff)
		}
	}
}

func TestNormalizeBranded(t *testing.T) {
	raw := fetcher.RawResponse{
		Provider: "aerolineas",
		Shape:    fetcher.ShapeBranded,
		Body:     []byte(brandedBody),
		Request:  fetcher.SearchRequest{Date: time.Date(2026, 11, 9, 0, 0, 0, 0, time.UTC)},
	}

	res, err := newNormalizer().Normalize(raw)
	if err != nil {
		t.Fatalf("branded payload should normalize: %v", err)
	}
	if len(res.Offers) != 3 || res.Dropped != 2 {
		t.Fatalf("expected 3 offers and 2 dropped, got %d/%d", len(res.Offers), res.Dropped)
	}

	light := res.Offers[0]
	if light.Origin != "EZE" || light.Destination != "MIA" {
		t.Fatalf("itinerary should span first origin to last destination: %+v", light)
	}
	if !light.DepartureDate.Equal(time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("departure should come from the first leg's local day, got %s", light.DepartureDate)
	}
	if !light.Price.Valid || light.Miles.Int64 != 38000 || light.Currency != "USD" || light.AvailableSeats != 4 {
		t.Fatalf("unexpected light fare: %+v", light)
	}

	promo := res.Offers[1]
	if promo.Miles.Valid {
		t.Fatal("absent miles must stay unset, not zero")
	}
	if promo.FareLabel != "Tarifa Promo" {
		t.Fatalf("fare label should be kept raw, got %q", promo.FareLabel)
	}

	legless := res.Offers[2]
	if !legless.DepartureDate.Equal(time.Date(2026, 11, 9, 0, 0, 0, 0, time.UTC)) || legless.Origin != "EZE" {
		t.Fatalf("legless group should fall back to route key and request date: %+v", legless)
	}

	// Legs that exist but carry no departure do not borrow the request date.
	undated := raw
	undated.Body = []byte(`{"brandedOffers": {"EZE-MIA": [{"legs": [{"origin": "EZE", "destination": "MIA"}], "fares": [{"brand": "LIGHT", "miles": 20000, "seats": 2}]}]}}`)
	res, err = newNormalizer().Normalize(undated)
	if err != nil {
		t.Fatalf("branded payload should normalize: %v", err)
	}
	if len(res.Offers) != 0 || res.Dropped != 1 {
		t.Fatalf("undated leg should be dropped, got %d offers / %d dropped", len(res.Offers), res.Dropped)
	}
}

func TestNormalizeRejectsUnknownPayload(t *testing.T) {
	n := newNormalizer()

	cases := []fetcher.RawResponse{
		{Shape: fetcher.ShapeCalendar, Body: []byte(`{"brandedOffers": {}}`)},
		{Shape: fetcher.ShapeBranded, Body: []byte(`{"calendar": {}}`)},
		{Shape: fetcher.ShapeCalendar, Body: []byte(`<html>`)},
		{Shape: "weekly", Body: []byte(`{}`)},
	}
	for _, raw := range cases {
		if _, err := n.Normalize(raw); !errors.Is(err, domain.ErrParse) {
			t.Fatalf("expected ErrParse for %s %s, got %v", raw.Shape, raw.Body, err)
		}
	}
}

func TestNormalizeEmptyCalendar(t *testing.T) {
	res, err := newNormalizer().Normalize(fetcher.RawResponse{Shape: fetcher.ShapeCalendar, Body: []byte(`{"calendar": {}}`)})
	if err != nil {
		t.Fatalf("empty calendar is valid: %v", err)
	}
	if len(res.Offers) != 0 {
		t.Fatalf("expected no offers, got %d", len(res.Offers))
	}
}
