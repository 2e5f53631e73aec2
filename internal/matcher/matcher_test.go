package matcher

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/promo"
)

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newMatcher(limit int) *Matcher {
	return New(promo.New(promo.Thresholds{LowMiles: 20000}), Options{Limit: limit, Now: func() time.Time { return fixedNow }})
}

func day(d int) time.Time {
	return time.Date(2026, 11, d, 0, 0, 0, 0, time.UTC)
}

func milesOffer(m int64, seats int, d int) domain.NormalizedOffer {
	return domain.NormalizedOffer{
		Origin:         "EZE",
		Destination:    "MIA",
		DepartureDate:  day(d),
		Miles:          sql.NullInt64{Int64: m, Valid: true},
		AvailableSeats: seats,
	}
}

func priceOffer(p string, seats int, d int) domain.NormalizedOffer {
	return domain.NormalizedOffer{
		Origin:         "EZE",
		Destination:    "MIA",
		DepartureDate:  day(d),
		Price:          decimal.NewNullDecimal(decimal.RequireFromString(p)),
		AvailableSeats: seats,
	}
}

func milesAlert(max int64) domain.Alert {
	return domain.Alert{
		ID:          7,
		Provider:    "smiles",
		Origin:      "EZE",
		Destination: "MIA",
		Passengers:  domain.Passengers{Adults: 1},
		MaxMiles:    sql.NullInt64{Int64: max, Valid: true},
	}
}

func TestMatchBestOfPeriodScenario(t *testing.T) {
	offer := milesOffer(45000, 9, 3)
	offer.IsBestOfPeriod = true

	deals := newMatcher(0).Match(milesAlert(50000), []domain.NormalizedOffer{offer})
	if len(deals) != 1 {
		t.Fatalf("expected one deal, got %d", len(deals))
	}
	if !deals[0].IsPromo || deals[0].AlertID != 7 || !deals[0].FoundAt.Equal(fixedNow) {
		t.Fatalf("unexpected deal: %+v", deals[0])
	}
}

func TestMatchAboveMilesScenario(t *testing.T) {
	deals := newMatcher(0).Match(milesAlert(50000), []domain.NormalizedOffer{milesOffer(60000, 9, 3)})
	if len(deals) != 0 {
		t.Fatalf("expected zero deals, got %d", len(deals))
	}
}

func TestMatchPriceThreshold(t *testing.T) {
	alert := milesAlert(0)
	alert.MaxMiles = sql.NullInt64{}
	alert.MaxPrice = decimal.NewNullDecimal(decimal.NewFromInt(500))
	date := day(3)
	alert.DepartureDate = &date

	other := priceOffer("100", 9, 3)
	other.Destination = "JFK"

	cases := []struct {
		name  string
		offer domain.NormalizedOffer
		want  bool
	}{
		{"below threshold", priceOffer("499.99", 9, 3), true},
		{"equal threshold", priceOffer("500", 1, 3), true},
		{"above threshold", priceOffer("500.01", 9, 3), false},
		{"no seats", priceOffer("100", 0, 3), false},
		{"miles only", milesOffer(1000, 9, 3), false},
		{"other day", priceOffer("100", 9, 4), false},
		{"other route", other, false},
	}
	for _, tc := range cases {
		if got := Matches(alert, tc.offer); got != tc.want {
			t.Fatalf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchRequiresBothThresholds(t *testing.T) {
	alert := milesAlert(50000)
	alert.MaxPrice = decimal.NewNullDecimal(decimal.NewFromInt(300))

	both := milesOffer(40000, 3, 5)
	both.Price = decimal.NewNullDecimal(decimal.NewFromInt(250))
	pricey := milesOffer(40000, 3, 5)
	pricey.Price = decimal.NewNullDecimal(decimal.NewFromInt(350))

	if !Matches(alert, both) {
		t.Fatal("offer satisfying both thresholds should match")
	}
	if Matches(alert, pricey) || Matches(alert, milesOffer(40000, 3, 5)) {
		t.Fatal("offers failing either threshold must not match")
	}
}

func TestMatchMonthWindow(t *testing.T) {
	alert := milesAlert(90000)
	month := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	alert.SearchMonth = &month

	december := milesOffer(1000, 2, 1)
	december.DepartureDate = time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	deals := newMatcher(0).Match(alert, []domain.NormalizedOffer{milesOffer(50000, 2, 30), december})
	if len(deals) != 1 || deals[0].Offer.DepartureDate.Day() != 30 {
		t.Fatalf("only November departures should match: %+v", deals)
	}
}

func TestMatchBestPriceOnlyOrdering(t *testing.T) {
	alert := milesAlert(0)
	alert.MaxMiles = sql.NullInt64{}

	offers := []domain.NormalizedOffer{
		milesOffer(30000, 4, 2),
		priceOffer("420", 4, 9),
		priceOffer("310", 4, 12),
		priceOffer("310", 4, 4),
		milesOffer(25000, 4, 6),
		priceOffer("1", 0, 1),
	}

	deals := newMatcher(0).Match(alert, offers)
	if len(deals) != 5 {
		t.Fatalf("every available offer should match, got %d", len(deals))
	}

	wantDays := []int{4, 12, 9, 6, 2}
	for i, want := range wantDays {
		if got := deals[i].Offer.DepartureDate.Day(); got != want {
			t.Fatalf("position %d: got day %d, want %d", i, got, want)
		}
	}
}

func TestMatchMilesAlertOrdersByMiles(t *testing.T) {
	withPrice := milesOffer(48000, 4, 2)
	withPrice.Price = decimal.NewNullDecimal(decimal.NewFromInt(10))

	deals := newMatcher(2).Match(milesAlert(50000), []domain.NormalizedOffer{
		withPrice,
		milesOffer(41000, 4, 8),
		milesOffer(41000, 4, 3),
	})
	if len(deals) != 2 {
		t.Fatalf("limit should cap deals, got %d", len(deals))
	}
	if deals[0].Offer.DepartureDate.Day() != 3 || deals[1].Offer.DepartureDate.Day() != 8 {
		t.Fatalf("miles alert should order by miles then date: %+v", deals)
	}
}

func TestMatchPropertyPriceAlert(t *testing.T) {
	alert := milesAlert(0)
	alert.MaxMiles = sql.NullInt64{}
	alert.MaxPrice = decimal.NewNullDecimal(decimal.NewFromInt(400))
	month := day(1)
	alert.SearchMonth = &month

	// Each offer gets a unique fare label so sold-out and available twins stay distinct.
	var offers []domain.NormalizedOffer
	for i, p := range []string{"100", "399.99", "400", "400.01", "1000"} {
		for seats := 0; seats <= 1; seats++ {
			for _, dest := range []string{"MIA", "JFK"} {
				for _, departure := range []time.Time{day(i + 1), day(i + 1).AddDate(0, 1, 0)} {
					o := priceOffer(p, seats, i+1)
					o.Destination = dest
					o.DepartureDate = departure
					o.FareLabel = fmt.Sprintf("case-%d", len(offers))
					offers = append(offers, o)
				}
			}
		}
	}
	unpriced := milesOffer(1, 5, 1)
	unpriced.FareLabel = "unpriced"
	offers = append(offers, unpriced)

	deals := newMatcher(0).Match(alert, offers)
	inResult := make(map[string]bool)
	for _, d := range deals {
		inResult[d.Offer.FareLabel] = true
	}
	for _, o := range offers {
		want := o.AvailableSeats > 0 &&
			o.Price.Valid && o.Price.Decimal.LessThanOrEqual(alert.MaxPrice.Decimal) &&
			o.Destination == "MIA" &&
			o.DepartureDate.Month() == time.November
		if got := inResult[o.FareLabel]; got != want {
			t.Fatalf("offer %+v: in result = %v, want %v", o, got, want)
		}
	}
	if len(deals) != 3 {
		t.Fatalf("expected 3 deals (100, 399.99, 400 with seats on route in month), got %d", len(deals))
	}
}
