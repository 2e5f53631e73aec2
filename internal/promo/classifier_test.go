package promo

import (
	"database/sql"
	"testing"

	"flight-deal-alerts/internal/domain"
)

func miles(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

func TestClassifyRuleOrder(t *testing.T) {
	c := New(Thresholds{LowMiles: 20000})

	cases := []struct {
		name      string
		offer     domain.NormalizedOffer
		wantPromo bool
		wantRule  string
	}{
		{
			name:      "provider flag wins first",
			offer:     domain.NormalizedOffer{IsBestOfPeriod: true, Miles: miles(10000), FareLabel: "PROMO"},
			wantPromo: true,
			wantRule:  "provider_best_of_period",
		},
		{
			name:      "low miles",
			offer:     domain.NormalizedOffer{Miles: miles(19999)},
			wantPromo: true,
			wantRule:  "low_miles",
		},
		{
			name:  "threshold is exclusive",
			offer: domain.NormalizedOffer{Miles: miles(20000)},
		},
		{
			name:      "english keyword",
			offer:     domain.NormalizedOffer{Miles: miles(50000), FareLabel: "Weekend SPECIAL"},
			wantPromo: true,
			wantRule:  "fare_keyword",
		},
		{
			name:      "spanish keyword with accent",
			offer:     domain.NormalizedOffer{FareLabel: "Tarifa PROMOCIÓN"},
			wantPromo: true,
			wantRule:  "fare_keyword",
		},
		{
			name:      "descuento",
			offer:     domain.NormalizedOffer{FareLabel: "Gran Descuento"},
			wantPromo: true,
			wantRule:  "fare_keyword",
		},
		{
			name:  "plain fare",
			offer: domain.NormalizedOffer{Miles: miles(60000), FareLabel: "LIGHT"},
		},
		{
			name:  "absent miles never counts as low",
			offer: domain.NormalizedOffer{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, rule := c.Classify(tc.offer)
			if got != tc.wantPromo || rule != tc.wantRule {
				t.Fatalf("Classify = (%v, %q), want (%v, %q)", got, rule, tc.wantPromo, tc.wantRule)
			}
		})
	}
}

func TestLowMilesDisabledByDefault(t *testing.T) {
	c := New(Thresholds{})
	if c.IsPromo(domain.NormalizedOffer{Miles: miles(1)}) {
		t.Fatal("low miles rule should be disabled without a threshold")
	}
}

func TestExtraKeywords(t *testing.T) {
	c := New(Thresholds{ExtraKeywords: []string{"Black Friday", " "}})
	if !c.IsPromo(domain.NormalizedOffer{FareLabel: "BLACK FRIDAY ECONOMY"}) {
		t.Fatal("configured keyword should classify as promo")
	}
}

func TestIsPromoIsPure(t *testing.T) {
	c := New(Thresholds{LowMiles: 30000})
	offer := domain.NormalizedOffer{Miles: miles(25000), FareLabel: "Oferta"}
	first := c.IsPromo(offer)
	for i := 0; i < 10; i++ {
		if c.IsPromo(offer) != first {
			t.Fatal("IsPromo must be deterministic")
		}
	}
}
