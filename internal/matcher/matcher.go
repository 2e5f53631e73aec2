package matcher

import (
	"slices"
	"strings"
	"time"

	"flight-deal-alerts/internal/domain"
)

// Classifier decides whether a matching offer is promotional.
type Classifier interface {
	IsPromo(offer domain.NormalizedOffer) bool
}

// Options tune a Matcher.
type Options struct {
	// Limit caps the number of deals returned per alert. Zero means unlimited.
	Limit int
	Now   func() time.Time
}

// Matcher filters offers against one alert's thresholds and window.
type Matcher struct {
	classifier Classifier
	limit      int
	now        func() time.Time
}

// New constructs a Matcher around a provider's promo classifier.
func New(classifier Classifier, opts Options) *Matcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Matcher{classifier: classifier, limit: opts.Limit, now: now}
}

// Match returns the deals for alert, cheapest first.
func (m *Matcher) Match(alert domain.Alert, offers []domain.NormalizedOffer) []domain.Deal {
	matched := make([]domain.NormalizedOffer, 0, len(offers))
	for _, offer := range offers {
		if Matches(alert, offer) {
			matched = append(matched, offer)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	byMiles := alert.MaxMiles.Valid && !alert.MaxPrice.Valid
	slices.SortStableFunc(matched, func(a, b domain.NormalizedOffer) int {
		return compareOffers(a, b, byMiles)
	})

	if m.limit > 0 && len(matched) > m.limit {
		matched = matched[:m.limit]
	}

	foundAt := m.now().UTC()
	deals := make([]domain.Deal, 0, len(matched))
	for _, offer := range matched {
		deals = append(deals, domain.Deal{
			AlertID: alert.ID,
			Offer:   offer,
			IsPromo: m.classifier != nil && m.classifier.IsPromo(offer),
			FoundAt: foundAt,
		})
	}
	return deals
}

// Matches reports whether a single offer satisfies every criterion of alert.
// Both thresholds must hold when both are set.
func Matches(alert domain.Alert, offer domain.NormalizedOffer) bool {
	if !strings.EqualFold(offer.Origin, alert.Origin) || !strings.EqualFold(offer.Destination, alert.Destination) {
		return false
	}
	if !offer.Matchable() {
		return false
	}
	if alert.MaxPrice.Valid {
		if !offer.Price.Valid || offer.Price.Decimal.GreaterThan(alert.MaxPrice.Decimal) {
			return false
		}
	}
	if alert.MaxMiles.Valid {
		if !offer.Miles.Valid || offer.Miles.Int64 > alert.MaxMiles.Int64 {
			return false
		}
	}
	return inWindow(alert, offer.DepartureDate)
}

func inWindow(alert domain.Alert, departure time.Time) bool {
	switch alert.Mode() {
	case domain.ModeSpecific:
		return domain.SameDay(*alert.DepartureDate, departure)
	case domain.ModeMonth:
		return domain.SameMonth(*alert.SearchMonth, departure)
	default:
		return true
	}
}

// compareOffers orders by price (priced offers first), then by miles; miles-only
// alerts order by miles. Ties go to the earliest departure, then fare label.
func compareOffers(a, b domain.NormalizedOffer, byMiles bool) int {
	var c int
	if byMiles {
		c = compareMiles(a, b)
	} else {
		c = comparePrice(a, b)
		if c == 0 && !a.Price.Valid && !b.Price.Valid {
			c = compareMiles(a, b)
		}
	}
	if c != 0 {
		return c
	}
	if c = a.DepartureDate.Compare(b.DepartureDate); c != 0 {
		return c
	}
	return strings.Compare(a.FareLabel, b.FareLabel)
}

func comparePrice(a, b domain.NormalizedOffer) int {
	switch {
	case a.Price.Valid && b.Price.Valid:
		return a.Price.Decimal.Cmp(b.Price.Decimal)
	case a.Price.Valid:
		return -1
	case b.Price.Valid:
		return 1
	default:
		return 0
	}
}

func compareMiles(a, b domain.NormalizedOffer) int {
	switch {
	case a.Miles.Valid && b.Miles.Valid:
		switch {
		case a.Miles.Int64 < b.Miles.Int64:
			return -1
		case a.Miles.Int64 > b.Miles.Int64:
			return 1
		}
		return 0
	case a.Miles.Valid:
		return -1
	case b.Miles.Valid:
		return 1
	default:
		return 0
	}
}
