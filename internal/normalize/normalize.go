package normalize

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/fetcher"
)

// Result carries the offers recovered from one payload.
type Result struct {
	Offers  []domain.NormalizedOffer
	Dropped int
	Skipped int
}

// Normalizer turns raw provider payloads into canonical offers.
type Normalizer struct {
	logger zerolog.Logger
}

// New constructs a Normalizer.
func New(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With().Str("component", "normalizer").Logger()}
}

// Normalize dispatches on the response shape. A payload that matches neither
// shape returns domain.ErrParse; malformed records inside an otherwise valid
// payload are dropped and counted.
func (n *Normalizer) Normalize(raw fetcher.RawResponse) (Result, error) {
	b := &offerBuilder{
		provider:    raw.Provider,
		requestDate: raw.Request.Date,
		logger:      n.logger.With().Str("provider", raw.Provider).Str("shape", string(raw.Shape)).Logger(),
	}

	var err error
	switch raw.Shape {
	case fetcher.ShapeCalendar:
		err = parseCalendar(raw.Body, b)
	case fetcher.ShapeBranded:
		err = parseBranded(raw.Body, b)
	default:
		err = fmt.Errorf("%w: unknown response shape %q", domain.ErrParse, raw.Shape)
	}
	if err != nil {
		return Result{}, err
	}

	if b.result.Dropped > 0 {
		b.logger.Warn().Int("dropped", b.result.Dropped).Int("kept", len(b.result.Offers)).Msg("dropped malformed records")
	}
	return b.result, nil
}

// offerFields is the shape-independent intermediate every parser fills in.
type offerFields struct {
	route        string
	origin       string
	destination  string
	date         string
	price        *decimal.Decimal
	miles        *int64
	currency     string
	cabin        string
	fare         string
	seats        int
	soldOut      bool
	bestOffer    bool
	// Set only for records whose only date source is the search request.
	requestDated bool
}

var errIncomplete = errors.New("incomplete record")

type offerBuilder struct {
	provider    string
	requestDate time.Time
	logger      zerolog.Logger
	result      Result
}

func (b *offerBuilder) add(f offerFields) {
	offer, err := b.build(f)
	if err != nil {
		b.drop(f.route, err)
		return
	}
	b.result.Offers = append(b.result.Offers, offer)
}

func (b *offerBuilder) skip() {
	b.result.Skipped++
}

func (b *offerBuilder) drop(route string, err error) {
	b.result.Dropped++
	b.logger.Debug().Err(err).Str("route", route).Msg("record dropped")
}

func (b *offerBuilder) build(f offerFields) (domain.NormalizedOffer, error) {
	origin, destination := f.origin, f.destination
	if origin == "" || destination == "" {
		var ok bool
		origin, destination, ok = domain.SplitRouteKey(f.route)
		if !ok {
			return domain.NormalizedOffer{}, fmt.Errorf("%w: route %q", errIncomplete, f.route)
		}
	}

	departure, err := b.departureDate(f.date, f.requestDated)
	if err != nil {
		return domain.NormalizedOffer{}, err
	}

	offer := domain.NormalizedOffer{
		Provider:       b.provider,
		Origin:         strings.ToUpper(origin),
		Destination:    strings.ToUpper(destination),
		DepartureDate:  departure,
		Currency:       strings.ToUpper(strings.TrimSpace(f.currency)),
		CabinClass:     strings.ToUpper(strings.TrimSpace(f.cabin)),
		AvailableSeats: f.seats,
		FareLabel:      strings.TrimSpace(f.fare),
		IsSoldOut:      f.soldOut,
		IsBestOfPeriod: f.bestOffer,
	}

	if f.price != nil {
		if f.price.IsNegative() {
			return domain.NormalizedOffer{}, fmt.Errorf("%w: negative price %s", errIncomplete, f.price)
		}
		offer.Price = decimal.NewNullDecimal(*f.price)
	}
	if f.miles != nil {
		if *f.miles < 0 {
			return domain.NormalizedOffer{}, fmt.Errorf("%w: negative miles %d", errIncomplete, *f.miles)
		}
		offer.Miles = sql.NullInt64{Int64: *f.miles, Valid: true}
	}
	if !offer.Priced() {
		return domain.NormalizedOffer{}, fmt.Errorf("%w: neither price nor miles", errIncomplete)
	}
	return offer, nil
}

var dateLayouts = []string{
	domain.DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

func (b *offerBuilder) departureDate(raw string, requestDated bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if !requestDated || b.requestDate.IsZero() {
			return time.Time{}, fmt.Errorf("%w: no departure date", errIncomplete)
		}
		return dayOf(b.requestDate), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			// Leg timestamps are local to the departure airport; the calendar day is what matters.
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable date %q", errIncomplete, raw)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
