package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
)

// calendarPayload: {"calendar": {"EZE-MIA": [{"date": "...", "offer": {...}}]}}
type calendarPayload struct {
	Calendar map[string][]json.RawMessage `json:"calendar"`
}

type calendarEntry struct {
	Date  string         `json:"date"`
	Offer *calendarOffer `json:"offer"`
}

type calendarOffer struct {
	Price      *decimal.Decimal `json:"price"`
	Miles      *int64           `json:"miles"`
	Currency   string           `json:"currency"`
	Cabin      string           `json:"cabin"`
	Seats      int              `json:"availableSeats"`
	FareFamily string           `json:"fareFamily"`
	SoldOut    bool             `json:"soldOut"`
	BestOffer  bool             `json:"bestOffer"`
}

func parseCalendar(body []byte, b *offerBuilder) error {
	var payload calendarPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: decode calendar response: %v", domain.ErrParse, err)
	}
	if payload.Calendar == nil {
		return fmt.Errorf("%w: response has no calendar section", domain.ErrParse)
	}

	for _, route := range sortedKeys(payload.Calendar) {
		for _, rawEntry := range payload.Calendar[route] {
			var entry calendarEntry
			if err := json.Unmarshal(rawEntry, &entry); err != nil {
				b.drop(route, err)
				continue
			}
			if entry.Offer == nil || entry.Offer.SoldOut {
				b.skip()
				continue
			}

			o := entry.Offer
			b.add(offerFields{
				route:     route,
				date:      entry.Date,
				price:     o.Price,
				miles:     o.Miles,
				currency:  o.Currency,
				cabin:     o.Cabin,
				fare:      o.FareFamily,
				seats:     o.Seats,
				soldOut:   o.SoldOut,
				bestOffer: o.BestOffer,
			})
		}
	}
	return nil
}
