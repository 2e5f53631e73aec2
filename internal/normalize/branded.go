package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
)

// brandedPayload: {"brandedOffers": {"EZE-MIA": [{"legs": [...], "fares": [...]}]}}
type brandedPayload struct {
	BrandedOffers map[string][]json.RawMessage `json:"brandedOffers"`
}

type brandedGroup struct {
	Legs  []flightLeg       `json:"legs"`
	Fares []json.RawMessage `json:"fares"`
}

type flightLeg struct {
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	Departure    string `json:"departure"`
	Carrier      string `json:"carrier"`
	FlightNumber string `json:"flightNumber"`
}

type brandedFare struct {
	Brand     string     `json:"brand"`
	Total     *fareTotal `json:"total"`
	Miles     *int64     `json:"miles"`
	Seats     int        `json:"seats"`
	Cabin     string     `json:"cabin"`
	SoldOut   bool       `json:"soldOut"`
	BestOffer bool       `json:"bestOffer"`
}

type fareTotal struct {
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"`
}

func parseBranded(body []byte, b *offerBuilder) error {
	var payload brandedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: decode branded response: %v", domain.ErrParse, err)
	}
	if payload.BrandedOffers == nil {
		return fmt.Errorf("%w: response has no brandedOffers section", domain.ErrParse)
	}

	for _, route := range sortedKeys(payload.BrandedOffers) {
		for _, rawGroup := range payload.BrandedOffers[route] {
			var group brandedGroup
			if err := json.Unmarshal(rawGroup, &group); err != nil {
				b.drop(route, err)
				continue
			}

			// The itinerary spans the first leg's origin to the last leg's destination.
			var origin, destination, departure string
			if n := len(group.Legs); n > 0 {
				origin = group.Legs[0].Origin
				destination = group.Legs[n-1].Destination
				departure = group.Legs[0].Departure
			}

			for _, rawFare := range group.Fares {
				var fare brandedFare
				if err := json.Unmarshal(rawFare, &fare); err != nil {
					b.drop(route, err)
					continue
				}

				fields := offerFields{
					route:        route,
					origin:       origin,
					destination:  destination,
					date:         departure,
					miles:        fare.Miles,
					cabin:        fare.Cabin,
					fare:         fare.Brand,
					seats:        fare.Seats,
					soldOut:      fare.SoldOut,
					bestOffer:    fare.BestOffer,
					requestDated: len(group.Legs) == 0,
				}
				if fare.Total != nil {
					fields.price = fare.Total.Amount
					fields.currency = fare.Total.Currency
				}
				b.add(fields)
			}
		}
	}
	return nil
}
