package storage

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
)

// OfferObservation is one normalized offer as seen during a cycle.
type OfferObservation struct {
	ID             int64
	ObservedAt     time.Time
	AlertID        int64
	Provider       string
	Origin         string
	Destination    string
	DepartureDate  time.Time
	Price          decimal.NullDecimal
	Miles          sql.NullInt64
	Currency       string
	CabinClass     string
	FareLabel      string
	AvailableSeats int
	IsPromo        bool
	IsBestOfPeriod bool
}

// NewObservation snapshots an offer for statistics.
func NewObservation(alertID int64, offer domain.NormalizedOffer, isPromo bool, at time.Time) OfferObservation {
	return OfferObservation{
		ObservedAt:     at,
		AlertID:        alertID,
		Provider:       offer.Provider,
		Origin:         offer.Origin,
		Destination:    offer.Destination,
		DepartureDate:  offer.DepartureDate,
		Price:          offer.Price,
		Miles:          offer.Miles,
		Currency:       offer.Currency,
		CabinClass:     offer.CabinClass,
		FareLabel:      offer.FareLabel,
		AvailableSeats: offer.AvailableSeats,
		IsPromo:        isPromo,
		IsBestOfPeriod: offer.IsBestOfPeriod,
	}
}
