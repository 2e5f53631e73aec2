package domain

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SearchMode describes which departure window an alert watches.
type SearchMode string

const (
	// ModeFlexible watches any departure date the provider's calendar returns.
	ModeFlexible SearchMode = "flexible"
	// ModeSpecific watches exactly one departure date.
	ModeSpecific SearchMode = "specific"
	// ModeMonth watches every departure date within one calendar month.
	ModeMonth SearchMode = "month"
)

// Passengers counts travellers by fare category.
type Passengers struct {
	Adults   int
	Children int
	Infants  int
}

// Alert is a user's standing search criteria.
type Alert struct {
	ID            int64
	OwnerID       int64
	Provider      string
	Origin        string
	Destination   string
	DepartureDate *time.Time
	SearchMonth   *time.Time
	CabinClass    string
	Passengers    Passengers
	MaxPrice      decimal.NullDecimal
	MaxMiles      sql.NullInt64
	Active        bool
	LastCheckedAt *time.Time
}

// Mode resolves the alert's search window. Callers should Validate first;
// an alert with both windows set reports ModeSpecific.
func (a Alert) Mode() SearchMode {
	switch {
	case a.DepartureDate != nil:
		return ModeSpecific
	case a.SearchMonth != nil:
		return ModeMonth
	default:
		return ModeFlexible
	}
}

// BestPriceOnly reports whether the alert sets neither a price nor a miles ceiling.
func (a Alert) BestPriceOnly() bool {
	return !a.MaxPrice.Valid && !a.MaxMiles.Valid
}

// Route returns the IATA pair as ORIGIN-DESTINATION.
func (a Alert) Route() string {
	return RouteKey(a.Origin, a.Destination)
}

// Validate rejects contradictory or incomplete criteria.
func (a Alert) Validate() error {
	origin := strings.TrimSpace(a.Origin)
	destination := strings.TrimSpace(a.Destination)

	if a.Provider == "" {
		return fmt.Errorf("%w: alert %d has no provider", ErrValidation, a.ID)
	}
	if origin == "" || destination == "" {
		return fmt.Errorf("%w: alert %d requires origin and destination", ErrValidation, a.ID)
	}
	if strings.EqualFold(origin, destination) {
		return fmt.Errorf("%w: alert %d origin equals destination (%s)", ErrValidation, a.ID, origin)
	}
	if a.DepartureDate != nil && a.SearchMonth != nil {
		return fmt.Errorf("%w: alert %d sets both a departure date and a search month", ErrValidation, a.ID)
	}
	if a.Passengers.Adults < 1 {
		return fmt.Errorf("%w: alert %d requires at least one adult", ErrValidation, a.ID)
	}
	if a.Passengers.Children < 0 || a.Passengers.Infants < 0 {
		return fmt.Errorf("%w: alert %d has negative passenger counts", ErrValidation, a.ID)
	}
	if a.Passengers.Infants > a.Passengers.Adults {
		return fmt.Errorf("%w: alert %d has more infants than adults", ErrValidation, a.ID)
	}
	if a.MaxPrice.Valid && !a.MaxPrice.Decimal.IsPositive() {
		return fmt.Errorf("%w: alert %d max price must be positive", ErrValidation, a.ID)
	}
	if a.MaxMiles.Valid && a.MaxMiles.Int64 <= 0 {
		return fmt.Errorf("%w: alert %d max miles must be positive", ErrValidation, a.ID)
	}
	return nil
}

// RouteKey normalises an origin/destination pair into the provider route key format.
func RouteKey(origin, destination string) string {
	return strings.ToUpper(strings.TrimSpace(origin)) + "-" + strings.ToUpper(strings.TrimSpace(destination))
}

// SplitRouteKey parses keys such as "EZE-MIA" or "EZE_MIA".
func SplitRouteKey(key string) (string, string, bool) {
	sep := strings.IndexAny(key, "-_")
	if sep <= 0 || sep == len(key)-1 {
		return "", "", false
	}
	origin := strings.ToUpper(strings.TrimSpace(key[:sep]))
	destination := strings.ToUpper(strings.TrimSpace(key[sep+1:]))
	if origin == "" || destination == "" {
		return "", "", false
	}
	return origin, destination, true
}
