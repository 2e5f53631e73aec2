package fetcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"flight-deal-alerts/internal/domain"
)

// Shape tags which raw response layout a search returns.
type Shape string

const (
	// ShapeCalendar is the flexible search: one entry per candidate date.
	ShapeCalendar Shape = "calendar"
	// ShapeBranded is the specific-date search: fare-branded offers per flight group.
	ShapeBranded Shape = "branded"
)

// SearchRequest is a provider query derived from one alert.
type SearchRequest struct {
	Provider    string
	Origin      string
	Destination string
	Date        time.Time
	Shape       Shape
	Cabin       string
	Passengers  domain.Passengers
}

// NewSearchRequest resolves the query and the expected response shape once,
// so nothing downstream has to guess from field presence.
func NewSearchRequest(alert domain.Alert, now time.Time) SearchRequest {
	req := SearchRequest{
		Provider:    alert.Provider,
		Origin:      strings.ToUpper(strings.TrimSpace(alert.Origin)),
		Destination: strings.ToUpper(strings.TrimSpace(alert.Destination)),
		Cabin:       alert.CabinClass,
		Passengers:  alert.Passengers,
		Shape:       ShapeCalendar,
	}

	today := now.UTC().Truncate(24 * time.Hour)
	switch alert.Mode() {
	case domain.ModeSpecific:
		req.Shape = ShapeBranded
		req.Date = alert.DepartureDate.UTC().Truncate(24 * time.Hour)
	case domain.ModeMonth:
		y, m, _ := alert.SearchMonth.UTC().Date()
		req.Date = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		if req.Date.Before(today) {
			req.Date = today
		}
	default:
		req.Date = today
	}
	return req
}

// RawResponse is an undecoded provider payload tagged with its shape.
type RawResponse struct {
	Provider string
	Shape    Shape
	Body     json.RawMessage
	Request  SearchRequest
}

// Searcher queries one provider's search API.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest, token string) (RawResponse, error)
}
