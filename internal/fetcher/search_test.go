package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flight-deal-alerts/internal/domain"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func sampleRequest() SearchRequest {
	return SearchRequest{
		Provider:    "smiles",
		Origin:      "EZE",
		Destination: "MIA",
		Date:        time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC),
		Shape:       ShapeCalendar,
		Cabin:       "ECONOMY",
		Passengers:  domain.Passengers{Adults: 2, Children: 1},
	}
}

func TestSearchMissingBaseURL(t *testing.T) {
	c := NewClient(ClientOptions{Provider: "smiles"}, noopLogger())
	if _, err := c.Search(context.Background(), sampleRequest(), "tok"); !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("missing base url should be a network error, got %v", err)
	}
}

func TestSearchSendsQueryAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization header %q", got)
		}
		q := r.URL.Query()
		if q.Get("origin") != "EZE" || q.Get("destination") != "MIA" || q.Get("departureDate") != "2026-11-03" {
			t.Errorf("unexpected route params %v", q)
		}
		if q.Get("adults") != "2" || q.Get("children") != "1" || q.Get("infants") != "0" || q.Get("searchType") != "calendar" {
			t.Errorf("unexpected passenger params %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"calendar": map[string]any{}})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Provider: "smiles", BaseURL: srv.URL + "/", SearchPath: "/v1/search", Timeout: time.Second}, noopLogger())
	raw, err := c.Search(context.Background(), sampleRequest(), "tok")
	if err != nil {
		t.Fatalf("search should succeed: %v", err)
	}
	if raw.Shape != ShapeCalendar || raw.Provider != "smiles" || len(raw.Body) == 0 {
		t.Fatalf("unexpected raw response: %+v", raw)
	}
}

func TestSearchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "token expired"})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Provider: "smiles", BaseURL: srv.URL}, noopLogger())
	_, err := c.Search(context.Background(), sampleRequest(), "tok")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("401 should map to ErrUnauthorized, got %v", err)
	}
}

func TestSearchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Provider: "smiles", BaseURL: srv.URL}, noopLogger())
	_, err := c.Search(context.Background(), sampleRequest(), "tok")
	if !errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("502 should map to ErrNetwork, got %v", err)
	}
}

func TestSearchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Provider: "smiles", BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, noopLogger())
	_, err := c.Search(context.Background(), sampleRequest(), "tok")
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("timeout should map to ErrNetwork, got %v", err)
	}
}

func TestNewSearchRequestResolvesShape(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	date := time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)
	month := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)

	base := domain.Alert{Provider: "smiles", Origin: "eze", Destination: "mia", Passengers: domain.Passengers{Adults: 1}}

	flexible := NewSearchRequest(base, now)
	if flexible.Shape != ShapeCalendar || !flexible.Date.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("flexible search should start today with calendar shape: %+v", flexible)
	}
	if flexible.Origin != "EZE" {
		t.Fatalf("origin should be upper-cased, got %s", flexible.Origin)
	}

	specific := base
	specific.DepartureDate = &date
	if req := NewSearchRequest(specific, now); req.Shape != ShapeBranded || !req.Date.Equal(date) {
		t.Fatalf("specific search should use branded shape: %+v", req)
	}

	monthly := base
	monthly.SearchMonth = &month
	if req := NewSearchRequest(monthly, now); req.Shape != ShapeCalendar || req.Date.Day() != 1 || req.Date.Month() != time.December {
		t.Fatalf("month search should start on the first: %+v", req)
	}
}
