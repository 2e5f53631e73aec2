package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flight-deal-alerts/internal/domain"
)

const defaultSearchPath = "/search"

// ClientOptions parameterise a provider search client.
type ClientOptions struct {
	Provider   string
	BaseURL    string
	SearchPath string
	Timeout    time.Duration
	UserAgent  string
	APIKey     string
}

// Client calls a provider's flight/mileage search endpoint.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a search client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.SearchPath == "" {
		opts.SearchPath = defaultSearchPath
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "search_client").Str("provider", opts.Provider).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Search runs one query. 401 maps to domain.ErrUnauthorized; transport
// failures, timeouts and other non-2xx statuses map to domain.ErrNetwork.
func (c *Client) Search(ctx context.Context, req SearchRequest, token string) (RawResponse, error) {
	if c.baseURL == "" {
		return RawResponse{}, fmt.Errorf("%w: %s base url not configured", domain.ErrNetwork, c.opts.Provider)
	}

	params := url.Values{}
	params.Set("origin", req.Origin)
	params.Set("destination", req.Destination)
	params.Set("departureDate", req.Date.Format(domain.DateLayout))
	params.Set("adults", strconv.Itoa(req.Passengers.Adults))
	params.Set("children", strconv.Itoa(req.Passengers.Children))
	params.Set("infants", strconv.Itoa(req.Passengers.Infants))
	params.Set("searchType", string(req.Shape))
	if req.Cabin != "" {
		params.Set("cabin", req.Cabin)
	}

	endpoint := c.baseURL + c.opts.SearchPath + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RawResponse{}, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if c.opts.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.opts.APIKey)
	}

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return RawResponse{}, fmt.Errorf("%w: %s search: %v", domain.ErrNetwork, c.opts.Provider, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawResponse{}, fmt.Errorf("%w: read %s response: %v", domain.ErrNetwork, c.opts.Provider, err)
	}

	c.logger.Debug().
		Str("route", domain.RouteKey(req.Origin, req.Destination)).
		Str("shape", string(req.Shape)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("search completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RawResponse{}, parseHTTPError(c.opts.Provider, resp.StatusCode, payload)
	}

	return RawResponse{
		Provider: c.opts.Provider,
		Shape:    req.Shape,
		Body:     json.RawMessage(payload),
		Request:  req,
	}, nil
}

type errorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(provider string, status int, payload []byte) error {
	kind := domain.ErrNetwork
	if status == http.StatusUnauthorized {
		kind = domain.ErrUnauthorized
	}

	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Error, apiErr.Code} {
			if msg != "" {
				return fmt.Errorf("%w: %s api error (%d): %s", kind, provider, status, msg)
			}
		}
	}
	if body := strings.TrimSpace(string(payload)); body != "" {
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return fmt.Errorf("%w: %s api error (%d): %s", kind, provider, status, body)
	}
	return fmt.Errorf("%w: %s api error (%d)", kind, provider, status)
}

var _ Searcher = (*Client)(nil)
