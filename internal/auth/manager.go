package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"flight-deal-alerts/internal/domain"
)

const (
	defaultSafetyMargin       = 5 * time.Minute
	defaultFallbackRetry      = time.Minute
	defaultMaxRefreshFailures = 3
	defaultTokenLifetime      = time.Hour
)

// Options parameterise a per-provider token manager.
type Options struct {
	Provider           string
	TokenURL           string
	ClientID           string
	ClientSecret       string
	Scope              string
	FallbackToken      string
	SafetyMargin       time.Duration
	FallbackRetry      time.Duration
	MaxRefreshFailures int
	Timeout            time.Duration
	UserAgent          string
	Observer           RefreshObserver
	Now                func() time.Time
}

// RefreshObserver is told about every refresh attempt.
type RefreshObserver interface {
	ObserveTokenRefresh(provider, result string)
}

// Token is the manager's credential state. Callers only ever receive Value.
type Token struct {
	Value                      string
	ExpiresAt                  time.Time
	IsFallback                 bool
	ConsecutiveRefreshFailures int
}

// Manager acquires, caches and refreshes the bearer credential of one provider.
type Manager struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time

	mu              sync.Mutex
	token           Token
	held            bool
	refreshDisabled bool

	group singleflight.Group
}

// NewManager builds a token manager. Refresh is only attempted when both
// TokenURL and ClientID are configured; otherwise the fallback is pinned.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.FallbackRetry <= 0 {
		opts.FallbackRetry = defaultFallbackRetry
	}
	if opts.MaxRefreshFailures <= 0 {
		opts.MaxRefreshFailures = defaultMaxRefreshFailures
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		opts:   opts,
		logger: logger.With().Str("component", "token_manager").Str("provider", opts.Provider).Logger(),
		client: &http.Client{Timeout: opts.Timeout},
		now:    now,
	}
}

// Provider returns the provider this manager serves.
func (m *Manager) Provider() string {
	return m.opts.Provider
}

// Snapshot returns a copy of the current credential state.
func (m *Manager) Snapshot() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// EnsureValid returns a usable credential, refreshing it when it has expired.
// It fails with domain.ErrAuth only when neither refresh nor fallback can supply one.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.Lock()
	if !m.held {
		m.adoptFallbackLocked()
	}
	tok := m.token
	if tok.Value != "" && m.now().Before(tok.ExpiresAt) {
		m.mu.Unlock()
		return tok.Value, nil
	}
	if !m.canRefreshLocked() {
		m.mu.Unlock()
		return m.pinnedFallback()
	}
	m.mu.Unlock()

	return m.refresh(ctx)
}

// ForceRefresh discards the credential the caller saw rejected. When another
// caller has already rotated away from stale, the newer credential is returned
// without another round trip.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if !m.held {
		m.adoptFallbackLocked()
	}
	cur := m.token
	if cur.Value != "" && cur.Value != stale && m.now().Before(cur.ExpiresAt) {
		m.mu.Unlock()
		return cur.Value, nil
	}
	if !m.canRefreshLocked() {
		m.mu.Unlock()
		return m.pinnedFallback()
	}
	m.token.ExpiresAt = time.Time{}
	m.mu.Unlock()

	m.logger.Warn().Msg("credential rejected upstream; forcing refresh")
	return m.refresh(ctx)
}

func (m *Manager) adoptFallbackLocked() {
	m.held = true
	if m.opts.FallbackToken == "" {
		return
	}
	m.token = Token{Value: m.opts.FallbackToken, IsFallback: true}
	if !m.canRefreshLocked() {
		m.logger.Info().Msg("refresh not configured; using static fallback credential")
	}
}

func (m *Manager) canRefreshLocked() bool {
	return !m.refreshDisabled && m.opts.TokenURL != "" && m.opts.ClientID != ""
}

func (m *Manager) pinnedFallback() (string, error) {
	if m.opts.FallbackToken != "" {
		return m.opts.FallbackToken, nil
	}
	return "", fmt.Errorf("%w: %s has neither refresh nor fallback credential", domain.ErrAuth, m.opts.Provider)
}

// refresh runs at most one token request per provider at a time; concurrent
// callers wait for the leader's result.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	ch := m.group.DoChan(m.opts.Provider, func() (interface{}, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: waiting for %s token refresh: %v", domain.ErrNetwork, m.opts.Provider, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.token.Value != "" && m.now().Before(m.token.ExpiresAt) {
		value := m.token.Value
		m.mu.Unlock()
		return value, nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	value, lifetime, reqErr := m.requestToken(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if reqErr != nil {
		failures := m.token.ConsecutiveRefreshFailures + 1
		m.observe("failure")

		event := m.logger.Warn()
		if failures >= m.opts.MaxRefreshFailures {
			m.refreshDisabled = true
			event = m.logger.Error()
		}
		event.Err(reqErr).Int("consecutive_failures", failures).
			Bool("refresh_disabled", m.refreshDisabled).
			Msg("token refresh failed")

		if m.opts.FallbackToken == "" {
			m.token = Token{ConsecutiveRefreshFailures: failures}
			return "", fmt.Errorf("%w: refresh %s token: %v", domain.ErrAuth, m.opts.Provider, reqErr)
		}
		m.token = Token{
			Value:                      m.opts.FallbackToken,
			ExpiresAt:                  now.Add(m.opts.FallbackRetry),
			IsFallback:                 true,
			ConsecutiveRefreshFailures: failures,
		}
		return m.token.Value, nil
	}

	expiresAt := now.Add(lifetime - m.opts.SafetyMargin)
	if lifetime <= m.opts.SafetyMargin {
		expiresAt = now.Add(lifetime / 2)
	}
	m.token = Token{Value: value, ExpiresAt: expiresAt}
	m.observe("success")
	m.logger.Info().Time("expires_at", expiresAt).Msg("token refreshed")
	return value, nil
}

func (m *Manager) observe(result string) {
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveTokenRefresh(m.opts.Provider, result)
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (m *Manager) requestToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.opts.ClientID)
	if m.opts.ClientSecret != "" {
		form.Set("client_secret", m.opts.ClientSecret)
	}
	if m.opts.Scope != "" {
		form.Set("scope", m.opts.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if m.opts.UserAgent != "" {
		req.Header.Set("User-Agent", m.opts.UserAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("send token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	return payload.AccessToken, lifetime, nil
}
