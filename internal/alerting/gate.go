package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
)

// HistoryStore persists cooldown bookkeeping per alert.
type HistoryStore interface {
	GetNotification(ctx context.Context, alertID int64) (*domain.NotificationRecord, error)
	PutNotification(ctx context.Context, record domain.NotificationRecord) error
}

// GatePolicy configures cooldown suppression.
type GatePolicy struct {
	Cooldown time.Duration
	// MinImprovement is a fraction: 0.10 means the price must drop by more than 10%.
	MinImprovement decimal.Decimal
}

// DefaultGatePolicy is a 60 minute cooldown with a 10% improvement bar.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{Cooldown: time.Hour, MinImprovement: decimal.NewFromFloat(0.10)}
}

// Gate decides whether a deal is novel enough to notify.
type Gate struct {
	policy GatePolicy
	store  HistoryStore
}

// NewGate constructs a Gate backed by store.
func NewGate(policy GatePolicy, store HistoryStore) *Gate {
	return &Gate{policy: policy, store: store}
}

// ShouldNotify is the pure decision. A deal with no history always notifies.
// Inside the cooldown window it notifies only if the amount improved by more
// than MinImprovement relative to the last notified amount.
func (g *Gate) ShouldNotify(deal domain.Deal, history *domain.NotificationRecord) bool {
	if history == nil || history.LastNotifiedAt.IsZero() {
		return true
	}
	if deal.FoundAt.Sub(history.LastNotifiedAt) >= g.policy.Cooldown {
		return true
	}
	return g.improved(deal.Offer, *history)
}

func (g *Gate) improved(offer domain.NormalizedOffer, history domain.NotificationRecord) bool {
	if offer.Price.Valid && history.LastNotifiedPrice.Valid && history.LastNotifiedPrice.Decimal.IsPositive() {
		old := history.LastNotifiedPrice.Decimal
		drop := old.Sub(offer.Price.Decimal).Div(old)
		return drop.GreaterThan(g.policy.MinImprovement)
	}
	if offer.Miles.Valid && history.LastNotifiedMiles.Valid && history.LastNotifiedMiles.Int64 > 0 {
		old := decimal.NewFromInt(history.LastNotifiedMiles.Int64)
		drop := old.Sub(decimal.NewFromInt(offer.Miles.Int64)).Div(old)
		return drop.GreaterThan(g.policy.MinImprovement)
	}
	return false
}

// Check loads the alert's history and applies ShouldNotify.
func (g *Gate) Check(ctx context.Context, deal domain.Deal) (bool, error) {
	history, err := g.store.GetNotification(ctx, deal.AlertID)
	if err != nil {
		return false, fmt.Errorf("load notification history: %w", err)
	}
	return g.ShouldNotify(deal, history), nil
}

// Record stores deal as the alert's latest notification.
func (g *Gate) Record(ctx context.Context, deal domain.Deal) error {
	record := domain.NotificationRecord{
		AlertID:           deal.AlertID,
		LastNotifiedAt:    deal.FoundAt,
		LastNotifiedPrice: deal.Offer.Price,
		LastNotifiedMiles: deal.Offer.Miles,
	}
	if err := g.store.PutNotification(ctx, record); err != nil {
		return fmt.Errorf("store notification history: %w", err)
	}
	return nil
}
