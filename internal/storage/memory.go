package storage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"flight-deal-alerts/internal/domain"
)

const defaultMemoryHistorySize = 4096

// MemoryHistory keeps cooldown records in a bounded LRU. Records are lost on
// restart, so the first match after a restart always notifies.
type MemoryHistory struct {
	cache *lru.Cache[int64, domain.NotificationRecord]
}

// NewMemoryHistory builds an in-process history store holding up to size alerts.
func NewMemoryHistory(size int) (*MemoryHistory, error) {
	if size <= 0 {
		size = defaultMemoryHistorySize
	}
	cache, err := lru.New[int64, domain.NotificationRecord](size)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &MemoryHistory{cache: cache}, nil
}

// GetNotification returns a copy of the alert's record, or nil.
func (m *MemoryHistory) GetNotification(ctx context.Context, alertID int64) (*domain.NotificationRecord, error) {
	rec, ok := m.cache.Get(alertID)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// PutNotification stores the alert's record.
func (m *MemoryHistory) PutNotification(ctx context.Context, record domain.NotificationRecord) error {
	m.cache.Add(record.AlertID, record)
	return nil
}

// Len reports how many alerts have history.
func (m *MemoryHistory) Len() int {
	return m.cache.Len()
}
