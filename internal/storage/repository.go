package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"flight-deal-alerts/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listDueAlertsSQL = `SELECT
        id,
        owner_id,
        provider,
        origin,
        destination,
        departure_date,
        search_month,
        cabin_class,
        adults,
        children,
        infants,
        max_price::text,
        max_miles,
        is_active,
        last_checked_at
    FROM alerts
    WHERE is_active
      AND (last_checked_at IS NULL OR last_checked_at <= $1)
    ORDER BY last_checked_at NULLS FIRST, id
    LIMIT $2;`

	markCheckedSQL = `UPDATE alerts SET last_checked_at = $2 WHERE id = $1;`

	getNotificationSQL = `SELECT
        alert_id,
        last_notified_at,
        last_notified_price::text,
        last_notified_miles
    FROM notification_history
    WHERE alert_id = $1;`

	putNotificationSQL = `INSERT INTO notification_history (
        alert_id,
        last_notified_at,
        last_notified_price,
        last_notified_miles
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (alert_id) DO UPDATE
    SET
        last_notified_at    = EXCLUDED.last_notified_at,
        last_notified_price = EXCLUDED.last_notified_price,
        last_notified_miles = EXCLUDED.last_notified_miles;`

	insertObservationSQL = `INSERT INTO offer_observations (
        observed_at,
        alert_id,
        provider,
        origin,
        destination,
        departure_date,
        price,
        miles,
        currency,
        cabin_class,
        fare_label,
        available_seats,
        is_promo,
        is_best_of_period
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    );`

	observationColumns = `id,
        observed_at,
        alert_id,
        provider,
        origin,
        destination,
        departure_date,
        price::text,
        miles,
        currency,
        cabin_class,
        fare_label,
        available_seats,
        is_promo,
        is_best_of_period`

	listObservationsBetweenSQL = `SELECT ` + observationColumns + `
    FROM offer_observations
    WHERE origin = $1
      AND destination = $2
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at, departure_date;`

	listRecentObservationsSQL = `SELECT ` + observationColumns + `
    FROM offer_observations
    ORDER BY observed_at DESC, id DESC
    LIMIT $1;`

	deleteObservationsBeforeSQL = `DELETE FROM offer_observations WHERE observed_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertRepository loads due alerts and records check times.
type AlertRepository interface {
	ListDueAlerts(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Alert, error)
	MarkChecked(ctx context.Context, alertID int64, at time.Time) error
}

// ObservationStore persists normalized offers for statistics and export.
type ObservationStore interface {
	InsertObservations(ctx context.Context, observations []OfferObservation) error
	ListObservationsBetween(ctx context.Context, origin, destination string, from, to time.Time) ([]OfferObservation, error)
	ListRecentObservations(ctx context.Context, limit int) ([]OfferObservation, error)
	DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alerts, notification history and observations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListDueAlerts returns active alerts never checked or last checked at or before dueBefore.
func (s *Store) ListDueAlerts(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDueAlertsSQL, dueBefore.UTC(), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list due alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0, limit)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// MarkChecked records when an alert was last processed.
func (s *Store) MarkChecked(ctx context.Context, alertID int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markCheckedSQL, alertID, at)
	if execErr != nil {
		return fmt.Errorf("mark alert checked: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetNotification returns the alert's cooldown record, or nil when it has never notified.
func (s *Store) GetNotification(ctx context.Context, alertID int64) (*domain.NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		rec   domain.NotificationRecord
		price *string
		miles sql.NullInt64
	)
	scanErr := pool.QueryRow(ctx, getNotificationSQL, alertID).Scan(&rec.AlertID, &rec.LastNotifiedAt, &price, &miles)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("get notification history: %w", scanErr)
	}

	rec.LastNotifiedPrice, err = parseNullDecimal(price)
	if err != nil {
		return nil, fmt.Errorf("parse last notified price: %w", err)
	}
	rec.LastNotifiedMiles = miles
	return &rec, nil
}

// PutNotification upserts the alert's cooldown record.
func (s *Store) PutNotification(ctx context.Context, rec domain.NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, putNotificationSQL,
		rec.AlertID,
		rec.LastNotifiedAt,
		nullDecimalArg(rec.LastNotifiedPrice),
		nullInt64Arg(rec.LastNotifiedMiles),
	)
	if execErr != nil {
		return fmt.Errorf("put notification history: %w", execErr)
	}
	return nil
}

// InsertObservations writes a cycle's offers in one batch.
func (s *Store) InsertObservations(ctx context.Context, observations []OfferObservation) error {
	if len(observations) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, o := range observations {
		batch.Queue(insertObservationSQL,
			o.ObservedAt,
			o.AlertID,
			o.Provider,
			o.Origin,
			o.Destination,
			o.DepartureDate,
			nullDecimalArg(o.Price),
			nullInt64Arg(o.Miles),
			o.Currency,
			o.CabinClass,
			o.FareLabel,
			o.AvailableSeats,
			o.IsPromo,
			o.IsBestOfPeriod,
		)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert observations: %w", err)
	}
	return nil
}

// ListObservationsBetween lists a route's observations within a time window.
func (s *Store) ListObservationsBetween(ctx context.Context, origin, destination string, from, to time.Time) ([]OfferObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, origin, destination, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	return collectObservations(rows, 0)
}

// ListRecentObservations lists the newest observations first.
func (s *Store) ListRecentObservations(ctx context.Context, limit int) ([]OfferObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentObservationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent observations: %w", queryErr)
	}
	defer rows.Close()

	return collectObservations(rows, limit)
}

// DeleteObservationsBefore prunes historical observations.
func (s *Store) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteObservationsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete observations before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func scanAlert(rows pgx.Rows) (domain.Alert, error) {
	var (
		alert         domain.Alert
		departureDate *time.Time
		searchMonth   *time.Time
		cabin         *string
		maxPrice      *string
		maxMiles      sql.NullInt64
		lastChecked   *time.Time
	)

	if err := rows.Scan(
		&alert.ID,
		&alert.OwnerID,
		&alert.Provider,
		&alert.Origin,
		&alert.Destination,
		&departureDate,
		&searchMonth,
		&cabin,
		&alert.Passengers.Adults,
		&alert.Passengers.Children,
		&alert.Passengers.Infants,
		&maxPrice,
		&maxMiles,
		&alert.Active,
		&lastChecked,
	); err != nil {
		return domain.Alert{}, fmt.Errorf("scan alert: %w", err)
	}

	price, err := parseNullDecimal(maxPrice)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("parse max price of alert %d: %w", alert.ID, err)
	}

	alert.DepartureDate = departureDate
	alert.SearchMonth = searchMonth
	alert.MaxPrice = price
	alert.MaxMiles = maxMiles
	alert.LastCheckedAt = lastChecked
	if cabin != nil {
		alert.CabinClass = *cabin
	}
	return alert, nil
}

func collectObservations(rows pgx.Rows, capacity int) ([]OfferObservation, error) {
	observations := make([]OfferObservation, 0, capacity)
	for rows.Next() {
		var (
			o     OfferObservation
			price *string
		)
		if err := rows.Scan(
			&o.ID,
			&o.ObservedAt,
			&o.AlertID,
			&o.Provider,
			&o.Origin,
			&o.Destination,
			&o.DepartureDate,
			&price,
			&o.Miles,
			&o.Currency,
			&o.CabinClass,
			&o.FareLabel,
			&o.AvailableSeats,
			&o.IsPromo,
			&o.IsBestOfPeriod,
		); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}

		var err error
		o.Price, err = parseNullDecimal(price)
		if err != nil {
			return nil, fmt.Errorf("parse observation price: %w", err)
		}
		observations = append(observations, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimalArg(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullInt64Arg(v sql.NullInt64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

var (
	_ AlertRepository  = (*Store)(nil)
	_ ObservationStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
