package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed migrations/001_alerts.sql
var alertsSchemaSQL string

const (
	listActiveAlertsSQL = `SELECT
        id,
        coin_id,
        vs_currency,
        type,
        value::text,
        cooldown_sec,
        active,
        last_triggered_at
    FROM alerts
    WHERE active = true
    ORDER BY id;`

	markTriggeredSQL = `UPDATE alerts
    SET last_triggered_at = $2
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore is the read side of the externally managed alert definitions,
// plus the single write the evaluator is allowed: stamping a firing.
type AlertStore interface {
	ListActive(ctx context.Context) ([]AlertDefinition, error)
	MarkTriggered(ctx context.Context, id int64, at time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store reads alert definitions from PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "alert_store").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the alerts schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, alertsSchemaSQL); err != nil {
		return &StoreError{Op: "migrate alerts schema", Err: err}
	}
	return nil
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ListActive returns a snapshot of every active alert. Rows with an operator
// outside the supported set are rejected here and never reach the evaluator.
func (s *Store) ListActive(ctx context.Context) ([]AlertDefinition, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveAlertsSQL)
	if queryErr != nil {
		return nil, &StoreError{Op: "list active alerts", Err: queryErr}
	}
	defer rows.Close()

	alerts := make([]AlertDefinition, 0)
	for rows.Next() {
		var row alertRow
		if err := rows.Scan(
			&row.ID,
			&row.CoinID,
			&row.VsCurrency,
			&row.Type,
			&row.Value,
			&row.CooldownSec,
			&row.Active,
			&row.LastTriggeredAt,
		); err != nil {
			return nil, &StoreError{Op: "scan alert", Err: err}
		}

		def, convErr := row.definition()
		if convErr != nil {
			s.logger.Warn().Err(convErr).Int64("alert_id", row.ID).Msg("rejecting alert definition")
			continue
		}
		alerts = append(alerts, def)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list active alerts", Err: err}
	}
	return alerts, nil
}

// MarkTriggered stamps last_triggered_at for the alert.
func (s *Store) MarkTriggered(ctx context.Context, id int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markTriggeredSQL, id, at.UTC())
	if execErr != nil {
		return &StoreError{Op: "mark alert triggered", Err: execErr}
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("mark alert %d triggered: %w", id, ErrAlertNotFound)
	}
	return nil
}

// alertRow mirrors the alerts table as scanned.
type alertRow struct {
	ID              int64
	CoinID          string
	VsCurrency      string
	Type            string
	Value           string
	CooldownSec     int64
	Active          bool
	LastTriggeredAt *time.Time
}

func (r alertRow) definition() (AlertDefinition, error) {
	op, err := ParseOperator(r.Type)
	if err != nil {
		return AlertDefinition{}, err
	}

	threshold, err := decimal.NewFromString(r.Value)
	if err != nil {
		return AlertDefinition{}, fmt.Errorf("parse threshold: %w", err)
	}
	if r.CooldownSec < 0 {
		return AlertDefinition{}, fmt.Errorf("negative cooldown %d", r.CooldownSec)
	}

	def := AlertDefinition{
		ID:            r.ID,
		AssetID:       strings.ToLower(strings.TrimSpace(r.CoinID)),
		QuoteCurrency: strings.ToLower(strings.TrimSpace(r.VsCurrency)),
		Operator:      op,
		Threshold:     threshold.InexactFloat64(),
		Cooldown:      time.Duration(r.CooldownSec) * time.Second,
		Active:        r.Active,
	}
	if r.LastTriggeredAt != nil {
		last := r.LastTriggeredAt.UTC()
		def.LastTriggeredAt = &last
	}
	return def, nil
}

var _ AlertStore = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
