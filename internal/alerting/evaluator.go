package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"coinwatch/internal/events"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/storage"
)

// RecordingError reports an alert that fired but whose trigger time could not be stored.
// The alert may fire again on the next cycle.
type RecordingError struct {
	AlertID int64
	Err     error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("record trigger for alert %d: %v", e.AlertID, e.Err)
}

func (e *RecordingError) Unwrap() error {
	return e.Err
}

// Evaluator matches the active alert snapshot against a cycle's prices.
type Evaluator struct {
	store  storage.AlertStore
	logger zerolog.Logger
}

// NewEvaluator constructs an Evaluator on store.
func NewEvaluator(store storage.AlertStore, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger.With().Str("component", "alert_evaluator").Logger(),
	}
}

// Evaluate returns the alerts that fire at the given time. A failure to load the
// snapshot is returned with no events. Recording failures are returned joined
// beside the events they did not suppress.
func (e *Evaluator) Evaluate(ctx context.Context, prices fetcher.Prices, quoteCurrency string, at time.Time) ([]events.AlertFired, error) {
	defs, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}

	var (
		fired     []events.AlertFired
		recordErr []error
	)
	for _, def := range defs {
		if !def.Active || def.QuoteCurrency != quoteCurrency {
			continue
		}
		price, ok := prices.Get(def.AssetID, quoteCurrency)
		if !ok {
			continue
		}
		if def.InCooldown(at) {
			continue
		}

		match, err := def.Operator.Matches(price, def.Threshold)
		if err != nil {
			e.logger.Warn().Err(err).Int64("alert_id", def.ID).Msg("skipping alert")
			continue
		}
		if !match {
			continue
		}

		if err := e.store.MarkTriggered(ctx, def.ID, at); err != nil {
			rerr := &RecordingError{AlertID: def.ID, Err: err}
			e.logger.Error().Err(err).Int64("alert_id", def.ID).Msg("alert fired but trigger time not recorded")
			recordErr = append(recordErr, rerr)
		}

		fired = append(fired, events.AlertFired{
			AlertID:       def.ID,
			AssetID:       def.AssetID,
			QuoteCurrency: def.QuoteCurrency,
			Operator:      def.Operator.String(),
			Threshold:     def.Threshold,
			Price:         price,
			ObservedAt:    at,
		})
		e.logger.Info().
			Int64("alert_id", def.ID).
			Str("asset", def.AssetID).
			Str("rule", def.Operator.String()).
			Float64("threshold", def.Threshold).
			Float64("price", price).
			Msg("alert fired")
	}

	return fired, errors.Join(recordErr...)
}

// IsRecordingOnly reports whether err consists solely of RecordingErrors.
func IsRecordingOnly(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if !IsRecordingOnly(inner) {
				return false
			}
		}
		return true
	}
	var rerr *RecordingError
	return errors.As(err, &rerr)
}
