package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"coinwatch/internal/alerting"
	"coinwatch/internal/cache"
	"coinwatch/internal/config"
	"coinwatch/internal/events"
	"coinwatch/internal/fetcher"
	"coinwatch/internal/scheduler"
	"coinwatch/internal/storage"
)

// Service runs the poll cycle: fetch, evaluate alerts, cache and publish.
type Service struct {
	scheduler *scheduler.Scheduler
	quotes    fetcher.QuoteFetcher
	evaluator *alerting.Evaluator
	prices    cache.PriceCache
	publisher events.Publisher
	notifier  alerting.Notifier
	logger    zerolog.Logger

	assets        []string
	quoteCurrency string
	locker        storage.AdvisoryLocker
	lockKey       int64
	now           func() time.Time
}

// New constructs the polling service. locker and notifier may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, quotes fetcher.QuoteFetcher, evaluator *alerting.Evaluator, prices cache.PriceCache, publisher events.Publisher, notifier alerting.Notifier, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = alerting.NopNotifier{}
	}
	assets := make([]string, len(cfg.Market.Assets))
	copy(assets, cfg.Market.Assets)

	return &Service{
		scheduler:     sched,
		quotes:        quotes,
		evaluator:     evaluator,
		prices:        prices,
		publisher:     publisher,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		assets:        assets,
		quoteCurrency: cfg.Market.QuoteCurrency,
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
		now:           time.Now,
	}
}

// Run begins the poll loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle executes one poll cycle scheduled at the given time.
func (s *Service) ProcessCycle(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, at)
}

func (s *Service) executeCycle(ctx context.Context, at time.Time) error {
	prices, err := s.quotes.FetchPrices(ctx, s.assets, s.quoteCurrency)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}
	observedAt := s.now().UTC()

	fired, err := s.evaluator.Evaluate(ctx, prices, s.quoteCurrency, observedAt)
	if err != nil && !alerting.IsRecordingOnly(err) {
		return fmt.Errorf("evaluate alerts: %w", err)
	}
	recordErr := err

	for _, alert := range fired {
		if err := s.publisher.Publish(ctx, alert); err != nil {
			s.logger.Warn().Err(err).Int64("alert_id", alert.AlertID).Msg("failed to publish alert event")
		}
	}
	for _, alert := range fired {
		if err := s.notifier.Notify(ctx, alert); err != nil {
			s.logger.Error().Err(err).Int64("alert_id", alert.AlertID).Msg("failed to dispatch alert")
		}
	}

	written := 0
	for _, asset := range s.assets {
		price, ok := prices.Get(asset, s.quoteCurrency)
		if !ok {
			s.logger.Debug().Str("asset", asset).Msg("no price this cycle")
			continue
		}
		if _, err := s.prices.Put(ctx, asset, s.quoteCurrency, price, observedAt); err != nil {
			return errors.Join(fmt.Errorf("cache price %s/%s: %w", asset, s.quoteCurrency, err), recordErr)
		}
		written++

		tick := events.PriceTick{AssetID: asset, QuoteCurrency: s.quoteCurrency, Price: price, ObservedAt: observedAt}
		if err := s.publisher.Publish(ctx, tick); err != nil {
			s.logger.Warn().Err(err).Str("asset", asset).Msg("failed to publish price event")
		}
	}

	s.logger.Info().
		Time("tick", at).
		Int("prices", written).
		Int("alerts", len(fired)).
		Msg("cycle complete")

	return recordErr
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
