package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"coinwatch/internal/fetcher"
	"coinwatch/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type failingStore struct {
	*storage.MemoryStore
	listErr error
	markErr error
}

func (s *failingStore) ListActive(ctx context.Context) ([]storage.AlertDefinition, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListActive(ctx)
}

func (s *failingStore) MarkTriggered(ctx context.Context, id int64, at time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	return s.MemoryStore.MarkTriggered(ctx, id, at)
}

func btcPrices(p float64) fetcher.Prices {
	prices := fetcher.Prices{}
	prices.Set("bitcoin", "usd", p)
	return prices
}

func alertDef(op storage.Operator, threshold float64, cooldown time.Duration) storage.AlertDefinition {
	return storage.AlertDefinition{
		AssetID:       "bitcoin",
		QuoteCurrency: "usd",
		Operator:      op,
		Threshold:     threshold,
		Cooldown:      cooldown,
		Active:        true,
	}
}

func TestEvaluateStrictOperators(t *testing.T) {
	cases := []struct {
		name  string
		op    storage.Operator
		price float64
		fires bool
	}{
		{name: "above fires", op: storage.OperatorAbove, price: 50001, fires: true},
		{name: "above equal does not fire", op: storage.OperatorAbove, price: 50000, fires: false},
		{name: "below fires", op: storage.OperatorBelow, price: 49999, fires: true},
		{name: "below equal does not fire", op: storage.OperatorBelow, price: 50000, fires: false},
		{name: "above not reached", op: storage.OperatorAbove, price: 49000, fires: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryStore(alertDef(tc.op, 50000, time.Minute))
			fired, err := NewEvaluator(store, testLogger()).Evaluate(context.Background(), btcPrices(tc.price), "usd", t0)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got := len(fired) == 1; got != tc.fires {
				t.Fatalf("fires=%v want %v (%d events)", got, tc.fires, len(fired))
			}
		})
	}
}

func TestEvaluateCooldownBoundary(t *testing.T) {
	last := t0
	def := alertDef(storage.OperatorAbove, 100, 300*time.Second)
	def.LastTriggeredAt = &last

	ev := NewEvaluator(storage.NewMemoryStore(def), testLogger())
	prices := btcPrices(200)

	fired, err := ev.Evaluate(context.Background(), prices, "usd", t0.Add(299*time.Second))
	if err != nil || len(fired) != 0 {
		t.Fatalf("alert should be suppressed at 299s, fired=%d err=%v", len(fired), err)
	}
	fired, err = ev.Evaluate(context.Background(), prices, "usd", t0.Add(301*time.Second))
	if err != nil || len(fired) != 1 {
		t.Fatalf("alert should fire at 301s, fired=%d err=%v", len(fired), err)
	}
}

func TestEvaluateRecordsBeforeEmitting(t *testing.T) {
	store := storage.NewMemoryStore(alertDef(storage.OperatorAbove, 50000, 60*time.Second))
	ev := NewEvaluator(store, testLogger())
	ctx := context.Background()

	fired, err := ev.Evaluate(ctx, btcPrices(51000), "usd", t0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("first cycle should fire once, got %d", len(fired))
	}
	got := fired[0]
	if got.AlertID != 1 || got.Price != 51000 || got.Threshold != 50000 || got.Operator != ">" || !got.ObservedAt.Equal(t0) {
		t.Fatalf("unexpected event %+v", got)
	}
	stored, _ := store.Get(1)
	if stored.LastTriggeredAt == nil || !stored.LastTriggeredAt.Equal(t0) {
		t.Fatalf("trigger time should be stored, got %v", stored.LastTriggeredAt)
	}

	fired, _ = ev.Evaluate(ctx, btcPrices(51000), "usd", t0.Add(30*time.Second))
	if len(fired) != 0 {
		t.Fatalf("second cycle inside cooldown should not fire, got %d", len(fired))
	}

	fired, _ = ev.Evaluate(ctx, btcPrices(51000), "usd", t0.Add(70*time.Second))
	if len(fired) != 1 {
		t.Fatalf("third cycle past cooldown should fire, got %d", len(fired))
	}
}

func TestEvaluateSkipsOtherCurrencyAndMissingPrice(t *testing.T) {
	eur := alertDef(storage.OperatorAbove, 1, 0)
	eur.QuoteCurrency = "eur"
	eth := alertDef(storage.OperatorAbove, 1, 0)
	eth.AssetID = "ethereum"

	store := storage.NewMemoryStore(eur, eth)
	fired, err := NewEvaluator(store, testLogger()).Evaluate(context.Background(), btcPrices(10), "usd", t0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("no alert should fire, got %+v", fired)
	}
}

func TestEvaluateRecordingFailureStillEmits(t *testing.T) {
	markErr := &storage.StoreError{Op: "mark triggered", Err: errors.New("connection reset")}
	store := &failingStore{
		MemoryStore: storage.NewMemoryStore(alertDef(storage.OperatorAbove, 100, time.Minute)),
		markErr:     markErr,
	}

	fired, err := NewEvaluator(store, testLogger()).Evaluate(context.Background(), btcPrices(200), "usd", t0)
	if len(fired) != 1 {
		t.Fatalf("event should be emitted despite recording failure, got %d", len(fired))
	}
	var rerr *RecordingError
	if !errors.As(err, &rerr) || rerr.AlertID != 1 {
		t.Fatalf("expected RecordingError for alert 1, got %v", err)
	}
	var serr *storage.StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("recording error should unwrap to StoreError, got %v", err)
	}
	if !IsRecordingOnly(err) {
		t.Fatal("error should be classified as recording-only")
	}
}

func TestEvaluateListFailureFiresNothing(t *testing.T) {
	listErr := &storage.StoreError{Op: "list active alerts", Err: errors.New("timeout")}
	store := &failingStore{
		MemoryStore: storage.NewMemoryStore(alertDef(storage.OperatorAbove, 100, time.Minute)),
		listErr:     listErr,
	}

	fired, err := NewEvaluator(store, testLogger()).Evaluate(context.Background(), btcPrices(200), "usd", t0)
	if len(fired) != 0 {
		t.Fatalf("no events on load failure, got %d", len(fired))
	}
	var serr *storage.StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("load failure should surface StoreError, got %v", err)
	}
	if IsRecordingOnly(err) {
		t.Fatal("load failure must not be classified as recording-only")
	}
}
