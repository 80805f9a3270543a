package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coinwatch/internal/config"
)

func TestParseOperator(t *testing.T) {
	cases := map[string]Operator{
		">":     OperatorAbove,
		"above": OperatorAbove,
		" <":    OperatorBelow,
		"BELOW": OperatorBelow,
	}
	for raw, want := range cases {
		got, err := ParseOperator(raw)
		if err != nil {
			t.Fatalf("ParseOperator(%q) failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseOperator(%q) = %s, want %s", raw, got, want)
		}
	}

	for _, raw := range []string{"percent_change", ">=", ""} {
		if _, err := ParseOperator(raw); !errors.Is(err, ErrUnknownOperator) {
			t.Fatalf("ParseOperator(%q) should reject, got %v", raw, err)
		}
	}
}

func TestOperatorMatches(t *testing.T) {
	cases := []struct {
		op    Operator
		price float64
		want  bool
	}{
		{OperatorAbove, 100.0, false},
		{OperatorAbove, 100.01, true},
		{OperatorAbove, 99.99, false},
		{OperatorBelow, 100.0, false},
		{OperatorBelow, 99.99, true},
		{OperatorBelow, 100.01, false},
	}
	for _, tc := range cases {
		got, err := tc.op.Matches(tc.price, 100)
		if err != nil {
			t.Fatalf("Matches returned error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("%s %.2f vs 100: got %v want %v", tc.op, tc.price, got, tc.want)
		}
	}

	if _, err := Operator(0).Matches(1, 0); !errors.Is(err, ErrUnknownOperator) {
		t.Fatalf("zero operator must not match silently, got %v", err)
	}
}

func TestInCooldown(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	def := AlertDefinition{Cooldown: 300 * time.Second}
	if def.InCooldown(t0) {
		t.Fatal("never-triggered alert cannot be in cooldown")
	}
	def.LastTriggeredAt = &t0
	if !def.InCooldown(t0.Add(299 * time.Second)) {
		t.Fatal("299s after firing should be suppressed")
	}
	if def.InCooldown(t0.Add(300 * time.Second)) {
		t.Fatal("cooldown elapsed exactly should not suppress")
	}
	if def.InCooldown(t0.Add(301 * time.Second)) {
		t.Fatal("301s after firing should not be suppressed")
	}
}

func TestAlertRowDefinition(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	row := alertRow{
		ID:              7,
		CoinID:          " Bitcoin ",
		VsCurrency:      "USD",
		Type:            "above",
		Value:           "50000.50",
		CooldownSec:     60,
		Active:          true,
		LastTriggeredAt: &last,
	}

	def, err := row.definition()
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if def.AssetID != "bitcoin" || def.QuoteCurrency != "usd" {
		t.Fatalf("identifiers not normalised: %+v", def)
	}
	if def.Operator != OperatorAbove || def.Threshold != 50000.5 {
		t.Fatalf("operator/threshold mismatch: %+v", def)
	}
	if def.Cooldown != time.Minute {
		t.Fatalf("cooldown mismatch: %s", def.Cooldown)
	}
	if def.LastTriggeredAt == nil || !def.LastTriggeredAt.Equal(last) {
		t.Fatalf("last triggered mismatch: %v", def.LastTriggeredAt)
	}

	row.Type = "percent_change"
	if _, err := row.definition(); !errors.Is(err, ErrUnknownOperator) {
		t.Fatalf("percent_change should be rejected at the boundary, got %v", err)
	}

	row.Type = ">"
	row.Value = "abc"
	if _, err := row.definition(); err == nil {
		t.Fatal("non-numeric threshold should be rejected")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(
		AlertDefinition{AssetID: "bitcoin", QuoteCurrency: "usd", Operator: OperatorAbove, Threshold: 1, Active: true},
		AlertDefinition{AssetID: "ethereum", QuoteCurrency: "usd", Operator: OperatorBelow, Threshold: 1, Active: false},
	)

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].AssetID != "bitcoin" {
		t.Fatalf("only active alerts expected, got %+v", active)
	}

	at := time.Now()
	if err := store.MarkTriggered(ctx, active[0].ID, at); err != nil {
		t.Fatalf("mark triggered: %v", err)
	}
	got, _ := store.Get(active[0].ID)
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(at) {
		t.Fatalf("trigger stamp not stored: %+v", got)
	}

	// the snapshot handed out earlier must not observe the write
	if active[0].LastTriggeredAt != nil {
		t.Fatal("snapshot mutated by MarkTriggered")
	}

	if err := store.MarkTriggered(ctx, 999, at); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("unknown id should report not found, got %v", err)
	}
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.ListActive(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil store should report ErrNotConfigured, got %v", err)
	}
}

func TestStorePostgresIntegration(t *testing.T) {
	dsn := os.Getenv("COINWATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("COINWATCH_TEST_DSN not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	store := NewStore(pool, zerolog.Nop())
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var id int64
	if err := pool.QueryRow(ctx,
		`INSERT INTO alerts (coin_id, vs_currency, type, value, cooldown_sec) VALUES ('bitcoin','usd','>',50000,60) RETURNING id`,
	).Scan(&id); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	defer func() {
		_, _ = pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	}()

	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.MarkTriggered(ctx, id, at); err != nil {
		t.Fatalf("mark triggered: %v", err)
	}

	alerts, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	for _, a := range alerts {
		if a.ID != id {
			continue
		}
		if a.LastTriggeredAt == nil || !a.LastTriggeredAt.Equal(at) {
			t.Fatalf("trigger stamp not visible to next snapshot: %+v", a)
		}
		return
	}
	t.Fatalf("seeded alert %d missing from active snapshot", id)
}
