package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownOperator is returned for alert operators outside the supported set.
	ErrUnknownOperator = errors.New("storage: unknown alert operator")
	// ErrAlertNotFound indicates a trigger stamp matched no alert row.
	ErrAlertNotFound = errors.New("storage: alert not found")
)

// Operator is the comparison an alert applies to the latest price.
type Operator int

const (
	// OperatorAbove fires when price > threshold.
	OperatorAbove Operator = iota + 1
	// OperatorBelow fires when price < threshold.
	OperatorBelow
)

// ParseOperator accepts both the current (">", "<") and legacy ("above", "below") spellings.
func ParseOperator(raw string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ">", "above":
		return OperatorAbove, nil
	case "<", "below":
		return OperatorBelow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, raw)
	}
}

// Matches reports whether price satisfies the operator against threshold.
// Equality never matches.
func (o Operator) Matches(price, threshold float64) (bool, error) {
	switch o {
	case OperatorAbove:
		return price > threshold, nil
	case OperatorBelow:
		return price < threshold, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrUnknownOperator, int(o))
	}
}

func (o Operator) String() string {
	switch o {
	case OperatorAbove:
		return ">"
	case OperatorBelow:
		return "<"
	default:
		return fmt.Sprintf("Operator(%d)", int(o))
	}
}

// AlertDefinition is the canonical shape of a user alert, owned by the alert store.
type AlertDefinition struct {
	ID              int64
	AssetID         string
	QuoteCurrency   string
	Operator        Operator
	Threshold       float64
	Cooldown        time.Duration
	Active          bool
	LastTriggeredAt *time.Time
}

// InCooldown reports whether the alert fired less than Cooldown before at.
func (a AlertDefinition) InCooldown(at time.Time) bool {
	if a.LastTriggeredAt == nil || a.LastTriggeredAt.IsZero() {
		return false
	}
	return at.Sub(*a.LastTriggeredAt) < a.Cooldown
}

// StoreError wraps an I/O failure against the alert store or the cache store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
