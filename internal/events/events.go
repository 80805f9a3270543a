package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags a published event on the wire.
type Kind string

const (
	KindPrice Kind = "price"
	KindAlert Kind = "alert"
)

// ErrUnknownKind is returned when decoding a payload with an unrecognised type tag.
var ErrUnknownKind = errors.New("events: unknown event type")

// Event is one of PriceTick or AlertFired.
type Event interface {
	Kind() Kind
	isEvent()
}

// PriceTick announces the latest price observed for an asset.
type PriceTick struct {
	AssetID       string
	QuoteCurrency string
	Price         float64
	ObservedAt    time.Time
}

// AlertFired announces a threshold alert crossing.
type AlertFired struct {
	AlertID       int64
	AssetID       string
	QuoteCurrency string
	Operator      string
	Threshold     float64
	Price         float64
	ObservedAt    time.Time
}

func (PriceTick) Kind() Kind  { return KindPrice }
func (AlertFired) Kind() Kind { return KindAlert }

func (PriceTick) isEvent()  {}
func (AlertFired) isEvent() {}

// Publisher hands events to downstream fan-out. Delivery is fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type priceWire struct {
	Type  Kind    `json:"type"`
	ID    string  `json:"id"`
	Vs    string  `json:"vs"`
	Price float64 `json:"price"`
	TS    int64   `json:"ts"`
}

type alertWire struct {
	Type       Kind    `json:"type"`
	ID         int64   `json:"id"`
	CoinID     string  `json:"coin_id"`
	VsCurrency string  `json:"vs_currency"`
	Rule       string  `json:"rule"`
	Value      float64 `json:"value"`
	Price      float64 `json:"price"`
	TS         int64   `json:"ts"`
}

// Encode serialises an event into its transport payload. Timestamps travel as epoch milliseconds.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case PriceTick:
		return json.Marshal(priceWire{
			Type:  KindPrice,
			ID:    e.AssetID,
			Vs:    e.QuoteCurrency,
			Price: e.Price,
			TS:    e.ObservedAt.UnixMilli(),
		})
	case AlertFired:
		return json.Marshal(alertWire{
			Type:       KindAlert,
			ID:         e.AlertID,
			CoinID:     e.AssetID,
			VsCurrency: e.QuoteCurrency,
			Rule:       e.Operator,
			Value:      e.Threshold,
			Price:      e.Price,
			TS:         e.ObservedAt.UnixMilli(),
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, ev)
	}
}

// Decode parses a transport payload back into an event.
func Decode(payload []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case KindPrice:
		var w priceWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode price event: %w", err)
		}
		return PriceTick{
			AssetID:       w.ID,
			QuoteCurrency: w.Vs,
			Price:         w.Price,
			ObservedAt:    time.UnixMilli(w.TS).UTC(),
		}, nil
	case KindAlert:
		var w alertWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode alert event: %w", err)
		}
		return AlertFired{
			AlertID:       w.ID,
			AssetID:       w.CoinID,
			QuoteCurrency: w.VsCurrency,
			Operator:      w.Rule,
			Threshold:     w.Value,
			Price:         w.Price,
			ObservedAt:    time.UnixMilli(w.TS).UTC(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}
}
