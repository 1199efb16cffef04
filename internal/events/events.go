// Package events publishes ledger events to downstream consumers. The
// ledger is the source of truth: publishing is best effort and never fails
// the operation that produced the event.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event types.
const (
	TradeFilled    = "trade.filled"
	QuoteConfirmed = "quote.confirmed"
	HedgeOpened    = "hedge.opened"
	HedgeReduced   = "hedge.reduced"
	HedgeClosed    = "hedge.closed"
)

// Event is one domain event. Key orders events per entity on partitioned
// transports.
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// New stamps an event with the current time.
func New(typ, key string, payload any) Event {
	return Event{Type: typ, Key: key, Payload: payload, At: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher. All publishers are attempted;
// the joined error reports the ones that failed.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes evt and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		slog.Warn("event publish failed", "type", evt.Type, "key", evt.Key, "err", err)
	}
}
