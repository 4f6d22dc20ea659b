// Package eventfeed fans appended domain events out to live subscribers.
// Delivery is best effort: the feed is not a queue and nothing is redelivered.
package eventfeed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

// Subscriber receives every event the dispatcher consumes. The delivery
// context carries the tenant the event was appended under (db.TenantFromContext).
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, e *domainevent.DomainEvent) error
}

// Dispatcher buffers events in a bounded channel and delivers them from a
// single background goroutine. It implements domainevent.Notifier.
type Dispatcher struct {
	events  chan queued
	logger  zerolog.Logger
	mu      sync.RWMutex
	subs    []Subscriber
	dropped atomic.Uint64
}

type queued struct {
	tenant string
	event  *domainevent.DomainEvent
}

func NewDispatcher(buffer int, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Dispatcher{
		events: make(chan queued, buffer),
		logger: logger.With().Str("component", "eventfeed").Logger(),
	}
}

func (d *Dispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, s)
}

// Notify enqueues e without blocking. When the buffer is full the event is
// dropped and counted.
func (d *Dispatcher) Notify(ctx context.Context, e *domainevent.DomainEvent) {
	select {
	case d.events <- queued{tenant: db.TenantFromContext(ctx), event: e}:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn().
			Str("event_id", e.ID.String()).
			Str("event_type", e.EventType).
			Uint64("dropped_total", n).
			Msg("event feed buffer full, dropping event")
	}
}

// Dropped returns how many events Notify has discarded.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run delivers buffered events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-d.events:
			d.dispatch(db.WithTenant(ctx, q.tenant), q.event)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, e *domainevent.DomainEvent) {
	d.mu.RLock()
	subs := make([]Subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		if err := d.deliver(ctx, s, e); err != nil {
			d.logger.Error().Err(err).
				Str("subscriber", s.Name()).
				Str("event_id", e.ID.String()).
				Msg("event delivery failed")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Subscriber, e *domainevent.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.Deliver(ctx, e)
}
