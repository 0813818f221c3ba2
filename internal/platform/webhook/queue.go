package webhook

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Enqueue when the buffer is saturated.
var ErrQueueFull = errors.New("webhook queue full")

// Queue decouples callers from delivery latency. A single worker drains it.
type Queue struct {
	dispatcher *Dispatcher
	events     chan Event
	logger     zerolog.Logger
}

func NewQueue(d *Dispatcher, size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{dispatcher: d, events: make(chan Event, size), logger: logger}
}

// Enqueue never blocks.
func (q *Queue) Enqueue(event Event) error {
	select {
	case q.events <- event:
		return nil
	default:
		Deliveries.WithLabelValues(event.Type, "dropped").Inc()
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.events); n > 0 {
				q.logger.Warn().Int("pending", n).Msg("webhook queue stopped with undelivered events")
			}
			return
		case ev := <-q.events:
			if _, err := q.dispatcher.Deliver(ctx, ev); err != nil {
				q.logger.Error().Err(err).Str("event_id", ev.ID).Msg("webhook delivery abandoned")
			}
		}
	}
}
