package events

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"medroute/internal/metrics"
)

// Dispatcher fans events out to every configured publisher
type Dispatcher struct {
	publishers []Publisher
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewDispatcher creates a dispatcher over the given publishers
func NewDispatcher(logger *zap.Logger, collector *metrics.Collector, publishers ...Publisher) *Dispatcher {
	return &Dispatcher{
		publishers: publishers,
		logger:     logger.Named("events"),
		metrics:    collector,
	}
}

// Dispatch delivers each event to each publisher. A failing publisher does not stop
// delivery to the others; all failures are returned together.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []Event) error {
	var result error
	for _, event := range batch {
		for _, p := range d.publishers {
			err := p.Publish(ctx, event)
			d.metrics.RecordEventPublish(p.Name(), err)
			if err != nil {
				d.logger.Error("Failed to publish event",
					zap.String("publisher", p.Name()),
					zap.String("event_id", event.ID),
					zap.String("channel", event.Channel),
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
				result = multierr.Append(result, errors.Wrapf(err, "%s: event %s", p.Name(), event.ID))
				continue
			}
			d.logger.Debug("Event published",
				zap.String("publisher", p.Name()),
				zap.String("channel", event.Channel),
				zap.String("kind", string(event.Kind)))
		}
	}
	return result
}
