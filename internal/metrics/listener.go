package metrics

import (
	"context"

	"taskpilot/internal/eventbus"
	"taskpilot/pkg/logx"
)

// EventListener counts bus events through a non-blocking tap.
type EventListener struct {
	bus     *eventbus.Bus
	metrics *Metrics
	log     logx.Logger
	buffer  int
}

func NewEventListener(bus *eventbus.Bus, m *Metrics, log logx.Logger) *EventListener {
	return &EventListener{bus: bus, metrics: m, log: log.With(logx.String("comp", "metrics")), buffer: 256}
}

// Run consumes events until ctx is done.
func (l *EventListener) Run(ctx context.Context) error {
	ch, stop := l.bus.Tap(l.buffer)
	defer stop()
	l.log.Debug("metrics event listener started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			l.metrics.Event(ev.Name)
		}
	}
}
