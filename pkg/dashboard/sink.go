package dashboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/ridgeline-labs/mechworker/pkg/events"
)

// EventSink adapts Store to events.Sink: persistence here is best-effort,
// matching the IPFS gateway mirror's "log and move on" framing elsewhere in
// this worker, since a dashboard write must never hold up the delivery or
// rotation pipeline it is observing.
type EventSink struct {
	store   *Store
	timeout time.Duration
}

// NewEventSink wraps store as an events.Sink. Each write is given timeout
// to complete (default 5s) before it is abandoned and logged.
func NewEventSink(store *Store, timeout time.Duration) *EventSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventSink{store: store, timeout: timeout}
}

func (s *EventSink) Delivery(p events.DeliveryPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.RecordDelivery(ctx, p); err != nil {
		slog.Warn("dashboard: failed to persist delivery event", "request_id", p.RequestID, "error", err)
	}
}

func (s *EventSink) Rotation(p events.RotationPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.RecordRotation(ctx, p); err != nil {
		slog.Warn("dashboard: failed to persist rotation event", "service_config_id", p.ServiceConfigID, "error", err)
	}
}
