// Package events provides structured lifecycle-event emission for the
// rotation and delivery pipelines: a fixed set of typed payload structs
// published through a single fan-out point, reduced to this worker's scale —
// no WebSocket transport and no Postgres NOTIFY/LISTEN, since every event
// here is either logged or consumed in-process by pkg/dashboard.
package events

import "time"

// Delivery lifecycle event types, one per DeliveryEngine state transition
// (spec.md section 4.6: "each transition is observable via a structured log
// event").
const (
	TypeDeliveryPrepared    = "delivery.prepared"
	TypeDeliveryPreflighted = "delivery.preflighted"
	TypeDeliverySubmitted   = "delivery.submitted"
	TypeDeliveryVerified    = "delivery.verified"
	TypeDeliveryDone        = "delivery.done"
	TypeDeliveryFailed      = "delivery.failed"
	TypeDeliveryRevoked     = "delivery.revoked"

	TypeRotationSwitched = "rotation.switched"
	TypeRotationHeld     = "rotation.held"
)

// DeliveryPayload is published on every DeliveryEngine state transition.
type DeliveryPayload struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Mech      string    `json:"mech"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RotationPayload is published on every ServiceRotator decision.
type RotationPayload struct {
	Type            string    `json:"type"`
	ServiceConfigID string    `json:"service_config_id"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives events. Implementations must not block the caller for long —
// DeliveryEngine and ServiceRotator publish synchronously on their own
// goroutine.
type Sink interface {
	Delivery(DeliveryPayload)
	Rotation(RotationPayload)
}

// Emitter fans a single event out to any number of registered sinks (e.g. a
// slog-backed logger and pkg/dashboard's event-persisting sink).
type Emitter struct {
	sinks []Sink
}

// NewEmitter builds an Emitter over the given sinks. A nil or empty sinks
// list is valid — events are simply dropped, as during unit tests of
// components that don't exercise event emission.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

func (e *Emitter) Delivery(p DeliveryPayload) {
	for _, s := range e.sinks {
		s.Delivery(p)
	}
}

func (e *Emitter) Rotation(p RotationPayload) {
	for _, s := range e.sinks {
		s.Rotation(p)
	}
}
