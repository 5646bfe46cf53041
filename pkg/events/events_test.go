package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	deliveries []DeliveryPayload
	rotations  []RotationPayload
}

func (r *recordingSink) Delivery(p DeliveryPayload) { r.deliveries = append(r.deliveries, p) }
func (r *recordingSink) Rotation(p RotationPayload) { r.rotations = append(r.rotations, p) }

func TestEmitterFansOutToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	e := NewEmitter(a, b)

	e.Delivery(DeliveryPayload{Type: TypeDeliveryDone, RequestID: "0x1", Timestamp: time.Now()})
	e.Rotation(RotationPayload{Type: TypeRotationSwitched, ServiceConfigID: "svc-a"})

	require := assert.New(t)
	require.Len(a.deliveries, 1)
	require.Len(b.deliveries, 1)
	require.Len(a.rotations, 1)
	require.Equal("svc-a", a.rotations[0].ServiceConfigID)
}

func TestEmitterWithNoSinksDoesNotPanic(t *testing.T) {
	e := NewEmitter()
	assert.NotPanics(t, func() {
		e.Delivery(DeliveryPayload{Type: TypeDeliveryDone})
		e.Rotation(RotationPayload{Type: TypeRotationHeld})
	})
}
