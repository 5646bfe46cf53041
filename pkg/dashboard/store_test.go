package dashboard

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ridgeline-labs/mechworker/pkg/events"
)

// newTestStore starts a disposable Postgres container, applies migrations
// through NewStore, and registers cleanup. Skipped when Docker isn't
// reachable from the test environment.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("dashboard"),
		tcpostgres.WithUsername("dashboard"),
		tcpostgres.WithPassword("dashboard"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("dashboard: skipping, could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreRecordAndQueryDeliveries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordDelivery(ctx, events.DeliveryPayload{
		Type: events.TypeDeliveryDone, RequestID: "0x1", Mech: "0xmech", TxHash: "0xabc", Timestamp: now,
	}))
	require.NoError(t, store.RecordDelivery(ctx, events.DeliveryPayload{
		Type: events.TypeDeliveryFailed, RequestID: "0x2", Mech: "0xmech", Reason: "boom", Timestamp: now.Add(time.Second),
	}))

	records, err := store.RecentDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "0x2", records[0].RequestID) // newest first
	require.Equal(t, "boom", records[0].Reason)
	require.Equal(t, "0xabc", records[1].TxHash)

	summary, err := store.Summarize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.DeliveriesDone)
	require.Equal(t, 1, summary.DeliveriesFailed)
}

func TestStoreRecordAndQueryRotations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordRotation(ctx, events.RotationPayload{
		Type: events.TypeRotationSwitched, ServiceConfigID: "svc-b", Reason: "eligible", Timestamp: now,
	}))

	records, err := store.RecentRotations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "svc-b", records[0].ServiceConfigID)
	require.Equal(t, "eligible", records[0].Reason)

	summary, err := store.Summarize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Rotations)
}

func TestEventSinkPersistsBestEffort(t *testing.T) {
	store := newTestStore(t)
	sink := NewEventSink(store, time.Second)

	sink.Delivery(events.DeliveryPayload{Type: events.TypeDeliveryDone, RequestID: "0x3", Mech: "0xmech", Timestamp: time.Now()})
	sink.Rotation(events.RotationPayload{Type: events.TypeRotationHeld, ServiceConfigID: "svc-a", Timestamp: time.Now()})

	records, err := store.RecentDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestServerHandlesDeliveriesRotationsAndSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.RecordDelivery(ctx, events.DeliveryPayload{
		Type: events.TypeDeliveryDone, RequestID: "0x1", Mech: "0xmech", Timestamp: now,
	}))
	require.NoError(t, store.RecordRotation(ctx, events.RotationPayload{
		Type: events.TypeRotationSwitched, ServiceConfigID: "svc-a", Timestamp: now,
	}))

	srv := NewServer(store)

	for _, path := range []string{"/api/deliveries", "/api/rotations", "/api/summary"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		srv.Engine().ServeHTTP(rec, req)
		require.Equal(t, 200, rec.Code, path)
		require.Contains(t, rec.Body.String(), `"ok":true`, path)
	}
}
