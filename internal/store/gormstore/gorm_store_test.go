package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"autohub/internal/broker"
	"autohub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestConnectionRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(6 * time.Hour).Unix()
	id, err := s.UpsertConnection(ctx, store.ConnectionRecord{
		BrokerName:           "Zerodha",
		UserIDBroker:         "AB1234",
		APIKeyEnc:            "enc-key",
		AccessTokenEnc:       "enc-token",
		AccessTokenExpiresAt: &expiry,
		IsActive:             true,
		IsAuthenticated:      true,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	rec, found, err := s.GetConnection(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "zerodha", rec.BrokerName)
	assert.Equal(t, "AB1234", rec.UserIDBroker)
	assert.Equal(t, "enc-key", rec.APIKeyEnc)
	require.NotNil(t, rec.AccessTokenExpiresAt)
	assert.Equal(t, expiry, *rec.AccessTokenExpiresAt)

	t.Run("upsert updates in place", func(t *testing.T) {
		rec.IsActive = false
		id2, err := s.UpsertConnection(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, id, id2)

		got, _, err := s.GetConnection(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
	})

	t.Run("missing connection", func(t *testing.T) {
		_, found, err := s.GetConnection(ctx, 9999)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("broker name required", func(t *testing.T) {
		_, err := s.UpsertConnection(ctx, store.ConnectionRecord{})
		require.Error(t, err)
	})
}

func TestListActiveConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertConnection(ctx, store.ConnectionRecord{BrokerName: "zerodha", IsActive: true})
	require.NoError(t, err)
	_, err = s.UpsertConnection(ctx, store.ConnectionRecord{BrokerName: "dhan", IsActive: false})
	require.NoError(t, err)

	recs, err := s.ListActiveConnections(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "zerodha", recs[0].BrokerName)
}

func seedOrder(t *testing.T, s *GormStore, connID uint, orderID string, status broker.OrderStatus) {
	t.Helper()
	require.NoError(t, s.UpsertTrackedOrder(context.Background(), store.TrackedOrderRecord{
		ConnectionID:  connID,
		BrokerName:    "zerodha",
		BrokerOrderID: orderID,
		Symbol:        "infy",
		Exchange:      "nse",
		Side:          "buy",
		Quantity:      10,
		Status:        status,
		RawResponse:   `{"order_id":"` + orderID + `"}`,
		PlacedAt:      time.Now(),
	}))
}

func TestTrackedOrderUpsertDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrder(t, s, 1, "OID-1", broker.StatusPending)
	seedOrder(t, s, 1, "OID-1", broker.StatusOpen)
	seedOrder(t, s, 2, "OID-1", broker.StatusPending)

	rec, found, err := s.GetTrackedOrder(ctx, 1, "OID-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, broker.StatusOpen, rec.Status)
	assert.Equal(t, "INFY", rec.Symbol)
	assert.Equal(t, "BUY", rec.Side)

	// Same broker order id on a different connection is a distinct row.
	open, err := s.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestUpsertTrackedOrderRequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.UpsertTrackedOrder(context.Background(), store.TrackedOrderRecord{ConnectionID: 1}))
	require.Error(t, s.UpsertTrackedOrder(context.Background(), store.TrackedOrderRecord{BrokerOrderID: "OID"}))
}

func TestUpdateTrackedOrderStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, s, 1, "OID-2", broker.StatusPending)

	require.NoError(t, s.UpdateTrackedOrderStatus(ctx, 1, "OID-2", broker.StatusFilled, "COMPLETE"))
	rec, _, err := s.GetTrackedOrder(ctx, 1, "OID-2")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, rec.Status)
	assert.Equal(t, "COMPLETE", rec.LastKnownBrokerStatus)
	require.NotNil(t, rec.LastPolledAt)

	t.Run("unknown status rejected", func(t *testing.T) {
		require.Error(t, s.UpdateTrackedOrderStatus(ctx, 1, "OID-2", broker.StatusUnknown, "???"))
		require.Error(t, s.UpdateTrackedOrderStatus(ctx, 1, "OID-2", "BOGUS", "???"))
	})

	t.Run("untracked order", func(t *testing.T) {
		err := s.UpdateTrackedOrderStatus(ctx, 1, "NOPE", broker.StatusFilled, "COMPLETE")
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}

func TestRecordPollAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, s, 1, "OID-3", broker.StatusOpen)

	require.NoError(t, s.RecordPollAttempt(ctx, 1, "OID-3", ""))
	require.NoError(t, s.RecordPollAttempt(ctx, 1, "OID-3", ""))

	rec, _, err := s.GetTrackedOrder(ctx, 1, "OID-3")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PollAttemptCount)
	require.NotNil(t, rec.LastPolledAt)
	assert.Equal(t, broker.StatusOpen, rec.Status)

	// A raw broker status rides along without touching the canonical column,
	// and an empty one later does not wipe it.
	require.NoError(t, s.RecordPollAttempt(ctx, 1, "OID-3", "SOMETHING_NEW"))
	require.NoError(t, s.RecordPollAttempt(ctx, 1, "OID-3", ""))
	rec, _, err = s.GetTrackedOrder(ctx, 1, "OID-3")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.PollAttemptCount)
	assert.Equal(t, "SOMETHING_NEW", rec.LastKnownBrokerStatus)
	assert.Equal(t, broker.StatusOpen, rec.Status)
}

func TestListOpenOrdersFiltersTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrder(t, s, 1, "OID-PENDING", broker.StatusPending)
	seedOrder(t, s, 1, "OID-PARTIAL", broker.StatusPartiallyFilled)
	seedOrder(t, s, 1, "OID-FILLED", broker.StatusFilled)
	seedOrder(t, s, 1, "OID-CANCELLED", broker.StatusCancelled)
	seedOrder(t, s, 1, "OID-REJECTED", broker.StatusRejected)

	open, err := s.ListOpenOrders(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, rec := range open {
		ids = append(ids, rec.BrokerOrderID)
	}
	assert.ElementsMatch(t, []string{"OID-PENDING", "OID-PARTIAL"}, ids)
}

func TestListOrdersByConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrder(t, s, 1, "OID-A", broker.StatusFilled)
	seedOrder(t, s, 1, "OID-B", broker.StatusOpen)
	seedOrder(t, s, 2, "OID-C", broker.StatusOpen)

	recs, err := s.ListOrdersByConnection(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.ListOrdersByConnection(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	staleID, err := s.UpsertConnection(ctx, store.ConnectionRecord{
		BrokerName: "zerodha", IsActive: true, IsAuthenticated: true, AccessTokenExpiresAt: &past,
	})
	require.NoError(t, err)
	freshID, err := s.UpsertConnection(ctx, store.ConnectionRecord{
		BrokerName: "dhan", IsActive: true, IsAuthenticated: true, AccessTokenExpiresAt: &future,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteExpiredSessions(ctx))

	stale, _, err := s.GetConnection(ctx, staleID)
	require.NoError(t, err)
	assert.False(t, stale.IsAuthenticated)

	fresh, _, err := s.GetConnection(ctx, freshID)
	require.NoError(t, err)
	assert.True(t, fresh.IsAuthenticated)
}
