// Package store declares the persistence contract consumed by the core. The
// core never assumes a concrete database beyond this interface.
package store

import (
	"context"
	"time"

	"autohub/internal/broker"
)

// ConnectionRecord mirrors one broker_connections row. Credential columns
// hold vault ciphertext only.
type ConnectionRecord struct {
	ID                   uint
	BrokerName           string
	UserIDBroker         string
	APIKeyEnc            string
	APISecretEnc         string
	AccessTokenEnc       string
	AccessTokenExpiresAt *int64 // epoch seconds; nil when broker reports no expiry
	IsActive             bool
	IsAuthenticated      bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TrackedOrderRecord is a persisted order under reconciliation. Only the
// reconciler mutates status after placement.
type TrackedOrderRecord struct {
	ID                    int64
	ConnectionID          uint
	BrokerName            string
	BrokerOrderID         string
	Symbol                string
	Exchange              string
	Side                  string
	Quantity              int
	Status                broker.OrderStatus
	LastKnownBrokerStatus string
	LastPolledAt          *time.Time
	PollAttemptCount      int
	RawResponse           string
	PlacedAt              time.Time
	UpdatedAt             time.Time
}

type Store interface {
	GetConnection(ctx context.Context, id uint) (ConnectionRecord, bool, error)

	ListActiveConnections(ctx context.Context) ([]ConnectionRecord, error)

	UpsertConnection(ctx context.Context, rec ConnectionRecord) (uint, error)

	// ListOpenOrders returns every tracked order in a non-terminal status.
	ListOpenOrders(ctx context.Context) ([]TrackedOrderRecord, error)

	GetTrackedOrder(ctx context.Context, connectionID uint, brokerOrderID string) (TrackedOrderRecord, bool, error)

	UpsertTrackedOrder(ctx context.Context, rec TrackedOrderRecord) error

	// UpdateTrackedOrderStatus persists a reconciliation transition together
	// with the raw broker status for diagnostics.
	UpdateTrackedOrderStatus(ctx context.Context, connectionID uint, brokerOrderID string, status broker.OrderStatus, rawStatus string) error

	// RecordPollAttempt bumps poll_attempt_count and last_polled_at without
	// touching the canonical status column. A non-empty rawStatus also
	// refreshes last_known_broker_status, which is how unmapped broker
	// statuses stay visible for diagnosis.
	RecordPollAttempt(ctx context.Context, connectionID uint, brokerOrderID string, rawStatus string) error

	ListOrdersByConnection(ctx context.Context, connectionID uint, limit int) ([]TrackedOrderRecord, error)

	// DeleteExpiredSessions clears the authenticated flag on connections
	// whose access token expiry has passed.
	DeleteExpiredSessions(ctx context.Context) error

	Close() error
}
