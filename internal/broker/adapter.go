package broker

import (
	"context"
	"encoding/json"
)

// Adapter translates canonical requests into one broker's wire dialect and
// classifies that broker's failures into the shared error taxonomy. Adapters
// never decide retry policy; the router and the reconciler do.
type Adapter interface {
	Name() string

	// Authenticate performs the broker-specific login handshake.
	Authenticate(ctx context.Context, creds Credentials) (*SessionInfo, error)

	PlaceOrder(ctx context.Context, sess *Session, req OrderRequest) (*OrderResult, error)

	ModifyOrder(ctx context.Context, sess *Session, brokerOrderID string, req OrderRequest) (*OrderResult, error)

	CancelOrder(ctx context.Context, sess *Session, brokerOrderID string) (*OrderResult, error)

	// GetOrderStatus looks up a single order. Brokers without a single-order
	// endpoint scan the full order book and filter by id.
	GetOrderStatus(ctx context.Context, sess *Session, brokerOrderID string) (*OrderStatusSnapshot, error)

	GetOrders(ctx context.Context, sess *Session) ([]OrderStatusSnapshot, error)

	// GetPositions and GetHoldings return the broker-native payload; the
	// shared normalization in this package maps it to canonical shapes.
	GetPositions(ctx context.Context, sess *Session) (json.RawMessage, error)

	GetHoldings(ctx context.Context, sess *Session) (json.RawMessage, error)

	GetProfile(ctx context.Context, sess *Session) (*Profile, error)

	GetQuotes(ctx context.Context, sess *Session, symbols []string) ([]Quote, error)

	// MapOrderStatus maps the broker's raw status string to the canonical
	// enum. Values outside the table map to StatusUnknown.
	MapOrderStatus(raw string) OrderStatus

	// AllowedExtensions lists the broker-specific extension keys this
	// adapter interprets. Requests carrying other keys are rejected.
	AllowedExtensions() []string
}
