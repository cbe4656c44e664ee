// Package brokertest provides a scriptable Adapter for tests.
package brokertest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"autohub/internal/broker"
)

// FakeAdapter implements broker.Adapter with per-call hooks. Unset hooks
// return permissive defaults.
type FakeAdapter struct {
	BrokerName string
	Extensions []string

	AuthenticateFn   func(creds broker.Credentials) (*broker.SessionInfo, error)
	PlaceOrderFn     func(req broker.OrderRequest) (*broker.OrderResult, error)
	GetOrderStatusFn func(brokerOrderID string) (*broker.OrderStatusSnapshot, error)
	GetPositionsFn   func() (json.RawMessage, error)
	GetHoldingsFn    func() (json.RawMessage, error)

	authCalls   atomic.Int64
	placeCalls  atomic.Int64
	statusCalls atomic.Int64

	mu          sync.Mutex
	lastRequest broker.OrderRequest
}

func (f *FakeAdapter) Name() string {
	if f.BrokerName == "" {
		return "fake"
	}
	return f.BrokerName
}

func (f *FakeAdapter) AllowedExtensions() []string { return f.Extensions }

func (f *FakeAdapter) Authenticate(_ context.Context, creds broker.Credentials) (*broker.SessionInfo, error) {
	f.authCalls.Add(1)
	if f.AuthenticateFn != nil {
		return f.AuthenticateFn(creds)
	}
	return &broker.SessionInfo{Token: "fake-token", AccountID: "FAKE1"}, nil
}

func (f *FakeAdapter) PlaceOrder(_ context.Context, _ *broker.Session, req broker.OrderRequest) (*broker.OrderResult, error) {
	f.placeCalls.Add(1)
	f.mu.Lock()
	f.lastRequest = req
	f.mu.Unlock()
	if f.PlaceOrderFn != nil {
		return f.PlaceOrderFn(req)
	}
	return &broker.OrderResult{Success: true, OrderID: "FAKE-1", Raw: json.RawMessage(`{"order_id":"FAKE-1"}`)}, nil
}

func (f *FakeAdapter) ModifyOrder(_ context.Context, _ *broker.Session, brokerOrderID string, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{Success: true, OrderID: brokerOrderID}, nil
}

func (f *FakeAdapter) CancelOrder(_ context.Context, _ *broker.Session, brokerOrderID string) (*broker.OrderResult, error) {
	return &broker.OrderResult{Success: true, OrderID: brokerOrderID}, nil
}

func (f *FakeAdapter) GetOrderStatus(_ context.Context, _ *broker.Session, brokerOrderID string) (*broker.OrderStatusSnapshot, error) {
	f.statusCalls.Add(1)
	if f.GetOrderStatusFn != nil {
		return f.GetOrderStatusFn(brokerOrderID)
	}
	return &broker.OrderStatusSnapshot{BrokerOrderID: brokerOrderID, RawStatus: "OPEN", Status: broker.StatusOpen}, nil
}

func (f *FakeAdapter) GetOrders(_ context.Context, _ *broker.Session) ([]broker.OrderStatusSnapshot, error) {
	return nil, nil
}

func (f *FakeAdapter) GetPositions(_ context.Context, _ *broker.Session) (json.RawMessage, error) {
	if f.GetPositionsFn != nil {
		return f.GetPositionsFn()
	}
	return json.RawMessage(`[]`), nil
}

func (f *FakeAdapter) GetHoldings(_ context.Context, _ *broker.Session) (json.RawMessage, error) {
	if f.GetHoldingsFn != nil {
		return f.GetHoldingsFn()
	}
	return json.RawMessage(`[]`), nil
}

func (f *FakeAdapter) GetProfile(_ context.Context, _ *broker.Session) (*broker.Profile, error) {
	return &broker.Profile{AccountID: "FAKE1", BrokerName: f.Name()}, nil
}

func (f *FakeAdapter) GetQuotes(_ context.Context, _ *broker.Session, symbols []string) ([]broker.Quote, error) {
	quotes := make([]broker.Quote, 0, len(symbols))
	for _, s := range symbols {
		quotes = append(quotes, broker.Quote{Symbol: s, LastPrice: 100})
	}
	return quotes, nil
}

func (f *FakeAdapter) MapOrderStatus(raw string) broker.OrderStatus {
	switch raw {
	case "OPEN":
		return broker.StatusOpen
	case "FILLED":
		return broker.StatusFilled
	default:
		return broker.StatusUnknown
	}
}

func (f *FakeAdapter) AuthCalls() int64   { return f.authCalls.Load() }
func (f *FakeAdapter) PlaceCalls() int64  { return f.placeCalls.Load() }
func (f *FakeAdapter) StatusCalls() int64 { return f.statusCalls.Load() }

// LastRequest returns the most recent placement request.
func (f *FakeAdapter) LastRequest() broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

var _ broker.Adapter = (*FakeAdapter)(nil)
