// Package router dispatches canonical order operations to the right broker
// adapter and owns the cross-cutting policy around each call: validation,
// per-broker circuit breaking, session invalidation on auth failures, and
// handing new orders to the reconciler.
package router

import (
	"context"
	"fmt"
	"sync"

	"autohub/internal/broker"
	"autohub/internal/logger"
	"autohub/internal/pkg/circuit"
	"autohub/internal/reconcile"
	"autohub/internal/session"
	"autohub/internal/store"

	"golang.org/x/sync/errgroup"
)

// aggregationConcurrency caps the fan-out when reading many connections.
const aggregationConcurrency = 8

type Router struct {
	registry   *broker.Registry
	sessions   *session.Manager
	store      store.Store
	reconciler *reconcile.Service

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

func New(reg *broker.Registry, sessions *session.Manager, st store.Store, rec *reconcile.Service) *Router {
	return &Router{
		registry:   reg,
		sessions:   sessions,
		store:      st,
		reconciler: rec,
		breakers:   make(map[string]*circuit.Breaker),
	}
}

// PositionReport is the result of a multi-connection position fan-out.
// Failures are reported per connection instead of failing the whole read.
type PositionReport struct {
	Positions []broker.Position `json:"positions"`
	Errors    map[uint]string   `json:"errors,omitempty"`
}

type HoldingReport struct {
	Holdings []broker.Holding `json:"holdings"`
	Errors   map[uint]string  `json:"errors,omitempty"`
}

func (r *Router) breakerFor(brokerName string) *circuit.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[brokerName]; ok {
		return b
	}
	b := circuit.NewBreaker(brokerName, 0, 0)
	r.breakers[brokerName] = b
	return b
}

// adapterFor resolves the adapter from the stored connection row alone, so
// request validation can run before any session init touches the network.
func (r *Router) adapterFor(ctx context.Context, connectionID uint) (broker.Adapter, error) {
	rec, found, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &broker.SessionInitError{ConnectionID: connectionID, Err: fmt.Errorf("connection %d not found", connectionID)}
	}
	return r.registry.Get(rec.BrokerName)
}

// resolve yields the session and adapter for a connection.
func (r *Router) resolve(ctx context.Context, connectionID uint) (*broker.Session, broker.Adapter, error) {
	sess, err := r.sessions.GetSession(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := r.registry.Get(sess.BrokerName)
	if err != nil {
		return nil, nil, err
	}
	return sess, adapter, nil
}

// observe updates breaker state and evicts the session on auth failures.
func (r *Router) observe(connectionID uint, brokerName string, err error) {
	b := r.breakerFor(brokerName)
	if err == nil {
		b.RecordSuccess()
		return
	}
	if broker.IsRetryable(err) {
		b.RecordFailure()
	}
	if broker.IsAuthFailure(err) {
		r.sessions.Invalidate(connectionID)
	}
}

func (r *Router) guard(brokerName string) error {
	if !r.breakerFor(brokerName).Allow() {
		return &broker.NetworkError{Broker: brokerName, Err: fmt.Errorf("熔断器打开, 暂停对 %s 的请求", brokerName)}
	}
	return nil
}

// PlaceOrder validates, dispatches, persists the tracked order as PENDING and
// registers it with the reconciler.
func (r *Router) PlaceOrder(ctx context.Context, connectionID uint, req broker.OrderRequest) (*broker.OrderResult, error) {
	// A malformed order must die here, before session init or any other
	// broker traffic.
	adapter, err := r.adapterFor(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := broker.ValidateOrderRequest(req, adapter.AllowedExtensions()); err != nil {
		return nil, err
	}
	if err := r.guard(adapter.Name()); err != nil {
		return nil, err
	}
	sess, err := r.sessions.GetSession(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	result, err := adapter.PlaceOrder(ctx, sess, req)
	r.observe(connectionID, sess.BrokerName, err)
	if err != nil {
		return nil, err
	}

	rec := store.TrackedOrderRecord{
		ConnectionID:  connectionID,
		BrokerName:    sess.BrokerName,
		BrokerOrderID: result.OrderID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		Status:        broker.StatusPending,
		RawResponse:   string(result.Raw),
		PlacedAt:      result.Timestamp,
	}
	if err := r.store.UpsertTrackedOrder(ctx, rec); err != nil {
		// The broker accepted the order; losing the local row must not roll
		// that back. Surface it loudly and keep going.
		logger.Errorf("router: persist tracked order %d/%s failed: %v", connectionID, result.OrderID, err)
	} else {
		r.reconciler.TrackNewOrder(connectionID, result.OrderID)
	}
	logger.Infof("router: placed %s %s x%d on %s, connection %d, order %s",
		req.Side, req.Symbol, req.Quantity, sess.BrokerName, connectionID, result.OrderID)
	return result, nil
}

func (r *Router) ModifyOrder(ctx context.Context, connectionID uint, orderID string, req broker.OrderRequest) (*broker.OrderResult, error) {
	adapter, err := r.adapterFor(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := broker.ValidateOrderRequest(req, adapter.AllowedExtensions()); err != nil {
		return nil, err
	}
	if err := r.guard(adapter.Name()); err != nil {
		return nil, err
	}
	sess, err := r.sessions.GetSession(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	result, err := adapter.ModifyOrder(ctx, sess, orderID, req)
	r.observe(connectionID, sess.BrokerName, err)
	if err != nil {
		return nil, err
	}
	logger.Infof("router: modified order %s on %s, connection %d", orderID, sess.BrokerName, connectionID)
	return result, nil
}

// CancelOrder asks the broker to cancel; the final CANCELLED status lands
// through the reconciler poll, not here.
func (r *Router) CancelOrder(ctx context.Context, connectionID uint, orderID string) (*broker.OrderResult, error) {
	sess, adapter, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := r.guard(sess.BrokerName); err != nil {
		return nil, err
	}
	result, err := adapter.CancelOrder(ctx, sess, orderID)
	r.observe(connectionID, sess.BrokerName, err)
	if err != nil {
		return nil, err
	}
	logger.Infof("router: cancelled order %s on %s, connection %d", orderID, sess.BrokerName, connectionID)
	return result, nil
}

// OrderStatus reads live broker truth for one order.
func (r *Router) OrderStatus(ctx context.Context, connectionID uint, orderID string) (*broker.OrderStatusSnapshot, error) {
	sess, adapter, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	snap, err := adapter.GetOrderStatus(ctx, sess, orderID)
	r.observe(connectionID, sess.BrokerName, err)
	return snap, err
}

// TrackedOrders reads the persisted order log for a connection.
func (r *Router) TrackedOrders(ctx context.Context, connectionID uint, limit int) ([]store.TrackedOrderRecord, error) {
	return r.store.ListOrdersByConnection(ctx, connectionID, limit)
}

func (r *Router) GetQuotes(ctx context.Context, connectionID uint, symbols []string) ([]broker.Quote, error) {
	sess, adapter, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := r.guard(sess.BrokerName); err != nil {
		return nil, err
	}
	quotes, err := adapter.GetQuotes(ctx, sess, symbols)
	r.observe(connectionID, sess.BrokerName, err)
	return quotes, err
}

// LiveOrders reads the broker's own order book for a connection.
func (r *Router) LiveOrders(ctx context.Context, connectionID uint) ([]broker.OrderStatusSnapshot, error) {
	sess, adapter, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := r.guard(sess.BrokerName); err != nil {
		return nil, err
	}
	snaps, err := adapter.GetOrders(ctx, sess)
	r.observe(connectionID, sess.BrokerName, err)
	return snaps, err
}

// AggregatedPositions fans out across connections and merges normalized
// positions. One bad connection degrades to an entry in Errors.
func (r *Router) AggregatedPositions(ctx context.Context, connectionIDs []uint) (*PositionReport, error) {
	report := &PositionReport{Positions: []broker.Position{}, Errors: map[uint]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregationConcurrency)
	for _, id := range connectionIDs {
		connectionID := id
		g.Go(func() error {
			positions, err := r.positionsFor(gctx, connectionID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors[connectionID] = err.Error()
				return nil
			}
			report.Positions = append(report.Positions, positions...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report, nil
}

func (r *Router) positionsFor(ctx context.Context, connectionID uint) ([]broker.Position, error) {
	sess, adapter, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := r.guard(sess.BrokerName); err != nil {
		return nil, err
	}
	raw, err := adapter.GetPositions(ctx, sess)
	r.observe(connectionID, sess.BrokerName, err)
	if err != nil {
		return nil, err
	}
	return broker.NormalizePositions(raw, sess.BrokerName, connectionID), nil
}

func (r *Router) AggregatedHoldings(ctx context.Context, connectionIDs []uint) (*HoldingReport, error) {
	report := &HoldingReport{Holdings: []broker.Holding{}, Errors: map[uint]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregationConcurrency)
	for _, id := range connectionIDs {
		connectionID := id
		g.Go(func() error {
			holdings, err := r.holdingsFor(gctx, connectionID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors[connectionID] = err.Error()
				return nil
			}
			report.Holdings = append(report.Holdings, holdings...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report, nil
}

func (r *Router) holdingsFor(ctx context.Context, connectionID uint) ([]broker.Holding, error) {
	sess, adapter, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := r.guard(sess.BrokerName); err != nil {
		return nil, err
	}
	raw, err := adapter.GetHoldings(ctx, sess)
	r.observe(connectionID, sess.BrokerName, err)
	if err != nil {
		return nil, err
	}
	return broker.NormalizeHoldings(raw, sess.BrokerName, connectionID), nil
}

// ActiveConnectionIDs lists the ids eligible for aggregation.
func (r *Router) ActiveConnectionIDs(ctx context.Context) ([]uint, error) {
	recs, err := r.store.ListActiveConnections(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}
