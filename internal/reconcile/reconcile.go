// Package reconcile keeps tracked orders in sync with broker truth. Every
// non-terminal order gets its own cancellable poll loop; the database row is
// the durable record, the loop map is just runtime state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autohub/internal/broker"
	"autohub/internal/logger"
	"autohub/internal/session"
	"autohub/internal/store"
)

const (
	DefaultPollInterval = 15 * time.Second

	// After this many consecutive transient failures the loop keeps polling
	// but escalates the log level.
	transientWarnThreshold = 3
)

type Config struct {
	PollInterval time.Duration
}

type Service struct {
	store    store.Store
	registry *broker.Registry
	sessions *session.Manager
	interval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	baseCtx context.Context
	started bool

	wg sync.WaitGroup
}

func NewService(st store.Store, reg *broker.Registry, sessions *session.Manager, cfg Config) *Service {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Service{
		store:    st,
		registry: reg,
		sessions: sessions,
		interval: interval,
		cancels:  make(map[string]context.CancelFunc),
	}
}

func loopKey(connectionID uint, orderID string) string {
	return fmt.Sprintf("%d:%s", connectionID, orderID)
}

// Start resumes polling for every non-terminal order found in the store.
// Called once at boot; rows left over from a previous run are picked up here.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("reconcile service not initialized")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("reconcile service already started")
	}
	s.baseCtx = ctx
	s.started = true
	s.mu.Unlock()

	orders, err := s.store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, rec := range orders {
		s.TrackNewOrder(rec.ConnectionID, rec.BrokerOrderID)
	}
	logger.Infof("reconcile: resumed polling for %d open orders", len(orders))
	return nil
}

// TrackNewOrder registers a poll loop for one order. Duplicate registration
// for an order already being polled is a no-op.
func (s *Service) TrackNewOrder(connectionID uint, brokerOrderID string) {
	if s == nil {
		return
	}
	key := loopKey(connectionID, brokerOrderID)
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		logger.Warnf("reconcile: TrackNewOrder(%s) before Start, ignored", key)
		return
	}
	if _, exists := s.cancels[key]; exists {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(s.baseCtx)
	s.cancels[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(loopCtx, connectionID, brokerOrderID)
}

// StopPolling cancels the loop for one order (fill, cancel, fail-stop).
func (s *Service) StopPolling(connectionID uint, brokerOrderID string) {
	key := loopKey(connectionID, brokerOrderID)
	s.mu.Lock()
	cancel, ok := s.cancels[key]
	if ok {
		delete(s.cancels, key)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAllPolling cancels every loop and waits for them to drain.
func (s *Service) StopAllPolling() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	logger.Infof("reconcile: stopped %d poll loops", len(cancels))
}

// ActiveLoops reports how many orders are currently being polled.
func (s *Service) ActiveLoops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

func (s *Service) pollLoop(ctx context.Context, connectionID uint, brokerOrderID string) {
	defer s.wg.Done()
	defer s.StopPolling(connectionID, brokerOrderID)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	transientFailures := 0
	for {
		// First poll runs immediately so a fast fill is caught without
		// waiting a full interval.
		done := s.pollOnce(ctx, connectionID, brokerOrderID, &transientFailures)
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce performs a single reconciliation pass. It returns true when the
// loop should stop (terminal status or fail-stop).
func (s *Service) pollOnce(ctx context.Context, connectionID uint, brokerOrderID string, transientFailures *int) bool {
	rec, found, err := s.store.GetTrackedOrder(ctx, connectionID, brokerOrderID)
	if err != nil {
		logger.Errorf("reconcile: load order %d/%s: %v", connectionID, brokerOrderID, err)
		return false
	}
	if !found {
		logger.Warnf("reconcile: order %d/%s no longer tracked, stopping", connectionID, brokerOrderID)
		return true
	}
	if rec.Status.Terminal() {
		return true
	}

	snap, err := s.fetchStatus(ctx, connectionID, brokerOrderID)
	if err != nil {
		return s.handlePollError(ctx, rec, err, transientFailures)
	}
	*transientFailures = 0

	if snap.Status == broker.StatusUnknown {
		logger.Warnf("reconcile: order %d/%s broker status %q has no canonical mapping", connectionID, brokerOrderID, snap.RawStatus)
		// The canonical column stays put; the raw value lands verbatim so an
		// operator can see what the broker actually said.
		if perr := s.store.RecordPollAttempt(ctx, connectionID, brokerOrderID, snap.RawStatus); perr != nil {
			logger.Errorf("reconcile: record poll attempt: %v", perr)
		}
		return false
	}

	if snap.Status != rec.Status || snap.RawStatus != rec.LastKnownBrokerStatus {
		if uerr := s.store.UpdateTrackedOrderStatus(ctx, connectionID, brokerOrderID, snap.Status, snap.RawStatus); uerr != nil {
			logger.Errorf("reconcile: persist status %s for %d/%s: %v", snap.Status, connectionID, brokerOrderID, uerr)
			return false
		}
		logger.Infof("reconcile: order %d/%s %s -> %s (broker %q, filled=%d avg=%.2f)",
			connectionID, brokerOrderID, rec.Status, snap.Status, snap.RawStatus, snap.FilledQuantity, snap.AveragePrice)
	}
	if perr := s.store.RecordPollAttempt(ctx, connectionID, brokerOrderID, ""); perr != nil {
		logger.Errorf("reconcile: record poll attempt: %v", perr)
	}
	return snap.Status.Terminal()
}

func (s *Service) fetchStatus(ctx context.Context, connectionID uint, brokerOrderID string) (*broker.OrderStatusSnapshot, error) {
	sess, err := s.sessions.GetSession(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(sess.BrokerName)
	if err != nil {
		return nil, err
	}
	return adapter.GetOrderStatus(ctx, sess, brokerOrderID)
}

// handlePollError applies the failure policy: vanished orders fail-stop as
// REJECTED, auth failures invalidate the session and retry, everything else
// is transient and counted.
func (s *Service) handlePollError(ctx context.Context, rec store.TrackedOrderRecord, err error, transientFailures *int) bool {
	if errors.Is(err, broker.ErrOrderNotFound) {
		logger.Warnf("reconcile: order %d/%s not known to broker, marking REJECTED", rec.ConnectionID, rec.BrokerOrderID)
		if uerr := s.store.UpdateTrackedOrderStatus(ctx, rec.ConnectionID, rec.BrokerOrderID, broker.StatusRejected, "NOT_FOUND"); uerr != nil {
			logger.Errorf("reconcile: persist REJECTED for %d/%s: %v", rec.ConnectionID, rec.BrokerOrderID, uerr)
		}
		return true
	}
	if broker.IsAuthFailure(err) {
		s.sessions.Invalidate(rec.ConnectionID)
	}

	*transientFailures++
	if perr := s.store.RecordPollAttempt(ctx, rec.ConnectionID, rec.BrokerOrderID, ""); perr != nil {
		logger.Errorf("reconcile: record poll attempt: %v", perr)
	}
	if *transientFailures >= transientWarnThreshold {
		logger.Warnf("reconcile: order %d/%s poll failed %d times in a row: %v",
			rec.ConnectionID, rec.BrokerOrderID, *transientFailures, err)
	} else {
		logger.Debugf("reconcile: order %d/%s poll failed: %v", rec.ConnectionID, rec.BrokerOrderID, err)
	}
	return false
}
