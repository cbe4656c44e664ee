// Package storetest provides an in-memory Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autohub/internal/broker"
	"autohub/internal/store"
)

type MemStore struct {
	mu          sync.Mutex
	connections map[uint]store.ConnectionRecord
	orders      map[string]store.TrackedOrderRecord
	nextConnID  uint
	closed      bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		connections: make(map[uint]store.ConnectionRecord),
		orders:      make(map[string]store.TrackedOrderRecord),
		nextConnID:  1,
	}
}

func orderKey(connectionID uint, brokerOrderID string) string {
	return fmt.Sprintf("%d:%s", connectionID, brokerOrderID)
}

func (s *MemStore) GetConnection(_ context.Context, id uint) (store.ConnectionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connections[id]
	return rec, ok, nil
}

func (s *MemStore) ListActiveConnections(_ context.Context) ([]store.ConnectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ConnectionRecord
	for _, rec := range s.connections {
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore) UpsertConnection(_ context.Context, rec store.ConnectionRecord) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = s.nextConnID
		s.nextConnID++
	} else if rec.ID >= s.nextConnID {
		s.nextConnID = rec.ID + 1
	}
	s.connections[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemStore) ListOpenOrders(_ context.Context) ([]store.TrackedOrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TrackedOrderRecord
	for _, rec := range s.orders {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemStore) GetTrackedOrder(_ context.Context, connectionID uint, brokerOrderID string) (store.TrackedOrderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[orderKey(connectionID, brokerOrderID)]
	return rec, ok, nil
}

func (s *MemStore) UpsertTrackedOrder(_ context.Context, rec store.TrackedOrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(rec.ConnectionID, rec.BrokerOrderID)
	if existing, ok := s.orders[key]; ok {
		rec.ID = existing.ID
		rec.PollAttemptCount = existing.PollAttemptCount
	} else {
		rec.ID = int64(len(s.orders) + 1)
	}
	rec.UpdatedAt = time.Now()
	s.orders[key] = rec
	return nil
}

func (s *MemStore) UpdateTrackedOrderStatus(_ context.Context, connectionID uint, brokerOrderID string, status broker.OrderStatus, rawStatus string) error {
	if !status.Valid() || status == broker.StatusUnknown {
		return fmt.Errorf("不能写入状态 %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(connectionID, brokerOrderID)
	rec, ok := s.orders[key]
	if !ok {
		return fmt.Errorf("order %s not tracked", key)
	}
	rec.Status = status
	rec.LastKnownBrokerStatus = rawStatus
	rec.UpdatedAt = time.Now()
	s.orders[key] = rec
	return nil
}

func (s *MemStore) RecordPollAttempt(_ context.Context, connectionID uint, brokerOrderID string, rawStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(connectionID, brokerOrderID)
	rec, ok := s.orders[key]
	if !ok {
		return fmt.Errorf("order %s not tracked", key)
	}
	now := time.Now()
	rec.PollAttemptCount++
	rec.LastPolledAt = &now
	if rawStatus != "" {
		rec.LastKnownBrokerStatus = rawStatus
	}
	s.orders[key] = rec
	return nil
}

func (s *MemStore) ListOrdersByConnection(_ context.Context, connectionID uint, limit int) ([]store.TrackedOrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TrackedOrderRecord
	for _, rec := range s.orders {
		if rec.ConnectionID == connectionID {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) DeleteExpiredSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	for id, rec := range s.connections {
		if rec.AccessTokenExpiresAt != nil && *rec.AccessTokenExpiresAt < now {
			rec.IsAuthenticated = false
			s.connections[id] = rec
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PollAttempts reports the recorded poll count for assertions.
func (s *MemStore) PollAttempts(connectionID uint, brokerOrderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[orderKey(connectionID, brokerOrderID)].PollAttemptCount
}

var _ store.Store = (*MemStore)(nil)
