// Package session owns the cache of live broker sessions. It is the only
// mutable shared structure in the core; every read and write goes through the
// Manager.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"autohub/internal/broker"
	"autohub/internal/logger"
	"autohub/internal/store"
	"autohub/internal/vault"

	"golang.org/x/sync/singleflight"
)

// State tracks the per-connection lifecycle for diagnostics.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateActive        State = "ACTIVE"
	StateExpired       State = "EXPIRED"
	StateLoggedOut     State = "LOGGED_OUT"
	StateFailed        State = "FAILED"
)

type Manager struct {
	store    store.Store
	vault    *vault.Vault
	registry *broker.Registry

	group singleflight.Group

	mu     sync.RWMutex
	cache  map[uint]*broker.Session
	states map[uint]State

	nowFn func() time.Time
}

func NewManager(st store.Store, v *vault.Vault, reg *broker.Registry) *Manager {
	return &Manager{
		store:    st,
		vault:    v,
		registry: reg,
		cache:    make(map[uint]*broker.Session),
		states:   make(map[uint]State),
		nowFn:    time.Now,
	}
}

// GetSession returns the live session for a connection, initializing it on
// first use. Concurrent cold-start callers share a single login probe.
func (m *Manager) GetSession(ctx context.Context, connectionID uint) (*broker.Session, error) {
	if m == nil {
		return nil, fmt.Errorf("session manager not initialized")
	}
	if sess, err, ok := m.cachedSession(connectionID); ok {
		return sess, err
	}

	key := strconv.FormatUint(uint64(connectionID), 10)
	result, err, _ := m.group.Do(key, func() (any, error) {
		// A racing caller may have finished initialization between our cache
		// miss and entering the flight group.
		if sess, cerr, ok := m.cachedSession(connectionID); ok {
			return sess, cerr
		}
		return m.initSession(ctx, connectionID)
	})
	if err != nil {
		return nil, err
	}
	sess, ok := result.(*broker.Session)
	if !ok || sess == nil {
		return nil, &broker.SessionInitError{ConnectionID: connectionID, Err: fmt.Errorf("empty session")}
	}
	return sess, nil
}

// cachedSession resolves the fast path. The third return reports whether the
// cache had an answer (session or expiry error) at all.
func (m *Manager) cachedSession(connectionID uint) (*broker.Session, error, bool) {
	m.mu.RLock()
	sess, ok := m.cache[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	now := m.nowFn()
	if sess.Expired(now) {
		m.mu.Lock()
		delete(m.cache, connectionID)
		m.states[connectionID] = StateExpired
		m.mu.Unlock()
		logger.Warnf("session: connection %d token expired at %s, evicted", connectionID, sess.ExpiresAt.Format(time.RFC3339))
		return nil, &broker.SessionExpiredError{ConnectionID: connectionID, ExpiredAt: sess.ExpiresAt}, true
	}
	return sess, nil, true
}

func (m *Manager) initSession(ctx context.Context, connectionID uint) (*broker.Session, error) {
	rec, found, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, m.fail(connectionID, fmt.Errorf("load connection: %w", err))
	}
	if !found {
		return nil, m.fail(connectionID, fmt.Errorf("connection %d not found", connectionID))
	}
	if !rec.IsActive {
		return nil, m.fail(connectionID, fmt.Errorf("connection %d is inactive", connectionID))
	}

	// Expiry persisted by the out-of-scope auth flow: refuse to touch the
	// network with a token already known to be dead.
	now := m.nowFn()
	if rec.AccessTokenExpiresAt != nil && *rec.AccessTokenExpiresAt > 0 {
		expiresAt := time.Unix(*rec.AccessTokenExpiresAt, 0)
		if now.After(expiresAt) {
			m.setState(connectionID, StateExpired)
			return nil, &broker.SessionExpiredError{ConnectionID: connectionID, ExpiredAt: expiresAt}
		}
	}

	creds, err := m.decryptCredentials(rec)
	if err != nil {
		return nil, m.fail(connectionID, err)
	}

	adapter, err := m.registry.Get(rec.BrokerName)
	if err != nil {
		return nil, m.fail(connectionID, err)
	}

	info, err := adapter.Authenticate(ctx, creds)
	if err != nil {
		return nil, m.fail(connectionID, fmt.Errorf("authenticate: %w", err))
	}

	sess := &broker.Session{
		ConnectionID: connectionID,
		BrokerName:   adapter.Name(),
		Credentials:  creds,
		Token:        info.Token,
		AccountID:    info.AccountID,
		ExpiresAt:    info.ExpiresAt,
	}
	if sess.ExpiresAt.IsZero() && rec.AccessTokenExpiresAt != nil && *rec.AccessTokenExpiresAt > 0 {
		sess.ExpiresAt = time.Unix(*rec.AccessTokenExpiresAt, 0)
	}

	// Synchronous probe: a session that cannot fetch its own profile is not
	// worth caching.
	profile, err := adapter.GetProfile(ctx, sess)
	if err != nil {
		return nil, m.fail(connectionID, fmt.Errorf("probe profile: %w", err))
	}
	if sess.AccountID == "" && profile != nil {
		sess.AccountID = profile.AccountID
	}

	m.mu.Lock()
	m.cache[connectionID] = sess
	m.states[connectionID] = StateActive
	m.mu.Unlock()
	logger.Infof("session: connection %d (%s) active, account=%s", connectionID, sess.BrokerName, sess.AccountID)
	return sess, nil
}

func (m *Manager) decryptCredentials(rec store.ConnectionRecord) (broker.Credentials, error) {
	creds := broker.Credentials{UserID: rec.UserIDBroker}
	var err error
	if rec.APIKeyEnc != "" {
		if creds.APIKey, err = m.vault.Decrypt(rec.APIKeyEnc); err != nil {
			return broker.Credentials{}, fmt.Errorf("decrypt api key: %w", err)
		}
	}
	if rec.APISecretEnc != "" {
		if creds.APISecret, err = m.vault.Decrypt(rec.APISecretEnc); err != nil {
			return broker.Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
		}
	}
	if rec.AccessTokenEnc != "" {
		if creds.AccessToken, err = m.vault.Decrypt(rec.AccessTokenEnc); err != nil {
			return broker.Credentials{}, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	return creds, nil
}

func (m *Manager) fail(connectionID uint, err error) error {
	m.setState(connectionID, StateFailed)
	return &broker.SessionInitError{ConnectionID: connectionID, Err: err}
}

func (m *Manager) setState(connectionID uint, s State) {
	m.mu.Lock()
	m.states[connectionID] = s
	m.mu.Unlock()
}

// Invalidate evicts a cached session. Used on logout and when an adapter
// call surfaces an auth-specific broker error.
func (m *Manager) Invalidate(connectionID uint) {
	if m == nil {
		return
	}
	m.mu.Lock()
	_, had := m.cache[connectionID]
	delete(m.cache, connectionID)
	m.states[connectionID] = StateLoggedOut
	m.mu.Unlock()
	if had {
		logger.Infof("session: connection %d invalidated", connectionID)
	}
}

// InvalidateAll drops every cached session (shutdown path).
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cache = make(map[uint]*broker.Session)
	m.mu.Unlock()
}

// StateOf reports the lifecycle state for diagnostics endpoints.
func (m *Manager) StateOf(connectionID uint) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[connectionID]; ok {
		return s
	}
	return StateUninitialized
}
