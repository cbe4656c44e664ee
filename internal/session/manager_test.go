package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"autohub/internal/broker"
	"autohub/internal/broker/brokertest"
	"autohub/internal/store"
	"autohub/internal/store/storetest"
	"autohub/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVaultKey = "0123456789abcdef0123456789abcdef"

type fixture struct {
	store   *storetest.MemStore
	vault   *vault.Vault
	adapter *brokertest.FakeAdapter
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New(testVaultKey)
	require.NoError(t, err)

	adapter := &brokertest.FakeAdapter{BrokerName: "fake"}
	reg := broker.NewRegistry()
	require.NoError(t, reg.Register(adapter))

	st := storetest.NewMemStore()
	return &fixture{
		store:   st,
		vault:   v,
		adapter: adapter,
		manager: NewManager(st, v, reg),
	}
}

func (f *fixture) seedConnection(t *testing.T, mutate func(*store.ConnectionRecord)) uint {
	t.Helper()
	keyEnc, err := f.vault.Encrypt("api-key")
	require.NoError(t, err)
	tokenEnc, err := f.vault.Encrypt("access-token")
	require.NoError(t, err)
	rec := store.ConnectionRecord{
		BrokerName:     "fake",
		UserIDBroker:   "U100",
		APIKeyEnc:      keyEnc,
		AccessTokenEnc: tokenEnc,
		IsActive:       true,
	}
	if mutate != nil {
		mutate(&rec)
	}
	id, err := f.store.UpsertConnection(context.Background(), rec)
	require.NoError(t, err)
	return id
}

func TestGetSessionInitializesOnce(t *testing.T) {
	f := newFixture(t)
	id := f.seedConnection(t, nil)

	sess, err := f.manager.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ConnectionID)
	assert.Equal(t, "fake", sess.BrokerName)
	assert.Equal(t, "api-key", sess.Credentials.APIKey)
	assert.Equal(t, "access-token", sess.Credentials.AccessToken)
	assert.Equal(t, StateActive, f.manager.StateOf(id))

	// Second call hits the cache.
	again, err := f.manager.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.EqualValues(t, 1, f.adapter.AuthCalls())
}

func TestConcurrentColdStartSharesOneLogin(t *testing.T) {
	f := newFixture(t)
	id := f.seedConnection(t, nil)

	f.adapter.AuthenticateFn = func(creds broker.Credentials) (*broker.SessionInfo, error) {
		time.Sleep(20 * time.Millisecond)
		return &broker.SessionInfo{Token: creds.AccessToken, AccountID: "U100"}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.GetSession(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.adapter.AuthCalls())
}

func TestGetSessionUnknownConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.GetSession(context.Background(), 999)
	var sie *broker.SessionInitError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, uint(999), sie.ConnectionID)
	assert.Equal(t, StateFailed, f.manager.StateOf(999))
}

func TestGetSessionInactiveConnection(t *testing.T) {
	f := newFixture(t)
	id := f.seedConnection(t, func(rec *store.ConnectionRecord) {
		rec.IsActive = false
	})
	_, err := f.manager.GetSession(context.Background(), id)
	var sie *broker.SessionInitError
	require.ErrorAs(t, err, &sie)
	assert.EqualValues(t, 0, f.adapter.AuthCalls())
}

func TestPersistedExpirySkipsNetwork(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour).Unix()
	id := f.seedConnection(t, func(rec *store.ConnectionRecord) {
		rec.AccessTokenExpiresAt = &past
	})

	_, err := f.manager.GetSession(context.Background(), id)
	var see *broker.SessionExpiredError
	require.ErrorAs(t, err, &see)
	assert.EqualValues(t, 0, f.adapter.AuthCalls())
	assert.Equal(t, StateExpired, f.manager.StateOf(id))
}

func TestCachedSessionExpiresMidFlight(t *testing.T) {
	f := newFixture(t)
	id := f.seedConnection(t, nil)

	expiry := time.Now().Add(time.Hour)
	f.adapter.AuthenticateFn = func(creds broker.Credentials) (*broker.SessionInfo, error) {
		return &broker.SessionInfo{Token: creds.AccessToken, AccountID: "U100", ExpiresAt: expiry}, nil
	}

	_, err := f.manager.GetSession(context.Background(), id)
	require.NoError(t, err)

	// Jump the clock past the token expiry.
	f.manager.nowFn = func() time.Time { return expiry.Add(time.Minute) }
	_, err = f.manager.GetSession(context.Background(), id)
	var see *broker.SessionExpiredError
	require.ErrorAs(t, err, &see)
	assert.True(t, broker.IsAuthFailure(err))
	assert.Equal(t, StateExpired, f.manager.StateOf(id))
}

func TestInvalidateForcesReauth(t *testing.T) {
	f := newFixture(t)
	id := f.seedConnection(t, nil)

	_, err := f.manager.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.adapter.AuthCalls())

	f.manager.Invalidate(id)
	assert.Equal(t, StateLoggedOut, f.manager.StateOf(id))

	_, err = f.manager.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.adapter.AuthCalls())
}

func TestAuthFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	id := f.seedConnection(t, nil)

	f.adapter.AuthenticateFn = func(broker.Credentials) (*broker.SessionInfo, error) {
		return nil, &broker.AuthError{Broker: "fake", Reason: "token revoked"}
	}

	_, err := f.manager.GetSession(context.Background(), id)
	var sie *broker.SessionInitError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, StateFailed, f.manager.StateOf(id))
}
