package binance

import (
	"context"
	"errors"
	"testing"

	"autohub/internal/broker"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOrderStatusTable(t *testing.T) {
	a := New()
	cases := map[string]broker.OrderStatus{
		"NEW":              broker.StatusOpen,
		"PARTIALLY_FILLED": broker.StatusPartiallyFilled,
		"FILLED":           broker.StatusFilled,
		"CANCELED":         broker.StatusCancelled,
		"PENDING_CANCEL":   broker.StatusOpen,
		"REJECTED":         broker.StatusRejected,
		"EXPIRED":          broker.StatusCancelled,
		"filled":           broker.StatusFilled,
		"MYSTERY":          broker.StatusUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, a.MapOrderStatus(raw), "raw=%q", raw)
	}
}

func TestOrderIDEncoding(t *testing.T) {
	id := encodeOrderID("BTCUSDT", 28457)
	assert.Equal(t, "BTCUSDT:28457", id)

	symbol, numeric, err := decodeOrderID(id)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, int64(28457), numeric)

	t.Run("missing separator", func(t *testing.T) {
		_, _, err := decodeOrderID("28457")
		var ve *broker.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "order_id", ve.Field)
	})

	t.Run("non numeric id", func(t *testing.T) {
		_, _, err := decodeOrderID("BTCUSDT:abc")
		var ve *broker.ValidationError
		require.ErrorAs(t, err, &ve)
	})
}

func TestMapError(t *testing.T) {
	t.Run("order does not exist", func(t *testing.T) {
		err := mapError(&common.APIError{Code: -2013, Message: "Order does not exist."})
		assert.ErrorIs(t, err, broker.ErrOrderNotFound)
	})

	t.Run("bad api key", func(t *testing.T) {
		err := mapError(&common.APIError{Code: -2014, Message: "API-key format invalid."})
		assert.True(t, broker.IsAuthFailure(err))
	})

	t.Run("clock skew", func(t *testing.T) {
		err := mapError(&common.APIError{Code: -1021, Message: "Timestamp outside of recvWindow."})
		assert.True(t, broker.IsAuthFailure(err))
	})

	t.Run("other api errors are broker rejections", func(t *testing.T) {
		err := mapError(&common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"})
		var be *broker.BrokerError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "-1013", be.Code)
		assert.False(t, broker.IsRetryable(err))
	})

	t.Run("transport failures are retryable", func(t *testing.T) {
		assert.True(t, broker.IsRetryable(mapError(errors.New("connection reset"))))
		assert.True(t, broker.IsRetryable(mapError(context.DeadlineExceeded)))
	})

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, mapError(nil))
	})
}

func TestConfiguredBaseURL(t *testing.T) {
	a := NewWithOptions(Options{BaseURL: "https://testnet.binance.vision/"})
	c := a.clientFor(broker.Credentials{APIKey: "k", APISecret: "s"})
	assert.Equal(t, "https://testnet.binance.vision", c.BaseURL)

	// Clients are cached per key, so the endpoint sticks across calls.
	assert.Same(t, c, a.clientFor(broker.Credentials{APIKey: "k", APISecret: "s"}))
}

func TestModifyOrderUnsupported(t *testing.T) {
	a := New()
	_, err := a.ModifyOrder(context.Background(), &broker.Session{}, "BTCUSDT:1", broker.OrderRequest{})
	var be *broker.BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "UNSUPPORTED", be.Code)
}

func TestAuthenticateRequiresKeyPair(t *testing.T) {
	a := New()
	_, err := a.Authenticate(context.Background(), broker.Credentials{APIKey: "k"})
	assert.True(t, broker.IsAuthFailure(err))
}

func TestTimeInForce(t *testing.T) {
	assert.Equal(t, "IOC", string(timeInForce(broker.ValidityIOC)))
	assert.Equal(t, "GTC", string(timeInForce(broker.ValidityDay)))
	assert.Equal(t, "GTC", string(timeInForce("")))
}
