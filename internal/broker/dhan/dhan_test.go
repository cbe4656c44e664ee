package dhan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autohub/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() *broker.Session {
	return &broker.Session{
		ConnectionID: 2,
		BrokerName:   Name,
		Credentials:  broker.Credentials{AccessToken: "jwt-token"},
		Token:        "jwt-token",
		AccountID:    "1100003626",
	}
}

func TestMapOrderStatusTable(t *testing.T) {
	a := New()
	cases := map[string]broker.OrderStatus{
		"TRANSIT":     broker.StatusPending,
		"PENDING":     broker.StatusOpen,
		"TRADED":      broker.StatusFilled,
		"part_traded": broker.StatusPartiallyFilled,
		"REJECTED":    broker.StatusRejected,
		"EXPIRED":     broker.StatusCancelled,
		"WHATEVER":    broker.StatusUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, a.MapOrderStatus(raw), "raw=%q", raw)
	}
}

func TestPlaceOrderRequiresSecurityID(t *testing.T) {
	a := New()
	_, err := a.PlaceOrder(context.Background(), testSession(), broker.OrderRequest{
		Symbol:    "TCS",
		Exchange:  "NSE",
		Side:      broker.SideBuy,
		Quantity:  5,
		OrderType: broker.OrderTypeMarket,
		Product:   broker.ProductDelivery,
	})
	var ve *broker.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "extensions.security_id", ve.Field)
}

func TestPlaceOrder(t *testing.T) {
	var gotToken string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		gotToken = r.Header.Get("access-token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(`{"orderId":"112111182045","orderStatus":"TRANSIT"}`))
	}))
	defer srv.Close()

	a := NewWithBaseURL(srv.URL)
	result, err := a.PlaceOrder(context.Background(), testSession(), broker.OrderRequest{
		Symbol:     "TCS",
		Exchange:   "NSE",
		Side:       broker.SideBuy,
		Quantity:   5,
		OrderType:  broker.OrderTypeLimit,
		Product:    broker.ProductIntraday,
		Price:      3345.8,
		Validity:   broker.ValidityDay,
		Extensions: map[string]string{"security_id": "11536"},
	})
	require.NoError(t, err)
	assert.Equal(t, "112111182045", result.OrderID)
	assert.Equal(t, "TRANSIT", result.Metadata["broker_status"])

	assert.Equal(t, "jwt-token", gotToken)
	assert.Equal(t, "1100003626", gotPayload["dhanClientId"])
	assert.Equal(t, "NSE_EQ", gotPayload["exchangeSegment"])
	assert.Equal(t, "INTRADAY", gotPayload["productType"])
	assert.Equal(t, "11536", gotPayload["securityId"])
	assert.Equal(t, float64(5), gotPayload["quantity"])
}

func TestErrorClassification(t *testing.T) {
	t.Run("DH-901 is auth failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errorCode":"DH-901","errorType":"Invalid_Authentication","errorMessage":"Client ID or user generated access token is invalid"}`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		_, err := a.GetProfile(context.Background(), testSession())
		require.Error(t, err)
		assert.True(t, broker.IsAuthFailure(err))
	})

	t.Run("order rejection is broker error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errorCode":"DH-905","errorType":"Input_Exception","errorMessage":"Missing required fields"}`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		_, err := a.GetOrders(context.Background(), testSession())
		var be *broker.BrokerError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "DH-905", be.Code)
	})

	t.Run("missing order maps to sentinel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		_, err := a.GetOrderStatus(context.Background(), testSession(), "gone")
		assert.ErrorIs(t, err, broker.ErrOrderNotFound)
	})

	t.Run("404 off order routes is not a vanished order", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errorCode":"DH-907","errorMessage":"Route not found"}`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		_, err := a.GetProfile(context.Background(), testSession())
		require.Error(t, err)
		assert.NotErrorIs(t, err, broker.ErrOrderNotFound)
	})

	t.Run("503 html is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`<html>maintenance</html>`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		_, err := a.GetProfile(context.Background(), testSession())
		require.Error(t, err)
		assert.True(t, broker.IsRetryable(err))
	})

	t.Run("500 with error envelope is still retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"errorCode":"DH-500","errorMessage":"Internal server error"}`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		_, err := a.GetProfile(context.Background(), testSession())
		require.Error(t, err)
		assert.True(t, broker.IsRetryable(err))
		var be *broker.BrokerError
		assert.False(t, errors.As(err, &be), "5xx must not surface as a broker rejection")
	})
}

func TestConfiguredEndpointPaths(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"dhanClientId":"1100003626"}`))
	}))
	defer srv.Close()

	a := NewWithOptions(Options{
		BaseURL: srv.URL,
		Paths:   map[string]string{"profile": "/v3/profile"},
	})
	_, err := a.GetProfile(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, "/v3/profile", gotPath)
}

func TestInjectedClientIsUsed(t *testing.T) {
	shared := broker.NewHTTPClient(0)
	a := NewWithOptions(Options{Client: shared})
	assert.Same(t, shared, a.client)
}

func TestGetOrderStatus(t *testing.T) {
	t.Run("array response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/orders/112111182045", r.URL.Path)
			w.Write([]byte(`[{"orderId":"112111182045","orderStatus":"PART_TRADED","filledQty":3,"averageTradedPrice":3344.1}]`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		snap, err := a.GetOrderStatus(context.Background(), testSession(), "112111182045")
		require.NoError(t, err)
		assert.Equal(t, broker.StatusPartiallyFilled, snap.Status)
		assert.Equal(t, 3, snap.FilledQuantity)
		assert.Equal(t, 3344.1, snap.AveragePrice)
	})

	t.Run("bare object response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"orderId":"112111182045","orderStatus":"TRADED","filledQty":5,"averageTradedPrice":3345.0}`))
		}))
		defer srv.Close()

		a := NewWithBaseURL(srv.URL)
		snap, err := a.GetOrderStatus(context.Background(), testSession(), "112111182045")
		require.NoError(t, err)
		assert.Equal(t, broker.StatusFilled, snap.Status)
		assert.Equal(t, "TRADED", snap.RawStatus)
	})
}

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profile", r.URL.Path)
		w.Write([]byte(`{"dhanClientId":"1100003626","tokenValidity":"30/09/2026 11:39"}`))
	}))
	defer srv.Close()

	a := NewWithBaseURL(srv.URL)
	info, err := a.Authenticate(context.Background(), broker.Credentials{AccessToken: "jwt-token"})
	require.NoError(t, err)
	assert.Equal(t, "1100003626", info.AccountID)
	assert.Equal(t, time.Date(2026, 9, 30, 11, 39, 0, 0, time.UTC), info.ExpiresAt)

	_, err = a.Authenticate(context.Background(), broker.Credentials{})
	assert.True(t, broker.IsAuthFailure(err))
}

func TestGetQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/marketfeed/ltp", r.URL.Path)
		var payload map[string][]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, []int64{11536}, payload["NSE_EQ"])
		w.Write([]byte(`{"data":{"NSE_EQ":{"11536":{"last_price":3345.6}}},"status":"success"}`))
	}))
	defer srv.Close()

	a := NewWithBaseURL(srv.URL)
	quotes, err := a.GetQuotes(context.Background(), testSession(), []string{"NSE_EQ:11536"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "NSE_EQ:11536", quotes[0].Symbol)
	assert.Equal(t, 3345.6, quotes[0].LastPrice)

	_, err = a.GetQuotes(context.Background(), testSession(), []string{"no-colon"})
	var ve *broker.ValidationError
	require.ErrorAs(t, err, &ve)
}
