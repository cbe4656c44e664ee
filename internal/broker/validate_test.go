package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() OrderRequest {
	return OrderRequest{
		Symbol:    "INFY",
		Exchange:  "NSE",
		Side:      SideBuy,
		Quantity:  10,
		OrderType: OrderTypeMarket,
		Product:   ProductIntraday,
		Validity:  ValidityDay,
	}
}

func TestValidateOrderRequest(t *testing.T) {
	allowed := []string{"tag"}

	t.Run("valid market order", func(t *testing.T) {
		assert.NoError(t, ValidateOrderRequest(validRequest(), allowed))
	})

	cases := []struct {
		name   string
		mutate func(*OrderRequest)
		field  string
	}{
		{"missing symbol", func(r *OrderRequest) { r.Symbol = "" }, "symbol"},
		{"missing exchange", func(r *OrderRequest) { r.Exchange = "" }, "exchange"},
		{"bad side", func(r *OrderRequest) { r.Side = "HOLD" }, "side"},
		{"zero quantity", func(r *OrderRequest) { r.Quantity = 0 }, "quantity"},
		{"negative quantity", func(r *OrderRequest) { r.Quantity = -5 }, "quantity"},
		{"negative disclosed", func(r *OrderRequest) { r.DisclosedQuantity = -1 }, "disclosed_quantity"},
		{"disclosed above quantity", func(r *OrderRequest) { r.DisclosedQuantity = 11 }, "disclosed_quantity"},
		{"negative price", func(r *OrderRequest) { r.Price = -1 }, "price"},
		{"limit without price", func(r *OrderRequest) { r.OrderType = OrderTypeLimit }, "price"},
		{"stop without trigger", func(r *OrderRequest) {
			r.OrderType = OrderTypeStop
			r.Price = 100
		}, "trigger_price"},
		{"stop market without trigger", func(r *OrderRequest) { r.OrderType = OrderTypeStopMarket }, "trigger_price"},
		{"bad order type", func(r *OrderRequest) { r.OrderType = "BRACKET" }, "order_type"},
		{"bad product", func(r *OrderRequest) { r.Product = "BO" }, "product"},
		{"bad validity", func(r *OrderRequest) { r.Validity = "GTC" }, "validity"},
		{"unknown extension key", func(r *OrderRequest) {
			r.Extensions = map[string]string{"market_protection": "5"}
		}, "extensions"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			err := ValidateOrderRequest(req, allowed)
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	t.Run("allowed extension passes", func(t *testing.T) {
		req := validRequest()
		req.Extensions = map[string]string{"tag": "strategy-7"}
		assert.NoError(t, ValidateOrderRequest(req, allowed))
	})

	t.Run("limit with price passes", func(t *testing.T) {
		req := validRequest()
		req.OrderType = OrderTypeLimit
		req.Price = 1520.5
		assert.NoError(t, ValidateOrderRequest(req, allowed))
	})

	t.Run("empty validity defaults upstream", func(t *testing.T) {
		req := validRequest()
		req.Validity = ""
		assert.NoError(t, ValidateOrderRequest(req, allowed))
	})
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusRejected, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	open := []OrderStatus{StatusPending, StatusOpen, StatusPartiallyFilled, StatusUnknown}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}
