// Package broker defines the canonical order/position/holding model shared by
// every broker adapter, plus the adapter contract itself.
package broker

import (
	"encoding/json"
	"time"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// Product is the broker-agnostic product class. Adapters translate it into
// their native product codes.
type Product string

const (
	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"
	ProductNormal   Product = "NORMAL"
)

type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderRequest is the canonical trade instruction. Extensions carries
// broker-specific keys; each adapter declares the keys it accepts and the
// router rejects anything else before dispatch.
type OrderRequest struct {
	Symbol            string            `json:"symbol"`
	Exchange          string            `json:"exchange"`
	Side              OrderSide         `json:"side"`
	Quantity          int               `json:"quantity"`
	OrderType         OrderType         `json:"order_type"`
	Product           Product           `json:"product"`
	Price             float64           `json:"price,omitempty"`
	TriggerPrice      float64           `json:"trigger_price,omitempty"`
	Validity          Validity          `json:"validity,omitempty"`
	DisclosedQuantity int               `json:"disclosed_quantity,omitempty"`
	Extensions        map[string]string `json:"extensions,omitempty"`
}

// OrderResult is the canonical placement outcome. Raw retains the broker's
// response verbatim for audit.
type OrderResult struct {
	Success   bool              `json:"success"`
	OrderID   string            `json:"order_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Raw       json.RawMessage   `json:"raw,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// OrderStatusSnapshot is a single order's broker-side state at poll time.
type OrderStatusSnapshot struct {
	BrokerOrderID  string      `json:"broker_order_id"`
	RawStatus      string      `json:"raw_status"`
	Status         OrderStatus `json:"status"`
	FilledQuantity int         `json:"filled_quantity"`
	AveragePrice   float64     `json:"average_price"`
	StatusMessage  string      `json:"status_message,omitempty"`
}

// Position quantity is signed (short positions are negative).
type Position struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	PnLPercent   float64 `json:"pnl_percentage"`
	Product      string  `json:"product"`
	BrokerName   string  `json:"broker_name"`
	ConnectionID uint    `json:"connection_id"`
}

// Holding quantity is unsigned.
type Holding struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	PnLPercent   float64 `json:"pnl_percentage"`
	BrokerName   string  `json:"broker_name"`
	ConnectionID uint    `json:"connection_id"`
}

type Profile struct {
	AccountID  string `json:"account_id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	BrokerName string `json:"broker_name"`
}

type Quote struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	LastPrice float64   `json:"last_price"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Close     float64   `json:"close,omitempty"`
	Volume    int64     `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Credentials are decrypted broker secrets. They live only inside a Session
// and are never persisted in this form.
type Credentials struct {
	UserID      string
	APIKey      string
	APISecret   string
	AccessToken string
}

// SessionInfo is what an adapter's login handshake yields.
type SessionInfo struct {
	Token     string
	AccountID string
	ExpiresAt time.Time // zero means the broker did not report an expiry
}

// Session is a live authenticated context for one connection, owned by the
// session manager.
type Session struct {
	ConnectionID uint
	BrokerName   string
	Credentials  Credentials
	Token        string
	AccountID    string
	ExpiresAt    time.Time
}

// Expired reports whether the session's validity window has passed.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
