// Package binance adapts the Binance spot API through the official Go SDK
// instead of a hand-rolled REST dialect.
//
// Spot has no numeric-only order lookup, so broker order ids are encoded as
// "SYMBOL:orderId" and split again on status and cancel calls.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"autohub/internal/broker"
	"autohub/internal/logger"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const Name = "binance"

type Adapter struct {
	mu      sync.Mutex
	clients map[string]*gobinance.Client

	// newClient is swappable in tests.
	newClient func(apiKey, secret string) *gobinance.Client
}

func New() *Adapter {
	return &Adapter{
		clients:   make(map[string]*gobinance.Client),
		newClient: gobinance.NewClient,
	}
}

// Options repoints the SDK at an alternate endpoint, e.g. the spot testnet.
// Route paths stay inside the SDK.
type Options struct {
	BaseURL string
}

func NewWithOptions(opts Options) *Adapter {
	a := New()
	if opts.BaseURL != "" {
		base := strings.TrimRight(opts.BaseURL, "/")
		a.newClient = func(apiKey, secret string) *gobinance.Client {
			c := gobinance.NewClient(apiKey, secret)
			c.BaseURL = base
			return c
		}
	}
	return a
}

func (a *Adapter) Name() string { return Name }

var statusMap = map[string]broker.OrderStatus{
	"NEW":              broker.StatusOpen,
	"PARTIALLY_FILLED": broker.StatusPartiallyFilled,
	"FILLED":           broker.StatusFilled,
	"CANCELED":         broker.StatusCancelled,
	"PENDING_CANCEL":   broker.StatusOpen,
	"REJECTED":         broker.StatusRejected,
	"EXPIRED":          broker.StatusCancelled,
}

func (a *Adapter) MapOrderStatus(raw string) broker.OrderStatus {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return broker.StatusUnknown
}

func (a *Adapter) AllowedExtensions() []string {
	return []string{"quote_order_qty", "new_client_order_id"}
}

func (a *Adapter) clientFor(creds broker.Credentials) *gobinance.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[creds.APIKey]; ok {
		return c
	}
	c := a.newClient(creds.APIKey, creds.APISecret)
	a.clients[creds.APIKey] = c
	return c
}

func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.SessionInfo, error) {
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.APISecret) == "" {
		return nil, &broker.AuthError{Broker: Name, Reason: "api_key 和 api_secret 必填"}
	}
	client := a.clientFor(creds)
	acct, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if !acct.CanTrade {
		return nil, &broker.AuthError{Broker: Name, Reason: "账户无交易权限"}
	}
	accountID := creds.UserID
	if accountID == "" {
		accountID = acct.AccountType
	}
	// API keys do not expire on a schedule; the session lives until revoked.
	return &broker.SessionInfo{Token: creds.APIKey, AccountID: accountID}, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, sess *broker.Session, req broker.OrderRequest) (*broker.OrderResult, error) {
	client := a.clientFor(sess.Credentials)
	svc := client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(gobinance.SideType(req.Side)).
		Quantity(strconv.Itoa(req.Quantity))

	switch req.OrderType {
	case broker.OrderTypeMarket:
		svc.Type(gobinance.OrderTypeMarket)
	case broker.OrderTypeLimit:
		svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(timeInForce(req.Validity)).
			Price(formatPrice(req.Price))
	case broker.OrderTypeStop:
		svc.Type(gobinance.OrderTypeStopLossLimit).
			TimeInForce(timeInForce(req.Validity)).
			Price(formatPrice(req.Price)).
			StopPrice(formatPrice(req.TriggerPrice))
	case broker.OrderTypeStopMarket:
		svc.Type(gobinance.OrderTypeStopLoss).
			StopPrice(formatPrice(req.TriggerPrice))
	default:
		return nil, &broker.ValidationError{Field: "order_type", Reason: fmt.Sprintf("binance 不支持 %q", req.OrderType)}
	}
	if cid := req.Extensions["new_client_order_id"]; cid != "" {
		svc.NewClientOrderID(cid)
	}

	metadata := map[string]string{}
	// Spot has no product segregation; anything other than NORMAL is placed
	// as a plain spot order and flagged so the caller can tell.
	if req.Product != broker.ProductNormal {
		metadata["product_substituted"] = fmt.Sprintf("%s->spot", req.Product)
		logger.Warnf("binance: product %s 不适用于现货, 按普通现货单处理", req.Product)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	raw, _ := json.Marshal(resp)
	res := &broker.OrderResult{
		Success:   true,
		OrderID:   encodeOrderID(resp.Symbol, resp.OrderID),
		Raw:       raw,
		Timestamp: time.Now(),
	}
	if len(metadata) > 0 {
		res.Metadata = metadata
	}
	return res, nil
}

// ModifyOrder is not supported on Binance spot; callers cancel and re-place.
func (a *Adapter) ModifyOrder(ctx context.Context, sess *broker.Session, orderID string, req broker.OrderRequest) (*broker.OrderResult, error) {
	return nil, &broker.BrokerError{Broker: Name, Code: "UNSUPPORTED", Message: "binance 现货不支持改单, 请撤单后重下"}
}

func (a *Adapter) CancelOrder(ctx context.Context, sess *broker.Session, orderID string) (*broker.OrderResult, error) {
	symbol, numericID, err := decodeOrderID(orderID)
	if err != nil {
		return nil, err
	}
	client := a.clientFor(sess.Credentials)
	resp, err := client.NewCancelOrderService().Symbol(symbol).OrderID(numericID).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	raw, _ := json.Marshal(resp)
	return &broker.OrderResult{
		Success:   true,
		OrderID:   orderID,
		Raw:       raw,
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, sess *broker.Session, orderID string) (*broker.OrderStatusSnapshot, error) {
	symbol, numericID, err := decodeOrderID(orderID)
	if err != nil {
		return nil, err
	}
	client := a.clientFor(sess.Credentials)
	order, err := client.NewGetOrderService().Symbol(symbol).OrderID(numericID).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	filled, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avg := averageFillPrice(order)
	return &broker.OrderStatusSnapshot{
		BrokerOrderID:  orderID,
		RawStatus:      string(order.Status),
		Status:         a.MapOrderStatus(string(order.Status)),
		FilledQuantity: int(filled),
		AveragePrice:   avg,
	}, nil
}

func (a *Adapter) GetOrders(ctx context.Context, sess *broker.Session) ([]broker.OrderStatusSnapshot, error) {
	client := a.clientFor(sess.Credentials)
	orders, err := client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	snaps := make([]broker.OrderStatusSnapshot, 0, len(orders))
	for _, order := range orders {
		filled, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
		snaps = append(snaps, broker.OrderStatusSnapshot{
			BrokerOrderID:  encodeOrderID(order.Symbol, order.OrderID),
			RawStatus:      string(order.Status),
			Status:         a.MapOrderStatus(string(order.Status)),
			FilledQuantity: int(filled),
			AveragePrice:   averageFillPrice(order),
		})
	}
	return snaps, nil
}

// GetPositions reports non-zero spot balances shaped for the shared
// normalizer.
func (a *Adapter) GetPositions(ctx context.Context, sess *broker.Session) (json.RawMessage, error) {
	rows, err := a.balanceRows(ctx, sess)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"positions": rows})
}

func (a *Adapter) GetHoldings(ctx context.Context, sess *broker.Session) (json.RawMessage, error) {
	rows, err := a.balanceRows(ctx, sess)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"holdings": rows})
}

func (a *Adapter) balanceRows(ctx context.Context, sess *broker.Session) ([]map[string]any, error) {
	client := a.clientFor(sess.Credentials)
	acct, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	rows := make([]map[string]any, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		total := free + locked
		if total == 0 {
			continue
		}
		rows = append(rows, map[string]any{
			"symbol":   b.Asset,
			"quantity": total,
		})
	}
	return rows, nil
}

func (a *Adapter) GetProfile(ctx context.Context, sess *broker.Session) (*broker.Profile, error) {
	client := a.clientFor(sess.Credentials)
	acct, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	accountID := sess.AccountID
	if accountID == "" {
		accountID = acct.AccountType
	}
	return &broker.Profile{AccountID: accountID, BrokerName: Name}, nil
}

func (a *Adapter) GetQuotes(ctx context.Context, sess *broker.Session, symbols []string) ([]broker.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	client := a.clientFor(sess.Credentials)
	prices, err := client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	quotes := make([]broker.Quote, 0, len(prices))
	for _, p := range prices {
		last, _ := strconv.ParseFloat(p.Price, 64)
		quotes = append(quotes, broker.Quote{Symbol: p.Symbol, LastPrice: last, Timestamp: time.Now()})
	}
	return quotes, nil
}

func averageFillPrice(order *gobinance.Order) float64 {
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	if executed == 0 {
		return 0
	}
	quote, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	if quote == 0 {
		price, _ := strconv.ParseFloat(order.Price, 64)
		return price
	}
	return quote / executed
}

func timeInForce(v broker.Validity) gobinance.TimeInForceType {
	if v == broker.ValidityIOC {
		return gobinance.TimeInForceTypeIOC
	}
	return gobinance.TimeInForceTypeGTC
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func encodeOrderID(symbol string, orderID int64) string {
	return fmt.Sprintf("%s:%d", symbol, orderID)
}

func decodeOrderID(orderID string) (string, int64, error) {
	symbol, idStr, ok := strings.Cut(orderID, ":")
	if !ok {
		return "", 0, &broker.ValidationError{Field: "order_id", Reason: fmt.Sprintf("binance 订单号需为 SYMBOL:id 形式, 收到 %q", orderID)}
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, &broker.ValidationError{Field: "order_id", Reason: fmt.Sprintf("订单号 %q 不是整数", idStr)}
	}
	return symbol, id, nil
}

// mapError folds SDK errors into the shared taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2013: // order does not exist
			return fmt.Errorf("binance: %s: %w", apiErr.Message, broker.ErrOrderNotFound)
		case -1021, -1022, -2014, -2015: // timestamp/signature/key failures
			return &broker.AuthError{Broker: Name, Reason: apiErr.Message, Err: apiErr}
		default:
			return &broker.BrokerError{
				Broker:  Name,
				Code:    strconv.FormatInt(apiErr.Code, 10),
				Message: apiErr.Message,
				Err:     apiErr,
			}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &broker.NetworkError{Broker: Name, Err: err}
	}
	return &broker.NetworkError{Broker: Name, Err: err}
}
