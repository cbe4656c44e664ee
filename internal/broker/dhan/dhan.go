// Package dhan implements the DhanHQ v2 REST dialect: JSON bodies, a flat
// access-token header, and DH-xxx error codes.
package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autohub/internal/broker"
	"autohub/internal/logger"

	"github.com/tidwall/gjson"
)

const (
	Name           = "dhan"
	defaultBaseURL = "https://api.dhan.co/v2"

	// Dhan stamps token validity as "02/01/2006 15:04".
	tokenValidityLayout = "02/01/2006 15:04"
)

// routeTable holds the endpoint paths, overridable through the brokers
// config so a Dhan-side route change never needs a rebuild.
type routeTable struct {
	profile   string
	orders    string
	positions string
	holdings  string
	ltp       string
}

func defaultRoutes() routeTable {
	return routeTable{
		profile:   "/profile",
		orders:    "/orders",
		positions: "/positions",
		holdings:  "/holdings",
		ltp:       "/marketfeed/ltp",
	}
}

func (t *routeTable) apply(overrides map[string]string) {
	for key, p := range overrides {
		if p == "" {
			continue
		}
		switch key {
		case "profile":
			t.profile = p
		case "orders":
			t.orders = p
		case "positions":
			t.positions = p
		case "holdings":
			t.holdings = p
		case "ltp":
			t.ltp = p
		default:
			logger.Warnf("dhan: 未知的路径配置 %q, 忽略", key)
		}
	}
}

type Options struct {
	BaseURL string
	// Client is the shared outbound HTTP client; nil builds a private one.
	Client *http.Client
	Paths  map[string]string
}

type Adapter struct {
	baseURL string
	client  *http.Client
	paths   routeTable
}

func New() *Adapter {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		client:  opts.Client,
		paths:   defaultRoutes(),
	}
	if opts.BaseURL != "" {
		a.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if a.client == nil {
		a.client = broker.NewHTTPClient(broker.DefaultHTTPTimeout)
	}
	a.paths.apply(opts.Paths)
	return a
}

func NewWithBaseURL(baseURL string) *Adapter {
	return NewWithOptions(Options{BaseURL: baseURL})
}

func (a *Adapter) Name() string { return Name }

var productMap = map[broker.Product]string{
	broker.ProductIntraday: "INTRADAY",
	broker.ProductDelivery: "CNC",
	broker.ProductNormal:   "MARGIN",
}

var orderTypeMap = map[broker.OrderType]string{
	broker.OrderTypeMarket:     "MARKET",
	broker.OrderTypeLimit:      "LIMIT",
	broker.OrderTypeStop:       "STOP_LOSS",
	broker.OrderTypeStopMarket: "STOP_LOSS_MARKET",
}

var statusMap = map[string]broker.OrderStatus{
	"TRANSIT":     broker.StatusPending,
	"PENDING":     broker.StatusOpen,
	"TRADED":      broker.StatusFilled,
	"PART_TRADED": broker.StatusPartiallyFilled,
	"REJECTED":    broker.StatusRejected,
	"CANCELLED":   broker.StatusCancelled,
	"EXPIRED":     broker.StatusCancelled,
}

func (a *Adapter) MapOrderStatus(raw string) broker.OrderStatus {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return broker.StatusUnknown
}

func (a *Adapter) AllowedExtensions() []string {
	return []string{"security_id", "correlation_id", "amo_time"}
}

// Authenticate probes the profile endpoint with the stored access token and
// reads the broker-stamped token validity.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.SessionInfo, error) {
	if strings.TrimSpace(creds.AccessToken) == "" {
		return nil, &broker.AuthError{Broker: Name, Reason: "access_token 必填"}
	}
	probe := &broker.Session{Credentials: creds, Token: creds.AccessToken}
	body, err := a.do(ctx, probe, http.MethodGet, a.paths.profile, nil)
	if err != nil {
		if be, ok := err.(*broker.BrokerError); ok {
			return nil, &broker.AuthError{Broker: Name, Reason: be.Message, Err: be}
		}
		return nil, err
	}
	info := &broker.SessionInfo{
		Token:     creds.AccessToken,
		AccountID: gjson.GetBytes(body, "dhanClientId").String(),
	}
	if validity := gjson.GetBytes(body, "tokenValidity").String(); validity != "" {
		if t, perr := time.Parse(tokenValidityLayout, validity); perr == nil {
			info.ExpiresAt = t
		} else {
			logger.Warnf("dhan: 无法解析 tokenValidity %q: %v", validity, perr)
		}
	}
	return info, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, sess *broker.Session, req broker.OrderRequest) (*broker.OrderResult, error) {
	payload, err := orderPayload(sess, req)
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, sess, http.MethodPost, a.paths.orders, payload)
	if err != nil {
		return nil, err
	}
	orderID := gjson.GetBytes(body, "orderId").String()
	if orderID == "" {
		return nil, &broker.ProtocolError{Broker: Name, Raw: body, Err: fmt.Errorf("响应缺少 orderId")}
	}
	res := &broker.OrderResult{
		Success:   true,
		OrderID:   orderID,
		Raw:       json.RawMessage(body),
		Timestamp: time.Now(),
	}
	if st := gjson.GetBytes(body, "orderStatus").String(); st != "" {
		res.Metadata = map[string]string{"broker_status": st}
	}
	return res, nil
}

func (a *Adapter) ModifyOrder(ctx context.Context, sess *broker.Session, orderID string, req broker.OrderRequest) (*broker.OrderResult, error) {
	orderType, ok := orderTypeMap[req.OrderType]
	if !ok {
		return nil, &broker.ValidationError{Field: "order_type", Reason: fmt.Sprintf("dhan 不支持 %q", req.OrderType)}
	}
	payload := map[string]any{
		"dhanClientId": sess.AccountID,
		"orderId":      orderID,
		"orderType":    orderType,
		"quantity":     req.Quantity,
		"validity":     string(req.Validity),
	}
	if req.Price > 0 {
		payload["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		payload["triggerPrice"] = req.TriggerPrice
	}
	if req.DisclosedQuantity > 0 {
		payload["disclosedQuantity"] = req.DisclosedQuantity
	}
	body, err := a.do(ctx, sess, http.MethodPut, a.paths.orders+"/"+url.PathEscape(orderID), payload)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{
		Success:   true,
		OrderID:   gjson.GetBytes(body, "orderId").String(),
		Raw:       json.RawMessage(body),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, sess *broker.Session, orderID string) (*broker.OrderResult, error) {
	body, err := a.do(ctx, sess, http.MethodDelete, a.paths.orders+"/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{
		Success:   true,
		OrderID:   gjson.GetBytes(body, "orderId").String(),
		Raw:       json.RawMessage(body),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, sess *broker.Session, orderID string) (*broker.OrderStatusSnapshot, error) {
	body, err := a.do(ctx, sess, http.MethodGet, a.paths.orders+"/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	// Dhan returns either the bare order object or a single-element array.
	node := gjson.ParseBytes(body)
	if node.IsArray() {
		arr := node.Array()
		if len(arr) == 0 {
			return nil, fmt.Errorf("dhan: order %s: %w", orderID, broker.ErrOrderNotFound)
		}
		node = arr[0]
	}
	rawStatus := node.Get("orderStatus").String()
	if rawStatus == "" {
		return nil, fmt.Errorf("dhan: order %s: %w", orderID, broker.ErrOrderNotFound)
	}
	return &broker.OrderStatusSnapshot{
		BrokerOrderID:  orderID,
		RawStatus:      rawStatus,
		Status:         a.MapOrderStatus(rawStatus),
		FilledQuantity: int(node.Get("filledQty").Int()),
		AveragePrice:   node.Get("averageTradedPrice").Float(),
		StatusMessage:  node.Get("omsErrorDescription").String(),
	}, nil
}

func (a *Adapter) GetOrders(ctx context.Context, sess *broker.Session) ([]broker.OrderStatusSnapshot, error) {
	body, err := a.do(ctx, sess, http.MethodGet, a.paths.orders, nil)
	if err != nil {
		return nil, err
	}
	entries := gjson.ParseBytes(body).Array()
	snaps := make([]broker.OrderStatusSnapshot, 0, len(entries))
	for _, entry := range entries {
		rawStatus := entry.Get("orderStatus").String()
		snaps = append(snaps, broker.OrderStatusSnapshot{
			BrokerOrderID:  entry.Get("orderId").String(),
			RawStatus:      rawStatus,
			Status:         a.MapOrderStatus(rawStatus),
			FilledQuantity: int(entry.Get("filledQty").Int()),
			AveragePrice:   entry.Get("averageTradedPrice").Float(),
			StatusMessage:  entry.Get("omsErrorDescription").String(),
		})
	}
	return snaps, nil
}

func (a *Adapter) GetPositions(ctx context.Context, sess *broker.Session) (json.RawMessage, error) {
	return a.rawGet(ctx, sess, a.paths.positions)
}

func (a *Adapter) GetHoldings(ctx context.Context, sess *broker.Session) (json.RawMessage, error) {
	return a.rawGet(ctx, sess, a.paths.holdings)
}

func (a *Adapter) GetProfile(ctx context.Context, sess *broker.Session) (*broker.Profile, error) {
	body, err := a.do(ctx, sess, http.MethodGet, a.paths.profile, nil)
	if err != nil {
		return nil, err
	}
	return &broker.Profile{
		AccountID:  gjson.GetBytes(body, "dhanClientId").String(),
		BrokerName: Name,
	}, nil
}

// GetQuotes resolves last traded prices through the marketfeed LTP endpoint.
// Symbols use the "SEGMENT:securityId" form, e.g. "NSE_EQ:11536".
func (a *Adapter) GetQuotes(ctx context.Context, sess *broker.Session, symbols []string) ([]broker.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	bySegment := make(map[string][]int64)
	for _, s := range symbols {
		seg, idStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, &broker.ValidationError{Field: "symbols", Reason: fmt.Sprintf("dhan 行情标的需为 SEGMENT:securityId 形式, 收到 %q", s)}
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, &broker.ValidationError{Field: "symbols", Reason: fmt.Sprintf("securityId %q 不是整数", idStr)}
		}
		bySegment[seg] = append(bySegment[seg], id)
	}
	payload := make(map[string]any, len(bySegment))
	for seg, ids := range bySegment {
		payload[seg] = ids
	}
	body, err := a.do(ctx, sess, http.MethodPost, a.paths.ltp, payload)
	if err != nil {
		return nil, err
	}
	quotes := make([]broker.Quote, 0, len(symbols))
	gjson.GetBytes(body, "data").ForEach(func(seg, perSeg gjson.Result) bool {
		perSeg.ForEach(func(id, value gjson.Result) bool {
			quotes = append(quotes, broker.Quote{
				Symbol:    seg.String() + ":" + id.String(),
				Exchange:  seg.String(),
				LastPrice: value.Get("last_price").Float(),
				Timestamp: time.Now(),
			})
			return true
		})
		return true
	})
	return quotes, nil
}

func orderPayload(sess *broker.Session, req broker.OrderRequest) (map[string]any, error) {
	product, ok := productMap[req.Product]
	if !ok {
		return nil, &broker.ValidationError{Field: "product", Reason: fmt.Sprintf("dhan 不支持 %q", req.Product)}
	}
	orderType, ok := orderTypeMap[req.OrderType]
	if !ok {
		return nil, &broker.ValidationError{Field: "order_type", Reason: fmt.Sprintf("dhan 不支持 %q", req.OrderType)}
	}
	securityID := req.Extensions["security_id"]
	if securityID == "" {
		return nil, &broker.ValidationError{Field: "extensions.security_id", Reason: "dhan 下单必须提供 security_id"}
	}
	segment := req.Exchange
	if !strings.Contains(segment, "_") {
		segment = segment + "_EQ"
	}
	payload := map[string]any{
		"dhanClientId":    sess.AccountID,
		"transactionType": string(req.Side),
		"exchangeSegment": segment,
		"productType":     product,
		"orderType":       orderType,
		"validity":        string(req.Validity),
		"securityId":      securityID,
		"quantity":        req.Quantity,
	}
	if req.Price > 0 {
		payload["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		payload["triggerPrice"] = req.TriggerPrice
	}
	if req.DisclosedQuantity > 0 {
		payload["disclosedQuantity"] = req.DisclosedQuantity
	}
	if cid := req.Extensions["correlation_id"]; cid != "" {
		payload["correlationId"] = cid
	}
	if amo := req.Extensions["amo_time"]; amo != "" {
		payload["afterMarketOrder"] = true
		payload["amoTime"] = amo
	}
	return payload, nil
}

func (a *Adapter) rawGet(ctx context.Context, sess *broker.Session, path string) (json.RawMessage, error) {
	body, err := a.do(ctx, sess, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (a *Adapter) do(ctx context.Context, sess *broker.Session, method, path string, payload map[string]any) ([]byte, error) {
	var reqBody *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("dhan: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("dhan: build request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("access-token", sess.Token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, broker.WrapTransportError(Name, err)
	}
	defer resp.Body.Close()

	body := broker.ReadResponseBody(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	// 5xx is transport trouble regardless of what the body parses as.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &broker.NetworkError{Broker: Name, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, broker.TruncateForLog(body))}
	}
	// Only order routes may translate 404 into a vanished order.
	if resp.StatusCode == http.StatusNotFound && a.isOrderPath(path) {
		return nil, fmt.Errorf("dhan: %s: %w", path, broker.ErrOrderNotFound)
	}

	code := gjson.GetBytes(body, "errorCode").String()
	message := gjson.GetBytes(body, "errorMessage").String()
	if message == "" {
		return nil, &broker.ProtocolError{Broker: Name, Raw: body, Err: fmt.Errorf("非预期响应 HTTP %d", resp.StatusCode)}
	}
	logger.Warnf("dhan: %s %s rejected: %s (%s)", method, path, message, code)
	// DH-901 invalid token, DH-902 forbidden.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || code == "DH-901" || code == "DH-902" {
		return nil, &broker.AuthError{Broker: Name, Reason: message}
	}
	return nil, &broker.BrokerError{Broker: Name, Code: code, Message: message}
}

func (a *Adapter) isOrderPath(path string) bool {
	return path == a.paths.orders || strings.HasPrefix(path, a.paths.orders+"/")
}
