// Package zerodha implements the Kite Connect v3 REST dialect: form-encoded
// requests, a success/error envelope, and the api_key:access_token header
// scheme.
package zerodha

import (
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
	Name           = "zerodha"
	defaultBaseURL = "https://api.kite.trade"
	kiteVersion    = "3"
	orderVariety   = "regular"
)

// routeTable holds the endpoint paths. They are data, not code: deployments
// can repoint any of them through the brokers config without a rebuild.
type routeTable struct {
	profile   string
	orders    string
	positions string
	holdings  string
	quote     string
}

func defaultRoutes() routeTable {
	return routeTable{
		profile:   "/user/profile",
		orders:    "/orders",
		positions: "/portfolio/positions",
		holdings:  "/portfolio/holdings",
		quote:     "/quote",
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
		case "quote":
			t.quote = p
		default:
			logger.Warnf("zerodha: 未知的路径配置 %q, 忽略", key)
		}
	}
}

// Options points the adapter at a Kite-compatible endpoint. Zero values fall
// back to the production defaults.
type Options struct {
	BaseURL string
	// Client is the shared outbound HTTP client. When nil the adapter builds
	// its own, which tests rely on.
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

// NewWithBaseURL is used by tests to point the adapter at a stub server.
func NewWithBaseURL(baseURL string) *Adapter {
	return NewWithOptions(Options{BaseURL: baseURL})
}

func (a *Adapter) Name() string { return Name }

var productMap = map[broker.Product]string{
	broker.ProductIntraday: "MIS",
	broker.ProductDelivery: "CNC",
	broker.ProductNormal:   "NRML",
}

var orderTypeMap = map[broker.OrderType]string{
	broker.OrderTypeMarket:     "MARKET",
	broker.OrderTypeLimit:      "LIMIT",
	broker.OrderTypeStop:       "SL",
	broker.OrderTypeStopMarket: "SL-M",
}

var statusMap = map[string]broker.OrderStatus{
	"COMPLETE":               broker.StatusFilled,
	"OPEN":                   broker.StatusOpen,
	"TRIGGER PENDING":        broker.StatusOpen,
	"AMO REQ RECEIVED":       broker.StatusPending,
	"PUT ORDER REQ RECEIVED": broker.StatusPending,
	"VALIDATION PENDING":     broker.StatusPending,
	"OPEN PENDING":           broker.StatusPending,
	"MODIFY PENDING":         broker.StatusOpen,
	"CANCEL PENDING":         broker.StatusOpen,
	"REJECTED":               broker.StatusRejected,
	"CANCELLED":              broker.StatusCancelled,
}

func (a *Adapter) MapOrderStatus(raw string) broker.OrderStatus {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return broker.StatusUnknown
}

func (a *Adapter) AllowedExtensions() []string {
	return []string{"tag", "variety"}
}

// Authenticate validates the stored access token with a profile call. The
// interactive request-token exchange happens outside this service.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.SessionInfo, error) {
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.AccessToken) == "" {
		return nil, &broker.AuthError{Broker: Name, Reason: "api_key 和 access_token 必填"}
	}
	probe := &broker.Session{Credentials: creds, Token: creds.AccessToken}
	body, err := a.do(ctx, probe, http.MethodGet, a.paths.profile, nil)
	if err != nil {
		if be, ok := err.(*broker.BrokerError); ok {
			return nil, &broker.AuthError{Broker: Name, Reason: be.Message, Err: be}
		}
		return nil, err
	}
	accountID := gjson.GetBytes(body, "data.user_id").String()
	return &broker.SessionInfo{
		Token:     creds.AccessToken,
		AccountID: accountID,
		// Kite tokens die at the next trading-day 06:00 IST flush; the stored
		// expiry on the connection record is authoritative, so leave zero here.
	}, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, sess *broker.Session, req broker.OrderRequest) (*broker.OrderResult, error) {
	form, err := orderForm(req)
	if err != nil {
		return nil, err
	}
	variety := orderVariety
	if v := req.Extensions["variety"]; v != "" {
		variety = v
	}
	body, err := a.do(ctx, sess, http.MethodPost, a.paths.orders+"/"+variety, form)
	if err != nil {
		return nil, err
	}
	orderID := gjson.GetBytes(body, "data.order_id").String()
	if orderID == "" {
		return nil, &broker.ProtocolError{Broker: Name, Raw: body, Err: fmt.Errorf("响应缺少 order_id")}
	}
	return &broker.OrderResult{
		Success:   true,
		OrderID:   orderID,
		Raw:       json.RawMessage(body),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) ModifyOrder(ctx context.Context, sess *broker.Session, orderID string, req broker.OrderRequest) (*broker.OrderResult, error) {
	form, err := orderForm(req)
	if err != nil {
		return nil, err
	}
	// Kite rejects identity fields on modify.
	form.Del("tradingsymbol")
	form.Del("exchange")
	form.Del("transaction_type")
	form.Del("product")
	body, err := a.do(ctx, sess, http.MethodPut, a.paths.orders+"/"+orderVariety+"/"+url.PathEscape(orderID), form)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{
		Success:   true,
		OrderID:   gjson.GetBytes(body, "data.order_id").String(),
		Raw:       json.RawMessage(body),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, sess *broker.Session, orderID string) (*broker.OrderResult, error) {
	body, err := a.do(ctx, sess, http.MethodDelete, a.paths.orders+"/"+orderVariety+"/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{
		Success:   true,
		OrderID:   gjson.GetBytes(body, "data.order_id").String(),
		Raw:       json.RawMessage(body),
		Timestamp: time.Now(),
	}, nil
}

// GetOrderStatus reads the order history endpoint and reports the latest
// lifecycle entry.
func (a *Adapter) GetOrderStatus(ctx context.Context, sess *broker.Session, orderID string) (*broker.OrderStatusSnapshot, error) {
	body, err := a.do(ctx, sess, http.MethodGet, a.paths.orders+"/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	history := gjson.GetBytes(body, "data").Array()
	if len(history) == 0 {
		return nil, fmt.Errorf("zerodha: order %s: %w", orderID, broker.ErrOrderNotFound)
	}
	last := history[len(history)-1]
	rawStatus := last.Get("status").String()
	snap := &broker.OrderStatusSnapshot{
		BrokerOrderID:  orderID,
		RawStatus:      rawStatus,
		Status:         a.MapOrderStatus(rawStatus),
		FilledQuantity: int(last.Get("filled_quantity").Int()),
		AveragePrice:   last.Get("average_price").Float(),
		StatusMessage:  last.Get("status_message").String(),
	}
	// Kite reports partial fills as OPEN with a non-zero filled quantity.
	if snap.Status == broker.StatusOpen && snap.FilledQuantity > 0 {
		snap.Status = broker.StatusPartiallyFilled
	}
	return snap, nil
}

func (a *Adapter) GetOrders(ctx context.Context, sess *broker.Session) ([]broker.OrderStatusSnapshot, error) {
	body, err := a.do(ctx, sess, http.MethodGet, a.paths.orders, nil)
	if err != nil {
		return nil, err
	}
	entries := gjson.GetBytes(body, "data").Array()
	snaps := make([]broker.OrderStatusSnapshot, 0, len(entries))
	for _, entry := range entries {
		rawStatus := entry.Get("status").String()
		snaps = append(snaps, broker.OrderStatusSnapshot{
			BrokerOrderID:  entry.Get("order_id").String(),
			RawStatus:      rawStatus,
			Status:         a.MapOrderStatus(rawStatus),
			FilledQuantity: int(entry.Get("filled_quantity").Int()),
			AveragePrice:   entry.Get("average_price").Float(),
			StatusMessage:  entry.Get("status_message").String(),
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
		AccountID:  gjson.GetBytes(body, "data.user_id").String(),
		Name:       gjson.GetBytes(body, "data.user_name").String(),
		Email:      gjson.GetBytes(body, "data.email").String(),
		BrokerName: Name,
	}, nil
}

func (a *Adapter) GetQuotes(ctx context.Context, sess *broker.Session, symbols []string) ([]broker.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, s := range symbols {
		q.Add("i", s)
	}
	body, err := a.do(ctx, sess, http.MethodGet, a.paths.quote+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	quotes := make([]broker.Quote, 0, len(symbols))
	gjson.GetBytes(body, "data").ForEach(func(key, value gjson.Result) bool {
		symbol := key.String()
		exchange := ""
		if ex, rest, ok := strings.Cut(symbol, ":"); ok {
			exchange, symbol = ex, rest
		}
		quotes = append(quotes, broker.Quote{
			Symbol:    symbol,
			Exchange:  exchange,
			LastPrice: value.Get("last_price").Float(),
			Open:      value.Get("ohlc.open").Float(),
			High:      value.Get("ohlc.high").Float(),
			Low:       value.Get("ohlc.low").Float(),
			Close:     value.Get("ohlc.close").Float(),
			Volume:    value.Get("volume").Int(),
			Timestamp: time.Now(),
		})
		return true
	})
	return quotes, nil
}

func orderForm(req broker.OrderRequest) (url.Values, error) {
	product, ok := productMap[req.Product]
	if !ok {
		return nil, &broker.ValidationError{Field: "product", Reason: fmt.Sprintf("zerodha 不支持 %q", req.Product)}
	}
	orderType, ok := orderTypeMap[req.OrderType]
	if !ok {
		return nil, &broker.ValidationError{Field: "order_type", Reason: fmt.Sprintf("zerodha 不支持 %q", req.OrderType)}
	}
	form := url.Values{}
	form.Set("tradingsymbol", req.Symbol)
	form.Set("exchange", req.Exchange)
	form.Set("transaction_type", string(req.Side))
	form.Set("order_type", orderType)
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("product", product)
	form.Set("validity", string(req.Validity))
	if req.Price > 0 {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64))
	}
	if req.DisclosedQuantity > 0 {
		form.Set("disclosed_quantity", strconv.Itoa(req.DisclosedQuantity))
	}
	if tag := req.Extensions["tag"]; tag != "" {
		form.Set("tag", tag)
	}
	return form, nil
}

func (a *Adapter) rawGet(ctx context.Context, sess *broker.Session, path string) (json.RawMessage, error) {
	body, err := a.do(ctx, sess, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// do runs one Kite request and unwraps the status/error envelope into the
// shared error taxonomy.
func (a *Adapter) do(ctx context.Context, sess *broker.Session, method, path string, form url.Values) ([]byte, error) {
	var reqBody *strings.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	} else {
		reqBody = strings.NewReader("")
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("zerodha: build request: %w", err)
	}
	if form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("X-Kite-Version", kiteVersion)
	httpReq.Header.Set("Authorization", "token "+sess.Credentials.APIKey+":"+sess.Token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, broker.WrapTransportError(Name, err)
	}
	defer resp.Body.Close()

	body := broker.ReadResponseBody(resp)

	status := gjson.GetBytes(body, "status").String()
	if resp.StatusCode == http.StatusOK && status == "success" {
		return body, nil
	}
	// Server-side failures are transport trouble, whatever the body looks
	// like. Callers and the circuit breaker treat them as retryable.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &broker.NetworkError{Broker: Name, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, broker.TruncateForLog(body))}
	}
	// A vanished order only means something on order routes; a 404 on profile
	// or portfolio is a misconfigured endpoint, not a missing order.
	if resp.StatusCode == http.StatusNotFound && a.isOrderPath(path) {
		return nil, fmt.Errorf("zerodha: %s: %w", path, broker.ErrOrderNotFound)
	}

	errType := gjson.GetBytes(body, "error_type").String()
	message := gjson.GetBytes(body, "message").String()
	if message == "" && status == "" {
		return nil, &broker.ProtocolError{Broker: Name, Raw: body, Err: fmt.Errorf("非预期响应 HTTP %d", resp.StatusCode)}
	}
	logger.Warnf("zerodha: %s %s rejected: %s (%s)", method, path, message, errType)
	if errType == "TokenException" || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, &broker.AuthError{Broker: Name, Reason: message}
	}
	return nil, &broker.BrokerError{Broker: Name, Code: errType, Message: message}
}

func (a *Adapter) isOrderPath(path string) bool {
	return path == a.paths.orders || strings.HasPrefix(path, a.paths.orders+"/")
}
