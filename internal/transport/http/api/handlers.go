package apihttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"autohub/internal/broker"
	"autohub/internal/config/routes"
	"autohub/internal/logger"
	"autohub/internal/router"

	"github.com/gin-gonic/gin"
)

type handlers struct {
	router       *router.Router
	routes       *routes.Loader
	webhookToken string
}

// orderPayload is the wire shape shared by the webhook and the REST order
// endpoints.
type orderPayload struct {
	Symbol            string            `json:"symbol"`
	Exchange          string            `json:"exchange"`
	Side              string            `json:"side"`
	Quantity          int               `json:"quantity"`
	OrderType         string            `json:"order_type"`
	Product           string            `json:"product"`
	Price             float64           `json:"price"`
	TriggerPrice      float64           `json:"trigger_price"`
	Validity          string            `json:"validity"`
	DisclosedQuantity int               `json:"disclosed_quantity"`
	Extensions        map[string]string `json:"extensions"`
}

func (p orderPayload) toRequest(defaultProduct string) broker.OrderRequest {
	req := broker.OrderRequest{
		Symbol:            strings.TrimSpace(p.Symbol),
		Exchange:          strings.TrimSpace(p.Exchange),
		Side:              broker.OrderSide(strings.ToUpper(p.Side)),
		Quantity:          p.Quantity,
		OrderType:         broker.OrderType(strings.ToUpper(p.OrderType)),
		Product:           broker.Product(strings.ToUpper(p.Product)),
		Price:             p.Price,
		TriggerPrice:      p.TriggerPrice,
		Validity:          broker.Validity(strings.ToUpper(p.Validity)),
		DisclosedQuantity: p.DisclosedQuantity,
		Extensions:        p.Extensions,
	}
	if req.OrderType == "" {
		req.OrderType = broker.OrderTypeMarket
	}
	if req.Product == "" {
		if defaultProduct != "" {
			req.Product = broker.Product(defaultProduct)
		} else {
			req.Product = broker.ProductDelivery
		}
	}
	if req.Validity == "" {
		req.Validity = broker.ValidityDay
	}
	return req
}

// handleWebhook accepts strategy alerts and fans the order out to every
// connection bound to the named route.
func (h *handlers) handleWebhook(c *gin.Context) {
	if h.routes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "路由表未配置"})
		return
	}
	if h.webhookToken != "" {
		token := c.Query("token")
		if token == "" {
			token = c.GetHeader("X-Webhook-Token")
		}
		if token != h.webhookToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "webhook token 不正确"})
			return
		}
	}
	routeName := c.Param("route")
	def, ok := h.routes.Resolve(routeName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未知路由 " + routeName})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
		return
	}
	if err := validateWebhookPayload(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var payload orderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload 解析失败: " + err.Error()})
		return
	}
	req := payload.toRequest(def.DefaultProduct)

	requestID := c.GetString("request_id")
	results := make([]gin.H, 0, len(def.Connections))
	var firstErr error
	succeeded := 0
	for _, connectionID := range def.Connections {
		result, perr := h.router.PlaceOrder(c.Request.Context(), connectionID, req)
		if perr != nil {
			logger.Warnf("webhook %s: connection %d place failed: %v (request %s)", def.Name, connectionID, perr, requestID)
			if firstErr == nil {
				firstErr = perr
			}
			results = append(results, gin.H{"connection_id": connectionID, "error": perr.Error()})
			continue
		}
		succeeded++
		entry := gin.H{"connection_id": connectionID, "order_id": result.OrderID}
		if len(result.Metadata) > 0 {
			entry["metadata"] = result.Metadata
		}
		results = append(results, entry)
	}

	status := http.StatusOK
	if succeeded == 0 && firstErr != nil {
		status = statusForError(firstErr)
	}
	c.JSON(status, gin.H{
		"request_id": requestID,
		"route":      def.Name,
		"placed":     succeeded,
		"results":    results,
	})
}

func (h *handlers) handlePlaceOrder(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	var payload orderPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload 解析失败: " + err.Error()})
		return
	}
	result, err := h.router.PlaceOrder(c.Request.Context(), connectionID, payload.toRequest(""))
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := gin.H{"order_id": result.OrderID, "request_id": c.GetString("request_id")}
	if len(result.Metadata) > 0 {
		resp["metadata"] = result.Metadata
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *handlers) handleModifyOrder(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	var payload orderPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload 解析失败: " + err.Error()})
		return
	}
	result, err := h.router.ModifyOrder(c.Request.Context(), connectionID, c.Param("order_id"), payload.toRequest(""))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": result.OrderID})
}

func (h *handlers) handleCancelOrder(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	result, err := h.router.CancelOrder(c.Request.Context(), connectionID, c.Param("order_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": result.OrderID})
}

func (h *handlers) handleTrackedOrders(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	orders, err := h.router.TrackedOrders(c.Request.Context(), connectionID, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// handleLiveOrders returns the broker's own order book, bypassing the local
// tracked-order table.
func (h *handlers) handleLiveOrders(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	snaps, err := h.router.LiveOrders(c.Request.Context(), connectionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": snaps})
}

func (h *handlers) handleOrderStatus(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	snap, err := h.router.OrderStatus(c.Request.Context(), connectionID, c.Param("order_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) handleQuotes(c *gin.Context) {
	connectionID, ok := connectionParam(c)
	if !ok {
		return
	}
	raw := strings.TrimSpace(c.Query("symbols"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols 参数必填"})
		return
	}
	symbols := strings.Split(raw, ",")
	quotes, err := h.router.GetQuotes(c.Request.Context(), connectionID, symbols)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes})
}

func (h *handlers) handlePositions(c *gin.Context) {
	ids, err := h.connectionFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.router.AggregatedPositions(c.Request.Context(), ids)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handlers) handleHoldings(c *gin.Context) {
	ids, err := h.connectionFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.router.AggregatedHoldings(c.Request.Context(), ids)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handlers) handleRoutes(c *gin.Context) {
	if h.routes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "路由表未配置"})
		return
	}
	snap := h.routes.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"routes":    snap.Routes,
	})
}

// connectionFilter resolves the ?connections=1,2 query, defaulting to every
// active connection.
func (h *handlers) connectionFilter(c *gin.Context) ([]uint, error) {
	raw := strings.TrimSpace(c.Query("connections"))
	if raw == "" {
		return h.router.ActiveConnectionIDs(c.Request.Context())
	}
	parts := strings.Split(raw, ",")
	ids := make([]uint, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("connections 参数包含非法 id %q", part)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

func connectionParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connection id 必须是正整数"})
		return 0, false
	}
	return uint(id), true
}
