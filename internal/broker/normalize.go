package broker

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Broker payloads disagree on field names for the same concept. Each target
// field lists its accepted source names in priority order; the first present
// value wins. The tables live here once, shared by the router, instead of
// being re-implemented per adapter.
var (
	positionEnvelopeKeys = []string{"data", "net", "positions", "result", "data.net"}
	holdingEnvelopeKeys  = []string{"data", "holdings", "result", "data.holdings"}

	symbolAliases   = []string{"tradingsymbol", "trading_symbol", "tradingSymbol", "symbol", "sym"}
	exchangeAliases = []string{"exchange", "exch", "exchange_segment", "exchangeSegment"}
	quantityAliases = []string{"net_quantity", "netQty", "netqty", "quantity", "qty", "totalQty"}
	avgPriceAliases = []string{"average_price", "avg_price", "avgPrice", "averagePrice", "buyAvgPrice", "avgCostPrice"}
	curPriceAliases = []string{"last_price", "ltp", "lastTradedPrice", "current_price", "lastPrice"}
	pnlAliases      = []string{"pnl", "unrealized_pnl", "unrealizedProfit", "unrealised", "urmtom", "profitandloss"}
	pnlPctAliases   = []string{"pnl_percentage", "pnlPercentage", "profit_percentage"}
	productAliases  = []string{"product", "productType", "prd", "product_type"}
)

// NormalizePositions maps a broker-native position payload into canonical
// positions. Unknown pnl falls back to (current − average) × quantity.
func NormalizePositions(raw json.RawMessage, brokerName string, connectionID uint) []Position {
	items := unwrapArray(raw, positionEnvelopeKeys)
	out := make([]Position, 0, len(items))
	for _, item := range items {
		qty := int(firstNumber(item, quantityAliases))
		avg := firstNumber(item, avgPriceAliases)
		cur := firstNumber(item, curPriceAliases)
		pos := Position{
			Symbol:       firstString(item, symbolAliases),
			Exchange:     strings.ToUpper(firstString(item, exchangeAliases)),
			Quantity:     qty,
			AveragePrice: avg,
			CurrentPrice: cur,
			Product:      firstString(item, productAliases),
			BrokerName:   brokerName,
			ConnectionID: connectionID,
		}
		pos.PnL, pos.PnLPercent = resolvePnL(item, qty, avg, cur)
		if pos.Symbol == "" {
			continue
		}
		out = append(out, pos)
	}
	return out
}

// NormalizeHoldings is NormalizePositions for long-term holdings; quantity is
// reported unsigned.
func NormalizeHoldings(raw json.RawMessage, brokerName string, connectionID uint) []Holding {
	items := unwrapArray(raw, holdingEnvelopeKeys)
	out := make([]Holding, 0, len(items))
	for _, item := range items {
		qty := int(firstNumber(item, quantityAliases))
		if qty < 0 {
			qty = -qty
		}
		avg := firstNumber(item, avgPriceAliases)
		cur := firstNumber(item, curPriceAliases)
		h := Holding{
			Symbol:       firstString(item, symbolAliases),
			Exchange:     strings.ToUpper(firstString(item, exchangeAliases)),
			Quantity:     qty,
			AveragePrice: avg,
			CurrentPrice: cur,
			BrokerName:   brokerName,
			ConnectionID: connectionID,
		}
		h.PnL, h.PnLPercent = resolvePnL(item, qty, avg, cur)
		if h.Symbol == "" {
			continue
		}
		out = append(out, h)
	}
	return out
}

// unwrapArray accepts either a bare JSON array or an object wrapping the
// array under one of the given envelope keys.
func unwrapArray(raw json.RawMessage, envelopeKeys []string) []gjson.Result {
	if len(raw) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.IsArray() {
		return parsed.Array()
	}
	if parsed.IsObject() {
		for _, key := range envelopeKeys {
			if inner := parsed.Get(key); inner.IsArray() {
				return inner.Array()
			}
		}
	}
	return nil
}

func firstString(item gjson.Result, aliases []string) string {
	for _, name := range aliases {
		if v := item.Get(name); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNumber(item gjson.Result, aliases []string) float64 {
	for _, name := range aliases {
		if v := item.Get(name); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

// resolvePnL prefers the broker-supplied pnl; otherwise it derives it with
// decimal arithmetic so large Indian-equity notionals do not drift.
func resolvePnL(item gjson.Result, qty int, avg, cur float64) (pnl, pct float64) {
	supplied := false
	for _, name := range pnlAliases {
		if v := item.Get(name); v.Exists() {
			pnl = v.Float()
			supplied = true
			break
		}
	}
	if !supplied {
		diff := decimal.NewFromFloat(cur).Sub(decimal.NewFromFloat(avg))
		pnl, _ = diff.Mul(decimal.NewFromInt(int64(qty))).Round(4).Float64()
	}
	for _, name := range pnlPctAliases {
		if v := item.Get(name); v.Exists() {
			return pnl, v.Float()
		}
	}
	if avg != 0 && qty != 0 {
		base := decimal.NewFromFloat(avg).Mul(decimal.NewFromInt(int64(qty))).Abs()
		if !base.IsZero() {
			pct, _ = decimal.NewFromFloat(pnl).Div(base).Mul(decimal.NewFromInt(100)).Round(4).Float64()
		}
	}
	return pnl, pct
}
