package broker

import "fmt"

// ValidateOrderRequest enforces the canonical request invariants before any
// network dispatch. allowedExt is the adapter's extension allow-list.
func ValidateOrderRequest(req OrderRequest, allowedExt []string) error {
	if req.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if req.Exchange == "" {
		return &ValidationError{Field: "exchange", Reason: "required"}
	}
	switch req.Side {
	case SideBuy, SideSell:
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unsupported value %q", req.Side)}
	}
	if req.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	}
	if req.DisclosedQuantity < 0 {
		return &ValidationError{Field: "disclosed_quantity", Reason: "must not be negative"}
	}
	if req.DisclosedQuantity > req.Quantity {
		return &ValidationError{Field: "disclosed_quantity", Reason: "exceeds quantity"}
	}
	if req.Price < 0 {
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if req.TriggerPrice < 0 {
		return &ValidationError{Field: "trigger_price", Reason: "must not be negative"}
	}

	switch req.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if req.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "required for LIMIT orders"}
		}
	case OrderTypeStop:
		if req.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "required for STOP orders"}
		}
		if req.TriggerPrice <= 0 {
			return &ValidationError{Field: "trigger_price", Reason: "required for STOP orders"}
		}
	case OrderTypeStopMarket:
		if req.TriggerPrice <= 0 {
			return &ValidationError{Field: "trigger_price", Reason: "required for STOP_MARKET orders"}
		}
	default:
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unsupported value %q", req.OrderType)}
	}

	switch req.Product {
	case ProductIntraday, ProductDelivery, ProductNormal:
	default:
		return &ValidationError{Field: "product", Reason: fmt.Sprintf("unsupported value %q", req.Product)}
	}

	switch req.Validity {
	case "", ValidityDay, ValidityIOC:
	default:
		return &ValidationError{Field: "validity", Reason: fmt.Sprintf("unsupported value %q", req.Validity)}
	}

	if len(req.Extensions) > 0 {
		allowed := make(map[string]struct{}, len(allowedExt))
		for _, k := range allowedExt {
			allowed[k] = struct{}{}
		}
		for k := range req.Extensions {
			if _, ok := allowed[k]; !ok {
				return &ValidationError{Field: "extensions", Reason: fmt.Sprintf("key %q not accepted by this broker", k)}
			}
		}
	}
	return nil
}
