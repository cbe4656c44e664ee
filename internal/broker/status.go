package broker

// OrderStatus is the canonical order lifecycle enum. UNKNOWN marks broker
// status strings outside an adapter's mapping table; it is logged but never
// treated as terminal.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transition is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a member of the canonical enum.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPartiallyFilled,
		StatusFilled, StatusRejected, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}
