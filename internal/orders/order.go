package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides. SellShort is carried separately from Sell because venues apply
// different locate rules to it.
type Side string

const (
	SideBuy       Side = "BUY"
	SideSell      Side = "SELL"
	SideSellShort Side = "SELL_SHORT"
)

// FIXValue returns the wire value for tag Side(54).
func (s Side) FIXValue() string {
	switch s {
	case SideBuy:
		return "1"
	case SideSell:
		return "2"
	case SideSellShort:
		return "5"
	}
	return ""
}

// Order types.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// FIXValue returns the wire value for tag OrdType(40).
func (t OrderType) FIXValue() string {
	switch t {
	case TypeMarket:
		return "1"
	case TypeLimit:
		return "2"
	}
	return ""
}

// Time in force.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// FIXValue returns the wire value for tag TimeInForce(59).
func (t TimeInForce) FIXValue() string {
	switch t {
	case TIFDay:
		return "0"
	case TIFGTC:
		return "1"
	case TIFIOC:
		return "3"
	case TIFFOK:
		return "4"
	}
	return ""
}

// Order statuses.
type Status string

const (
	StatusPendingNew      Status = "PENDING_NEW"
	StatusAcknowledged    Status = "ACKNOWLEDGED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusPendingCancel   Status = "PENDING_CANCEL"
	StatusCancelled       Status = "CANCELLED"
	StatusPendingReplace  Status = "PENDING_REPLACE"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether no further transitions are reachable.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Execution is one fill event. Immutable once created; appended to an order's
// execution list, never mutated or removed.
type Execution struct {
	ExecID    string
	ClOrdID   string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	LeavesQty decimal.Decimal
	Timestamp time.Time
}

// Order is one client order. All quantity and price arithmetic is fixed-point
// decimal; the invariant CumQty <= Quantity is enforced on every execution.
type Order struct {
	ClOrdID      string
	VenueOrderID string
	SessionID    string
	Symbol       string
	Side         Side
	Type         OrderType
	TimeInForce  TimeInForce
	Quantity     decimal.Decimal
	Price        decimal.Decimal

	Status       Status
	CumQty       decimal.Decimal
	AvgPx        decimal.Decimal
	RejectReason string

	Executions []Execution

	CreatedAt time.Time
	UpdatedAt time.Time

	// priorStatus backs out a pending cancel/replace when the venue rejects it.
	priorStatus Status
	// pending replacement values applied when the venue confirms.
	pendingQty   *decimal.Decimal
	pendingPrice *decimal.Decimal
}

// LeavesQty returns the remaining open quantity.
func (o *Order) LeavesQty() decimal.Decimal {
	return o.Quantity.Sub(o.CumQty)
}

// transition moves the order to a new status after checking the legality
// table. Illegal transitions leave the observable state unchanged.
func (o *Order) transition(to Status) error {
	if !legalTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrIllegalTransition, o.Status, to, o.ClOrdID)
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

// snapshot returns a deep copy safe to hand outside the table's lock.
func (o *Order) snapshot() Order {
	cp := *o
	cp.Executions = make([]Execution, len(o.Executions))
	copy(cp.Executions, o.Executions)
	cp.pendingQty = nil
	cp.pendingPrice = nil
	return cp
}
