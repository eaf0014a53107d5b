package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType enumerates the order events exposed downstream.
type EventType string

const (
	EventOrderAcknowledged   EventType = "OrderAcknowledged"
	EventOrderPartiallyFill  EventType = "OrderPartiallyFilled"
	EventOrderFilled         EventType = "OrderFilled"
	EventOrderCancelled      EventType = "OrderCancelled"
	EventOrderRejected       EventType = "OrderRejected"
	EventOrderReplaced       EventType = "OrderReplaced"
	EventOrderExpired        EventType = "OrderExpired"
	EventExecutionReceived   EventType = "ExecutionReceived"
	EventReconcileAnomaly    EventType = "ReconciliationAnomaly"
	EventCancelRejected      EventType = "CancelRejected"
	EventSessionDisconnected EventType = "SessionDisconnected"
)

// Event is one order-lifecycle notification for logging, metrics and
// compliance consumers. Immutable once published.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	ClOrdID   string          `json:"cl_ord_id"`
	Symbol    string          `json:"symbol,omitempty"`
	Status    Status          `json:"status,omitempty"`
	CumQty    decimal.Decimal `json:"cum_qty"`
	AvgPx     decimal.Decimal `json:"avg_px"`
	LeavesQty decimal.Decimal `json:"leaves_qty"`
	Reason    string          `json:"reason,omitempty"`
	ExecID    string          `json:"exec_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink consumes order events. Publication must not block the order path for
// long; implementations buffer or drop rather than stall.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, event Event) {}

func newEvent(t EventType, o *Order) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		SessionID: o.SessionID,
		ClOrdID:   o.ClOrdID,
		Symbol:    o.Symbol,
		Status:    o.Status,
		CumQty:    o.CumQty,
		AvgPx:     o.AvgPx,
		LeavesQty: o.LeavesQty(),
		Timestamp: time.Now(),
	}
}
