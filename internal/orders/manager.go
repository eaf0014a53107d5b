package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/fixgate/internal/fix"
	"github.com/quantfabric/fixgate/pkg/metrics"
)

var (
	// ErrValidation marks a bad order request; it never reaches the wire.
	ErrValidation = errors.New("orders: invalid request")
	// ErrUnknownOrder marks a ClOrdID absent from the active table.
	ErrUnknownOrder = errors.New("orders: unknown order")
	// ErrIllegalTransition marks a state change not in the legality table.
	ErrIllegalTransition = errors.New("orders: illegal transition")
	// ErrDuplicateClOrdID marks a submit reusing a live ClOrdID.
	ErrDuplicateClOrdID = errors.New("orders: duplicate ClOrdID")
)

// ExecType values of interest from tag 150.
const (
	execTypeNew            = "0"
	execTypePartialFill    = "1"
	execTypeFill           = "2"
	execTypeCanceled       = "4"
	execTypeReplaced       = "5"
	execTypePendingCancel  = "6"
	execTypeRejected       = "8"
	execTypeExpired        = "C"
	execTypePendingReplace = "E"
)

// Sender is the slice of a FIX session the order manager needs. *fix.Session
// satisfies it.
type Sender interface {
	ID() string
	Send(m *fix.Message) error
}

// Router chooses the session an outbound order targets.
type Router interface {
	Route(symbol string) (Sender, error)
}

// Request is a domain order submission.
type Request struct {
	ClOrdID     string      `validate:"omitempty,max=64"`
	Symbol      string      `validate:"required,min=1,max=21"`
	Side        Side        `validate:"required,oneof=BUY SELL SELL_SHORT"`
	Type        OrderType   `validate:"required,oneof=LIMIT MARKET"`
	TimeInForce TimeInForce `validate:"omitempty,oneof=DAY GTC IOC FOK"`
	Quantity    decimal.Decimal
	Price       decimal.Decimal
}

// Criteria selects orders for a mass cancel. Zero fields match everything.
type Criteria struct {
	SessionID string
	Symbol    string
	Side      Side
}

// MassCancelResult reports how many cancels were issued and which orders
// could not be cancelled. Partial failures are collected, never
// short-circuited.
type MassCancelResult struct {
	Requested int
	Issued    int
	Failures  map[string]error
}

// Manager owns the authoritative table of outstanding orders. All mutations
// run single-order-scoped under the table's per-shard locks; cross-order
// invariants are out of scope here.
type Manager struct {
	logger   *zap.Logger
	validate *validator.Validate
	dialect  fix.Dialect
	router   Router
	table    *table
	sink     Sink
}

// NewManager wires an order manager. A nil sink drops events.
func NewManager(router Router, dialect fix.Dialect, sink Sink, logger *zap.Logger) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	return &Manager{
		logger:   logger,
		validate: validator.New(),
		dialect:  dialect,
		router:   router,
		table:    newTable(),
		sink:     sink,
	}
}

// Submit validates the request, registers the order as PendingNew and sends a
// NewOrderSingle through the routed session. Invalid input fails fast before
// anything reaches the wire.
func (m *Manager) Submit(ctx context.Context, req Request) (Order, error) {
	if err := m.validateRequest(req); err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return Order{}, err
	}
	if req.TimeInForce == "" {
		req.TimeInForce = TIFDay
	}
	clOrdID := req.ClOrdID
	if clOrdID == "" {
		clOrdID = uuid.NewString()
	}

	sender, err := m.router.Route(req.Symbol)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("routing").Inc()
		return Order{}, fmt.Errorf("route %s: %w", req.Symbol, err)
	}

	now := time.Now()
	order := &Order{
		ClOrdID:     clOrdID,
		SessionID:   sender.ID(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		Price:       req.Price,
		Status:      StatusPendingNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !m.table.insert(order) {
		return Order{}, fmt.Errorf("%w: %s", ErrDuplicateClOrdID, clOrdID)
	}

	msg := fix.NewMessage(fix.MsgTypeNewOrderSingle).
		Set(m.dialect.ClOrdID, clOrdID).
		Set(m.dialect.Symbol, req.Symbol).
		Set(m.dialect.Side, req.Side.FIXValue()).
		SetDecimal(m.dialect.OrderQty, req.Quantity).
		Set(m.dialect.OrdType, req.Type.FIXValue()).
		Set(m.dialect.TimeInForce, req.TimeInForce.FIXValue()).
		Set(m.dialect.TransactTime, now.UTC().Format(fix.SendingTimeFormat))
	if req.Type == TypeLimit {
		msg.SetDecimal(m.dialect.Price, req.Price)
	}

	if err := sender.Send(msg); err != nil {
		sendErr := err
		var snap Order
		_ = m.table.update(clOrdID, func(o *Order) error {
			o.Status = StatusRejected
			o.RejectReason = sendErr.Error()
			o.UpdatedAt = time.Now()
			snap = o.snapshot()
			return nil
		})
		metrics.OrdersRejected.WithLabelValues("send").Inc()
		m.emit(ctx, EventOrderRejected, snap, sendErr.Error())
		return Order{}, fmt.Errorf("send order %s: %w", clOrdID, err)
	}

	metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()
	m.logger.Info("order submitted",
		zap.String("cl_ord_id", clOrdID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("qty", req.Quantity.String()))
	snap, _ := m.table.get(clOrdID)
	return snap, nil
}

func (m *Manager) validateRequest(req Request) error {
	if err := m.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if req.Type == TypeLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: limit order requires a positive price", ErrValidation)
	}
	if req.Type == TypeMarket && !req.Price.IsZero() {
		return fmt.Errorf("%w: market order must not carry a price", ErrValidation)
	}
	return nil
}

// Cancel requests venue cancellation. Legal only from Acknowledged or
// PartiallyFilled; the order parks in PendingCancel until the venue answers.
func (m *Manager) Cancel(ctx context.Context, clOrdID string) error {
	var msg *fix.Message
	var sessionID string
	err := m.table.update(clOrdID, func(o *Order) error {
		if o.Status != StatusAcknowledged && o.Status != StatusPartiallyFilled {
			return fmt.Errorf("%w: cancel from %s (order %s)", ErrIllegalTransition, o.Status, clOrdID)
		}
		o.priorStatus = o.Status
		if err := o.transition(StatusPendingCancel); err != nil {
			return err
		}
		sessionID = o.SessionID
		msg = fix.NewMessage(fix.MsgTypeOrderCancel).
			Set(m.dialect.ClOrdID, uuid.NewString()).
			Set(m.dialect.OrigClOrdID, clOrdID).
			Set(m.dialect.Symbol, o.Symbol).
			Set(m.dialect.Side, o.Side.FIXValue()).
			SetDecimal(m.dialect.OrderQty, o.Quantity).
			Set(m.dialect.TransactTime, time.Now().UTC().Format(fix.SendingTimeFormat))
		return nil
	})
	if err != nil {
		return err
	}
	return m.sendOrRevert(ctx, clOrdID, sessionID, msg)
}

// Replace requests a quantity and/or price amendment with the same pending
// and rollback discipline as Cancel.
func (m *Manager) Replace(ctx context.Context, clOrdID string, newQty, newPrice *decimal.Decimal) error {
	if newQty == nil && newPrice == nil {
		return fmt.Errorf("%w: replace needs a new quantity or price", ErrValidation)
	}
	if newQty != nil && newQty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: replacement quantity must be positive", ErrValidation)
	}
	if newPrice != nil && newPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: replacement price must be positive", ErrValidation)
	}

	var msg *fix.Message
	var sessionID string
	err := m.table.update(clOrdID, func(o *Order) error {
		if o.Status != StatusAcknowledged && o.Status != StatusPartiallyFilled {
			return fmt.Errorf("%w: replace from %s (order %s)", ErrIllegalTransition, o.Status, clOrdID)
		}
		if newQty != nil && newQty.LessThan(o.CumQty) {
			return fmt.Errorf("%w: replacement quantity below executed quantity", ErrValidation)
		}
		o.priorStatus = o.Status
		if err := o.transition(StatusPendingReplace); err != nil {
			return err
		}
		o.pendingQty = newQty
		o.pendingPrice = newPrice
		sessionID = o.SessionID

		qty := o.Quantity
		if newQty != nil {
			qty = *newQty
		}
		price := o.Price
		if newPrice != nil {
			price = *newPrice
		}
		msg = fix.NewMessage(fix.MsgTypeOrderReplace).
			Set(m.dialect.ClOrdID, uuid.NewString()).
			Set(m.dialect.OrigClOrdID, clOrdID).
			Set(m.dialect.Symbol, o.Symbol).
			Set(m.dialect.Side, o.Side.FIXValue()).
			SetDecimal(m.dialect.OrderQty, qty).
			Set(m.dialect.OrdType, o.Type.FIXValue()).
			Set(m.dialect.TransactTime, time.Now().UTC().Format(fix.SendingTimeFormat))
		if o.Type == TypeLimit {
			msg.SetDecimal(m.dialect.Price, price)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return m.sendOrRevert(ctx, clOrdID, sessionID, msg)
}

// sendOrRevert forwards a cancel/replace request; a send failure rolls the
// order back to its prior state so it is never stranded in a pending status.
func (m *Manager) sendOrRevert(ctx context.Context, clOrdID, sessionID string, msg *fix.Message) error {
	sender, err := m.senderFor(sessionID)
	if err != nil {
		m.revertPending(ctx, clOrdID, err.Error())
		return err
	}
	if err := sender.Send(msg); err != nil {
		m.revertPending(ctx, clOrdID, err.Error())
		return fmt.Errorf("send for order %s: %w", clOrdID, err)
	}
	return nil
}

func (m *Manager) revertPending(ctx context.Context, clOrdID, reason string) {
	_ = m.table.update(clOrdID, func(o *Order) error {
		if o.Status == StatusPendingCancel || o.Status == StatusPendingReplace {
			o.Status = o.priorStatus
			o.RejectReason = reason
			o.pendingQty = nil
			o.pendingPrice = nil
			o.UpdatedAt = time.Now()
		}
		return nil
	})
}

// MassCancel issues individual cancels for every active order matching the
// criteria. The iteration runs over a consistent snapshot of the table.
func (m *Manager) MassCancel(ctx context.Context, criteria Criteria) (MassCancelResult, error) {
	candidates := m.table.snapshotWhere(func(o *Order) bool {
		if o.Status != StatusAcknowledged && o.Status != StatusPartiallyFilled {
			return false
		}
		if criteria.SessionID != "" && o.SessionID != criteria.SessionID {
			return false
		}
		if criteria.Symbol != "" && o.Symbol != criteria.Symbol {
			return false
		}
		if criteria.Side != "" && o.Side != criteria.Side {
			return false
		}
		return true
	})

	result := MassCancelResult{Requested: len(candidates), Failures: make(map[string]error)}
	for _, o := range candidates {
		if err := m.Cancel(ctx, o.ClOrdID); err != nil {
			result.Failures[o.ClOrdID] = err
			continue
		}
		result.Issued++
	}
	if len(result.Failures) > 0 {
		return result, fmt.Errorf("mass cancel: %d of %d cancels failed", len(result.Failures), result.Requested)
	}
	return result, nil
}

// ExpirePendingAcks rejects orders still unacknowledged after maxAge. Run
// periodically so a venue that never answers cannot strand orders in
// PendingNew forever. Returns the number of orders expired.
func (m *Manager) ExpirePendingAcks(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	stale := m.table.snapshotWhere(func(o *Order) bool {
		return o.Status == StatusPendingNew && o.CreatedAt.Before(cutoff)
	})
	expired := 0
	for _, candidate := range stale {
		var snap Order
		err := m.table.update(candidate.ClOrdID, func(o *Order) error {
			if o.Status != StatusPendingNew || !o.CreatedAt.Before(cutoff) {
				return errSkipExpire
			}
			if err := o.transition(StatusRejected); err != nil {
				return err
			}
			o.RejectReason = "acknowledgement timed out"
			snap = o.snapshot()
			return nil
		})
		if err != nil {
			continue
		}
		expired++
		metrics.OrdersRejected.WithLabelValues("ack_timeout").Inc()
		m.logger.Warn("order acknowledgement timed out",
			zap.String("cl_ord_id", snap.ClOrdID),
			zap.String("session", snap.SessionID))
		m.emit(ctx, EventOrderRejected, snap, "acknowledgement timed out")
	}
	return expired
}

var errSkipExpire = errors.New("orders: order changed state before expiry")

// Get returns an immutable snapshot of one order.
func (m *Manager) Get(clOrdID string) (Order, bool) {
	return m.table.get(clOrdID)
}

// Active returns snapshots of all non-terminal orders.
func (m *Manager) Active() []Order {
	return m.table.snapshotWhere(func(o *Order) bool {
		return !o.Status.Terminal()
	})
}

// OnExecutionReport applies one venue execution report. Implements
// fix.OrderSink; called from the session's reader goroutine in wire order.
// Failures are logged and surfaced as events, never thrown: one bad report
// must not take down the gateway.
func (m *Manager) OnExecutionReport(msg *fix.Message) {
	start := time.Now()
	ctx := context.Background()

	clOrdID, ok := msg.Get(m.dialect.OrigClOrdID)
	if !ok {
		clOrdID, ok = msg.Get(m.dialect.ClOrdID)
	}
	if !ok {
		m.logger.Warn("execution report without ClOrdID")
		return
	}
	execType, _ := msg.Get(m.dialect.ExecType)

	var err error
	switch execType {
	case execTypeNew:
		err = m.applyAck(ctx, clOrdID, msg)
	case execTypePartialFill, execTypeFill:
		err = m.applyFill(ctx, clOrdID, msg)
	case execTypeCanceled:
		err = m.applyTerminal(ctx, clOrdID, StatusCancelled, EventOrderCancelled, msg)
	case execTypeReplaced:
		err = m.applyReplaced(ctx, clOrdID, msg)
	case execTypeRejected:
		err = m.applyTerminal(ctx, clOrdID, StatusRejected, EventOrderRejected, msg)
	case execTypeExpired:
		err = m.applyTerminal(ctx, clOrdID, StatusExpired, EventOrderExpired, msg)
	case execTypePendingCancel, execTypePendingReplace:
		// Venue acknowledgement of our own pending state; nothing to apply.
	default:
		m.logger.Debug("unhandled exec type",
			zap.String("exec_type", execType), zap.String("cl_ord_id", clOrdID))
	}
	if err != nil {
		m.logger.Error("failed to apply execution report",
			zap.String("cl_ord_id", clOrdID),
			zap.String("exec_type", execType),
			zap.Error(err))
	}
	metrics.ExecutionLatency.Observe(time.Since(start).Seconds())
}

func (m *Manager) applyAck(ctx context.Context, clOrdID string, msg *fix.Message) error {
	var snap Order
	err := m.table.update(clOrdID, func(o *Order) error {
		if err := o.transition(StatusAcknowledged); err != nil {
			return err
		}
		if venueID, ok := msg.Get(m.dialect.OrderID); ok {
			o.VenueOrderID = venueID
		}
		snap = o.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	m.emit(ctx, EventOrderAcknowledged, snap, "")
	return nil
}

func (m *Manager) applyFill(ctx context.Context, clOrdID string, msg *fix.Message) error {
	execID, ok := msg.Get(m.dialect.ExecID)
	if !ok {
		return fmt.Errorf("fill without ExecID for order %s", clOrdID)
	}
	lastQty, err := msg.GetDecimal(m.dialect.LastQty)
	if err != nil {
		return fmt.Errorf("fill for order %s: %w", clOrdID, err)
	}
	lastPx, err := msg.GetDecimal(m.dialect.LastPx)
	if err != nil {
		return fmt.Errorf("fill for order %s: %w", clOrdID, err)
	}

	var evt EventType
	var anomaly string
	var snap Order
	err = m.table.update(clOrdID, func(o *Order) error {
		// Idempotency on ExecID: a clean duplicate is ignored; a duplicate
		// with different contents is a reconciliation anomaly.
		for i := range o.Executions {
			if o.Executions[i].ExecID != execID {
				continue
			}
			if o.Executions[i].Quantity.Equal(lastQty) && o.Executions[i].Price.Equal(lastPx) {
				m.logger.Debug("ignoring duplicate execution",
					zap.String("exec_id", execID), zap.String("cl_ord_id", clOrdID))
				return nil
			}
			anomaly = "duplicate_exec_mismatch"
			snap = o.snapshot()
			return nil
		}

		newCum := o.CumQty.Add(lastQty)
		if newCum.GreaterThan(o.Quantity) {
			anomaly = "overfill"
			snap = o.snapshot()
			return nil
		}

		// Quantity-weighted average price, recomputed incrementally with
		// decimal-exact arithmetic.
		notional := o.AvgPx.Mul(o.CumQty).Add(lastPx.Mul(lastQty))
		o.AvgPx = notional.Div(newCum)
		o.CumQty = newCum
		o.Executions = append(o.Executions, Execution{
			ExecID:    execID,
			ClOrdID:   clOrdID,
			Quantity:  lastQty,
			Price:     lastPx,
			LeavesQty: o.Quantity.Sub(newCum),
			Timestamp: msg.Captured,
		})

		target := StatusPartiallyFilled
		evt = EventOrderPartiallyFill
		if o.LeavesQty().IsZero() {
			target = StatusFilled
			evt = EventOrderFilled
		}
		if err := o.transition(target); err != nil {
			return err
		}
		snap = o.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	if anomaly != "" {
		metrics.ReconciliationAnomalies.WithLabelValues(anomaly).Inc()
		m.logger.Error("reconciliation anomaly",
			zap.String("kind", anomaly),
			zap.String("cl_ord_id", clOrdID),
			zap.String("exec_id", execID),
			zap.String("last_qty", lastQty.String()),
			zap.String("last_px", lastPx.String()))
		m.emit(ctx, EventReconcileAnomaly, snap, anomaly)
		return nil
	}
	if evt != "" {
		m.emitExec(ctx, snap, execID)
		m.emit(ctx, evt, snap, "")
	}
	return nil
}

func (m *Manager) applyReplaced(ctx context.Context, clOrdID string, msg *fix.Message) error {
	var snap Order
	err := m.table.update(clOrdID, func(o *Order) error {
		if o.Status != StatusPendingReplace {
			return fmt.Errorf("%w: replace confirm in %s (order %s)", ErrIllegalTransition, o.Status, clOrdID)
		}
		if o.pendingQty != nil {
			o.Quantity = *o.pendingQty
		}
		if o.pendingPrice != nil {
			o.Price = *o.pendingPrice
		}
		o.pendingQty = nil
		o.pendingPrice = nil
		target := StatusAcknowledged
		if o.CumQty.GreaterThan(decimal.Zero) {
			target = StatusPartiallyFilled
		}
		if err := o.transition(target); err != nil {
			return err
		}
		snap = o.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	m.emit(ctx, EventOrderReplaced, snap, "")
	return nil
}

func (m *Manager) applyTerminal(ctx context.Context, clOrdID string, target Status, evt EventType, msg *fix.Message) error {
	reason, _ := msg.Get(m.dialect.OrdRejReason)
	if text, ok := msg.Get(fix.TagText); ok {
		if reason != "" {
			reason += ": "
		}
		reason += text
	}
	var snap Order
	err := m.table.update(clOrdID, func(o *Order) error {
		if err := o.transition(target); err != nil {
			return err
		}
		o.RejectReason = reason
		o.pendingQty = nil
		o.pendingPrice = nil
		snap = o.snapshot()
		return nil
	})
	if err != nil {
		return err
	}
	m.emit(ctx, evt, snap, reason)
	return nil
}

// OnOrderCancelReject reverts a pending cancel/replace to its prior state and
// stores the venue's reason. Implements fix.OrderSink.
func (m *Manager) OnOrderCancelReject(msg *fix.Message) {
	ctx := context.Background()
	clOrdID, ok := msg.Get(m.dialect.OrigClOrdID)
	if !ok {
		m.logger.Warn("cancel reject without OrigClOrdID")
		return
	}
	reason, _ := msg.Get(m.dialect.CxlRejReason)
	if text, ok := msg.Get(fix.TagText); ok {
		if reason != "" {
			reason += ": "
		}
		reason += text
	}

	var snap Order
	err := m.table.update(clOrdID, func(o *Order) error {
		if o.Status != StatusPendingCancel && o.Status != StatusPendingReplace {
			return fmt.Errorf("%w: cancel reject in %s (order %s)", ErrIllegalTransition, o.Status, clOrdID)
		}
		o.Status = o.priorStatus
		o.RejectReason = reason
		o.pendingQty = nil
		o.pendingPrice = nil
		o.UpdatedAt = time.Now()
		snap = o.snapshot()
		return nil
	})
	if err != nil {
		m.logger.Error("failed to apply cancel reject",
			zap.String("cl_ord_id", clOrdID), zap.Error(err))
		return
	}
	m.logger.Info("cancel/replace rejected by venue",
		zap.String("cl_ord_id", clOrdID), zap.String("reason", reason))
	m.emit(ctx, EventCancelRejected, snap, reason)
}

// emit publishes from a snapshot taken inside the mutating closure, under the
// shard lock, so the event always describes the exact state the transition
// produced.
func (m *Manager) emit(ctx context.Context, t EventType, snap Order, reason string) {
	evt := newEvent(t, &snap)
	evt.Reason = reason
	m.sink.Publish(ctx, evt)
}

func (m *Manager) emitExec(ctx context.Context, snap Order, execID string) {
	evt := newEvent(EventExecutionReceived, &snap)
	evt.ExecID = execID
	m.sink.Publish(ctx, evt)
}

func (m *Manager) senderFor(sessionID string) (Sender, error) {
	type bySession interface {
		Session(id string) (Sender, error)
	}
	if r, ok := m.router.(bySession); ok {
		return r.Session(sessionID)
	}
	return nil, fmt.Errorf("router cannot resolve session %s", sessionID)
}
