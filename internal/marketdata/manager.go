package marketdata

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/fixgate/internal/fix"
	"github.com/quantfabric/fixgate/pkg/clock"
)

// MDEntryType values from tag 269.
const (
	entryTypeBid   = "0"
	entryTypeOffer = "1"
	entryTypeTrade = "2"
)

// Snapshot is the latest known top-of-book for one instrument. Immutable once
// published; readers always see a complete, torn-free view.
type Snapshot struct {
	Symbol    string
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Ask       decimal.Decimal
	AskSize   decimal.Decimal
	LastPx    decimal.Decimal
	LastSize  decimal.Decimal
	UpdateID  uint64
	Timestamp time.Time
	Stale     bool
}

// Manager maintains last-value snapshots per instrument. Writes come from the
// session reader goroutines; reads are lock-free pointer loads so order-path
// callers never wait on the feed.
type Manager struct {
	logger    *zap.Logger
	clock     clock.Clock
	dialect   fix.Dialect
	staleness time.Duration

	mu    sync.RWMutex
	books map[string]*atomic.Pointer[Snapshot]
}

// NewManager wires a market data manager. staleness is the age past which
// GetSnapshot flags a quote; zero disables the check.
func NewManager(dialect fix.Dialect, staleness time.Duration, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Monotonic{}
	}
	return &Manager{
		logger:    logger,
		clock:     clk,
		dialect:   dialect,
		staleness: staleness,
		books:     make(map[string]*atomic.Pointer[Snapshot]),
	}
}

// OnMarketData applies one snapshot (W) or incremental (X) message. Implements
// fix.MarketDataSink. Unparseable entries are logged and skipped; the feed
// keeps running on the remaining entries.
func (m *Manager) OnMarketData(msg *fix.Message) {
	symbol, ok := msg.Get(m.dialect.Symbol)
	if !ok {
		m.logger.Warn("market data without symbol", zap.String("msg_type", msg.MsgType))
		return
	}

	full := msg.MsgType == fix.MsgTypeMarketDataSnap
	prev := m.load(symbol)

	next := Snapshot{Symbol: symbol, Timestamp: m.clock.Now()}
	if !full && prev != nil {
		next = *prev
		next.Timestamp = m.clock.Now()
		next.Stale = false
	}
	if id, err := msg.GetInt(m.dialect.MDUpdateID); err == nil {
		uid := uint64(id)
		if prev != nil && uid <= prev.UpdateID {
			// Out-of-order or replayed update; last-value semantics keep the
			// newer snapshot.
			m.logger.Debug("discarding stale market data update",
				zap.String("symbol", symbol),
				zap.Uint64("update_id", uid),
				zap.Uint64("have", prev.UpdateID))
			return
		}
		next.UpdateID = uid
	}

	m.applyEntries(msg, &next)
	m.store(symbol, &next)
}

// applyEntries walks the flattened entry fields in wire order. Each MDEntryType
// opens an entry; the px/size tags that follow belong to it until the next
// type tag.
func (m *Manager) applyEntries(msg *fix.Message, snap *Snapshot) {
	entryType := ""
	for _, f := range msg.Body {
		switch f.Tag {
		case m.dialect.MDEntryType:
			entryType = f.Value
		case m.dialect.MDEntryPx:
			px, err := decimal.NewFromString(f.Value)
			if err != nil {
				m.logger.Warn("invalid market data price",
					zap.String("symbol", snap.Symbol), zap.String("value", f.Value))
				entryType = ""
				continue
			}
			switch entryType {
			case entryTypeBid:
				snap.Bid = px
			case entryTypeOffer:
				snap.Ask = px
			case entryTypeTrade:
				snap.LastPx = px
			}
		case m.dialect.MDEntrySize:
			size, err := decimal.NewFromString(f.Value)
			if err != nil {
				m.logger.Warn("invalid market data size",
					zap.String("symbol", snap.Symbol), zap.String("value", f.Value))
				continue
			}
			switch entryType {
			case entryTypeBid:
				snap.BidSize = size
			case entryTypeOffer:
				snap.AskSize = size
			case entryTypeTrade:
				snap.LastSize = size
			}
		}
	}
}

// GetSnapshot returns the latest snapshot without blocking. The second return
// is false when the instrument has never ticked. A quote older than the
// staleness threshold is returned with Stale set rather than suppressed.
func (m *Manager) GetSnapshot(symbol string) (Snapshot, bool) {
	p := m.load(symbol)
	if p == nil {
		return Snapshot{}, false
	}
	snap := *p
	if m.staleness > 0 && m.clock.Now().Sub(snap.Timestamp) > m.staleness {
		snap.Stale = true
	}
	return snap, true
}

// Symbols returns the instruments that have received at least one update.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.books))
	for sym := range m.books {
		out = append(out, sym)
	}
	return out
}

func (m *Manager) load(symbol string) *Snapshot {
	m.mu.RLock()
	slot, ok := m.books[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return slot.Load()
}

func (m *Manager) store(symbol string, snap *Snapshot) {
	m.mu.RLock()
	slot, ok := m.books[symbol]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		slot, ok = m.books[symbol]
		if !ok {
			slot = &atomic.Pointer[Snapshot]{}
			m.books[symbol] = slot
		}
		m.mu.Unlock()
	}
	slot.Store(snap)
}
