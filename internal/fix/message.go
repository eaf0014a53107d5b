package fix

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Session-level tags. These are fixed by the FIX framing rules and are the only
// tags the engine hardcodes; application-level tags come from a Dialect so they
// can follow the target venue's specification.
const (
	TagBeginString     = 8
	TagBodyLength      = 9
	TagCheckSum        = 10
	TagMsgSeqNum       = 34
	TagMsgType         = 35
	TagNewSeqNo        = 36
	TagPossDupFlag     = 43
	TagRefSeqNum       = 45
	TagSenderCompID    = 49
	TagSendingTime     = 52
	TagTargetCompID    = 56
	TagText            = 58
	TagBeginSeqNo      = 7
	TagEndSeqNo        = 16
	TagEncryptMethod   = 98
	TagHeartBtInt      = 108
	TagTestReqID       = 112
	TagGapFillFlag     = 123
	TagResetSeqNumFlag = 141
)

// Message types handled by the session state machine and dispatch.
const (
	MsgTypeHeartbeat         = "0"
	MsgTypeTestRequest       = "1"
	MsgTypeResendRequest     = "2"
	MsgTypeReject            = "3"
	MsgTypeSequenceReset     = "4"
	MsgTypeLogout            = "5"
	MsgTypeExecutionReport   = "8"
	MsgTypeOrderCancelReject = "9"
	MsgTypeLogon             = "A"
	MsgTypeNewOrderSingle    = "D"
	MsgTypeOrderCancel       = "F"
	MsgTypeOrderReplace      = "G"
	MsgTypeMarketDataSnap    = "W"
	MsgTypeMarketDataIncr    = "X"
)

// SendingTimeFormat is the FIX UTCTimestamp layout with millisecond precision.
const SendingTimeFormat = "20060102-15:04:05.000"

// Field is a single tag=value pair. Body fields are kept in wire order so
// unknown and venue-specific tags survive a decode/encode round trip untouched.
type Field struct {
	Tag   int
	Value string
}

// Message is one FIX message with the framing and session header fields lifted
// into typed form. Everything else stays in Body, in order.
type Message struct {
	BeginString  string
	MsgType      string
	SeqNum       uint64
	PossDup      bool
	SenderCompID string
	TargetCompID string
	SendingTime  time.Time

	Body []Field

	// Captured is stamped by the codec from its monotonic clock at the moment
	// the message crossed the encode/decode boundary.
	Captured time.Time
}

// NewMessage returns a message of the given type with an empty body.
func NewMessage(msgType string) *Message {
	return &Message{MsgType: msgType}
}

// Set appends or replaces a body field.
func (m *Message) Set(tag int, value string) *Message {
	for i := range m.Body {
		if m.Body[i].Tag == tag {
			m.Body[i].Value = value
			return m
		}
	}
	m.Body = append(m.Body, Field{Tag: tag, Value: value})
	return m
}

// SetInt formats and sets an integer body field.
func (m *Message) SetInt(tag int, value int64) *Message {
	return m.Set(tag, fmt.Sprintf("%d", value))
}

// SetDecimal sets a fixed-point decimal body field. Decimals render without
// exponent notation so the wire form is always plain digits.
func (m *Message) SetDecimal(tag int, value decimal.Decimal) *Message {
	return m.Set(tag, value.String())
}

// Get returns the first body field with the given tag.
func (m *Message) Get(tag int) (string, bool) {
	for i := range m.Body {
		if m.Body[i].Tag == tag {
			return m.Body[i].Value, true
		}
	}
	return "", false
}

// GetInt parses an integer body field.
func (m *Message) GetInt(tag int) (int64, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, fmt.Errorf("tag %d not present", tag)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tag %d: invalid integer %q: %w", tag, v, err)
	}
	return n, nil
}

// GetDecimal parses a price or quantity field directly into a fixed-point
// decimal. There is deliberately no float path anywhere in the codec.
func (m *Message) GetDecimal(tag int) (decimal.Decimal, error) {
	v, ok := m.Get(tag)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("tag %d not present", tag)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("tag %d: invalid decimal %q: %w", tag, v, err)
	}
	return d, nil
}

// IsAdmin reports whether the message is session-level rather than application
// traffic.
func (m *Message) IsAdmin() bool {
	switch m.MsgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest,
		MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// Dialect maps the gateway's application-level field names onto the tag numbers
// of the target venue. Defaults follow FIX 4.2; venues that renumber or extend
// tags override this through configuration.
type Dialect struct {
	ClOrdID      int `mapstructure:"cl_ord_id"`
	OrigClOrdID  int `mapstructure:"orig_cl_ord_id"`
	OrderID      int `mapstructure:"order_id"`
	ExecID       int `mapstructure:"exec_id"`
	ExecType     int `mapstructure:"exec_type"`
	OrdStatus    int `mapstructure:"ord_status"`
	Symbol       int `mapstructure:"symbol"`
	Side         int `mapstructure:"side"`
	OrderQty     int `mapstructure:"order_qty"`
	OrdType      int `mapstructure:"ord_type"`
	Price        int `mapstructure:"price"`
	TimeInForce  int `mapstructure:"time_in_force"`
	LastPx       int `mapstructure:"last_px"`
	LastQty      int `mapstructure:"last_qty"`
	LeavesQty    int `mapstructure:"leaves_qty"`
	CumQty       int `mapstructure:"cum_qty"`
	AvgPx        int `mapstructure:"avg_px"`
	TransactTime int `mapstructure:"transact_time"`
	CxlRejReason int `mapstructure:"cxl_rej_reason"`
	OrdRejReason int `mapstructure:"ord_rej_reason"`
	MDEntryType  int `mapstructure:"md_entry_type"`
	MDEntryPx    int `mapstructure:"md_entry_px"`
	MDEntrySize  int `mapstructure:"md_entry_size"`
	MDUpdateID   int `mapstructure:"md_update_id"`
}

// DefaultDialect returns the standard FIX 4.2 tag numbers.
func DefaultDialect() Dialect {
	return Dialect{
		ClOrdID:      11,
		OrigClOrdID:  41,
		OrderID:      37,
		ExecID:       17,
		ExecType:     150,
		OrdStatus:    39,
		Symbol:       55,
		Side:         54,
		OrderQty:     38,
		OrdType:      40,
		Price:        44,
		TimeInForce:  59,
		LastPx:       31,
		LastQty:      32,
		LeavesQty:    151,
		CumQty:       14,
		AvgPx:        6,
		TransactTime: 60,
		CxlRejReason: 102,
		OrdRejReason: 103,
		MDEntryType:  269,
		MDEntryPx:    270,
		MDEntrySize:  271,
		MDUpdateID:   278,
	}
}
