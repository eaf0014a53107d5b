package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quantfabric/fixgate/pkg/clock"
)

// SOH is the FIX field delimiter. It is declared as a typed byte constant, not
// an escape sequence inside a string literal, so no source-text transformation
// can ever corrupt it. The codec tests verify the encoded stream byte-by-byte.
const SOH byte = 0x01

// ErrNeedMoreData signals that the buffer holds only a partial frame. The
// caller keeps the bytes and retries after the next transport read.
var ErrNeedMoreData = errors.New("fix: need more data")

// CodecError describes a malformed frame. Protocol errors are surfaced, logged
// by the session and the frame discarded; they never crash the process.
type CodecError struct {
	Reason string
	Offset int
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("fix: %s at offset %d", e.Reason, e.Offset)
}

// trailer is "10=" + 3 checksum digits + SOH.
const trailerLen = 7

// Codec encodes and decodes FIX tag=value messages. It is stateless apart from
// the clock used to stamp capture timestamps, so one codec may be shared by
// the reader and writer of a session.
type Codec struct {
	clock clock.Clock
}

func NewCodec(c clock.Clock) *Codec {
	if c == nil {
		c = clock.Monotonic{}
	}
	return &Codec{clock: c}
}

// Encode renders the message with computed BodyLength and CheckSum. The
// SendingTime and capture timestamp are taken here, at the wire boundary.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if m.BeginString == "" {
		return nil, &CodecError{Reason: "missing BeginString"}
	}
	if m.MsgType == "" {
		return nil, &CodecError{Reason: "missing MsgType"}
	}

	now := c.clock.Now()
	m.Captured = now
	if m.SendingTime.IsZero() {
		m.SendingTime = now
	}

	var body bytes.Buffer
	writeField(&body, TagMsgType, m.MsgType)
	writeField(&body, TagMsgSeqNum, strconv.FormatUint(m.SeqNum, 10))
	if m.PossDup {
		writeField(&body, TagPossDupFlag, "Y")
	}
	writeField(&body, TagSenderCompID, m.SenderCompID)
	writeField(&body, TagTargetCompID, m.TargetCompID)
	writeField(&body, TagSendingTime, m.SendingTime.UTC().Format(SendingTimeFormat))
	for _, f := range m.Body {
		writeField(&body, f.Tag, f.Value)
	}

	var out bytes.Buffer
	out.Grow(body.Len() + 32)
	writeField(&out, TagBeginString, m.BeginString)
	writeField(&out, TagBodyLength, strconv.Itoa(body.Len()))
	out.Write(body.Bytes())

	sum := checksum(out.Bytes())
	fmt.Fprintf(&out, "%d=%03d", TagCheckSum, sum)
	out.WriteByte(SOH)

	return out.Bytes(), nil
}

// Decode parses one message from the front of buf and returns it with the
// number of bytes consumed. A partial frame yields ErrNeedMoreData and zero
// consumed, so the session can buffer across socket reads.
func (c *Codec) Decode(buf []byte) (*Message, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}
	if buf[0] != '8' || buf[1] != '=' {
		return nil, 0, &CodecError{Reason: "frame does not start with BeginString"}
	}

	firstSOH := bytes.IndexByte(buf, SOH)
	if firstSOH < 0 {
		return nil, 0, ErrNeedMoreData
	}
	rest := buf[firstSOH+1:]
	secondSOH := bytes.IndexByte(rest, SOH)
	if secondSOH < 0 {
		return nil, 0, ErrNeedMoreData
	}
	lenField := rest[:secondSOH]
	if len(lenField) < 2 || lenField[0] != '9' || lenField[1] != '=' {
		return nil, 0, &CodecError{Reason: "BodyLength not second field", Offset: firstSOH + 1}
	}
	bodyLen, err := strconv.Atoi(string(lenField[2:]))
	if err != nil || bodyLen < 0 {
		return nil, 0, &CodecError{Reason: "invalid BodyLength", Offset: firstSOH + 3}
	}

	headerLen := firstSOH + 1 + secondSOH + 1
	total := headerLen + bodyLen + trailerLen
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	trailer := buf[headerLen+bodyLen : total]
	if trailer[0] != '1' || trailer[1] != '0' || trailer[2] != '=' || trailer[6] != SOH {
		return nil, 0, &CodecError{Reason: "malformed CheckSum field", Offset: headerLen + bodyLen}
	}
	want, err := strconv.Atoi(string(trailer[3:6]))
	if err != nil {
		return nil, 0, &CodecError{Reason: "invalid CheckSum value", Offset: headerLen + bodyLen + 3}
	}
	if got := checksum(buf[:headerLen+bodyLen]); got != want {
		return nil, 0, &CodecError{
			Reason: fmt.Sprintf("checksum mismatch: computed %03d, frame says %03d", got, want),
			Offset: headerLen + bodyLen,
		}
	}

	m := &Message{Captured: c.clock.Now()}
	if err := parseFields(buf[:headerLen+bodyLen], m); err != nil {
		return nil, 0, err
	}
	if m.MsgType == "" {
		return nil, 0, &CodecError{Reason: "missing MsgType"}
	}
	return m, total, nil
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(SOH)
}

func parseSendingTime(value string) (t time.Time, err error) {
	if t, err = time.Parse(SendingTimeFormat, value); err == nil {
		return t, nil
	}
	// Some venues send whole-second timestamps.
	return time.Parse("20060102-15:04:05", value)
}

func checksum(data []byte) int {
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return sum % 256
}

func parseFields(data []byte, m *Message) error {
	offset := 0
	for len(data) > 0 {
		end := bytes.IndexByte(data, SOH)
		if end < 0 {
			return &CodecError{Reason: "unterminated field", Offset: offset}
		}
		raw := data[:end]
		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 {
			return &CodecError{Reason: "field without tag", Offset: offset}
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil {
			return &CodecError{Reason: "non-numeric tag", Offset: offset}
		}
		value := string(raw[eq+1:])

		switch tag {
		case TagBeginString:
			m.BeginString = value
		case TagBodyLength:
			// framing already validated
		case TagMsgType:
			m.MsgType = value
		case TagMsgSeqNum:
			seq, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return &CodecError{Reason: "invalid MsgSeqNum", Offset: offset}
			}
			m.SeqNum = seq
		case TagPossDupFlag:
			m.PossDup = value == "Y"
		case TagSenderCompID:
			m.SenderCompID = value
		case TagTargetCompID:
			m.TargetCompID = value
		case TagSendingTime:
			if t, err := parseSendingTime(value); err == nil {
				m.SendingTime = t
			}
		default:
			// Unknown and venue-specific tags pass through opaquely, in order.
			m.Body = append(m.Body, Field{Tag: tag, Value: value})
		}

		data = data[end+1:]
		offset += end + 1
	}
	return nil
}
