package clock

import "time"

// Clock supplies capture timestamps for wire-level encode/decode. Timestamps are
// taken at the codec boundary, not at message construction, so measured latency
// reflects time on the wire.
type Clock interface {
	Now() time.Time
}

// Monotonic reads the system clock; Go's time.Now carries a monotonic component,
// which is the closest portable equivalent to a hardware timestamp source.
type Monotonic struct{}

func (Monotonic) Now() time.Time {
	return time.Now()
}

// Fixed always returns the same instant. Test use only.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time {
	return f.T
}
