package fix

import (
	"github.com/tidwall/btree"
)

// GapResult classifies an inbound sequence number against the expected next.
type GapResult int

const (
	// InSequence means the message carries exactly the expected number.
	InSequence GapResult = iota
	// Duplicate means the number was already processed; honored PossDup
	// retransmissions land here and are discarded without error.
	Duplicate
	// Ahead means one or more messages are missing; the session must request
	// a resend and buffer the early arrival.
	Ahead
)

// SequenceTracker owns the sequence-number state of one session: the next
// outbound number, the expected inbound number, and a buffer of out-of-order
// arrivals keyed by sequence so they replay in order once the gap closes.
//
// The tracker does no I/O and is not safe for concurrent use; each session
// touches it only from its owning reader (inbound) and writer (outbound)
// goroutine, which never share the same half of the state.
type SequenceTracker struct {
	nextOut    uint64
	expectedIn uint64

	gapFrom uint64
	gapTo   uint64
	pending bool

	buffer btree.Map[uint64, *Message]
}

// NewSequenceTracker starts from persisted sequence numbers. Both are the
// next numbers to use, not the last used.
func NewSequenceTracker(nextOut, expectedIn uint64) *SequenceTracker {
	if nextOut == 0 {
		nextOut = 1
	}
	if expectedIn == 0 {
		expectedIn = 1
	}
	return &SequenceTracker{nextOut: nextOut, expectedIn: expectedIn}
}

// NextOutbound allocates the next outbound sequence number. Strictly monotonic,
// incremented by one per call.
func (t *SequenceTracker) NextOutbound() uint64 {
	n := t.nextOut
	t.nextOut++
	return n
}

// PeekOutbound returns the number the next send will use without consuming it.
func (t *SequenceTracker) PeekOutbound() uint64 {
	return t.nextOut
}

// ExpectedInbound returns the next inbound sequence number the tracker will
// accept as in order.
func (t *SequenceTracker) ExpectedInbound() uint64 {
	return t.expectedIn
}

// Track classifies an inbound message. For an in-sequence arrival it advances
// the expected number and returns the message followed by any buffered
// messages that are now contiguous, in sequence order. Ahead arrivals are
// buffered; duplicates are dropped.
func (t *SequenceTracker) Track(m *Message) (GapResult, []*Message) {
	switch {
	case m.SeqNum < t.expectedIn:
		return Duplicate, nil
	case m.SeqNum > t.expectedIn:
		t.buffer.Set(m.SeqNum, m)
		if !t.pending {
			t.gapFrom = t.expectedIn
			t.pending = true
		}
		if m.SeqNum-1 > t.gapTo {
			t.gapTo = m.SeqNum - 1
		}
		return Ahead, nil
	}

	ready := []*Message{m}
	t.expectedIn++
	for {
		next, ok := t.buffer.Get(t.expectedIn)
		if !ok {
			break
		}
		t.buffer.Delete(t.expectedIn)
		ready = append(ready, next)
		t.expectedIn++
	}
	if t.pending && t.expectedIn > t.gapTo {
		t.pending = false
		t.gapFrom, t.gapTo = 0, 0
	}
	return InSequence, ready
}

// GapFill applies a SequenceReset-GapFill: the counterparty declares that the
// range up to newSeq-1 will never be retransmitted (admin messages are not
// replayed). Buffered messages below newSeq are discarded and any now-contiguous
// tail is returned for processing.
func (t *SequenceTracker) GapFill(newSeq uint64) []*Message {
	if newSeq <= t.expectedIn {
		return nil
	}
	for {
		min, _, ok := t.buffer.Min()
		if !ok || min >= newSeq {
			break
		}
		t.buffer.Delete(min)
	}
	t.expectedIn = newSeq

	var ready []*Message
	for {
		next, ok := t.buffer.Get(t.expectedIn)
		if !ok {
			break
		}
		t.buffer.Delete(t.expectedIn)
		ready = append(ready, next)
		t.expectedIn++
	}
	if t.pending && t.expectedIn > t.gapTo {
		t.pending = false
		t.gapFrom, t.gapTo = 0, 0
	}
	return ready
}

// PendingResend reports the open resend range, if any.
func (t *SequenceTracker) PendingResend() (from, to uint64, ok bool) {
	if !t.pending {
		return 0, 0, false
	}
	return t.gapFrom, t.gapTo, true
}

// Buffered returns the number of out-of-order messages currently held.
func (t *SequenceTracker) Buffered() int {
	return t.buffer.Len()
}
