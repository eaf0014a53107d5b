package fix

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfabric/fixgate/internal/seqstore"
)

// venueHarness scripts the counterparty side of a session over an in-memory
// pipe: it decodes what the gateway sends and answers with venue frames.
type venueHarness struct {
	t     *testing.T
	conn  net.Conn
	codec *Codec
	buf   []byte
	seq   uint64
}

func newVenueHarness(t *testing.T, conn net.Conn) *venueHarness {
	return &venueHarness{t: t, conn: conn, codec: NewCodec(nil), seq: 1}
}

// next reads frames until one complete message is decoded.
func (v *venueHarness) next() *Message {
	v.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(v.t, v.conn.SetReadDeadline(deadline))
	chunk := make([]byte, 4096)
	for {
		if m, consumed, err := v.codec.Decode(v.buf); err == nil {
			v.buf = v.buf[consumed:]
			return m
		}
		n, err := v.conn.Read(chunk)
		require.NoError(v.t, err, "venue read")
		v.buf = append(v.buf, chunk[:n]...)
	}
}

// expect reads messages until one of the wanted type arrives, skipping
// heartbeats the session may interleave.
func (v *venueHarness) expect(msgType string) *Message {
	v.t.Helper()
	for {
		m := v.next()
		if m.MsgType == msgType {
			return m
		}
		if m.MsgType == MsgTypeHeartbeat {
			continue
		}
		v.t.Fatalf("expected %s, got %s", msgType, m.MsgType)
	}
}

// send frames and writes one venue message with the next venue sequence.
func (v *venueHarness) send(m *Message) {
	v.t.Helper()
	m.BeginString = "FIX.4.2"
	m.SenderCompID = "VENUE"
	m.TargetCompID = "GATEWAY"
	m.SeqNum = v.seq
	v.seq++
	raw, err := v.codec.Encode(m)
	require.NoError(v.t, err)
	require.NoError(v.t, v.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err = v.conn.Write(raw)
	require.NoError(v.t, err)
}

// expectSilence asserts no venue-bound traffic arrives within d.
func (v *venueHarness) expectSilence(d time.Duration) {
	v.t.Helper()
	require.Empty(v.t, v.buf)
	require.NoError(v.t, v.conn.SetReadDeadline(time.Now().Add(d)))
	chunk := make([]byte, 4096)
	n, err := v.conn.Read(chunk)
	require.Error(v.t, err, "expected no traffic, got %d bytes", n)
	var ne net.Error
	require.ErrorAs(v.t, err, &ne)
	require.True(v.t, ne.Timeout())
}

// sendSeq writes a venue message with an explicit sequence number, for gap
// scenarios.
func (v *venueHarness) sendSeq(m *Message, seq uint64) {
	v.t.Helper()
	m.BeginString = "FIX.4.2"
	m.SenderCompID = "VENUE"
	m.TargetCompID = "GATEWAY"
	m.SeqNum = seq
	if seq >= v.seq {
		v.seq = seq + 1
	}
	raw, err := v.codec.Encode(m)
	require.NoError(v.t, err)
	_, err = v.conn.Write(raw)
	require.NoError(v.t, err)
}

type recordingSinks struct {
	mu      sync.Mutex
	execs   []*Message
	rejects []*Message
	md      []*Message
}

func (r *recordingSinks) OnExecutionReport(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, m)
}

func (r *recordingSinks) OnOrderCancelReject(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects = append(r.rejects, m)
}

func (r *recordingSinks) OnMarketData(m *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.md = append(r.md, m)
}

func (r *recordingSinks) execCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.execs)
}

func (r *recordingSinks) execSeqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.execs))
	for i, m := range r.execs {
		out[i] = m.SeqNum
	}
	return out
}

type recordingEvents struct {
	disconnected chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{disconnected: make(chan error, 1)}
}

func (e *recordingEvents) OnStateChange(sessionID string, from, to SessionState) {}

func (e *recordingEvents) OnDisconnected(sessionID string, err error) {
	select {
	case e.disconnected <- err:
	default:
	}
}

type sessionFixture struct {
	session *Session
	venue   *venueHarness
	sinks   *recordingSinks
	events  *recordingEvents
	store   seqstore.Store
}

func startSession(t *testing.T, mutate func(*SessionConfig), store seqstore.Store) *sessionFixture {
	t.Helper()
	gwConn, venueConn := net.Pipe()
	t.Cleanup(func() {
		gwConn.Close()
		venueConn.Close()
	})

	if store == nil {
		store = seqstore.NewMemoryStore()
	}
	cfg := SessionConfig{
		ID:                "VENUE-A",
		SenderCompID:      "GATEWAY",
		TargetCompID:      "VENUE",
		HeartbeatInterval: 30 * time.Second,
		LogonTimeout:      3 * time.Second,
		LogoutTimeout:     3 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sinks := &recordingSinks{}
	events := newRecordingEvents()
	session := NewSession(cfg, &PipeDialer{Conn: gwConn}, store, NewCodec(nil),
		sinks, sinks, events, zaptest.NewLogger(t))
	venue := newVenueHarness(t, venueConn)

	connectErr := make(chan error, 1)
	go func() { connectErr <- session.Connect(context.Background()) }()

	logon := venue.expect(MsgTypeLogon)
	assert.Equal(t, uint64(1), logon.SeqNum)
	assert.Equal(t, "GATEWAY", logon.SenderCompID)
	venue.send(NewMessage(MsgTypeLogon).
		SetInt(TagEncryptMethod, 0).
		SetInt(TagHeartBtInt, int64(cfg.HeartbeatInterval/time.Second)))

	require.NoError(t, <-connectErr)
	require.Equal(t, StateActive, session.State())

	return &sessionFixture{session: session, venue: venue, sinks: sinks, events: events, store: store}
}

func TestSessionLogonHandshake(t *testing.T) {
	f := startSession(t, nil, nil)
	status := f.session.Status()
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, uint64(2), status.NextOutbound)
	// The inbound mirror syncs just after dispatch, so poll rather than race.
	require.Eventually(t, func() bool { return f.session.Status().ExpectedIn == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestSessionLogonCarriesCredentials(t *testing.T) {
	gwConn, venueConn := net.Pipe()
	t.Cleanup(func() {
		gwConn.Close()
		venueConn.Close()
	})
	session := NewSession(SessionConfig{
		ID:           "VENUE-A",
		SenderCompID: "GATEWAY",
		TargetCompID: "VENUE",
		LogonTimeout: 3 * time.Second,
		Username:     "trader1",
		Password:     "hunter2",
	}, &PipeDialer{Conn: gwConn}, seqstore.NewMemoryStore(), NewCodec(nil),
		nil, nil, nil, zaptest.NewLogger(t))
	venue := newVenueHarness(t, venueConn)

	go session.Connect(context.Background())
	logon := venue.expect(MsgTypeLogon)
	user, _ := logon.Get(553)
	pass, _ := logon.Get(554)
	assert.Equal(t, "trader1", user)
	assert.Equal(t, "hunter2", pass)
	session.teardown(nil)
}

func TestSessionSendAssignsSequence(t *testing.T) {
	f := startSession(t, nil, nil)

	require.NoError(t, f.session.Send(NewMessage(MsgTypeNewOrderSingle).Set(11, "ORD-1")))
	order := f.venue.expect(MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(2), order.SeqNum)

	require.NoError(t, f.session.Send(NewMessage(MsgTypeNewOrderSingle).Set(11, "ORD-2")))
	order = f.venue.expect(MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(3), order.SeqNum)
}

func TestSessionSendRejectedWhenNotActive(t *testing.T) {
	session := NewSession(SessionConfig{ID: "X", SenderCompID: "A", TargetCompID: "B"},
		&PipeDialer{}, seqstore.NewMemoryStore(), NewCodec(nil), nil, nil, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, session.Send(NewMessage(MsgTypeNewOrderSingle)), ErrNotActive)
}

func TestSessionAnswersTestRequest(t *testing.T) {
	f := startSession(t, nil, nil)

	f.venue.send(NewMessage(MsgTypeTestRequest).Set(TagTestReqID, "ping-1"))
	hb := f.venue.expect(MsgTypeHeartbeat)
	id, ok := hb.Get(TagTestReqID)
	require.True(t, ok)
	assert.Equal(t, "ping-1", id)
}

func TestSessionGapTriggersResendAndReplaysInOrder(t *testing.T) {
	f := startSession(t, nil, nil)

	// Venue skips seq 2: the report with seq 3 must be buffered, not
	// dispatched, and a resend request for 2 onward (EndSeqNo 0) must go out.
	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(11, "ORD-1").Set(17, "E2"), 3)
	resend := f.venue.expect(MsgTypeResendRequest)
	from, err := resend.GetInt(TagBeginSeqNo)
	require.NoError(t, err)
	to, err := resend.GetInt(TagEndSeqNo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), from)
	assert.Equal(t, int64(0), to)
	assert.Zero(t, f.sinks.execCount())

	// The missing message arrives; both dispatch in sequence order.
	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(11, "ORD-1").Set(17, "E1"), 2)
	require.Eventually(t, func() bool { return f.sinks.execCount() == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{2, 3}, f.sinks.execSeqs())
	require.Eventually(t, func() bool { return f.session.State() == StateActive },
		2*time.Second, 10*time.Millisecond)
}

func TestSessionGapWideningSendsSingleResendRequest(t *testing.T) {
	f := startSession(t, nil, nil)

	// Venue skips seq 2 and keeps going: the widening gap must produce one
	// resend request, not one per buffered arrival.
	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(11, "ORD-1").Set(17, "E3"), 3)
	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(11, "ORD-1").Set(17, "E4"), 4)
	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(11, "ORD-1").Set(17, "E5"), 5)

	f.venue.expect(MsgTypeResendRequest)
	f.venue.expectSilence(300 * time.Millisecond)

	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(11, "ORD-1").Set(17, "E2"), 2)
	require.Eventually(t, func() bool { return f.sinks.execCount() == 4 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{2, 3, 4, 5}, f.sinks.execSeqs())
}

func TestSessionDuplicateDiscarded(t *testing.T) {
	f := startSession(t, nil, nil)

	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(17, "E1"), 2)
	require.Eventually(t, func() bool { return f.sinks.execCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	dup := NewMessage(MsgTypeExecutionReport).Set(17, "E1")
	dup.PossDup = true
	f.venue.sendSeq(dup, 2)

	// Give the reader time to (wrongly) dispatch before asserting.
	f.venue.send(NewMessage(MsgTypeTestRequest).Set(TagTestReqID, "sync"))
	f.venue.expect(MsgTypeHeartbeat)
	assert.Equal(t, 1, f.sinks.execCount())
}

func TestSessionSequenceResetGapFill(t *testing.T) {
	f := startSession(t, nil, nil)

	reset := NewMessage(MsgTypeSequenceReset).Set(TagGapFillFlag, "Y").SetInt(TagNewSeqNo, 6)
	f.venue.sendSeq(reset, 2)

	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(17, "E6"), 6)
	require.Eventually(t, func() bool { return f.sinks.execCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{6}, f.sinks.execSeqs())
}

func TestSessionAnswersResendRequestWithGapFill(t *testing.T) {
	f := startSession(t, nil, nil)

	f.venue.send(NewMessage(MsgTypeResendRequest).SetInt(TagBeginSeqNo, 1).SetInt(TagEndSeqNo, 0))
	reset := f.venue.expect(MsgTypeSequenceReset)
	flag, _ := reset.Get(TagGapFillFlag)
	assert.Equal(t, "Y", flag)
	newSeq, err := reset.GetInt(TagNewSeqNo)
	require.NoError(t, err)
	assert.Greater(t, newSeq, int64(1))
}

func TestSessionMarketDataRoutedToSink(t *testing.T) {
	f := startSession(t, nil, nil)

	f.venue.send(NewMessage(MsgTypeMarketDataSnap).Set(55, "AAPL").Set(269, "0").Set(270, "150.10"))
	require.Eventually(t, func() bool {
		f.sinks.mu.Lock()
		defer f.sinks.mu.Unlock()
		return len(f.sinks.md) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionBackpressure(t *testing.T) {
	f := startSession(t, func(cfg *SessionConfig) {
		cfg.OutboundQueueSize = 1
	}, nil)

	// The venue stops reading, so pipe writes block. At most one message can
	// sit with the writer and one in the queue; further sends must fail fast.
	var backpressured int
	for i := 0; i < 6; i++ {
		if err := f.session.Send(NewMessage(MsgTypeNewOrderSingle).SetInt(11, int64(i))); err != nil {
			require.ErrorIs(t, err, ErrBackpressure)
			backpressured++
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, backpressured, 1)
}

func TestSessionGracefulLogout(t *testing.T) {
	f := startSession(t, nil, nil)

	closeErr := make(chan error, 1)
	go func() { closeErr <- f.session.Close(context.Background()) }()

	f.venue.expect(MsgTypeLogout)
	f.venue.send(NewMessage(MsgTypeLogout))

	require.NoError(t, <-closeErr)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestSessionLogoutTimeout(t *testing.T) {
	f := startSession(t, func(cfg *SessionConfig) {
		cfg.LogoutTimeout = 200 * time.Millisecond
	}, nil)

	closeErr := make(chan error, 1)
	go func() { closeErr <- f.session.Close(context.Background()) }()
	f.venue.expect(MsgTypeLogout)
	// Venue never confirms.
	assert.ErrorIs(t, <-closeErr, ErrLogoutTimeout)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestSessionVenueInitiatedLogout(t *testing.T) {
	f := startSession(t, nil, nil)

	f.venue.send(NewMessage(MsgTypeLogout))
	select {
	case <-f.events.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down after venue logout")
	}
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestSessionSequencePersistedAcrossReconnect(t *testing.T) {
	store := seqstore.NewMemoryStore()
	f := startSession(t, nil, store)

	require.NoError(t, f.session.Send(NewMessage(MsgTypeNewOrderSingle).Set(11, "ORD-1")))
	f.venue.expect(MsgTypeNewOrderSingle)
	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(17, "E1"), 2)
	require.Eventually(t, func() bool { return f.sinks.execCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	f.session.teardown(nil)

	// A new session over a fresh pipe resumes from the persisted counters
	// instead of restarting at 1.
	gwConn, venueConn := net.Pipe()
	t.Cleanup(func() {
		gwConn.Close()
		venueConn.Close()
	})
	session := NewSession(SessionConfig{
		ID:           "VENUE-A",
		SenderCompID: "GATEWAY",
		TargetCompID: "VENUE",
		LogonTimeout: 3 * time.Second,
	}, &PipeDialer{Conn: gwConn}, store, NewCodec(nil), nil, nil, nil, zaptest.NewLogger(t))
	venue := newVenueHarness(t, venueConn)
	venue.seq = 3

	go session.Connect(context.Background())
	logon := venue.expect(MsgTypeLogon)
	assert.Equal(t, uint64(3), logon.SeqNum)
	session.teardown(nil)
}

func TestSessionResetSeqNumOnLogon(t *testing.T) {
	store := seqstore.NewMemoryStore()
	require.NoError(t, store.Persist(context.Background(), "VENUE-A",
		seqstore.State{NextOut: 50, ExpectedIn: 60}))

	f := startSession(t, func(cfg *SessionConfig) {
		cfg.ResetSeqNumOnLogon = true
	}, store)
	status := f.session.Status()
	assert.Equal(t, uint64(2), status.NextOutbound)
}

func TestSessionSurvivesMalformedFrame(t *testing.T) {
	f := startSession(t, nil, nil)

	// Raw garbage on the wire must be skipped, not kill the session.
	_, err := f.venue.conn.Write([]byte("garbage-not-fix"))
	require.NoError(t, err)

	f.venue.sendSeq(NewMessage(MsgTypeExecutionReport).Set(17, "E1"), 2)
	require.Eventually(t, func() bool { return f.sinks.execCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateActive, f.session.State())
}

func TestSessionLargeFrameAcrossReads(t *testing.T) {
	f := startSession(t, nil, nil)

	// A report far bigger than the reader's steady-state buffer arrives split
	// across many transport reads; the partial frame must accumulate and
	// dispatch intact.
	text := strings.Repeat("A", 80*1024)
	f.venue.send(NewMessage(MsgTypeExecutionReport).
		Set(11, "ORD-1").Set(17, "E1").Set(TagText, text))

	require.Eventually(t, func() bool { return f.sinks.execCount() == 1 },
		5*time.Second, 10*time.Millisecond)
	f.sinks.mu.Lock()
	got, ok := f.sinks.execs[0].Get(TagText)
	f.sinks.mu.Unlock()
	require.True(t, ok)
	assert.Len(t, got, 80*1024)
	assert.Equal(t, StateActive, f.session.State())
}

func TestSessionHeartbeatDiscipline(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	f := startSession(t, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 400 * time.Millisecond
	}, nil)

	// With the venue silent the session first probes with a TestRequest, then
	// force-disconnects when the probe goes unanswered.
	tr := f.venue.expect(MsgTypeTestRequest)
	_, hasID := tr.Get(TagTestReqID)
	assert.True(t, hasID)

	select {
	case err := <-f.events.disconnected:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not disconnect after unanswered test request")
	}
}
