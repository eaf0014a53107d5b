package fix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/fixgate/internal/seqstore"
	"github.com/quantfabric/fixgate/pkg/metrics"
)

// SessionState is the protocol state machine position.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateLogonPending
	StateActive
	StateResendPending
	StateLogoutPending
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLogonPending:
		return "logon_pending"
	case StateActive:
		return "active"
	case StateResendPending:
		return "resend_pending"
	case StateLogoutPending:
		return "logout_pending"
	}
	return "unknown"
}

var (
	// ErrNotActive is returned when domain traffic is offered outside Active.
	ErrNotActive = errors.New("fix: session not active")
	// ErrBackpressure is returned instead of queueing unboundedly when the
	// writer's outbound queue is full.
	ErrBackpressure = errors.New("fix: outbound queue full")
	// ErrLogonTimeout means the venue did not answer our Logon in time.
	ErrLogonTimeout = errors.New("fix: logon timed out")
	// ErrLogoutTimeout means the venue did not answer our Logout in time.
	ErrLogoutTimeout = errors.New("fix: logout timed out")
	// ErrHeartbeatTimeout means the venue stayed silent past the test-request
	// deadline and the session force-disconnected.
	ErrHeartbeatTimeout = errors.New("fix: heartbeat timed out")
)

// Credential tags (FIX 4.3+; common venue extension on 4.2).
const (
	tagUsername = 553
	tagPassword = 554
)

// maxPendingFrame bounds how much of a single incomplete frame the reader
// will buffer before declaring it malformed.
const maxPendingFrame = 1 << 20

// SessionConfig carries the per-venue connection parameters. All of it comes
// from the external config surface; nothing here is hardcoded to a venue.
type SessionConfig struct {
	ID                 string
	BeginString        string
	SenderCompID       string
	TargetCompID       string
	HeartbeatInterval  time.Duration
	LogonTimeout       time.Duration
	LogoutTimeout      time.Duration
	OutboundQueueSize  int
	ResetSeqNumOnLogon bool
	Username           string
	Password           string
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = 10 * time.Second
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 5 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 1024
	}
	if c.BeginString == "" {
		c.BeginString = "FIX.4.2"
	}
}

// OrderSink receives order-flow application messages, in wire arrival order
// after gap resolution.
type OrderSink interface {
	OnExecutionReport(m *Message)
	OnOrderCancelReject(m *Message)
}

// MarketDataSink receives market data application messages.
type MarketDataSink interface {
	OnMarketData(m *Message)
}

// SessionEvents surfaces lifecycle changes to the caller. Reconnect policy is
// the caller's decision; the session only reports.
type SessionEvents interface {
	OnStateChange(sessionID string, from, to SessionState)
	OnDisconnected(sessionID string, err error)
}

// SessionStatus is an immutable snapshot for cross-session reporting.
type SessionStatus struct {
	ID           string
	State        SessionState
	NextOutbound uint64
	ExpectedIn   uint64
	LastInbound  time.Time
	LastOutbound time.Time
}

// Session owns one logical FIX connection to one venue. Exactly one writer
// goroutine owns outbound sequencing and socket writes; exactly one reader
// goroutine owns inbound decode and dispatch. No other goroutine touches the
// sequence tracker.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger
	codec  *Codec
	store  seqstore.Store
	dialer Dialer

	orders OrderSink
	md     MarketDataSink
	events SessionEvents

	tracker   *SequenceTracker
	transport Transport

	// resendFrom is the start of the gap the last ResendRequest asked for.
	// Reader goroutine only.
	resendFrom uint64

	state        atomic.Int32
	seqOutMirror atomic.Uint64
	seqInMirror  atomic.Uint64
	lastInbound  atomic.Int64
	lastOutbound atomic.Int64
	testReqOut   atomic.Bool

	outbound chan *Message
	admin    chan *Message
	logonOK  chan struct{}
	logoutOK chan struct{}
	done     chan struct{}

	teardownOnce sync.Once
	wg           sync.WaitGroup
}

// NewSession wires a session from its collaborators. The sinks may be nil if
// the corresponding traffic class is not expected from the venue.
func NewSession(cfg SessionConfig, dialer Dialer, store seqstore.Store, codec *Codec,
	orders OrderSink, md MarketDataSink, events SessionEvents, logger *zap.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:    cfg,
		logger: logger.With(zap.String("session", cfg.ID)),
		codec:  codec,
		store:  store,
		dialer: dialer,
		orders: orders,
		md:     md,
		events: events,
	}
}

// ID returns the configured session identifier.
func (s *Session) ID() string {
	return s.cfg.ID
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Status returns an immutable snapshot of the session's counters and state.
func (s *Session) Status() SessionStatus {
	return SessionStatus{
		ID:           s.cfg.ID,
		State:        s.State(),
		NextOutbound: s.seqOutMirror.Load(),
		ExpectedIn:   s.seqInMirror.Load(),
		LastInbound:  time.Unix(0, s.lastInbound.Load()),
		LastOutbound: time.Unix(0, s.lastOutbound.Load()),
	}
}

// Connect dials the transport, performs logon and leaves the session Active.
// On any failure the state machine lands back in Disconnected and the caller
// decides whether to retry.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("fix: connect from state %s", s.State())
	}
	s.notifyState(StateDisconnected, StateConnecting)

	transport, err := s.dialer.Dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("session %s: %w", s.cfg.ID, err)
	}
	s.transport = transport

	persisted, err := s.store.Load(ctx, s.cfg.ID)
	if err != nil {
		_ = transport.Close()
		s.setState(StateDisconnected)
		return fmt.Errorf("session %s: load sequence state: %w", s.cfg.ID, err)
	}
	if s.cfg.ResetSeqNumOnLogon {
		persisted = seqstore.State{}
	}
	s.tracker = NewSequenceTracker(persisted.NextOut, persisted.ExpectedIn)
	s.seqOutMirror.Store(s.tracker.PeekOutbound())
	s.seqInMirror.Store(s.tracker.ExpectedInbound())

	now := time.Now().UnixNano()
	s.lastInbound.Store(now)
	s.lastOutbound.Store(now)
	s.testReqOut.Store(false)

	s.outbound = make(chan *Message, s.cfg.OutboundQueueSize)
	s.admin = make(chan *Message, 16)
	s.logonOK = make(chan struct{})
	s.logoutOK = make(chan struct{})
	s.done = make(chan struct{})
	s.teardownOnce = sync.Once{}

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()

	s.setState(StateLogonPending)
	logon := NewMessage(MsgTypeLogon).
		SetInt(TagEncryptMethod, 0).
		SetInt(TagHeartBtInt, int64(s.cfg.HeartbeatInterval/time.Second))
	if s.cfg.ResetSeqNumOnLogon {
		logon.Set(TagResetSeqNumFlag, "Y")
	}
	if s.cfg.Username != "" {
		logon.Set(tagUsername, s.cfg.Username)
		logon.Set(tagPassword, s.cfg.Password)
	}
	s.admin <- logon

	select {
	case <-s.logonOK:
		return nil
	case <-time.After(s.cfg.LogonTimeout):
		s.fail(ErrLogonTimeout)
		return ErrLogonTimeout
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session %s: disconnected during logon", s.cfg.ID)
	}
}

// Send queues one domain message for the writer. Only legal while Active;
// a full queue fails fast with ErrBackpressure instead of blocking the caller.
func (s *Session) Send(m *Message) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	select {
	case s.outbound <- m:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close performs a graceful logout, draining in-flight sends first. A venue
// that never answers forfeits the grace period and the session tears down
// with ErrLogoutTimeout.
func (s *Session) Close(ctx context.Context) error {
	switch s.State() {
	case StateDisconnected:
		return nil
	case StateActive, StateResendPending:
		s.setState(StateLogoutPending)
		select {
		case s.admin <- NewMessage(MsgTypeLogout):
		case <-s.done:
			return nil
		}
		select {
		case <-s.logoutOK:
			s.teardown(nil)
			return nil
		case <-time.After(s.cfg.LogoutTimeout):
			s.teardown(ErrLogoutTimeout)
			return ErrLogoutTimeout
		case <-ctx.Done():
			s.teardown(ctx.Err())
			return ctx.Err()
		case <-s.done:
			return nil
		}
	default:
		s.teardown(nil)
		return nil
	}
}

// writeLoop is the single owner of outbound sequencing and socket writes.
// Admin traffic takes priority over domain traffic so heartbeats and resend
// responses cannot starve behind a full order queue.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case m := <-s.admin:
			s.writeMessage(m)
		case m := <-s.outbound:
			select {
			case am := <-s.admin:
				s.writeMessage(am)
			default:
			}
			s.writeMessage(m)
		case <-ticker.C:
			s.checkTimers()
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeMessage(m *Message) {
	m.BeginString = s.cfg.BeginString
	m.SenderCompID = s.cfg.SenderCompID
	m.TargetCompID = s.cfg.TargetCompID
	m.SeqNum = s.tracker.NextOutbound()
	s.seqOutMirror.Store(s.tracker.PeekOutbound())

	// Persist before flush: a crash here resumes with the number already
	// burned, which the counterparty tolerates; persist-after-send could
	// reuse a sequence number.
	state := seqstore.State{NextOut: s.tracker.PeekOutbound(), ExpectedIn: s.seqInMirror.Load()}
	if err := s.store.Persist(context.Background(), s.cfg.ID, state); err != nil {
		s.logger.Error("failed to persist outbound sequence", zap.Error(err))
		s.fail(fmt.Errorf("sequence persist failed: %w", err))
		return
	}

	raw, err := s.codec.Encode(m)
	if err != nil {
		s.logger.Error("failed to encode outbound message",
			zap.String("msg_type", m.MsgType), zap.Error(err))
		return
	}
	if _, err := s.transport.Write(raw); err != nil {
		s.fail(fmt.Errorf("transport write failed: %w", err))
		return
	}
	s.lastOutbound.Store(time.Now().UnixNano())
	metrics.MessagesSent.WithLabelValues(s.cfg.ID, m.MsgType).Inc()
}

// checkTimers drives the heartbeat discipline: send a Heartbeat after an
// interval of outbound silence, a TestRequest after 1.5 intervals of inbound
// silence, and force-disconnect after a further interval without an answer.
func (s *Session) checkTimers() {
	st := s.State()
	if st != StateActive && st != StateResendPending {
		return
	}
	now := time.Now()
	hb := s.cfg.HeartbeatInterval
	inSilence := now.Sub(time.Unix(0, s.lastInbound.Load()))
	outSilence := now.Sub(time.Unix(0, s.lastOutbound.Load()))

	if s.testReqOut.Load() && inSilence > hb+hb/2+hb {
		s.logger.Warn("test request unanswered, forcing disconnect",
			zap.Duration("inbound_silence", inSilence))
		s.fail(ErrHeartbeatTimeout)
		return
	}
	if !s.testReqOut.Load() && inSilence > hb+hb/2 {
		s.testReqOut.Store(true)
		s.writeMessage(NewMessage(MsgTypeTestRequest).
			Set(TagTestReqID, strconv.FormatInt(now.UnixNano(), 10)))
		return
	}
	if outSilence >= hb {
		s.writeMessage(NewMessage(MsgTypeHeartbeat))
	}
}

// readLoop is the single owner of inbound decode and dispatch. It accumulates
// transport reads and slices complete frames off the front.
func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 16*1024)

	for {
		n, err := s.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = s.drainFrames(buf)
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("transport read failed: %w", err))
			}
			return
		}
	}
}

// drainFrames decodes every complete frame in buf and returns the remainder.
// Malformed frames are logged and skipped to the next frame boundary; a bad
// message must not take down the gateway.
func (s *Session) drainFrames(buf []byte) []byte {
	for len(buf) > 0 {
		m, consumed, err := s.codec.Decode(buf)
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		if err != nil {
			s.logger.Warn("discarding malformed frame", zap.Error(err))
			if idx := bytes.Index(buf[1:], []byte("8=")); idx >= 0 {
				buf = buf[idx+1:]
				continue
			}
			return buf[:0]
		}
		buf = buf[consumed:]
		s.handleMessage(m)
	}
	if len(buf) == 0 {
		return buf[:0]
	}
	if len(buf) > maxPendingFrame {
		s.logger.Warn("discarding oversized partial frame", zap.Int("size", len(buf)))
		return buf[:0]
	}
	// Compact so the backing array does not grow without bound. The capacity
	// must cover the partial frame itself; large snapshots routinely exceed
	// the steady-state read buffer.
	rest := make([]byte, len(buf), max(len(buf), 64*1024))
	copy(rest, buf)
	return rest
}

func (s *Session) handleMessage(m *Message) {
	s.lastInbound.Store(time.Now().UnixNano())
	s.testReqOut.Store(false)
	metrics.MessagesReceived.WithLabelValues(s.cfg.ID, m.MsgType).Inc()

	if m.MsgType == MsgTypeSequenceReset {
		s.handleSequenceReset(m)
		return
	}

	result, ready := s.tracker.Track(m)
	switch result {
	case Duplicate:
		// PossDup retransmission of something already applied; silence is
		// the correct response.
		s.logger.Debug("discarding duplicate",
			zap.Uint64("seq", m.SeqNum), zap.Bool("poss_dup", m.PossDup))
		return
	case Ahead:
		from, _, _ := s.tracker.PendingResend()
		if s.State() == StateResendPending && from == s.resendFrom {
			// The open gap is already requested with EndSeqNo 0; every further
			// early arrival is buffered, not re-requested.
			s.logger.Debug("buffering ahead of open gap",
				zap.Uint64("seq", m.SeqNum), zap.Uint64("from", from))
			return
		}
		s.resendFrom = from
		if s.State() != StateResendPending {
			s.setState(StateResendPending)
		}
		s.logger.Info("sequence gap detected, requesting resend",
			zap.Uint64("from", from), zap.Uint64("got", m.SeqNum))
		metrics.ResendRequests.WithLabelValues(s.cfg.ID).Inc()
		// EndSeqNo 0 asks for everything from the gap onward, so the request
		// stays valid however far the gap widens while it is in flight.
		s.enqueueAdmin(NewMessage(MsgTypeResendRequest).
			SetInt(TagBeginSeqNo, int64(from)).
			SetInt(TagEndSeqNo, 0))
		return
	}

	for _, msg := range ready {
		s.dispatch(msg)
	}
	s.syncInbound()
}

func (s *Session) handleSequenceReset(m *Message) {
	newSeq, err := m.GetInt(TagNewSeqNo)
	if err != nil {
		s.logger.Warn("sequence reset without NewSeqNo", zap.Error(err))
		return
	}
	ready := s.tracker.GapFill(uint64(newSeq))
	for _, msg := range ready {
		s.dispatch(msg)
	}
	s.syncInbound()
}

// syncInbound publishes the reader's expected-inbound counter and persists it
// best-effort. Outbound durability is the hard requirement; inbound merely
// trims resend ranges after a restart.
func (s *Session) syncInbound() {
	s.seqInMirror.Store(s.tracker.ExpectedInbound())
	if _, _, pending := s.tracker.PendingResend(); !pending && s.State() == StateResendPending {
		s.resendFrom = 0
		s.setState(StateActive)
	}
	state := seqstore.State{NextOut: s.seqOutMirror.Load(), ExpectedIn: s.seqInMirror.Load()}
	if err := s.store.Persist(context.Background(), s.cfg.ID, state); err != nil {
		s.logger.Warn("failed to persist inbound sequence", zap.Error(err))
	}
}

func (s *Session) dispatch(m *Message) {
	switch m.MsgType {
	case MsgTypeLogon:
		if s.State() == StateLogonPending {
			s.setState(StateActive)
			close(s.logonOK)
			// The writer owns the tracker's outbound half from here on; log
			// the mirror, not the tracker.
			s.logger.Info("logon confirmed",
				zap.Uint64("next_out", s.seqOutMirror.Load()),
				zap.Uint64("expected_in", s.tracker.ExpectedInbound()))
		}
	case MsgTypeHeartbeat:
		// Inbound timestamp already refreshed; nothing more to do.
	case MsgTypeTestRequest:
		reply := NewMessage(MsgTypeHeartbeat)
		if id, ok := m.Get(TagTestReqID); ok {
			reply.Set(TagTestReqID, id)
		}
		s.enqueueAdmin(reply)
	case MsgTypeResendRequest:
		// The gateway does not retain an outbound message store; answer with
		// a gap fill so the counterparty advances past the requested range.
		s.enqueueAdmin(NewMessage(MsgTypeSequenceReset).
			Set(TagGapFillFlag, "Y").
			SetInt(TagNewSeqNo, int64(s.seqOutMirror.Load())+1))
	case MsgTypeLogout:
		if s.State() == StateLogoutPending {
			close(s.logoutOK)
			return
		}
		s.logger.Info("venue-initiated logout")
		s.enqueueAdmin(NewMessage(MsgTypeLogout))
		s.fail(nil)
	case MsgTypeReject:
		ref, _ := m.Get(TagRefSeqNum)
		text, _ := m.Get(TagText)
		s.logger.Warn("session-level reject",
			zap.String("ref_seq", ref), zap.String("text", text))
	case MsgTypeExecutionReport:
		if s.orders != nil {
			s.orders.OnExecutionReport(m)
		}
	case MsgTypeOrderCancelReject:
		if s.orders != nil {
			s.orders.OnOrderCancelReject(m)
		}
	case MsgTypeMarketDataSnap, MsgTypeMarketDataIncr:
		if s.md != nil {
			s.md.OnMarketData(m)
		}
	default:
		s.logger.Debug("unhandled message type", zap.String("msg_type", m.MsgType))
	}
}

// enqueueAdmin hands a session-level message to the writer without blocking
// past teardown.
func (s *Session) enqueueAdmin(m *Message) {
	select {
	case s.admin <- m:
	case <-s.done:
	}
}

// fail force-disconnects after a transport or protocol failure. err nil means
// a counterparty-initiated but orderly teardown.
func (s *Session) fail(err error) {
	s.teardown(err)
}

func (s *Session) teardown(err error) {
	s.teardownOnce.Do(func() {
		prev := s.State()
		close(s.done)
		if s.transport != nil {
			_ = s.transport.Close()
		}
		s.setState(StateDisconnected)
		if err != nil {
			s.logger.Warn("session disconnected", zap.Error(err), zap.Stringer("from", prev))
		} else {
			s.logger.Info("session disconnected", zap.Stringer("from", prev))
		}
		if s.events != nil {
			s.events.OnDisconnected(s.cfg.ID, err)
		}
	})
}

func (s *Session) setState(to SessionState) {
	from := SessionState(s.state.Swap(int32(to)))
	if from != to {
		s.notifyState(from, to)
	}
}

func (s *Session) notifyState(from, to SessionState) {
	metrics.SessionState.WithLabelValues(s.cfg.ID).Set(float64(to))
	s.logger.Debug("session state change",
		zap.Stringer("from", from), zap.Stringer("to", to))
	if s.events != nil {
		s.events.OnStateChange(s.cfg.ID, from, to)
	}
}
