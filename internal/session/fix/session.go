package fix

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/infrastructure/config"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// State is the FIX session lifecycle.
type State int

const (
	StateConnected State = iota
	StateSentLogon
	StateActive
	StateAwaitingLogout
	StateDisconnected
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSentLogon:
		return "SENT_LOGON"
	case StateActive:
		return "ACTIVE"
	case StateAwaitingLogout:
		return "AWAITING_LOGOUT"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateDisabled:
		return "DISABLED"
	}
	return "UNKNOWN"
}

// Conduit writes framed bytes to the live transport. Nil while the session is
// offline.
type Conduit interface {
	SendFrame(buf []byte) error
}

// DisconnectFunc tears down the transport with a taxonomised reason.
type DisconnectFunc func(reason errors.DisconnectReason)

// Session is one FIX conversation bound to a stable session context.
type Session struct {
	cfg    config.FixConfig
	ctx    *session.Context
	logger *zap.Logger
	clock  func() time.Time

	state        State
	localCompID  string // our SenderCompID
	remoteCompID string // counterparty SenderCompID

	expectedRecvSeq int32
	nextSentSeq     int32

	lastReceivedAt time.Time
	lastSentAt     time.Time
	connectedAt    time.Time

	testReqID        string
	testReqPending   bool
	awaitingResendTo int32

	pendingFrame    []byte
	pendingEnvelope stream.Envelope

	conduit    Conduit
	outbound   *stream.Publication
	inbound    *stream.Publication
	replayer   *Replayer
	disconnect DisconnectFunc
}

// NewSession binds a context to a fresh connection. Sequence numbers resume
// from the persisted values.
func NewSession(
	cfg config.FixConfig,
	ctx *session.Context,
	localCompID, remoteCompID string,
	lastReceived, lastSent int32,
	conduit Conduit,
	outbound, inbound *stream.Publication,
	replayer *Replayer,
	disconnect DisconnectFunc,
	clock func() time.Time,
	logger *zap.Logger,
) *Session {
	if lastReceived < 0 {
		lastReceived = 0
	}
	if lastSent < 0 {
		lastSent = 0
	}
	s := &Session{
		cfg:             cfg,
		ctx:             ctx,
		logger:          logger,
		clock:           clock,
		state:           StateConnected,
		localCompID:     localCompID,
		remoteCompID:    remoteCompID,
		expectedRecvSeq: lastReceived + 1,
		nextSentSeq:     lastSent + 1,
		conduit:         conduit,
		outbound:        outbound,
		inbound:         inbound,
		replayer:        replayer,
		disconnect:      disconnect,
		connectedAt:     clock(),
		lastReceivedAt:  clock(),
		lastSentAt:      clock(),
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Context returns the owning session context.
func (s *Session) Context() *session.Context { return s.ctx }

// ExpectedReceiveSeq returns the next inbound sequence number accepted.
func (s *Session) ExpectedReceiveSeq() int32 { return s.expectedRecvSeq }

// NextSentSeq returns the sequence number the next outbound message takes.
func (s *Session) NextSentSeq() int32 { return s.nextSentSeq }

// Disable marks the session terminal after a library timeout.
func (s *Session) Disable() { s.state = StateDisabled }

// GoOffline detaches the transport but keeps the session accepting
// store-and-forward sends.
func (s *Session) GoOffline() {
	s.conduit = nil
	s.state = StateDisconnected
}

// OnFrame processes one complete inbound frame.
func (s *Session) OnFrame(raw []byte) error {
	now := s.clock()
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn("unparseable inbound frame", zap.Error(err))
		s.doDisconnect(errors.ReasonInvalidBodyLength)
		return err
	}

	s.lastReceivedAt = now

	if err := s.validateHeader(msg, now); err != nil {
		return err
	}

	seqNum, ok := msg.SeqNum()
	if !ok {
		s.doDisconnect(errors.ReasonLocalDisconnect)
		return errors.Protocolf("missing MsgSeqNum")
	}

	// Sequence resets carry their own sequence discipline.
	if msg.MsgType == MsgTypeSequenceReset {
		if err := s.publishInbound(msg, raw, stream.KindAdmin, now); err != nil {
			return err
		}
		return s.onSequenceReset(msg)
	}

	// A logon that resets the sequence space restarts the count at its own
	// number, whatever we expected before.
	if msg.MsgType == MsgTypeLogon {
		if reset, _ := msg.Get(TagResetSeqNumFlag); reset == "Y" {
			s.expectedRecvSeq = seqNum
		}
	}

	switch {
	case seqNum == s.expectedRecvSeq:
		// Accepted: every inbound message is carried and indexed. The
		// publish happens before the expectation advances so a
		// back-pressured frame can be retried verbatim.
		if msg.MsgType == MsgTypeLogon {
			// Credentials must not survive into the archive.
			WipePasswords(raw)
		}
		if err := s.publishInbound(msg, raw, kindOf(msg.MsgType), now); err != nil {
			return err
		}
		s.expectedRecvSeq++
		if s.awaitingResendTo != 0 && seqNum >= s.awaitingResendTo {
			s.awaitingResendTo = 0
		}
	case seqNum > s.expectedRecvSeq:
		// Gap: ask for everything from the expected number.
		if s.awaitingResendTo == 0 {
			s.awaitingResendTo = seqNum
			if err := s.sendAdmin(MsgTypeResendRequest, []Field{
				{TagBeginSeqNo, strconv.Itoa(int(s.expectedRecvSeq))},
				{TagEndSeqNo, "0"},
			}); err != nil {
				return err
			}
		}
		// Process logons despite the gap so the session comes up.
		if msg.MsgType != MsgTypeLogon {
			return nil
		}
		WipePasswords(raw)
		if err := s.publishInbound(msg, raw, stream.KindAdmin, now); err != nil {
			return err
		}
	default: // seqNum < expected
		if msg.PossDup() {
			return nil
		}
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d",
			s.expectedRecvSeq, seqNum)
		s.logger.Warn("sequence rewind", zap.String("text", text))
		if err := s.sendAdmin(MsgTypeLogout, []Field{{TagText, text}}); err != nil {
			return err
		}
		s.doDisconnect(errors.ReasonLocalDisconnect)
		return errors.Sequencef("%s", text)
	}

	return s.dispatch(msg, raw, now)
}

func kindOf(msgType string) byte {
	if IsAdminMsgType(msgType) {
		return stream.KindAdmin
	}
	return stream.KindBusiness
}

func (s *Session) validateHeader(msg *Message, now time.Time) error {
	sender, _ := msg.Get(TagSenderCompID)
	target, _ := msg.Get(TagTargetCompID)
	if sender != s.remoteCompID || target != s.localCompID {
		seqNum, _ := msg.SeqNum()
		if err := s.sendReject(seqNum, RejectReasonCompIDProblem, "CompID problem"); err != nil {
			return err
		}
		if err := s.sendAdmin(MsgTypeLogout, []Field{{TagText, "CompID problem"}}); err != nil {
			return err
		}
		s.doDisconnect(errors.ReasonLocalDisconnect)
		return errors.Protocolf("comp id mismatch %s->%s", sender, target)
	}

	if v, ok := msg.Get(TagSendingTime); ok {
		sendingTime, err := ParseSendingTime(v)
		if err != nil {
			return err
		}
		drift := now.Sub(sendingTime)
		if drift < 0 {
			drift = -drift
		}
		if drift > s.cfg.SendWindow && !msg.PossDup() {
			seqNum, _ := msg.SeqNum()
			if err := s.sendReject(seqNum, RejectReasonSendingTimeAccuracy, "SendingTime accuracy problem"); err != nil {
				return err
			}
			if err := s.sendAdmin(MsgTypeLogout, []Field{{TagText, "SendingTime accuracy problem"}}); err != nil {
				return err
			}
			s.doDisconnect(errors.ReasonLocalDisconnect)
			return errors.Protocolf("sending time outside window: %s", drift)
		}
	} else {
		s.doDisconnect(errors.ReasonLocalDisconnect)
		return errors.Protocolf("missing SendingTime")
	}
	return nil
}

func (s *Session) dispatch(msg *Message, raw []byte, now time.Time) error {
	switch msg.MsgType {
	case MsgTypeLogon:
		return s.onLogon(msg, raw, now)
	case MsgTypeHeartbeat:
		s.onHeartbeat(msg)
	case MsgTypeTestRequest:
		id, _ := msg.Get(TagTestReqID)
		if err := s.sendAdmin(MsgTypeHeartbeat, []Field{{TagTestReqID, id}}); err != nil {
			return err
		}
	case MsgTypeResendRequest:
		begin, _ := msg.GetInt(TagBeginSeqNo)
		end, _ := msg.GetInt(TagEndSeqNo)
		return s.onResendRequest(int32(begin), int32(end))
	case MsgTypeLogout:
		if s.state == StateAwaitingLogout {
			s.doDisconnect(errors.ReasonLogout)
			return nil
		}
		if err := s.sendAdmin(MsgTypeLogout, nil); err != nil {
			return err
		}
		s.doDisconnect(errors.ReasonLogout)
	case MsgTypeReject:
		s.logger.Warn("counterparty reject", zap.String("raw", string(raw)))
	default:
		metrics.MessagesReceived.WithLabelValues("fix", "business").Inc()
		return nil
	}
	metrics.MessagesReceived.WithLabelValues("fix", "admin").Inc()
	return nil
}

func (s *Session) onLogon(msg *Message, raw []byte, now time.Time) error {
	if reset, _ := msg.Get(TagResetSeqNumFlag); reset == "Y" {
		s.ctx.OnSequenceReset(now)
		s.expectedRecvSeq = 2 // the logon itself was 1
		s.nextSentSeq = 1
	}
	if hb, ok := msg.GetInt(TagHeartBtInt); ok && hb > 0 {
		s.cfg.HeartbeatInterval = time.Duration(hb) * time.Second
	}
	seqNum, _ := msg.SeqNum()
	s.ctx.OnLogon(seqNum, now)

	reply := []Field{{TagEncryptMethod, "0"},
		{TagHeartBtInt, strconv.Itoa(int(s.cfg.HeartbeatInterval / time.Second))}}
	if reset, _ := msg.Get(TagResetSeqNumFlag); reset == "Y" {
		reply = append(reply, Field{TagResetSeqNumFlag, "Y"})
	}
	if err := s.sendAdmin(MsgTypeLogon, reply); err != nil {
		return err
	}
	s.state = StateActive
	metrics.SessionsConnected.WithLabelValues("fix").Inc()
	s.logger.Info("fix session active",
		zap.Int64("session_id", s.ctx.SessionID),
		zap.String("remote", s.remoteCompID))
	return nil
}

func (s *Session) onHeartbeat(msg *Message) {
	if !s.testReqPending {
		return
	}
	if id, ok := msg.Get(TagTestReqID); ok && id == s.testReqID {
		s.testReqPending = false
	}
}

func (s *Session) onSequenceReset(msg *Message) error {
	newSeqNo, ok := msg.GetInt(TagNewSeqNo)
	if !ok {
		return errors.Protocolf("SequenceReset without NewSeqNo")
	}
	gapFill, _ := msg.Get(TagGapFillFlag)
	if gapFill == "Y" {
		if int32(newSeqNo) > s.expectedRecvSeq {
			s.expectedRecvSeq = int32(newSeqNo)
		}
		if s.awaitingResendTo != 0 && s.expectedRecvSeq >= s.awaitingResendTo {
			s.awaitingResendTo = 0
		}
		return nil
	}
	// Hard reset: unconditionally set the expectation and open a new
	// sequence index revision.
	s.ctx.OnSequenceReset(s.clock())
	s.expectedRecvSeq = int32(newSeqNo)
	s.awaitingResendTo = 0
	return nil
}

func (s *Session) onResendRequest(begin, end int32) error {
	if s.replayer == nil {
		return nil
	}
	err := s.replayer.OnResendRequest(s, begin, end)
	if err == errors.ErrReplayLimitExceeded {
		s.logger.Warn("resend request dropped",
			zap.Int32("begin", begin), zap.Int32("end", end), zap.Error(err))
		return nil
	}
	return err
}

// SendBusiness publishes an application message with the next outbound
// sequence number. Returns ErrBackPressured when the carrier is full; the
// caller retries via RetryPending.
func (s *Session) SendBusiness(msgType string, body []Field) error {
	if s.state == StateDisabled {
		return errors.Protocolf("session disabled")
	}
	return s.send(msgType, body, stream.KindBusiness)
}

func (s *Session) sendAdmin(msgType string, body []Field) error {
	return s.send(msgType, body, stream.KindAdmin)
}

func (s *Session) send(msgType string, body []Field, kind byte) error {
	if s.pendingFrame != nil {
		return errors.ErrBackPressured
	}
	now := s.clock()
	header := []Field{
		{TagMsgSeqNum, strconv.Itoa(int(s.nextSentSeq))},
		{TagSenderCompID, s.localCompID},
		{TagSendingTime, FormatSendingTime(now, s.cfg.SendingTimePrecision)},
		{TagTargetCompID, s.remoteCompID},
	}
	raw := Encode(msgType, append(header, body...))
	env := stream.Envelope{
		Protocol:       stream.ProtoFix,
		Kind:           kind,
		SequenceNumber: s.nextSentSeq,
		SequenceIndex:  s.ctx.SequenceIndex,
		SendingTimeNs:  now.UnixNano(),
	}
	if err := s.publishOutbound(raw, env); err != nil {
		if err == errors.ErrBackPressured {
			s.pendingFrame = raw
			s.pendingEnvelope = env
			metrics.BackpressureEvents.Inc()
		}
		return err
	}
	s.afterSend(raw, kind)
	return nil
}

// RetryPending retries the frame parked by a back-pressured send. Reports
// whether the session is drained.
func (s *Session) RetryPending() (bool, error) {
	if s.pendingFrame == nil {
		return true, nil
	}
	if err := s.publishOutbound(s.pendingFrame, s.pendingEnvelope); err != nil {
		if err == errors.ErrBackPressured {
			return false, nil
		}
		return false, err
	}
	raw := s.pendingFrame
	kind := s.pendingEnvelope.Kind
	s.pendingFrame = nil
	s.afterSend(raw, kind)
	return true, nil
}

func (s *Session) publishOutbound(raw []byte, env stream.Envelope) error {
	claim, err := s.outbound.TryClaim(stream.EnvelopeLength + len(raw))
	if err != nil {
		return err
	}
	stream.EncodeEnvelope(claim.Buffer, &env)
	copy(claim.Buffer[stream.EnvelopeLength:], raw)
	claim.Commit()
	return nil
}

func (s *Session) afterSend(raw []byte, kind byte) {
	s.nextSentSeq++
	s.lastSentAt = s.clock()
	if s.conduit != nil {
		if err := s.conduit.SendFrame(raw); err != nil {
			s.logger.Warn("transport write failed", zap.Error(err))
		}
	}
	label := "admin"
	if kind == stream.KindBusiness {
		label = "business"
	}
	metrics.MessagesSent.WithLabelValues("fix", label).Inc()
}

func (s *Session) publishInbound(msg *Message, raw []byte, kind byte, now time.Time) error {
	env := stream.Envelope{
		Protocol:       stream.ProtoFix,
		Kind:           kind,
		SequenceIndex:  s.ctx.SequenceIndex,
		SendingTimeNs:  now.UnixNano(),
	}
	if seqNum, ok := msg.SeqNum(); ok {
		env.SequenceNumber = seqNum
	}
	claim, err := s.inbound.TryClaim(stream.EnvelopeLength + len(raw))
	if err != nil {
		return err
	}
	stream.EncodeEnvelope(claim.Buffer, &env)
	copy(claim.Buffer[stream.EnvelopeLength:], raw)
	claim.Commit()
	return nil
}

func (s *Session) sendReject(refSeqNum int32, reason int, text string) error {
	return s.sendAdmin(MsgTypeReject, []Field{
		{TagRefSeqNum, strconv.Itoa(int(refSeqNum))},
		{TagSessionRejectReason, strconv.Itoa(reason)},
		{TagText, text},
	})
}

// ResetSequenceNumbers drives an admin-initiated reset: both counters
// restart at 1 and the counterparty is told with a hard SequenceReset.
func (s *Session) ResetSequenceNumbers() error {
	if err := s.sendAdmin(MsgTypeSequenceReset, []Field{
		{TagGapFillFlag, "N"},
		{TagNewSeqNo, "1"},
	}); err != nil && err != errors.ErrBackPressured {
		return err
	}
	s.expectedRecvSeq = 1
	s.nextSentSeq = 1
	return nil
}

// StartLogout begins a graceful logout handshake.
func (s *Session) StartLogout() error {
	if err := s.sendAdmin(MsgTypeLogout, nil); err != nil {
		return err
	}
	s.state = StateAwaitingLogout
	return nil
}

// Poll drives liveness: logon deadline, heartbeat emission, test requests
// and the keep-alive disconnect.
func (s *Session) Poll() error {
	now := s.clock()
	switch s.state {
	case StateConnected:
		if now.Sub(s.connectedAt) > s.cfg.NoLogonTimeout {
			s.doDisconnect(errors.ReasonNoLogon)
		}
		return nil
	case StateDisconnected, StateDisabled:
		return nil
	}

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		return nil
	}
	if now.Sub(s.lastSentAt) >= interval {
		if err := s.sendAdmin(MsgTypeHeartbeat, nil); err != nil && err != errors.ErrBackPressured {
			return err
		}
	}
	quiet := now.Sub(s.lastReceivedAt)
	switch {
	case quiet >= 2*interval && s.testReqPending:
		s.doDisconnect(errors.ReasonKeepAliveTimeout)
	case quiet >= interval && !s.testReqPending:
		s.testReqID = fmt.Sprintf("TEST-%d", now.UnixMilli())
		s.testReqPending = true
		if err := s.sendAdmin(MsgTypeTestRequest, []Field{{TagTestReqID, s.testReqID}}); err != nil && err != errors.ErrBackPressured {
			return err
		}
	}
	return nil
}

func (s *Session) doDisconnect(reason errors.DisconnectReason) {
	if s.state == StateDisconnected {
		return
	}
	if s.state == StateActive || s.state == StateAwaitingLogout {
		metrics.SessionsConnected.WithLabelValues("fix").Dec()
	}
	s.state = StateDisconnected
	metrics.Disconnects.WithLabelValues(reason.String()).Inc()
	if s.disconnect != nil {
		s.disconnect(reason)
	}
}
