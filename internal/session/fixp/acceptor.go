package fixp

import (
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/infrastructure/config"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// State is the acceptor-side lifecycle of a binary entry point connection.
type State int

const (
	StateAccepted State = iota
	StateNegotiated
	StateEstablished
	StateSentFinishedSending
	StateRecvFinishedSending
	StateUnbinding
	StateUnbound
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateNegotiated:
		return "NEGOTIATED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateSentFinishedSending:
		return "SENT_FINISHED_SENDING"
	case StateRecvFinishedSending:
		return "RECV_FINISHED_SENDING"
	case StateUnbinding:
		return "UNBINDING"
	case StateUnbound:
		return "UNBOUND"
	}
	return "UNKNOWN"
}

// Conduit writes framed bytes to the live transport.
type Conduit interface {
	SendFrame(buf []byte) error
}

// Authenticator validates negotiate/establish credentials.
type Authenticator interface {
	AuthenticateNegotiate(sessionID uint64, enteringFirm uint32, credentials []byte) error
	AuthenticateEstablish(sessionID uint64, credentials []byte) error
}

// Acceptor is one binary entry point conversation. Acceptor-only: this
// engine never initiates FIXP sessions.
type Acceptor struct {
	cfg    config.FixPConfig
	ctx    *session.Context
	logger *zap.Logger
	clock  func() time.Time

	state State

	nextRecvSeq uint32
	nextSentSeq uint32

	// Inbound retransmission bookkeeping: the counterparty announced a
	// burst of old messages that must not consume new sequence numbers.
	retransmitRemaining uint32
	retransmitSeq       uint32

	keepAlive      time.Duration
	lastReceivedAt time.Time
	lastSentAt     time.Time
	connectedAt    time.Time

	sentFinishedSending   bool
	recvFinishedSending   bool
	recvFinishedReceiving bool
	finishedSendingLast   uint32

	conduit       Conduit
	outbound      *stream.Publication
	inbound       *stream.Publication
	retransmitter *Retransmitter
	auth          Authenticator
	disconnect    func(reason errors.DisconnectReason)
}

// NewAcceptor binds a context to a fresh connection. Sequence numbers resume
// from the persisted values when the session re-establishes the same
// version.
func NewAcceptor(
	cfg config.FixPConfig,
	ctx *session.Context,
	lastReceived, lastSent int32,
	conduit Conduit,
	outbound, inbound *stream.Publication,
	retransmitter *Retransmitter,
	auth Authenticator,
	disconnect func(reason errors.DisconnectReason),
	clock func() time.Time,
	logger *zap.Logger,
) *Acceptor {
	if lastReceived < 0 {
		lastReceived = 0
	}
	if lastSent < 0 {
		lastSent = 0
	}
	now := clock()
	return &Acceptor{
		cfg:            cfg,
		ctx:            ctx,
		logger:         logger,
		clock:          clock,
		state:          StateAccepted,
		nextRecvSeq:    uint32(lastReceived) + 1,
		nextSentSeq:    uint32(lastSent) + 1,
		conduit:        conduit,
		outbound:       outbound,
		inbound:        inbound,
		retransmitter:  retransmitter,
		auth:           auth,
		disconnect:     disconnect,
		connectedAt:    now,
		lastReceivedAt: now,
		lastSentAt:     now,
	}
}

// State returns the current lifecycle state.
func (a *Acceptor) State() State { return a.state }

// NextRecvSeq returns the next expected inbound business sequence number.
func (a *Acceptor) NextRecvSeq() uint32 { return a.nextRecvSeq }

// NextSentSeq returns the next outbound business sequence number.
func (a *Acceptor) NextSentSeq() uint32 { return a.nextSentSeq }

// Context returns the owning session context.
func (a *Acceptor) Context() *session.Context { return a.ctx }

// OnFrame processes one complete inbound frame.
func (a *Acceptor) OnFrame(frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		a.doDisconnect(errors.ReasonInvalidBodyLength)
		return err
	}
	a.lastReceivedAt = a.clock()

	switch m := msg.(type) {
	case *Negotiate:
		return a.onNegotiate(m)
	case *Establish:
		return a.onEstablish(m)
	case *Sequence:
		return a.onSequence(m)
	case *Business:
		return a.onBusiness(m, frame)
	case *RetransmitRequest:
		return a.onRetransmitRequest(m)
	case *Retransmission:
		a.retransmitSeq = m.NextSeqNo
		a.retransmitRemaining = m.Count
		return nil
	case *FinishedSending:
		return a.onFinishedSending(m)
	case *FinishedReceiving:
		return a.onFinishedReceiving(m)
	case *Terminate:
		return a.onTerminate(m)
	}
	return errors.Protocolf("unexpected message %T", msg)
}

func (a *Acceptor) onNegotiate(m *Negotiate) error {
	reject := func(code NegotiationRejectCode) error {
		err := a.sendAdmin(&NegotiateReject{
			SessionID:        m.SessionID,
			SessionVerID:     m.SessionVerID,
			RequestTimestamp: m.Timestamp,
			Code:             code,
		})
		a.doDisconnect(errors.ReasonNegotiateReject)
		return err
	}

	if a.state != StateAccepted {
		return reject(NegotiateRejectUnspecified)
	}
	// Version discipline: a renegotiation must strictly supersede.
	if a.ctx.SessionVerID != 0 && m.SessionVerID <= uint64(a.ctx.SessionVerID) {
		return reject(NegotiateRejectDuplicateID)
	}
	if a.auth != nil {
		if err := a.auth.AuthenticateNegotiate(m.SessionID, m.EnteringFirm, m.Credentials); err != nil {
			return reject(NegotiateRejectCredentials)
		}
	}

	now := a.clock()
	a.ctx.SessionVerID = int64(m.SessionVerID)
	a.ctx.Ended = false
	// A new session version opens a fresh sequence space.
	if a.ctx.SessionVerID > 1 || a.nextRecvSeq > 1 || a.nextSentSeq > 1 {
		a.ctx.OnSequenceReset(now)
	}
	a.nextRecvSeq = 1
	a.nextSentSeq = 1
	a.state = StateNegotiated

	metrics.MessagesReceived.WithLabelValues("fixp", "admin").Inc()
	return a.sendAdmin(&NegotiateResponse{
		SessionID:        m.SessionID,
		SessionVerID:     m.SessionVerID,
		RequestTimestamp: m.Timestamp,
		EnteringFirm:     m.EnteringFirm,
	})
}

func (a *Acceptor) onEstablish(m *Establish) error {
	reject := func(code EstablishRejectCode, disconnecting bool) error {
		err := a.sendAdmin(&EstablishReject{
			SessionID:        m.SessionID,
			SessionVerID:     m.SessionVerID,
			RequestTimestamp: m.Timestamp,
			Code:             code,
		})
		if disconnecting {
			a.doDisconnect(errors.ReasonEstablishReject)
		}
		return err
	}

	switch {
	case a.state == StateEstablished:
		// Non-disconnecting: the live session stays up.
		return reject(EstablishRejectAlreadyEstablished, false)
	case a.ctx.Ended && m.SessionVerID == uint64(a.ctx.SessionVerID):
		// A finished session version can never come back.
		return reject(EstablishRejectUnnegotiated, true)
	case a.state != StateNegotiated &&
		(a.ctx.SessionVerID == 0 || m.SessionVerID != uint64(a.ctx.SessionVerID)):
		return reject(EstablishRejectUnnegotiated, true)
	}

	if a.auth != nil {
		if err := a.auth.AuthenticateEstablish(m.SessionID, m.Credentials); err != nil {
			return reject(EstablishRejectCredentials, true)
		}
	}
	keepAlive := time.Duration(m.KeepAliveInterval) * time.Millisecond
	if keepAlive < a.cfg.MinKeepAlive || keepAlive > a.cfg.MaxKeepAlive {
		return reject(EstablishRejectKeepaliveInterval, true)
	}

	a.keepAlive = keepAlive
	a.state = StateEstablished
	a.ctx.OnLogon(int32(a.nextRecvSeq-1), a.clock())
	metrics.SessionsConnected.WithLabelValues("fixp").Inc()
	a.logger.Info("fixp session established",
		zap.Int64("session_id", a.ctx.SessionID),
		zap.Int64("session_ver_id", a.ctx.SessionVerID),
		zap.Duration("keep_alive", keepAlive))

	return a.sendAdmin(&EstablishAck{
		SessionID:         m.SessionID,
		SessionVerID:      m.SessionVerID,
		RequestTimestamp:  m.Timestamp,
		KeepAliveInterval: m.KeepAliveInterval,
		NextRecvSeqNo:     a.nextRecvSeq,
		NextSentSeqNo:     a.nextSentSeq,
	})
}

func (a *Acceptor) onSequence(m *Sequence) error {
	if a.state != StateEstablished && a.state != StateSentFinishedSending &&
		a.state != StateRecvFinishedSending {
		return errors.Protocolf("sequence in state %s", a.state)
	}
	switch {
	case m.NextSeqNo > a.nextRecvSeq:
		if err := a.sendAdmin(&NotApplied{
			FromSeqNo: a.nextRecvSeq,
			Count:     m.NextSeqNo - a.nextRecvSeq,
		}); err != nil {
			return err
		}
		a.nextRecvSeq = m.NextSeqNo
	case m.NextSeqNo < a.nextRecvSeq:
		if err := a.sendTerminate(TerminateUnspecified); err != nil {
			return err
		}
		return errors.Sequencef("sequence rewind to %d, expected %d", m.NextSeqNo, a.nextRecvSeq)
	}
	return nil
}

func (a *Acceptor) onBusiness(m *Business, frame []byte) error {
	if a.state != StateEstablished && a.state != StateSentFinishedSending {
		if a.state == StateRecvFinishedSending {
			// The counterparty declared itself finished; any further
			// business is a violation.
			if err := a.sendTerminate(TerminateUnspecified); err != nil {
				return err
			}
			return errors.Protocolf("business message after finished sending")
		}
		return errors.Protocolf("business message in state %s", a.state)
	}

	// Implicit sequencing: retransmitted bursts re-use their announced
	// numbers, everything else consumes the next expected one. Counters
	// only advance after the claim commits so a back-pressured frame
	// retries with the same number.
	seq := a.nextRecvSeq
	retransmit := a.retransmitRemaining > 0
	if retransmit {
		seq = a.retransmitSeq
	}

	env := stream.Envelope{
		Protocol:       stream.ProtoFixP,
		Kind:           stream.KindBusiness,
		SequenceNumber: int32(seq),
		SequenceIndex:  a.ctx.SequenceIndex,
		SendingTimeNs:  a.clock().UnixNano(),
	}
	claim, err := a.inbound.TryClaim(stream.EnvelopeLength + len(frame))
	if err != nil {
		return err
	}
	stream.EncodeEnvelope(claim.Buffer, &env)
	copy(claim.Buffer[stream.EnvelopeLength:], frame)
	claim.Commit()

	if retransmit {
		a.retransmitSeq++
		a.retransmitRemaining--
	} else {
		a.nextRecvSeq++
	}
	metrics.MessagesReceived.WithLabelValues("fixp", "business").Inc()
	return nil
}

func (a *Acceptor) onRetransmitRequest(m *RetransmitRequest) error {
	reject := func(code RetransmitRejectCode) error {
		return a.sendAdmin(&RetransmitReject{
			SessionID:        m.SessionID,
			RequestTimestamp: m.Timestamp,
			Code:             code,
		})
	}
	if int64(m.SessionID) != a.ctx.SessionID {
		return reject(RetransmitRejectInvalidSession)
	}
	if m.FromSeqNo == 0 || m.FromSeqNo+m.Count > a.nextSentSeq {
		return reject(RetransmitRejectOutOfRange)
	}
	if a.cfg.MaxRetransmissionRange > 0 && int(m.Count) > a.cfg.MaxRetransmissionRange {
		return reject(RetransmitRejectRequestLimitExceeded)
	}
	if a.retransmitter == nil {
		return reject(RetransmitRejectOutOfRange)
	}
	err := a.retransmitter.OnRetransmitRequest(a, m)
	if err == errors.ErrReplayLimitExceeded {
		return reject(RetransmitRejectRequestLimitExceeded)
	}
	return err
}

func (a *Acceptor) onFinishedSending(m *FinishedSending) error {
	if a.state != StateEstablished && a.state != StateSentFinishedSending {
		return errors.Protocolf("finished sending in state %s", a.state)
	}
	a.recvFinishedSending = true
	if a.state == StateEstablished {
		a.state = StateRecvFinishedSending
	}
	// A finished-sending/finished-receiving pair has now happened: this
	// session version can never be re-established.
	a.ctx.Ended = true
	return a.sendAdmin(&FinishedReceiving{
		SessionID:    m.SessionID,
		SessionVerID: m.SessionVerID,
	})
}

func (a *Acceptor) onFinishedReceiving(_ *FinishedReceiving) error {
	if !a.sentFinishedSending {
		return errors.Protocolf("unsolicited finished receiving")
	}
	a.recvFinishedReceiving = true
	a.ctx.Ended = true
	return nil
}

func (a *Acceptor) onTerminate(_ *Terminate) error {
	if a.state == StateUnbinding {
		// Our terminate was acknowledged.
		a.state = StateUnbound
		a.doDisconnect(errors.ReasonTerminate)
		return nil
	}
	if err := a.sendAdmin(&Terminate{
		SessionID:    uint64(a.ctx.SessionID),
		SessionVerID: uint64(a.ctx.SessionVerID),
		Code:         TerminateFinished,
	}); err != nil {
		return err
	}
	a.state = StateUnbound
	a.doDisconnect(errors.ReasonTerminate)
	return nil
}

// FinishSending starts the acceptor-side graceful finish: no further
// business sends are accepted, and the FinishedSending announcement repeats
// as the keep-alive until acknowledged.
func (a *Acceptor) FinishSending() error {
	if a.state != StateEstablished && a.state != StateRecvFinishedSending {
		return errors.Protocolf("finish sending in state %s", a.state)
	}
	a.sentFinishedSending = true
	a.finishedSendingLast = a.nextSentSeq - 1
	if a.state == StateEstablished {
		a.state = StateSentFinishedSending
	}
	return a.sendAdmin(&FinishedSending{
		SessionID:    uint64(a.ctx.SessionID),
		SessionVerID: uint64(a.ctx.SessionVerID),
		LastSeqNo:    a.finishedSendingLast,
	})
}

// TryClaimBusiness publishes an outbound application message with the next
// sequence number. Fails once FinishSending has been called.
func (a *Acceptor) TryClaimBusiness(templateID uint16, block []byte) error {
	if a.sentFinishedSending {
		return errors.Protocolf("session finished sending")
	}
	if a.state != StateEstablished && a.state != StateRecvFinishedSending {
		return errors.Protocolf("business send in state %s", a.state)
	}
	frame := Frame(&Business{TemplateID: templateID, Block: block})
	env := stream.Envelope{
		Protocol:       stream.ProtoFixP,
		Kind:           stream.KindBusiness,
		SequenceNumber: int32(a.nextSentSeq),
		SequenceIndex:  a.ctx.SequenceIndex,
		SendingTimeNs:  a.clock().UnixNano(),
	}
	claim, err := a.outbound.TryClaim(stream.EnvelopeLength + len(frame))
	if err != nil {
		return err
	}
	stream.EncodeEnvelope(claim.Buffer, &env)
	copy(claim.Buffer[stream.EnvelopeLength:], frame)
	claim.Commit()

	a.nextSentSeq++
	a.sendRaw(frame)
	metrics.MessagesSent.WithLabelValues("fixp", "business").Inc()
	return nil
}

// Terminate initiates an acceptor-side termination handshake.
func (a *Acceptor) Terminate(code TerminationCode) error {
	if a.state == StateUnbound {
		return nil
	}
	a.state = StateUnbinding
	return a.sendAdmin(&Terminate{
		SessionID:    uint64(a.ctx.SessionID),
		SessionVerID: uint64(a.ctx.SessionVerID),
		Code:         code,
	})
}

func (a *Acceptor) sendTerminate(code TerminationCode) error {
	err := a.sendAdmin(&Terminate{
		SessionID:    uint64(a.ctx.SessionID),
		SessionVerID: uint64(a.ctx.SessionVerID),
		Code:         code,
	})
	a.state = StateUnbound
	a.doDisconnect(errors.ReasonTerminate)
	return err
}

func (a *Acceptor) sendAdmin(m Message) error {
	frame := Frame(m)
	env := stream.Envelope{
		Protocol:      stream.ProtoFixP,
		Kind:          stream.KindAdmin,
		SequenceIndex: a.ctx.SequenceIndex,
		SendingTimeNs: a.clock().UnixNano(),
	}
	claim, err := a.outbound.TryClaim(stream.EnvelopeLength + len(frame))
	if err != nil {
		return err
	}
	stream.EncodeEnvelope(claim.Buffer, &env)
	copy(claim.Buffer[stream.EnvelopeLength:], frame)
	claim.Commit()
	a.sendRaw(frame)
	metrics.MessagesSent.WithLabelValues("fixp", "admin").Inc()
	return nil
}

func (a *Acceptor) sendRaw(frame []byte) {
	a.lastSentAt = a.clock()
	if a.conduit == nil {
		return
	}
	if err := a.conduit.SendFrame(frame); err != nil {
		a.logger.Warn("transport write failed", zap.Error(err))
	}
}

// Poll drives the negotiate deadline, keep-alive heartbeats and the
// finished-sending repeat.
func (a *Acceptor) Poll() error {
	now := a.clock()
	switch a.state {
	case StateAccepted, StateNegotiated:
		if now.Sub(a.connectedAt) > a.cfg.NoLogonTimeout {
			a.doDisconnect(errors.ReasonNoLogon)
		}
		return nil
	case StateUnbound:
		return nil
	}
	if a.keepAlive <= 0 {
		return nil
	}
	if now.Sub(a.lastReceivedAt) >= 2*a.keepAlive {
		if err := a.sendTerminate(TerminateUnspecified); err != nil {
			return err
		}
		return nil
	}
	if now.Sub(a.lastSentAt) >= a.keepAlive {
		if a.sentFinishedSending && !a.recvFinishedReceiving {
			// FinishedSending doubles as the heartbeat until acknowledged.
			return a.sendAdmin(&FinishedSending{
				SessionID:    uint64(a.ctx.SessionID),
				SessionVerID: uint64(a.ctx.SessionVerID),
				LastSeqNo:    a.finishedSendingLast,
			})
		}
		return a.sendAdmin(&Sequence{NextSeqNo: a.nextSentSeq})
	}
	return nil
}

func (a *Acceptor) doDisconnect(reason errors.DisconnectReason) {
	if a.state == StateUnbound && reason != errors.ReasonTerminate {
		return
	}
	if a.state == StateEstablished || a.state == StateSentFinishedSending ||
		a.state == StateRecvFinishedSending {
		metrics.SessionsConnected.WithLabelValues("fixp").Dec()
	}
	a.state = StateUnbound
	metrics.Disconnects.WithLabelValues(reason.String()).Inc()
	if a.disconnect != nil {
		a.disconnect(reason)
	}
}
