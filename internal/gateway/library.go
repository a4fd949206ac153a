package gateway

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/internal/session/fix"
	"github.com/Aidin1998/fixgate/internal/stream"
)

// InboundHandler receives accepted messages and control events in sender
// sequence order. Panics are caught and reported, never allowed to unwind
// into the engine.
type InboundHandler interface {
	OnBusinessMessage(sessionID int64, env stream.Envelope, wire []byte)
	OnAdminMessage(sessionID int64, env stream.Envelope, wire []byte)
	OnDisconnect(sessionID int64, reason string)
}

// Library is the embedded application's handle onto the engine: an inbound
// subscription plus session command methods. One Library per application
// agent.
type Library struct {
	ID     int32
	engine *Engine
	logger *zap.Logger

	correlationID uuid.UUID
	sub           *stream.Subscription
}

// Library creates the application handle, subscribed from the start of the
// retained inbound window.
func (e *Engine) Library() *Library {
	return &Library{
		ID:            DefaultLibraryID,
		engine:        e,
		logger:        e.logger,
		correlationID: uuid.New(),
		sub:           e.inboundStream.SubscribeFrom(0),
	}
}

// Poll delivers up to limit inbound events to the handler, returning the
// number consumed.
func (l *Library) Poll(handler InboundHandler, limit int) int {
	return l.sub.Poll(func(buf []byte, header stream.Header) bool {
		env, wire, err := stream.DecodeEnvelope(buf)
		if err != nil {
			l.logger.Error("undeliverable fragment", zap.Error(err))
			return true
		}
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("application handler panicked",
					zap.Int64("session_id", header.SessionID),
					zap.Any("panic", r))
			}
		}()
		switch env.Kind {
		case stream.KindControl:
			handler.OnDisconnect(header.SessionID, string(wire))
		case stream.KindAdmin:
			handler.OnAdminMessage(header.SessionID, env, wire)
		default:
			handler.OnBusinessMessage(header.SessionID, env, wire)
		}
		return true
	}, limit)
}

// SendFix publishes a FIX business message on the session, connected or
// offline. Offline sends are stored and forwarded via the counterparty's
// resend request after reconnect.
func (l *Library) SendFix(sessionID int64, msgType string, body []fix.Field) error {
	sess, ok := l.engine.fixSessions[sessionID]
	if !ok {
		var err error
		sess, err = l.engine.offlineFixSession(sessionID)
		if err != nil {
			return err
		}
	}
	return sess.SendBusiness(msgType, body)
}

// SendFixP publishes a FIXP business message on an established session.
func (l *Library) SendFixP(sessionID int64, templateID uint16, block []byte) error {
	acc, ok := l.engine.fixpSessions[sessionID]
	if !ok {
		return fmt.Errorf("fixp session %d not bound", sessionID)
	}
	return acc.TryClaimBusiness(templateID, block)
}

// FinishSending starts the FIXP graceful finish on a session.
func (l *Library) FinishSending(sessionID int64) error {
	acc, ok := l.engine.fixpSessions[sessionID]
	if !ok {
		return fmt.Errorf("fixp session %d not bound", sessionID)
	}
	return acc.FinishSending()
}

// offlineFixSession materialises a store-and-forward session shell for a
// known but disconnected FIX counterparty.
func (e *Engine) offlineFixSession(sessionID int64) (*fix.Session, error) {
	ctx, ok := e.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session %d", sessionID)
	}
	key, ok := ctx.Key.(session.FixKey)
	if !ok {
		return nil, errors.Protocolf("session %d is not a fix session", sessionID)
	}
	sess := fix.NewSession(
		e.cfg.Fix,
		ctx,
		key.TargetCompID, key.SenderCompID,
		e.seqIndex.LastKnownReceived(sessionID),
		e.seqIndex.LastKnownSent(sessionID),
		nil, // offline: no transport
		stream.NewPublication(e.outboundStream, sessionID),
		stream.NewPublication(e.inboundStream, sessionID),
		e.fixReplayer,
		nil,
		e.clock,
		e.logger,
	)
	e.fixSessions[sessionID] = sess
	return sess, nil
}
