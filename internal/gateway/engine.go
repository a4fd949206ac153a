package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/agent"
	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/internal/auth"
	"github.com/Aidin1998/fixgate/internal/infrastructure/config"
	"github.com/Aidin1998/fixgate/internal/journal/recording"
	"github.com/Aidin1998/fixgate/internal/journal/replay"
	"github.com/Aidin1998/fixgate/internal/journal/sequence"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/internal/session/fix"
	"github.com/Aidin1998/fixgate/internal/session/fixp"
	"github.com/Aidin1998/fixgate/internal/stream"
)

// SequenceIndexFileName is the canonical sequence number index path under
// the log directory.
const SequenceIndexFileName = "sequence_number_index"

// DefaultLibraryID owns sessions bound by the embedded application.
const DefaultLibraryID int32 = 1

// streamWindow is the buffered-byte capacity of each carrier stream.
const streamWindow = 8 * 1024 * 1024

// Engine terminates FIX and FIXP sessions, indexes both carrier streams and
// serves replays out of the archive.
type Engine struct {
	cfg    *config.EngineConfig
	logger *zap.Logger
	clock  func() time.Time

	inboundStream  *stream.Stream
	outboundStream *stream.Stream

	arch        *archive.Archive
	coordinator *recording.Coordinator
	seqIndex    *sequence.Index
	registry    *Registry

	replayInWriter  *replay.Writer
	replayOutWriter *replay.Writer
	replayOutQuery  *replay.Query
	replayInQuery   *replay.Query

	fixReplayer   *fix.Replayer
	retransmitter *fixp.Retransmitter
	authStrategy  auth.Strategy

	receiver *Receiver

	recordingIDs map[int32]int64 // stream id → recording id

	// framer-owned session objects, live and offline
	fixSessions  map[int64]*fix.Session
	fixpSessions map[int64]*fixp.Acceptor

	indexer *indexerAgent

	framerRunner  *agent.Runner
	indexerRunner *agent.Runner
	cancel        context.CancelFunc
}

// NewEngine builds the engine from configuration. Any index corruption fails
// construction; the caller must not retry blindly.
func NewEngine(cfg *config.EngineConfig, logger *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.Journal.LogFileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Archive.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	arch, err := archive.Open(cfg.Archive.Dir, logger)
	if err != nil {
		return nil, err
	}

	coordinator, err := recording.NewCoordinator(cfg.Journal.LogFileDir, arch, logger)
	if err != nil {
		arch.Close()
		return nil, err
	}

	seqIndex, err := sequence.Open(
		filepath.Join(cfg.Journal.LogFileDir, SequenceIndexFileName),
		cfg.Journal.SequenceFlushTimeout,
		cfg.Journal.SequenceFlushRecords,
		logger)
	if err != nil {
		arch.Close()
		return nil, err
	}

	registry := NewRegistry(0, logger)
	if err := registry.Load(filepath.Join(cfg.Journal.LogFileDir, SessionIDsFileName)); err != nil {
		arch.Close()
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		clock:        time.Now,
		arch:         arch,
		coordinator:  coordinator,
		seqIndex:     seqIndex,
		registry:     registry,
		recordingIDs: make(map[int32]int64),
		fixSessions:  make(map[int64]*fix.Session),
		fixpSessions: make(map[int64]*fixp.Acceptor),
	}

	// Resume each stream at its recording's stop position so stream
	// positions stay monotonic across restarts.
	for _, streamID := range []int32{session.InboundStreamID, session.OutboundStreamID} {
		recordingID, resumePosition, err := coordinator.Acquire(streamID, 0)
		if err != nil {
			arch.Close()
			return nil, err
		}
		e.recordingIDs[streamID] = recordingID
		st := stream.NewStreamAt(streamID, streamWindow, resumePosition)
		if streamID == session.InboundStreamID {
			e.inboundStream = st
		} else {
			e.outboundStream = st
		}
	}

	capacity := cfg.Journal.ReplayIndexCapacity
	e.replayInWriter = replay.NewWriter(cfg.Journal.LogFileDir, session.InboundStreamID, capacity, logger)
	e.replayOutWriter = replay.NewWriter(cfg.Journal.LogFileDir, session.OutboundStreamID, capacity, logger)
	e.replayOutQuery = replay.NewQuery(cfg.Journal.LogFileDir, session.OutboundStreamID, logger)
	e.replayInQuery = replay.NewQuery(cfg.Journal.LogFileDir, session.InboundStreamID, logger)

	e.fixReplayer = fix.NewReplayer(e.replayOutQuery, arch, cfg.Fix.MaxConcurrentResends, logger)
	e.retransmitter = fixp.NewRetransmitter(e.replayOutQuery, arch, cfg.FixP.MaxConcurrentRetransmits, logger)

	switch cfg.Auth.Strategy {
	case "jwt":
		e.authStrategy = auth.NewJWT(cfg.Auth.JWTSecret)
	default:
		e.authStrategy = auth.AcceptAll{}
	}

	e.indexer = newIndexerAgent(e)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	receiver, err := NewReceiver(addr, cfg.Server.ReceiveBufferSize, cfg.Server.SlowConsumerTimeout, e, logger)
	if err != nil {
		arch.Close()
		return nil, err
	}
	e.receiver = receiver

	logger.Info("engine constructed", zap.String("listen", receiver.Addr().String()))
	return e, nil
}

// Start launches the framer and indexer agents.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.framerRunner = agent.NewRunner(e.logger, agent.NewBackoffIdleStrategy(), e.receiver)
	e.framerRunner.Start(ctx)

	e.indexerRunner = agent.NewRunner(e.logger, agent.NewBackoffIdleStrategy(), e.indexer)
	e.indexerRunner.Start(ctx)
}

// Registry exposes the sessions registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Addr returns the bound acceptor address.
func (e *Engine) Addr() string { return e.receiver.Addr().String() }

// Close shuts the engine down. With graceful shutdown enabled it waits for
// the recordings to reach the stream completion positions and flushes the
// sequence index unconditionally.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		e.framerRunner.AwaitStopped()
		e.indexerRunner.AwaitStopped()
	}
	e.receiver.Close()

	if e.cfg.Journal.GracefulShutdown {
		// Drain whatever the indexer and recorders have not yet consumed.
		for e.indexer.drain() > 0 {
		}
		for streamID, recordingID := range e.recordingIDs {
			var position int64
			if streamID == session.InboundStreamID {
				position = e.inboundStream.Position()
			} else {
				position = e.outboundStream.Position()
			}
			if err := e.coordinator.AwaitPosition(recordingID, position, 5*time.Second); err != nil {
				e.logger.Warn("recording lagged at shutdown", zap.Error(err))
			}
		}
		if err := e.seqIndex.Flush(); err != nil {
			e.logger.Error("sequence index flush failed at shutdown", zap.Error(err))
		}
	}

	if err := e.coordinator.Save(); err != nil {
		e.logger.Error("recording coordinator save failed", zap.Error(err))
	}
	if err := e.registry.Save(filepath.Join(e.cfg.Journal.LogFileDir, SessionIDsFileName)); err != nil {
		e.logger.Error("session contexts save failed", zap.Error(err))
	}

	e.replayInWriter.Close()
	e.replayOutWriter.Close()
	e.replayOutQuery.Close()
	e.replayInQuery.Close()
	return e.arch.Close()
}

// BindFix implements Binder: authenticates the logon, acquires the session
// context and builds the state machine resuming persisted sequence numbers.
func (e *Engine) BindFix(ep Endpoint, logon *fix.Message) (*fix.Session, error) {
	remoteCompID, _ := logon.Get(fix.TagSenderCompID)
	localCompID, _ := logon.Get(fix.TagTargetCompID)
	if remoteCompID == "" || localCompID == "" {
		return nil, errors.Protocolf("logon without comp ids")
	}
	if e.cfg.Server.Protocol == config.ProtocolFixP {
		return nil, errors.Configf("fix logon on a fixp-only acceptor")
	}

	username, _ := logon.Get(fix.TagUsername)
	password, _ := logon.Get(fix.TagPassword)
	if err := e.authStrategy.AuthenticateLogon(remoteCompID, localCompID, username, password); err != nil {
		ep.Disconnect(errors.ReasonAuthenticationFailure)
		return nil, fmt.Errorf("%w: fix logon rejected", errors.ErrAuthentication)
	}

	key := session.FixKey{SenderCompID: remoteCompID, TargetCompID: localCompID}
	ctx, err := e.registry.Acquire(key, DefaultLibraryID)
	if err != nil {
		return nil, err
	}
	ctx.SequenceIndex = maxInt32(ctx.SequenceIndex, e.seqIndex.SequenceIndex(ctx.SessionID))

	sess := fix.NewSession(
		e.cfg.Fix,
		ctx,
		localCompID, remoteCompID,
		e.seqIndex.LastKnownReceived(ctx.SessionID),
		e.seqIndex.LastKnownSent(ctx.SessionID),
		ep,
		stream.NewPublication(e.outboundStream, ctx.SessionID),
		stream.NewPublication(e.inboundStream, ctx.SessionID),
		e.fixReplayer,
		func(reason errors.DisconnectReason) { e.onSessionDisconnect(ctx, reason, ep) },
		e.clock,
		e.logger,
	)
	e.fixSessions[ctx.SessionID] = sess
	return sess, nil
}

// BindFixP implements Binder for the binary entry point.
func (e *Engine) BindFixP(ep Endpoint, first fixp.Message) (*fixp.Acceptor, error) {
	if e.cfg.Server.Protocol == config.ProtocolFix {
		return nil, errors.Configf("fixp negotiate on a fix-only acceptor")
	}
	var sessionID uint64
	switch m := first.(type) {
	case *fixp.Negotiate:
		sessionID = m.SessionID
	case *fixp.Establish:
		sessionID = m.SessionID
	default:
		return nil, errors.Protocolf("first fixp message %T is neither negotiate nor establish", first)
	}

	key := session.FixPKey{SessionID: int64(sessionID)}
	ctx, err := e.registry.Acquire(key, DefaultLibraryID)
	if err != nil {
		return nil, err
	}
	ctx.SequenceIndex = maxInt32(ctx.SequenceIndex, e.seqIndex.SequenceIndex(ctx.SessionID))

	acc := fixp.NewAcceptor(
		e.cfg.FixP,
		ctx,
		e.seqIndex.LastKnownReceived(ctx.SessionID),
		e.seqIndex.LastKnownSent(ctx.SessionID),
		ep,
		stream.NewPublication(e.outboundStream, ctx.SessionID),
		stream.NewPublication(e.inboundStream, ctx.SessionID),
		e.retransmitter,
		e.authStrategy,
		func(reason errors.DisconnectReason) { e.onSessionDisconnect(ctx, reason, ep) },
		e.clock,
		e.logger,
	)
	e.fixpSessions[ctx.SessionID] = acc
	return acc, nil
}

// OnDisconnect implements Binder: publishes a control event so the
// application observes the teardown, and parks the session offline.
func (e *Engine) OnDisconnect(ep Endpoint, reason errors.DisconnectReason) {
	raw, ok := ep.(*endpoint)
	if !ok {
		return
	}
	var ctx *session.Context
	if raw.fixSession != nil {
		ctx = raw.fixSession.Context()
		raw.fixSession.GoOffline()
	}
	if raw.fixpAcceptor != nil {
		ctx = raw.fixpAcceptor.Context()
	}
	if ctx == nil {
		return
	}
	e.publishDisconnectEvent(ctx.SessionID, reason)
}

// onSessionDisconnect is invoked by a state machine tearing its transport
// down; the dispatcher reaps the endpoint on its next cycle.
func (e *Engine) onSessionDisconnect(ctx *session.Context, reason errors.DisconnectReason, ep Endpoint) {
	ep.Disconnect(reason)
}

func (e *Engine) publishDisconnectEvent(sessionID int64, reason errors.DisconnectReason) {
	pub := stream.NewPublication(e.inboundStream, sessionID)
	payload := []byte(reason.String())
	claim, err := pub.TryClaim(stream.EnvelopeLength + len(payload))
	if err != nil {
		e.logger.Warn("disconnect event back pressured", zap.Int64("session_id", sessionID))
		return
	}
	stream.EncodeEnvelope(claim.Buffer, &stream.Envelope{
		Protocol:      0,
		Kind:          stream.KindControl,
		SendingTimeNs: e.clock().UnixNano(),
	})
	copy(claim.Buffer[stream.EnvelopeLength:], payload)
	claim.Commit()
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// indexerAgent consumes both carrier streams, feeding the sequence number
// index, the replay indexes and the archive recordings.
type indexerAgent struct {
	engine *Engine

	inboundSub  *stream.Subscription
	outboundSub *stream.Subscription
}

func newIndexerAgent(e *Engine) *indexerAgent {
	return &indexerAgent{
		engine:      e,
		inboundSub:  e.inboundStream.SubscribeFrom(0),
		outboundSub: e.outboundStream.SubscribeFrom(0),
	}
}

func (a *indexerAgent) Name() string { return "indexer" }

func (a *indexerAgent) DoWork() (int, error) {
	work := a.drain()
	flushed, err := a.engine.seqIndex.DoWork()
	return work + flushed, err
}

func (a *indexerAgent) drain() int {
	work := a.inboundSub.Poll(a.onFragment(session.InboundStreamID), 64)
	work += a.outboundSub.Poll(a.onFragment(session.OutboundStreamID), 64)
	return work
}

func (a *indexerAgent) onFragment(streamID int32) stream.FragmentHandler {
	e := a.engine
	recordingID := e.recordingIDs[streamID]
	var writer *replay.Writer
	if streamID == session.InboundStreamID {
		writer = e.replayInWriter
	} else {
		writer = e.replayOutWriter
	}
	return func(buf []byte, header stream.Header) bool {
		beginPosition := stream.BeginPosition(header, len(buf))
		if err := e.arch.RecordFragment(recordingID, beginPosition, buf); err != nil {
			e.logger.Error("archive write failed", zap.Error(err))
			return false
		}

		env, _, err := stream.DecodeEnvelope(buf)
		if err != nil {
			e.logger.Error("unindexable fragment", zap.Error(err))
			return true
		}
		if env.Kind == stream.KindControl {
			return true
		}

		if streamID == session.InboundStreamID {
			e.seqIndex.RecordReceived(header.SessionID, env.SequenceNumber,
				env.SequenceIndex, streamID, header.Position)
		} else {
			e.seqIndex.RecordSent(header.SessionID, env.SequenceNumber,
				env.SequenceIndex, streamID, header.Position)
		}
		if err := writer.OnIndexed(header.SessionID, &replay.Record{
			Position:       beginPosition,
			SequenceIndex:  env.SequenceIndex,
			SequenceNumber: env.SequenceNumber,
			RecordingID:    recordingID,
			Length:         int32(len(buf)),
		}); err != nil {
			e.logger.Error("replay index write failed", zap.Error(err))
		}
		return true
	}
}

func (a *indexerAgent) OnClose() {}
