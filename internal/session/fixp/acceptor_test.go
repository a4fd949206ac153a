package fixp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/internal/infrastructure/config"
	"github.com/Aidin1998/fixgate/internal/journal/replay"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

const testTemplateOrder = TemplateBusinessBase + 1

type captureConduit struct {
	frames [][]byte
}

func (c *captureConduit) SendFrame(buf []byte) error {
	c.frames = append(c.frames, append([]byte(nil), buf...))
	return nil
}

func (c *captureConduit) messages(t *testing.T) []Message {
	t.Helper()
	out := make([]Message, 0, len(c.frames))
	for _, f := range c.frames {
		msg, err := Decode(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (c *captureConduit) last(t *testing.T) Message {
	t.Helper()
	msgs := c.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type fixture struct {
	acc      *Acceptor
	conduit  *captureConduit
	ctx      *session.Context
	inbound  *stream.Stream
	outbound *stream.Stream
	now      time.Time
}

func testConfig() config.FixPConfig {
	return config.FixPConfig{
		MinKeepAlive:             100 * time.Millisecond,
		MaxKeepAlive:             65 * time.Second,
		NoLogonTimeout:           10 * time.Second,
		MaxRetransmissionRange:   10000,
		MaxConcurrentRetransmits: 2,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conduit:  &captureConduit{},
		inbound:  stream.NewStream(session.InboundStreamID, 1<<20),
		outbound: stream.NewStream(session.OutboundStreamID, 1<<20),
		now:      time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC),
	}
	f.ctx = &session.Context{
		Key:       session.FixPKey{SessionID: 1},
		SessionID: 1,
	}
	f.newAcceptor(t)
	return f
}

func (f *fixture) newAcceptor(t *testing.T) {
	t.Helper()
	f.conduit = &captureConduit{}
	f.acc = NewAcceptor(
		testConfig(), f.ctx,
		0, 0,
		f.conduit,
		stream.NewPublication(f.outbound, f.ctx.SessionID),
		stream.NewPublication(f.inbound, f.ctx.SessionID),
		nil, nil, nil,
		func() time.Time { return f.now },
		logger.NewNopLogger(),
	)
}

func (f *fixture) send(t *testing.T, m Message) {
	t.Helper()
	_ = f.acc.OnFrame(Frame(m))
}

func (f *fixture) negotiate(t *testing.T, verID uint64) {
	t.Helper()
	f.send(t, &Negotiate{SessionID: 1, SessionVerID: verID, Timestamp: 1000, EnteringFirm: 55})
}

func (f *fixture) establish(t *testing.T, verID uint64) {
	t.Helper()
	f.send(t, &Establish{SessionID: 1, SessionVerID: verID, Timestamp: 2000, KeepAliveInterval: 10000})
}

func TestNegotiateEstablishBusinessTerminate(t *testing.T) {
	f := newFixture(t)
	sub := f.inbound.Subscribe()

	f.negotiate(t, 1)
	require.Equal(t, StateNegotiated, f.acc.State())
	resp, ok := f.conduit.last(t).(*NegotiateResponse)
	require.True(t, ok)
	assert.Equal(t, uint64(1), resp.SessionVerID)

	f.establish(t, 1)
	require.Equal(t, StateEstablished, f.acc.State())
	ack, ok := f.conduit.last(t).(*EstablishAck)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ack.NextRecvSeqNo)
	assert.Equal(t, uint32(1), ack.NextSentSeqNo)

	// Client business message, then our execution report.
	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{42}})
	require.NoError(t, f.acc.TryClaimBusiness(testTemplateOrder+1, []byte{1}))

	assert.Equal(t, uint32(2), f.acc.NextRecvSeq())
	assert.Equal(t, uint32(2), f.acc.NextSentSeq())

	var delivered []int32
	sub.Poll(func(buf []byte, _ stream.Header) bool {
		env, _, err := stream.DecodeEnvelope(buf)
		require.NoError(t, err)
		delivered = append(delivered, env.SequenceNumber)
		return true
	}, 10)
	assert.Equal(t, []int32{1}, delivered)

	f.send(t, &Terminate{SessionID: 1, SessionVerID: 1})
	_, ok = f.conduit.last(t).(*Terminate)
	require.True(t, ok)
	assert.Equal(t, StateUnbound, f.acc.State())
}

func TestSequenceGapEmitsNotApplied(t *testing.T) {
	f := newFixture(t)
	sub := f.inbound.Subscribe()
	f.negotiate(t, 1)
	f.establish(t, 1)

	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{1}})
	require.Equal(t, uint32(2), f.acc.NextRecvSeq())

	f.send(t, &Sequence{NextSeqNo: 4})
	na, ok := f.conduit.last(t).(*NotApplied)
	require.True(t, ok)
	assert.Equal(t, uint32(2), na.FromSeqNo)
	assert.Equal(t, uint32(2), na.Count)
	assert.Equal(t, uint32(4), f.acc.NextRecvSeq())

	// The client retransmits 2 and 3, then sends 4: all three must reach
	// the application in order.
	f.send(t, &Retransmission{SessionID: 1, NextSeqNo: 2, Count: 2})
	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{2}})
	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{3}})
	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{4}})

	var delivered []int32
	sub.Poll(func(buf []byte, _ stream.Header) bool {
		env, _, err := stream.DecodeEnvelope(buf)
		require.NoError(t, err)
		delivered = append(delivered, env.SequenceNumber)
		return true
	}, 10)
	assert.Equal(t, []int32{1, 2, 3, 4}, delivered)
	assert.Equal(t, uint32(5), f.acc.NextRecvSeq())
}

func TestSequenceRewindTerminates(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)
	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{1}})

	f.send(t, &Sequence{NextSeqNo: 1})
	term, ok := f.conduit.last(t).(*Terminate)
	require.True(t, ok)
	assert.Equal(t, TerminateUnspecified, term.Code)
	assert.Equal(t, StateUnbound, f.acc.State())
}

func TestDuplicateNegotiateRejected(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)
	f.send(t, &Terminate{SessionID: 1, SessionVerID: 1})

	// Same version again on a fresh connection: DUPLICATE_ID.
	f.newAcceptor(t)
	f.negotiate(t, 1)
	reject, ok := f.conduit.last(t).(*NegotiateReject)
	require.True(t, ok)
	assert.Equal(t, NegotiateRejectDuplicateID, reject.Code)

	// A higher version supersedes.
	f.newAcceptor(t)
	f.negotiate(t, 2)
	_, ok = f.conduit.last(t).(*NegotiateResponse)
	require.True(t, ok)
	f.establish(t, 2)
	_, ok = f.conduit.last(t).(*EstablishAck)
	require.True(t, ok)
}

func TestEstablishWithoutNegotiateRejected(t *testing.T) {
	f := newFixture(t)
	f.establish(t, 1)
	reject, ok := f.conduit.last(t).(*EstablishReject)
	require.True(t, ok)
	assert.Equal(t, EstablishRejectUnnegotiated, reject.Code)
}

func TestReestablishPreviouslyNegotiatedVersion(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)
	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{1}})
	require.NoError(t, f.acc.TryClaimBusiness(testTemplateOrder+1, []byte{1}))

	// Reconnect without renegotiating: establish succeeds and both
	// expectations resume.
	lastRecv := int32(f.acc.NextRecvSeq() - 1)
	lastSent := int32(f.acc.NextSentSeq() - 1)
	f.conduit = &captureConduit{}
	f.acc = NewAcceptor(testConfig(), f.ctx, lastRecv, lastSent, f.conduit,
		stream.NewPublication(f.outbound, 1), stream.NewPublication(f.inbound, 1),
		nil, nil, nil, func() time.Time { return f.now }, logger.NewNopLogger())

	f.establish(t, 1)
	ack, ok := f.conduit.last(t).(*EstablishAck)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ack.NextRecvSeqNo)
	assert.Equal(t, uint32(2), ack.NextSentSeqNo)
}

func TestAlreadyEstablishedIsNonDisconnecting(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)
	f.establish(t, 1)

	reject, ok := f.conduit.last(t).(*EstablishReject)
	require.True(t, ok)
	assert.Equal(t, EstablishRejectAlreadyEstablished, reject.Code)
	assert.Equal(t, StateEstablished, f.acc.State())
}

func TestKeepAliveIntervalValidated(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.send(t, &Establish{SessionID: 1, SessionVerID: 1, Timestamp: 2000,
		KeepAliveInterval: 1}) // below the minimum

	reject, ok := f.conduit.last(t).(*EstablishReject)
	require.True(t, ok)
	assert.Equal(t, EstablishRejectKeepaliveInterval, reject.Code)
}

func TestFinishedSendingHandshake(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)

	// Client finishes; we acknowledge and may still send.
	f.send(t, &FinishedSending{SessionID: 1, SessionVerID: 1, LastSeqNo: 0})
	_, ok := f.conduit.last(t).(*FinishedReceiving)
	require.True(t, ok)
	require.Equal(t, StateRecvFinishedSending, f.acc.State())
	require.NoError(t, f.acc.TryClaimBusiness(testTemplateOrder, []byte{9}))

	// Our side finishes; new business sends must fail.
	require.NoError(t, f.acc.FinishSending())
	fs, ok := f.conduit.last(t).(*FinishedSending)
	require.True(t, ok)
	assert.Equal(t, uint32(1), fs.LastSeqNo)
	require.Error(t, f.acc.TryClaimBusiness(testTemplateOrder, []byte{10}))

	f.send(t, &FinishedReceiving{SessionID: 1, SessionVerID: 1})
	assert.True(t, f.ctx.Ended)

	f.send(t, &Terminate{SessionID: 1, SessionVerID: 1})
	assert.Equal(t, StateUnbound, f.acc.State())
}

func TestEndedVersionCannotReestablish(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)
	f.send(t, &FinishedSending{SessionID: 1, SessionVerID: 1, LastSeqNo: 0})
	f.send(t, &Terminate{SessionID: 1, SessionVerID: 1})

	f.newAcceptor(t)
	f.establish(t, 1)
	reject, ok := f.conduit.last(t).(*EstablishReject)
	require.True(t, ok)
	assert.Equal(t, EstablishRejectUnnegotiated, reject.Code)

	// Renegotiating a higher version works again.
	f.newAcceptor(t)
	f.negotiate(t, 2)
	_, ok = f.conduit.last(t).(*NegotiateResponse)
	require.True(t, ok)
}

func TestBusinessAfterClientFinishedTerminates(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)
	f.send(t, &FinishedSending{SessionID: 1, SessionVerID: 1, LastSeqNo: 0})

	f.send(t, &Business{TemplateID: testTemplateOrder, Block: []byte{1}})
	term, ok := f.conduit.last(t).(*Terminate)
	require.True(t, ok)
	assert.Equal(t, TerminateUnspecified, term.Code)
}

func TestKeepAliveSequenceAndTimeout(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1) // keep alive 10s

	f.now = f.now.Add(11 * time.Second)
	require.NoError(t, f.acc.Poll())
	seq, ok := f.conduit.last(t).(*Sequence)
	require.True(t, ok)
	assert.Equal(t, uint32(1), seq.NextSeqNo)

	f.now = f.now.Add(11 * time.Second)
	require.NoError(t, f.acc.Poll())
	_, ok = f.conduit.last(t).(*Terminate)
	require.True(t, ok)
	assert.Equal(t, StateUnbound, f.acc.State())
}

func TestRetransmitRequestValidation(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t, 1)
	f.establish(t, 1)

	f.send(t, &RetransmitRequest{SessionID: 99, Timestamp: 1, FromSeqNo: 1, Count: 1})
	reject, ok := f.conduit.last(t).(*RetransmitReject)
	require.True(t, ok)
	assert.Equal(t, RetransmitRejectInvalidSession, reject.Code)

	f.send(t, &RetransmitRequest{SessionID: 1, Timestamp: 1, FromSeqNo: 1, Count: 50})
	reject, ok = f.conduit.last(t).(*RetransmitReject)
	require.True(t, ok)
	assert.Equal(t, RetransmitRejectOutOfRange, reject.Code)
}

func TestRetransmitServedFromArchive(t *testing.T) {
	f := newFixture(t)

	dir := t.TempDir()
	arch, err := archive.Open(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	writer := replay.NewWriter(dir, session.OutboundStreamID, 1024, logger.NewNopLogger())
	query := replay.NewQuery(dir, session.OutboundStreamID, logger.NewNopLogger())
	t.Cleanup(func() {
		writer.Close()
		query.Close()
		arch.Close()
	})
	recordingID, err := arch.StartRecording(session.OutboundStreamID, 0)
	require.NoError(t, err)

	sub := f.outbound.Subscribe()
	index := func() {
		sub.Poll(func(buf []byte, header stream.Header) bool {
			begin := stream.BeginPosition(header, len(buf))
			require.NoError(t, arch.RecordFragment(recordingID, begin, buf))
			env, _, err := stream.DecodeEnvelope(buf)
			require.NoError(t, err)
			if env.Kind != stream.KindBusiness {
				return true
			}
			require.NoError(t, writer.OnIndexed(header.SessionID, &replay.Record{
				Position:       begin,
				SequenceIndex:  env.SequenceIndex,
				SequenceNumber: env.SequenceNumber,
				RecordingID:    recordingID,
				Length:         int32(len(buf)),
			}))
			return true
		}, 100)
	}

	f.acc.retransmitter = NewRetransmitter(query, arch, 2, logger.NewNopLogger())

	f.negotiate(t, 1)
	f.establish(t, 1)
	require.NoError(t, f.acc.TryClaimBusiness(testTemplateOrder, []byte{1}))
	require.NoError(t, f.acc.TryClaimBusiness(testTemplateOrder, []byte{2}))
	require.NoError(t, f.acc.TryClaimBusiness(testTemplateOrder, []byte{3}))
	index()

	f.conduit.frames = nil
	f.send(t, &RetransmitRequest{SessionID: 1, Timestamp: 5, FromSeqNo: 2, Count: 2})

	msgs := f.conduit.messages(t)
	require.Len(t, msgs, 3)
	retrans, ok := msgs[0].(*Retransmission)
	require.True(t, ok)
	assert.Equal(t, uint32(2), retrans.NextSeqNo)
	assert.Equal(t, uint32(2), retrans.Count)

	first, ok := msgs[1].(*Business)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, first.Block)
	second, ok := msgs[2].(*Business)
	require.True(t, ok)
	assert.Equal(t, []byte{3}, second.Block)
}

func TestNoLogonTimeout(t *testing.T) {
	f := newFixture(t)
	var reason errors.DisconnectReason
	f.acc.disconnect = func(r errors.DisconnectReason) { reason = r }

	f.now = f.now.Add(11 * time.Second)
	require.NoError(t, f.acc.Poll())
	assert.Equal(t, StateUnbound, f.acc.State())
	assert.Equal(t, errors.ReasonNoLogon, reason)
}
