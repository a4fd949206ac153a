package fix

import (
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/internal/journal/replay"
	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// resendCooldown is how long a served range counts against the concurrent
// resend limit.
const resendCooldown = time.Second

// Replayer serves RESEND_REQUESTs from the replay index and the archive.
// Administrative stretches coalesce into gap fills; business messages are
// resent verbatim with PossDupFlag=Y and OrigSendingTime.
type Replayer struct {
	query  *replay.Query
	arch   *archive.Archive
	maxConcurrent int
	logger *zap.Logger

	active map[int64][]servedRange
}

type servedRange struct {
	begin, end int32
	at         time.Time
}

// NewReplayer builds the FIX retransmission path over the outbound replay
// index.
func NewReplayer(query *replay.Query, arch *archive.Archive, maxConcurrent int, logger *zap.Logger) *Replayer {
	return &Replayer{
		query:         query,
		arch:          arch,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		active:        make(map[int64][]servedRange),
	}
}

type replayedMessage struct {
	env stream.Envelope
	raw []byte
}

// OnResendRequest serves one RESEND_REQUEST(begin, end). end == 0 requests
// everything from begin. Duplicate requests past the concurrency limit are
// dropped with ErrReplayLimitExceeded.
func (r *Replayer) OnResendRequest(s *Session, begin, end int32) error {
	sessionID := s.ctx.SessionID
	if !r.admit(sessionID, begin, end, s.clock()) {
		return errors.ErrReplayLimitExceeded
	}
	metrics.ReplaysServed.WithLabelValues("fix").Inc()

	// Query to the most recent message: a trailing administrative run
	// coalesces past the requested end, so the counterparty lands on the
	// true next expected number.
	ranges, err := r.query.Do(sessionID, begin, s.ctx.SequenceIndex,
		replay.MostRecentMessage, s.ctx.SequenceIndex)
	if err != nil {
		return err
	}

	messages, err := r.fetch(ranges)
	if err != nil {
		return err
	}

	return r.resend(s, messages, begin, end)
}

func (r *Replayer) admit(sessionID int64, begin, end int32, now time.Time) bool {
	served := r.active[sessionID][:0]
	for _, sr := range r.active[sessionID] {
		if now.Sub(sr.at) < resendCooldown {
			served = append(served, sr)
		}
	}
	duplicate := false
	for _, sr := range served {
		if sr.begin == begin && sr.end == end {
			duplicate = true
		}
	}
	if duplicate && len(served) >= r.maxConcurrent {
		r.active[sessionID] = served
		return false
	}
	r.active[sessionID] = append(served, servedRange{begin: begin, end: end, at: now})
	return true
}

func (r *Replayer) fetch(ranges []replay.RecordingRange) ([]replayedMessage, error) {
	var messages []replayedMessage
	for _, rr := range ranges {
		err := r.arch.Replay(rr.RecordingID, rr.BeginPosition, rr.Length,
			func(_ int64, payload []byte) error {
				env, raw, err := stream.DecodeEnvelope(payload)
				if err != nil {
					return err
				}
				messages = append(messages, replayedMessage{env: env, raw: raw})
				return nil
			})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].env.SequenceNumber < messages[j].env.SequenceNumber
	})
	return messages, nil
}

func (r *Replayer) resend(s *Session, messages []replayedMessage, begin, end int32) error {
	expected := begin
	gapFillStart := int32(0) // 0 = no open gap-fill run

	flushGapFill := func(newSeqNo int32) error {
		if gapFillStart == 0 {
			return nil
		}
		err := r.sendGapFill(s, gapFillStart, newSeqNo)
		gapFillStart = 0
		return err
	}

	for _, m := range messages {
		seq := m.env.SequenceNumber
		if seq < expected {
			continue // fragment duplicates
		}
		pastEnd := end != 0 && seq > end
		if pastEnd && m.env.Kind != stream.KindAdmin {
			break
		}
		if pastEnd && gapFillStart == 0 {
			break
		}
		if seq > expected && gapFillStart == 0 {
			// Missing from the archive entirely: cover with a gap fill.
			gapFillStart = expected
		}
		if m.env.Kind == stream.KindAdmin {
			if gapFillStart == 0 {
				gapFillStart = seq
			}
			expected = seq + 1
			continue
		}
		if err := flushGapFill(seq); err != nil {
			return err
		}
		if err := r.resendBusiness(s, m); err != nil {
			return err
		}
		expected = seq + 1
	}

	if gapFillStart != 0 {
		return flushGapFill(expected)
	}
	if end != 0 && expected <= end {
		// Requested tail is missing from the archive.
		return r.sendGapFill(s, expected, end+1)
	}
	if end == 0 && expected < s.nextSentSeq {
		return r.sendGapFill(s, expected, s.nextSentSeq)
	}
	return nil
}

func (r *Replayer) sendGapFill(s *Session, seqNum, newSeqNo int32) error {
	now := s.clock()
	raw := Encode(MsgTypeSequenceReset, []Field{
		{TagMsgSeqNum, strconv.Itoa(int(seqNum))},
		{TagPossDupFlag, "Y"},
		{TagSenderCompID, s.localCompID},
		{TagSendingTime, FormatSendingTime(now, s.cfg.SendingTimePrecision)},
		{TagTargetCompID, s.remoteCompID},
		{TagGapFillFlag, "Y"},
		{TagNewSeqNo, strconv.Itoa(int(newSeqNo))},
	})
	r.logger.Debug("gap fill",
		zap.Int32("seq_num", seqNum), zap.Int32("new_seq_no", newSeqNo))
	if s.conduit == nil {
		return nil
	}
	return s.conduit.SendFrame(raw)
}

func (r *Replayer) resendBusiness(s *Session, m replayedMessage) error {
	msg, err := Parse(m.raw)
	if err != nil {
		return err
	}
	origSendingTime, _ := msg.Get(TagSendingTime)

	fields := make([]Field, 0, len(msg.Fields)+2)
	for _, f := range msg.Fields {
		switch f.Tag {
		case TagPossDupFlag, TagOrigSendingTime:
			continue
		case TagSendingTime:
			fields = append(fields,
				Field{TagPossDupFlag, "Y"},
				Field{TagSendingTime, FormatSendingTime(s.clock(), s.cfg.SendingTimePrecision)},
				Field{TagOrigSendingTime, origSendingTime})
		default:
			fields = append(fields, f)
		}
	}
	raw := Reencode(fields)
	if s.conduit == nil {
		return nil
	}
	return s.conduit.SendFrame(raw)
}
