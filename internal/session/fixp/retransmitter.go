package fixp

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/internal/journal/replay"
	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

const retransmitCooldown = time.Second

// Retransmitter serves RETRANSMIT_REQUESTs from the replay index and the
// archive: a Retransmission announcement followed by the original frames.
type Retransmitter struct {
	query         *replay.Query
	arch          *archive.Archive
	maxConcurrent int
	logger        *zap.Logger

	active map[int64][]time.Time
}

// NewRetransmitter builds the FIXP retransmission path over the outbound
// replay index.
func NewRetransmitter(query *replay.Query, arch *archive.Archive, maxConcurrent int, logger *zap.Logger) *Retransmitter {
	return &Retransmitter{
		query:         query,
		arch:          arch,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		active:        make(map[int64][]time.Time),
	}
}

// OnRetransmitRequest serves one validated request. Exceeding the concurrent
// retransmit limit returns ErrReplayLimitExceeded; the acceptor converts it
// into a RetransmitReject.
func (r *Retransmitter) OnRetransmitRequest(a *Acceptor, m *RetransmitRequest) error {
	sessionID := a.ctx.SessionID
	now := a.clock()

	recent := r.active[sessionID][:0]
	for _, at := range r.active[sessionID] {
		if now.Sub(at) < retransmitCooldown {
			recent = append(recent, at)
		}
	}
	if len(recent) >= r.maxConcurrent {
		r.active[sessionID] = recent
		return errors.ErrReplayLimitExceeded
	}
	r.active[sessionID] = append(recent, now)
	metrics.ReplaysServed.WithLabelValues("fixp").Inc()

	end := m.FromSeqNo + m.Count - 1
	ranges, err := r.query.Do(sessionID,
		int32(m.FromSeqNo), a.ctx.SequenceIndex,
		int32(end), a.ctx.SequenceIndex)
	if err != nil {
		return err
	}

	type frame struct {
		seq uint32
		raw []byte
	}
	var frames []frame
	for _, rr := range ranges {
		err := r.arch.Replay(rr.RecordingID, rr.BeginPosition, rr.Length,
			func(_ int64, payload []byte) error {
				env, raw, err := stream.DecodeEnvelope(payload)
				if err != nil {
					return err
				}
				if env.Kind != stream.KindBusiness {
					return nil
				}
				frames = append(frames, frame{seq: uint32(env.SequenceNumber), raw: raw})
				return nil
			})
		if err != nil {
			return err
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].seq < frames[j].seq })

	if err := a.sendAdmin(&Retransmission{
		SessionID:        m.SessionID,
		RequestTimestamp: m.Timestamp,
		NextSeqNo:        m.FromSeqNo,
		Count:            m.Count,
	}); err != nil {
		return err
	}
	for _, f := range frames {
		if f.seq < m.FromSeqNo || f.seq > end {
			continue
		}
		a.sendRaw(f.raw)
	}
	r.logger.Debug("retransmission served",
		zap.Int64("session_id", sessionID),
		zap.Uint32("from", m.FromSeqNo),
		zap.Uint32("count", m.Count),
		zap.Int("frames", len(frames)))
	return nil
}
