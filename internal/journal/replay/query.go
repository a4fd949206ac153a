package replay

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/stream"
)

// RecordingRange is one contiguous extent of archived bytes to replay.
type RecordingRange struct {
	RecordingID   int64
	SessionID     int64
	BeginPosition int64
	Length        int64
	// Count is the number of distinct messages in the range. Fragments of
	// one message do not re-count.
	Count int
}

func (r *RecordingRange) add(beginPosition int64, length int64) {
	if r.Length == 0 {
		r.BeginPosition = beginPosition
		r.Length = length
		return
	}
	end := r.BeginPosition + r.Length
	if beginPosition+length > end {
		end = beginPosition + length
	}
	if beginPosition < r.BeginPosition {
		r.BeginPosition = beginPosition
	}
	r.Length = end - r.BeginPosition
}

// Query reads the replay index rings of one stream direction. Not safe for
// concurrent use; the underlying rings are single-writer multi-reader.
type Query struct {
	logFileDir string
	streamID   int32
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[int64]*buffer
}

// NewQuery creates a query handle over the replay indexes in logFileDir.
func NewQuery(logFileDir string, streamID int32, logger *zap.Logger) *Query {
	return &Query{
		logFileDir: logFileDir,
		streamID:   streamID,
		logger:     logger,
		cache:      make(map[int64]*buffer),
	}
}

func (q *Query) sessionBuffer(sessionID int64) (*buffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if buf, ok := q.cache[sessionID]; ok {
		return buf, nil
	}
	path := FileName(q.logFileDir, sessionID, q.streamID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	buf, err := mapFile(path, 0, false)
	if err != nil {
		return nil, err
	}
	q.cache[sessionID] = buf
	return buf, nil
}

// Close unmaps all cached rings.
func (q *Query) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	for sessionID, buf := range q.cache {
		if err := buf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(q.cache, sessionID)
	}
	return firstErr
}

// Evict drops a cached ring, e.g. after its file was reset.
func (q *Query) Evict(sessionID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if buf, ok := q.cache[sessionID]; ok {
		buf.close()
		delete(q.cache, sessionID)
	}
}

// Do maps [begin, end] (sequence index, sequence number) pairs onto the
// ordered recording ranges that hold those messages. endSequenceNumber ==
// MostRecentMessage queries to the newest indexed message.
func (q *Query) Do(
	sessionID int64,
	beginSequenceNumber int32, beginSequenceIndex int32,
	endSequenceNumber int32, endSequenceIndex int32,
) ([]RecordingRange, error) {
	buf, err := q.sessionBuffer(sessionID)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, nil
	}

	upToMostRecent := endSequenceNumber == MostRecentMessage

	var ranges []RecordingRange
	var currentRange *RecordingRange
	lastSequenceNumber := int32(-1)

	// The cursor starts at the oldest live record and never reads at or
	// past endChange, so unwritten slots are out of bounds by construction.
	iteratorPosition := buf.beginChange()
	stopIteratingPosition := iteratorPosition + buf.capacity

	for iteratorPosition < stopIteratingPosition {
		if iteratorPosition >= buf.endChange() {
			break
		}

		record := buf.readRecord(iteratorPosition)
		buf.loadFence()

		if begin := buf.beginChange(); begin > iteratorPosition {
			// Lapped mid-read: restart at the oldest live record.
			iteratorPosition = begin
			stopIteratingPosition = iteratorPosition + buf.capacity
			continue
		}

		afterEnd := !upToMostRecent && (record.SequenceIndex > endSequenceIndex ||
			(record.SequenceIndex == endSequenceIndex && record.SequenceNumber > endSequenceNumber))
		if afterEnd {
			break
		}

		withinQueryRange := record.SequenceIndex > beginSequenceIndex ||
			(record.SequenceIndex == beginSequenceIndex && record.SequenceNumber >= beginSequenceNumber)
		if withinQueryRange {
			if currentRange == nil || currentRange.RecordingID != record.RecordingID {
				if currentRange != nil {
					ranges = append(ranges, *currentRange)
				}
				currentRange = &RecordingRange{RecordingID: record.RecordingID, SessionID: sessionID}
			}
			currentRange.add(record.Position, alignedLength(record.Length))
			if lastSequenceNumber != record.SequenceNumber {
				currentRange.Count++
			}
			lastSequenceNumber = record.SequenceNumber
			iteratorPosition += RecordLength
		} else {
			iteratorPosition = skipToStart(beginSequenceNumber, beginSequenceIndex, iteratorPosition,
				record.SequenceNumber, record.SequenceIndex)
		}
	}

	if currentRange != nil {
		ranges = append(ranges, *currentRange)
	}
	return ranges, nil
}

func alignedLength(length int32) int64 {
	return int64(stream.Align(int(length) + stream.HeaderLength))
}

func skipToStart(beginSequenceNumber, beginSequenceIndex int32, iteratorPosition int64,
	sequenceNumber, sequenceIndex int32) int64 {
	if sequenceIndex == beginSequenceIndex && sequenceNumber < beginSequenceNumber {
		// Records of one sequence index are contiguous: jump straight to
		// the first candidate instead of scanning record by record.
		jump := int64(beginSequenceNumber-sequenceNumber) * RecordLength
		return iteratorPosition + jump
	}
	// Earlier sequence index; no jump estimate, scan forward.
	return iteratorPosition + RecordLength
}

// StartPositions scans every replay index of this stream direction and folds
// recordingID → earliest position still required into newStartPositions,
// keeping only entries of each session's highest sequence index and the
// lowest position across sessions. Used to prune the archive.
func (q *Query) StartPositions(newStartPositions map[int64]int64) error {
	entries, err := os.ReadDir(q.logFileDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		sessionID, streamID, ok := ParseFileName(entry.Name())
		if !ok || streamID != q.streamID {
			continue
		}
		perRecording, err := q.sessionStartPositions(sessionID)
		if err != nil {
			return err
		}
		for recordingID, position := range perRecording {
			if existing, ok := newStartPositions[recordingID]; !ok || position < existing {
				newStartPositions[recordingID] = position
			}
		}
	}
	return nil
}

func (q *Query) sessionStartPositions(sessionID int64) (map[int64]int64, error) {
	extractor := newStartPositionExtractor()
	if err := q.scan(sessionID, extractor); err != nil {
		return nil, err
	}
	if extractor.lapped {
		q.logger.Warn("replay index lapped during start position scan",
			zap.Int64("session_id", sessionID))
	}
	return extractor.positions, nil
}
