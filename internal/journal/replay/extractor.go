package replay

import (
	"fmt"
)

// RecordHandler consumes replay index records during a full-ring scan.
type RecordHandler interface {
	// OnRecord is invoked per committed record in ring order. Returning
	// false stops the scan.
	OnRecord(record Record) bool
	// OnLapped is invoked when the writer overtakes the scan; the cursor
	// restarts at the oldest live record.
	OnLapped()
}

// scan iterates the whole ring of one session with the lap-detection
// protocol, delivering committed records to the handler.
func (q *Query) scan(sessionID int64, handler RecordHandler) error {
	buf, err := q.sessionBuffer(sessionID)
	if err != nil {
		return err
	}
	if buf == nil {
		return nil
	}

	iteratorPosition := buf.beginChange()
	stopIteratingPosition := iteratorPosition + buf.capacity

	for iteratorPosition < stopIteratingPosition {
		if iteratorPosition >= buf.endChange() {
			break
		}

		record := buf.readRecord(iteratorPosition)
		buf.loadFence()

		if begin := buf.beginChange(); begin > iteratorPosition {
			handler.OnLapped()
			iteratorPosition = begin
			stopIteratingPosition = iteratorPosition + buf.capacity
			continue
		}

		if !handler.OnRecord(record) {
			break
		}
		iteratorPosition += RecordLength
	}
	return nil
}

// startPositionExtractor keeps the earliest position per recording for the
// highest sequence index observed; entries of earlier indexes are obsolete
// once a reset has happened.
type startPositionExtractor struct {
	highestSequenceIndex int32
	positions            map[int64]int64
	lapped               bool
}

func newStartPositionExtractor() *startPositionExtractor {
	return &startPositionExtractor{
		highestSequenceIndex: -1,
		positions:            make(map[int64]int64),
	}
}

func (e *startPositionExtractor) OnRecord(record Record) bool {
	switch {
	case record.SequenceIndex > e.highestSequenceIndex:
		e.highestSequenceIndex = record.SequenceIndex
		e.positions = map[int64]int64{record.RecordingID: record.Position}
	case record.SequenceIndex == e.highestSequenceIndex:
		if existing, ok := e.positions[record.RecordingID]; !ok || record.Position < existing {
			e.positions[record.RecordingID] = record.Position
		}
	}
	return true
}

func (e *startPositionExtractor) OnLapped() {
	e.lapped = true
	e.highestSequenceIndex = -1
	e.positions = make(map[int64]int64)
}

// ValidationError is one inconsistency found by the boundary validator.
type ValidationError struct {
	SessionID int64
	Message   string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("session %d: %s", v.SessionID, v.Message)
}

// boundaryValidator checks that positions and sequence numbers advance
// monotonically within a sequence index.
type boundaryValidator struct {
	sessionID int64

	havePrev bool
	prev     Record
	errors   []ValidationError
}

func (b *boundaryValidator) OnRecord(record Record) bool {
	if b.havePrev && record.SequenceIndex == b.prev.SequenceIndex {
		if record.Position < b.prev.Position {
			b.errors = append(b.errors, ValidationError{
				SessionID: b.sessionID,
				Message: fmt.Sprintf("position rewound from %d to %d at seq %d",
					b.prev.Position, record.Position, record.SequenceNumber),
			})
		}
		if record.SequenceNumber < b.prev.SequenceNumber {
			b.errors = append(b.errors, ValidationError{
				SessionID: b.sessionID,
				Message: fmt.Sprintf("sequence number rewound from %d to %d within index %d",
					b.prev.SequenceNumber, record.SequenceNumber, record.SequenceIndex),
			})
		}
	}
	b.havePrev = true
	b.prev = record
	return true
}

func (b *boundaryValidator) OnLapped() {
	b.havePrev = false
}

// Validate runs the boundary validator over one session's ring and returns
// every inconsistency found. An empty result means the index is well formed.
func (q *Query) Validate(sessionID int64) ([]ValidationError, error) {
	v := &boundaryValidator{sessionID: sessionID}
	if err := q.scan(sessionID, v); err != nil {
		return nil, err
	}
	return v.errors, nil
}
