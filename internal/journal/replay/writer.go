package replay

import (
	"sync"

	"go.uber.org/zap"
)

// Writer is the single writer over the replay index files of one stream
// direction. It lazily creates one ring per session as messages are indexed.
type Writer struct {
	logFileDir      string
	streamID        int32
	capacityRecords int
	logger          *zap.Logger

	mu       sync.Mutex // guards the session map only; rings are lock-free
	sessions map[int64]*sessionWriter
}

type sessionWriter struct {
	buf *buffer
}

// NewWriter creates the replay index writer for one stream direction.
func NewWriter(logFileDir string, streamID int32, capacityRecords int, logger *zap.Logger) *Writer {
	return &Writer{
		logFileDir:      logFileDir,
		streamID:        streamID,
		capacityRecords: capacityRecords,
		logger:          logger,
		sessions:        make(map[int64]*sessionWriter),
	}
}

func (w *Writer) sessionWriter(sessionID int64) (*sessionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sw, ok := w.sessions[sessionID]; ok {
		return sw, nil
	}
	buf, err := mapFile(FileName(w.logFileDir, sessionID, w.streamID), w.capacityRecords, true)
	if err != nil {
		return nil, err
	}
	sw := &sessionWriter{buf: buf}
	w.sessions[sessionID] = sw
	return sw, nil
}

// OnIndexed appends one record for sessionID. beginChange marks the oldest
// live record and only advances when a write wraps onto it; the advance
// happens before the payload store so a reader of the doomed slot sees the
// lap, and endChange commits the record afterwards.
func (w *Writer) OnIndexed(sessionID int64, r *Record) error {
	sw, err := w.sessionWriter(sessionID)
	if err != nil {
		return err
	}
	buf := sw.buf
	position := buf.endChange()
	next := position + RecordLength
	if begin := buf.beginChange(); next-buf.capacity > begin {
		buf.storeBeginChange(next - buf.capacity)
	}
	buf.writeRecord(position, r)
	buf.storeEndChange(next)
	return nil
}

// Close unmaps every open ring.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for sessionID, sw := range w.sessions {
		if err := sw.buf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.sessions, sessionID)
	}
	return firstErr
}

// Reset closes and deletes every ring file of this stream direction.
func (w *Writer) Reset(remove func(path string) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sessionID, sw := range w.sessions {
		if err := sw.buf.close(); err != nil {
			return err
		}
		if err := remove(FileName(w.logFileDir, sessionID, w.streamID)); err != nil {
			return err
		}
		delete(w.sessions, sessionID)
	}
	return nil
}
