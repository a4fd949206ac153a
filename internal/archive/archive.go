// Package archive is the embedded recording service. It persists carrier
// stream fragments per recording id in a badger store so that replay queries
// can re-read the original bytes after restarts.
package archive

import (
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/stream"
)

// NullRecordingID marks an unassigned recording.
const NullRecordingID int64 = -1

// Descriptor holds the persisted metadata of one recording.
type Descriptor struct {
	RecordingID   int64
	StreamID      int32
	StartPosition int64
	StopPosition  int64
}

// Archive stores recorded stream fragments keyed by (recording id, position).
type Archive struct {
	db     *badger.DB
	logger *zap.Logger

	mu     sync.Mutex
	nextID int64
}

// Open opens or creates the archive store under dir.
func Open(dir string, logger *zap.Logger) (*Archive, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive store: %w", err)
	}
	a := &Archive{db: db, logger: logger}
	if err := a.loadNextID(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the underlying store.
func (a *Archive) Close() error {
	return a.db.Close()
}

func descriptorKey(recordingID int64) []byte {
	key := make([]byte, 1+8)
	key[0] = 'd'
	binary.BigEndian.PutUint64(key[1:], uint64(recordingID))
	return key
}

func fragmentKey(recordingID int64, position int64) []byte {
	key := make([]byte, 1+8+8)
	key[0] = 'f'
	binary.BigEndian.PutUint64(key[1:], uint64(recordingID))
	binary.BigEndian.PutUint64(key[9:], uint64(position))
	return key
}

func fragmentPrefix(recordingID int64) []byte {
	key := make([]byte, 1+8)
	key[0] = 'f'
	binary.BigEndian.PutUint64(key[1:], uint64(recordingID))
	return key
}

func encodeDescriptor(d *Descriptor) []byte {
	buf := make([]byte, 8+4+8+8)
	binary.BigEndian.PutUint64(buf[0:], uint64(d.RecordingID))
	binary.BigEndian.PutUint32(buf[8:], uint32(d.StreamID))
	binary.BigEndian.PutUint64(buf[12:], uint64(d.StartPosition))
	binary.BigEndian.PutUint64(buf[20:], uint64(d.StopPosition))
	return buf
}

func decodeDescriptor(buf []byte) *Descriptor {
	return &Descriptor{
		RecordingID:   int64(binary.BigEndian.Uint64(buf[0:])),
		StreamID:      int32(binary.BigEndian.Uint32(buf[8:])),
		StartPosition: int64(binary.BigEndian.Uint64(buf[12:])),
		StopPosition:  int64(binary.BigEndian.Uint64(buf[20:])),
	}
}

func (a *Archive) loadNextID() error {
	return a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{'d'}})
		defer it.Close()
		var maxID int64 = -1
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				d := decodeDescriptor(val)
				if d.RecordingID > maxID {
					maxID = d.RecordingID
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		a.nextID = maxID + 1
		return nil
	})
}

// StartRecording creates a fresh recording for streamID beginning at
// startPosition and returns its id.
func (a *Archive) StartRecording(streamID int32, startPosition int64) (int64, error) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.mu.Unlock()

	d := &Descriptor{RecordingID: id, StreamID: streamID, StartPosition: startPosition, StopPosition: startPosition}
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(descriptorKey(id), encodeDescriptor(d))
	})
	if err != nil {
		return NullRecordingID, fmt.Errorf("failed to start recording: %w", err)
	}
	a.logger.Info("started recording",
		zap.Int64("recording_id", id),
		zap.Int32("stream_id", streamID),
		zap.Int64("start_position", startPosition))
	return id, nil
}

// GetDescriptor loads a recording descriptor.
func (a *Archive) GetDescriptor(recordingID int64) (*Descriptor, error) {
	var d *Descriptor
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(descriptorKey(recordingID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			d = decodeDescriptor(val)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unknown recording %d: %w", recordingID, err)
	}
	return d, nil
}

// StopPosition returns the position past the last recorded fragment.
func (a *Archive) StopPosition(recordingID int64) (int64, error) {
	d, err := a.GetDescriptor(recordingID)
	if err != nil {
		return 0, err
	}
	return d.StopPosition, nil
}

// RecordFragment appends one fragment at its stream begin position. The
// descriptor stop position advances to the fragment end.
func (a *Archive) RecordFragment(recordingID int64, beginPosition int64, payload []byte) error {
	endPosition := beginPosition + int64(stream.Align(len(payload)+stream.HeaderLength))
	return a.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(descriptorKey(recordingID))
		if err != nil {
			return fmt.Errorf("unknown recording %d: %w", recordingID, err)
		}
		var d *Descriptor
		if err := item.Value(func(val []byte) error {
			d = decodeDescriptor(val)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Set(fragmentKey(recordingID, beginPosition), append([]byte(nil), payload...)); err != nil {
			return err
		}
		if endPosition > d.StopPosition {
			d.StopPosition = endPosition
		}
		return txn.Set(descriptorKey(recordingID), encodeDescriptor(d))
	})
}

// ReplayHandler consumes replayed fragments in position order.
type ReplayHandler func(beginPosition int64, payload []byte) error

// Replay streams the fragments of recordingID whose begin positions fall in
// [beginPosition, beginPosition+length).
func (a *Archive) Replay(recordingID int64, beginPosition int64, length int64, handler ReplayHandler) error {
	end := beginPosition + length
	return a.db.View(func(txn *badger.Txn) error {
		prefix := fragmentPrefix(recordingID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(fragmentKey(recordingID, beginPosition)); it.Valid(); it.Next() {
			key := it.Item().Key()
			pos := int64(binary.BigEndian.Uint64(key[9:]))
			if pos >= end {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				return handler(pos, append([]byte(nil), val...))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge deletes every fragment of recordingID before newStartPosition and
// advances the descriptor start. Purging to a position at or before the
// current start is a no-op, so repeated prunes converge.
func (a *Archive) Purge(recordingID int64, newStartPosition int64) error {
	return a.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(descriptorKey(recordingID))
		if err != nil {
			return fmt.Errorf("unknown recording %d: %w", recordingID, err)
		}
		var d *Descriptor
		if err := item.Value(func(val []byte) error {
			d = decodeDescriptor(val)
			return nil
		}); err != nil {
			return err
		}
		if newStartPosition <= d.StartPosition {
			return nil
		}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: fragmentPrefix(recordingID)})
		var doomed [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			pos := int64(binary.BigEndian.Uint64(key[9:]))
			if pos >= newStartPosition {
				break
			}
			doomed = append(doomed, append([]byte(nil), key...))
		}
		it.Close()
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		d.StartPosition = newStartPosition
		return txn.Set(descriptorKey(recordingID), encodeDescriptor(d))
	})
}

// ListRecordings returns every known recording descriptor.
func (a *Archive) ListRecordings() ([]*Descriptor, error) {
	var out []*Descriptor
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{'d'}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				out = append(out, decodeDescriptor(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
