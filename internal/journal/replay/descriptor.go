// Package replay implements the per-session replay index: a lock-free,
// lap-detectable ring of fixed-width records mapping (sequence index,
// sequence number) to (recording id, stream position, length). A single
// writer appends; readers scan with acquire semantics and restart when the
// writer laps them. The query half turns a sequence range into a short list
// of recording ranges to stream back from the archive.
package replay

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Aidin1998/fixgate/common/errors"
)

const (
	// Magic identifies a replay index file.
	Magic = 0x52504958 // "RPIX"

	// Version is bumped on incompatible layout changes.
	Version uint32 = 1

	// HeaderLength precedes the ring records.
	HeaderLength = 64

	// RecordLength is the fixed width of one ring record.
	RecordLength = 32

	beginChangeOffset = 16
	endChangeOffset   = 24

	// MostRecentMessage queries up to the newest indexed message.
	MostRecentMessage int32 = 0
)

// Record is one replay index entry.
type Record struct {
	Position       int64
	SequenceIndex  int32
	SequenceNumber int32
	RecordingID    int64
	Length         int32
}

// FileName builds the canonical replay index path for a session stream.
func FileName(logFileDir string, sessionID int64, streamID int32) string {
	return filepath.Join(logFileDir, fmt.Sprintf("replay_index_%d_%d", sessionID, streamID))
}

// ParseFileName extracts (sessionID, streamID) from a replay index file name,
// reporting ok=false for unrelated files.
func ParseFileName(name string) (sessionID int64, streamID int32, ok bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "replay_index_") {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(base, "replay_index_"), "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	sid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	st, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return sid, int32(st), true
}

// buffer wraps a memory-mapped replay index file.
type buffer struct {
	data     []byte
	capacity int64 // ring capacity in bytes
	file     *os.File
}

func mapFile(path string, capacityRecords int, create bool) (*buffer, error) {
	size := HeaderLength + capacityRecords*RecordLength
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fresh := info.Size() == 0
	if fresh {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, err
		}
	} else if info.Size() != int64(size) {
		// Pre-existing file dictates its own capacity.
		size = int(info.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map replay index %s: %w", path, err)
	}
	b := &buffer{data: data, file: f}
	if fresh {
		binary.LittleEndian.PutUint32(data[0:], Magic)
		binary.LittleEndian.PutUint32(data[4:], Version)
		binary.LittleEndian.PutUint32(data[8:], uint32(capacityRecords))
	} else {
		if binary.LittleEndian.Uint32(data[0:]) != Magic ||
			binary.LittleEndian.Uint32(data[4:]) != Version {
			b.close()
			return nil, errors.Corruptionf("replay index %s has invalid header", path)
		}
	}
	records := int64(binary.LittleEndian.Uint32(data[8:]))
	if records <= 0 || HeaderLength+records*RecordLength != int64(size) {
		b.close()
		return nil, errors.Corruptionf("replay index %s capacity %d inconsistent with size %d", path, records, size)
	}
	b.capacity = records * RecordLength
	return b, nil
}

func (b *buffer) close() error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return err
		}
		b.data = nil
	}
	return b.file.Close()
}

func (b *buffer) beginChange() int64 {
	return int64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&b.data[beginChangeOffset]))))
}

func (b *buffer) endChange() int64 {
	return int64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&b.data[endChangeOffset]))))
}

func (b *buffer) storeBeginChange(v int64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b.data[beginChangeOffset])), uint64(v))
}

func (b *buffer) storeEndChange(v int64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b.data[endChangeOffset])), uint64(v))
}

// offset maps a logical ring position to a byte offset in the file.
func (b *buffer) offset(position int64) int64 {
	return HeaderLength + position%b.capacity
}

func (b *buffer) writeRecord(position int64, r *Record) {
	off := b.offset(position)
	binary.LittleEndian.PutUint64(b.data[off:], uint64(r.Position))
	binary.LittleEndian.PutUint32(b.data[off+8:], uint32(r.SequenceIndex))
	binary.LittleEndian.PutUint32(b.data[off+12:], uint32(r.SequenceNumber))
	binary.LittleEndian.PutUint64(b.data[off+16:], uint64(r.RecordingID))
	binary.LittleEndian.PutUint32(b.data[off+24:], uint32(r.Length))
	binary.LittleEndian.PutUint32(b.data[off+28:], 0)
}

func (b *buffer) readRecord(position int64) Record {
	off := b.offset(position)
	return Record{
		Position:       int64(binary.LittleEndian.Uint64(b.data[off:])),
		SequenceIndex:  int32(binary.LittleEndian.Uint32(b.data[off+8:])),
		SequenceNumber: int32(binary.LittleEndian.Uint32(b.data[off+12:])),
		RecordingID:    int64(binary.LittleEndian.Uint64(b.data[off+16:])),
		Length:         int32(binary.LittleEndian.Uint32(b.data[off+24:])),
	}
}

// loadFence orders the record payload loads before the lap check's
// beginChange load. An atomic load on the counter word doubles as the
// LoadLoad barrier.
func (b *buffer) loadFence() {
	_ = atomic.LoadUint64((*uint64)(unsafe.Pointer(&b.data[endChangeOffset])))
}
