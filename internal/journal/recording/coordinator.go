// Package recording assigns carrier streams to archive recordings and makes
// the assignment survive restarts, so a counterparty never observes the
// sequence space reset because the archive was rolled.
package recording

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/archive"
)

// FileName is the coordinator state file under the log directory.
const FileName = "recording_coordinator"

const (
	magic          = 0x52435244 // "RCRD"
	version uint32 = 1
)

// Coordinator owns the free and used recording-id sets per stream direction.
// It is touched only on the framer thread and at shutdown.
type Coordinator struct {
	path    string
	arch    *archive.Archive
	logger  *zap.Logger
	free    map[int32][]int64
	used    map[int32][]int64
}

// NewCoordinator loads the persisted id sets from logFileDir, or starts empty.
func NewCoordinator(logFileDir string, arch *archive.Archive, logger *zap.Logger) (*Coordinator, error) {
	c := &Coordinator{
		path:   filepath.Join(logFileDir, FileName),
		arch:   arch,
		logger: logger,
		free:   make(map[int32][]int64),
		used:   make(map[int32][]int64),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Acquire returns the recording to use for streamID. A free id from a prior
// run is extended at its recorded stop position; otherwise a fresh recording
// starts at position.
func (c *Coordinator) Acquire(streamID int32, position int64) (recordingID int64, resumePosition int64, err error) {
	ids := c.free[streamID]
	if len(ids) > 0 {
		recordingID = ids[0]
		c.free[streamID] = ids[1:]
		stop, err := c.arch.StopPosition(recordingID)
		if err != nil {
			return archive.NullRecordingID, 0, fmt.Errorf("failed to extend recording %d: %w", recordingID, err)
		}
		c.used[streamID] = append(c.used[streamID], recordingID)
		c.logger.Info("extending recording",
			zap.Int64("recording_id", recordingID),
			zap.Int32("stream_id", streamID),
			zap.Int64("stop_position", stop))
		return recordingID, stop, nil
	}

	recordingID, err = c.arch.StartRecording(streamID, position)
	if err != nil {
		return archive.NullRecordingID, 0, err
	}
	c.used[streamID] = append(c.used[streamID], recordingID)
	return recordingID, position, nil
}

// AwaitPosition polls the archive until the recording has persisted up to
// position, or the deadline passes. Used by graceful shutdown.
func (c *Coordinator) AwaitPosition(recordingID int64, position int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		stop, err := c.arch.StopPosition(recordingID)
		if err != nil {
			return err
		}
		if stop >= position {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("recording %d stalled at %d awaiting %d: %w",
				recordingID, stop, position, errors.ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Save persists used ∪ free so the next run reuses every recording.
func (c *Coordinator) Save() error {
	merged := make(map[int32][]int64)
	for streamID, ids := range c.free {
		merged[streamID] = append(merged[streamID], ids...)
	}
	for streamID, ids := range c.used {
		merged[streamID] = append(merged[streamID], ids...)
	}

	size := 16
	for range merged {
		size += 8
	}
	for _, ids := range merged {
		size += len(ids) * 8
	}
	size += 4 // trailing CRC

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[4:], version)
	binary.LittleEndian.PutUint64(buf[8:], uint64(len(merged)))
	offset := 16
	for streamID, ids := range merged {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(streamID))
		binary.LittleEndian.PutUint32(buf[offset+4:], uint32(len(ids)))
		offset += 8
		for _, id := range ids {
			binary.LittleEndian.PutUint64(buf[offset:], uint64(id))
			offset += 8
		}
	}
	binary.LittleEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[:offset]))

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *Coordinator) load() error {
	buf, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(buf) < 20 {
		return errors.Corruptionf("recording coordinator file truncated at %d bytes", len(buf))
	}
	crcOffset := len(buf) - 4
	if crc32.ChecksumIEEE(buf[:crcOffset]) != binary.LittleEndian.Uint32(buf[crcOffset:]) {
		return errors.Corruptionf("recording coordinator file failed checksum")
	}
	if binary.LittleEndian.Uint32(buf[0:]) != magic || binary.LittleEndian.Uint32(buf[4:]) != version {
		return errors.Corruptionf("recording coordinator file has invalid header")
	}
	streamCount := binary.LittleEndian.Uint64(buf[8:])
	offset := 16
	for i := uint64(0); i < streamCount; i++ {
		if offset+8 > crcOffset {
			return errors.Corruptionf("recording coordinator file truncated stream table")
		}
		streamID := int32(binary.LittleEndian.Uint32(buf[offset:]))
		count := binary.LittleEndian.Uint32(buf[offset+4:])
		offset += 8
		for j := uint32(0); j < count; j++ {
			if offset+8 > crcOffset {
				return errors.Corruptionf("recording coordinator file truncated id list")
			}
			id := int64(binary.LittleEndian.Uint64(buf[offset:]))
			c.free[streamID] = append(c.free[streamID], id)
			offset += 8
		}
	}
	c.logger.Info("loaded recording coordinator state", zap.Int("streams", len(c.free)))
	return nil
}

// Reset clears both sets and removes the state file.
func (c *Coordinator) Reset() error {
	c.free = make(map[int32][]int64)
	c.used = make(map[int32][]int64)
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// UsedRecordings returns the ids currently owned by active publications for
// streamID.
func (c *Coordinator) UsedRecordings(streamID int32) []int64 {
	return append([]int64(nil), c.used[streamID]...)
}
