package sequence

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// PassingPlaceSuffix names the crash-recovery side file. The flush writes the
// whole table here, fsyncs, then renames over the canonical path; the rename
// is the commit point.
const PassingPlaceSuffix = ".passing_place"

type entry struct {
	lastReceived     atomic.Int32
	lastSent         atomic.Int32
	sequenceIndex    atomic.Int32
	metaDataPosition uint32
	slot             int
}

// Index is the single-writer sequence number index. Exactly one goroutine may
// call the Record/Flush/Reset methods; any number may call the lookup methods.
type Index struct {
	path   string
	logger *zap.Logger

	flushTimeout time.Duration
	flushRecords int

	// written only by the indexer goroutine
	slots            []int64 // slot → session id
	dirty            int
	lastWrite        time.Time
	indexedPositions map[int32]int64

	// read concurrently
	entries       sync.Map // session id → *entry
	indexedAtomic sync.Map // stream id → *atomic.Int64
}

// Open loads or creates the index at path. A canonical file that fails its
// checksum falls back to the passing place; if both are present and valid the
// one with the later indexed position wins. Corruption of whichever file is
// chosen fails startup with ErrFileSystemCorruption.
func Open(path string, flushTimeout time.Duration, flushRecords int, logger *zap.Logger) (*Index, error) {
	idx := &Index{
		path:             path,
		logger:           logger,
		flushTimeout:     flushTimeout,
		flushRecords:     flushRecords,
		indexedPositions: make(map[int32]int64),
		lastWrite:        time.Now(),
	}

	canonical, canonicalErr := loadTable(path)
	passing, passingErr := loadTable(path + PassingPlaceSuffix)

	chosen, err := choose(canonical, canonicalErr, passing, passingErr)
	if err != nil {
		return nil, err
	}
	if chosen != nil {
		idx.install(chosen)
		logger.Info("loaded sequence number index",
			zap.String("path", path),
			zap.Int("sessions", len(chosen.records)))
	}
	// The passing place only exists if a previous process died mid-flush;
	// the next successful flush supersedes it.
	os.Remove(path + PassingPlaceSuffix)
	return idx, nil
}

type table struct {
	header  *header
	records []Record
}

func loadTable(path string) (*table, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize || len(buf)%SectorSize != 0 {
		return nil, errors.Corruptionf("sequence index %s has invalid size %d", path, len(buf))
	}
	for offset := 0; offset < len(buf); offset += SectorSize {
		if !validSectorChecksum(buf[offset : offset+SectorSize]) {
			return nil, errors.Corruptionf("sequence index %s sector at %d failed checksum", path, offset)
		}
	}
	h, ok := decodeHeader(buf)
	if !ok {
		return nil, errors.Corruptionf("sequence index %s has invalid header", path)
	}
	t := &table{header: h}
	remaining := int(h.recordCount)
	for sector := HeaderSize; sector < len(buf) && remaining > 0; sector += SectorSize {
		for i := 0; i < RecordsPerSector && remaining > 0; i++ {
			offset := sector + i*RecordSize
			t.records = append(t.records, decodeRecord(buf[offset:offset+RecordSize]))
			remaining--
		}
	}
	if remaining > 0 {
		return nil, errors.Corruptionf("sequence index %s truncated: %d records missing", path, remaining)
	}
	return t, nil
}

func choose(canonical *table, canonicalErr error, passing *table, passingErr error) (*table, error) {
	switch {
	case canonical != nil && passing != nil:
		if maxIndexed(passing) > maxIndexed(canonical) {
			return passing, nil
		}
		return canonical, nil
	case canonical != nil:
		return canonical, nil
	case passing != nil:
		return passing, nil
	case canonicalErr == nil && passingErr == nil:
		return nil, nil // fresh start
	case passing == nil && passingErr == nil && canonicalErr != nil:
		return nil, canonicalErr
	default:
		if canonicalErr != nil {
			return nil, canonicalErr
		}
		return nil, passingErr
	}
}

func maxIndexed(t *table) int64 {
	var max int64
	for _, p := range t.header.indexedPositions {
		if p > max {
			max = p
		}
	}
	return max
}

func (idx *Index) install(t *table) {
	for i := range t.records {
		r := &t.records[i]
		e := &entry{metaDataPosition: r.MetaDataPosition, slot: len(idx.slots)}
		e.lastReceived.Store(r.LastReceived)
		e.lastSent.Store(r.LastSent)
		e.sequenceIndex.Store(r.SequenceIndex)
		idx.entries.Store(r.SessionID, e)
		idx.slots = append(idx.slots, r.SessionID)
	}
	for streamID, position := range t.header.indexedPositions {
		idx.indexedPositions[streamID] = position
		idx.indexedAtomic.Store(streamID, newAtomicInt64(position))
	}
}

func newAtomicInt64(v int64) *atomic.Int64 {
	a := &atomic.Int64{}
	a.Store(v)
	return a
}

func (idx *Index) entryFor(sessionID int64) *entry {
	if v, ok := idx.entries.Load(sessionID); ok {
		return v.(*entry)
	}
	e := &entry{slot: len(idx.slots)}
	e.lastReceived.Store(UnknownSequenceNumber)
	e.lastSent.Store(UnknownSequenceNumber)
	idx.slots = append(idx.slots, sessionID)
	idx.entries.Store(sessionID, e)
	return e
}

// RecordReceived indexes an accepted inbound message. Replayed input at or
// before the already-indexed position is a no-op.
func (idx *Index) RecordReceived(sessionID int64, seqNum int32, sequenceIndex int32, streamID int32, position int64) {
	if position <= idx.indexedPositions[streamID] {
		return
	}
	e := idx.entryFor(sessionID)
	if sequenceIndex > e.sequenceIndex.Load() {
		// A reset opens a fresh revision; the counter may legally rewind.
		e.sequenceIndex.Store(sequenceIndex)
		e.lastReceived.Store(seqNum)
	} else if seqNum > e.lastReceived.Load() {
		e.lastReceived.Store(seqNum)
	}
	idx.advance(streamID, position)
}

// RecordSent indexes a published outbound message.
func (idx *Index) RecordSent(sessionID int64, seqNum int32, sequenceIndex int32, streamID int32, position int64) {
	if position <= idx.indexedPositions[streamID] {
		return
	}
	e := idx.entryFor(sessionID)
	if sequenceIndex > e.sequenceIndex.Load() {
		e.sequenceIndex.Store(sequenceIndex)
	}
	e.lastSent.Store(seqNum)
	idx.advance(streamID, position)
}

func (idx *Index) advance(streamID int32, position int64) {
	idx.indexedPositions[streamID] = position
	v, ok := idx.indexedAtomic.Load(streamID)
	if !ok {
		v, _ = idx.indexedAtomic.LoadOrStore(streamID, &atomic.Int64{})
	}
	v.(*atomic.Int64).Store(position)
	idx.dirty++
	idx.lastWrite = time.Now()
}

// LastKnownReceived returns the highest in-order accepted inbound sequence
// number, or UnknownSequenceNumber.
func (idx *Index) LastKnownReceived(sessionID int64) int32 {
	if v, ok := idx.entries.Load(sessionID); ok {
		return v.(*entry).lastReceived.Load()
	}
	return UnknownSequenceNumber
}

// LastKnownSent returns the highest published outbound sequence number, or
// UnknownSequenceNumber.
func (idx *Index) LastKnownSent(sessionID int64) int32 {
	if v, ok := idx.entries.Load(sessionID); ok {
		return v.(*entry).lastSent.Load()
	}
	return UnknownSequenceNumber
}

// SequenceIndex returns the current sequence index revision for the session.
func (idx *Index) SequenceIndex(sessionID int64) int32 {
	if v, ok := idx.entries.Load(sessionID); ok {
		return v.(*entry).sequenceIndex.Load()
	}
	return 0
}

// IndexedPosition reports the stream position up to which the index is
// consistent for streamID.
func (idx *Index) IndexedPosition(streamID int32) int64 {
	if v, ok := idx.indexedAtomic.Load(streamID); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// DoWork applies the flush policy: flush after flushTimeout without writes or
// once flushRecords updates have accumulated.
func (idx *Index) DoWork() (int, error) {
	if idx.dirty == 0 {
		return 0, nil
	}
	if idx.dirty < idx.flushRecords && time.Since(idx.lastWrite) < idx.flushTimeout {
		return 0, nil
	}
	if err := idx.Flush(); err != nil {
		return 0, err
	}
	return 1, nil
}

// Flush writes the mirror through the passing place and atomically renames it
// over the canonical path.
func (idx *Index) Flush() error {
	started := time.Now()
	buf := make([]byte, fileSize(len(idx.slots)))

	for slot, sessionID := range idx.slots {
		v, _ := idx.entries.Load(sessionID)
		e := v.(*entry)
		sector := HeaderSize + (slot/RecordsPerSector)*SectorSize
		offset := sector + (slot%RecordsPerSector)*RecordSize
		encodeRecord(buf[offset:offset+RecordSize], &Record{
			SessionID:        sessionID,
			LastReceived:     e.lastReceived.Load(),
			LastSent:         e.lastSent.Load(),
			SequenceIndex:    e.sequenceIndex.Load(),
			MetaDataPosition: e.metaDataPosition,
		})
	}
	for sector := HeaderSize; sector < len(buf); sector += SectorSize {
		writeSectorChecksum(buf[sector : sector+SectorSize])
	}
	encodeHeader(buf[:HeaderSize], &header{
		recordCount:      uint32(len(idx.slots)),
		indexedPositions: idx.indexedPositions,
	})

	passingPlace := idx.path + PassingPlaceSuffix
	f, err := os.OpenFile(passingPlace, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open passing place: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to write passing place: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync passing place: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(passingPlace, idx.path); err != nil {
		return fmt.Errorf("failed to commit sequence index: %w", err)
	}

	idx.dirty = 0
	metrics.IndexFlushLatency.Observe(time.Since(started).Seconds())
	return nil
}

// Reset wipes the index, both in memory and on disk.
func (idx *Index) Reset() error {
	idx.entries.Range(func(key, _ interface{}) bool {
		idx.entries.Delete(key)
		return true
	})
	idx.indexedAtomic.Range(func(key, value interface{}) bool {
		value.(*atomic.Int64).Store(0)
		return true
	})
	idx.slots = nil
	idx.indexedPositions = make(map[int32]int64)
	idx.dirty = 0
	if err := os.Remove(idx.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(idx.path + PassingPlaceSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sessions returns the known session ids in ascending order.
func (idx *Index) Sessions() []int64 {
	out := append([]int64(nil), idx.slots...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
