package sequence

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

func openTestIndex(t *testing.T, dir string) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(dir, "sequence_number_index"),
		200*time.Millisecond, 1024, logger.NewNopLogger())
	require.NoError(t, err)
	return idx
}

func TestRecordAndLookup(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())

	assert.Equal(t, UnknownSequenceNumber, idx.LastKnownReceived(1))

	idx.RecordReceived(1, 5, 0, 1, 100)
	idx.RecordSent(1, 9, 0, 2, 200)

	assert.Equal(t, int32(5), idx.LastKnownReceived(1))
	assert.Equal(t, int32(9), idx.LastKnownSent(1))
	assert.Equal(t, int64(100), idx.IndexedPosition(1))
	assert.Equal(t, int64(200), idx.IndexedPosition(2))
}

func TestRecordIsIdempotentOnReplay(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())

	idx.RecordReceived(1, 5, 0, 1, 100)
	idx.RecordReceived(1, 6, 0, 1, 164)
	// Replayed input at an already-indexed position must not rewind.
	idx.RecordReceived(1, 2, 0, 1, 100)

	assert.Equal(t, int32(6), idx.LastKnownReceived(1))
	assert.Equal(t, int64(164), idx.IndexedPosition(1))
}

func TestLastReceivedNeverDecreasesWithinIndex(t *testing.T) {
	idx := openTestIndex(t, t.TempDir())

	idx.RecordReceived(1, 6, 0, 1, 100)
	idx.RecordReceived(1, 3, 0, 1, 164) // retransmitted duplicate
	assert.Equal(t, int32(6), idx.LastKnownReceived(1))

	// A new sequence index revision may legally rewind.
	idx.RecordReceived(1, 1, 1, 1, 228)
	assert.Equal(t, int32(1), idx.LastKnownReceived(1))
	assert.Equal(t, int32(1), idx.SequenceIndex(1))
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	idx := openTestIndex(t, dir)

	for sessionID := int64(1); sessionID <= 200; sessionID++ {
		idx.RecordReceived(sessionID, int32(sessionID*2), 0, 1, sessionID*64)
		idx.RecordSent(sessionID, int32(sessionID*3), 0, 2, sessionID*64)
	}
	require.NoError(t, idx.Flush())

	reloaded := openTestIndex(t, dir)
	for sessionID := int64(1); sessionID <= 200; sessionID++ {
		assert.Equal(t, int32(sessionID*2), reloaded.LastKnownReceived(sessionID))
		assert.Equal(t, int32(sessionID*3), reloaded.LastKnownSent(sessionID))
	}
	assert.Equal(t, int64(200*64), reloaded.IndexedPosition(1))
}

func TestPassingPlaceUsedWhenCanonicalMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequence_number_index")

	idx := openTestIndex(t, dir)
	idx.RecordReceived(1, 42, 0, 1, 640)
	require.NoError(t, idx.Flush())

	// Simulate dying between fsync and rename: the flushed table only
	// exists as the passing place.
	require.NoError(t, os.Rename(path, path+PassingPlaceSuffix))

	reloaded := openTestIndex(t, dir)
	assert.Equal(t, int32(42), reloaded.LastKnownReceived(1))
}

func TestChoosePrefersLaterPosition(t *testing.T) {
	older := &table{header: &header{indexedPositions: map[int32]int64{1: 100}}}
	newer := &table{header: &header{indexedPositions: map[int32]int64{1: 200}}}

	chosen, err := choose(older, nil, newer, nil)
	require.NoError(t, err)
	assert.Same(t, newer, chosen)

	chosen, err = choose(newer, nil, older, nil)
	require.NoError(t, err)
	assert.Same(t, newer, chosen)
}

func TestCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequence_number_index")

	idx := openTestIndex(t, dir)
	idx.RecordReceived(1, 42, 0, 1, 640)
	require.NoError(t, idx.Flush())

	// Flip bytes inside the first record sector, before its CRC trailer.
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf[HeaderSize+8:], 0xDEADBEEF)
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err = Open(path, 200*time.Millisecond, 1024, logger.NewNopLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorruption)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	idx := openTestIndex(t, dir)

	idx.RecordReceived(1, 42, 0, 1, 640)
	idx.RecordReceived(2, 7, 0, 1, 704)
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Reset())

	assert.Equal(t, UnknownSequenceNumber, idx.LastKnownReceived(1))
	assert.Equal(t, UnknownSequenceNumber, idx.LastKnownReceived(2))

	reloaded := openTestIndex(t, dir)
	assert.Equal(t, UnknownSequenceNumber, reloaded.LastKnownReceived(1))
}

func TestFlushPolicy(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "sequence_number_index"),
		time.Hour, 2, logger.NewNopLogger())
	require.NoError(t, err)

	idx.RecordReceived(1, 1, 0, 1, 64)
	n, err := idx.DoWork()
	require.NoError(t, err)
	assert.Zero(t, n, "single dirty record under the threshold must not flush")

	idx.RecordReceived(1, 2, 0, 1, 128)
	n, err = idx.DoWork()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "record threshold reached")
}
