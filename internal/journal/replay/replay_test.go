package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

const testCapacity = 64 // records; power of two keeps offsets aligned

func newTestPair(t *testing.T) (*Writer, *Query) {
	t.Helper()
	dir := t.TempDir()
	w := NewWriter(dir, 2, testCapacity, logger.NewNopLogger())
	q := NewQuery(dir, 2, logger.NewNopLogger())
	t.Cleanup(func() {
		w.Close()
		q.Close()
	})
	return w, q
}

func record(seq int32, recordingID int64, position int64) *Record {
	return &Record{
		Position:       position,
		SequenceIndex:  0,
		SequenceNumber: seq,
		RecordingID:    recordingID,
		Length:         40,
	}
}

func TestQueryReturnsIndexedRange(t *testing.T) {
	w, q := newTestPair(t)

	pos := int64(1000)
	for seq := int32(1); seq <= 10; seq++ {
		require.NoError(t, w.OnIndexed(7, record(seq, 3, pos)))
		pos += int64(stream.Align(40 + stream.HeaderLength))
	}

	ranges, err := q.Do(7, 4, 0, 8, 0)
	require.NoError(t, err)
	require.Len(t, ranges, 1)

	r := ranges[0]
	assert.Equal(t, int64(3), r.RecordingID)
	assert.Equal(t, 5, r.Count)
	fragment := int64(stream.Align(40 + stream.HeaderLength))
	assert.Equal(t, int64(1000)+3*fragment, r.BeginPosition)
	assert.Equal(t, 5*fragment, r.Length)
}

func TestFirstRecordAtStreamPositionZeroIsReturned(t *testing.T) {
	// A fresh carrier stream hands its very first fragment position 0, so 0
	// is a legitimate archive position, not an empty-slot marker.
	w, q := newTestPair(t)
	fragment := int64(stream.Align(40 + stream.HeaderLength))
	require.NoError(t, w.OnIndexed(7, record(1, 3, 0)))
	require.NoError(t, w.OnIndexed(7, record(2, 3, fragment)))
	require.NoError(t, w.OnIndexed(7, record(3, 3, 2*fragment)))

	ranges, err := q.Do(7, 1, 0, 3, 0)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(0), ranges[0].BeginPosition)
	assert.Equal(t, 3*fragment, ranges[0].Length)
	assert.Equal(t, 3, ranges[0].Count)

	starts := make(map[int64]int64)
	require.NoError(t, q.StartPositions(starts))
	assert.Equal(t, int64(0), starts[3])

	problems, err := q.Validate(7)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestQueryToMostRecent(t *testing.T) {
	w, q := newTestPair(t)
	for seq := int32(1); seq <= 5; seq++ {
		require.NoError(t, w.OnIndexed(7, record(seq, 3, int64(seq)*64)))
	}
	ranges, err := q.Do(7, 2, 0, MostRecentMessage, 0)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, 4, ranges[0].Count)
}

func TestRangesSplitOnRecordingChange(t *testing.T) {
	w, q := newTestPair(t)
	require.NoError(t, w.OnIndexed(7, record(1, 3, 64)))
	require.NoError(t, w.OnIndexed(7, record(2, 3, 128)))
	require.NoError(t, w.OnIndexed(7, record(3, 9, 4096)))

	ranges, err := q.Do(7, 1, 0, MostRecentMessage, 0)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, int64(3), ranges[0].RecordingID)
	assert.Equal(t, 2, ranges[0].Count)
	assert.Equal(t, int64(9), ranges[1].RecordingID)
	assert.Equal(t, 1, ranges[1].Count)
}

func TestFragmentsOfOneMessageCountOnce(t *testing.T) {
	w, q := newTestPair(t)
	require.NoError(t, w.OnIndexed(7, record(1, 3, 64)))
	require.NoError(t, w.OnIndexed(7, record(1, 3, 128))) // second fragment
	require.NoError(t, w.OnIndexed(7, record(2, 3, 192)))

	ranges, err := q.Do(7, 1, 0, MostRecentMessage, 0)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, 2, ranges[0].Count)
}

func TestEarlierSequenceIndexEntriesDiscarded(t *testing.T) {
	w, q := newTestPair(t)
	require.NoError(t, w.OnIndexed(7, &Record{Position: 64, SequenceIndex: 0, SequenceNumber: 8, RecordingID: 3, Length: 40}))
	require.NoError(t, w.OnIndexed(7, &Record{Position: 128, SequenceIndex: 1, SequenceNumber: 1, RecordingID: 3, Length: 40}))

	ranges, err := q.Do(7, 1, 1, MostRecentMessage, 1)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, 1, ranges[0].Count)
	assert.Equal(t, int64(128), ranges[0].BeginPosition)
}

func TestWriterLapsReader(t *testing.T) {
	w, q := newTestPair(t)

	// Fill more than two rings' worth so early records are gone.
	for seq := int32(1); seq <= testCapacity*2+10; seq++ {
		require.NoError(t, w.OnIndexed(7, record(seq, 3, int64(seq)*64)))
	}

	ranges, err := q.Do(7, 1, 0, MostRecentMessage, 0)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	// Only the live window survives: the oldest surviving sequence number
	// is total - capacity + 1.
	assert.Equal(t, testCapacity, ranges[0].Count)
}

func TestStartPositions(t *testing.T) {
	w, q := newTestPair(t)
	require.NoError(t, w.OnIndexed(7, &Record{Position: 64, SequenceIndex: 0, SequenceNumber: 1, RecordingID: 3, Length: 40}))
	require.NoError(t, w.OnIndexed(7, &Record{Position: 640, SequenceIndex: 1, SequenceNumber: 1, RecordingID: 3, Length: 40}))
	require.NoError(t, w.OnIndexed(7, &Record{Position: 704, SequenceIndex: 1, SequenceNumber: 2, RecordingID: 3, Length: 40}))
	require.NoError(t, w.OnIndexed(8, &Record{Position: 320, SequenceIndex: 0, SequenceNumber: 1, RecordingID: 3, Length: 40}))

	starts := make(map[int64]int64)
	require.NoError(t, q.StartPositions(starts))

	// Session 7 only needs from 640 (highest sequence index), session 8
	// still needs from 320; the recording keeps the lower.
	assert.Equal(t, int64(320), starts[3])
}

func TestStartPositionsIdempotent(t *testing.T) {
	w, q := newTestPair(t)
	require.NoError(t, w.OnIndexed(7, record(1, 3, 64)))

	first := make(map[int64]int64)
	require.NoError(t, q.StartPositions(first))
	second := make(map[int64]int64)
	require.NoError(t, q.StartPositions(second))
	assert.Equal(t, first, second)
}

func TestValidateCleanIndex(t *testing.T) {
	w, q := newTestPair(t)
	for seq := int32(1); seq <= 5; seq++ {
		require.NoError(t, w.OnIndexed(7, record(seq, 3, int64(seq)*64)))
	}
	problems, err := q.Validate(7)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestValidateDetectsPositionRewind(t *testing.T) {
	w, q := newTestPair(t)
	require.NoError(t, w.OnIndexed(7, record(1, 3, 640)))
	require.NoError(t, w.OnIndexed(7, record(2, 3, 64)))

	problems, err := q.Validate(7)
	require.NoError(t, err)
	require.NotEmpty(t, problems)
}

func TestParseFileName(t *testing.T) {
	sessionID, streamID, ok := ParseFileName("replay_index_42_2")
	require.True(t, ok)
	assert.Equal(t, int64(42), sessionID)
	assert.Equal(t, int32(2), streamID)

	_, _, ok = ParseFileName("sequence_number_index")
	assert.False(t, ok)
}

func TestQueryOnMissingIndexReturnsNothing(t *testing.T) {
	_, q := newTestPair(t)
	ranges, err := q.Do(99, 1, 0, MostRecentMessage, 0)
	require.NoError(t, err)
	assert.Empty(t, ranges)
}
