package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/internal/stream"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndReplay(t *testing.T) {
	a := openTestArchive(t)

	id, err := a.StartRecording(2, 0)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	pos := int64(0)
	positions := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		require.NoError(t, a.RecordFragment(id, pos, p))
		positions = append(positions, pos)
		pos += int64(stream.Align(len(p) + stream.HeaderLength))
	}

	stop, err := a.StopPosition(id)
	require.NoError(t, err)
	assert.Equal(t, pos, stop)

	var replayed [][]byte
	err = a.Replay(id, positions[1], pos-positions[1], func(_ int64, payload []byte) error {
		replayed = append(replayed, payload)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, []byte("second"), replayed[0])
	assert.Equal(t, []byte("third"), replayed[1])
}

func TestRecordingsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, logger.NewNopLogger())
	require.NoError(t, err)

	id, err := a.StartRecording(2, 0)
	require.NoError(t, err)
	require.NoError(t, a.RecordFragment(id, 0, []byte("durable")))
	require.NoError(t, a.Close())

	reopened, err := Open(dir, logger.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	stop, err := reopened.StopPosition(id)
	require.NoError(t, err)
	assert.Positive(t, stop)

	// Fresh ids never collide with recovered ones.
	next, err := reopened.StartRecording(2, stop)
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestPurgeIsIdempotent(t *testing.T) {
	a := openTestArchive(t)

	id, err := a.StartRecording(2, 0)
	require.NoError(t, err)
	fragment := int64(stream.Align(8 + stream.HeaderLength))
	for i := int64(0); i < 4; i++ {
		require.NoError(t, a.RecordFragment(id, i*fragment, []byte("fragment")))
	}

	require.NoError(t, a.Purge(id, 2*fragment))
	d, err := a.GetDescriptor(id)
	require.NoError(t, err)
	assert.Equal(t, 2*fragment, d.StartPosition)

	// Second purge to the same position changes nothing.
	require.NoError(t, a.Purge(id, 2*fragment))
	d2, err := a.GetDescriptor(id)
	require.NoError(t, err)
	assert.Equal(t, d.StartPosition, d2.StartPosition)

	var count int
	require.NoError(t, a.Replay(id, 0, 100*fragment, func(int64, []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}
