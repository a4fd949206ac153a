package recording

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/internal/archive"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

func TestAcquireStartsFreshRecording(t *testing.T) {
	dir := t.TempDir()
	arch, err := archive.Open(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	defer arch.Close()

	c, err := NewCoordinator(dir, arch, logger.NewNopLogger())
	require.NoError(t, err)

	id, resume, err := c.Acquire(2, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, int64(0))
	assert.Zero(t, resume)
	assert.Equal(t, []int64{id}, c.UsedRecordings(2))
}

func TestRecordingsExtendAcrossRestart(t *testing.T) {
	logDir := t.TempDir()
	archDir := t.TempDir()

	arch, err := archive.Open(archDir, logger.NewNopLogger())
	require.NoError(t, err)

	c, err := NewCoordinator(logDir, arch, logger.NewNopLogger())
	require.NoError(t, err)

	id, _, err := c.Acquire(2, 0)
	require.NoError(t, err)
	require.NoError(t, arch.RecordFragment(id, 0, []byte("some traffic")))
	stop, err := arch.StopPosition(id)
	require.NoError(t, err)

	require.NoError(t, c.Save())
	require.NoError(t, arch.Close())

	// Restart: the same recording id is handed back, resuming at its stop
	// position so the counterparty never sees the sequence space reset.
	arch2, err := archive.Open(archDir, logger.NewNopLogger())
	require.NoError(t, err)
	defer arch2.Close()

	c2, err := NewCoordinator(logDir, arch2, logger.NewNopLogger())
	require.NoError(t, err)

	id2, resume, err := c2.Acquire(2, 0)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, stop, resume)
}

func TestCorruptCoordinatorFileRejected(t *testing.T) {
	logDir := t.TempDir()
	arch, err := archive.Open(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	defer arch.Close()

	c, err := NewCoordinator(logDir, arch, logger.NewNopLogger())
	require.NoError(t, err)
	_, _, err = c.Acquire(2, 0)
	require.NoError(t, err)
	require.NoError(t, c.Save())

	corruptFile(t, logDir)

	_, err = NewCoordinator(logDir, arch, logger.NewNopLogger())
	require.Error(t, err)
}

func corruptFile(t *testing.T, logDir string) {
	t.Helper()
	path := filepath.Join(logDir, FileName)
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[len(buf)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func TestReset(t *testing.T) {
	logDir := t.TempDir()
	arch, err := archive.Open(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	defer arch.Close()

	c, err := NewCoordinator(logDir, arch, logger.NewNopLogger())
	require.NoError(t, err)
	_, _, err = c.Acquire(2, 0)
	require.NoError(t, err)
	require.NoError(t, c.Save())
	require.NoError(t, c.Reset())

	c2, err := NewCoordinator(logDir, arch, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Empty(t, c2.UsedRecordings(2))
}
