package gateway

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

func TestAcquireCreatesStableContexts(t *testing.T) {
	r := NewRegistry(0, logger.NewNopLogger())

	key := session.FixKey{SenderCompID: "INIT", TargetCompID: "ACC"}
	ctx, err := r.Acquire(key, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ctx.SessionID)

	again, err := r.Acquire(key, 1)
	require.NoError(t, err)
	assert.Same(t, ctx, again)

	other, err := r.Acquire(session.FixPKey{SessionID: 9}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), other.SessionID)
}

func TestDuplicateSessionRejected(t *testing.T) {
	r := NewRegistry(0, logger.NewNopLogger())
	key := session.FixKey{SenderCompID: "INIT", TargetCompID: "ACC"}

	_, err := r.Acquire(key, 1)
	require.NoError(t, err)

	_, err = r.Acquire(key, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateSession)

	// Released sessions can be picked up by another library.
	ctx, _ := r.Acquire(key, 1)
	r.Release(ctx.SessionID)
	_, err = r.Acquire(key, 2)
	require.NoError(t, err)
}

func TestLookupFix(t *testing.T) {
	r := NewRegistry(0, logger.NewNopLogger())
	ctx, err := r.Acquire(session.FixKey{SenderCompID: "INIT", TargetCompID: "ACC"}, 1)
	require.NoError(t, err)

	id, ok := r.LookupFix("ACC", "INIT")
	require.True(t, ok)
	assert.Equal(t, ctx.SessionID, id)

	_, ok = r.LookupFix("ACC", "NOBODY")
	assert.False(t, ok)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SessionIDsFileName)
	r := NewRegistry(0, logger.NewNopLogger())

	fixCtx, err := r.Acquire(session.FixKey{SenderCompID: "INIT", TargetCompID: "ACC"}, 1)
	require.NoError(t, err)
	fixCtx.SequenceIndex = 3

	fixpCtx, err := r.Acquire(session.FixPKey{SessionID: 12}, 1)
	require.NoError(t, err)
	fixpCtx.SessionVerID = 4
	fixpCtx.Ended = true

	require.NoError(t, r.Save(path))

	restored := NewRegistry(0, logger.NewNopLogger())
	require.NoError(t, restored.Load(path))

	ctx, ok := restored.Get(fixCtx.SessionID)
	require.True(t, ok)
	assert.Equal(t, int32(3), ctx.SequenceIndex)
	assert.True(t, ctx.Offline())

	ctx, ok = restored.Get(fixpCtx.SessionID)
	require.True(t, ok)
	assert.Equal(t, int64(4), ctx.SessionVerID)
	assert.True(t, ctx.Ended)

	// Fresh ids must not collide with restored ones.
	next, err := restored.Acquire(session.FixPKey{SessionID: 13}, 1)
	require.NoError(t, err)
	assert.Greater(t, next.SessionID, fixpCtx.SessionID)
}

func TestAllSessionsOrdered(t *testing.T) {
	r := NewRegistry(0, logger.NewNopLogger())
	_, err := r.Acquire(session.FixKey{SenderCompID: "B", TargetCompID: "ACC"}, 1)
	require.NoError(t, err)
	_, err = r.Acquire(session.FixKey{SenderCompID: "A", TargetCompID: "ACC"}, 1)
	require.NoError(t, err)
	_, err = r.Acquire(session.FixPKey{SessionID: 5}, 1)
	require.NoError(t, err)

	infos := r.AllSessions()
	require.Len(t, infos, 3)
	assert.Equal(t, "fix:A->ACC", infos[0].Key)
	assert.Equal(t, "fix:B->ACC", infos[1].Key)
	assert.Equal(t, "fixp:5", infos[2].Key)
}
