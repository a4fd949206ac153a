// Package gateway wires the engine together: the TCP receiver dispatcher,
// the sessions registry, the indexer, and the admin surface.
package gateway

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/session"
)

// Registry maps session keys to their stable contexts. Contexts are created
// on first accepted logon/negotiate and never destroyed.
type Registry struct {
	logger *zap.Logger

	mu            sync.RWMutex
	tree          *btree.BTreeG[*session.Context]
	bySessionID   map[int64]*session.Context
	nextSessionID int64
}

// NewRegistry builds an empty registry. Session ids start above the given
// floor so ids persisted by a prior run are not reissued.
func NewRegistry(sessionIDFloor int64, logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		tree: btree.NewBTreeG(func(a, b *session.Context) bool {
			return a.Key.Compare(b.Key) < 0
		}),
		bySessionID:   make(map[int64]*session.Context),
		nextSessionID: sessionIDFloor + 1,
	}
}

// Acquire hands the context for key to libraryID, creating it on first
// contact. Returns ErrDuplicateSession when another library holds an active
// binding.
func (r *Registry) Acquire(key session.Key, libraryID int32) (*session.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	probe := &session.Context{Key: key}
	ctx, ok := r.tree.Get(probe)
	if !ok {
		ctx = &session.Context{
			Key:       key,
			SessionID: r.nextSessionID,
		}
		r.nextSessionID++
		r.tree.Set(ctx)
		r.bySessionID[ctx.SessionID] = ctx
		r.logger.Info("created session context",
			zap.String("key", key.String()),
			zap.Int64("session_id", ctx.SessionID))
	}
	if ctx.OwningLibraryID != 0 && ctx.OwningLibraryID != libraryID {
		return nil, errors.ErrDuplicateSession
	}
	ctx.OwningLibraryID = libraryID
	return ctx, nil
}

// Release returns a context to the offline pool, e.g. on library timeout.
func (r *Registry) Release(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.bySessionID[sessionID]; ok {
		ctx.OwningLibraryID = 0
	}
}

// Restore pre-seeds a context recovered from the persisted indexes.
func (r *Registry) Restore(key session.Key, sessionID int64, sequenceIndex int32) *session.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := &session.Context{Key: key, SessionID: sessionID, SequenceIndex: sequenceIndex}
	r.tree.Set(ctx)
	r.bySessionID[sessionID] = ctx
	if sessionID >= r.nextSessionID {
		r.nextSessionID = sessionID + 1
	}
	return ctx
}

// Get returns a context by session id.
func (r *Registry) Get(sessionID int64) (*session.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.bySessionID[sessionID]
	return ctx, ok
}

// LookupFix finds a FIX session id by its comp id pair.
func (r *Registry) LookupFix(localCompID, remoteCompID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	probe := &session.Context{Key: session.FixKey{SenderCompID: remoteCompID, TargetCompID: localCompID}}
	if ctx, ok := r.tree.Get(probe); ok {
		return ctx.SessionID, true
	}
	return 0, false
}

// SessionInfo is one row of the AllSessions listing.
type SessionInfo struct {
	SessionID     int64     `json:"session_id"`
	Key           string    `json:"key"`
	SequenceIndex int32     `json:"sequence_index"`
	SessionVerID  int64     `json:"session_ver_id,omitempty"`
	Ended         bool      `json:"ended"`
	Offline       bool      `json:"offline"`
	LastLogon     time.Time `json:"last_logon"`
}

// AllSessions lists every known context in key order.
func (r *Registry) AllSessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, r.tree.Len())
	r.tree.Scan(func(ctx *session.Context) bool {
		out = append(out, SessionInfo{
			SessionID:     ctx.SessionID,
			Key:           ctx.Key.String(),
			SequenceIndex: ctx.SequenceIndex,
			SessionVerID:  ctx.SessionVerID,
			Ended:         ctx.Ended,
			Offline:       ctx.Offline(),
			LastLogon:     ctx.LastLogonTime,
		})
		return true
	})
	return out
}
