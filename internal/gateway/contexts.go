package gateway

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/session"
)

// SessionIDsFileName persists the key → session id mapping so identities
// survive restarts.
const SessionIDsFileName = "session_ids.json"

type persistedContext struct {
	SessionID     int64     `json:"session_id"`
	SequenceIndex int32     `json:"sequence_index"`
	SessionVerID  int64     `json:"session_ver_id,omitempty"`
	Ended         bool      `json:"ended,omitempty"`
	LastLogon     time.Time `json:"last_logon,omitempty"`

	KeyType       string `json:"key_type"` // fix | fixp
	SenderCompID  string `json:"sender_comp_id,omitempty"`
	TargetCompID  string `json:"target_comp_id,omitempty"`
	FixPSessionID int64  `json:"fixp_session_id,omitempty"`
}

// Save writes every context to path via a temp file and atomic rename.
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	var rows []persistedContext
	r.tree.Scan(func(ctx *session.Context) bool {
		row := persistedContext{
			SessionID:     ctx.SessionID,
			SequenceIndex: ctx.SequenceIndex,
			SessionVerID:  ctx.SessionVerID,
			Ended:         ctx.Ended,
			LastLogon:     ctx.LastLogonTime,
		}
		switch key := ctx.Key.(type) {
		case session.FixKey:
			row.KeyType = "fix"
			row.SenderCompID = key.SenderCompID
			row.TargetCompID = key.TargetCompID
		case session.FixPKey:
			row.KeyType = "fixp"
			row.FixPSessionID = key.SessionID
		}
		rows = append(rows, row)
		return true
	})
	r.mu.RUnlock()

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
	return os.Rename(tmp, path)
}

// Load restores contexts saved by a prior run. Missing file is a fresh
// start.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var rows []persistedContext
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		var key session.Key
		switch row.KeyType {
		case "fix":
			key = session.FixKey{SenderCompID: row.SenderCompID, TargetCompID: row.TargetCompID}
		case "fixp":
			key = session.FixPKey{SessionID: row.FixPSessionID}
		default:
			r.logger.Warn("skipping unknown key type", zap.String("key_type", row.KeyType))
			continue
		}
		ctx := r.Restore(key, row.SessionID, row.SequenceIndex)
		ctx.SessionVerID = row.SessionVerID
		ctx.Ended = row.Ended
		ctx.LastLogonTime = row.LastLogon
	}
	r.logger.Info("restored session contexts", zap.Int("count", len(rows)))
	return nil
}

// MaxSessionID returns the highest restored session id, for seeding the id
// floor.
func (r *Registry) MaxSessionID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max int64
	for id := range r.bySessionID {
		if id > max {
			max = id
		}
	}
	return max
}
