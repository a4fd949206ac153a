package gateway

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/journal/recording"
	"github.com/Aidin1998/fixgate/internal/journal/replay"
	"github.com/Aidin1998/fixgate/internal/session/fix"
	"github.com/Aidin1998/fixgate/internal/session/fixp"
)

// ResetSequenceNumber opens a fresh sequence index revision for the session.
// A FIX session in fixSessions also restarts both counters at 1 and sends a
// hard SequenceReset; FIXP sessions keep their counters.
func (e *Engine) ResetSequenceNumber(sessionID int64) error {
	ctx, ok := e.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %d", sessionID)
	}
	ctx.OnSequenceReset(e.clock())
	if sess, ok := e.fixSessions[sessionID]; ok {
		return sess.ResetSequenceNumbers()
	}
	return nil
}

// ResetSessionIds moves every identity and index file into backupDir and
// starts the registry afresh. Connected sessions must be drained first.
func (e *Engine) ResetSessionIds(backupDir string) error {
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}
	logDir := e.cfg.Journal.LogFileDir

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		_, _, isReplay := replay.ParseFileName(name)
		switch {
		case isReplay,
			name == SequenceIndexFileName,
			name == SequenceIndexFileName+".passing_place",
			name == SessionIDsFileName,
			name == recording.FileName:
			if err := os.Rename(filepath.Join(logDir, name), filepath.Join(backupDir, name)); err != nil {
				return err
			}
		}
	}

	for sessionID := range e.registry.bySessionID {
		e.replayInQuery.Evict(sessionID)
		e.replayOutQuery.Evict(sessionID)
	}
	if err := e.seqIndex.Reset(); err != nil {
		return err
	}
	e.registry = NewRegistry(0, e.logger)
	e.fixSessions = make(map[int64]*fix.Session)
	e.fixpSessions = make(map[int64]*fixp.Acceptor)
	return nil
}

// PruneArchive trims recordings to the earliest position still referenced
// by the replay indexes' highest sequence index revisions. Idempotent.
func (e *Engine) PruneArchive() (map[int64]int64, error) {
	newStartPositions := make(map[int64]int64)
	if err := e.replayOutQuery.StartPositions(newStartPositions); err != nil {
		return nil, err
	}
	if err := e.replayInQuery.StartPositions(newStartPositions); err != nil {
		return nil, err
	}
	for recordingID, position := range newStartPositions {
		if err := e.arch.Purge(recordingID, position); err != nil {
			return nil, err
		}
	}
	e.logger.Info("archive pruned", zap.Int("recordings", len(newStartPositions)))
	return newStartPositions, nil
}

// LookupSessionID finds a FIX session id by comp id pair.
func (e *Engine) LookupSessionID(localCompID, remoteCompID string) (int64, bool) {
	return e.registry.LookupFix(localCompID, remoteCompID)
}

// AllSessions lists every known session.
func (e *Engine) AllSessions() []SessionInfo {
	return e.registry.AllSessions()
}

// ValidateReplayIndex runs the boundary validator over both directions of a
// session's replay indexes.
func (e *Engine) ValidateReplayIndex(sessionID int64) ([]replay.ValidationError, error) {
	out, err := e.replayOutQuery.Validate(sessionID)
	if err != nil {
		return nil, err
	}
	in, err := e.replayInQuery.Validate(sessionID)
	if err != nil {
		return nil, err
	}
	return append(out, in...), nil
}

// AdminServer exposes the engine's admin operations over HTTP, plus the
// prometheus scrape endpoint.
type AdminServer struct {
	engine *Engine
	server *http.Server
}

// NewAdminServer builds the admin router.
func NewAdminServer(e *Engine, listenAddr string, logger *zap.Logger) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/admin/v1")
	{
		v1.GET("/sessions", func(c *gin.Context) {
			c.JSON(http.StatusOK, e.AllSessions())
		})
		v1.GET("/sessions/lookup", func(c *gin.Context) {
			id, ok := e.LookupSessionID(c.Query("local"), c.Query("remote"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"session_id": id})
		})
		v1.POST("/sessions/:id/reset-sequence-number", func(c *gin.Context) {
			sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
				return
			}
			if err := e.ResetSequenceNumber(sessionID); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "reset"})
		})
		v1.GET("/sessions/:id/validate-replay-index", func(c *gin.Context) {
			sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
				return
			}
			problems, err := e.ValidateReplayIndex(sessionID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"problems": problems})
		})
		v1.POST("/archive/prune", func(c *gin.Context) {
			starts, err := e.PruneArchive()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"recording_start_positions": starts})
		})
		v1.POST("/reset-session-ids", func(c *gin.Context) {
			var req struct {
				BackupDir string `json:"backup_dir" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := e.ResetSessionIds(req.BackupDir); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "reset"})
		})
	}

	return &AdminServer{
		engine: e,
		server: &http.Server{Addr: listenAddr, Handler: router},
	}
}

// Start serves until Shutdown.
func (s *AdminServer) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the admin listener.
func (s *AdminServer) Shutdown() error {
	return s.server.Close()
}
