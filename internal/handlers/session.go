package handlers

import (
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/session"
	"github.com/megamelange/melange-backend/internal/types"
)

type SessionHandler struct {
	log      *logger.Logger
	sessions *session.Store
	registry *registry.Registry
	paths    *paths.Resolver
}

func NewSessionHandler(sessions *session.Store, reg *registry.Registry, res *paths.Resolver, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		log:      log.With("handler", "SessionHandler"),
		sessions: sessions,
		registry: reg,
		paths:    res,
	}
}

func (h *SessionHandler) List(c *gin.Context) {
	summaries, err := h.sessions.List(c.Request.Context(), 0, 0)
	if err != nil {
		RespondError(c, err)
		return
	}
	if summaries == nil {
		summaries = []*types.SessionSummary{}
	}
	RespondOK(c, gin.H{"sessions": summaries})
}

func (h *SessionHandler) Rename(c *gin.Context) {
	sessionID := c.Param("sid")
	var body struct {
		SessionName string `json:"session_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionName == "" {
		RespondError(c, apperr.UserInput(apperr.CodeValidationFailed, "session_name is required"))
		return
	}
	sc, err := h.sessions.Rename(c.Request.Context(), sessionID, body.SessionName)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"success":      true,
		"session_id":   sc.SessionID,
		"session_name": sc.SessionName,
	})
}

// LatestImage reports the newest image uid for a session. Absence is not
// an error: the frontend polls this before any image exists.
func (h *SessionHandler) LatestImage(c *gin.Context) {
	sessionID := c.Param("sid")
	rec, err := h.registry.LatestBySessionKind(sessionID, types.KindImage)
	if err != nil {
		RespondOK(c, gin.H{
			"success":      true,
			"latest_image": gin.H{"available": false},
		})
		return
	}
	available := false
	for _, dir := range []string{h.paths.StyledDir(), h.paths.ScreenshotsDir()} {
		if _, statErr := os.Stat(filepath.Join(dir, rec.Filename)); statErr == nil {
			available = true
			break
		}
	}
	RespondOK(c, gin.H{
		"success": true,
		"latest_image": gin.H{
			"uid":           rec.UID,
			"filename":      rec.Filename,
			"thumbnail_url": "/api/screenshot-file/" + rec.Filename,
			"available":     available,
		},
	})
}
