package handlers

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/types"
)

// cleanupAgeHours is the retention applied by the cleanup endpoint.
const cleanupAgeHours = 24

// RobloxHandler serves the asset-pipeline polling surface: job status by
// target uid, cancellation, produced-file streaming and cleanup.
type RobloxHandler struct {
	log   *logger.Logger
	jobs  *jobs.Manager
	paths *paths.Resolver
}

func NewRobloxHandler(mgr *jobs.Manager, res *paths.Resolver, log *logger.Logger) *RobloxHandler {
	return &RobloxHandler{
		log:   log.With("handler", "RobloxHandler"),
		jobs:  mgr,
		paths: res,
	}
}

func (h *RobloxHandler) Status(c *gin.Context) {
	uid := c.Param("uid")
	job, err := h.jobs.GetByTarget(uid)
	if err != nil {
		RespondError(c, err)
		return
	}
	payload := gin.H{
		"uid":             uid,
		"job_id":          job.JobID,
		"status":          string(job.Status),
		"phase":           job.Phase,
		"progress":        job.Progress,
		"elapsed_seconds": int(time.Since(job.CreatedAt).Seconds()),
	}
	if job.Result != nil {
		payload["result"] = job.Result
	}
	if job.Error != "" {
		payload["error"] = job.Error
		payload["error_code"] = job.ErrorCode
	}
	RespondOK(c, payload)
}

func (h *RobloxHandler) Cancel(c *gin.Context) {
	uid := c.Param("uid")
	if _, err := h.jobs.CancelByTarget(uid, "cancelled by request"); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"success": true,
		"uid":     uid,
		"status":  string(types.JobCancelled),
	})
}

// robloxFileKinds maps the public file kind to the name inside the uid's
// object directory.
var robloxFileKinds = map[string]struct {
	filename string
	mime     string
}{
	"obj":      {"avatar.obj", "model/obj"},
	"fbx":      {"avatar.fbx", "application/octet-stream"},
	"mtl":      {"avatar.mtl", "text/plain"},
	"metadata": {"metadata.json", "application/json"},
	"readme":   {"README.md", "text/markdown"},
	"preview":  {"preview.png", "image/png"},
}

func (h *RobloxHandler) File(c *gin.Context) {
	uid := c.Param("uid")
	kind := c.Param("kind")
	if _, _, err := types.ParseUID(uid); err != nil {
		RespondError(c, apperr.UserInput(apperr.CodeInvalidUIDFormat, err.Error()))
		return
	}
	spec, ok := robloxFileKinds[kind]
	if !ok {
		RespondError(c, apperr.UserInput(apperr.CodeValidationFailed, "unknown file kind: "+kind))
		return
	}
	path := filepath.Join(h.paths.Object3DDir(uid), spec.filename)
	if _, err := os.Stat(path); err != nil {
		RespondError(c, apperr.NotFound(apperr.CodeAssetNotFound, kind+" not available for "+uid))
		return
	}
	c.Header("Content-Type", spec.mime)
	c.File(path)
}

func (h *RobloxHandler) Cleanup(c *gin.Context) {
	removed := h.jobs.Cleanup(cleanupAgeHours * time.Hour)
	h.log.Info("Cleaned up terminal jobs", "removed", removed)
	RespondOK(c, gin.H{
		"success":           true,
		"message":           "terminal jobs purged",
		"removed":           removed,
		"cleanup_age_hours": cleanupAgeHours,
	})
}
