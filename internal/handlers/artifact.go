package handlers

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/types"
)

// ArtifactHandler streams produced files. Filenames come from clients, so
// every lookup is pinned inside its directory.
type ArtifactHandler struct {
	log      *logger.Logger
	paths    *paths.Resolver
	registry *registry.Registry
}

func NewArtifactHandler(res *paths.Resolver, reg *registry.Registry, log *logger.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		log:      log.With("handler", "ArtifactHandler"),
		paths:    res,
		registry: reg,
	}
}

// safeJoin rejects names that would escape dir.
func safeJoin(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", apperr.UserInput(apperr.CodeValidationFailed, "invalid filename")
	}
	return filepath.Join(dir, name), nil
}

// Screenshot serves images from the styled-output directory, falling back
// to the raw editor screenshot directory.
func (h *ArtifactHandler) Screenshot(c *gin.Context) {
	filename := c.Param("filename")
	for _, dir := range []string{h.paths.StyledDir(), h.paths.ScreenshotsDir()} {
		path, err := safeJoin(dir, filename)
		if err != nil {
			RespondError(c, err)
			return
		}
		if _, statErr := os.Stat(path); statErr == nil {
			c.Header("Content-Type", "image/png")
			c.File(path)
			return
		}
	}
	RespondError(c, apperr.NotFound(apperr.CodeAssetNotFound, "screenshot not found: "+filename))
}

func (h *ArtifactHandler) Video(c *gin.Context) {
	filename := c.Param("filename")
	path, err := safeJoin(h.paths.GeneratedVideosDir(), filename)
	if err != nil {
		RespondError(c, err)
		return
	}
	if _, statErr := os.Stat(path); statErr != nil {
		RespondError(c, apperr.NotFound(apperr.CodeVideoNotFound, "video not found: "+filename))
		return
	}
	c.Header("Content-Type", "video/mp4")
	c.File(path)
}

// Object3D streams the registered mesh for a uid.
func (h *ArtifactHandler) Object3D(c *gin.Context) {
	uid := c.Param("uid")
	rec, err := h.registry.Get(uid)
	if err != nil {
		RespondError(c, err)
		return
	}
	if rec.Kind != types.KindObject3D {
		RespondError(c, apperr.UserInput(apperr.CodeValidationFailed, uid+" is not a 3d object"))
		return
	}
	path := filepath.Join(h.paths.Object3DDir(uid), rec.Filename)
	if _, statErr := os.Stat(path); statErr != nil {
		RespondError(c, apperr.NotFound(apperr.CodeAssetNotFound, "object file missing for "+uid))
		return
	}
	c.Header("Content-Type", "application/octet-stream")
	c.File(path)
}
