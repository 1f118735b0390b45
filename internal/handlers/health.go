package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/session"
)

const serviceVersion = "1.0.0"

type HealthHandler struct {
	log      *logger.Logger
	plugins  *plugins.Registry
	sessions *session.Store
	paths    *paths.Resolver
}

func NewHealthHandler(reg *plugins.Registry, sessions *session.Store, res *paths.Resolver, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		log:      log.With("handler", "HealthHandler"),
		plugins:  reg,
		sessions: sessions,
		paths:    res,
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	RespondOK(c, gin.H{
		"status":    "healthy",
		"service":   "melange-backend",
		"version":   serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// PluginsHealth aggregates per-plugin health plus the storage tiers.
func (h *HealthHandler) PluginsHealth(c *gin.Context) {
	ctx := c.Request.Context()
	pluginStates := map[string]string{}
	for id, state := range h.plugins.HealthStatus(ctx) {
		pluginStates[id] = string(state)
	}
	storage := "healthy"
	if err := h.paths.HealthCheck(); err != nil {
		storage = "error: " + err.Error()
	}
	RespondOK(c, gin.H{
		"plugins":       pluginStates,
		"session_store": h.sessions.HealthCheck(ctx),
		"storage":       storage,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}
