package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/handlers"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/middleware"
)

type RouterConfig struct {
	Log             *logger.Logger
	PromptHandler   *handlers.PromptHandler
	SessionHandler  *handlers.SessionHandler
	RobloxHandler   *handlers.RobloxHandler
	ArtifactHandler *handlers.ArtifactHandler
	HealthHandler   *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(cfg.Log))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// Root action multiplexer: session actions + the NL prompt entry.
	router.POST("/", cfg.PromptHandler.Root)
	router.GET("/sessions", cfg.SessionHandler.List)
	router.GET("/health", cfg.HealthHandler.Health)
	router.GET("/3d-object/:uid", cfg.ArtifactHandler.Object3D)

	api := router.Group("/api")
	{
		api.PUT("/sessions/:sid/name", cfg.SessionHandler.Rename)
		api.GET("/session/:sid/latest-image", cfg.SessionHandler.LatestImage)

		api.GET("/roblox-status/:uid", cfg.RobloxHandler.Status)
		api.GET("/roblox-cancel/:uid", cfg.RobloxHandler.Cancel)
		api.GET("/roblox-file/:uid/:kind", cfg.RobloxHandler.File)
		api.GET("/roblox-cleanup", cfg.RobloxHandler.Cleanup)

		api.GET("/screenshot-file/:filename", cfg.ArtifactHandler.Screenshot)
		api.GET("/video-file/:filename", cfg.ArtifactHandler.Video)

		api.GET("/plugins/health", cfg.HealthHandler.PluginsHealth)
	}

	return router
}
