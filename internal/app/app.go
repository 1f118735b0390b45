package app

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/clients/editor"
	"github.com/megamelange/melange-backend/internal/clients/genai"
	"github.com/megamelange/melange-backend/internal/clients/redisbus"
	"github.com/megamelange/melange-backend/internal/clients/roblox"
	"github.com/megamelange/melange-backend/internal/clients/veo"
	"github.com/megamelange/melange-backend/internal/db"
	"github.com/megamelange/melange-backend/internal/handlers"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/pipeline"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/plugins/avatartool"
	"github.com/megamelange/melange-backend/internal/plugins/editortool"
	"github.com/megamelange/melange-backend/internal/plugins/imagetool"
	"github.com/megamelange/melange-backend/internal/plugins/videotool"
	"github.com/megamelange/melange-backend/internal/refstore"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/repos"
	"github.com/megamelange/melange-backend/internal/server"
	"github.com/megamelange/melange-backend/internal/session"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

// App is the fully wired service. Optional tiers (record store, redis
// progress bus) degrade to disabled with a warning instead of refusing to
// start: the filesystem tier alone is a complete, if less durable, system.
type App struct {
	Config  Config
	Router  *gin.Engine
	Log     *logger.Logger
	Plugins *plugins.Registry

	bus    redisbus.ProgressBus
	cancel context.CancelFunc
}

func New(baseCtx context.Context, log *logger.Logger) (*App, error) {
	cfg := LoadConfig(log)
	ctx, cancel := context.WithCancel(baseCtx)

	// Storage roots
	resolver, err := paths.NewResolver(paths.Config{ProjectRoot: cfg.ProjectRoot, AutoCreate: true}, log)
	if err != nil {
		cancel()
		return nil, err
	}
	allocator, err := uid.NewAllocator(resolver.UIDStateFile(),
		[]string{types.UIDKindImage, types.UIDKindVideo, types.UIDKindObject, types.UIDKindFBX}, log)
	if err != nil {
		cancel()
		return nil, err
	}
	resourceRegistry, err := registry.New(resolver.RegistryFile(), log)
	if err != nil {
		cancel()
		return nil, err
	}
	referenceStore, err := refstore.New(resolver, log)
	if err != nil {
		cancel()
		return nil, err
	}

	// Record store (primary session tier + durable job runs)
	var (
		sessionPrimary session.Backend
		jobRunRepo     repos.JobRunRepo
	)
	recordStore, err := db.NewRecordStoreService(log)
	if err != nil {
		log.Warn("Record store unavailable, running on filesystem tier only", "error", err)
	} else if err := recordStore.AutoMigrateAll(); err != nil {
		log.Warn("Record store migration failed, running on filesystem tier only", "error", err)
	} else {
		gdb := recordStore.DB()
		sessionPrimary = session.NewGormBackend(repos.NewSessionDocRepo(gdb, log), log)
		jobRunRepo = repos.NewJobRunRepo(gdb, log)
	}
	sessionFallback := session.NewFileBackend(resolver.SessionsDir(), log)
	sessions := session.NewStore(sessionPrimary, sessionFallback, log)

	// Progress bus
	bus, err := redisbus.New(log)
	if err != nil {
		log.Warn("Redis progress bus disabled", "error", err)
		bus = nil
	}

	// Jobs
	manager := jobs.NewManager(ctx, jobRunRepo, bus, log)
	if n := manager.RecoverStale(ctx, cfg.JobStaleAfter); n > 0 {
		log.Info("Marked stale jobs from previous run as failed", "count", n)
	}
	manager.StartSweeper(ctx, cfg.JobSweepInterval, cfg.JobCleanupAge)

	// Provider clients
	editorClient := editor.NewClient(log)
	robloxClient := roblox.NewClient(log)
	genaiClient := genai.NewClient(log)
	veoClient := veo.NewClient(log)

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorDeps{
		Paths:      resolver,
		Registry:   resourceRegistry,
		Allocator:  allocator,
		Roblox:     robloxClient,
		Editor:     editorClient,
		Jobs:       manager,
		Transcoder: cfg.Transcoder,
	}, log)

	// Plugins
	pluginRegistry := plugins.NewRegistry(log)
	for _, p := range []plugins.Plugin{
		editortool.New(editorClient, log),
		imagetool.New(imagetool.Deps{
			Registry:  resourceRegistry,
			Allocator: allocator,
			Paths:     resolver,
			RefStore:  referenceStore,
			GenAI:     genaiClient,
			Jobs:      manager,
		}, log),
		videotool.New(videotool.Deps{
			Registry:  resourceRegistry,
			Allocator: allocator,
			Paths:     resolver,
			Veo:       veoClient,
			Jobs:      manager,
		}, log),
		avatartool.New(orchestrator, log),
	} {
		if err := pluginRegistry.Register(p); err != nil {
			cancel()
			return nil, err
		}
	}
	pluginRegistry.InitializeAll(ctx)
	dispatcher := plugins.NewDispatcher(pluginRegistry, log)

	// Session retention sweep
	go sessionSweeper(ctx, sessions, cfg.SessionRetention, log)

	router := server.NewRouter(server.RouterConfig{
		Log:             log,
		PromptHandler:   handlers.NewPromptHandler(sessions, dispatcher, log),
		SessionHandler:  handlers.NewSessionHandler(sessions, resourceRegistry, resolver, log),
		RobloxHandler:   handlers.NewRobloxHandler(manager, resolver, log),
		ArtifactHandler: handlers.NewArtifactHandler(resolver, resourceRegistry, log),
		HealthHandler:   handlers.NewHealthHandler(pluginRegistry, sessions, resolver, log),
	})

	return &App{
		Config:  cfg,
		Router:  router,
		Log:     log,
		Plugins: pluginRegistry,
		bus:     bus,
		cancel:  cancel,
	}, nil
}

func (a *App) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Plugins.ShutdownAll(shutdownCtx)
	if a.bus != nil {
		_ = a.bus.Close()
	}
	a.cancel()
}

func sessionSweeper(ctx context.Context, sessions *session.Store, retention time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.CleanupOlderThan(ctx, retention); err == nil && n > 0 {
				log.Info("Purged expired sessions", "count", n)
			}
		}
	}
}
