package avatartool

import (
	"context"
	"fmt"

	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/pipeline"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/types"
)

// Plugin exposes the avatar asset pipeline as tool commands. Every
// command queues a pipeline job; results come back through job polling.
type Plugin struct {
	log  *logger.Logger
	orch *pipeline.Orchestrator
}

func New(orch *pipeline.Orchestrator, log *logger.Logger) *Plugin {
	return &Plugin{
		log:  log.With("plugin", "avatar_pipeline"),
		orch: orch,
	}
}

func (p *Plugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		ToolID:             "avatar_pipeline",
		Name:               "Roblox Avatar Pipeline",
		Version:            "1.0.0",
		Capabilities:       []plugins.CapabilityTag{plugins.CapMesh3DCreation},
		RequiresConnection: true,
		PricingTier:        "free",
	}
}

func (p *Plugin) SupportedCommands() []string {
	return []string{
		"download_roblox_avatar",
		"convert_roblox_avatar",
		"import_roblox_avatar",
		"download_and_import_roblox_avatar",
	}
}

func (p *Plugin) Initialize(ctx context.Context) error { return nil }
func (p *Plugin) Shutdown(ctx context.Context) error   { return nil }

// HealthCheck is unconditional: the pipeline's providers fail per-job with
// typed errors, which is more useful than refusing up front.
func (p *Plugin) HealthCheck(ctx context.Context) plugins.HealthState {
	return plugins.HealthAvailable
}

func (p *Plugin) Validate(commandType string, params map[string]any) []string {
	var errs []string
	switch commandType {
	case "download_roblox_avatar", "download_and_import_roblox_avatar":
		if s, _ := params["user_input"].(string); s == "" {
			errs = append(errs, "user_input (numeric id or username) is required")
		}
	case "convert_roblox_avatar":
		errs = appendUIDError(errs, params, "obj_uid", types.UIDKindObject)
	case "import_roblox_avatar":
		errs = appendUIDError(errs, params, "fbx_uid", types.UIDKindFBX)
	}
	return errs
}

func appendUIDError(errs []string, params map[string]any, key, wantKind string) []string {
	s, _ := params[key].(string)
	if s == "" {
		return append(errs, key+" is required")
	}
	if types.UIDKind(s) != wantKind {
		return append(errs, fmt.Sprintf("%s must be a %s_* uid, got %q", key, wantKind, s))
	}
	return errs
}

func (p *Plugin) Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	return params, nil
}

func (p *Plugin) Execute(ctx context.Context, commandType string, params map[string]any) plugins.CommandResult {
	sessionID, _ := params["session_id"].(string)
	var (
		job *types.Job
		err error
	)
	switch commandType {
	case "download_roblox_avatar":
		userInput, _ := params["user_input"].(string)
		job, err = p.orch.SubmitDownload(userInput, sessionID)
	case "convert_roblox_avatar":
		objUID, _ := params["obj_uid"].(string)
		job, err = p.orch.SubmitConvert(objUID, sessionID)
	case "import_roblox_avatar":
		fbxUID, _ := params["fbx_uid"].(string)
		job, err = p.orch.SubmitImport(fbxUID, sessionID)
	case "download_and_import_roblox_avatar":
		userInput, _ := params["user_input"].(string)
		job, err = p.orch.SubmitFullPipeline(userInput, sessionID)
	default:
		err = fmt.Errorf("unhandled command %q", commandType)
	}
	if err != nil {
		return plugins.Failed(err)
	}
	return plugins.Queued(job.JobID, map[string]any{
		"job_id":   job.JobID,
		"job_type": job.JobType,
	})
}
