package plugins

import (
	"context"

	"github.com/megamelange/melange-backend/internal/apperr"
)

// CapabilityTag is the closed capability vocabulary tools declare.
type CapabilityTag string

const (
	CapMesh3DCreation  CapabilityTag = "mesh_3d_creation"
	CapSceneManagement CapabilityTag = "scene_management"
	CapRendering       CapabilityTag = "rendering"
	CapVideoGeneration CapabilityTag = "video_generation"
	CapImageEditing    CapabilityTag = "image_editing"
	CapLightingControl CapabilityTag = "lighting_control"
	CapGeospatial      CapabilityTag = "geospatial"
)

type HealthState string

const (
	HealthAvailable   HealthState = "available"
	HealthUnavailable HealthState = "unavailable"
	HealthError       HealthState = "error"
)

type Metadata struct {
	ToolID             string          `json:"tool_id"`
	Name               string          `json:"name"`
	Version            string          `json:"version"`
	Capabilities       []CapabilityTag `json:"capabilities"`
	RequiresConnection bool            `json:"requires_connection"`
	PricingTier        string          `json:"pricing_tier"`
}

// ResultMode distinguishes commands that finish inline from commands that
// queue a job and hand back a handle.
type ResultMode string

const (
	ResultImmediate ResultMode = "immediate"
	ResultQueued    ResultMode = "queued"
)

// CommandResult is the uniform shape every execution path produces. Err is
// set exactly when Success is false.
type CommandResult struct {
	Success bool           `json:"success"`
	Mode    ResultMode     `json:"mode"`
	Result  map[string]any `json:"result,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Err     *apperr.Error  `json:"-"`
}

func OK(result map[string]any) CommandResult {
	return CommandResult{Success: true, Mode: ResultImmediate, Result: result}
}

func Queued(jobID string, result map[string]any) CommandResult {
	return CommandResult{Success: true, Mode: ResultQueued, JobID: jobID, Result: result}
}

func Failed(err error) CommandResult {
	return CommandResult{Success: false, Mode: ResultImmediate, Err: apperr.As(err)}
}

// Plugin is a tool: a set of command types plus lifecycle, validation and
// execution. Preprocess may rewrite params (defaults, vocabulary mapping)
// before Execute sees them.
type Plugin interface {
	Metadata() Metadata
	SupportedCommands() []string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthState
	Validate(commandType string, params map[string]any) []string
	Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error)
	Execute(ctx context.Context, commandType string, params map[string]any) CommandResult
}
