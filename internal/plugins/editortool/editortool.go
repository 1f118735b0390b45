package editortool

import (
	"context"

	"github.com/megamelange/melange-backend/internal/clients/editor"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/plugins"
)

const defaultKelvin = 6500.0

// Plugin bridges scene commands to the editor's TCP command socket. The
// command types pass through unchanged; validation and preprocessing
// happen here so the editor only ever sees normalized parameters.
type Plugin struct {
	log    *logger.Logger
	editor *editor.Client
}

func New(client *editor.Client, log *logger.Logger) *Plugin {
	return &Plugin{
		log:    log.With("plugin", "editor_bridge"),
		editor: client,
	}
}

func (p *Plugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		ToolID:  "editor_bridge",
		Name:    "Editor Scene Bridge",
		Version: "1.0.0",
		Capabilities: []plugins.CapabilityTag{
			plugins.CapSceneManagement,
			plugins.CapLightingControl,
			plugins.CapRendering,
			plugins.CapGeospatial,
		},
		RequiresConnection: true,
		PricingTier:        "free",
	}
}

func (p *Plugin) SupportedCommands() []string {
	return []string{
		"spawn_actor",
		"delete_actor",
		"set_actor_transform",
		"create_light",
		"set_color_temperature",
		"set_time_of_day",
		"set_geo_location",
		"take_high_res_screenshot",
	}
}

func (p *Plugin) Initialize(ctx context.Context) error { return nil }

func (p *Plugin) Shutdown(ctx context.Context) error {
	p.editor.Close()
	return nil
}

func (p *Plugin) HealthCheck(ctx context.Context) plugins.HealthState {
	if err := p.editor.HealthCheck(ctx); err != nil {
		return plugins.HealthUnavailable
	}
	return plugins.HealthAvailable
}

func (p *Plugin) Validate(commandType string, params map[string]any) []string {
	var errs []string
	push := func(msg string) {
		if msg != "" {
			errs = append(errs, msg)
		}
	}
	switch commandType {
	case "spawn_actor":
		if name, _ := params["actor_class"].(string); name == "" {
			push("actor_class is required")
		}
	case "delete_actor", "set_actor_transform":
		if name, _ := params["actor_name"].(string); name == "" {
			push("actor_name is required")
		}
	case "create_light":
		if v, ok := params["intensity"]; ok {
			push(plugins.CheckIntensity(v))
		}
		if v, ok := params["color"]; ok {
			push(plugins.CheckRGB(v))
		}
	case "set_color_temperature":
		v, ok := params["color_temperature"]
		if !ok {
			push("color_temperature is required")
			break
		}
		push(plugins.CheckKelvin(v))
	case "set_time_of_day":
		v, ok := params["time_of_day"]
		if !ok {
			push("time_of_day is required")
			break
		}
		push(plugins.CheckTimeOfDay(v))
	case "set_geo_location":
		push(plugins.CheckLatitude(params["latitude"]))
		push(plugins.CheckLongitude(params["longitude"]))
	case "take_high_res_screenshot":
		if v, ok := params["resolution_multiplier"]; ok {
			push(plugins.CheckResolutionMultiplier(v))
		}
	}
	return errs
}

func (p *Plugin) Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	switch commandType {
	case "set_color_temperature":
		kelvin, err := plugins.ResolveColorTemperature(params["color_temperature"], func() float64 {
			return p.currentColorTemperature(ctx)
		})
		if err != nil {
			return nil, err
		}
		out := cloneParams(params)
		out["color_temperature"] = plugins.ClampKelvin(kelvin)
		return out, nil
	case "create_light":
		return plugins.ApplyLightDefaults(params), nil
	}
	return params, nil
}

// currentColorTemperature reads the live value so relative descriptions
// (warmer/cooler) have a base. An unreachable editor falls back to the
// neutral default rather than failing the command.
func (p *Plugin) currentColorTemperature(ctx context.Context) float64 {
	result, err := p.editor.Execute(ctx, "get_color_temperature", nil)
	if err != nil {
		p.log.Debug("Current color temperature unavailable, using default", "error", err)
		return defaultKelvin
	}
	if k, ok := plugins.AsFloat(result["color_temperature"]); ok {
		return k
	}
	return defaultKelvin
}

func (p *Plugin) Execute(ctx context.Context, commandType string, params map[string]any) plugins.CommandResult {
	result, err := p.editor.Execute(ctx, commandType, params)
	if err != nil {
		return plugins.Failed(err)
	}
	return plugins.OK(result)
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
