package videotool

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/veo"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

const (
	pollInterval = 20 * time.Second
	pollCeiling  = 360 * time.Second

	minDurationSeconds = 1
	maxDurationSeconds = 60
	defaultDuration    = 8

	costPerSecondUSD = 0.40

	JobTypeGenerate = "video_generate"
)

// Plugin is the video generation worker. The provider API is
// asynchronous, so every generation runs as a queued job that polls the
// operation handle.
type Plugin struct {
	log   *logger.Logger
	reg   *registry.Registry
	alloc *uid.Allocator
	paths *paths.Resolver
	veo   veo.Client
	jobs  *jobs.Manager
}

type Deps struct {
	Registry  *registry.Registry
	Allocator *uid.Allocator
	Paths     *paths.Resolver
	Veo       veo.Client
	Jobs      *jobs.Manager
}

func New(deps Deps, log *logger.Logger) *Plugin {
	return &Plugin{
		log:   log.With("plugin", "video_generator"),
		reg:   deps.Registry,
		alloc: deps.Allocator,
		paths: deps.Paths,
		veo:   deps.Veo,
		jobs:  deps.Jobs,
	}
}

func (p *Plugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		ToolID:             "video_generator",
		Name:               "Video Generator",
		Version:            "1.0.0",
		Capabilities:       []plugins.CapabilityTag{plugins.CapVideoGeneration},
		RequiresConnection: false,
		PricingTier:        "metered",
	}
}

func (p *Plugin) SupportedCommands() []string {
	return []string{"generate_video"}
}

func (p *Plugin) Initialize(ctx context.Context) error { return nil }
func (p *Plugin) Shutdown(ctx context.Context) error   { return nil }

func (p *Plugin) HealthCheck(ctx context.Context) plugins.HealthState {
	if !p.veo.Available() {
		return plugins.HealthUnavailable
	}
	return plugins.HealthAvailable
}

func (p *Plugin) Validate(commandType string, params map[string]any) []string {
	var errs []string
	if v, ok := params["duration_seconds"]; ok {
		d, numeric := plugins.AsFloat(v)
		if !numeric || d != float64(int(d)) || int(d) < minDurationSeconds || int(d) > maxDurationSeconds {
			errs = append(errs, fmt.Sprintf("duration_seconds must be a whole number in [%d, %d], got %v",
				minDurationSeconds, maxDurationSeconds, v))
		}
	}
	if uidParam, ok := params["target_image_uid"].(string); ok && uidParam != "" {
		if !types.IsImageUID(uidParam) {
			errs = append(errs, fmt.Sprintf("target_image_uid %s must be an image uid", uidParam))
		}
	}
	if prompt, _ := params["prompt"].(string); prompt == "" {
		errs = append(errs, "prompt is required")
	}
	return errs
}

func (p *Plugin) Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["duration_seconds"]; !ok {
		out["duration_seconds"] = float64(defaultDuration)
	}
	return out, nil
}

func (p *Plugin) Execute(ctx context.Context, commandType string, params map[string]any) plugins.CommandResult {
	sessionID, _ := params["session_id"].(string)
	prompt, _ := params["prompt"].(string)
	duration := defaultDuration
	if d, ok := plugins.AsFloat(params["duration_seconds"]); ok {
		duration = int(d)
	}

	// The provider needs a source frame. Resolve it before queuing so a
	// frameless request fails fast with no uid allocated and no job.
	source, parentUID, err := p.resolveSourceImage(params, sessionID)
	if err != nil {
		return plugins.Failed(err)
	}

	job, err := p.jobs.Submit(JobTypeGenerate, parentUID, sessionID,
		map[string]any{"prompt": prompt, "duration_seconds": duration},
		func(jc *jobs.Context) (map[string]any, error) {
			return p.runGeneration(jc, prompt, source, parentUID, sessionID, duration)
		})
	if err != nil {
		return plugins.Failed(err)
	}
	return plugins.Queued(job.JobID, map[string]any{
		"job_id":           job.JobID,
		"parent_uid":       parentUID,
		"duration_seconds": duration,
		"cost_usd":         costPerSecondUSD * float64(duration),
	})
}

// resolveSourceImage applies the same resolution order as the image
// worker; exhausting it is the VIDEO_IMAGE_REQUIRED case.
func (p *Plugin) resolveSourceImage(params map[string]any, sessionID string) (data []byte, parentUID string, err error) {
	if uidParam, _ := params["target_image_uid"].(string); uidParam != "" {
		rec, err := p.reg.Get(uidParam)
		if err != nil {
			return nil, "", err
		}
		blob, err := p.readImageBlob(rec.Filename)
		if err != nil {
			return nil, "", err
		}
		return blob, rec.UID, nil
	}
	if b64, _ := params["main_image_data"].(string); b64 != "" {
		blob, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, "", apperr.UserInput(apperr.CodeValidationFailed, "main_image_data is not valid base64")
		}
		return blob, "", nil
	}
	if sessionID != "" {
		if rec, lerr := p.reg.LatestBySessionKind(sessionID, types.KindImage); lerr == nil {
			if blob, rerr := p.readImageBlob(rec.Filename); rerr == nil {
				return blob, rec.UID, nil
			}
		}
	}
	return nil, "", apperr.UserInput(apperr.CodeVideoImageRequired,
		"video generation needs a source image: provide target_image_uid, main_image_data, or generate an image first")
}

func (p *Plugin) readImageBlob(filename string) ([]byte, error) {
	for _, dir := range []string{p.paths.StyledDir(), p.paths.ScreenshotsDir()} {
		data, err := os.ReadFile(filepath.Join(dir, filename))
		if err == nil {
			return data, nil
		}
	}
	return nil, apperr.NotFound(apperr.CodeAssetNotFound, fmt.Sprintf("image file missing: %s", filename))
}

// runGeneration drives the asynchronous provider: start, poll on a fixed
// interval up to the ceiling, download, then uid-first persistence.
func (p *Plugin) runGeneration(jc *jobs.Context, prompt string, source []byte, parentUID, sessionID string, duration int) (map[string]any, error) {
	jc.SetPhase("starting", 5)
	opName, err := p.veo.StartGeneration(jc.Ctx(), veo.VideoRequest{
		Prompt:          prompt,
		SourceImage:     source,
		SourceMime:      "image/png",
		DurationSeconds: duration,
	})
	if err != nil {
		return nil, err
	}

	jc.SetPhase("generating", 10)
	videoURI, err := p.pollOperation(jc, opName)
	if err != nil {
		return nil, err
	}

	jc.SetPhase("downloading", 80)
	videoData, err := p.veo.DownloadVideo(jc.Ctx(), videoURI)
	if err != nil {
		return nil, err
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}

	jc.SetPhase("persisting", 90)
	newUID, err := p.alloc.Next(types.UIDKindVideo)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var filename string
	if parentUID != "" {
		filename = types.GeneratedVideoFilename(parentUID, now)
	} else {
		filename = types.VideoUIDFilename(newUID, now)
	}
	outPath := filepath.Join(p.paths.GeneratedVideosDir(), filename)
	if err := fsutil.WriteFileAtomic(outPath, videoData, 0o644); err != nil {
		if rbErr := p.alloc.Rollback(types.UIDKindVideo); rbErr != nil {
			p.log.Warn("UID rollback after failed write", "uid", newUID, "error", rbErr)
		}
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}

	cost := costPerSecondUSD * float64(duration)
	metadata := map[string]any{
		"prompt":           prompt,
		"duration_seconds": duration,
		"cost_usd":         cost,
	}
	if _, err := p.reg.Add(newUID, types.KindVideo, filename, sessionID, parentUID, metadata); err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}
	jc.Progress(100)

	return map[string]any{
		"uid":              newUID,
		"filename":         filename,
		"parent_uid":       parentUID,
		"duration_seconds": duration,
		"cost_usd":         cost,
	}, nil
}

func (p *Plugin) pollOperation(jc *jobs.Context, opName string) (string, error) {
	deadline := time.Now().Add(pollCeiling)
	for {
		if err := jc.Check(); err != nil {
			return "", err
		}
		status, err := p.veo.PollOperation(jc.Ctx(), opName)
		if err != nil {
			return "", err
		}
		if status.Done {
			if status.Error != "" {
				return "", apperr.External(apperr.CodeVideoGenFailed, status.Error)
			}
			if status.VideoURI == "" {
				return "", apperr.External(apperr.CodeVideoGenFailed, "operation finished without a video")
			}
			return status.VideoURI, nil
		}
		if time.Now().After(deadline) {
			return "", apperr.New(apperr.CategoryExternalAPI, apperr.CodeVideoGenTimeout,
				fmt.Sprintf("video generation did not finish within %s", pollCeiling))
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-jc.Ctx().Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}
