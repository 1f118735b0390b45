package imagetool

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/genai"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/refstore"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

const (
	// Request-size guard thresholds.
	maxRequestBytes  = 18 * 1024 * 1024
	maxRequestTokens = 900_000
	// References below this size are sentinel/test artifacts, not images.
	minReferenceBytes = 500

	JobTypeTransform = "image_transform"
)

// Plugin is the image transform worker: it resolves the source image,
// guards the request size, composes the style prompt and queues the
// provider call as a job.
type Plugin struct {
	log   *logger.Logger
	reg   *registry.Registry
	alloc *uid.Allocator
	paths *paths.Resolver
	refs  *refstore.Store
	genai genai.Client
	jobs  *jobs.Manager
}

type Deps struct {
	Registry  *registry.Registry
	Allocator *uid.Allocator
	Paths     *paths.Resolver
	RefStore  *refstore.Store
	GenAI     genai.Client
	Jobs      *jobs.Manager
}

func New(deps Deps, log *logger.Logger) *Plugin {
	return &Plugin{
		log:   log.With("plugin", "image_transformer"),
		reg:   deps.Registry,
		alloc: deps.Allocator,
		paths: deps.Paths,
		refs:  deps.RefStore,
		genai: deps.GenAI,
		jobs:  deps.Jobs,
	}
}

func (p *Plugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		ToolID:             "image_transformer",
		Name:               "Image Style Transformer",
		Version:            "1.0.0",
		Capabilities:       []plugins.CapabilityTag{plugins.CapImageEditing, plugins.CapRendering},
		RequiresConnection: false,
		PricingTier:        "metered",
	}
}

func (p *Plugin) SupportedCommands() []string {
	return []string{"transform_image"}
}

func (p *Plugin) Initialize(ctx context.Context) error { return nil }
func (p *Plugin) Shutdown(ctx context.Context) error   { return nil }

// HealthCheck gates on the provider key: no key, no plugin.
func (p *Plugin) HealthCheck(ctx context.Context) plugins.HealthState {
	if !p.genai.Available() {
		return plugins.HealthUnavailable
	}
	return plugins.HealthAvailable
}

func (p *Plugin) Validate(commandType string, params map[string]any) []string {
	var errs []string
	if uidParam, ok := params["target_image_uid"].(string); ok && uidParam != "" {
		if types.IsVideoUID(uidParam) {
			errs = append(errs, fmt.Sprintf("target_image_uid %s is a video uid, an image uid is required", uidParam))
		} else if _, _, err := types.ParseUID(uidParam); err != nil {
			errs = append(errs, err.Error())
		}
	}
	hasPrompt := false
	if s, ok := params["main_prompt"].(string); ok && s != "" {
		hasPrompt = true
	}
	if refs, ok := params["reference_prompts"].([]any); ok && len(refs) > 0 {
		hasPrompt = true
	}
	if !hasPrompt {
		errs = append(errs, "a main_prompt or reference_prompts are required")
	}
	return errs
}

// Preprocess composes the final style prompt so Execute and the queued
// worker see a single normalized instruction.
func (p *Plugin) Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	mainPrompt, _ := params["main_prompt"].(string)
	var refPrompts []string
	if raw, ok := params["reference_prompts"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				refPrompts = append(refPrompts, s)
			}
		}
	}
	styled, err := plugins.ComposeStylePrompt(ctx, mainPrompt, refPrompts, p.genai)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["style_prompt"] = styled
	return out, nil
}

func (p *Plugin) Execute(ctx context.Context, commandType string, params map[string]any) plugins.CommandResult {
	sessionID, _ := params["session_id"].(string)
	styled, _ := params["style_prompt"].(string)

	src, err := p.resolveSource(params, sessionID)
	if err != nil {
		return plugins.Failed(err)
	}
	references := p.loadReferences(params)
	if err := p.guardRequestSize(styled, src.data, references); err != nil {
		return plugins.Failed(err)
	}

	width, height := imageDims(src.data)
	if width > 0 {
		styled = fmt.Sprintf("%s. Keep the output %dx%d to preserve the source aspect ratio.",
			styled, width, height)
	}

	job, err := p.jobs.Submit(JobTypeTransform, src.parentUID, sessionID,
		map[string]any{"prompt": styled, "source_uid": src.parentUID},
		func(jc *jobs.Context) (map[string]any, error) {
			return p.runTransform(jc, src, references, styled, sessionID, width, height)
		})
	if err != nil {
		return plugins.Failed(err)
	}
	return plugins.Queued(job.JobID, map[string]any{
		"job_id":     job.JobID,
		"source_uid": src.parentUID,
	})
}

type sourceImage struct {
	data      []byte
	mime      string
	parentUID string // empty for user uploads
}

// resolveSource walks the input-resolution order: explicit uid, inline
// bytes, then the session's newest image.
func (p *Plugin) resolveSource(params map[string]any, sessionID string) (*sourceImage, error) {
	if uidParam, _ := params["target_image_uid"].(string); uidParam != "" {
		rec, err := p.reg.Get(uidParam)
		if err != nil {
			return nil, err
		}
		if rec.Kind != types.KindImage {
			return nil, apperr.UserInput(apperr.CodeValidationFailed,
				fmt.Sprintf("%s is a %s resource, an image is required", uidParam, rec.Kind))
		}
		data, err := p.readImageBlob(rec.Filename)
		if err != nil {
			return nil, err
		}
		return &sourceImage{data: data, mime: "image/png", parentUID: rec.UID}, nil
	}
	if b64, _ := params["main_image_data"].(string); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, apperr.UserInput(apperr.CodeValidationFailed, "main_image_data is not valid base64")
		}
		return &sourceImage{data: data, mime: "image/png"}, nil
	}
	if sessionID != "" {
		rec, err := p.reg.LatestBySessionKind(sessionID, types.KindImage)
		if err == nil {
			data, readErr := p.readImageBlob(rec.Filename)
			if readErr == nil {
				return &sourceImage{data: data, mime: "image/png", parentUID: rec.UID}, nil
			}
		}
	}
	return nil, apperr.NotFound(apperr.CodeAssetNotFound,
		"no source image: provide target_image_uid or main_image_data")
}

// readImageBlob looks in the styled-output directory first, then the
// editor screenshot directory.
func (p *Plugin) readImageBlob(filename string) ([]byte, error) {
	for _, dir := range []string{p.paths.StyledDir(), p.paths.ScreenshotsDir()} {
		data, err := os.ReadFile(filepath.Join(dir, filename))
		if err == nil {
			return data, nil
		}
	}
	return nil, apperr.NotFound(apperr.CodeAssetNotFound, fmt.Sprintf("image file missing: %s", filename))
}

// loadReferences resolves reference images (refer uids or inline base64)
// and silently drops anything under the sentinel threshold.
func (p *Plugin) loadReferences(params map[string]any) [][]byte {
	raw, ok := params["reference_images"].([]any)
	if !ok {
		return nil
	}
	var out [][]byte
	for _, r := range raw {
		s, ok := r.(string)
		if !ok || s == "" {
			continue
		}
		var data []byte
		if types.UIDKind(s) == types.UIDKindReference {
			blob, _, err := p.refs.Load(s)
			if err != nil {
				p.log.Warn("Reference image unavailable", "refer_uid", s, "error", err)
				continue
			}
			data = blob
		} else if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
			data = decoded
		} else {
			continue
		}
		if len(data) < minReferenceBytes {
			p.log.Debug("Dropping undersized reference image", "bytes", len(data))
			continue
		}
		out = append(out, data)
	}
	return out
}

// guardRequestSize rejects oversized provider calls before any uid is
// allocated or network traffic spent.
func (p *Plugin) guardRequestSize(prompt string, main []byte, references [][]byte) error {
	total := len(main)
	for _, r := range references {
		total += len(r)
	}
	if total > maxRequestBytes {
		return apperr.UserInput(apperr.CodeImageSizeExceeded,
			fmt.Sprintf("request payload %d bytes exceeds the %d byte limit", total, maxRequestBytes))
	}
	tokens := PromptTokens(prompt)
	if w, h := imageDims(main); w > 0 {
		tokens += ImageTokens(w, h, 1.0)
	}
	for _, r := range references {
		if w, h := imageDims(r); w > 0 {
			tokens += ImageTokens(w, h, 1.0)
		}
	}
	if tokens > maxRequestTokens {
		return apperr.UserInput(apperr.CodeImageSizeExceeded,
			fmt.Sprintf("estimated %d tokens exceeds the %d token limit", tokens, maxRequestTokens))
	}
	return nil
}

// runTransform is the queued worker: call the provider, then uid-first
// persistence (allocate, write blob, register with parent).
func (p *Plugin) runTransform(jc *jobs.Context, src *sourceImage, references [][]byte, styled, sessionID string, width, height int) (map[string]any, error) {
	jc.SetPhase("transforming", 10)
	output, err := p.genai.TransformImage(jc.Ctx(), genai.ImageRequest{
		Instruction: styled,
		MainImage:   src.data,
		MainMime:    src.mime,
		References:  references,
	})
	if err != nil {
		return nil, err
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}
	jc.SetPhase("persisting", 80)

	newUID, err := p.alloc.Next(types.UIDKindImage)
	if err != nil {
		return nil, err
	}
	filename := types.StyledImageFilename(newUID, time.Now().UTC())
	outPath := filepath.Join(p.paths.StyledDir(), filename)
	if err := fsutil.WriteFileAtomic(outPath, output, 0o644); err != nil {
		if rbErr := p.alloc.Rollback(types.UIDKindImage); rbErr != nil {
			p.log.Warn("UID rollback after failed write", "uid", newUID, "error", rbErr)
		}
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}

	outW, outH := imageDims(output)
	tokens := PromptTokens(styled) + ImageTokens(width, height, 1.0)
	metadata := map[string]any{
		"style_prompt": styled,
		"width":        outW,
		"height":       outH,
		"image_tokens": tokens,
	}
	if _, err := p.reg.Add(newUID, types.KindImage, filename, sessionID, src.parentUID, metadata); err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}
	jc.Progress(100)

	return map[string]any{
		"uid":          newUID,
		"filename":     filename,
		"parent_uid":   src.parentUID,
		"width":        outW,
		"height":       outH,
		"image_tokens": tokens,
	}, nil
}

func imageDims(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
