package pipeline

import (
	"fmt"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/editor"
	"github.com/megamelange/melange-backend/internal/clients/roblox"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

// Job type names the orchestrator registers with the manager.
const (
	JobTypeDownload     = "avatar_download"
	JobTypeConvert      = "avatar_convert"
	JobTypeImport       = "avatar_import"
	JobTypeFullPipeline = "download_and_import"
)

// TranscoderConfig describes the external OBJ-to-FBX renderer invocation.
type TranscoderConfig struct {
	Bin       string
	Args      []string
	Script    string
	BaseScene string
	Timeout   time.Duration
}

// Orchestrator owns the avatar asset pipeline: three sub-jobs (download,
// convert, import) plus the composed download_and_import flow. Each
// sub-job can be submitted independently by advanced callers.
type Orchestrator struct {
	log        *logger.Logger
	paths      *paths.Resolver
	reg        *registry.Registry
	alloc      *uid.Allocator
	roblox     roblox.Client
	editor     *editor.Client
	jobs       *jobs.Manager
	transcoder TranscoderConfig

	pollInterval time.Duration
	pollCeiling  time.Duration
}

type OrchestratorDeps struct {
	Paths      *paths.Resolver
	Registry   *registry.Registry
	Allocator  *uid.Allocator
	Roblox     roblox.Client
	Editor     *editor.Client
	Jobs       *jobs.Manager
	Transcoder TranscoderConfig
}

func NewOrchestrator(deps OrchestratorDeps, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		log:          log.With("service", "AssetPipeline"),
		paths:        deps.Paths,
		reg:          deps.Registry,
		alloc:        deps.Allocator,
		roblox:       deps.Roblox,
		editor:       deps.Editor,
		jobs:         deps.Jobs,
		transcoder:   deps.Transcoder,
		pollInterval: 5 * time.Second,
		pollCeiling:  5 * time.Minute,
	}
}

// SubmitDownload queues sub-job A for a user identifier (numeric id or
// handle).
func (o *Orchestrator) SubmitDownload(userInput, sessionID string) (*types.Job, error) {
	return o.jobs.Submit(JobTypeDownload, "", sessionID,
		map[string]any{"user": userInput},
		func(jc *jobs.Context) (map[string]any, error) {
			return o.runDownload(jc, userInput, sessionID)
		})
}

// SubmitConvert queues sub-job B for a downloaded OBJ record.
func (o *Orchestrator) SubmitConvert(objUID, sessionID string) (*types.Job, error) {
	return o.jobs.Submit(JobTypeConvert, objUID, sessionID,
		map[string]any{"obj_uid": objUID},
		func(jc *jobs.Context) (map[string]any, error) {
			return o.runConvert(jc, objUID, sessionID)
		})
}

// SubmitImport queues sub-job C for a converted FBX record.
func (o *Orchestrator) SubmitImport(fbxUID, sessionID string) (*types.Job, error) {
	return o.jobs.Submit(JobTypeImport, fbxUID, sessionID,
		map[string]any{"fbx_uid": fbxUID},
		func(jc *jobs.Context) (map[string]any, error) {
			return o.runImport(jc, fbxUID)
		})
}

// SubmitFullPipeline composes download, convert and import into one job.
// The download runs as its own managed job and is polled to completion;
// convert and import then run inline. Every boundary is a cancellation
// checkpoint.
func (o *Orchestrator) SubmitFullPipeline(userInput, sessionID string) (*types.Job, error) {
	return o.jobs.Submit(JobTypeFullPipeline, "", sessionID,
		map[string]any{"user": userInput},
		func(jc *jobs.Context) (map[string]any, error) {
			return o.runFullPipeline(jc, userInput, sessionID)
		})
}

func (o *Orchestrator) runFullPipeline(jc *jobs.Context, userInput, sessionID string) (map[string]any, error) {
	downloadJob, err := o.SubmitDownload(userInput, sessionID)
	if err != nil {
		return nil, err
	}
	final, err := o.pollDownload(jc, downloadJob.JobID)
	if err != nil {
		return nil, err
	}
	objUID, _ := final.Result["uid"].(string)
	if objUID == "" {
		return nil, apperr.Internal(apperr.CodeDownloadFailed,
			fmt.Errorf("download job %s finished without a uid", final.JobID))
	}
	jc.Progress(60)
	if err := jc.Check(); err != nil {
		_ = o.jobs.Cancel(downloadJob.JobID, "pipeline cancelled")
		return nil, err
	}

	jc.SetPhase(types.PhaseConverting, 60)
	convRes, err := o.runConvert(jc, objUID, sessionID)
	if err != nil {
		return nil, err
	}
	fbxUID, _ := convRes["fbx_uid"].(string)
	jc.Progress(85)
	if err := jc.Check(); err != nil {
		return nil, err
	}

	jc.SetPhase(types.PhaseImporting, 85)
	impRes, err := o.runImport(jc, fbxUID)
	if err != nil {
		return nil, err
	}
	jc.SetPhase(types.PhaseCompleted, 100)

	return map[string]any{
		"obj_uid":    objUID,
		"fbx_uid":    fbxUID,
		"asset_path": impRes["asset_path"],
	}, nil
}

// pollDownload tracks the nested download job, mirroring its progress into
// the 0-60 band of the composed job, bounded by the pipeline ceiling.
func (o *Orchestrator) pollDownload(jc *jobs.Context, downloadJobID string) (*types.Job, error) {
	deadline := time.Now().Add(o.pollCeiling)
	for {
		if err := jc.Check(); err != nil {
			_ = o.jobs.Cancel(downloadJobID, "pipeline cancelled")
			return nil, err
		}
		job, err := o.jobs.Get(downloadJobID)
		if err != nil {
			return nil, err
		}
		jc.SetPhase(job.Phase, (job.Progress*60)/100)
		if job.Status.Terminal() {
			switch job.Status {
			case types.JobCompleted:
				return job, nil
			case types.JobCancelled:
				return nil, apperr.Cancelled("download step cancelled")
			default:
				return nil, apperr.New(apperr.CategoryExternalAPI, job.ErrorCode, job.Error)
			}
		}
		if time.Now().After(deadline) {
			_ = o.jobs.Cancel(downloadJobID, "download exceeded pipeline ceiling")
			return nil, apperr.New(apperr.CategoryExternalAPI, apperr.CodeJobTimeout,
				fmt.Sprintf("download did not finish within %s", o.pollCeiling))
		}
		if err := sleepCtx(jc.Ctx(), o.pollInterval); err != nil {
			continue
		}
	}
}
