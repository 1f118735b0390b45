package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/roblox"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/types"
)

const (
	manifestPollAttempts = 10
	manifestPollInterval = 2 * time.Second
)

// runDownload is sub-job A: resolve the user, poll the 3D manifest, pull
// the model and textures off the CDN, analyze and register the result.
// Progress bands: resolve 0-10, metadata 10-25, model 25-70, textures
// 70-85, processing 85-100.
func (o *Orchestrator) runDownload(jc *jobs.Context, userInput, sessionID string) (map[string]any, error) {
	jc.SetPhase(types.PhaseResolvingUser, 0)
	user, err := o.roblox.ResolveUser(jc.Ctx(), userInput)
	if err != nil {
		return nil, err
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}
	jc.Progress(10)

	objUID, reused, err := o.claimObjUID(sessionID, user.Username, user.UserID)
	if err != nil {
		return nil, err
	}
	dir := o.paths.Object3DDir(objUID)

	cleanup := func() {
		_ = os.RemoveAll(dir)
		if !reused {
			if rbErr := o.alloc.Rollback(types.UIDKindObject); rbErr != nil {
				o.log.Warn("UID rollback after failed download", "uid", objUID, "error", rbErr)
			}
		}
	}

	result, err := o.downloadInto(jc, dir, objUID, sessionID, user)
	if err != nil {
		cleanup()
		return nil, err
	}
	return result, nil
}

// claimObjUID handles duplicate detection: prior downloads of the same
// avatar in this session are deleted, and a single prior uid is reused so
// downstream references keep resolving. Otherwise a fresh uid is dealt.
func (o *Orchestrator) claimObjUID(sessionID, username string, userID int64) (uid string, reused bool, err error) {
	var priors []string
	for _, rec := range o.reg.FindBySource(sessionID, username, userID) {
		if rec.Kind != types.KindObject3D || types.UIDKind(rec.UID) != types.UIDKindObject {
			continue
		}
		priors = append(priors, rec.UID)
	}
	for _, prior := range priors {
		_ = os.RemoveAll(o.paths.Object3DDir(prior))
		if delErr := o.reg.Delete(prior); delErr != nil {
			o.log.Warn("Failed to delete prior avatar record", "uid", prior, "error", delErr)
		}
	}
	if len(priors) == 1 {
		o.log.Info("Reusing uid from prior avatar download", "uid", priors[0], "username", username)
		return priors[0], true, nil
	}
	uid, err = o.alloc.Next(types.UIDKindObject)
	if err != nil {
		return "", false, err
	}
	return uid, false, nil
}

func (o *Orchestrator) downloadInto(jc *jobs.Context, dir, objUID, sessionID string, user *roblox.UserInfo) (map[string]any, error) {
	jc.SetPhase(types.PhaseFetchingMetadata, 10)
	manifest, err := o.pollManifest(jc, user.UserID)
	if err != nil {
		return nil, err
	}
	jc.Progress(25)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}

	jc.SetPhase(types.PhaseDownloadingModel, 25)
	objData, err := o.fetchCDN(jc.Ctx(), manifest.ObjHash)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeDownloadFailed,
			fmt.Errorf("model download for %s: %w", objUID, err))
	}
	objPath := filepath.Join(dir, "avatar.obj")
	if err := fsutil.WriteFileAtomic(objPath, objData, 0o644); err != nil {
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}
	jc.Progress(55)

	files := []string{"avatar.obj"}
	if manifest.MtlHash != "" {
		// A missing MTL degrades the import but does not sink the job.
		if mtlData, mtlErr := o.fetchCDN(jc.Ctx(), manifest.MtlHash); mtlErr != nil {
			o.log.Warn("MTL download failed", "uid", objUID, "error", mtlErr)
		} else if werr := fsutil.WriteFileAtomic(filepath.Join(dir, "avatar.mtl"), mtlData, 0o644); werr == nil {
			files = append(files, "avatar.mtl")
		}
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}
	jc.Progress(70)

	jc.SetPhase(types.PhaseDownloadingTextures, 70)
	var textureFailures []string
	texDir := filepath.Join(dir, "textures")
	if len(manifest.TextureHashes) > 0 {
		if err := os.MkdirAll(texDir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
		}
	}
	for i, hash := range manifest.TextureHashes {
		if err := jc.Check(); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("texture_%02d.png", i)
		data, texErr := o.fetchCDN(jc.Ctx(), hash)
		if texErr != nil {
			o.log.Warn("Texture download failed", "uid", objUID, "hash", hash, "error", texErr)
			textureFailures = append(textureFailures, hash)
		} else if werr := fsutil.WriteFileAtomic(filepath.Join(texDir, name), data, 0o644); werr != nil {
			textureFailures = append(textureFailures, hash)
		} else {
			files = append(files, filepath.Join("textures", name))
		}
		jc.Progress(70 + (15*(i+1))/len(manifest.TextureHashes))
	}
	jc.Progress(85)

	jc.SetPhase(types.PhaseProcessingFiles, 85)
	stats := AnalyzeOBJ(objData)
	now := time.Now().UTC()
	metadata := map[string]any{
		"source": map[string]any{
			"platform": "roblox",
			"username": user.Username,
			"user_id":  user.UserID,
		},
		"avatar_type":      stats.AvatarType,
		"stats":            stats,
		"files":            files,
		"texture_failures": textureFailures,
		"downloaded_at":    now.Format(time.RFC3339),
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "metadata.json"), metadata); err != nil {
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	if err := o.writeReadme(dir, objUID, user, stats, files); err != nil {
		o.log.Warn("README generation failed", "uid", objUID, "error", err)
	}
	if cardErr := WriteAvatarCard(filepath.Join(dir, "preview.png"), user.Username, user.UserID, objUID, stats); cardErr != nil {
		o.log.Debug("Preview card render failed", "uid", objUID, "error", cardErr)
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}

	if _, err := o.reg.Add(objUID, types.KindObject3D, "avatar.obj", sessionID, "", metadata); err != nil {
		return nil, err
	}
	jc.Progress(100)

	return map[string]any{
		"uid":              objUID,
		"username":         user.Username,
		"user_id":          user.UserID,
		"avatar_type":      stats.AvatarType,
		"files":            files,
		"texture_failures": textureFailures,
	}, nil
}

// pollManifest retries the avatar-3d endpoint until the platform reports
// Completed, backing off on throttle signals. Bounded attempts; a terminal
// Error state or exhaustion fails with avatar_3d_unavailable.
func (o *Orchestrator) pollManifest(jc *jobs.Context, userID int64) (*roblox.Manifest3D, error) {
	lastState := ""
	for attempt := 0; attempt < manifestPollAttempts; attempt++ {
		if err := jc.Check(); err != nil {
			return nil, err
		}
		manifest, err := o.roblox.Fetch3DManifest(jc.Ctx(), userID)
		if err != nil {
			var rl *roblox.RateLimitedError
			if errors.As(err, &rl) {
				o.log.Info("Avatar manifest poll throttled", "user_id", userID, "retry_after", rl.RetryAfter)
				if werr := sleepCtx(jc.Ctx(), rl.RetryAfter); werr != nil {
					return nil, jc.Check()
				}
				continue
			}
			return nil, err
		}
		switch manifest.State {
		case "Completed":
			return manifest, nil
		case "Error":
			return nil, apperr.External(apperr.CodeAvatar3DUnavailable,
				fmt.Sprintf("avatar 3d processing failed for user %d", userID))
		default:
			lastState = manifest.State
			if werr := sleepCtx(jc.Ctx(), manifestPollInterval); werr != nil {
				return nil, jc.Check()
			}
		}
	}
	return nil, apperr.External(apperr.CodeAvatar3DUnavailable,
		fmt.Sprintf("avatar 3d still %q for user %d after %d attempts", lastState, userID, manifestPollAttempts))
}

// fetchCDN walks a hash's candidate mirrors in order, falling through on
// any non-200 response or transport error.
func (o *Orchestrator) fetchCDN(ctx context.Context, hash string) ([]byte, error) {
	var lastErr error
	lastStatus := 0
	for _, url := range CandidateURLs(hash) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, status, err := o.roblox.FetchCDNFile(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if status == 200 {
			return data, nil
		}
		lastStatus = status
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all cdn mirrors failed for %s (last http %d)", hash, lastStatus)
}

func (o *Orchestrator) writeReadme(dir, uid string, user *roblox.UserInfo, stats *ObjStats, files []string) error {
	content := fmt.Sprintf(`# %s

Avatar download for %s (id %d).

- avatar type: %s
- vertices: %d
- groups: %d
- materials: %d

Files:
`, uid, user.Username, user.UserID, stats.AvatarType, stats.VertexCount, stats.GroupCount, stats.MaterialCount)
	for _, f := range files {
		content += "- " + f + "\n"
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, "README.md"), []byte(content), 0o644)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
