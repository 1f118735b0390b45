package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/types"
)

// transcoderSummary is the single JSON object the headless renderer prints
// on its last output line.
type transcoderSummary struct {
	Success bool   `json:"success"`
	FbxPath string `json:"fbx_path"`
	Error   string `json:"error,omitempty"`
}

// runConvert is sub-job B: invoke the external OBJ-to-FBX transcoder for a
// registered R6 avatar. R15 and Unknown avatars are rejected up front; any
// failure rolls the fresh fbx uid back and leaves no files behind.
func (o *Orchestrator) runConvert(jc *jobs.Context, objUID, sessionID string) (map[string]any, error) {
	rec, err := o.reg.Get(objUID)
	if err != nil {
		return nil, err
	}
	avatarType, _ := rec.Metadata["avatar_type"].(string)
	if avatarType != "R6" {
		if avatarType == "" {
			avatarType = "Unknown"
		}
		return nil, apperr.External(apperr.CodeAvatarProcessingFailed,
			fmt.Sprintf("conversion requires an R6 avatar, %s is %s", objUID, avatarType))
	}

	jc.SetPhase(types.PhaseConverting, 0)
	fbxUID, err := o.alloc.Next(types.UIDKindFBX)
	if err != nil {
		return nil, err
	}
	outDir := o.paths.Object3DDir(fbxUID)

	fail := func(cause error) (map[string]any, error) {
		_ = os.RemoveAll(outDir)
		if rbErr := o.alloc.Rollback(types.UIDKindFBX); rbErr != nil {
			o.log.Warn("UID rollback after failed conversion", "uid", fbxUID, "error", rbErr)
		}
		if apperr.IsCode(cause, apperr.CodeJobCancelled) {
			return nil, cause
		}
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeAvatarProcessingFailed, cause)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fail(err)
	}
	objPath := filepath.Join(o.paths.Object3DDir(objUID), rec.Filename)
	if _, err := os.Stat(objPath); err != nil {
		return fail(fmt.Errorf("source model missing: %w", err))
	}
	if err := jc.Check(); err != nil {
		return fail(err)
	}

	jc.Progress(10)
	summary, err := o.runTranscoder(jc.Ctx(), objPath, outDir)
	if err != nil {
		return fail(err)
	}
	if !summary.Success || summary.FbxPath == "" {
		reason := summary.Error
		if reason == "" {
			reason = "transcoder reported failure"
		}
		return fail(fmt.Errorf("%s", reason))
	}
	if _, err := os.Stat(summary.FbxPath); err != nil {
		return fail(fmt.Errorf("transcoder output missing: %w", err))
	}
	if err := jc.Check(); err != nil {
		return fail(err)
	}
	jc.Progress(80)

	src, _ := rec.Metadata["source"].(map[string]any)
	username, _ := src["username"].(string)
	userID := sourceID(src)
	fbxName := filepath.Base(summary.FbxPath)
	sidecar := map[string]any{
		"username":       username,
		"user_id":        userID,
		"source_obj_uid": objUID,
		"filename":       fbxName,
		"converted_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(outDir, "metadata.json"), sidecar); err != nil {
		return fail(err)
	}
	if _, err := o.reg.Add(fbxUID, types.KindObject3D, fbxName, sessionID, objUID, sidecar); err != nil {
		return fail(err)
	}
	jc.Progress(100)

	return map[string]any{
		"fbx_uid":  fbxUID,
		"obj_uid":  objUID,
		"fbx_path": filepath.Join(outDir, fbxName),
	}, nil
}

// runTranscoder shells out to the headless renderer with the bundled base
// scene, bounded by a hard timeout, and parses the JSON summary from the
// last line of its output.
func (o *Orchestrator) runTranscoder(ctx context.Context, objPath, outDir string) (*transcoderSummary, error) {
	timeout := o.transcoder.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, o.transcoder.Args...)
	if o.transcoder.BaseScene != "" {
		args = append(args, o.transcoder.BaseScene)
	}
	if o.transcoder.Script != "" {
		args = append(args, "--background", "--python", o.transcoder.Script, "--")
	}
	args = append(args, objPath, outDir)

	cmd := exec.CommandContext(runCtx, o.transcoder.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, apperr.New(apperr.CategoryExternalAPI, apperr.CodeCommandTimeout,
			fmt.Sprintf("transcoder exceeded %s", timeout))
	}
	if runErr != nil {
		return nil, fmt.Errorf("transcoder exited: %w (stderr: %s)", runErr, truncateStr(stderr.String(), 300))
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	var summary transcoderSummary
	if err := json.Unmarshal([]byte(last), &summary); err != nil {
		return nil, fmt.Errorf("transcoder summary unparseable: %w (line: %s)", err, truncateStr(last, 200))
	}
	return &summary, nil
}

func sourceID(src map[string]any) int64 {
	switch v := src["user_id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
