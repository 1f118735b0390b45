package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/types"
)

type importSidecar struct {
	Username     string `json:"username"`
	UserID       int64  `json:"user_id"`
	SourceObjUID string `json:"source_obj_uid"`
	Filename     string `json:"filename"`
}

// runImport is sub-job C: hand the converted avatar to the editor. The
// import step always dials a dedicated connection; the shared one may have
// aged out during the polling phases, and import must not contend with it.
func (o *Orchestrator) runImport(jc *jobs.Context, fbxUID string) (map[string]any, error) {
	rec, err := o.reg.Get(fbxUID)
	if err != nil {
		return nil, err
	}
	dir := o.paths.Object3DDir(fbxUID)

	var sidecar importSidecar
	if err := fsutil.ReadJSON(filepath.Join(dir, "metadata.json"), &sidecar); err != nil {
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError,
			fmt.Errorf("sidecar for %s: %w", fbxUID, err))
	}
	if sidecar.Username == "" || sidecar.UserID == 0 {
		return nil, apperr.UserInput(apperr.CodeValidationFailed,
			fmt.Sprintf("sidecar for %s has no usable source identity", fbxUID))
	}

	meshPath, meshFormat, err := pickMesh(dir, rec.Filename)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"mesh_path":    meshPath,
		"mesh_format":  meshFormat,
		"username":     sidecar.Username,
		"user_id":      sidecar.UserID,
		"content_path": fmt.Sprintf("/UnrealMCP/Assets/Roblox/%s_%d/", sidecar.Username, sidecar.UserID),
	}
	sourceUID := sidecar.SourceObjUID
	if sourceUID == "" {
		sourceUID = rec.ParentUID
	}
	if sourceUID != "" {
		srcDir := o.paths.Object3DDir(sourceUID)
		if mtl := filepath.Join(srcDir, "avatar.mtl"); fileExists(mtl) {
			params["mtl_path"] = mtl
		}
		if tex := filepath.Join(srcDir, "textures"); dirExists(tex) {
			params["textures_dir"] = tex
		}
	}
	if err := jc.Check(); err != nil {
		return nil, err
	}

	jc.SetPhase(types.PhaseImporting, 0)
	conn, err := o.editor.Dial(jc.Ctx())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	result, err := conn.Execute(jc.Ctx(), "import_avatar_asset", params)
	if err != nil {
		return nil, err
	}
	jc.Progress(100)

	assetPath, _ := result["asset_path"].(string)
	return map[string]any{
		"fbx_uid":    fbxUID,
		"asset_path": assetPath,
	}, nil
}

// pickMesh prefers an FBX over an OBJ when both live in the blob
// directory.
func pickMesh(dir, recordedName string) (path, format string, err error) {
	for _, cand := range []string{recordedName, "avatar.fbx"} {
		if strings.HasSuffix(strings.ToLower(cand), ".fbx") && fileExists(filepath.Join(dir, cand)) {
			return filepath.Join(dir, cand), "fbx", nil
		}
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name()), ".fbx") {
			return filepath.Join(dir, e.Name()), "fbx", nil
		}
	}
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name()), ".obj") {
			return filepath.Join(dir, e.Name()), "obj", nil
		}
	}
	return "", "", apperr.NotFound(apperr.CodeAssetNotFound,
		fmt.Sprintf("no importable mesh under %s", dir))
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
