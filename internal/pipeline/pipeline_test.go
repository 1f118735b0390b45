package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/roblox"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

type fakeRoblox struct {
	user         roblox.UserInfo
	pendingPolls int
	manifest     roblox.Manifest3D
	files        map[string][]byte
	failMirrors  int
	misses       map[string]int
}

func (f *fakeRoblox) ResolveUser(ctx context.Context, userInput string) (*roblox.UserInfo, error) {
	if userInput == "nobody" {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, "roblox user \"nobody\" not found")
	}
	u := f.user
	return &u, nil
}

func (f *fakeRoblox) Fetch3DManifest(ctx context.Context, userID int64) (*roblox.Manifest3D, error) {
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return &roblox.Manifest3D{State: "Pending"}, nil
	}
	m := f.manifest
	return &m, nil
}

func (f *fakeRoblox) FetchCDNFile(ctx context.Context, url string) ([]byte, int, error) {
	hash := url[strings.LastIndex(url, "/")+1:]
	if f.misses == nil {
		f.misses = map[string]int{}
	}
	if f.misses[hash] < f.failMirrors {
		f.misses[hash]++
		return nil, 403, nil
	}
	data, ok := f.files[hash]
	if !ok {
		return nil, 404, nil
	}
	return data, 200, nil
}

type fixture struct {
	orch *Orchestrator
	reg  *registry.Registry
	res  *paths.Resolver
	rb   *fakeRoblox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	res, err := paths.NewResolver(paths.Config{ProjectRoot: t.TempDir(), AutoCreate: true}, log)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	alloc, err := uid.NewAllocator(res.UIDStateFile(),
		[]string{types.UIDKindImage, types.UIDKindVideo, types.UIDKindObject, types.UIDKindFBX}, log)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	reg, err := registry.New(res.RegistryFile(), log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mgr := jobs.NewManager(context.Background(), nil, nil, log)
	rb := &fakeRoblox{
		user: roblox.UserInfo{UserID: 606, Username: "builderman"},
		manifest: roblox.Manifest3D{
			State:         "Completed",
			ObjHash:       "objhash00000000000000000000000000",
			MtlHash:       "mtlhash00000000000000000000000000",
			TextureHashes: []string{"tex1hash0000000000000000000000000"},
		},
		files: map[string][]byte{
			"objhash00000000000000000000000000": buildOBJ([]string{
				"Player1", "Player2", "Player3", "Player4", "Player5", "Player6"}),
			"mtlhash00000000000000000000000000":  []byte("newmtl mat0\n"),
			"tex1hash0000000000000000000000000":  []byte("pngbytes"),
		},
	}
	orch := NewOrchestrator(OrchestratorDeps{
		Paths:     res,
		Registry:  reg,
		Allocator: alloc,
		Roblox:    rb,
		Editor:    nil,
		Jobs:      mgr,
	}, log)
	orch.pollInterval = 10 * time.Millisecond
	return &fixture{orch: orch, reg: reg, res: res, rb: rb}
}

func waitJob(t *testing.T, f *fixture, jobID string) *types.Job {
	t.Helper()
	job, err := f.orch.jobs.Wait(jobID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait %s: %v", jobID, err)
	}
	return job
}

func TestDownloadHappyPath(t *testing.T) {
	f := newFixture(t)
	f.rb.pendingPolls = 2
	f.rb.failMirrors = 2 // first two mirrors 403, third serves

	job, err := f.orch.SubmitDownload("builderman", "sess_test0001")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobCompleted {
		t.Fatalf("status: want=completed got=%v (%s)", done.Status, done.Error)
	}
	uid, _ := done.Result["uid"].(string)
	if uid != "obj_001" {
		t.Fatalf("uid: want=obj_001 got=%q", uid)
	}
	if done.Result["avatar_type"] != "R6" {
		t.Fatalf("avatar type: got=%v", done.Result["avatar_type"])
	}

	rec, err := f.reg.Get(uid)
	if err != nil {
		t.Fatalf("registry record: %v", err)
	}
	src, _ := rec.Metadata["source"].(map[string]any)
	if src["username"] != "builderman" {
		t.Fatalf("source metadata: %v", rec.Metadata)
	}

	dir := f.res.Object3DDir(uid)
	for _, name := range []string{"avatar.obj", "avatar.mtl", "metadata.json", "README.md",
		filepath.Join("textures", "texture_00.png")} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
}

func TestDownloadUnknownUserFails(t *testing.T) {
	f := newFixture(t)
	job, _ := f.orch.SubmitDownload("nobody", "sess_test0001")
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobFailed {
		t.Fatalf("status: want=failed got=%v", done.Status)
	}
	if done.ErrorCode != apperr.CodeUserNotFound {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeUserNotFound, done.ErrorCode)
	}
}

func TestDownloadManifestErrorStateFails(t *testing.T) {
	f := newFixture(t)
	f.rb.manifest = roblox.Manifest3D{State: "Error"}
	job, _ := f.orch.SubmitDownload("builderman", "sess_test0001")
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobFailed {
		t.Fatalf("status: want=failed got=%v", done.Status)
	}
	if done.ErrorCode != apperr.CodeAvatar3DUnavailable {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeAvatar3DUnavailable, done.ErrorCode)
	}
	// The uid allocated for the failed download was rolled back.
	if _, err := f.reg.Get("obj_001"); !apperr.IsCode(err, apperr.CodeUIDNotFound) {
		t.Fatalf("registry should be empty: %v", err)
	}
}

func TestDownloadTextureFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	delete(f.rb.files, "tex1hash0000000000000000000000000")
	job, _ := f.orch.SubmitDownload("builderman", "sess_test0001")
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobCompleted {
		t.Fatalf("status: want=completed got=%v (%s)", done.Status, done.Error)
	}
	failures, _ := done.Result["texture_failures"].([]string)
	if len(failures) != 1 {
		t.Fatalf("texture failures: want=1 got=%v", done.Result["texture_failures"])
	}
}

func TestDuplicateDownloadReusesSinglePriorUID(t *testing.T) {
	f := newFixture(t)
	first, _ := f.orch.SubmitDownload("builderman", "sess_test0001")
	if done := waitJob(t, f, first.JobID); done.Status != types.JobCompleted {
		t.Fatalf("first download failed: %s", done.Error)
	}

	second, _ := f.orch.SubmitDownload("builderman", "sess_test0001")
	done := waitJob(t, f, second.JobID)
	if done.Status != types.JobCompleted {
		t.Fatalf("second download failed: %s", done.Error)
	}
	if got := done.Result["uid"]; got != "obj_001" {
		t.Fatalf("uid not reused: want=obj_001 got=%v", got)
	}
	recs := f.reg.ListBySession("sess_test0001")
	if len(recs) != 1 {
		t.Fatalf("duplicate records: want=1 got=%d", len(recs))
	}
}

func TestConvertRejectsNonR6(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.Add("obj_001", types.KindObject3D, "avatar.obj", "sess_test0001", "",
		map[string]any{"avatar_type": "R15"}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	job, _ := f.orch.SubmitConvert("obj_001", "sess_test0001")
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobFailed {
		t.Fatalf("status: want=failed got=%v", done.Status)
	}
	if done.ErrorCode != apperr.CodeAvatarProcessingFailed {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeAvatarProcessingFailed, done.ErrorCode)
	}
	if !strings.Contains(done.Error, "R15") {
		t.Fatalf("error should carry the actual type: %s", done.Error)
	}
}

func TestConvertRollsBackUIDOnTranscoderFailure(t *testing.T) {
	f := newFixture(t)
	f.orch.transcoder = TranscoderConfig{Bin: "/nonexistent/transcoder", Timeout: 2 * time.Second}
	seedR6Record(t, f, "obj_001", "sess_test0001")

	job, _ := f.orch.SubmitConvert("obj_001", "sess_test0001")
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobFailed {
		t.Fatalf("status: want=failed got=%v", done.Status)
	}
	if done.ErrorCode != apperr.CodeAvatarProcessingFailed {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeAvatarProcessingFailed, done.ErrorCode)
	}
	// fbx_001 must be free for the next conversion attempt.
	if _, err := f.reg.Get("fbx_001"); !apperr.IsCode(err, apperr.CodeUIDNotFound) {
		t.Fatalf("fbx record should not exist: %v", err)
	}
	if _, err := os.Stat(f.res.Object3DDir("fbx_001")); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(f.res.Object3DDir("fbx_001"))
		if len(entries) > 0 {
			t.Fatalf("fbx dir not cleaned: %v", entries)
		}
	}
}

func TestConvertRunsTranscoderAndRegistersFBX(t *testing.T) {
	f := newFixture(t)
	seedR6Record(t, f, "obj_001", "sess_test0001")

	// Stand-in transcoder: writes the FBX and prints the JSON summary.
	script := filepath.Join(t.TempDir(), "transcode.sh")
	outFbx := "avatar.fbx"
	content := fmt.Sprintf(`#!/bin/sh
obj="$1"
out="$2"
cp "$obj" "$out/%s"
echo "renderer booting"
echo "{\"success\": true, \"fbx_path\": \"$out/%s\"}"
`, outFbx, outFbx)
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	f.orch.transcoder = TranscoderConfig{Bin: script, Timeout: 10 * time.Second}

	job, _ := f.orch.SubmitConvert("obj_001", "sess_test0001")
	done := waitJob(t, f, job.JobID)
	if done.Status != types.JobCompleted {
		t.Fatalf("status: want=completed got=%v (%s)", done.Status, done.Error)
	}
	if done.Result["fbx_uid"] != "fbx_001" {
		t.Fatalf("fbx uid: got=%v", done.Result["fbx_uid"])
	}
	rec, err := f.reg.Get("fbx_001")
	if err != nil {
		t.Fatalf("fbx record: %v", err)
	}
	if rec.ParentUID != "obj_001" {
		t.Fatalf("fbx parent: want=obj_001 got=%s", rec.ParentUID)
	}
	var sidecar importSidecar
	if err := readJSONFile(filepath.Join(f.res.Object3DDir("fbx_001"), "metadata.json"), &sidecar); err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	if sidecar.SourceObjUID != "obj_001" || sidecar.Username != "builderman" {
		t.Fatalf("sidecar contents: %+v", sidecar)
	}
}

func TestPickMeshPrefersFBX(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"avatar.obj", "avatar.fbx"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("mesh"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	path, format, err := pickMesh(dir, "avatar.fbx")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if format != "fbx" || !strings.HasSuffix(path, "avatar.fbx") {
		t.Fatalf("pick: want fbx, got %s %s", format, path)
	}

	_ = os.Remove(filepath.Join(dir, "avatar.fbx"))
	path, format, err = pickMesh(dir, "avatar.fbx")
	if err != nil {
		t.Fatalf("pick obj: %v", err)
	}
	if format != "obj" || !strings.HasSuffix(path, "avatar.obj") {
		t.Fatalf("pick: want obj fallback, got %s %s", format, path)
	}
}

func seedR6Record(t *testing.T, f *fixture, objUID, sessionID string) {
	t.Helper()
	dir := f.res.Object3DDir(objUID)
	obj := buildOBJ([]string{"Player1", "Player2", "Player3", "Player4", "Player5", "Player6"})
	if err := os.WriteFile(filepath.Join(dir, "avatar.obj"), obj, 0o644); err != nil {
		t.Fatalf("seed obj: %v", err)
	}
	if _, err := f.reg.Add(objUID, types.KindObject3D, "avatar.obj", sessionID, "", map[string]any{
		"avatar_type": "R6",
		"source":      map[string]any{"username": "builderman", "user_id": int64(606)},
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	// Keep the allocator ahead of the seeded uid.
	if _, err := f.orch.alloc.Next(types.UIDKindObject); err != nil {
		t.Fatalf("advance allocator: %v", err)
	}
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
