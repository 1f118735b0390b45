package videotool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/veo"
	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

type fakeVeo struct {
	pendingPolls int
	failWith     string
	videoBytes   []byte
	started      int
}

func (f *fakeVeo) StartGeneration(ctx context.Context, req veo.VideoRequest) (string, error) {
	f.started++
	return "operations/op-123", nil
}

func (f *fakeVeo) PollOperation(ctx context.Context, name string) (*veo.OperationStatus, error) {
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return &veo.OperationStatus{}, nil
	}
	if f.failWith != "" {
		return &veo.OperationStatus{Done: true, Error: f.failWith}, nil
	}
	return &veo.OperationStatus{Done: true, VideoURI: "https://videos.example/op-123.mp4"}, nil
}

func (f *fakeVeo) DownloadVideo(ctx context.Context, uri string) ([]byte, error) {
	return f.videoBytes, nil
}

func (f *fakeVeo) Available() bool { return true }

type fixture struct {
	plugin *Plugin
	reg    *registry.Registry
	alloc  *uid.Allocator
	res    *paths.Resolver
	mgr    *jobs.Manager
	veo    *fakeVeo
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
		[]string{types.UIDKindImage, types.UIDKindVideo}, log)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	reg, err := registry.New(res.RegistryFile(), log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mgr := jobs.NewManager(context.Background(), nil, nil, log)
	fake := &fakeVeo{videoBytes: []byte("not-really-an-mp4-but-big-enough")}
	p := New(Deps{
		Registry:  reg,
		Allocator: alloc,
		Paths:     res,
		Veo:       fake,
		Jobs:      mgr,
	}, log)
	return &fixture{plugin: p, reg: reg, alloc: alloc, res: res, mgr: mgr, veo: fake}
}

func seedSourceImage(t *testing.T, f *fixture, uidStr, sessionID string) {
	t.Helper()
	filename := types.StyledImageFilename(uidStr, time.Now().UTC())
	if err := os.WriteFile(filepath.Join(f.res.StyledDir(), filename), []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("seed image: %v", err)
	}
	if _, err := f.reg.Add(uidStr, types.KindImage, filename, sessionID, "", nil); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := f.alloc.Next(types.UIDKindImage); err != nil {
		t.Fatalf("advance allocator: %v", err)
	}
}

func TestGenerateWithoutSourceImageFailsFast(t *testing.T) {
	f := newFixture(t)

	res := f.plugin.Execute(context.Background(), "generate_video", map[string]any{
		"prompt":           "a storm rolls in",
		"duration_seconds": float64(8),
	})
	if res.Success {
		t.Fatalf("frameless request should fail")
	}
	if res.Err == nil || res.Err.Code != apperr.CodeVideoImageRequired {
		t.Fatalf("error code: want=%s got=%+v", apperr.CodeVideoImageRequired, res.Err)
	}
	// Failing fast means no uid was burned and no job queued.
	if got := f.alloc.Current(types.UIDKindVideo); got != 0 {
		t.Fatalf("video uid counter: want=0 got=%d", got)
	}
	if res.JobID != "" {
		t.Fatalf("no job should be queued, got %s", res.JobID)
	}
}

func TestGenerateFromSessionImage(t *testing.T) {
	f := newFixture(t)
	seedSourceImage(t, f, "img_001", "sess_abcd1234")

	res := f.plugin.Execute(context.Background(), "generate_video", map[string]any{
		"prompt":           "a storm rolls in",
		"session_id":       "sess_abcd1234",
		"duration_seconds": float64(5),
	})
	if !res.Success || res.Mode != plugins.ResultQueued {
		t.Fatalf("expected queued result, got %+v", res)
	}
	if got := res.Result["cost_usd"].(float64); got != 2.0 {
		t.Fatalf("cost: want=2.0 got=%v", got)
	}

	done, err := f.mgr.Wait(res.JobID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != types.JobCompleted {
		t.Fatalf("job: want=completed got=%v (%s)", done.Status, done.Error)
	}
	newUID, _ := done.Result["uid"].(string)
	if newUID != "vid_001" {
		t.Fatalf("uid: want=vid_001 got=%q", newUID)
	}
	rec, err := f.reg.Get(newUID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ParentUID != "img_001" {
		t.Fatalf("parent: want=img_001 got=%s", rec.ParentUID)
	}
	if !strings.Contains(rec.Filename, "_VEO3_") {
		t.Fatalf("filename should carry the parent template: %s", rec.Filename)
	}
	if _, err := os.Stat(filepath.Join(f.res.GeneratedVideosDir(), rec.Filename)); err != nil {
		t.Fatalf("video blob missing: %v", err)
	}
}

func TestGenerateProviderFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	seedSourceImage(t, f, "img_001", "sess_abcd1234")
	f.veo.failWith = "safety filter rejected the prompt"

	res := f.plugin.Execute(context.Background(), "generate_video", map[string]any{
		"prompt":           "something",
		"session_id":       "sess_abcd1234",
		"duration_seconds": float64(8),
	})
	if !res.Success {
		t.Fatalf("execute: %v", res.Err)
	}
	done, err := f.mgr.Wait(res.JobID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != types.JobFailed {
		t.Fatalf("job: want=failed got=%v", done.Status)
	}
	if done.ErrorCode != apperr.CodeVideoGenFailed {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeVideoGenFailed, done.ErrorCode)
	}
	// A failed generation must not leak a video uid.
	if got := f.alloc.Current(types.UIDKindVideo); got != 0 {
		t.Fatalf("video uid counter: want=0 got=%d", got)
	}
}

func TestValidateDuration(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		value any
		ok    bool
	}{
		{float64(8), true},
		{float64(1), true},
		{float64(60), true},
		{float64(0), false},
		{float64(61), false},
		{float64(2.5), false},
		{"soon", false},
	}
	for _, tc := range cases {
		errs := f.plugin.Validate("generate_video", map[string]any{
			"prompt":           "x",
			"duration_seconds": tc.value,
		})
		if tc.ok && len(errs) != 0 {
			t.Fatalf("duration %v: unexpected errors %v", tc.value, errs)
		}
		if !tc.ok && len(errs) == 0 {
			t.Fatalf("duration %v: expected validation error", tc.value)
		}
	}
}

func TestPreprocessInjectsDefaultDuration(t *testing.T) {
	f := newFixture(t)
	out, err := f.plugin.Preprocess(context.Background(), "generate_video", map[string]any{"prompt": "x"})
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if got := out["duration_seconds"].(float64); got != float64(defaultDuration) {
		t.Fatalf("default duration: want=%d got=%v", defaultDuration, got)
	}
}
