package registry

import (
	"path/filepath"
	"testing"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	r, err := New(filepath.Join(t.TempDir(), "resource_registry.json"), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestAddGetRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add("img_001", types.KindImage, "img_001_20260824.png", "sess_aa", "", map[string]any{"width": 1024})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := r.Get("img_001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Filename != "img_001_20260824.png" {
		t.Fatalf("filename: want=img_001_20260824.png got=%s", rec.Filename)
	}
	if rec.Metadata["width"] != 1024 {
		t.Fatalf("metadata width: want=1024 got=%v", rec.Metadata["width"])
	}
}

func TestAddTwiceFails(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add("img_001", types.KindImage, "a.png", "", "", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := r.Add("img_001", types.KindImage, "b.png", "", "", nil)
	if err == nil {
		t.Fatalf("Add: expected error on duplicate uid")
	}
}

func TestGetMissingIsTypedNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("img_999")
	if !apperr.IsCode(err, apperr.CodeUIDNotFound) {
		t.Fatalf("Get: want uid_not_found got %v", err)
	}
}

func TestParentMustResolve(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add("img_002", types.KindImage, "b.png", "", "img_001", nil)
	if err == nil {
		t.Fatalf("Add: expected error for missing parent")
	}
}

func TestParentKindMatrix(t *testing.T) {
	r := newTestRegistry(t)
	mustAdd := func(uid string, kind types.ResourceKind, parent string) {
		t.Helper()
		if _, err := r.Add(uid, kind, uid+".bin", "sess_aa", parent, nil); err != nil {
			t.Fatalf("Add(%s parent=%s): %v", uid, parent, err)
		}
	}
	mustAdd("img_001", types.KindImage, "")
	mustAdd("obj_001", types.KindObject3D, "")
	mustAdd("vid_001", types.KindVideo, "img_001") // video from image: ok
	mustAdd("img_002", types.KindImage, "vid_001") // image from video: ok
	mustAdd("fbx_001", types.KindObject3D, "obj_001")

	// video must have an image parent
	if _, err := r.Add("vid_002", types.KindVideo, "v.mp4", "sess_aa", "vid_001", nil); err == nil {
		t.Fatalf("Add: video with video parent should fail")
	}
	// image cannot have an object3d parent
	if _, err := r.Add("img_003", types.KindImage, "c.png", "sess_aa", "obj_001", nil); err == nil {
		t.Fatalf("Add: image with object3d parent should fail")
	}
	// obj cannot parent obj (only fbx<-obj)
	if _, err := r.Add("obj_002", types.KindObject3D, "o.obj", "sess_aa", "fbx_001", nil); err == nil {
		t.Fatalf("Add: obj with fbx parent should fail")
	}
	// refer uids are never parents
	if _, err := r.Add("img_004", types.KindImage, "d.png", "sess_aa", "refer_001", nil); err == nil {
		t.Fatalf("Add: refer parent should fail")
	}
}

func TestListBySessionPreservesInsertionOrder(t *testing.T) {
	r := newTestRegistry(t)
	for _, uid := range []string{"img_001", "img_002", "img_003"} {
		if _, err := r.Add(uid, types.KindImage, uid+".png", "sess_aa", "", nil); err != nil {
			t.Fatalf("Add(%s): %v", uid, err)
		}
	}
	if _, err := r.Add("img_004", types.KindImage, "other.png", "sess_bb", "", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got := r.ListBySession("sess_aa")
	if len(got) != 3 {
		t.Fatalf("list length: want=3 got=%d", len(got))
	}
	for i, want := range []string{"img_001", "img_002", "img_003"} {
		if got[i].UID != want {
			t.Fatalf("order[%d]: want=%s got=%s", i, want, got[i].UID)
		}
	}
}

func TestUpdateMetadataMergesAndKeepsIdentity(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add("img_001", types.KindImage, "a.png", "sess_aa", "", map[string]any{"width": 100}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := r.UpdateMetadata("img_001", map[string]any{"height": 200})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if rec.Metadata["width"] != 100 || rec.Metadata["height"] != 200 {
		t.Fatalf("metadata merge: got=%v", rec.Metadata)
	}
	if rec.SessionID != "sess_aa" || rec.Kind != types.KindImage {
		t.Fatalf("identity fields changed: %+v", rec)
	}
}

func TestDeleteBySessionReturnsRemovedUIDs(t *testing.T) {
	r := newTestRegistry(t)
	for _, uid := range []string{"img_001", "img_002"} {
		if _, err := r.Add(uid, types.KindImage, uid+".png", "sess_aa", "", nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	removed, err := r.DeleteBySession("sess_aa")
	if err != nil {
		t.Fatalf("DeleteBySession: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed: want=2 got=%d", len(removed))
	}
	if _, err := r.Get("img_001"); !apperr.IsCode(err, apperr.CodeUIDNotFound) {
		t.Fatalf("Get after delete: want uid_not_found got %v", err)
	}
}

func TestRegistrySurvivesReload(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "resource_registry.json")
	a, err := New(path, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Add("obj_001", types.KindObject3D, "avatar.obj", "sess_aa", "", map[string]any{
		"source": map[string]any{"username": "Builderman", "user_id": float64(156)},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	b, err := New(path, log)
	if err != nil {
		t.Fatalf("New after reload: %v", err)
	}
	rec, err := b.Get("obj_001")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if rec.Filename != "avatar.obj" {
		t.Fatalf("filename after reload: want=avatar.obj got=%s", rec.Filename)
	}
	found := b.FindBySource("sess_aa", "builderman", 0)
	if len(found) != 1 {
		t.Fatalf("FindBySource after reload: want=1 got=%d", len(found))
	}
}

func TestLatestBySessionKind(t *testing.T) {
	r := newTestRegistry(t)
	for _, uid := range []string{"img_001", "img_002"} {
		if _, err := r.Add(uid, types.KindImage, uid+".png", "sess_aa", "", nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	rec, err := r.LatestBySessionKind("sess_aa", types.KindImage)
	if err != nil {
		t.Fatalf("LatestBySessionKind: %v", err)
	}
	if rec.UID != "img_002" {
		t.Fatalf("latest: want=img_002 got=%s", rec.UID)
	}
	if _, err := r.LatestBySessionKind("sess_aa", types.KindVideo); err == nil {
		t.Fatalf("LatestBySessionKind: expected not found for empty kind")
	}
}
