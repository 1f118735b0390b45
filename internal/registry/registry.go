package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

// Registry is the single authoritative map from uid to resource record.
// Every mutation rewrites the backing JSON file atomically while holding
// the write lock, so readers never observe a partial snapshot.
type Registry struct {
	mu       sync.RWMutex
	log      *logger.Logger
	filePath string
	records  map[string]*types.ResourceRecord
	// order preserves insertion sequence for stable per-session listings.
	order []string
	seq   map[string]int
}

type snapshot struct {
	Records []*types.ResourceRecord `json:"records"`
}

func New(filePath string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		log:      log.With("service", "ResourceRegistry"),
		filePath: filePath,
		records:  map[string]*types.ResourceRecord{},
		seq:      map[string]int{},
	}
	var snap snapshot
	err := fsutil.ReadJSON(filePath, &snap)
	switch {
	case err == nil:
		for i, rec := range snap.Records {
			r.records[rec.UID] = rec
			r.order = append(r.order, rec.UID)
			r.seq[rec.UID] = i
		}
		r.log.Info("Loaded resource registry", "records", len(r.records))
	case os.IsNotExist(err):
		r.log.Info("No resource registry on disk, starting fresh")
	default:
		return nil, fmt.Errorf("load resource registry: %w", err)
	}
	return r, nil
}

// parentAllowed encodes the kind-compatibility matrix: images may have
// image or video parents, videos must have image parents, and object3d FBX
// records must have object3d OBJ parents.
func parentAllowed(childUID string, childKind types.ResourceKind, parent *types.ResourceRecord) bool {
	switch childKind {
	case types.KindImage:
		return parent.Kind == types.KindImage || parent.Kind == types.KindVideo
	case types.KindVideo:
		return parent.Kind == types.KindImage
	case types.KindObject3D:
		return parent.Kind == types.KindObject3D &&
			strings.HasPrefix(childUID, types.UIDKindFBX+"_") &&
			strings.HasPrefix(parent.UID, types.UIDKindObject+"_")
	}
	return false
}

func (r *Registry) Add(uid string, kind types.ResourceKind, filename, sessionID, parentUID string, metadata map[string]any) (*types.ResourceRecord, error) {
	if _, _, err := types.ParseUID(uid); err != nil {
		return nil, apperr.UserInput(apperr.CodeInvalidUIDFormat, err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[uid]; exists {
		return nil, apperr.New(apperr.CategoryUserInput, apperr.CodeValidationFailed,
			fmt.Sprintf("uid already registered: %s", uid))
	}
	if parentUID != "" {
		// refer_* uids live in a separate namespace and are never legal
		// parents for registry records.
		if strings.HasPrefix(parentUID, types.UIDKindReference+"_") {
			return nil, apperr.UserInput(apperr.CodeValidationFailed,
				fmt.Sprintf("invalid parent: reference uid %s cannot parent a resource", parentUID))
		}
		parent, ok := r.records[parentUID]
		if !ok {
			return nil, apperr.UserInput(apperr.CodeValidationFailed,
				fmt.Sprintf("invalid parent: %s does not resolve", parentUID))
		}
		if !parentAllowed(uid, kind, parent) {
			return nil, apperr.UserInput(apperr.CodeValidationFailed,
				fmt.Sprintf("invalid parent: %s (%s) cannot parent %s (%s)", parentUID, parent.Kind, uid, kind))
		}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	rec := &types.ResourceRecord{
		UID:       uid,
		Kind:      kind,
		Filename:  filename,
		SessionID: sessionID,
		ParentUID: parentUID,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	r.records[uid] = rec
	r.order = append(r.order, uid)
	r.seq[uid] = len(r.order) - 1
	if err := r.persistLocked(); err != nil {
		delete(r.records, uid)
		delete(r.seq, uid)
		r.order = r.order[:len(r.order)-1]
		r.log.Error("Failed to persist registry", "uid", uid, "error", err)
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	r.log.Debug("Registered resource", "uid", uid, "kind", kind, "session_id", sessionID, "parent_uid", parentUID)
	return cloneRecord(rec), nil
}

func (r *Registry) Get(uid string) (*types.ResourceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[uid]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeUIDNotFound, fmt.Sprintf("uid not found: %s", uid))
	}
	return cloneRecord(rec), nil
}

// ListBySession returns records in allocation (insertion) order.
func (r *Registry) ListBySession(sessionID string) []*types.ResourceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.ResourceRecord
	for _, uid := range r.order {
		rec, ok := r.records[uid]
		if !ok || rec.SessionID != sessionID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out
}

// LatestBySessionKind returns the most recently inserted record of kind for
// the session, or a typed not-found.
func (r *Registry) LatestBySessionKind(sessionID string, kind types.ResourceKind) (*types.ResourceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		rec, ok := r.records[r.order[i]]
		if ok && rec.SessionID == sessionID && rec.Kind == kind {
			return cloneRecord(rec), nil
		}
	}
	return nil, apperr.NotFound(apperr.CodeUIDNotFound,
		fmt.Sprintf("no %s resources in session %s", kind, sessionID))
}

// UpdateMetadata merges patch into the record's metadata. Kind, parent and
// session are immutable once written.
func (r *Registry) UpdateMetadata(uid string, patch map[string]any) (*types.ResourceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uid]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeUIDNotFound, fmt.Sprintf("uid not found: %s", uid))
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	prior := map[string]any{}
	for k, v := range rec.Metadata {
		prior[k] = v
	}
	for k, v := range patch {
		rec.Metadata[k] = v
	}
	if err := r.persistLocked(); err != nil {
		rec.Metadata = prior
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	return cloneRecord(rec), nil
}

// DeleteBySession removes all records owned by sessionID and returns the
// removed uids. On-disk blobs are not touched; that is the caller's policy.
func (r *Registry) DeleteBySession(sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for _, uid := range r.order {
		rec, ok := r.records[uid]
		if ok && rec.SessionID == sessionID {
			removed = append(removed, uid)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	for _, uid := range removed {
		delete(r.records, uid)
		delete(r.seq, uid)
	}
	r.rebuildOrderLocked()
	if err := r.persistLocked(); err != nil {
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	r.log.Info("Deleted session resources", "session_id", sessionID, "count", len(removed))
	return removed, nil
}

// Delete removes a single record. Used by duplicate-download cleanup.
func (r *Registry) Delete(uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[uid]; !ok {
		return apperr.NotFound(apperr.CodeUIDNotFound, fmt.Sprintf("uid not found: %s", uid))
	}
	delete(r.records, uid)
	delete(r.seq, uid)
	r.rebuildOrderLocked()
	return apperrOrNil(r.persistLocked())
}

// FindBySource scans a session's records for metadata.source matches on
// username or user_id. Used for duplicate avatar detection.
func (r *Registry) FindBySource(sessionID, username string, userID int64) []*types.ResourceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.ResourceRecord
	for _, uid := range r.order {
		rec, ok := r.records[uid]
		if !ok || rec.SessionID != sessionID {
			continue
		}
		src, ok := rec.Metadata["source"].(map[string]any)
		if !ok {
			continue
		}
		if name, _ := src["username"].(string); username != "" && strings.EqualFold(name, username) {
			out = append(out, cloneRecord(rec))
			continue
		}
		if id, ok := sourceUserID(src); ok && userID != 0 && id == userID {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func sourceUserID(src map[string]any) (int64, bool) {
	switch v := src["user_id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (r *Registry) rebuildOrderLocked() {
	kept := r.order[:0]
	for _, uid := range r.order {
		if _, ok := r.records[uid]; ok {
			kept = append(kept, uid)
		}
	}
	r.order = kept
	for i, uid := range r.order {
		r.seq[uid] = i
	}
}

func (r *Registry) persistLocked() error {
	snap := snapshot{Records: make([]*types.ResourceRecord, 0, len(r.order))}
	uids := append([]string(nil), r.order...)
	sort.SliceStable(uids, func(i, j int) bool { return r.seq[uids[i]] < r.seq[uids[j]] })
	for _, uid := range uids {
		snap.Records = append(snap.Records, r.records[uid])
	}
	return fsutil.WriteJSONAtomic(r.filePath, snap)
}

func apperrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
}

func cloneRecord(rec *types.ResourceRecord) *types.ResourceRecord {
	cp := *rec
	if rec.Metadata != nil {
		cp.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
