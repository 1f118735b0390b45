package refstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/uid"
)

// Store keeps reference images in their own refer_* uid namespace, under
// session-segmented directories with *_meta.json sidecars. It is split
// from the main registry on purpose: per-session retention with eager
// deletion, and refer uids are never parents of registry records.
type Store struct {
	log   *logger.Logger
	alloc *uid.Allocator
	paths *paths.Resolver
}

func New(resolver *paths.Resolver, log *logger.Logger) (*Store, error) {
	alloc, err := uid.NewAllocator(resolver.ReferUIDStateFile(), []string{types.UIDKindReference}, log)
	if err != nil {
		return nil, fmt.Errorf("init refer uid allocator: %w", err)
	}
	return &Store{
		log:   log.With("service", "ReferenceStore"),
		alloc: alloc,
		paths: resolver,
	}, nil
}

func extForMime(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// Store persists blob bytes and a sidecar, returning the new refer uid.
// The blob is fully written before the sidecar records its existence.
func (s *Store) Store(sessionID string, data []byte, purpose, mimeType string) (*types.ReferenceImageRecord, error) {
	if sessionID == "" {
		return nil, apperr.UserInput(apperr.CodeInvalidUserInput, "session_id required for reference images")
	}
	if len(data) == 0 {
		return nil, apperr.UserInput(apperr.CodeInvalidUserInput, "empty reference image")
	}
	referUID, err := s.alloc.Next(types.UIDKindReference)
	if err != nil {
		return nil, err
	}
	dir := s.paths.ReferenceSessionDir(sessionID)
	filename := types.ReferenceImageFilename(referUID, extForMime(mimeType))
	blobPath := filepath.Join(dir, filename)
	if err := fsutil.WriteFileAtomic(blobPath, data, 0o644); err != nil {
		// Blob never landed, no sidecar exists: the uid was not exposed.
		if rbErr := s.alloc.Rollback(types.UIDKindReference); rbErr != nil {
			s.log.Warn("Refer uid rollback failed", "refer_uid", referUID, "error", rbErr)
		}
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	rec := &types.ReferenceImageRecord{
		ReferUID:  referUID,
		SessionID: sessionID,
		Filename:  filename,
		Purpose:   purpose,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	metaPath := filepath.Join(dir, types.ReferenceMetaFilename(referUID))
	if err := fsutil.WriteJSONAtomic(metaPath, rec); err != nil {
		_ = os.Remove(blobPath)
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	s.log.Debug("Stored reference image", "refer_uid", referUID, "session_id", sessionID, "purpose", purpose, "bytes", len(data))
	return rec, nil
}

// Load returns the blob bytes and sidecar metadata for a refer uid. The
// session segmentation means we have to locate the owning session dir.
func (s *Store) Load(referUID string) ([]byte, *types.ReferenceImageRecord, error) {
	rec, err := s.findMeta(referUID)
	if err != nil {
		return nil, nil, err
	}
	blobPath := filepath.Join(s.paths.ReferenceSessionDir(rec.SessionID), rec.Filename)
	data, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, nil, apperr.NotFound(apperr.CodeAssetNotFound,
			fmt.Sprintf("reference blob missing for %s", referUID))
	}
	return data, rec, nil
}

func (s *Store) findMeta(referUID string) (*types.ReferenceImageRecord, error) {
	base := s.paths.ReferenceBaseDir()
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, apperr.NotFound(apperr.CodeUIDNotFound, fmt.Sprintf("reference uid not found: %s", referUID))
	}
	metaName := types.ReferenceMetaFilename(referUID)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(base, e.Name(), metaName)
		var rec types.ReferenceImageRecord
		if err := fsutil.ReadJSON(metaPath, &rec); err == nil {
			return &rec, nil
		}
	}
	return nil, apperr.NotFound(apperr.CodeUIDNotFound, fmt.Sprintf("reference uid not found: %s", referUID))
}

func (s *Store) List(sessionID string) ([]*types.ReferenceImageRecord, error) {
	dir := s.paths.ReferenceSessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	var out []*types.ReferenceImageRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_meta.json") {
			continue
		}
		var rec types.ReferenceImageRecord
		if err := fsutil.ReadJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			s.log.Warn("Unreadable reference sidecar", "path", e.Name(), "error", err)
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferUID < out[j].ReferUID })
	return out, nil
}

// DeleteBySession removes the session's whole reference directory, blobs
// and sidecars alike. Reference lifetime is bound to session lifetime.
func (s *Store) DeleteBySession(sessionID string) (int, error) {
	recs, err := s.List(sessionID)
	if err != nil {
		return 0, err
	}
	dir := s.paths.ReferenceSessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return 0, apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	s.log.Info("Deleted session reference images", "session_id", sessionID, "count", len(recs))
	return len(recs), nil
}
