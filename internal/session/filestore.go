package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

// archiveAge is how long a session file stays in the live tree before it
// is demoted to archived/.
const archiveAge = 7 * 24 * time.Hour

// FileBackend is the fallback backend: session JSON files in
// <base>/<yyyy-mm>/day-dd/session_<sid>.json, with files older than seven
// days demoted into an archived tree on the same layout.
type FileBackend struct {
	log  *logger.Logger
	base string
}

func NewFileBackend(baseDir string, log *logger.Logger) *FileBackend {
	return &FileBackend{
		log:  log.With("service", "SessionFileBackend"),
		base: baseDir,
	}
}

func (b *FileBackend) pathFor(sc *types.SessionContext) string {
	created := sc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return filepath.Join(
		b.base,
		created.Format("2006-01"),
		"day-"+created.Format("02"),
		"session_"+sc.SessionID+".json",
	)
}

// find walks the live tree first, then the archive.
func (b *FileBackend) find(sessionID string) (string, bool) {
	name := "session_" + sessionID + ".json"
	for _, root := range []string{b.base, filepath.Join(b.base, "archived")} {
		var found string
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if d.Name() == name {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if found != "" {
			return found, true
		}
	}
	return "", false
}

func (b *FileBackend) Create(ctx context.Context, sc *types.SessionContext) error {
	return b.write(sc)
}

func (b *FileBackend) write(sc *types.SessionContext) error {
	if err := fsutil.WriteJSONAtomic(b.pathFor(sc), sc); err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	path, ok := b.find(sessionID)
	if !ok {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, fmt.Sprintf("session not found: %s", sessionID))
	}
	var sc types.SessionContext
	if err := fsutil.ReadJSON(path, &sc); err != nil {
		return nil, apperr.Internal(apperr.CodeStorageError, err)
	}
	return &sc, nil
}

func (b *FileBackend) Update(ctx context.Context, sc *types.SessionContext) error {
	sc.LastAccessed = time.Now().UTC()
	// An archived file moves back to the live tree on update; remove the
	// old location if it differs from the canonical one.
	if old, ok := b.find(sc.SessionID); ok && old != b.pathFor(sc) {
		defer os.Remove(old)
	}
	return b.write(sc)
}

func (b *FileBackend) Delete(ctx context.Context, sessionID string) error {
	path, ok := b.find(sessionID)
	if !ok {
		return apperr.NotFound(apperr.CodeSessionNotFound, fmt.Sprintf("session not found: %s", sessionID))
	}
	if err := os.Remove(path); err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	return nil
}

func (b *FileBackend) readAll(includeArchived bool) []*types.SessionContext {
	roots := []string{b.base}
	archivedRoot := filepath.Join(b.base, "archived")
	var out []*types.SessionContext
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if !includeArchived && path == archivedRoot {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasPrefix(d.Name(), "session_") || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			var sc types.SessionContext
			if err := fsutil.ReadJSON(path, &sc); err != nil {
				b.log.Warn("Unreadable session file", "path", path, "error", err)
				return nil
			}
			out = append(out, &sc)
			return nil
		})
	}
	return out
}

func (b *FileBackend) List(ctx context.Context, limit, offset int) ([]*types.SessionSummary, error) {
	b.archiveSweep()
	all := b.readAll(true)
	sort.Slice(all, func(i, j int) bool { return all[i].LastAccessed.After(all[j].LastAccessed) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*types.SessionSummary, 0, len(all))
	for _, sc := range all {
		out = append(out, &types.SessionSummary{
			SessionID:        sc.SessionID,
			SessionName:      sc.SessionName,
			CreatedAt:        sc.CreatedAt,
			LastAccessed:     sc.LastAccessed,
			InteractionCount: len(sc.ConversationHistory),
		})
	}
	return out, nil
}

// archiveSweep demotes live files older than archiveAge into archived/,
// preserving the month/day layout.
func (b *FileBackend) archiveSweep() {
	cutoff := time.Now().Add(-archiveAge)
	archivedRoot := filepath.Join(b.base, "archived")
	_ = filepath.WalkDir(b.base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == archivedRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), "session_") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(b.base, path)
		if err != nil {
			return nil
		}
		dest := filepath.Join(archivedRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil
		}
		if err := os.Rename(path, dest); err != nil {
			b.log.Warn("Archive demotion failed", "path", path, "error", err)
		}
		return nil
	})
}

func (b *FileBackend) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, sc := range b.readAll(true) {
		if sc.LastAccessed.After(cutoff) {
			continue
		}
		if path, ok := b.find(sc.SessionID); ok {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (b *FileBackend) Count(ctx context.Context) (int, error) {
	return len(b.readAll(true)), nil
}

func (b *FileBackend) HealthCheck(ctx context.Context) error {
	return os.MkdirAll(b.base, 0o755)
}
