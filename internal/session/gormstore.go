package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/repos"
	"github.com/megamelange/melange-backend/internal/types"
)

// GormBackend is the primary backend: session documents as typed rows in
// the record store, read-your-writes for single-client usage.
type GormBackend struct {
	log  *logger.Logger
	repo repos.SessionDocRepo
}

func NewGormBackend(repo repos.SessionDocRepo, log *logger.Logger) *GormBackend {
	return &GormBackend{
		log:  log.With("service", "SessionGormBackend"),
		repo: repo,
	}
}

func toDoc(sc *types.SessionContext) (*repos.SessionDoc, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", sc.SessionID, err)
	}
	return &repos.SessionDoc{
		SessionID:    sc.SessionID,
		SessionName:  sc.SessionName,
		Document:     datatypes.JSON(body),
		CreatedAt:    sc.CreatedAt,
		LastAccessed: sc.LastAccessed,
	}, nil
}

func fromDoc(doc *repos.SessionDoc) (*types.SessionContext, error) {
	var sc types.SessionContext
	if err := json.Unmarshal(doc.Document, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", doc.SessionID, err)
	}
	// Flat columns win for ordering fields; the document may lag an
	// update that only bumped last_accessed.
	sc.LastAccessed = doc.LastAccessed
	return &sc, nil
}

func (b *GormBackend) Create(ctx context.Context, sc *types.SessionContext) error {
	doc, err := toDoc(sc)
	if err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	if err := b.repo.Create(ctx, nil, doc); err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	return nil
}

func (b *GormBackend) Get(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	doc, err := b.repo.Get(ctx, nil, sessionID)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeStorageError, err)
	}
	if doc == nil {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, fmt.Sprintf("session not found: %s", sessionID))
	}
	return fromDoc(doc)
}

func (b *GormBackend) Update(ctx context.Context, sc *types.SessionContext) error {
	sc.LastAccessed = time.Now().UTC()
	doc, err := toDoc(sc)
	if err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	if err := b.repo.Update(ctx, nil, doc); err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	return nil
}

func (b *GormBackend) Delete(ctx context.Context, sessionID string) error {
	found, err := b.repo.Delete(ctx, nil, sessionID)
	if err != nil {
		return apperr.Internal(apperr.CodeStorageError, err)
	}
	if !found {
		return apperr.NotFound(apperr.CodeSessionNotFound, fmt.Sprintf("session not found: %s", sessionID))
	}
	return nil
}

func (b *GormBackend) List(ctx context.Context, limit, offset int) ([]*types.SessionSummary, error) {
	docs, err := b.repo.List(ctx, nil, limit, offset)
	if err != nil {
		return nil, apperr.Internal(apperr.CodeStorageError, err)
	}
	out := make([]*types.SessionSummary, 0, len(docs))
	for _, doc := range docs {
		sc, err := fromDoc(doc)
		if err != nil {
			b.log.Warn("Skipping unreadable session document", "session_id", doc.SessionID, "error", err)
			continue
		}
		out = append(out, &types.SessionSummary{
			SessionID:        sc.SessionID,
			SessionName:      sc.SessionName,
			CreatedAt:        sc.CreatedAt,
			LastAccessed:     doc.LastAccessed,
			InteractionCount: len(sc.ConversationHistory),
		})
	}
	return out, nil
}

func (b *GormBackend) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	n, err := b.repo.DeleteOlderThan(ctx, nil, time.Now().Add(-age))
	if err != nil {
		return 0, apperr.Internal(apperr.CodeStorageError, err)
	}
	return int(n), nil
}

func (b *GormBackend) Count(ctx context.Context) (int, error) {
	n, err := b.repo.Count(ctx, nil)
	if err != nil {
		return 0, apperr.Internal(apperr.CodeStorageError, err)
	}
	return int(n), nil
}

func (b *GormBackend) HealthCheck(ctx context.Context) error {
	return b.repo.Ping(ctx)
}
