package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/megamelange/melange-backend/internal/logger"
)

// SessionDoc is the primary-store row for a session document. The full
// SessionContext lives in Document; the flat columns exist for listing
// order and cleanup cutoffs.
type SessionDoc struct {
	SessionID    string         `gorm:"primaryKey;column:session_id" json:"session_id"`
	SessionName  string         `gorm:"column:session_name" json:"session_name"`
	Document     datatypes.JSON `gorm:"column:document" json:"document"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	LastAccessed time.Time      `gorm:"not null;index" json:"last_accessed"`
}

func (SessionDoc) TableName() string { return "session_doc" }

type SessionDocRepo interface {
	Create(ctx context.Context, tx *gorm.DB, doc *SessionDoc) error
	Get(ctx context.Context, tx *gorm.DB, sessionID string) (*SessionDoc, error)
	Update(ctx context.Context, tx *gorm.DB, doc *SessionDoc) error
	Delete(ctx context.Context, tx *gorm.DB, sessionID string) (bool, error)
	List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*SessionDoc, error)
	DeleteOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
	Ping(ctx context.Context) error
}

type sessionDocRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionDocRepo(db *gorm.DB, baseLog *logger.Logger) SessionDocRepo {
	return &sessionDocRepo{
		db:  db,
		log: baseLog.With("repo", "SessionDocRepo"),
	}
}

func (r *sessionDocRepo) Create(ctx context.Context, tx *gorm.DB, doc *SessionDoc) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Create(doc).Error
}

func (r *sessionDocRepo) Get(ctx context.Context, tx *gorm.DB, sessionID string) (*SessionDoc, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var doc SessionDoc
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *sessionDocRepo) Update(ctx context.Context, tx *gorm.DB, doc *SessionDoc) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&SessionDoc{}).
		Where("session_id = ?", doc.SessionID).
		Updates(map[string]interface{}{
			"session_name":  doc.SessionName,
			"document":      doc.Document,
			"last_accessed": doc.LastAccessed,
		}).Error
}

func (r *sessionDocRepo) Delete(ctx context.Context, tx *gorm.DB, sessionID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&SessionDoc{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *sessionDocRepo) List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*SessionDoc, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*SessionDoc
	q := transaction.WithContext(ctx).
		Order("last_accessed DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionDocRepo) DeleteOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Where("last_accessed < ?", cutoff).
		Delete(&SessionDoc{})
	return res.RowsAffected, res.Error
}

func (r *sessionDocRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).Model(&SessionDoc{}).Count(&n).Error
	return n, err
}

func (r *sessionDocRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
