package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

type JobRunRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, run *types.JobRun) error
	Get(ctx context.Context, tx *gorm.DB, id string) (*types.JobRun, error)
	ListStaleInProgress(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*types.JobRun, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error
	DeleteTerminalOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) Upsert(ctx context.Context, tx *gorm.DB, run *types.JobRun) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Save(run).Error
}

func (r *jobRunRepo) Get(ctx context.Context, tx *gorm.DB, id string) (*types.JobRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run types.JobRun
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *jobRunRepo) ListStaleInProgress(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*types.JobRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.JobRun
	err := transaction.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(types.JobPending), string(types.JobInProgress)}, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRunRepo) DeleteTerminalOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{
			string(types.JobCompleted), string(types.JobFailed), string(types.JobCancelled),
		}, cutoff).
		Delete(&types.JobRun{})
	return res.RowsAffected, res.Error
}
