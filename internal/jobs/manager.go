package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/clients/redisbus"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/repos"
	"github.com/megamelange/melange-backend/internal/types"
)

// Runner is the unit of work a job executes. It reports phases and
// progress through the Context and honors its cancellation token.
type Runner func(jc *Context) (map[string]any, error)

// Context is handed to a runner. It wraps the job record, the token, and
// the manager's coalesced progress reporting.
type Context struct {
	mgr   *Manager
	jobID string
	Token *Token
}

func (jc *Context) JobID() string { return jc.jobID }

// Check is the runner's cancellation checkpoint.
func (jc *Context) Check() error { return jc.Token.Check() }

// Ctx is the context paired with every suspension point inside the job.
func (jc *Context) Ctx() context.Context { return jc.Token.Context() }

// SetPhase records the phase label and its progress floor. Progress never
// moves backward within a run.
func (jc *Context) SetPhase(phase string, progress int) {
	jc.mgr.updateProgress(jc.jobID, phase, progress)
}

func (jc *Context) Progress(progress int) {
	jc.mgr.updateProgress(jc.jobID, "", progress)
}

type jobState struct {
	job   types.Job
	token *Token
	done  chan struct{}
}

// Manager coordinates typed jobs: allocation, lifecycle, cancellation,
// durable mirroring, and cleanup. It is a coordinator, not a worker:
// each job runs on its own goroutine.
type Manager struct {
	mu       sync.Mutex
	log      *logger.Logger
	jobs     map[string]*jobState
	byTarget map[string]string // target uid -> active job id
	repo     repos.JobRunRepo  // optional durable tier
	bus      redisbus.ProgressBus

	baseCtx context.Context
}

func NewManager(baseCtx context.Context, repo repos.JobRunRepo, bus redisbus.ProgressBus, log *logger.Logger) *Manager {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Manager{
		log:      log.With("service", "JobManager"),
		jobs:     map[string]*jobState{},
		byTarget: map[string]string{},
		repo:     repo,
		bus:      bus,
		baseCtx:  baseCtx,
	}
}

// Submit registers a new job and dispatches its runner. At most one active
// job may exist per target uid: a second submission cancels the prior one
// (observed by its worker at the next checkpoint) and takes over the slot.
func (m *Manager) Submit(jobType, targetUID, sessionID string, params map[string]any, run Runner) (*types.Job, error) {
	if run == nil {
		return nil, apperr.Internal(apperr.CodeCommandFailed, fmt.Errorf("nil runner for %s", jobType))
	}
	jobID := "job_" + uuid.NewString()
	now := time.Now().UTC()
	st := &jobState{
		job: types.Job{
			JobID:     jobID,
			JobType:   jobType,
			SessionID: sessionID,
			TargetUID: targetUID,
			Status:    types.JobPending,
			Params:    params,
			CreatedAt: now,
			UpdatedAt: now,
		},
		token: newToken(m.baseCtx),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if targetUID != "" {
		if priorID, ok := m.byTarget[targetUID]; ok {
			if prior, exists := m.jobs[priorID]; exists && !prior.job.Status.Terminal() {
				m.log.Info("Superseding active job for target",
					"target_uid", targetUID, "prior_job_id", priorID, "new_job_id", jobID)
				prior.token.Cancel("superseded by newer request for " + targetUID)
			}
		}
		m.byTarget[targetUID] = jobID
	}
	m.jobs[jobID] = st
	m.mu.Unlock()

	m.persist(&st.job)
	m.publish(&st.job)

	go m.execute(st, run)
	job := st.job
	return &job, nil
}

func (m *Manager) execute(st *jobState, run Runner) {
	defer close(st.done)
	jc := &Context{mgr: m, jobID: st.job.JobID, Token: st.token}

	if !m.transition(st.job.JobID, types.JobInProgress, nil, nil) {
		return
	}

	result, err := func() (res map[string]any, runErr error) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("Job runner panic", "job_id", st.job.JobID, "panic", r)
				runErr = apperr.Internal(apperr.CodeCommandFailed, fmt.Errorf("panic: %v", r))
			}
		}()
		return run(jc)
	}()

	switch {
	case st.token.Cancelled():
		reason := st.token.Reason()
		m.transition(st.job.JobID, types.JobCancelled, nil, apperr.Cancelled(reason))
	case err != nil:
		m.transition(st.job.JobID, types.JobFailed, nil, apperr.As(err))
	default:
		m.transition(st.job.JobID, types.JobCompleted, result, nil)
	}
}

// transition applies a lifecycle move, refusing anything the status graph
// forbids. Returns whether the move happened.
func (m *Manager) transition(jobID string, to types.JobStatus, result map[string]any, jobErr *apperr.Error) bool {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	if !ok || !st.job.Status.CanTransition(to) {
		m.mu.Unlock()
		return false
	}
	st.job.Status = to
	st.job.UpdatedAt = time.Now().UTC()
	if to == types.JobCompleted {
		st.job.Result = result
		st.job.Progress = 100
	}
	if jobErr != nil {
		st.job.Error = jobErr.Message
		if st.job.Error == "" {
			st.job.Error = jobErr.Code
		}
		st.job.ErrorCode = jobErr.Code
	}
	if to.Terminal() && st.job.TargetUID != "" && m.byTarget[st.job.TargetUID] == jobID {
		delete(m.byTarget, st.job.TargetUID)
	}
	job := st.job
	m.mu.Unlock()

	m.persist(&job)
	m.publish(&job)
	return true
}

func (m *Manager) updateProgress(jobID, phase string, progress int) {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	if !ok || st.job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	changed := false
	if phase != "" && phase != st.job.Phase {
		st.job.Phase = phase
		changed = true
	}
	if progress > st.job.Progress {
		if progress > 100 {
			progress = 100
		}
		st.job.Progress = progress
		changed = true
	}
	if changed {
		st.job.UpdatedAt = time.Now().UTC()
	}
	job := st.job
	m.mu.Unlock()
	if changed {
		m.persist(&job)
		m.publish(&job)
	}
}

func (m *Manager) Get(jobID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "job not found: "+jobID)
	}
	job := st.job
	return &job, nil
}

// GetByTarget returns the most recent job (active or terminal) that
// targeted uid.
func (m *Manager) GetByTarget(targetUID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobID, ok := m.byTarget[targetUID]; ok {
		if st, exists := m.jobs[jobID]; exists {
			job := st.job
			return &job, nil
		}
	}
	var newest *types.Job
	for _, st := range m.jobs {
		if st.job.TargetUID != targetUID {
			continue
		}
		if newest == nil || st.job.CreatedAt.After(newest.CreatedAt) {
			job := st.job
			newest = &job
		}
	}
	if newest == nil {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "no job for uid "+targetUID)
	}
	return newest, nil
}

// Cancel fires the job's token. The status flips when the worker observes
// the checkpoint, or immediately for jobs still pending.
func (m *Manager) Cancel(jobID, reason string) error {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound(apperr.CodeJobNotFound, "job not found: "+jobID)
	}
	if st.job.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	pending := st.job.Status == types.JobPending
	m.mu.Unlock()

	st.token.Cancel(reason)
	if pending {
		m.transition(jobID, types.JobCancelled, nil, apperr.Cancelled(reason))
	}
	return nil
}

func (m *Manager) CancelByTarget(targetUID, reason string) (*types.Job, error) {
	job, err := m.GetByTarget(targetUID)
	if err != nil {
		return nil, err
	}
	if err := m.Cancel(job.JobID, reason); err != nil {
		return nil, err
	}
	return m.Get(job.JobID)
}

// Wait blocks until the job's goroutine finishes. Test and pipeline glue.
func (m *Manager) Wait(jobID string, timeout time.Duration) (*types.Job, error) {
	m.mu.Lock()
	st, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "job not found: "+jobID)
	}
	select {
	case <-st.done:
		return m.Get(jobID)
	case <-time.After(timeout):
		return nil, apperr.New(apperr.CategoryInternal, apperr.CodeJobTimeout,
			fmt.Sprintf("job %s did not finish within %s", jobID, timeout))
	}
}

// Cleanup discards terminal jobs older than age from the cache and the
// durable tier.
func (m *Manager) Cleanup(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	m.mu.Lock()
	removed := 0
	for id, st := range m.jobs {
		if st.job.Status.Terminal() && st.job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	m.mu.Unlock()
	if m.repo != nil {
		if n, err := m.repo.DeleteTerminalOlderThan(context.Background(), nil, cutoff); err != nil {
			m.log.Warn("Durable job cleanup failed", "error", err)
		} else if int(n) > removed {
			removed = int(n)
		}
	}
	if removed > 0 {
		m.log.Info("Cleaned up terminal jobs", "count", removed, "age", age)
	}
	return removed
}

// StartSweeper runs Cleanup on an interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval, age time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(age)
			}
		}
	}()
}

// RecoverStale marks durable in-flight rows whose worker process died
// (updated_at older than staleAfter) as failed. Called once at startup.
func (m *Manager) RecoverStale(ctx context.Context, staleAfter time.Duration) int {
	if m.repo == nil {
		return 0
	}
	stale, err := m.repo.ListStaleInProgress(ctx, nil, time.Now().Add(-staleAfter))
	if err != nil {
		m.log.Warn("Stale job recovery scan failed", "error", err)
		return 0
	}
	recovered := 0
	for _, run := range stale {
		err := m.repo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
			"status":     string(types.JobFailed),
			"error":      "aborted by process restart",
			"error_code": apperr.CodeCommandFailed,
		})
		if err != nil {
			m.log.Warn("Failed to mark stale job", "job_id", run.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.log.Info("Marked stale in-flight jobs as failed", "count", recovered)
	}
	return recovered
}

func (m *Manager) persist(job *types.Job) {
	if m.repo == nil {
		return
	}
	run := &types.JobRun{
		ID:        job.JobID,
		JobType:   job.JobType,
		SessionID: job.SessionID,
		TargetUID: job.TargetUID,
		Status:    string(job.Status),
		Phase:     job.Phase,
		Progress:  job.Progress,
		Error:     job.Error,
		ErrorCode: job.ErrorCode,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Params != nil {
		if b, err := json.Marshal(job.Params); err == nil {
			run.Params = datatypes.JSON(b)
		}
	}
	if job.Result != nil {
		if b, err := json.Marshal(job.Result); err == nil {
			run.Result = datatypes.JSON(b)
		}
	}
	if err := m.repo.Upsert(context.Background(), nil, run); err != nil {
		m.log.Warn("Durable job write failed", "job_id", job.JobID, "error", err)
	}
}

func (m *Manager) publish(job *types.Job) {
	if m.bus == nil {
		return
	}
	ev := redisbus.ProgressEvent{
		JobID:     job.JobID,
		JobType:   job.JobType,
		SessionID: job.SessionID,
		TargetUID: job.TargetUID,
		Status:    string(job.Status),
		Phase:     job.Phase,
		Progress:  job.Progress,
		Error:     job.Error,
		Result:    job.Result,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Debug("Progress publish failed", "job_id", job.JobID, "error", err)
	}
}
