package session

import (
	"context"
	"sync"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

// Store is the failover policy over the primary and fallback backends.
// Reads prefer the primary and fall through on any failure surface
// (including not-found, which covers writes that only landed on the
// fallback while the primary was down). Writes are dual-homed and succeed
// if at least one backend accepts.
//
// Each session document is the unit of contention: a per-session mutex
// keeps a read-modify-write from interleaving with another on the same id.
type Store struct {
	log      *logger.Logger
	primary  Backend
	fallback Backend

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(primary, fallback Backend, log *logger.Logger) *Store {
	return &Store{
		log:      log.With("service", "SessionStore"),
		primary:  primary,
		fallback: fallback,
		locks:    map[string]*sync.Mutex{},
	}
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// dualWrite runs op against both backends; success if either accepts.
func (s *Store) dualWrite(name, sessionID string, op func(Backend) error) error {
	var primaryErr, fallbackErr error
	if s.primary != nil {
		primaryErr = op(s.primary)
		if primaryErr != nil {
			s.log.Warn("Primary backend write failed", "op", name, "session_id", sessionID, "error", primaryErr)
		}
	}
	if s.fallback != nil {
		fallbackErr = op(s.fallback)
		if fallbackErr != nil {
			s.log.Warn("Fallback backend write failed", "op", name, "session_id", sessionID, "error", fallbackErr)
		}
	}
	if primaryErr == nil || fallbackErr == nil {
		return nil
	}
	return primaryErr
}

func (s *Store) Create(ctx context.Context, sessionName string) (*types.SessionContext, error) {
	now := time.Now().UTC()
	sc := &types.SessionContext{
		SessionID:    NewSessionID(),
		SessionName:  sessionName,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := s.dualWrite("create", sc.SessionID, func(b Backend) error {
		return b.Create(ctx, sc)
	}); err != nil {
		return nil, err
	}
	s.log.Info("Created session", "session_id", sc.SessionID, "session_name", sessionName)
	return sc, nil
}

// Get returns the session and bumps last_accessed (read-that-returns).
func (s *Store) Get(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	sc, err := s.readLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sc.LastAccessed = time.Now().UTC()
	_ = s.dualWrite("touch", sessionID, func(b Backend) error {
		return b.Update(ctx, sc)
	})
	return sc, nil
}

func (s *Store) readLocked(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	if s.primary != nil {
		sc, err := s.primary.Get(ctx, sessionID)
		if err == nil {
			return sc, nil
		}
		if !apperr.IsCode(err, apperr.CodeSessionNotFound) {
			s.log.Warn("Primary backend read failed, trying fallback", "session_id", sessionID, "error", err)
		}
	}
	if s.fallback != nil {
		return s.fallback.Get(ctx, sessionID)
	}
	return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session not found: "+sessionID)
}

// Mutate applies fn to the current document under the session lock and
// dual-writes the result. fn returning an error aborts without writing.
func (s *Store) Mutate(ctx context.Context, sessionID string, fn func(*types.SessionContext) error) (*types.SessionContext, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	sc, err := s.readLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(sc); err != nil {
		return nil, err
	}
	if err := s.dualWrite("update", sessionID, func(b Backend) error {
		return b.Update(ctx, sc)
	}); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Store) Rename(ctx context.Context, sessionID, name string) (*types.SessionContext, error) {
	return s.Mutate(ctx, sessionID, func(sc *types.SessionContext) error {
		sc.SessionName = name
		return nil
	})
}

// AddInteraction appends a message to the bounded history ring.
func (s *Store) AddInteraction(ctx context.Context, sessionID string, msg types.Message) (*types.SessionContext, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.Mutate(ctx, sessionID, func(sc *types.SessionContext) error {
		sc.AppendMessage(msg)
		return nil
	})
}

// UpdateJobMessage patches the job message carrying jobID, the only
// mutation of already-appended history the model permits.
func (s *Store) UpdateJobMessage(ctx context.Context, sessionID, jobID string, patch map[string]any) error {
	_, err := s.Mutate(ctx, sessionID, func(sc *types.SessionContext) error {
		sc.UpdateJobMessage(jobID, patch)
		return nil
	})
	return err
}

// UpdateSceneState replaces scene state; called only after successfully
// executed commands.
func (s *Store) UpdateSceneState(ctx context.Context, sessionID string, fn func(*types.SceneState)) error {
	_, err := s.Mutate(ctx, sessionID, func(sc *types.SessionContext) error {
		fn(&sc.SceneState)
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	l := s.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()
	var primaryErr, fallbackErr error
	if s.primary != nil {
		primaryErr = s.primary.Delete(ctx, sessionID)
	}
	if s.fallback != nil {
		fallbackErr = s.fallback.Delete(ctx, sessionID)
	}
	if primaryErr == nil || fallbackErr == nil {
		return nil
	}
	// Both failed; a pair of not-founds is itself a not-found.
	return primaryErr
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]*types.SessionSummary, error) {
	if s.primary != nil {
		out, err := s.primary.List(ctx, limit, offset)
		if err == nil {
			return out, nil
		}
		s.log.Warn("Primary backend list failed, trying fallback", "error", err)
	}
	if s.fallback != nil {
		return s.fallback.List(ctx, limit, offset)
	}
	return nil, nil
}

func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	total := 0
	if s.primary != nil {
		if n, err := s.primary.CleanupOlderThan(ctx, age); err == nil {
			total += n
		}
	}
	if s.fallback != nil {
		if n, err := s.fallback.CleanupOlderThan(ctx, age); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *Store) HealthCheck(ctx context.Context) map[string]string {
	out := map[string]string{}
	check := func(name string, b Backend) {
		if b == nil {
			out[name] = "unconfigured"
			return
		}
		if err := b.HealthCheck(ctx); err != nil {
			out[name] = "error: " + err.Error()
			return
		}
		out[name] = "healthy"
	}
	check("primary", s.primary)
	check("fallback", s.fallback)
	return out
}
