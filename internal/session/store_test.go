package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// failingBackend raises for every operation, standing in for a primary
// whose network home is down.
type failingBackend struct{}

var errDown = errors.New("backend down")

func (f *failingBackend) Create(ctx context.Context, sc *types.SessionContext) error { return errDown }
func (f *failingBackend) Get(ctx context.Context, sessionID string) (*types.SessionContext, error) {
	return nil, errDown
}
func (f *failingBackend) Update(ctx context.Context, sc *types.SessionContext) error { return errDown }
func (f *failingBackend) Delete(ctx context.Context, sessionID string) error         { return errDown }
func (f *failingBackend) List(ctx context.Context, limit, offset int) ([]*types.SessionSummary, error) {
	return nil, errDown
}
func (f *failingBackend) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return 0, errDown
}
func (f *failingBackend) Count(ctx context.Context) (int, error) { return 0, errDown }
func (f *failingBackend) HealthCheck(ctx context.Context) error  { return errDown }

func newFallbackOnlyStore(t *testing.T) *Store {
	t.Helper()
	log := testLogger(t)
	fb := NewFileBackend(t.TempDir(), log)
	return NewStore(&failingBackend{}, fb, log)
}

func TestSessionIDHelper(t *testing.T) {
	id := NewSessionID()
	if err := ValidateSessionID(id); err != nil {
		t.Fatalf("ValidateSessionID(%q): %v", id, err)
	}
	for _, bad := range []string{"", "sess_", "abc", "sess_!!!!", "session_12345678"} {
		if err := ValidateSessionID(bad); err == nil {
			t.Fatalf("ValidateSessionID(%q): expected error", bad)
		}
	}
}

func TestFallbackServesWhenPrimaryDown(t *testing.T) {
	s := newFallbackOnlyStore(t)
	ctx := context.Background()

	sc, err := s.Create(ctx, "my scene")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, sc.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionName != "my scene" {
		t.Fatalf("session name: want=%q got=%q", "my scene", got.SessionName)
	}

	if _, err := s.Rename(ctx, sc.SessionID, "renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	list, err := s.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].SessionName != "renamed" {
		t.Fatalf("List after rename: got=%+v", list)
	}

	if err := s.Delete(ctx, sc.SessionID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, sc.SessionID); !apperr.IsCode(err, apperr.CodeSessionNotFound) {
		t.Fatalf("Get after delete: want session_not_found got %v", err)
	}
}

func TestInteractionsRoundTripInOrder(t *testing.T) {
	s := newFallbackOnlyStore(t)
	ctx := context.Background()
	sc, err := s.Create(ctx, "conv")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, content := range []string{"first", "second", "third"} {
		if _, err := s.AddInteraction(ctx, sc.SessionID, types.Message{Role: types.RoleUser, Content: content}); err != nil {
			t.Fatalf("AddInteraction(%s): %v", content, err)
		}
	}
	got, err := s.Get(ctx, sc.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.ConversationHistory) != 3 {
		t.Fatalf("history length: want=3 got=%d", len(got.ConversationHistory))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got.ConversationHistory[i].Content != want {
			t.Fatalf("history[%d]: want=%q got=%q", i, want, got.ConversationHistory[i].Content)
		}
	}
}

func TestHistoryRingTruncatesOldestFirst(t *testing.T) {
	sc := &types.SessionContext{}
	for i := 0; i < types.MaxConversationMessages+5; i++ {
		sc.AppendMessage(types.Message{Role: types.RoleUser, Content: string(rune('a' + i%26))})
	}
	if len(sc.ConversationHistory) != types.MaxConversationMessages {
		t.Fatalf("ring length: want=%d got=%d", types.MaxConversationMessages, len(sc.ConversationHistory))
	}
}

func TestJobMessageIsMutable(t *testing.T) {
	s := newFallbackOnlyStore(t)
	ctx := context.Background()
	sc, err := s.Create(ctx, "jobs")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.AddInteraction(ctx, sc.SessionID, types.Message{
		Role:    types.RoleJob,
		Content: "video generation started",
		JobID:   "job_123",
		JobInfo: map[string]any{"status": "pending", "progress": 0},
	}); err != nil {
		t.Fatalf("AddInteraction: %v", err)
	}
	if err := s.UpdateJobMessage(ctx, sc.SessionID, "job_123", map[string]any{"status": "completed", "progress": 100}); err != nil {
		t.Fatalf("UpdateJobMessage: %v", err)
	}
	got, err := s.Get(ctx, sc.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	info := got.ConversationHistory[0].JobInfo
	if info["status"] != "completed" {
		t.Fatalf("job message status: want=completed got=%v", info["status"])
	}
}

func TestGetBumpsLastAccessed(t *testing.T) {
	s := newFallbackOnlyStore(t)
	ctx := context.Background()
	sc, err := s.Create(ctx, "touch")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := sc.LastAccessed
	time.Sleep(10 * time.Millisecond)
	got, err := s.Get(ctx, sc.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastAccessed.After(before) {
		t.Fatalf("last_accessed not bumped: before=%v after=%v", before, got.LastAccessed)
	}
}

func TestListOrdersByLastAccessedDescending(t *testing.T) {
	s := newFallbackOnlyStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "older")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := s.Create(ctx, "newer"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := s.Get(ctx, a.SessionID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	list, err := s.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length: want=2 got=%d", len(list))
	}
	if list[0].SessionName != "older" {
		t.Fatalf("order: want touched session first, got=%s", list[0].SessionName)
	}
}
