package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/types"
)

// Backend is one storage home for session documents. Two implementations
// exist: the network record store (primary) and the local filesystem tree
// (fallback). The Store policy layer composes them.
type Backend interface {
	Create(ctx context.Context, sc *types.SessionContext) error
	Get(ctx context.Context, sessionID string) (*types.SessionContext, error)
	// Update is a full document replace and must bump last_accessed.
	Update(ctx context.Context, sc *types.SessionContext) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context, limit, offset int) ([]*types.SessionSummary, error)
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
	Count(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

var sessionIDPattern = regexp.MustCompile(`^sess_[A-Za-z0-9]{4,32}$`)

// NewSessionID generates the opaque short identifier callers hold.
func NewSessionID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "sess_" + raw[:8]
}

// ValidateSessionID gates every store operation.
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return apperr.UserInput(apperr.CodeInvalidUserInput,
			fmt.Sprintf("invalid session id: %q", sessionID))
	}
	return nil
}
