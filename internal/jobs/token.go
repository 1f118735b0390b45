package jobs

import (
	"context"
	"sync"

	"github.com/megamelange/melange-backend/internal/apperr"
)

// Token is the cooperative cancellation handle threaded through worker
// calls. Workers call Check at explicit checkpoints (phase boundaries and
// between I/O-bound steps) and exit cleanly when it fires; cancellation is
// never instant.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel fires the token; the first reason wins.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.reason == "" {
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Token) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Check is the checkpoint call: nil while running, a typed job_cancelled
// error once the token has fired.
func (t *Token) Check() error {
	select {
	case <-t.ctx.Done():
		reason := t.Reason()
		if reason == "" {
			reason = "job cancelled"
		}
		return apperr.Cancelled(reason)
	default:
		return nil
	}
}

// Context pairs I/O operations with the token so suspension points unwind
// promptly on cancellation.
func (t *Token) Context() context.Context { return t.ctx }
