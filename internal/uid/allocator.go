package uid

import (
	"fmt"
	"os"
	"sync"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/fsutil"
	"github.com/megamelange/melange-backend/internal/logger"
)

// Allocator deals out monotonic, durable per-kind identifiers of the form
// <kind>_<NNN>. The counter is persisted via write-temp-then-rename before
// a uid is returned, so a crash leaves either the pre-increment or the
// post-increment value on disk, never a partial write.
type Allocator struct {
	mu        sync.Mutex
	log       *logger.Logger
	statePath string
	counters  map[string]int
	// padWidth per kind never shrinks once a wider uid has been issued.
	padWidth map[string]int
}

type state struct {
	Counters map[string]int `json:"counters"`
	PadWidth map[string]int `json:"pad_width,omitempty"`
}

func NewAllocator(statePath string, kinds []string, log *logger.Logger) (*Allocator, error) {
	a := &Allocator{
		log:       log.With("service", "UIDAllocator", "state_path", statePath),
		statePath: statePath,
		counters:  map[string]int{},
		padWidth:  map[string]int{},
	}
	for _, k := range kinds {
		a.counters[k] = 0
		a.padWidth[k] = 3
	}
	var st state
	err := fsutil.ReadJSON(statePath, &st)
	switch {
	case err == nil:
		for k, v := range st.Counters {
			a.counters[k] = v
		}
		for k, v := range st.PadWidth {
			if v > a.padWidth[k] {
				a.padWidth[k] = v
			}
		}
		a.log.Info("Loaded uid state", "counters", a.counters)
	case os.IsNotExist(err):
		a.log.Info("No uid state on disk, starting fresh")
	default:
		return nil, fmt.Errorf("load uid state: %w", err)
	}
	return a, nil
}

func (a *Allocator) knows(kind string) bool {
	_, ok := a.counters[kind]
	return ok
}

// Next atomically increments the counter for kind, persists, and returns
// the formatted uid. Persistence happens before the uid is visible to the
// caller (durability invariant).
func (a *Allocator) Next(kind string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.knows(kind) {
		return "", apperr.UserInput(apperr.CodeInvalidUIDFormat, fmt.Sprintf("unknown uid kind %q", kind))
	}
	a.counters[kind]++
	if err := a.persistLocked(); err != nil {
		a.counters[kind]--
		a.log.Error("Failed to persist uid state", "kind", kind, "error", err)
		return "", apperr.Wrap(apperr.CategoryInternal, apperr.CodeUIDGenerationFailed, err)
	}
	uid := a.formatLocked(kind, a.counters[kind])
	return uid, nil
}

// Current returns the counter without incrementing.
func (a *Allocator) Current(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[kind]
}

// Rollback decrements the counter for kind by one. Only legal immediately
// after an allocation whose follow-up work failed and whose uid was never
// exposed to another subsystem; the registry must hold no record for it.
func (a *Allocator) Rollback(kind string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.knows(kind) {
		return apperr.UserInput(apperr.CodeInvalidUIDFormat, fmt.Sprintf("unknown uid kind %q", kind))
	}
	if a.counters[kind] <= 0 {
		return apperr.Internal(apperr.CodeUIDGenerationFailed, fmt.Errorf("rollback %s below zero", kind))
	}
	a.counters[kind]--
	if err := a.persistLocked(); err != nil {
		a.counters[kind]++
		return apperr.Wrap(apperr.CategoryInternal, apperr.CodeStorageError, err)
	}
	a.log.Debug("Rolled back uid counter", "kind", kind, "counter", a.counters[kind])
	return nil
}

func (a *Allocator) formatLocked(kind string, n int) string {
	width := a.padWidth[kind]
	uid := fmt.Sprintf("%s_%0*d", kind, width, n)
	if got := len(fmt.Sprintf("%d", n)); got > width {
		a.padWidth[kind] = got
	}
	return uid
}

func (a *Allocator) persistLocked() error {
	return fsutil.WriteJSONAtomic(a.statePath, state{Counters: a.counters, PadWidth: a.padWidth})
}
