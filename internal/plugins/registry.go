package plugins

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
)

// Registry maps command types to their owning plugin. Registration is
// startup-time; lookups are hot-path.
type Registry struct {
	mu        sync.RWMutex
	log       *logger.Logger
	plugins   map[string]Plugin // tool id -> plugin
	byCommand map[string]Plugin // command type -> plugin
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:       log.With("service", "PluginRegistry"),
		plugins:   map[string]Plugin{},
		byCommand: map[string]Plugin{},
	}
}

// Register adds a plugin and claims its command types. A command type
// already owned by another plugin is a configuration error.
func (r *Registry) Register(p Plugin) error {
	meta := p.Metadata()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[meta.ToolID]; exists {
		return fmt.Errorf("plugin already registered: %s", meta.ToolID)
	}
	for _, cmd := range p.SupportedCommands() {
		if owner, taken := r.byCommand[cmd]; taken {
			return fmt.Errorf("command %q already owned by %s", cmd, owner.Metadata().ToolID)
		}
	}
	r.plugins[meta.ToolID] = p
	for _, cmd := range p.SupportedCommands() {
		r.byCommand[cmd] = p
	}
	r.log.Info("Registered plugin", "tool_id", meta.ToolID, "commands", len(p.SupportedCommands()))
	return nil
}

// Lookup resolves the owning plugin for a command type.
func (r *Registry) Lookup(commandType string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byCommand[commandType]
	if !ok {
		return nil, apperr.UserInput(apperr.CodeUnknownCommand,
			fmt.Sprintf("no plugin handles command %q", commandType))
	}
	return p, nil
}

func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// InitializeAll runs every plugin's Initialize; a failing plugin is logged
// and skipped, not fatal to the process.
func (r *Registry) InitializeAll(ctx context.Context) {
	for _, p := range r.Plugins() {
		if err := p.Initialize(ctx); err != nil {
			r.log.Warn("Plugin initialization failed", "tool_id", p.Metadata().ToolID, "error", err)
		}
	}
}

func (r *Registry) ShutdownAll(ctx context.Context) {
	for _, p := range r.Plugins() {
		if err := p.Shutdown(ctx); err != nil {
			r.log.Warn("Plugin shutdown failed", "tool_id", p.Metadata().ToolID, "error", err)
		}
	}
}

// HealthStatus reports every plugin's state keyed by tool id. Checks can
// touch the network (editor socket, provider keys), so they run in
// parallel.
func (r *Registry) HealthStatus(ctx context.Context) map[string]HealthState {
	var (
		mu  sync.Mutex
		out = map[string]HealthState{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.Plugins() {
		g.Go(func() error {
			state := p.HealthCheck(gctx)
			mu.Lock()
			out[p.Metadata().ToolID] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
