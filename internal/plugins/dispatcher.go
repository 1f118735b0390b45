package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

// Dispatcher is the single entry point for executing a command: locate the
// owning plugin, validate, preprocess, execute, and fold every failure
// into the uniform CommandResult shape.
type Dispatcher struct {
	log *logger.Logger
	reg *Registry
}

func NewDispatcher(reg *Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		log: log.With("service", "CommandDispatcher"),
		reg: reg,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, cmd types.Command) CommandResult {
	p, err := d.reg.Lookup(cmd.Type)
	if err != nil {
		return Failed(err)
	}
	if state := p.HealthCheck(ctx); state != HealthAvailable {
		return Failed(apperr.External(apperr.CodeAPIUnavailable,
			fmt.Sprintf("plugin %s is %s", p.Metadata().ToolID, state)))
	}

	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	if errs := p.Validate(cmd.Type, params); len(errs) > 0 {
		return Failed(&apperr.Error{
			Code:     apperr.CodeValidationFailed,
			Category: apperr.CategoryUserInput,
			Message:  strings.Join(errs, "; "),
		})
	}

	params, err = p.Preprocess(ctx, cmd.Type, params)
	if err != nil {
		d.log.Warn("Command preprocessing failed", "command", cmd.Type, "error", err)
		return Failed(err)
	}

	result := p.Execute(ctx, cmd.Type, params)
	if !result.Success && result.Err == nil {
		result.Err = apperr.Internal(apperr.CodeCommandFailed,
			fmt.Errorf("plugin %s failed without an error", p.Metadata().ToolID))
	}
	if !result.Success {
		d.log.Warn("Command failed", "command", cmd.Type,
			"error_code", result.Err.Code, "error", result.Err.Message)
	}
	return result
}

// DispatchAll runs a batch in order, stopping early is the caller's
// policy: every command gets a result regardless of earlier failures.
func (d *Dispatcher) DispatchAll(ctx context.Context, cmds []types.Command) []CommandResult {
	out := make([]CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, d.Dispatch(ctx, cmd))
	}
	return out
}
