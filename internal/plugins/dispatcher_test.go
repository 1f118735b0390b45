package plugins

import (
	"context"
	"strings"
	"testing"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/types"
)

type stubPlugin struct {
	id            string
	commands      []string
	health        HealthState
	validateErrs  []string
	preprocessed  map[string]any
	executeResult CommandResult
	gotParams     map[string]any
}

func (s *stubPlugin) Metadata() Metadata {
	return Metadata{ToolID: s.id, Name: s.id, Version: "1.0.0"}
}
func (s *stubPlugin) SupportedCommands() []string            { return s.commands }
func (s *stubPlugin) Initialize(ctx context.Context) error   { return nil }
func (s *stubPlugin) Shutdown(ctx context.Context) error     { return nil }
func (s *stubPlugin) HealthCheck(ctx context.Context) HealthState {
	if s.health == "" {
		return HealthAvailable
	}
	return s.health
}
func (s *stubPlugin) Validate(commandType string, params map[string]any) []string {
	return s.validateErrs
}
func (s *stubPlugin) Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	if s.preprocessed != nil {
		return s.preprocessed, nil
	}
	return params, nil
}
func (s *stubPlugin) Execute(ctx context.Context, commandType string, params map[string]any) CommandResult {
	s.gotParams = params
	return s.executeResult
}

func newDispatcher(t *testing.T, ps ...Plugin) *Dispatcher {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	reg := NewRegistry(log)
	for _, p := range ps {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return NewDispatcher(reg, log)
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := newDispatcher(t)
	res := d.Dispatch(context.Background(), types.Command{Type: "levitate_scene"})
	if res.Success {
		t.Fatalf("unknown command should fail")
	}
	if res.Err.Code != apperr.CodeUnknownCommand {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeUnknownCommand, res.Err.Code)
	}
}

func TestDispatchRefusesUnavailablePlugin(t *testing.T) {
	p := &stubPlugin{id: "video", commands: []string{"generate_video"}, health: HealthUnavailable}
	d := newDispatcher(t, p)
	res := d.Dispatch(context.Background(), types.Command{Type: "generate_video"})
	if res.Success {
		t.Fatalf("unavailable plugin should refuse execution")
	}
	if res.Err.Code != apperr.CodeAPIUnavailable {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeAPIUnavailable, res.Err.Code)
	}
}

func TestDispatchWrapsValidationErrors(t *testing.T) {
	p := &stubPlugin{
		id:           "editor",
		commands:     []string{"set_time_of_day"},
		validateErrs: []string{"time of day must be in [0, 2400], got 9999"},
	}
	d := newDispatcher(t, p)
	res := d.Dispatch(context.Background(), types.Command{
		Type: "set_time_of_day", Params: map[string]any{"time": 9999.0}})
	if res.Success {
		t.Fatalf("invalid params should fail")
	}
	if res.Err.Code != apperr.CodeValidationFailed {
		t.Fatalf("error code: want=%s got=%s", apperr.CodeValidationFailed, res.Err.Code)
	}
	if !strings.Contains(res.Err.Message, "2400") {
		t.Fatalf("validation detail lost: %s", res.Err.Message)
	}
}

func TestDispatchExecutesWithPreprocessedParams(t *testing.T) {
	p := &stubPlugin{
		id:            "editor",
		commands:      []string{"create_light"},
		preprocessed:  map[string]any{"intensity": 1000.0},
		executeResult: OK(map[string]any{"light": "PointLight_1"}),
	}
	d := newDispatcher(t, p)
	res := d.Dispatch(context.Background(), types.Command{Type: "create_light"})
	if !res.Success {
		t.Fatalf("dispatch failed: %v", res.Err)
	}
	if p.gotParams["intensity"] != 1000.0 {
		t.Fatalf("execute did not see preprocessed params: %v", p.gotParams)
	}
	if res.Result["light"] != "PointLight_1" {
		t.Fatalf("result lost: %v", res.Result)
	}
}

func TestRegistryRejectsDuplicateCommand(t *testing.T) {
	log, _ := logger.New("test")
	reg := NewRegistry(log)
	if err := reg.Register(&stubPlugin{id: "a", commands: []string{"spawn_actor"}}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(&stubPlugin{id: "b", commands: []string{"spawn_actor"}}); err == nil {
		t.Fatalf("duplicate command registration should fail")
	}
	if err := reg.Register(&stubPlugin{id: "a", commands: []string{"other"}}); err == nil {
		t.Fatalf("duplicate tool id registration should fail")
	}
}

func TestRegistryHealthStatus(t *testing.T) {
	p1 := &stubPlugin{id: "editor", commands: []string{"spawn_actor"}}
	p2 := &stubPlugin{id: "video", commands: []string{"generate_video"}, health: HealthUnavailable}
	d := newDispatcher(t, p1, p2)
	status := d.reg.HealthStatus(context.Background())
	if status["editor"] != HealthAvailable || status["video"] != HealthUnavailable {
		t.Fatalf("health status: %v", status)
	}
}
