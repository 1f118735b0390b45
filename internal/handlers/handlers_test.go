package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/jobs"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/paths"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/registry"
	"github.com/megamelange/melange-backend/internal/session"
)

type stubPlugin struct {
	gotParams map[string]any
}

func (s *stubPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{ToolID: "stub", Name: "Stub", Version: "0.0.1"}
}
func (s *stubPlugin) SupportedCommands() []string            { return []string{"spawn_actor"} }
func (s *stubPlugin) Initialize(ctx context.Context) error   { return nil }
func (s *stubPlugin) Shutdown(ctx context.Context) error     { return nil }
func (s *stubPlugin) HealthCheck(ctx context.Context) plugins.HealthState {
	return plugins.HealthAvailable
}
func (s *stubPlugin) Validate(commandType string, params map[string]any) []string { return nil }
func (s *stubPlugin) Preprocess(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	return params, nil
}
func (s *stubPlugin) Execute(ctx context.Context, commandType string, params map[string]any) plugins.CommandResult {
	s.gotParams = params
	return plugins.OK(map[string]any{"actor_name": "Actor_1"})
}

type fixture struct {
	router   *gin.Engine
	sessions *session.Store
	stub     *stubPlugin
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	res, err := paths.NewResolver(paths.Config{ProjectRoot: t.TempDir(), AutoCreate: true}, log)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	reg, err := registry.New(res.RegistryFile(), log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sessions := session.NewStore(nil, session.NewFileBackend(res.SessionsDir(), log), log)
	mgr := jobs.NewManager(context.Background(), nil, nil, log)

	stub := &stubPlugin{}
	pluginReg := plugins.NewRegistry(log)
	if err := pluginReg.Register(stub); err != nil {
		t.Fatalf("register stub: %v", err)
	}
	dispatcher := plugins.NewDispatcher(pluginReg, log)

	prompt := NewPromptHandler(sessions, dispatcher, log)
	sess := NewSessionHandler(sessions, reg, res, log)
	roblox := NewRobloxHandler(mgr, res, log)
	health := NewHealthHandler(pluginReg, sessions, res, log)

	router := gin.New()
	router.POST("/", prompt.Root)
	router.GET("/sessions", sess.List)
	router.GET("/health", health.Health)
	router.GET("/api/roblox-status/:uid", roblox.Status)

	return &fixture{router: router, sessions: sessions, stub: stub}
}

func (f *fixture) post(t *testing.T, body map[string]any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("unmarshal response: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestCreateAndFetchSession(t *testing.T) {
	f := newFixture(t)

	rec, out := f.post(t, map[string]any{"action": "create_session", "session_name": "demo"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: want=200 got=%d (%s)", rec.Code, rec.Body.String())
	}
	sid, _ := out["session_id"].(string)
	if !strings.HasPrefix(sid, "sess_") {
		t.Fatalf("session id: %q", sid)
	}

	rec, out = f.post(t, map[string]any{"action": "get_context", "session_id": sid})
	if rec.Code != http.StatusOK {
		t.Fatalf("get_context: want=200 got=%d", rec.Code)
	}
	ctxMap, _ := out["context"].(map[string]any)
	if ctxMap["session_name"] != "demo" {
		t.Fatalf("context name: %v", ctxMap["session_name"])
	}
}

func TestGetContextUnknownSessionIs404(t *testing.T) {
	f := newFixture(t)
	rec, out := f.post(t, map[string]any{"action": "get_context", "session_id": "sess_deadbeef"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want=404 got=%d", rec.Code)
	}
	errMap, _ := out["error"].(map[string]any)
	if errMap["code"] != "session_not_found" {
		t.Fatalf("error code: %v", errMap["code"])
	}
}

func TestPromptExecutesCommandsAndRecordsHistory(t *testing.T) {
	f := newFixture(t)
	_, created := f.post(t, map[string]any{"action": "create_session", "session_name": "demo"})
	sid := created["session_id"].(string)

	rec, out := f.post(t, map[string]any{
		"prompt":     "spawn a light",
		"session_id": sid,
		"commands": []map[string]any{
			{"type": "spawn_actor", "params": map[string]any{"actor_class": "PointLight"}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("prompt: want=200 got=%d (%s)", rec.Code, rec.Body.String())
	}
	results, _ := out["execution_results"].([]any)
	if len(results) != 1 {
		t.Fatalf("execution results: want=1 got=%d", len(results))
	}
	first := results[0].(map[string]any)
	if first["success"] != true {
		t.Fatalf("command should succeed: %v", first)
	}
	// The handler injects the session id into command params.
	if f.stub.gotParams["session_id"] != sid {
		t.Fatalf("session_id not forwarded: %v", f.stub.gotParams)
	}
	sc, err := f.sessions.Get(context.Background(), sid)
	if err != nil {
		t.Fatalf("session get: %v", err)
	}
	if len(sc.ConversationHistory) != 2 {
		t.Fatalf("history: want=2 messages got=%d", len(sc.ConversationHistory))
	}
}

func TestPromptWithoutSessionCreatesOne(t *testing.T) {
	f := newFixture(t)
	rec, out := f.post(t, map[string]any{"prompt": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("want=200 got=%d", rec.Code)
	}
	notes, _ := out["debug_notes"].([]any)
	if len(notes) == 0 {
		t.Fatalf("auto-created session should be noted")
	}
}

func TestUnknownActionRejected(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.post(t, map[string]any{"action": "explode"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want=400 got=%d", rec.Code)
	}
}

func TestRobloxStatusUnknownUIDIs404(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/roblox-status/obj_999", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want=404 got=%d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want=200 got=%d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["status"] != "healthy" {
		t.Fatalf("status: %v", out["status"])
	}
}
