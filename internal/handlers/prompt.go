package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/plugins"
	"github.com/megamelange/melange-backend/internal/session"
	"github.com/megamelange/melange-backend/internal/types"
)

// PromptHandler owns POST /: the action multiplexer (create_session,
// get_context, delete_session) and the natural-language entry. The NL
// planner is an external collaborator; requests arrive with the commands
// already parsed, and this handler runs them through the dispatcher and
// records the exchange in the session.
type PromptHandler struct {
	log        *logger.Logger
	sessions   *session.Store
	dispatcher *plugins.Dispatcher
}

func NewPromptHandler(sessions *session.Store, dispatcher *plugins.Dispatcher, log *logger.Logger) *PromptHandler {
	return &PromptHandler{
		log:        log.With("handler", "PromptHandler"),
		sessions:   sessions,
		dispatcher: dispatcher,
	}
}

type rootRequest struct {
	Action      string `json:"action"`
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`

	Prompt           string          `json:"prompt"`
	Commands         []types.Command `json:"commands"`
	MainPrompt       string          `json:"main_prompt"`
	ReferencePrompts []string        `json:"reference_prompts"`
	MainImageData    string          `json:"main_image_data"`
	TargetImageUID   string          `json:"target_image_uid"`
	ReferenceImages  []string        `json:"reference_images"`
}

func (h *PromptHandler) Root(c *gin.Context) {
	var req rootRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.UserInput(apperr.CodeValidationFailed, "malformed request body: "+err.Error()))
		return
	}
	switch req.Action {
	case "create_session":
		h.createSession(c, req)
	case "get_context":
		h.getContext(c, req)
	case "delete_session":
		h.deleteSession(c, req)
	case "":
		h.prompt(c, req)
	default:
		RespondError(c, apperr.UserInput(apperr.CodeValidationFailed, fmt.Sprintf("unknown action %q", req.Action)))
	}
}

func (h *PromptHandler) createSession(c *gin.Context, req rootRequest) {
	name := req.SessionName
	if name == "" {
		name = "Untitled Session"
	}
	sc, err := h.sessions.Create(c.Request.Context(), name)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"session_id":    sc.SessionID,
		"session_name":  sc.SessionName,
		"created_at":    sc.CreatedAt,
		"last_accessed": sc.LastAccessed,
	})
}

func (h *PromptHandler) getContext(c *gin.Context, req rootRequest) {
	sc, err := h.sessions.Get(c.Request.Context(), req.SessionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"context": sc})
}

func (h *PromptHandler) deleteSession(c *gin.Context, req rootRequest) {
	if err := h.sessions.Delete(c.Request.Context(), req.SessionID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"success": true,
		"message": "session deleted: " + req.SessionID,
	})
}

func (h *PromptHandler) prompt(c *gin.Context, req rootRequest) {
	if req.Prompt == "" {
		RespondError(c, apperr.UserInput(apperr.CodeValidationFailed, "prompt is required"))
		return
	}
	ctx := c.Request.Context()
	var debugNotes []string

	sessionID := req.SessionID
	if sessionID == "" {
		sc, err := h.sessions.Create(ctx, sessionNameFromPrompt(req.Prompt))
		if err != nil {
			RespondError(c, err)
			return
		}
		sessionID = sc.SessionID
		debugNotes = append(debugNotes, "no session_id supplied, created "+sessionID)
	}

	if _, err := h.sessions.AddInteraction(ctx, sessionID, types.Message{
		Role:     types.RoleUser,
		Content:  req.Prompt,
		Commands: req.Commands,
	}); err != nil {
		RespondError(c, err)
		return
	}

	executionResults := make([]any, 0, len(req.Commands))
	failures := 0
	for _, cmd := range req.Commands {
		cmd.Params = h.enrichParams(cmd.Params, req, sessionID)
		res := h.dispatcher.Dispatch(ctx, cmd)

		entry := map[string]any{
			"command": cmd.Type,
			"success": res.Success,
			"mode":    string(res.Mode),
		}
		if res.Result != nil {
			entry["result"] = res.Result
		}
		if res.JobID != "" {
			entry["job_id"] = res.JobID
			if _, err := h.sessions.AddInteraction(ctx, sessionID, types.Message{
				Role:    types.RoleJob,
				Content: fmt.Sprintf("Started %s", cmd.Type),
				JobID:   res.JobID,
				JobInfo: map[string]any{"status": "queued", "command": cmd.Type},
			}); err != nil {
				h.log.Warn("Failed to record job message", "session_id", sessionID, "job_id", res.JobID, "error", err)
			}
		}
		if !res.Success {
			failures++
			if res.Err != nil {
				entry["error"] = res.Err.Message
				entry["error_code"] = res.Err.Code
			}
		}
		executionResults = append(executionResults, entry)
	}

	sc, err := h.sessions.AddInteraction(ctx, sessionID, types.Message{
		Role:             types.RoleAssistant,
		Content:          summarizeExecution(len(req.Commands), failures),
		ExecutionResults: executionResults,
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	RespondOK(c, gin.H{
		"conversation_context": sc,
		"ai_processing": gin.H{
			"generated_commands": req.Commands,
		},
		"execution_results": executionResults,
		"debug_notes":       debugNotes,
	})
}

// enrichParams merges the request-level media fields into a command's
// params without clobbering anything the planner set explicitly.
func (h *PromptHandler) enrichParams(params map[string]any, req rootRequest, sessionID string) map[string]any {
	out := make(map[string]any, len(params)+6)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["session_id"]; !ok {
		out["session_id"] = sessionID
	}
	setIfAbsent := func(key string, value any) {
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}
	if req.MainPrompt != "" {
		setIfAbsent("main_prompt", req.MainPrompt)
	}
	if len(req.ReferencePrompts) > 0 {
		setIfAbsent("reference_prompts", toAnySlice(req.ReferencePrompts))
	}
	if req.MainImageData != "" {
		setIfAbsent("main_image_data", req.MainImageData)
	}
	if req.TargetImageUID != "" {
		setIfAbsent("target_image_uid", req.TargetImageUID)
	}
	if len(req.ReferenceImages) > 0 {
		setIfAbsent("reference_images", toAnySlice(req.ReferenceImages))
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func summarizeExecution(total, failures int) string {
	switch {
	case total == 0:
		return "No commands to execute."
	case failures == 0:
		return fmt.Sprintf("Executed %d command(s).", total)
	default:
		return fmt.Sprintf("Executed %d command(s), %d failed.", total, failures)
	}
}

func sessionNameFromPrompt(prompt string) string {
	const maxLen = 40
	if len(prompt) <= maxLen {
		return prompt
	}
	return prompt[:maxLen] + "…"
}
