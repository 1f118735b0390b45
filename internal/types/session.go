package types

import "time"

// MaxConversationMessages bounds the per-session history ring. Oldest
// messages are truncated first on overflow.
const MaxConversationMessages = 50

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleJob       MessageRole = "job"
)

// Message is one turn of a conversation. A job message is the only message
// whose later state may be mutated, via its JobInfo as the job advances.
type Message struct {
	Timestamp        time.Time      `json:"timestamp"`
	Role             MessageRole    `json:"role"`
	Content          string         `json:"content"`
	Commands         []Command      `json:"commands,omitempty"`
	ExecutionResults []any          `json:"execution_results,omitempty"`
	JobID            string         `json:"job_id,omitempty"`
	JobInfo          map[string]any `json:"job_info,omitempty"`
}

type SceneState struct {
	Actors      []map[string]any `json:"actors,omitempty"`
	Lights      []map[string]any `json:"lights,omitempty"`
	Sky         map[string]any   `json:"sky,omitempty"`
	Geolocation map[string]any   `json:"geolocation,omitempty"`
}

type SessionContext struct {
	SessionID           string         `json:"session_id"`
	SessionName         string         `json:"session_name"`
	CreatedAt           time.Time      `json:"created_at"`
	LastAccessed        time.Time      `json:"last_accessed"`
	ConversationHistory []Message      `json:"conversation_history"`
	SceneState          SceneState     `json:"scene_state"`
	UserPreferences     map[string]any `json:"user_preferences,omitempty"`
	LLMModel            string         `json:"llm_model,omitempty"`
}

// AppendMessage enforces the history ring bound.
func (sc *SessionContext) AppendMessage(msg Message) {
	sc.ConversationHistory = append(sc.ConversationHistory, msg)
	if len(sc.ConversationHistory) > MaxConversationMessages {
		overflow := len(sc.ConversationHistory) - MaxConversationMessages
		sc.ConversationHistory = sc.ConversationHistory[overflow:]
	}
}

// UpdateJobMessage mutates the job message carrying jobID, the one
// permitted post-append mutation of conversation history.
func (sc *SessionContext) UpdateJobMessage(jobID string, patch map[string]any) bool {
	for i := len(sc.ConversationHistory) - 1; i >= 0; i-- {
		m := &sc.ConversationHistory[i]
		if m.Role != RoleJob || m.JobID != jobID {
			continue
		}
		if m.JobInfo == nil {
			m.JobInfo = map[string]any{}
		}
		for k, v := range patch {
			m.JobInfo[k] = v
		}
		return true
	}
	return false
}

type SessionSummary struct {
	SessionID        string    `json:"session_id"`
	SessionName      string    `json:"session_name"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	InteractionCount int       `json:"interaction_count"`
}
