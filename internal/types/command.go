package types

// Command is a structured request handed to the dispatcher. The
// natural-language planner that produces these is an external collaborator;
// the core only ever sees the parsed form.
type Command struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}
