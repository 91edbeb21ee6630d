package model

// AgentRequest is the instruction handed to the sandbox runner for one
// execution. It is serialized as-is onto the agent's stdin and is owned by
// the caller for the duration of the run; it is never persisted.
type AgentRequest struct {
	Prompt          string  `json:"prompt"`
	SessionID       *string `json:"session_id,omitempty"`
	GroupFolder     string  `json:"group_folder"`
	ChatJID         string  `json:"chat_jid"`
	IsMain          bool    `json:"is_main"`
	IsScheduledTask bool    `json:"is_scheduled_task"`
}

// AgentResult is the structured record the agent reports back on stdout,
// either between the output sentinels or as the last non-blank line. Status
// is a free-form short string, conventionally "success" or "error".
type AgentResult struct {
	Status       string  `json:"status"`
	Result       *string `json:"result,omitempty"`
	NewSessionID *string `json:"new_session_id,omitempty"`
	Error        *string `json:"error,omitempty"`
}
