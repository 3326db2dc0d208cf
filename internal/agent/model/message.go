package model

// Role is the externally exposed author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the external chat message representation. Treat as immutable.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChainRequest is one inbound request: the conversation and the token budget
// for the synthesized answer.
type ChainRequest struct {
	Messages  []ChatMessage
	MaxTokens int
	UserID    string
}
