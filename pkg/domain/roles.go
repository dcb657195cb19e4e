package domain

// Role defines the sender of a conversation turn.
type Role string

const (
	// RoleSystem indicates the system prompt set at session creation.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the caller.
	RoleUser Role = "user"
	// RoleAssistant indicates a reply from the model.
	RoleAssistant Role = "assistant"
)
