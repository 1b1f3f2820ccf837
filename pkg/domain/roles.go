package domain

// Role identifies the sender of a stored or displayed message.
type Role string

const (
	// RoleSystem is an instruction message. It is never produced by the model.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool carries tool results for calls issued by an earlier assistant message.
	RoleTool Role = "tool"
)

// PartType tags a content part in the stored log.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// InvocationState is the progress of a tool invocation shown to the user.
type InvocationState string

const (
	StateCall   InvocationState = "call"
	StateResult InvocationState = "result"
)
