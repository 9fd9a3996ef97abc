package llm

import (
	"github.com/tmc/langchaingo/llms"
)

// Chat message roles as stored in conversation context.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of a conversation context. Tool-call requests and
// tool results are distinguished entries tied together by ToolCallID.
type ChatMessage struct {
	Role    string
	Content string

	// ToolCalls carries the model's tool-invocation requests on an
	// assistant message.
	ToolCalls []ToolCall

	// ToolCallID and Name identify the originating call on a tool-result
	// message.
	ToolCallID string
	Name       string
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// StepResult is the outcome of one generation iteration: the accumulated
// text, plus any tool calls the caller must resolve before re-invoking.
type StepResult struct {
	Text      string
	ToolCalls []ToolCall
}

// System, User, Assistant and ToolResult build ChatMessage values.

func System(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func User(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func Assistant(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// AssistantToolCalls records the model's tool requests in the context so the
// following tool results have their originating call.
func AssistantToolCalls(content string, calls []ToolCall) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResult ties a tool's output back to the call that requested it.
func ToolResult(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// toLLMMessages maps conversation context entries onto langchaingo message
// contents.
func toLLMMessages(history []ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))

		case RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))

		case RoleAssistant:
			parts := []llms.ContentPart{}
			if msg.Content != "" {
				parts = append(parts, llms.TextContent{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, llms.TextContent{Text: ""})
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})

		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Name:       msg.Name,
					Content:    msg.Content,
				}},
			})
		}
	}
	return out
}
