package conversations

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// DefaultMaxTurns bounds how much history the analyze prompt sees.
const DefaultMaxTurns = 12

// BuildTranscript renders the most recent turns as a tagged transcript, with
// the last user message called out as the question to analyze.
func BuildTranscript(messages []*schema.Message, maxTurns int) string {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	var (
		question string
		sb       strings.Builder
	)
	sb.WriteString("<conversation_context>\n")
	for _, msg := range trimTail(messages, maxTurns) {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.System:
			sb.WriteString("SystemMessage(" + msg.Content + ")\n")
		case schema.User:
			sb.WriteString("UserMessage(" + msg.Content + ")\n")
			question = msg.Content
		case schema.Assistant:
			sb.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	sb.WriteString("</conversation_context>\n")
	sb.WriteString("<current_message_to_analyze>\n")
	sb.WriteString("UserMessage(" + question + ")\n")
	sb.WriteString("</current_message_to_analyze>")
	return sb.String()
}

// trimTail returns a copy of the last maxTurns messages.
func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	source := messages
	if len(messages) > maxTurns {
		source = messages[len(messages)-maxTurns:]
	}
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
