package conversations

import (
	"github.com/cloudwego/eino/schema"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
)

const chunkObject = "chat.completion.chunk"

var toInternalRole = map[model.Role]schema.RoleType{
	model.RoleSystem:    schema.System,
	model.RoleUser:      schema.User,
	model.RoleAssistant: schema.Assistant,
}

var fromInternalRole = map[schema.RoleType]model.Role{
	schema.System:    model.RoleSystem,
	schema.User:      model.RoleUser,
	schema.Assistant: model.RoleAssistant,
}

// ToInternal converts external chat messages into eino messages, preserving
// order and content.
func ToInternal(msgs []model.ChatMessage) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		role, ok := toInternalRole[m.Role]
		if !ok {
			return nil, errx.InvalidRole(string(m.Role))
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

// FromInternal converts one eino message back to the external representation.
func FromInternal(msg *schema.Message) (model.ChatMessage, error) {
	if msg == nil {
		return model.ChatMessage{}, errx.InvalidRequest("nil message")
	}
	role, ok := fromInternalRole[msg.Role]
	if !ok {
		return model.ChatMessage{}, errx.InvalidRole(string(msg.Role))
	}
	return model.ChatMessage{Role: role, Content: msg.Content}, nil
}

// FromInternalChunk maps one pipeline event to the streaming envelope. seq is the
// zero-based position of the event in its run; the first envelope announces the
// assistant role. Only terminal envelopes carry a finish reason, and only the
// done envelope carries usage.
func FromInternalChunk(meta model.ChunkMeta, ev *model.Event, seq int) model.ChatCompletionChunk {
	chunk := model.ChatCompletionChunk{
		ID:      meta.ID,
		Object:  chunkObject,
		Created: meta.Created,
		Model:   meta.Model,
	}
	choice := model.ChunkChoice{Index: 0}
	if seq == 0 {
		choice.Delta.Role = model.RoleAssistant
	}

	switch ev.Kind {
	case model.EventDelta:
		choice.Delta.Content = ev.Content
	case model.EventDone:
		reason := ev.FinishReason
		if reason == "" {
			reason = model.FinishStop
		}
		choice.FinishReason = &reason
		var (
			usage model.TokenUsage
			cost  model.CostMetrics
		)
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		if ev.Cost != nil {
			cost = *ev.Cost
		}
		u := model.NewUsage(usage, cost)
		chunk.Usage = &u
	case model.EventError:
		reason := model.FinishError
		choice.FinishReason = &reason
		chunk.Error = APIErrorOf(ev.Err)
	}

	chunk.Choices = []model.ChunkChoice{choice}
	return chunk
}

// APIErrorOf renders the run's error slot for callers.
func APIErrorOf(se *model.StageError) *model.APIError {
	if se == nil {
		return &model.APIError{Message: errx.SystemErrorMessage, Type: string(errx.KindInternal)}
	}
	return &model.APIError{
		Message: se.Message,
		Type:    string(se.Kind),
		Code:    string(se.Kind),
		Stage:   string(se.Stage),
	}
}
