package tokens

import (
	"fmt"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/tiktoken-go/tokenizer"

	"github.com/promptchain/server/internal/agent/model"
)

// Chat framing overhead, in tokens.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Estimator approximates token counts when the generation endpoint does not
// report usage. Gemini does not publish its tokenizer, so o200k_base stands in.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewEstimator creates an Estimator. The codec is loaded on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) load() (tokenizer.Codec, error) {
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			e.err = fmt.Errorf("failed to get tokenizer encoding: %w", err)
			return
		}
		e.codec = codec
	})
	return e.codec, e.err
}

// CountText counts the tokens of a plain string.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	codec, err := e.load()
	if err != nil {
		// roughly four characters per token
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// CountMessages counts a prompt including per-message framing.
func (e *Estimator) CountMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		total += tokensPerMessage + tokensPerRole
		total += e.CountText(m.Content)
	}
	if total > 0 {
		total += replyPriming
	}
	return total
}

// Estimate returns the usage of a call with the given prompt and completion.
func (e *Estimator) Estimate(prompt []*schema.Message, completion string) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:  e.CountMessages(prompt),
		OutputTokens: e.CountText(completion),
	}
}
