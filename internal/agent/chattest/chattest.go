// Package chattest provides a scripted chat model for pipeline tests.
package chattest

import (
	"context"
	"fmt"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Reply scripts one call to the model.
type Reply struct {
	// Content is the Generate response. Stream sends Chunks instead.
	Content string
	Chunks  []string
	Usage   *schema.TokenUsage
	Finish  string
	// Err fails the call. For streams it is sent after the chunks.
	Err error
	// Wait blocks the call (after any chunks) until its context is done.
	Wait bool
}

// Usage is shorthand for a reported token usage.
func Usage(prompt, completion int) *schema.TokenUsage {
	return &schema.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Model replays scripted replies in order. It is safe for concurrent use.
type Model struct {
	mu        sync.Mutex
	replies   []Reply
	repeat    bool
	calls     int
	cancelled int
	inputs    [][]*schema.Message
	maxTokens []int
}

// New returns a model that answers with replies in order and fails once they
// run out.
func New(replies ...Reply) *Model {
	return &Model{replies: replies}
}

// Repeat returns a model that answers every call with r.
func Repeat(r Reply) *Model {
	return &Model{replies: []Reply{r}, repeat: true}
}

var _ einomodel.BaseChatModel = (*Model)(nil)

// Calls returns how many calls were made.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Cancelled returns how many calls ended because their context was done.
func (m *Model) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *Model) markCancelled() {
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
}

// Inputs returns the prompts of every call.
func (m *Model) Inputs() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*schema.Message, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// MaxTokens returns the max tokens option of every call, 0 when unset.
func (m *Model) MaxTokens() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.maxTokens))
	copy(out, m.maxTokens)
	return out
}

func (m *Model) next(in []*schema.Message, opts []einomodel.Option) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.inputs = append(m.inputs, in)
	max := 0
	if o := einomodel.GetCommonOptions(nil, opts...); o != nil && o.MaxTokens != nil {
		max = *o.MaxTokens
	}
	m.maxTokens = append(m.maxTokens, max)

	if m.repeat {
		return m.replies[0], nil
	}
	if len(m.replies) == 0 {
		return Reply{}, fmt.Errorf("chattest: unexpected call %d", m.calls)
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func (m *Model) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	r, err := m.next(in, opts)
	if err != nil {
		return nil, err
	}
	if r.Wait {
		<-ctx.Done()
		m.markCancelled()
		return nil, ctx.Err()
	}
	if r.Err != nil {
		return nil, r.Err
	}
	msg := schema.AssistantMessage(r.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{FinishReason: r.Finish, Usage: r.Usage}
	return msg, nil
}

func (m *Model) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	r, err := m.next(in, opts)
	if err != nil {
		return nil, err
	}
	if r.Err != nil && len(r.Chunks) == 0 {
		return nil, r.Err
	}

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		for i, c := range r.Chunks {
			msg := schema.AssistantMessage(c, nil)
			if i == len(r.Chunks)-1 && r.Err == nil && !r.Wait {
				msg.ResponseMeta = &schema.ResponseMeta{FinishReason: r.Finish, Usage: r.Usage}
			}
			if ctx.Err() != nil {
				m.markCancelled()
				sw.Send(nil, ctx.Err())
				return
			}
			if closed := sw.Send(msg, nil); closed {
				// the caller stopped reading; its context ends with the call
				<-ctx.Done()
				m.markCancelled()
				return
			}
		}
		switch {
		case r.Wait:
			<-ctx.Done()
			m.markCancelled()
			sw.Send(nil, ctx.Err())
		case r.Err != nil:
			sw.Send(nil, r.Err)
		}
	}()
	return sr, nil
}
