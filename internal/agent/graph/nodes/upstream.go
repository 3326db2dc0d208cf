package nodes

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
)

// upstream sends every call to the generation endpoint through the shared
// breaker with a per-call deadline.
type upstream struct {
	breaker *breaker.Breaker
}

func (u upstream) generate(
	ctx context.Context,
	step model.ChainStepConfig,
	cm einomodel.BaseChatModel,
	msgs []*schema.Message,
	opts ...einomodel.Option,
) (*schema.Message, error) {
	return breaker.Execute(ctx, u.breaker, func(ctx context.Context) (*schema.Message, error) {
		callCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		defer cancel()
		callCtx = callbacks.ReuseHandlers(callCtx, modelRunInfo(step))

		out, err := cm.Generate(callCtx, msgs, opts...)
		if err != nil {
			return nil, classify(ctx, err)
		}
		if out == nil {
			return nil, errx.WrapUpstream(errors.New("empty response"))
		}
		return out, nil
	})
}

// stream consumes a streaming call to the end inside one breaker admission.
// onChunk runs for every increment; an error from it stops the call.
func (u upstream) stream(
	ctx context.Context,
	step model.ChainStepConfig,
	cm einomodel.BaseChatModel,
	msgs []*schema.Message,
	onChunk func(*schema.Message) error,
	opts ...einomodel.Option,
) error {
	return u.breaker.Call(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		defer cancel()
		callCtx = callbacks.ReuseHandlers(callCtx, modelRunInfo(step))

		sr, err := cm.Stream(callCtx, msgs, opts...)
		if err != nil {
			return classify(ctx, err)
		}
		defer sr.Close()

		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return classify(ctx, err)
			}
			if chunk == nil {
				continue
			}
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
	})
}

// modelRunInfo names the model call for callback handlers attached to the run.
func modelRunInfo(step model.ChainStepConfig) *callbacks.RunInfo {
	return &callbacks.RunInfo{
		Name:      step.Model,
		Type:      "Gemini",
		Component: components.ComponentOfChatModel,
	}
}

// classify maps a call error. Cancellation of the caller's context wins over
// whatever the client library reported.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errx.Cancelled(ctx.Err())
	}
	return errx.WrapUpstream(err)
}

func isCancelled(err error) bool {
	return errors.Is(err, errx.ErrCancelled) || errors.Is(err, context.Canceled)
}
