package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/promptchain/server/internal/agent/model"
	logx "github.com/promptchain/server/pkg/logger"
)

// NewAllCallbacks aggregates all observer handlers (prompt, model, graph nodes) into one callbacks.Handler.
func NewAllCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler()).
		Prompt(newPromptHandler()).
		Handler()
}

// NewNodeHandler logs the lifecycle of graph nodes.
func NewNodeHandler() einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, input einocb.CallbackInput) context.Context {
			ev := logx.Debug().Str("node", nodeName(info))
			if s, ok := input.(*model.ChainState); ok && s != nil {
				ev = ev.Str("run_id", s.RunID)
			}
			ev.Msg("Node start")
			return ctx
		}).
		OnEndFn(func(ctx context.Context, info *einocb.RunInfo, output einocb.CallbackOutput) context.Context {
			ev := logx.Debug().Str("node", nodeName(info))
			if s, ok := output.(*model.ChainState); ok && s != nil {
				ev = ev.Str("run_id", s.RunID).Str("outcome", string(s.Outcome()))
			}
			ev.Msg("Node end")
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Debug().Err(err).Str("node", nodeName(info)).Msg("Node error")
			return ctx
		}).
		Build()
}

func nodeName(info *einocb.RunInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}
