package nodes

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptchain/server/internal/agent/model"
)

const tracerName = "github.com/promptchain/server/internal/agent/graph/nodes"

func startStageSpan(ctx context.Context, tracer trace.Tracer, stage model.StageName, step model.ChainStepConfig, s *model.ChainState) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return tracer.Start(ctx, "stage."+string(stage),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chain.stage", string(stage)),
			attribute.String("chain.run_id", s.RunID),
			attribute.String("gen_ai.request.model", step.Model),
			attribute.Int("gen_ai.request.max_tokens", step.MaxTokens),
		),
	)
}

// endStageSpan records the stage outcome on span and ends it.
func endStageSpan(span trace.Span, s *model.ChainState, stage model.StageName, err error) {
	u := s.TokenUsage[stage]
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", u.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", u.OutputTokens),
		attribute.Float64("chain.cost_usd", s.CostUSD),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
	case s.Error != nil && s.Error.Stage == stage:
		span.SetAttributes(attribute.String("chain.error_kind", string(s.Error.Kind)))
		span.SetStatus(codes.Error, s.Error.Message)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
