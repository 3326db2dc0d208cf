package nodes

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/graph/conversations"
	"github.com/promptchain/server/internal/agent/graph/parsers"
	"github.com/promptchain/server/internal/agent/graph/prompts"
	"github.com/promptchain/server/internal/agent/model"
	"github.com/promptchain/server/internal/agent/tokens"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

// Graph node keys.
const (
	NodeAnalyze    = "analyze"
	NodeProcess    = "process"
	NodeSynthesize = "synthesize"
	NodeError      = "error"
)

// Emitter forwards one event to the consumer of a run. It returns false once
// the consumer is gone.
type Emitter func(*model.Event) bool

// Stage is one step of the pipeline.
//
// Run returns a non-nil error only when the run must abort silently
// (cancellation). Every other failure is written to the state's error slot.
type Stage interface {
	Name() model.StageName
	Run(ctx context.Context, s *model.ChainState, emit Emitter) (*model.ChainState, error)
}

// Deps are the shared, read-only collaborators of every stage.
type Deps struct {
	Config  model.ChainConfig
	Models  ChatModels
	Breaker *breaker.Breaker
	Prompts *prompts.Library
	Tokens  *tokens.Estimator
	Tracer  trace.Tracer
}

func (d *Deps) upstream() upstream {
	return upstream{breaker: d.Breaker}
}

// NewStageTable builds the fixed set of stages.
func NewStageTable(d *Deps) map[model.StageName]Stage {
	return map[model.StageName]Stage{
		model.StageAnalyze:    &analyzeStage{deps: d},
		model.StageProcess:    &processStage{deps: d},
		model.StageSynthesize: &synthesizeStage{deps: d},
	}
}

// ===== Gates =====

// DecideAfterAnalyze routes to process only when analysis produced a valid
// record and nothing failed.
func DecideAfterAnalyze(_ context.Context, s *model.ChainState) (string, error) {
	if s == nil || s.Failed() || s.AnalysisOutput == nil {
		return NodeError, nil
	}
	return NodeProcess, nil
}

// DecideAfterProcess routes to synthesize only when processing produced a
// valid record and nothing failed.
func DecideAfterProcess(_ context.Context, s *model.ChainState) (string, error) {
	if s == nil || s.Failed() || s.ProcessOutput == nil {
		return NodeError, nil
	}
	return NodeSynthesize, nil
}

// ===== Structured stages =====

type renderFunc func(ctx context.Context, system string, s *model.ChainState) ([]*schema.Message, error)

// runStructured performs one non-streaming call and passes the response
// through the contract gate. It returns nil with a nil error when the stage
// failed and the error slot was filled.
func runStructured[T any, PT interface {
	*T
	model.Contract
}](ctx context.Context, d *Deps, s *model.ChainState, stage model.StageName, render renderFunc) (out PT, err error) {
	step := d.Config.Step(stage)
	log := logx.Run(s.RunID, s.UserID)

	ctx, span := startStageSpan(ctx, d.Tracer, stage, step, s)
	defer func() { endStageSpan(span, s, stage, err) }()

	cm, err := d.Models.For(stage)
	if err != nil {
		s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
		return nil, nil
	}
	system, err := d.Prompts.Get(step.SystemPrompt)
	if err != nil {
		s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
		return nil, nil
	}
	msgs, err := render(ctx, system, s)
	if err != nil {
		s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
		return nil, nil
	}

	resp, err := d.upstream().generate(ctx, step, cm, msgs)
	if err != nil {
		if isCancelled(err) {
			log.Debug().Str("stage", string(stage)).Msg("Run cancelled")
			return nil, err
		}
		log.Warn().Err(err).Str("stage", string(stage)).Msg("Generation failed")
		s.Fail(stage, err)
		return nil, nil
	}

	usage, estimated := usageOf(d.Tokens, resp, msgs, resp.Content)
	recordUsage(log, s, stage, step, usage, estimated)

	out, err = parsers.Parse[T, PT](resp.Content)
	if err != nil {
		log.Warn().Err(err).Str("stage", string(stage)).Msg("Stage output rejected")
		s.Fail(stage, err)
		return nil, nil
	}

	s.AppendMessages(schema.AssistantMessage(resp.Content, nil))
	return out, nil
}

type analyzeStage struct {
	deps *Deps
}

func (a *analyzeStage) Name() model.StageName { return model.StageAnalyze }

func (a *analyzeStage) Run(ctx context.Context, s *model.ChainState, _ Emitter) (*model.ChainState, error) {
	out, err := runStructured[model.AnalysisOutput](ctx, a.deps, s, model.StageAnalyze,
		func(ctx context.Context, system string, s *model.ChainState) ([]*schema.Message, error) {
			transcript := conversations.BuildTranscript(s.Messages, conversations.DefaultMaxTurns)
			return prompts.RenderAnalyze(ctx, system, transcript)
		})
	if err != nil {
		return s, err
	}
	if out != nil {
		s.AnalysisOutput = out
		logx.Run(s.RunID, s.UserID).Debug().
			Str("intent", out.Intent).
			Float64("confidence", out.Confidence).
			Msg("Analysis ready")
	}
	return s, nil
}

type processStage struct {
	deps *Deps
}

func (p *processStage) Name() model.StageName { return model.StageProcess }

func (p *processStage) Run(ctx context.Context, s *model.ChainState, _ Emitter) (*model.ChainState, error) {
	out, err := runStructured[model.ProcessOutput](ctx, p.deps, s, model.StageProcess,
		func(ctx context.Context, system string, s *model.ChainState) ([]*schema.Message, error) {
			return prompts.RenderProcess(ctx, system, s.LastUserContent(), s.AnalysisOutput)
		})
	if err != nil {
		return s, err
	}
	if out != nil {
		s.ProcessOutput = out
		logx.Run(s.RunID, s.UserID).Debug().
			Int("sections", len(out.Outline)).
			Str("tone", out.Tone).
			Msg("Plan ready")
	}
	return s, nil
}

// ===== Synthesize =====

type synthesizeStage struct {
	deps *Deps
}

func (y *synthesizeStage) Name() model.StageName { return model.StageSynthesize }

// Run streams the answer, forwarding each increment through emit as soon as it
// arrives. It emits deltas only; the terminal event belongs to the caller.
func (y *synthesizeStage) Run(ctx context.Context, s *model.ChainState, emit Emitter) (_ *model.ChainState, err error) {
	const stage = model.StageSynthesize
	d := y.deps
	step := d.Config.Step(stage)
	log := logx.Run(s.RunID, s.UserID)

	ctx, span := startStageSpan(ctx, d.Tracer, stage, step, s)
	defer func() { endStageSpan(span, s, stage, err) }()

	cm, err := d.Models.For(stage)
	if err != nil {
		s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
		return s, nil
	}
	system, err := d.Prompts.Get(step.SystemPrompt)
	if err != nil {
		s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
		return s, nil
	}
	msgs, err := prompts.RenderSynthesize(ctx, system, s.LastUserContent(), s.ProcessOutput)
	if err != nil {
		s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
		return s, nil
	}
	if emit == nil {
		emit = func(*model.Event) bool { return true }
	}

	var (
		sb        strings.Builder
		metered   *schema.Message
		rawFinish string
	)
	err = d.upstream().stream(ctx, step, cm, msgs, func(chunk *schema.Message) error {
		if _, ok := model.UsageFromMessage(chunk); ok {
			metered = chunk
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.FinishReason != "" {
			rawFinish = chunk.ResponseMeta.FinishReason
		}
		if chunk.Content == "" {
			return nil
		}
		sb.WriteString(chunk.Content)
		if !emit(model.DeltaEvent(chunk.Content)) {
			return errx.Cancelled(context.Canceled)
		}
		return nil
	}, einomodel.WithMaxTokens(synthesisBudget(step, s.MaxTokens)))
	if err != nil {
		if isCancelled(err) {
			// partial usage of an unfinished stream is dropped
			log.Debug().Str("stage", string(stage)).Msg("Run cancelled")
			return s, err
		}
		log.Warn().Err(err).Str("stage", string(stage)).Msg("Generation failed")
		s.Fail(stage, err)
		return s, nil
	}

	text := sb.String()
	usage, estimated := usageOf(d.Tokens, metered, msgs, text)
	recordUsage(log, s, stage, step, usage, estimated)

	out := &model.SynthesisOutput{Text: text, FinishReason: finishReason(rawFinish), Usage: usage}
	if err := out.Validate(); err != nil {
		log.Warn().Err(err).Str("stage", string(stage)).Msg("Stage output rejected")
		s.Fail(stage, err)
		return s, nil
	}

	s.SynthesisText = out.Text
	s.FinishReason = out.FinishReason
	s.AppendMessages(schema.AssistantMessage(out.Text, nil))
	log.Debug().
		Int("chars", len(out.Text)).
		Str("finish_reason", out.FinishReason).
		Msg("Answer ready")
	return s, nil
}

// ===== Error step =====

// ErrorEvent formats the error slot into the single error event of a failed
// run. It never calls the generation endpoint.
func ErrorEvent(s *model.ChainState) *model.Event {
	if s == nil || s.Error == nil {
		logx.Error().Msg("Error step reached without an error in state")
		return model.ErrorEvent(&model.StageError{
			Kind:    errx.KindInternal,
			Message: errx.SystemErrorMessage,
			Status:  http.StatusInternalServerError,
		})
	}
	logx.Run(s.RunID, s.UserID).Info().
		Str("stage", string(s.Error.Stage)).
		Str("kind", string(s.Error.Kind)).
		Str("message", s.Error.Message).
		Msg("Run failed")
	return model.ErrorEvent(s.Error)
}

// DoneEvent builds the terminal event of a successful run from its state.
func DoneEvent(s *model.ChainState) (*model.Event, error) {
	if s.Outcome() != model.OutcomeSucceeded {
		return nil, fmt.Errorf("run %s has not succeeded", s.RunID)
	}
	return model.DoneEvent(s.FinishReason, s.TotalUsage(), s.Cost), nil
}
