package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/graph/conversations"
	"github.com/promptchain/server/internal/agent/graph/nodes"
	"github.com/promptchain/server/internal/agent/graph/observers"
	"github.com/promptchain/server/internal/agent/graph/prompts"
	"github.com/promptchain/server/internal/agent/model"
	"github.com/promptchain/server/internal/agent/tokens"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

const (
	tracerName    = "github.com/promptchain/server/internal/agent/graph"
	runIDPrefix   = "chatcmpl-"
	maxRunSteps   = 10
	streamBuffer  = 8
	recordTimeout = 5 * time.Second
)

func init() {
	compose.RegisterStreamChunkConcatFunc(model.ConcatEvents)
	compose.RegisterStreamChunkConcatFunc(model.ConcatStates)
}

// Config holds everything needed to build the pipeline graph.
type Config struct {
	Chain   model.ChainConfig
	Models  nodes.ChatModels
	Breaker *breaker.Breaker
	Prompts *prompts.Library
	Tokens  *tokens.Estimator
	Tracer  trace.Tracer
	// Usage is optional; when set every finished run is recorded.
	Usage model.UsageRepository
	Now   func() time.Time
}

// GraphBuilder handles the construction of the pipeline graph
type GraphBuilder struct {
	config *Config
	stages map[model.StageName]nodes.Stage
	graph  *compose.Graph[*model.ChainState, *model.Event]
}

// Runner executes the compiled graph. It is safe for concurrent use; every
// run owns its ChainState.
type Runner struct {
	runnable  compose.Runnable[*model.ChainState, *model.Event]
	modelName string
	breaker   *breaker.Breaker
	usage     model.UsageRepository
	tracer    trace.Tracer
	now       func() time.Time
	handlers  []einocb.Handler
}

// BuildGraph validates the configuration, compiles the graph once and returns
// the Runner that reuses it.
func BuildGraph(ctx context.Context, config *Config) (*Runner, error) {
	// Basic config validation
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.Breaker == nil {
		return nil, fmt.Errorf("circuit breaker is nil")
	}
	if config.Prompts == nil {
		config.Prompts = prompts.DefaultLibrary()
	}
	if config.Tokens == nil {
		config.Tokens = tokens.NewEstimator()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if err := config.Chain.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain config: %w", err)
	}
	for _, stage := range model.Stages {
		if _, err := config.Models.For(stage); err != nil {
			return nil, err
		}
		ref := config.Chain.Step(stage).SystemPrompt
		if !config.Prompts.Has(ref) {
			return nil, fmt.Errorf("%s: unknown system prompt reference %q", stage, ref)
		}
	}

	builder := &GraphBuilder{
		config: config,
		stages: nodes.NewStageTable(&nodes.Deps{
			Config:  config.Chain,
			Models:  config.Models,
			Breaker: config.Breaker,
			Prompts: config.Prompts,
			Tokens:  config.Tokens,
			Tracer:  config.Tracer,
		}),
		graph: compose.NewGraph[*model.ChainState, *model.Event](),
	}

	if err := builder.addNodes(); err != nil {
		return nil, err
	}
	if err := builder.addEdges(); err != nil {
		return nil, err
	}
	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	runnable, err := builder.compile(ctx)
	if err != nil {
		return nil, err
	}

	return &Runner{
		runnable:  runnable,
		modelName: config.Chain.ModelName,
		breaker:   config.Breaker,
		usage:     config.Usage,
		tracer:    config.Tracer,
		now:       config.Now,
		handlers:  []einocb.Handler{observers.NewAllCallbacks(), observers.NewNodeHandler()},
	}, nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() error {
	analyze := b.stages[model.StageAnalyze]
	process := b.stages[model.StageProcess]
	synthesize := b.stages[model.StageSynthesize]

	steps := []struct {
		key    string
		lambda *compose.Lambda
	}{
		{nodes.NodeAnalyze, compose.InvokableLambda(invokeStage(analyze))},
		{nodes.NodeProcess, compose.InvokableLambda(invokeStage(process))},
		{nodes.NodeSynthesize, compose.StreamableLambda(streamStage(synthesize))},
		{nodes.NodeError, compose.InvokableLambda(func(ctx context.Context, s *model.ChainState) (*model.Event, error) {
			return nodes.ErrorEvent(s), nil
		})},
	}
	for _, step := range steps {
		if err := b.graph.AddLambdaNode(step.key, step.lambda, compose.WithNodeName(step.key)); err != nil {
			logx.Error().Err(err).Str("node", step.key).Msg("Error adding node")
			return fmt.Errorf("error adding node %s: %w", step.key, err)
		}
	}
	return nil
}

// addEdges creates the unconditional connections between nodes
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeAnalyze},
		{nodes.NodeSynthesize, compose.END},
		{nodes.NodeError, compose.END},
	}

	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			logx.Error().Err(err).Str("from", edge[0]).Str("to", edge[1]).Msg("Error adding edge")
			return fmt.Errorf("error adding edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates the validation gates
func (b *GraphBuilder) addBranches() error {
	analyzeGate := compose.NewGraphBranch(
		nodes.DecideAfterAnalyze,
		map[string]bool{
			nodes.NodeProcess: true,
			nodes.NodeError:   true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeAnalyze, analyzeGate); err != nil {
		logx.Error().Err(err).Msg("Error adding analyze gate")
		return fmt.Errorf("error adding analyze gate: %w", err)
	}

	processGate := compose.NewGraphBranch(
		nodes.DecideAfterProcess,
		map[string]bool{
			nodes.NodeSynthesize: true,
			nodes.NodeError:      true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeProcess, processGate); err != nil {
		logx.Error().Err(err).Msg("Error adding process gate")
		return fmt.Errorf("error adding process gate: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[*model.ChainState, *model.Event], error) {
	runnable, err := b.graph.Compile(ctx,
		compose.WithGraphName("promptchain"),
		compose.WithMaxRunSteps(maxRunSteps),
	)
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}

func invokeStage(stage nodes.Stage) func(context.Context, *model.ChainState) (*model.ChainState, error) {
	return func(ctx context.Context, s *model.ChainState) (*model.ChainState, error) {
		return stage.Run(ctx, s, nil)
	}
}

// streamStage runs a streaming stage in the background and ends its stream
// with exactly one terminal event, unless the run was cancelled.
func streamStage(stage nodes.Stage) func(context.Context, *model.ChainState) (*schema.StreamReader[*model.Event], error) {
	return func(ctx context.Context, s *model.ChainState) (*schema.StreamReader[*model.Event], error) {
		sr, sw := schema.Pipe[*model.Event](streamBuffer)
		go func() {
			defer sw.Close()
			defer func() {
				if r := recover(); r != nil {
					logx.Error().Str("run_id", s.RunID).Msgf("panic recovered in %s: %v", stage.Name(), r)
					s.Fail(stage.Name(), errx.New(fmt.Errorf("panic: %v", r), http.StatusInternalServerError, errx.SystemErrorMessage))
					sw.Send(nodes.ErrorEvent(s), nil)
				}
			}()

			emit := func(ev *model.Event) bool {
				return !sw.Send(ev, nil)
			}
			if _, err := stage.Run(ctx, s, emit); err != nil {
				sw.Send(nil, err)
				return
			}
			if s.Failed() {
				sw.Send(nodes.ErrorEvent(s), nil)
				return
			}
			done, err := nodes.DoneEvent(s)
			if err != nil {
				sw.Send(nil, err)
				return
			}
			sw.Send(done, nil)
		}()
		return sr, nil
	}
}

// NewRun validates a request and builds the initial state of its run.
func (r *Runner) NewRun(req model.ChainRequest) (*model.ChainState, error) {
	if len(req.Messages) == 0 {
		return nil, errx.InvalidRequest("messages must not be empty")
	}
	if req.MaxTokens < 0 {
		return nil, errx.InvalidRequest("max_tokens must not be negative")
	}
	msgs, err := conversations.ToInternal(req.Messages)
	if err != nil {
		return nil, err
	}
	hasUser := false
	for _, m := range msgs {
		if m.Role == schema.User {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return nil, errx.InvalidRequest("at least one user message is required")
	}
	return model.NewChainState(runIDPrefix+uuid.NewString(), req.UserID, req.MaxTokens, msgs), nil
}

// ModelName is the name the pipeline is advertised under.
func (r *Runner) ModelName() string {
	return r.modelName
}

// Breaker exposes the shared circuit breaker for health reporting.
func (r *Runner) Breaker() *breaker.Breaker {
	return r.breaker
}

// Invoke runs the pipeline to completion and returns the aggregated result.
// A failed run returns an error carrying the stage error; a cancelled run
// returns a cancelled error.
func (r *Runner) Invoke(ctx context.Context, s *model.ChainState) (*model.ChainResult, error) {
	ctx, span := r.startRunSpan(ctx, s, false)
	defer span.End()

	ev, err := r.runnable.Invoke(ctx, s, compose.WithCallbacks(r.handlers...))
	if err != nil {
		return nil, r.runFailed(ctx, span, s, err)
	}
	if ev == nil {
		return nil, r.runFailed(ctx, span, s, errors.New("graph produced no event"))
	}

	r.finish(ctx, span, s)
	switch ev.Kind {
	case model.EventError:
		return nil, StageErrorOf(ev.Err)
	case model.EventDone:
		res := &model.ChainResult{
			ID:           s.RunID,
			Model:        r.modelName,
			Created:      r.now().Unix(),
			Content:      s.SynthesisText,
			FinishReason: s.FinishReason,
			Usage:        s.TotalUsage(),
			Cost:         s.Cost,
		}
		return res, nil
	default:
		return nil, StageErrorOf(nil)
	}
}

// Stream runs the pipeline and yields deltas as they are produced followed by
// exactly one done event, or exactly one error event. Closing the returned
// reader cancels the run. A cancelled run ends without a terminal event.
func (r *Runner) Stream(ctx context.Context, s *model.ChainState) (*schema.StreamReader[*model.Event], error) {
	runCtx, cancel := context.WithCancel(ctx)
	runCtx, span := r.startRunSpan(runCtx, s, true)

	inner, err := r.runnable.Stream(runCtx, s, compose.WithCallbacks(r.handlers...))
	if err != nil {
		err = r.runFailed(runCtx, span, s, err)
		span.End()
		cancel()
		return nil, err
	}

	out, sw := schema.Pipe[*model.Event](streamBuffer)
	go func() {
		defer cancel()
		defer span.End()
		defer inner.Close()
		defer sw.Close()

		for {
			ev, err := inner.Recv()
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended without a terminal event")
			}
			if err != nil && runCtx.Err() != nil {
				err = errx.Cancelled(runCtx.Err())
			}
			if err != nil {
				if ferr := r.runFailed(runCtx, span, s, err); !errors.Is(ferr, errx.ErrCancelled) {
					sw.Send(nodes.ErrorEvent(s), nil)
				}
				return
			}
			if ev == nil {
				continue
			}
			if ev.Terminal() {
				r.finish(runCtx, span, s)
				sw.Send(ev, nil)
				return
			}
			if closed := sw.Send(ev, nil); closed {
				logx.Run(s.RunID, s.UserID).Debug().Msg("Stream consumer gone")
				return
			}
		}
	}()
	return out, nil
}

// runFailed handles an error that escaped the graph. Cancellation is returned
// as is; anything else fails the run.
func (r *Runner) runFailed(ctx context.Context, span trace.Span, s *model.ChainState, err error) error {
	if ctx.Err() != nil || errors.Is(err, errx.ErrCancelled) || errors.Is(err, context.Canceled) {
		logx.Run(s.RunID, s.UserID).Debug().Msg("Run cancelled")
		span.SetStatus(codes.Error, "cancelled")
		return errx.Cancelled(err)
	}

	logx.Run(s.RunID, s.UserID).Error().Err(err).Msg("Graph execution failed")
	stage := model.StageAnalyze
	switch {
	case s.ProcessOutput != nil:
		stage = model.StageSynthesize
	case s.AnalysisOutput != nil:
		stage = model.StageProcess
	}
	s.Fail(stage, errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage))
	r.finish(ctx, span, s)
	return StageErrorOf(s.Error)
}

// finish records a run that reached a terminal state.
func (r *Runner) finish(ctx context.Context, span trace.Span, s *model.ChainState) {
	total := s.TotalUsage()
	span.SetAttributes(
		attribute.String("chain.outcome", string(s.Outcome())),
		attribute.Int("gen_ai.usage.input_tokens", total.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", total.OutputTokens),
		attribute.Float64("chain.cost_usd", s.CostUSD),
	)
	if s.Error != nil {
		span.SetStatus(codes.Error, s.Error.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if r.usage == nil || s.Outcome() == model.OutcomePending {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.usage.RecordRun(rctx, model.NewRunRecord(s, r.now())); err != nil {
		logx.Run(s.RunID, s.UserID).Warn().Err(err).Msg("Failed to record run usage")
	}
}

func (r *Runner) startRunSpan(ctx context.Context, s *model.ChainState, streaming bool) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "chain.run",
		trace.WithAttributes(
			attribute.String("chain.run_id", s.RunID),
			attribute.String("chain.model", r.modelName),
			attribute.Bool("chain.stream", streaming),
			attribute.Int("chain.messages", len(s.Messages)),
		),
	)
}

// StageErrorOf converts the run's error slot into an error that carries its
// HTTP status and kind.
func StageErrorOf(se *model.StageError) error {
	if se == nil {
		return errx.New(errors.New("run ended without a result"), http.StatusInternalServerError, errx.SystemErrorMessage)
	}
	status := se.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &errx.AppError{Err: se, Status: status, Kind: se.Kind}
}
