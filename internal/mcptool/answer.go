package mcptool

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

const Version = "0.1.0"

// Runner is the part of the pipeline the tool drives.
type Runner interface {
	NewRun(req model.ChainRequest) (*model.ChainState, error)
	Invoke(ctx context.Context, s *model.ChainState) (*model.ChainResult, error)
	ModelName() string
}

// AnswerTool handles the chain_answer MCP tool.
type AnswerTool struct {
	runner Runner
}

func NewAnswerTool(runner Runner) *AnswerTool {
	return &AnswerTool{runner: runner}
}

// Definition returns the MCP tool definition for chain_answer.
func (t *AnswerTool) Definition() mcp.Tool {
	return mcp.NewTool("chain_answer",
		mcp.WithDescription(
			"Answer a question through the analyze, process and synthesize pipeline. "+
				"Returns the synthesized answer followed by its token usage.",
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithNumber("max_tokens",
			mcp.Description("Upper bound on answer tokens (default: the synthesize step budget)"),
		),
	)
}

// Handle processes the chain_answer tool call.
func (t *AnswerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := strings.TrimSpace(req.GetString("prompt", ""))
	if prompt == "" {
		return mcp.NewToolResultError("'prompt' is required"), nil
	}
	maxTokens := intArg(req, "max_tokens", 0)

	run, err := t.runner.NewRun(model.ChainRequest{
		Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return mcp.NewToolResultError(errx.MessageOf(err)), nil
	}

	res, err := t.runner.Invoke(ctx, run)
	if err != nil {
		logx.Run(run.RunID, "").Warn().Err(err).Msg("chain_answer failed")
		return mcp.NewToolResultError(fmt.Sprintf("chain failed: %s", errx.MessageOf(err))), nil
	}

	var b strings.Builder
	b.WriteString(res.Content)
	fmt.Fprintf(&b, "\n\n---\nmodel: %s | finish: %s | tokens: %d in / %d out | cost: $%.6f",
		res.Model, res.FinishReason, res.Usage.InputTokens, res.Usage.OutputTokens, res.Cost.TotalCostUSD())
	return mcp.NewToolResultText(b.String()), nil
}

// NewServer builds the MCP server exposing the pipeline tools.
func NewServer(runner Runner) *server.MCPServer {
	s := server.NewMCPServer(
		"promptchain",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	answer := NewAnswerTool(runner)
	s.AddTool(answer.Definition(), answer.Handle)
	return s
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}
