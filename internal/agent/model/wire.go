package model

// Wire types for the OpenAI-compatible chat completion surface.

// ChatCompletionRequest is the inbound request body.
type ChatCompletionRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
	User      string        `json:"user,omitempty"`
}

// ChatCompletionResponse is the buffered response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice. The pipeline always produces exactly one.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage is the aggregated token usage reported to callers.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// ChatCompletionChunk is one streamed envelope.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *APIError     `json:"error,omitempty"`
}

// ChunkChoice is the choice inside a streamed envelope.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental content of a chunk.
type ChunkDelta struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorResponse is the error body for buffered responses.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details surfaced to callers.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// ChunkMeta identifies the run a chunk belongs to.
type ChunkMeta struct {
	ID      string
	Model   string
	Created int64
}

// NewUsage converts token usage and cost into the wire representation.
func NewUsage(u TokenUsage, cost CostMetrics) Usage {
	return Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.Total(),
		CostUSD:          cost.TotalCostUSD(),
	}
}
