package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptchain/server/internal/agent/chattest"
	"github.com/promptchain/server/internal/agent/graph"
	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/graph/nodes"
	"github.com/promptchain/server/internal/agent/model"
	"github.com/promptchain/server/internal/agent/repo"
	errx "github.com/promptchain/server/internal/core/error"
)

const (
	analysisJSON = `{"intent":"explain_concept","key_points":["definition"],"confidence":0.9}`
	planJSON     = `{"outline":["what it is"],"key_facts":["9.8 m/s^2"],"tone":"friendly","confidence":0.8}`
)

type testServer struct {
	*Server
	breaker *breaker.Breaker
}

func newTestServer(t *testing.T, cfg Config, analyze, process, synthesize *chattest.Model, withUsage bool) *testServer {
	t.Helper()
	b := breaker.New(breaker.Settings{FailureThreshold: 3, Timeout: time.Minute})
	usage := repo.NewMemoryUsageRepository()
	gcfg := &graph.Config{
		Chain: model.DefaultChainConfig(),
		Models: nodes.ChatModels{
			model.StageAnalyze:    analyze,
			model.StageProcess:    process,
			model.StageSynthesize: synthesize,
		},
		Breaker: b,
	}
	var ledger model.UsageRepository
	if withUsage {
		gcfg.Usage = usage
		ledger = usage
	}
	runner, err := graph.BuildGraph(context.Background(), gcfg)
	require.NoError(t, err)
	return &testServer{Server: New(cfg, runner, ledger), breaker: b}
}

func happyServer(t *testing.T, cfg Config) *testServer {
	return newTestServer(t, cfg,
		chattest.New(chattest.Reply{Content: analysisJSON, Usage: chattest.Usage(100, 20)}),
		chattest.New(chattest.Reply{Content: planJSON, Usage: chattest.Usage(150, 40)}),
		chattest.New(chattest.Reply{Chunks: []string{"Gravity ", "pulls."}, Usage: chattest.Usage(200, 80), Finish: "STOP"}),
		true,
	)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestChatCompletions_Buffered(t *testing.T) {
	srv := happyServer(t, Config{})

	rec := post(t, srv.Router, `{"messages":[{"role":"user","content":"Explain gravity"}],"max_tokens":500,"user":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp model.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "promptchain-1", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, model.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "Gravity pulls.", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 450, resp.Usage.PromptTokens)
	assert.Equal(t, 140, resp.Usage.CompletionTokens)
	assert.Equal(t, 590, resp.Usage.TotalTokens)
}

func TestChatCompletions_Stream(t *testing.T) {
	srv := happyServer(t, Config{})

	rec := post(t, srv.Router, `{"messages":[{"role":"user","content":"Explain gravity"}],"stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := sseFrames(t, rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	var chunks []model.ChatCompletionChunk
	for _, f := range frames[:len(frames)-1] {
		var c model.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(f), &c))
		chunks = append(chunks, c)
	}
	assert.Equal(t, model.RoleAssistant, chunks[0].Choices[0].Delta.Role)

	var text strings.Builder
	for _, c := range chunks {
		assert.Equal(t, chunks[0].ID, c.ID)
		assert.Equal(t, "chat.completion.chunk", c.Object)
		text.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Gravity pulls.", text.String())

	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 590, last.Usage.TotalTokens)
	for _, c := range chunks[:len(chunks)-1] {
		assert.Nil(t, c.Usage)
		assert.Nil(t, c.Choices[0].FinishReason)
	}
}

func TestChatCompletions_StageFailure(t *testing.T) {
	bad := chattest.Reply{Content: `{"intent":"x","key_points":[],"confidence":1.5}`, Usage: chattest.Usage(10, 5)}

	t.Run("buffered", func(t *testing.T) {
		srv := newTestServer(t, Config{}, chattest.New(bad), chattest.New(), chattest.New(), true)
		rec := post(t, srv.Router, `{"messages":[{"role":"user","content":"hi"}]}`)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var resp model.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "analyze", resp.Error.Stage)
		assert.Equal(t, string(errx.KindConstraint), resp.Error.Type)
		assert.Contains(t, resp.Error.Message, "confidence")
	})

	t.Run("stream", func(t *testing.T) {
		srv := newTestServer(t, Config{}, chattest.New(bad), chattest.New(), chattest.New(), true)
		rec := post(t, srv.Router, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)

		require.Equal(t, http.StatusOK, rec.Code)
		frames := sseFrames(t, rec.Body.String())
		require.Len(t, frames, 2)
		assert.Equal(t, "[DONE]", frames[1])

		var c model.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(frames[0]), &c))
		require.NotNil(t, c.Error)
		assert.Equal(t, "analyze", c.Error.Stage)
		assert.Equal(t, "error", *c.Choices[0].FinishReason)
		assert.Nil(t, c.Usage)
	})
}

func TestChatCompletions_BadRequests(t *testing.T) {
	srv := happyServer(t, Config{})

	tests := []struct {
		name   string
		body   string
		status int
		kind   errx.Kind
	}{
		{name: "malformed json", body: `{"messages":`, status: http.StatusBadRequest, kind: errx.KindInvalidRequest},
		{name: "no messages", body: `{"messages":[]}`, status: http.StatusBadRequest, kind: errx.KindInvalidRequest},
		{name: "unknown role", body: `{"messages":[{"role":"tool","content":"x"}]}`, status: http.StatusBadRequest, kind: errx.KindInvalidRole},
		{name: "unknown model", body: `{"model":"gpt-4","messages":[{"role":"user","content":"x"}]}`, status: http.StatusNotFound, kind: errx.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, srv.Router, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.kind), resp.Error.Type)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := happyServer(t, Config{APIKeys: []string{"secret-1", "secret-2"}})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer secret-2", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	// health stays open
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModels(t *testing.T) {
	srv := happyServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "promptchain-1", resp.Data[0].ID)
}

func TestUsage(t *testing.T) {
	srv := happyServer(t, Config{})
	rec := post(t, srv.Router, `{"messages":[{"role":"user","content":"Explain gravity"}],"user":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage/u1?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp usageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Usage.Runs)
	assert.Equal(t, int64(450), resp.Usage.InputTokens)
	require.Len(t, resp.RecentRuns, 1)
	assert.Equal(t, model.OutcomeSucceeded, resp.RecentRuns[0].Outcome)

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage/nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage/u1?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsage_LedgerDisabled(t *testing.T) {
	srv := newTestServer(t, Config{}, chattest.New(), chattest.New(), chattest.New(), false)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage/u1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_ReportsBreaker(t *testing.T) {
	srv := happyServer(t, Config{})

	get := func() healthResponse {
		rec := httptest.NewRecorder()
		srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	assert.Equal(t, healthResponse{Status: "ok", Breaker: "closed"}, get())

	for i := 0; i < 3; i++ {
		_ = srv.breaker.Call(context.Background(), func(context.Context) error {
			return errx.WrapUpstream(errors.New("boom"))
		})
	}
	resp := get()
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "open", resp.Breaker)
}
