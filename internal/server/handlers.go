package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/graph/conversations"
	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

const (
	completionObject  = "chat.completion"
	defaultRecentRuns = 20
)

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type usageResponse struct {
	Usage      *model.UserUsage  `json:"usage"`
	RecentRuns []model.RunRecord `json:"recent_runs"`
}

type healthResponse struct {
	Status          string `json:"status"`
	Breaker         string `json:"breaker"`
	BreakerFailures int    `json:"breaker_failures"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body model.ChatCompletionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, errx.InvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if body.Model != "" && body.Model != s.pipeline.ModelName() {
		s.writeError(w, r, errx.NotFound(fmt.Sprintf("model %q does not exist", body.Model)))
		return
	}

	run, err := s.pipeline.NewRun(model.ChainRequest{
		Messages:  body.Messages,
		MaxTokens: body.MaxTokens,
		UserID:    body.User,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logx.Run(run.RunID, run.UserID).Debug().
		Str("request_id", GetRequestID(r.Context())).
		Bool("stream", body.Stream).
		Int("messages", len(body.Messages)).
		Msg("Run accepted")

	if body.Stream {
		s.streamCompletion(w, r, run)
		return
	}

	res, err := s.pipeline.Invoke(r.Context(), run)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ChatCompletionResponse{
		ID:      res.ID,
		Object:  completionObject,
		Created: res.Created,
		Model:   res.Model,
		Choices: []model.Choice{{
			Index:        0,
			Message:      model.ChatMessage{Role: model.RoleAssistant, Content: res.Content},
			FinishReason: res.FinishReason,
		}},
		Usage: model.NewUsage(res.Usage, res.Cost),
	})
}

// streamCompletion writes one SSE data frame per event and closes with the
// [DONE] sentinel. A run cancelled by the client ends without either.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, run *model.ChainState) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errx.New(errors.New("response writer does not support flushing"), http.StatusInternalServerError, errx.SystemErrorMessage))
		return
	}

	sr, err := s.pipeline.Stream(r.Context(), run)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sr.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	meta := model.ChunkMeta{ID: run.RunID, Model: s.pipeline.ModelName(), Created: s.now().Unix()}
	for seq := 0; ; seq++ {
		ev, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logx.Run(run.RunID, run.UserID).Warn().Err(err).Msg("Stream read failed")
			break
		}
		if err := writeSSE(w, conversations.FromInternalChunk(meta, ev, seq)); err != nil {
			logx.Run(run.RunID, run.UserID).Debug().Err(err).Msg("Client went away mid-stream")
			return
		}
		flusher.Flush()
		if ev.Terminal() {
			break
		}
	}

	if r.Context().Err() != nil {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelList{
		Object: "list",
		Data: []modelInfo{{
			ID:      s.pipeline.ModelName(),
			Object:  "model",
			Created: s.now().Unix(),
			OwnedBy: "promptchain",
		}},
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.writeError(w, r, errx.NotFound("usage ledger is disabled"))
		return
	}
	user := chi.URLParam(r, "user")

	limit := defaultRecentRuns
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, errx.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	usage, err := s.usage.LoadUsage(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.usage.RecentRuns(r.Context(), user, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Usage: usage, RecentRuns: runs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	b := s.pipeline.Breaker()
	state := b.State()
	status := "ok"
	if state != breaker.StateClosed {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          status,
		Breaker:         state.String(),
		BreakerFailures: b.Failures(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errx.StatusOf(err)
	ev := logx.Debug()
	if status >= http.StatusInternalServerError {
		ev = logx.Error()
	}
	ev.Err(err).Str("request_id", GetRequestID(r.Context())).Int("status", status).Msg("request failed")

	if errx.KindOf(err) == errx.KindCancelled {
		// nobody is listening
		return
	}
	writeAPIError(w, status, apiErrorOf(err))
}

// apiErrorOf renders any error for a buffered response. Stage failures also
// name the stage.
func apiErrorOf(err error) *model.APIError {
	var se *model.StageError
	if errors.As(err, &se) {
		return conversations.APIErrorOf(se)
	}
	kind := errx.KindOf(err)
	return &model.APIError{
		Message: errx.MessageOf(err),
		Type:    string(kind),
		Code:    string(kind),
	}
}

func writeAPIError(w http.ResponseWriter, status int, apiErr *model.APIError) {
	writeJSON(w, status, model.ErrorResponse{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeSSE(w io.Writer, chunk model.ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
