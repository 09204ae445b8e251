package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/entrhq/pantheon/pkg/dispatch"
	"github.com/entrhq/pantheon/pkg/pool"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

var errBadRequest = errors.New("invalid request")

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	models := s.dispatcher.Registry().Models()
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "pantheon",
		"status":     "running",
		"categories": s.dispatcher.Registry().Categories(),
		"models":     ids,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]pool.Stats{}
	if s.stats != nil {
		stats = s.stats.Stats()
	}
	// Categories that never acquired a tab still show up.
	for _, name := range s.dispatcher.Registry().Categories() {
		if _, ok := stats[name]; !ok {
			stats[name] = pool.Stats{}
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.dispatcher.Registry().Models()
	data := make([]modelObject, 0, len(models))
	for _, m := range models {
		data = append(data, modelObject{
			ID:      m.ID,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: m.Category,
		})
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Stream {
		writeError(w, fmt.Errorf("%w: streaming is not supported", errBadRequest))
		return
	}

	prompt, err := req.prompt()
	if err != nil {
		writeError(w, err)
		return
	}
	category, ok := s.dispatcher.Registry().Resolve(req.Model)
	if !ok {
		writeError(w, fmt.Errorf("%w: model %q", dispatch.ErrUnknownCategory, req.Model))
		return
	}

	res, err := s.dispatch(r.Context(), category, dispatch.Task{Prompt: prompt, NewChat: req.NewChat})
	if err != nil {
		writeError(w, err)
		return
	}

	finish := "stop"
	if res.TimedOut {
		finish = "length"
	}
	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index: 0,
			Message: assistantMessage{
				Role:             "assistant",
				Content:          res.Answer,
				ReasoningContent: res.Thought,
			},
			FinishReason: finish,
		}},
		Usage: estimateUsage(prompt, res.Thought+res.Answer),
	})
}

func (s *Server) handleCategoryChat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "category")
	category, ok := s.dispatcher.Registry().Resolve(name)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", dispatch.ErrUnknownCategory, name))
		return
	}

	var req categoryChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.dispatch(r.Context(), category, dispatch.Task{Prompt: req.Query, NewChat: req.NewChat})
	if err != nil {
		writeError(w, err)
		return
	}

	status := "success"
	if res.TimedOut {
		status = "partial"
	}
	writeJSON(w, http.StatusOK, categoryChatResponse{
		Model:   category + "-web",
		Answer:  res.Answer,
		Thought: res.Thought,
		Status:  status,
	})
}

func (s *Server) dispatch(ctx context.Context, category string, task dispatch.Task) (*dispatch.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.dispatcher.Dispatch(ctx, category, task)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// estimateUsage approximates token counts at four bytes per token.
func estimateUsage(prompt, completion string) usage {
	p := (len(prompt) + 3) / 4
	c := (len(completion) + 3) / 4
	return usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// statusFor maps an error to its HTTP status and OpenAI error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, dispatch.ErrEmptyPrompt):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, dispatch.ErrUnknownCategory), errors.Is(err, pool.ErrInvalidCategory):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, dispatch.ErrNoContent):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		debugLog.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Message: err.Error(),
		Type:    kind,
		Code:    http.StatusText(status),
	}})
}

// prompt returns the text of the last user message.
func (r chatCompletionRequest) prompt() (string, error) {
	if strings.TrimSpace(r.Model) == "" {
		return "", fmt.Errorf("%w: model is required", errBadRequest)
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != "user" {
			continue
		}
		text, err := m.text()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", dispatch.ErrEmptyPrompt
		}
		return text, nil
	}
	return "", fmt.Errorf("%w: no user message", errBadRequest)
}
