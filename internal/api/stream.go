package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"CompareChat/internal/backend"
	"CompareChat/internal/compare"
	"CompareChat/internal/session"

	"github.com/go-chi/chi/v5"
)

// ParamsRequest carries optional sampling parameters; missing ones take the defaults
type ParamsRequest struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

func (p ParamsRequest) resolve() (backend.Params, error) {
	params := backend.DefaultParams()
	if p.Temperature != nil {
		params.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		params.MaxTokens = *p.MaxTokens
	}
	if p.TopP != nil {
		params.TopP = *p.TopP
	}
	return params, params.Validate()
}

// CompareRequest is the body of POST /api/v1/compare
type CompareRequest struct {
	Message      string            `json:"message"`
	HistoryLeft  []session.Message `json:"history_left"`
	HistoryRight []session.Message `json:"history_right"`
	LeftBackend  string            `json:"left_backend,omitempty"`
	RightBackend string            `json:"right_backend,omitempty"`
	ParamsRequest
}

// ChatRequest is the body of POST /api/v1/chat/{backend}
type ChatRequest struct {
	Message string            `json:"message"`
	History []session.Message `json:"history"`
	ParamsRequest
}

// compare handles POST /api/v1/compare
func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	params, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	leftName, rightName := s.left, s.right
	if req.LeftBackend != "" {
		leftName = req.LeftBackend
	}
	if req.RightBackend != "" {
		rightName = req.RightBackend
	}
	left, ok := s.registry.Get(leftName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend: "+leftName)
		return
	}
	right, ok := s.registry.Get(rightName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend: "+rightName)
		return
	}

	sse := newEventWriter(w)
	ticks := 0
	// Returning from the loop cancels both backend streams
	for tick := range compare.Aggregate(r.Context(), left, right, compare.Request{
		Message:      req.Message,
		LeftHistory:  req.HistoryLeft,
		RightHistory: req.HistoryRight,
		Params:       params,
	}) {
		event := "tick"
		if tick.Done {
			event = "done"
		}
		if err := sse.send(event, tick); err != nil {
			s.logger.Info("compare client went away", "error", err, "ticks", ticks)
			return
		}
		ticks++
	}
	s.logger.Info("compare finished", "left", leftName, "right", rightName, "ticks", ticks)
}

// chat handles POST /api/v1/chat/{backend}
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	client, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend: "+name)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	params, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse := newEventWriter(w)
	for snap := range compare.Chat(r.Context(), client, req.History, req.Message, params) {
		event := "snapshot"
		if snap.State != compare.StateRunning {
			event = "done"
		}
		if err := sse.send(event, snap); err != nil {
			s.logger.Info("chat client went away", "backend", name, "error", err)
			return
		}
	}
}

// eventWriter writes Server-Sent Events and flushes each one
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

func (e *eventWriter) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	return e.rc.Flush()
}
