package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lynexus/lynexus-agent/internal/agent"
	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/stream"
)

// streamWriteTimeout is how long a stream write may take before the
// connection is considered dead. It is extended after every event.
const streamWriteTimeout = 120 * time.Second

// keepaliveInterval spaces SSE comments while a tool runs and no events
// flow.
const keepaliveInterval = 15 * time.Second

// SendMessageRequest is the body of the message endpoints.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse is the final AI message of a non-streaming send.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Iterations     int       `json:"iterations"`
	Exhausted      bool      `json:"exhausted,omitempty"`
	Cancelled      bool      `json:"cancelled,omitempty"`
}

// startRun validates the request and starts a run. On failure it has
// already answered.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) (*stream.Subscription, bool) {
	id := r.PathValue("id")
	var req SendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return nil, false
	}
	if strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return nil, false
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.storeError(w, "get conversation", err)
		return nil, false
	}

	sub, err := s.runner.Start(r.Context(), id, req.Content)
	switch {
	case errors.Is(err, stream.ErrRunActive):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return nil, false
	case errors.Is(err, stream.ErrClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sub, true
}

// handleMessageSend runs a message to completion and returns the final
// AI message. A client that goes away detaches; the run continues.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.startRun(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	var terminal *agent.Event
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-sub.Events():
			if !open {
				s.finishSend(w, sub, terminal)
				return
			}
			if e.Kind.Terminal() {
				terminal = &e
			}
		}
	}
}

func (s *Server) finishSend(w http.ResponseWriter, sub *stream.Subscription, terminal *agent.Event) {
	res, err := sub.Result()
	if terminal == nil || terminal.Kind == agent.EventError {
		msg := "run ended without a result"
		if terminal != nil {
			msg = terminal.Error
		} else if err != nil {
			msg = err.Error()
		}
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, agent.ErrCancelled):
			code = http.StatusConflict
		case errors.Is(err, session.ErrNotFound):
			code = http.StatusNotFound
		}
		s.errorResponse(w, code, msg)
		return
	}

	resp := MessageResponse{
		ID:             terminal.MessageID,
		ConversationID: terminal.ConversationID,
		Type:           string(session.DisplayAI),
		Content:        terminal.Content,
		Timestamp:      time.Now().UTC(),
		Iterations:     terminal.Iteration,
		Exhausted:      terminal.Exhausted,
		Cancelled:      terminal.Cancelled,
	}
	if res != nil {
		resp.Iterations = res.Iterations
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleMessageStream streams a run's events as SSE frames
// "data: <json>\n\n". The stream ends after the terminal event. If the
// client disconnects the run continues; POST .../stop ends it.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sub, ok := s.startRun(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Get response controller for deadline management
	rc := http.NewResponseController(w)
	extend := func() {
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("stream client gone, run continues", "conversation", sub.ConversationID)
			return

		case <-keepalive.C:
			extend()
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case e, open := <-sub.Events():
			if !open {
				return
			}
			extend()
			if err := s.writeSSE(w, e); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, e agent.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) handleMessageStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stopped := s.runner.Stop(id)
	if stopped {
		s.logger.Info("run stop requested", "conversation", id)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true, "stopped": stopped}, s.logger)
}
