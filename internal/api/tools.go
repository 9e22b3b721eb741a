package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lynexus/lynexus-agent/internal/session"
	"github.com/lynexus/lynexus-agent/internal/tools"
)

// validateTimeout bounds the model endpoint ping of validate-key.
const validateTimeout = 15 * time.Second

// ToolInfo is a tool as listed for a conversation.
type ToolInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Server      string   `json:"server"`
	Params      []string `json:"params,omitempty"`
	Usage       string   `json:"usage"`
	Enabled     bool     `json:"enabled"`
}

// handleToolList lists the tools a conversation may use, each marked
// enabled or not. Without a conversation every registered tool is
// listed as enabled.
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversation")

	var st session.Settings
	if id != "" {
		var ok bool
		if st, ok = s.conversationSettings(w, r, id); !ok {
			return
		}
	}
	enabled := st.EnabledTools
	reg := s.tools.Available(r.Context(), id, st)

	list := reg.List()
	out := make([]ToolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Server:      t.Server,
			Params:      t.Params,
			Usage:       t.Usage(),
			Enabled:     enabled == nil || slices.Contains(enabled, t.Name),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleToolToggle switches one tool on or off for a conversation.
func (s *Server) handleToolToggle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := r.URL.Query().Get("conversationId")
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversationId parameter is required")
		return
	}
	on, err := parseBoolParam(r, "enabled")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	st, ok := s.conversationSettings(w, r, id)
	if !ok {
		return
	}
	reg := s.tools.Available(r.Context(), id, st)
	enabled, err := reg.Toggle(st.EnabledTools, name, on)
	var unavailable *tools.ErrToolUnavailable
	if errors.As(err, &unavailable) {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	st.EnabledTools = enabled
	st.APIKey = ""
	if err := s.store.UpdateSettings(r.Context(), id, st); err != nil {
		s.storeError(w, "update settings", err)
		return
	}
	s.logger.Info("tool toggled", "conversation", id, "tool", name, "enabled", on)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"success":      true,
		"tool":         name,
		"enabled":      on,
		"enabledTools": enabled,
	}, s.logger)
}

// ValidateKeyRequest is the body of POST /api/settings/validate-key.
type ValidateKeyRequest struct {
	APIKey  string `json:"apiKey"`
	APIBase string `json:"apiBase"`
}

// handleValidateKey pings the model endpoint with the given key. An
// unreachable endpoint or rejected key answers 200 with valid=false.
func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req ValidateKeyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.APIBase) == "" {
		s.errorResponse(w, http.StatusBadRequest, "apiBase is required")
		return
	}

	result := map[string]any{"valid": true}
	client, err := s.clients.ClientFor(req.APIBase, req.APIKey)
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), validateTimeout)
		err = client.Ping(ctx)
		cancel()
	}
	if err != nil {
		s.logger.Info("API key validation failed", "api_base", req.APIBase, "error", err)
		result = map[string]any{"valid": false, "error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}
