package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/lynexus/lynexus-agent/internal/session"
)

// ConversationRequest is the body of conversation create and rename.
// Name is accepted as an alias of Title.
type ConversationRequest struct {
	Title string `json:"title"`
	Name  string `json:"name"`
}

func (c ConversationRequest) title() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Name
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.List(r.Context())
	if err != nil {
		s.storeError(w, "list conversations", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, convs, s.logger)
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	conv, err := s.store.Create(r.Context(), req.title())
	if err != nil {
		s.storeError(w, "create conversation", err)
		return
	}
	s.logger.Info("conversation created", "conversation", conv.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get conversation", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ConversationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	title := strings.TrimSpace(req.title())
	if title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.Rename(r.Context(), id, title); err != nil {
		s.storeError(w, "rename conversation", err)
		return
	}
	s.handleConversationGet(w, r)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runner.Active(id) {
		s.runner.Stop(id)
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.storeError(w, "delete conversation", err)
		return
	}
	if s.dataDir != "" {
		if err := os.RemoveAll(filepath.Dir(s.toolsDir(id))); err != nil {
			s.logger.Warn("remove conversation files failed", "conversation", id, "error", err)
		}
	}
	s.logger.Info("conversation deleted", "conversation", id)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true}, s.logger)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Display(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "list messages", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msgs, s.logger)
}

func (s *Server) handleMessageClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runner.Active(id) {
		s.errorResponse(w, http.StatusConflict, "a run is active for this conversation")
		return
	}
	if err := s.store.ClearMessages(r.Context(), id); err != nil {
		s.storeError(w, "clear messages", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true}, s.logger)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Settings(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get settings", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st.Redacted(), s.logger)
}

// handleSettingsUpdate applies the fields present in the body to the
// stored settings. An absent or redacted apiKey keeps the stored key.
func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.Settings(r.Context(), id)
	if err != nil {
		s.storeError(w, "get settings", err)
		return
	}
	st.APIKey = ""
	if !s.decodeBody(w, r, &st) {
		return
	}
	if err := st.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if err := s.store.UpdateSettings(r.Context(), id, st); err != nil {
		s.storeError(w, "update settings", err)
		return
	}
	s.logger.Info("settings updated", "conversation", id)
	s.handleSettingsGet(w, r)
}

// conversationSettings loads settings for handlers that only need them
// to resolve tools.
func (s *Server) conversationSettings(w http.ResponseWriter, r *http.Request, id string) (session.Settings, bool) {
	st, err := s.store.Settings(r.Context(), id)
	if err != nil {
		s.storeError(w, "get settings", err)
		return session.Settings{}, false
	}
	return st, true
}
