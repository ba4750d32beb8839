package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/realtime"
	"github.com/Tyrowin/gochat/internal/store"
)

const maxBodyBytes = 1 << 20

// handleSendDirect handles POST /api/messages/send/{id}.
func (s *Server) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	caller := mustUser(r)
	var req sendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.chat.SendDirect(r.Context(), caller.ID, r.PathValue("id"), req.Text, req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleDirectHistory handles GET /api/messages/{id}.
func (s *Server) handleDirectHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.DirectHistory(r.Context(), mustUser(r).ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleContacts handles GET /api/messages/users.
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	users, err := s.chat.Contacts(r.Context(), mustUser(r).ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleCreateGroup handles POST /api/groups.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	g, err := s.chat.CreateGroup(r.Context(), mustUser(r).ID, req.Name, req.Members)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleAddMember handles POST /api/groups/{id}/members.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	g, err := s.chat.AddMember(r.Context(), mustUser(r).ID, r.PathValue("id"), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleRemoveMember handles DELETE /api/groups/{id}/members/{userId}.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	g, err := s.chat.RemoveMember(r.Context(), mustUser(r).ID, r.PathValue("id"), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleLeaveGroup handles PUT /api/groups/{id}/leave.
func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.chat.LeaveGroup(r.Context(), mustUser(r).ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "You left the group", "group": g})
}

// handleUserGroups handles GET /api/users/{id}/groups.
func (s *Server) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.chat.GroupsOf(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// handleGroupHistory handles GET /api/groups/{id}/messages.
func (s *Server) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.GroupHistory(r.Context(), mustUser(r).ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleSendGroup handles POST /api/groups/{id}/messages.
func (s *Server) handleSendGroup(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.chat.SendGroup(r.Context(), mustUser(r).ID, r.PathValue("id"), req.Text, req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleOnline handles GET /api/online.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	online, err := s.hub.OnlineUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, online)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
		return false
	}
	return true
}

// writeError maps err to a status code and writes it as {"message": ...}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, messageResponse{Message: message})
}

// errorStatus returns the HTTP status and client-facing message for err.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, realtime.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, realtime.ErrHubClosed):
		return http.StatusServiceUnavailable, "Server is shutting down"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mustUser returns the caller stored by the auth gate. Routes using it are
// only mounted behind auth.Middleware.
func mustUser(r *http.Request) *store.User {
	u, ok := auth.UserFrom(r.Context())
	if !ok {
		panic("server: handler mounted without auth middleware")
	}
	return u
}

// authGate wraps API handlers with token verification and user lookup.
func (s *Server) authGate() func(http.Handler) http.Handler {
	return auth.Middleware(s.verifier, s.store, s.logger)
}
