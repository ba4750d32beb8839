package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. The JSON API is mounted only when the server has a token verifier.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("GET /test", s.TestPageHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	if s.verifier == nil {
		s.logger.Warn("No JWT secret configured; HTTP API disabled")
		return mux
	}

	gate := s.authGate()
	api := map[string]http.HandlerFunc{
		"POST /api/messages/send/{id}":             s.handleSendDirect,
		"GET /api/messages/users":                  s.handleContacts,
		"GET /api/messages/{id}":                   s.handleDirectHistory,
		"POST /api/groups":                         s.handleCreateGroup,
		"POST /api/groups/{id}/members":            s.handleAddMember,
		"DELETE /api/groups/{id}/members/{userId}": s.handleRemoveMember,
		"PUT /api/groups/{id}/leave":               s.handleLeaveGroup,
		"GET /api/groups/{id}/messages":            s.handleGroupHistory,
		"POST /api/groups/{id}/messages":           s.handleSendGroup,
		"GET /api/users/{id}/groups":               s.handleUserGroups,
		"GET /api/online":                          s.handleOnline,
	}
	for pattern, handler := range api {
		mux.Handle(pattern, gate(handler))
	}
	return mux
}
