package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"courier/pkg/auth"
	"courier/pkg/delivery"
	"courier/pkg/session"
	"courier/pkg/telemetry"
)

// Server holds the handler dependencies and builds the HTTP surface.
type Server struct {
	coord    *delivery.Coordinator
	registry *session.Registry
}

func New(coord *delivery.Coordinator, registry *session.Registry) *Server {
	return &Server{coord: coord, registry: registry}
}

// Router wires all routes. Identity is required on everything under /v1,
// including the websocket upgrade.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.Middleware)

	route := func(path, method, name string, h http.HandlerFunc) {
		v1.Handle(path, telemetry.Middleware(name, h)).Methods(method)
	}

	route("/messages", http.MethodPost, "send_message", s.handleSendMessage)
	route("/messages/{id}", http.MethodGet, "get_message", s.handleGetMessage)
	route("/messages/{id}", http.MethodDelete, "delete_message", s.handleDeleteMessage)
	route("/messages/{id}/delivered", http.MethodPost, "mark_delivered", s.handleMarkDelivered)
	route("/messages/{id}/read", http.MethodPost, "mark_read", s.handleMarkRead)

	route("/conversations", http.MethodPost, "create_conversation", s.handleCreateConversation)
	route("/conversations", http.MethodGet, "list_conversations", s.handleListConversations)
	route("/conversations/{id}", http.MethodGet, "get_conversation", s.handleGetConversation)
	route("/conversations/{id}/messages", http.MethodGet, "history", s.handleHistory)
	route("/conversations/{id}/participants", http.MethodPost, "add_participant", s.handleAddParticipant)
	route("/conversations/{id}/participants/{user}", http.MethodDelete, "remove_participant", s.handleRemoveParticipant)

	v1.Handle("/ws", http.HandlerFunc(s.handleWS)).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
