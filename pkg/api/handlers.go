package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"courier/pkg/auth"
	"courier/pkg/delivery"
	"courier/pkg/models"
)

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req delivery.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Validationf("invalid json: %v", err))
		return
	}
	msg, err := s.coord.SendMessage(r.Context(), user, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	msg, err := s.coord.GetMessage(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	msg, err := s.coord.DeleteMessage(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	msg, err := s.coord.MarkDelivered(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	msg, err := s.coord.MarkRead(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// createConversationRequest covers both direct and group creation. For
// ONE_TO_ONE the participants list holds the single peer; for GROUP it
// holds the other members. display_name names the caller.
type createConversationRequest struct {
	Type         models.ConversationType `json:"type"`
	Name         string                  `json:"name,omitempty"`
	Description  string                  `json:"description,omitempty"`
	DisplayName  string                  `json:"display_name,omitempty"`
	Participants []models.Participant    `json:"participants"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Validationf("invalid json: %v", err))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = user
	}
	self := models.Participant{UserID: user, DisplayName: req.DisplayName}

	var conv *models.Conversation
	var err error
	switch req.Type {
	case models.ConversationOneToOne, "":
		if len(req.Participants) != 1 {
			writeError(w, models.Validationf("one-to-one conversation requires exactly one peer"))
			return
		}
		conv, err = s.coord.CreateOneToOne(r.Context(), self, req.Participants[0])
	case models.ConversationGroup:
		conv, err = s.coord.CreateGroup(r.Context(), self, req.Name, req.Description, req.Participants)
	default:
		writeError(w, models.Validationf("unsupported conversation type %q", req.Type))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	convs, err := s.coord.Conversations(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Conversations []*models.Conversation `json:"conversations"`
	}{Conversations: convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	conv, err := s.coord.GetConversation(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, models.Validationf("invalid limit %q", v))
			return
		}
		limit = n
	}
	msgs, err := s.coord.History(r.Context(), user, mux.Vars(r)["id"], q.Get("before"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []*models.Message `json:"messages"`
	}{Messages: msgs})
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var p models.Participant
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, models.Validationf("invalid json: %v", err))
		return
	}
	conv, err := s.coord.AddParticipant(r.Context(), user, mux.Vars(r)["id"], p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	vars := mux.Vars(r)
	conv, err := s.coord.RemoveParticipant(r.Context(), user, vars["id"], vars["user"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
