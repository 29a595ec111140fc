package api

import (
	"net/http"

	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/types"
	"go.uber.org/zap"
)

type DirectConversationRequest struct {
	UserId string `json:"userId"`
}

type CreateConversationRequest struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	Avatar       string   `json:"avatar"`
	IsPublic     bool     `json:"isPublic"`
	Participants []string `json:"participants"`
}

type UpdateConversationRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	Avatar      *string `json:"avatar"`
	IsPublic    *bool   `json:"isPublic"`
}

type ParticipantRequest struct {
	UserId string `json:"userId"`
}

type ModeratorRequest struct {
	Moderator bool `json:"moderator"`
}

func (s *ChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	convs, err := s.svc.UserConversations(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := make([]types.Conversation, 0, len(convs))
	for i := range convs {
		resp = append(resp, types.NewConversation(&convs[i]))
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *ChatApp) createDirectConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req DirectConversationRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, created, err := s.svc.FindOrCreateDirect(r.Context(), userId, req.UserId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.cs.NotifyAdded(conv, conv.OtherParticipant(userId))
	}

	s.writeJson(w, status, types.NewConversation(conv))
}

func (s *ChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.svc.CreateGroup(r.Context(), chat.CreateGroupParams{
		Type:         database.ConversationType(req.Type),
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		Avatar:       req.Avatar,
		IsPublic:     req.IsPublic,
		AdminId:      userId,
		Participants: req.Participants,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, p := range conv.Participants {
		if p != userId {
			s.cs.NotifyAdded(conv, p)
		}
	}

	s.writeJson(w, http.StatusCreated, types.NewConversation(conv))
}

func (s *ChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	conv, err := s.svc.ParticipantConversation(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, types.NewConversation(conv))
}

func (s *ChatApp) updateConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.UpdateMetadata(r.Context(), r.PathValue("id"), userId, chat.UpdateMetadataParams{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Avatar:      req.Avatar,
		IsPublic:    req.IsPublic,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cs.Deliver(res.SystemMessage)
	s.cs.ConversationUpdated(res.Conversation)

	s.writeJson(w, http.StatusOK, types.NewConversation(res.Conversation))
}

func (s *ChatApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	conv, err := s.svc.DeleteConversation(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cs.ConversationDeleted(conv)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatApp) addParticipant(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req ParticipantRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.AddParticipant(r.Context(), r.PathValue("id"), userId, req.UserId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cs.Deliver(res.SystemMessage)
	s.cs.NotifyAdded(res.Conversation, req.UserId)
	s.cs.ConversationUpdated(res.Conversation)

	s.writeJson(w, http.StatusOK, types.NewConversation(res.Conversation))
}

// removeParticipant covers both removal by an admin or moderator and a
// member leaving on their own.
func (s *ChatApp) removeParticipant(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	conversationId, targetId := r.PathValue("id"), r.PathValue("userId")
	res, err := s.svc.RemoveParticipant(r.Context(), conversationId, userId, targetId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cs.RemoveFromConversation(conversationId, targetId)
	s.cs.Deliver(res.SystemMessage)
	s.cs.ConversationUpdated(res.Conversation)

	s.log.Debug("removed participant",
		zap.String("conversation_id", conversationId),
		zap.String("user_id", targetId),
		zap.String("actor_id", userId),
	)
	s.writeJson(w, http.StatusOK, types.NewConversation(res.Conversation))
}

func (s *ChatApp) setModerator(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req ModeratorRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.svc.SetModerator(r.Context(), r.PathValue("id"), userId, r.PathValue("userId"), req.Moderator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cs.ConversationUpdated(conv)
	s.writeJson(w, http.StatusOK, types.NewConversation(conv))
}

func (s *ChatApp) transferAdmin(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req ParticipantRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.svc.TransferAdmin(r.Context(), r.PathValue("id"), userId, req.UserId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cs.ConversationUpdated(conv)
	s.writeJson(w, http.StatusOK, types.NewConversation(conv))
}
