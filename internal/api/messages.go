package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/database"
	"go.uber.org/zap"
)

type SendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	FileUrl     string `json:"fileUrl"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MimeType    string `json:"mimeType"`
}

type ReadResponse struct {
	ConversationId string `json:"conversationId"`
	MessageId      string `json:"messageId"`
	Updated        bool   `json:"updated"`
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		var err error
		before, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			errResp := NewBadRequestError().withMessage("before must be an RFC 3339 timestamp")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limit, okLimit := queryInt(r, "limit")
	page, okPage := queryInt(r, "page")
	if !okLimit || !okPage {
		errResp := NewBadRequestError().withMessage("limit and page must be non-negative integers")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msgs, err := s.svc.Messages(r.Context(), chat.MessagesParams{
		ConversationId: r.PathValue("id"),
		UserId:         userId,
		Before:         before,
		Limit:          limit,
		Page:           page,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *ChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.SendMessage(r.Context(), chat.SendParams{
		ConversationId: r.PathValue("id"),
		SenderId:       userId,
		Content:        req.Content,
		MessageType:    database.MessageType(req.MessageType),
		Attachment: chat.Attachment{
			FileUrl:  req.FileUrl,
			FileName: req.FileName,
			FileSize: req.FileSize,
			MimeType: req.MimeType,
		},
	})
	if err != nil {
		if !chat.IsPartialDelivery(err) {
			s.writeError(w, r, err)
			return
		}
		s.log.Warn("partial delivery", zap.Error(err))
	}

	s.cs.Deliver(res)
	s.writeJson(w, http.StatusCreated, res.Message)
}

func (s *ChatApp) searchMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	limit, okLimit := queryInt(r, "limit")
	if !okLimit {
		errResp := NewBadRequestError().withMessage("limit must be a non-negative integer")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msgs, err := s.svc.SearchMessages(r.Context(), r.PathValue("id"), userId, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *ChatApp) markMessageRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	msg, updated, err := s.svc.MarkMessageRead(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, ReadResponse{
		ConversationId: msg.ConversationId,
		MessageId:      msg.Id,
		Updated:        updated,
	})
}

func (s *ChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	msg, err := s.svc.DeleteMessage(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conv, err := s.svc.Conversation(r.Context(), msg.ConversationId)
	if err != nil {
		s.log.Warn("load conversation for deleted message",
			zap.String("message_id", msg.Id),
			zap.Error(err),
		)
	} else {
		s.cs.MessageDeleted(conv, msg.Id)
	}

	s.writeJson(w, http.StatusOK, msg)
}
