package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/types"
	"go.uber.org/zap"
)

const (
	MaxContentLength = 2000
	DeletedTombstone = "This message was deleted"
)

type Attachment struct {
	FileUrl  string
	FileName string
	FileSize int64
	MimeType string
}

type SendParams struct {
	ConversationId string
	SenderId       string
	Content        string
	MessageType    database.MessageType
	Attachment     Attachment
}

// SendResult is a persisted message together with the conversation state
// used to route it.
type SendResult struct {
	Message      types.Message
	Conversation *database.Conversation
}

func validateSend(p SendParams) error {
	if p.MessageType == "" {
		p.MessageType = database.MessageText
	}

	if !p.MessageType.Valid() {
		return validationError("unknown message type %q", p.MessageType)
	}
	if p.MessageType == database.MessageSystem {
		return validationError("system messages cannot be sent by clients")
	}
	if utf8.RuneCountInString(p.Content) > MaxContentLength {
		return validationError("message content exceeds %d characters", MaxContentLength)
	}

	switch p.MessageType {
	case database.MessageText:
		if trimmed(p.Content) == "" {
			return validationError("message content is required")
		}
	case database.MessageImage, database.MessageFile:
		if trimmed(p.Attachment.FileUrl) == "" {
			return validationError("%s messages require a file url", p.MessageType)
		}
		if p.Attachment.FileSize < 0 {
			return validationError("file size must not be negative")
		}
	}

	return nil
}

// SendMessage authorizes, validates and persists a message, then updates the
// conversation summary. When only the summary update fails the message is
// still returned, along with a *PartialDeliveryError.
func (s *Service) SendMessage(ctx context.Context, p SendParams) (*SendResult, error) {
	conv, err := s.ParticipantConversation(ctx, p.ConversationId, p.SenderId)
	if err != nil {
		return nil, err
	}

	if err := validateSend(p); err != nil {
		return nil, err
	}
	if p.MessageType == "" {
		p.MessageType = database.MessageText
	}

	now := s.now()
	msg := &database.Message{
		Id:             uuid.NewString(),
		ConversationId: conv.Id,
		SenderId:       p.SenderId,
		Content:        p.Content,
		Type:           p.MessageType,
		FileUrl:        p.Attachment.FileUrl,
		FileName:       p.Attachment.FileName,
		FileSize:       p.Attachment.FileSize,
		MimeType:       p.Attachment.MimeType,
		ReadBy:         []database.ReadReceipt{{UserId: p.SenderId, ReadAt: now}},
		CreatedAt:      now,
	}

	return s.persist(ctx, conv, msg)
}

// persist stores msg and applies the summary update. The two writes are not
// atomic; a failed summary update yields a *PartialDeliveryError.
func (s *Service) persist(ctx context.Context, conv *database.Conversation, msg *database.Message) (*SendResult, error) {
	if err := s.db.CreateMessage(ctx, msg); err != nil {
		return nil, storeError(err, "create message")
	}

	res := &SendResult{Conversation: conv}
	if err := s.db.UpdateConversationOnMessage(ctx, msg); err != nil {
		s.log.Error("update conversation summary",
			zap.String("conversation_id", conv.Id),
			zap.String("message_id", msg.Id),
			zap.Error(err),
		)
		res.Message = s.populate(ctx, msg)
		return res, &PartialDeliveryError{MessageId: msg.Id, Err: err}
	}

	conv.LatestMessageId = msg.Id
	conv.UpdatedAt = msg.CreatedAt
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int, len(conv.Participants))
	}
	for _, p := range conv.Participants {
		if p != msg.SenderId {
			conv.UnreadCounts[p]++
		}
	}

	res.Message = s.populate(ctx, msg)
	return res, nil
}

// systemMessage records a lifecycle event in the conversation history,
// attributed to actorId.
func (s *Service) systemMessage(ctx context.Context, conv *database.Conversation, actorId string, event database.SystemEvent, content string, metadata map[string]string) *SendResult {
	now := s.now()
	msg := &database.Message{
		Id:             uuid.NewString(),
		ConversationId: conv.Id,
		SenderId:       actorId,
		Content:        content,
		Type:           database.MessageSystem,
		SystemEvent:    event,
		Metadata:       metadata,
		ReadBy:         []database.ReadReceipt{{UserId: actorId, ReadAt: now}},
		CreatedAt:      now,
	}

	res, err := s.persist(ctx, conv, msg)
	if err != nil && !IsPartialDelivery(err) {
		s.log.Error("record system message",
			zap.String("conversation_id", conv.Id),
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return nil
	}
	return res
}

// MarkRead marks every message from another sender as read by userId and
// returns how many messages changed.
func (s *Service) MarkRead(ctx context.Context, conversationId, userId string) (int, error) {
	conv, err := s.ParticipantConversation(ctx, conversationId, userId)
	if err != nil {
		return 0, err
	}

	n, err := s.db.MarkConversationRead(ctx, conv.Id, userId, s.now())
	if err != nil {
		return 0, storeError(err, "mark conversation read")
	}

	if n > 0 {
		s.log.Debug("marked conversation read",
			zap.String("conversation_id", conv.Id),
			zap.String("user_id", userId),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// MarkMessageRead records a single read receipt. It reports whether the
// receipt was new; reading one's own message is a no-op.
func (s *Service) MarkMessageRead(ctx context.Context, messageId, userId string) (*database.Message, bool, error) {
	msg, err := s.db.GetMessage(ctx, messageId)
	if err != nil {
		return nil, false, storeError(err, "message")
	}

	if _, err := s.ParticipantConversation(ctx, msg.ConversationId, userId); err != nil {
		return nil, false, err
	}

	marked, err := s.db.MarkMessageRead(ctx, msg.Id, userId, s.now())
	if err != nil {
		return nil, false, storeError(err, "mark message read")
	}
	return msg, marked, nil
}

// DeleteMessage soft deletes a message. Only its sender may delete it.
func (s *Service) DeleteMessage(ctx context.Context, messageId, userId string) (types.Message, error) {
	msg, err := s.db.GetMessage(ctx, messageId)
	if err != nil {
		return types.Message{}, storeError(err, "message")
	}

	if msg.SenderId != userId || (msg.Type == database.MessageSystem && !msg.Deleted) {
		return types.Message{}, notAuthorized("only the sender can delete this message")
	}
	if msg.Deleted {
		return s.populate(ctx, msg), nil
	}

	deleted, err := s.db.SoftDeleteMessage(ctx, msg.Id, DeletedTombstone)
	if err != nil {
		return types.Message{}, storeError(err, "message")
	}

	s.log.Info("deleted message",
		zap.String("conversation_id", deleted.ConversationId),
		zap.String("message_id", deleted.Id),
	)
	return s.populate(ctx, deleted), nil
}

type MessagesParams struct {
	ConversationId string
	UserId         string
	Before         time.Time
	Limit          int
	Page           int
}

// Messages returns a page of history in chronological order.
func (s *Service) Messages(ctx context.Context, p MessagesParams) ([]types.Message, error) {
	if p.Limit < 0 || p.Page < 0 {
		return nil, validationError("limit and page must not be negative")
	}

	conv, err := s.ParticipantConversation(ctx, p.ConversationId, p.UserId)
	if err != nil {
		return nil, err
	}

	limit := min(p.Limit, database.MaxMessageLimit)
	if limit == 0 {
		limit = database.DefaultMessageLimit
	}
	offset := 0
	if p.Page > 1 {
		offset = (p.Page - 1) * limit
	}

	msgs, err := s.db.GetMessages(ctx, database.GetMessagesParams{
		ConversationId: conv.Id,
		Before:         p.Before,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	return s.PopulateMessages(ctx, msgs)
}

func (s *Service) SearchMessages(ctx context.Context, conversationId, userId, query string, limit int) ([]types.Message, error) {
	query = trimmed(query)
	if query == "" {
		return nil, validationError("search query is required")
	}

	conv, err := s.ParticipantConversation(ctx, conversationId, userId)
	if err != nil {
		return nil, err
	}

	msgs, err := s.db.SearchMessages(ctx, conv.Id, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	return s.PopulateMessages(ctx, msgs)
}

// JoinConversation re-checks membership for a connection entering a room and
// marks the conversation read for the user.
func (s *Service) JoinConversation(ctx context.Context, conversationId, userId string) (*database.Conversation, int, error) {
	conv, err := s.ParticipantConversation(ctx, conversationId, userId)
	if err != nil {
		return nil, 0, err
	}

	n, err := s.db.MarkConversationRead(ctx, conv.Id, userId, s.now())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, 0, notFound("conversation not found")
		}
		// The join stands; reads are applied on the next join or mark_read.
		s.log.Warn("mark read on join",
			zap.String("conversation_id", conv.Id),
			zap.String("user_id", userId),
			zap.Error(err),
		)
		return conv, 0, nil
	}
	return conv, n, nil
}
