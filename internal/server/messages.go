package server

import (
	"time"

	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/types"
)

// Client events.
const (
	EventUserOnline        = "user_online"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
)

// Server events.
const (
	EventReceiveMessage          = "receive_message"
	EventNewMessageNotification  = "new_message_notification"
	EventUserStatusChange        = "user_status_change"
	EventOnlineUsers             = "online_users"
	EventUserTyping              = "user_typing"
	EventMessagesRead            = "messages_read"
	EventConversationJoined      = "conversation_joined"
	EventConversationLeft        = "conversation_left"
	EventMessageSent             = "message_sent"
	EventMessageDeleted          = "message_deleted"
	EventAddedToConversation     = "added_to_conversation"
	EventRemovedFromConversation = "removed_from_conversation"
	EventConversationUpdated     = "conversation_updated"
	EventConversationDeleted     = "conversation_deleted"
	EventError                   = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	codeRateLimited = "rate_limited"
	codeInternal    = "internal_error"
	codeValidation  = "validation_error"
)

// ClientMessage is an inbound event. Id is an optional correlation id echoed
// on the reply.
type ClientMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Data      Payload   `json:"data"`
	UserId    string    `json:"-"`
	Timestamp time.Time `json:"-"`
	client    *Client
	// silent suppresses the ack, used for leaves triggered by a disconnect.
	silent bool
}

// Payload is the union of every client event's data fields.
type Payload struct {
	ConversationId string `json:"conversationId,omitempty"`
	UserId         string `json:"userId,omitempty"`
	SenderId       string `json:"senderId,omitempty"`
	Username       string `json:"username,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageType    string `json:"messageType,omitempty"`
	FileUrl        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
}

// ServerMessage is an outbound event.
type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type MessagePayload struct {
	Message types.Message `json:"message"`
}

type NotificationPayload struct {
	ConversationId string               `json:"conversationId"`
	Message        types.MessageSummary `json:"message"`
}

type StatusPayload struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

type OnlineUsersPayload struct {
	UserIds []string `json:"userIds"`
}

type TypingPayload struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadPayload struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

type ConversationRef struct {
	ConversationId string `json:"conversationId"`
}

type MessageRef struct {
	ConversationId string `json:"conversationId"`
	MessageId      string `json:"messageId"`
}

type ConversationPayload struct {
	Conversation types.Conversation `json:"conversation"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewEvent(event string, data any) *ServerMessage {
	return &ServerMessage{
		Event:     event,
		Timestamp: Now(),
		Data:      data,
	}
}

// Reply builds an event answering the client message with correlation id.
func Reply(id int, event string, data any) *ServerMessage {
	msg := NewEvent(event, data)
	msg.Id = id
	return msg
}

// ErrorMessage converts err into an error event. Errors outside the chat
// taxonomy are reported as internal errors without detail.
func ErrorMessage(id int, err error) *ServerMessage {
	return Reply(id, EventError, ErrorPayload{
		Code:    chat.ErrorCode(err),
		Message: chat.PublicMessage(err),
	})
}

func ErrInvalidMessage(id int) *ServerMessage {
	return Reply(id, EventError, ErrorPayload{Code: codeValidation, Message: "invalid message format"})
}

func ErrUnknownEvent(id int, event string) *ServerMessage {
	return Reply(id, EventError, ErrorPayload{Code: codeValidation, Message: "unknown event " + event})
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return Reply(id, EventError, ErrorPayload{Code: codeInternal, Message: "service unavailable"})
}

func ErrRateLimited(id int) *ServerMessage {
	return Reply(id, EventError, ErrorPayload{Code: codeRateLimited, Message: "too many events, slow down"})
}

func Now() time.Time {
	return chat.Now()
}
