package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 100
)

type ChatRepository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id string) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	GetAccountsByIds(ctx context.Context, ids []string) ([]User, error)

	CreateConversation(ctx context.Context, params CreateConversationParams) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetDirectConversation(ctx context.Context, directKey string) (*Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]Conversation, error)
	UpdateConversation(ctx context.Context, id string, params UpdateConversationParams) (*Conversation, error)
	AddParticipant(ctx context.Context, conversationId, userId string) error
	RemoveParticipant(ctx context.Context, conversationId, userId string) error
	SetModerator(ctx context.Context, conversationId, userId string, moderator bool) error
	SetAdmin(ctx context.Context, conversationId, userId string) error
	DeleteConversation(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, msg *Message) error
	UpdateConversationOnMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessages(ctx context.Context, params GetMessagesParams) ([]Message, error)
	SearchMessages(ctx context.Context, conversationId, query string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, conversationId string) (int, error)
	MarkConversationRead(ctx context.Context, conversationId, userId string, at time.Time) (int, error)
	MarkMessageRead(ctx context.Context, messageId, userId string, at time.Time) (bool, error)
	SoftDeleteMessage(ctx context.Context, messageId, tombstone string) (*Message, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
