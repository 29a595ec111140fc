package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountsByIds(ctx context.Context, ids []string) ([]User, error) {
	args := m.Called(ids)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (*Conversation, error) {
	args := m.Called(params)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	args := m.Called(id)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetDirectConversation(ctx context.Context, directKey string) (*Conversation, error) {
	args := m.Called(directKey)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockChatRepository) UpdateConversation(ctx context.Context, id string, params UpdateConversationParams) (*Conversation, error) {
	args := m.Called(id, params)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) AddParticipant(ctx context.Context, conversationId, userId string) error {
	args := m.Called(conversationId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) RemoveParticipant(ctx context.Context, conversationId, userId string) error {
	args := m.Called(conversationId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) SetModerator(ctx context.Context, conversationId, userId string, moderator bool) error {
	args := m.Called(conversationId, userId, moderator)
	return args.Error(0)
}
func (m *MockChatRepository) SetAdmin(ctx context.Context, conversationId, userId string) error {
	args := m.Called(conversationId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg *Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockChatRepository) UpdateConversationOnMessage(ctx context.Context, msg *Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	args := m.Called(id)
	if msg, ok := args.Get(0).(*Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, params GetMessagesParams) ([]Message, error) {
	args := m.Called(params)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) SearchMessages(ctx context.Context, conversationId, query string, limit int) ([]Message, error) {
	args := m.Called(conversationId, query, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) CountMessages(ctx context.Context, conversationId string) (int, error) {
	args := m.Called(conversationId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) MarkConversationRead(ctx context.Context, conversationId, userId string, at time.Time) (int, error) {
	args := m.Called(conversationId, userId, at)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) MarkMessageRead(ctx context.Context, messageId, userId string, at time.Time) (bool, error) {
	args := m.Called(messageId, userId, at)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(ctx context.Context, messageId, tombstone string) (*Message, error) {
	args := m.Called(messageId, tombstone)
	if msg, ok := args.Get(0).(*Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
