package database

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memParticipant struct {
	moderator bool
	unread    int
	joinedAt  time.Time
	// joinedSeq is the message sequence when the participant joined. Only
	// later messages count towards unread.
	joinedSeq int64
}

type memConversation struct {
	conv         Conversation
	participants map[string]*memParticipant
}

// MemoryRepository is a process-local ChatRepository. It enforces the same
// uniqueness rules as the Postgres schema and is used for development and
// tests.
type MemoryRepository struct {
	mu            sync.Mutex
	seq           int64
	accounts      map[string]User
	conversations map[string]*memConversation
	directKeys    map[string]string
	messages      map[string]*Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[string]User),
		conversations: make(map[string]*memConversation),
		directKeys:    make(map[string]string),
		messages:      make(map[string]*Message),
	}
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.accounts {
		if u.Username == params.Username || u.EmailAddress == params.EmailAddress {
			return User{}, fmt.Errorf("%w: account", ErrConflict)
		}
	}

	now := time.Now().UTC()
	u := User{
		Id:           uuid.NewString(),
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		Avatar:       params.Avatar,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.accounts[u.Id] = u

	return u, nil
}

func (m *MemoryRepository) GetAccountById(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.accounts[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.accounts {
		if u.EmailAddress == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryRepository) GetAccountsByIds(_ context.Context, ids []string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.accounts[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

// snapshot copies a conversation out from under the lock.
func (mc *memConversation) snapshot() *Conversation {
	c := mc.conv
	c.Participants = make([]string, 0, len(mc.participants))
	c.Moderators = nil
	c.UnreadCounts = make(map[string]int, len(mc.participants))

	ids := slices.SortedFunc(maps.Keys(mc.participants), func(a, b string) int {
		pa, pb := mc.participants[a], mc.participants[b]
		if c := pa.joinedAt.Compare(pb.joinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, id := range ids {
		p := mc.participants[id]
		c.Participants = append(c.Participants, id)
		if p.moderator {
			c.Moderators = append(c.Moderators, id)
		}
		c.UnreadCounts[id] = p.unread
	}

	return &c
}

func (m *MemoryRepository) CreateConversation(_ context.Context, params CreateConversationParams) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[params.Id]; ok {
		return nil, fmt.Errorf("%w: conversation id", ErrConflict)
	}
	if params.DirectKey != "" {
		if _, ok := m.directKeys[params.DirectKey]; ok {
			return nil, fmt.Errorf("%w: direct key", ErrConflict)
		}
	}
	for _, p := range params.Participants {
		if _, ok := m.accounts[p]; !ok {
			return nil, fmt.Errorf("participant %q: %w", p, ErrNotFound)
		}
	}

	now := time.Now().UTC()
	mc := &memConversation{
		conv: Conversation{
			Id:          params.Id,
			Type:        params.Type,
			Name:        params.Name,
			Description: params.Description,
			Category:    params.Category,
			Avatar:      params.Avatar,
			IsPublic:    params.IsPublic,
			AdminId:     params.AdminId,
			DirectKey:   params.DirectKey,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		participants: make(map[string]*memParticipant, len(params.Participants)),
	}
	for _, p := range params.Participants {
		if _, dup := mc.participants[p]; dup {
			return nil, fmt.Errorf("%w: participant", ErrConflict)
		}
		mc.participants[p] = &memParticipant{joinedAt: now, joinedSeq: m.seq}
	}

	m.conversations[params.Id] = mc
	if params.DirectKey != "" {
		m.directKeys[params.DirectKey] = params.Id
	}

	return mc.snapshot(), nil
}

func (m *MemoryRepository) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mc.snapshot(), nil
}

func (m *MemoryRepository) GetDirectConversation(_ context.Context, directKey string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.directKeys[directKey]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversations[id].snapshot(), nil
}

func (m *MemoryRepository) ListConversations(_ context.Context, userId string) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	convs := make([]Conversation, 0)
	for _, mc := range m.conversations {
		if _, ok := mc.participants[userId]; ok {
			convs = append(convs, *mc.snapshot())
		}
	}

	slices.SortFunc(convs, func(a, b Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})

	return convs, nil
}

func (m *MemoryRepository) UpdateConversation(_ context.Context, id string, params UpdateConversationParams) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	if params.Name != nil {
		mc.conv.Name = *params.Name
	}
	if params.Description != nil {
		mc.conv.Description = *params.Description
	}
	if params.Category != nil {
		mc.conv.Category = *params.Category
	}
	if params.Avatar != nil {
		mc.conv.Avatar = *params.Avatar
	}
	if params.IsPublic != nil {
		mc.conv.IsPublic = *params.IsPublic
	}
	mc.conv.UpdatedAt = time.Now().UTC()

	return mc.snapshot(), nil
}

func (m *MemoryRepository) AddParticipant(_ context.Context, conversationId, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[conversationId]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.accounts[userId]; !ok {
		return ErrNotFound
	}
	if _, ok := mc.participants[userId]; ok {
		return fmt.Errorf("%w: participant", ErrConflict)
	}

	now := time.Now().UTC()
	mc.participants[userId] = &memParticipant{joinedAt: now, joinedSeq: m.seq}
	mc.conv.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) RemoveParticipant(_ context.Context, conversationId, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[conversationId]
	if !ok {
		return ErrNotFound
	}
	if _, ok := mc.participants[userId]; !ok {
		return ErrNotFound
	}

	delete(mc.participants, userId)
	mc.conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) SetModerator(_ context.Context, conversationId, userId string, moderator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[conversationId]
	if !ok {
		return ErrNotFound
	}
	p, ok := mc.participants[userId]
	if !ok {
		return ErrNotFound
	}

	p.moderator = moderator
	return nil
}

func (m *MemoryRepository) SetAdmin(_ context.Context, conversationId, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[conversationId]
	if !ok || mc.conv.Type == ConversationDirect {
		return ErrNotFound
	}
	p, ok := mc.participants[userId]
	if !ok {
		return ErrNotFound
	}

	mc.conv.AdminId = userId
	mc.conv.UpdatedAt = time.Now().UTC()
	p.moderator = false
	return nil
}

func (m *MemoryRepository) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}

	for msgId, msg := range m.messages {
		if msg.ConversationId == id {
			delete(m.messages, msgId)
		}
	}
	if mc.conv.DirectKey != "" {
		delete(m.directKeys, mc.conv.DirectKey)
	}
	delete(m.conversations, id)

	return nil
}

func copyMessage(msg *Message) Message {
	c := *msg
	c.ReadBy = slices.Clone(msg.ReadBy)
	c.Metadata = maps.Clone(msg.Metadata)
	return c
}

func (m *MemoryRepository) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationId]; !ok {
		return ErrNotFound
	}
	if _, ok := m.messages[msg.Id]; ok {
		return fmt.Errorf("%w: message id", ErrConflict)
	}

	m.seq++
	msg.Seq = m.seq
	msg.UpdatedAt = msg.CreatedAt

	stored := copyMessage(msg)
	m.messages[msg.Id] = &stored
	return nil
}

func (m *MemoryRepository) UpdateConversationOnMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.conversations[msg.ConversationId]
	if !ok {
		return ErrNotFound
	}

	mc.conv.LatestMessageId = msg.Id
	mc.conv.UpdatedAt = msg.CreatedAt
	for id, p := range mc.participants {
		if id != msg.SenderId {
			p.unread++
		}
	}
	return nil
}

func (m *MemoryRepository) GetMessage(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyMessage(msg)
	return &c, nil
}

func compareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// conversationMessages returns the conversation's messages newest first.
func (m *MemoryRepository) conversationMessages(conversationId string, keep func(*Message) bool) []*Message {
	msgs := make([]*Message, 0)
	for _, msg := range m.messages {
		if msg.ConversationId == conversationId && keep(msg) {
			msgs = append(msgs, msg)
		}
	}
	slices.SortFunc(msgs, func(a, b *Message) int { return compareMessages(b, a) })
	return msgs
}

func (m *MemoryRepository) GetMessages(_ context.Context, params GetMessagesParams) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.conversationMessages(params.ConversationId, func(msg *Message) bool {
		return params.Before.IsZero() || msg.CreatedAt.Before(params.Before)
	})

	offset := min(max(params.Offset, 0), len(msgs))
	end := min(offset+normalizeLimit(params.Limit), len(msgs))

	page := make([]Message, 0, end-offset)
	for _, msg := range msgs[offset:end] {
		page = append(page, copyMessage(msg))
	}
	slices.Reverse(page)

	return page, nil
}

func (m *MemoryRepository) SearchMessages(_ context.Context, conversationId, query string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	needle := strings.ToLower(query)
	msgs := m.conversationMessages(conversationId, func(msg *Message) bool {
		return !msg.Deleted && strings.Contains(strings.ToLower(msg.Content), needle)
	})

	limit = normalizeLimit(limit)
	res := make([]Message, 0, min(limit, len(msgs)))
	for _, msg := range msgs[:min(limit, len(msgs))] {
		res = append(res, copyMessage(msg))
	}
	return res, nil
}

func (m *MemoryRepository) CountMessages(_ context.Context, conversationId string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, msg := range m.messages {
		if msg.ConversationId == conversationId {
			n++
		}
	}
	return n, nil
}

// countedUnread reports whether msg was counted as unread for userId, which
// holds only for messages sent while userId was a participant.
func (m *MemoryRepository) countedUnread(msg *Message, userId string) bool {
	mc, ok := m.conversations[msg.ConversationId]
	if !ok {
		return false
	}
	p, ok := mc.participants[userId]
	return ok && msg.Seq > p.joinedSeq
}

func (m *MemoryRepository) decrementUnread(conversationId, userId string, n int) {
	mc, ok := m.conversations[conversationId]
	if !ok || n == 0 {
		return
	}
	if p, ok := mc.participants[userId]; ok {
		p.unread = max(p.unread-n, 0)
	}
}

func (m *MemoryRepository) MarkConversationRead(_ context.Context, conversationId, userId string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	marked, counted := 0, 0
	for _, msg := range m.messages {
		if msg.ConversationId != conversationId || msg.SenderId == userId || msg.IsReadBy(userId) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, ReadReceipt{UserId: userId, ReadAt: at})
		marked++
		if m.countedUnread(msg, userId) {
			counted++
		}
	}

	m.decrementUnread(conversationId, userId, counted)
	return marked, nil
}

func (m *MemoryRepository) MarkMessageRead(_ context.Context, messageId, userId string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return false, ErrNotFound
	}
	if msg.SenderId == userId || msg.IsReadBy(userId) {
		return false, nil
	}

	msg.ReadBy = append(msg.ReadBy, ReadReceipt{UserId: userId, ReadAt: at})
	if m.countedUnread(msg, userId) {
		m.decrementUnread(msg.ConversationId, userId, 1)
	}
	return true, nil
}

func (m *MemoryRepository) SoftDeleteMessage(_ context.Context, messageId, tombstone string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return nil, ErrNotFound
	}

	msg.Content = tombstone
	msg.Type = MessageSystem
	msg.SystemEvent = SystemDeleted
	msg.FileUrl, msg.FileName, msg.MimeType = "", "", ""
	msg.FileSize = 0
	msg.Deleted = true
	msg.UpdatedAt = time.Now().UTC()

	c := copyMessage(msg)
	return &c, nil
}
