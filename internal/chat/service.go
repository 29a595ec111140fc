// Package chat implements the conversation and message rules shared by the
// real-time server and the REST API: participant checks, validation,
// find-or-create for direct conversations, unread bookkeeping and group
// lifecycle.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

// directCreateAttempts bounds the lookup/create loop when two users race to
// open the same direct conversation.
const directCreateAttempts = 3

type Service struct {
	db    database.ChatRepository
	log   *zap.Logger
	newId func() (string, error)
	now   func() time.Time
}

func NewService(db database.ChatRepository, logger *zap.Logger) *Service {
	return &Service{
		db:    db,
		log:   logger,
		newId: shortid.Generate,
		now:   Now,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func (s *Service) Repository() database.ChatRepository {
	return s.db
}

// storeError converts a repository error into the chat taxonomy.
func storeError(err error, what string) error {
	if errors.Is(err, database.ErrNotFound) {
		return notFound("%s not found", what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Service) Account(ctx context.Context, id string) (database.User, error) {
	u, err := s.db.GetAccountById(ctx, id)
	if err != nil {
		return database.User{}, storeError(err, "user")
	}
	return u, nil
}

func (s *Service) Conversation(ctx context.Context, id string) (*database.Conversation, error) {
	if id == "" {
		return nil, validationError("conversation id is required")
	}

	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, storeError(err, "conversation")
	}
	return conv, nil
}

// ParticipantConversation loads a conversation and checks that userId is a
// current participant.
func (s *Service) ParticipantConversation(ctx context.Context, conversationId, userId string) (*database.Conversation, error) {
	conv, err := s.Conversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	if !conv.IsParticipant(userId) {
		return nil, notAuthorized("not a participant of this conversation")
	}
	return conv, nil
}

// FindOrCreateDirect returns the direct conversation between two users,
// creating it if needed. The returned bool reports whether it was created.
func (s *Service) FindOrCreateDirect(ctx context.Context, userA, userB string) (*database.Conversation, bool, error) {
	if userA == "" || userB == "" {
		return nil, false, validationError("both user ids are required")
	}
	if userA == userB {
		return nil, false, validationError("cannot start a direct conversation with yourself")
	}

	users, err := s.db.GetAccountsByIds(ctx, []string{userA, userB})
	if err != nil {
		return nil, false, fmt.Errorf("get accounts: %w", err)
	}
	if len(users) < 2 {
		return nil, false, notFound("user not found")
	}

	key := database.DirectKey(userA, userB)
	participants := []string{userA, userB}
	slices.Sort(participants)

	for attempt := 0; attempt < directCreateAttempts; attempt++ {
		conv, err := s.db.GetDirectConversation(ctx, key)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, false, fmt.Errorf("get direct conversation: %w", err)
		}

		id, err := s.newId()
		if err != nil {
			return nil, false, fmt.Errorf("generate id: %w", err)
		}

		conv, err = s.db.CreateConversation(ctx, database.CreateConversationParams{
			Id:           id,
			Type:         database.ConversationDirect,
			DirectKey:    key,
			Participants: participants,
		})
		if err == nil {
			s.log.Info("created direct conversation",
				zap.String("conversation_id", conv.Id),
				zap.Strings("participants", participants),
			)
			return conv, true, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, false, fmt.Errorf("create direct conversation: %w", err)
		}

		s.log.Debug("direct conversation already exists, retrying lookup",
			zap.String("direct_key", key),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, false, fmt.Errorf("find or create direct conversation %q: attempts exhausted", key)
}

func (s *Service) UserConversations(ctx context.Context, userId string) ([]database.Conversation, error) {
	convs, err := s.db.ListConversations(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation and every message it owns.
// Group and club conversations can only be deleted by their admin; either
// participant may delete a direct conversation.
func (s *Service) DeleteConversation(ctx context.Context, conversationId, requesterId string) (*database.Conversation, error) {
	conv, err := s.Conversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	if conv.Type == database.ConversationDirect {
		if !conv.IsParticipant(requesterId) {
			return nil, notAuthorized("not a participant of this conversation")
		}
	} else if !conv.IsAdmin(requesterId) {
		return nil, notAuthorized("only the admin can delete this conversation")
	}

	if err := s.db.DeleteConversation(ctx, conv.Id); err != nil {
		return nil, storeError(err, "conversation")
	}

	s.log.Info("deleted conversation",
		zap.String("conversation_id", conv.Id),
		zap.String("type", string(conv.Type)),
		zap.String("requester_id", requesterId),
	)
	return conv, nil
}

// Profiles resolves public profiles for the given user ids. Unknown ids map
// to a bare profile carrying only the id.
func (s *Service) Profiles(ctx context.Context, ids []string) (map[string]types.Profile, error) {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	profiles := make(map[string]types.Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	users, err := s.db.GetAccountsByIds(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}

	for _, u := range users {
		profiles[u.Id] = types.NewProfile(u)
	}
	for _, id := range ids {
		if _, ok := profiles[id]; !ok {
			profiles[id] = types.Profile{Id: id}
		}
	}

	return profiles, nil
}

// PopulateMessages converts stored messages into their wire form with the
// sender profile resolved.
func (s *Service) PopulateMessages(ctx context.Context, msgs []database.Message) ([]types.Message, error) {
	senders := make([]string, len(msgs))
	for i, m := range msgs {
		senders[i] = m.SenderId
	}

	profiles, err := s.Profiles(ctx, senders)
	if err != nil {
		return nil, err
	}

	out := make([]types.Message, len(msgs))
	for i := range msgs {
		out[i] = types.NewMessage(&msgs[i], profiles[msgs[i].SenderId])
	}
	return out, nil
}

func (s *Service) populate(ctx context.Context, msg *database.Message) types.Message {
	populated, err := s.PopulateMessages(ctx, []database.Message{*msg})
	if err != nil {
		s.log.Warn("resolve sender profile",
			zap.String("message_id", msg.Id),
			zap.Error(err),
		)
		return types.NewMessage(msg, types.Profile{Id: msg.SenderId})
	}
	return populated[0]
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
