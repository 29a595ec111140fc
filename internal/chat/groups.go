package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/campuschat/internal/database"
	"go.uber.org/zap"
)

const maxNameLength = 100

type CreateGroupParams struct {
	Type         database.ConversationType
	Name         string
	Description  string
	Category     string
	Avatar       string
	IsPublic     bool
	AdminId      string
	Participants []string
}

// UpdateMetadataParams holds optional changes; nil fields are unchanged.
type UpdateMetadataParams struct {
	Name        *string
	Description *string
	Category    *string
	Avatar      *string
	IsPublic    *bool
}

// LifecycleResult is the outcome of a group membership or metadata change.
// SystemMessage is nil when no history entry was recorded.
type LifecycleResult struct {
	Conversation  *database.Conversation
	SystemMessage *SendResult
}

func (s *Service) CreateGroup(ctx context.Context, p CreateGroupParams) (*database.Conversation, error) {
	if p.Type == "" {
		p.Type = database.ConversationGroup
	}
	if !p.Type.Valid() || p.Type == database.ConversationDirect {
		return nil, validationError("conversation type must be group or club")
	}

	p.Name = trimmed(p.Name)
	if p.Name == "" {
		return nil, validationError("name is required")
	}
	if len([]rune(p.Name)) > maxNameLength {
		return nil, validationError("name exceeds %d characters", maxNameLength)
	}
	if p.AdminId == "" {
		return nil, validationError("admin is required")
	}

	participants := []string{p.AdminId}
	for _, id := range p.Participants {
		if id != "" && !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}

	users, err := s.db.GetAccountsByIds(ctx, participants)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if len(users) != len(participants) {
		return nil, notFound("one or more participants not found")
	}

	id, err := s.newId()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	conv, err := s.db.CreateConversation(ctx, database.CreateConversationParams{
		Id:           id,
		Type:         p.Type,
		Name:         p.Name,
		Description:  p.Description,
		Category:     p.Category,
		Avatar:       p.Avatar,
		IsPublic:     p.IsPublic,
		AdminId:      p.AdminId,
		Participants: participants,
	})
	if err != nil {
		return nil, storeError(err, "create conversation")
	}

	s.log.Info("created conversation",
		zap.String("conversation_id", conv.Id),
		zap.String("type", string(conv.Type)),
		zap.String("admin_id", conv.AdminId),
		zap.Int("member_count", conv.MemberCount()),
	)
	return conv, nil
}

// groupConversation loads a conversation for a lifecycle change, rejecting
// direct conversations.
func (s *Service) groupConversation(ctx context.Context, conversationId string) (*database.Conversation, error) {
	conv, err := s.Conversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if conv.Type == database.ConversationDirect {
		return nil, invalidOperation("direct conversations have fixed participants")
	}
	return conv, nil
}

func (s *Service) username(ctx context.Context, id string) string {
	u, err := s.db.GetAccountById(ctx, id)
	if err != nil {
		return id
	}
	return u.Username
}

// reload returns the stored conversation after a mutation.
func (s *Service) reload(ctx context.Context, id string) (*database.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, storeError(err, "conversation")
	}
	return conv, nil
}

// AddParticipant adds targetId to a group or club. The actor must be the
// admin or a moderator.
func (s *Service) AddParticipant(ctx context.Context, conversationId, actorId, targetId string) (*LifecycleResult, error) {
	if targetId == "" {
		return nil, validationError("user id is required")
	}

	conv, err := s.groupConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(actorId) && !conv.IsModerator(actorId) {
		return nil, notAuthorized("only the admin or a moderator can add participants")
	}

	target, err := s.Account(ctx, targetId)
	if err != nil {
		return nil, err
	}
	if conv.IsParticipant(target.Id) {
		return nil, invalidOperation("user is already a participant")
	}

	if err := s.db.AddParticipant(ctx, conv.Id, target.Id); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, invalidOperation("user is already a participant")
		}
		return nil, storeError(err, "add participant")
	}

	conv, err = s.reload(ctx, conv.Id)
	if err != nil {
		return nil, err
	}

	s.log.Info("added participant",
		zap.String("conversation_id", conv.Id),
		zap.String("actor_id", actorId),
		zap.String("user_id", target.Id),
	)

	sys := s.systemMessage(ctx, conv, actorId, database.SystemMemberAdded,
		fmt.Sprintf("%s added %s", s.username(ctx, actorId), target.Username),
		map[string]string{"userId": target.Id, "username": target.Username},
	)
	return &LifecycleResult{Conversation: conv, SystemMessage: sys}, nil
}

// RemoveParticipant removes targetId. The admin may remove anyone but
// themselves; any participant may remove themselves.
func (s *Service) RemoveParticipant(ctx context.Context, conversationId, actorId, targetId string) (*LifecycleResult, error) {
	if targetId == "" {
		return nil, validationError("user id is required")
	}

	conv, err := s.groupConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	self := actorId == targetId
	if !self && !conv.IsAdmin(actorId) {
		return nil, notAuthorized("only the admin can remove other participants")
	}
	if self && conv.IsAdmin(actorId) {
		return nil, invalidOperation("the admin must transfer ownership or delete the conversation before leaving")
	}
	if !conv.IsParticipant(targetId) {
		return nil, notFound("user is not a participant")
	}

	if err := s.db.RemoveParticipant(ctx, conv.Id, targetId); err != nil {
		return nil, storeError(err, "participant")
	}

	conv, err = s.reload(ctx, conv.Id)
	if err != nil {
		return nil, err
	}

	s.log.Info("removed participant",
		zap.String("conversation_id", conv.Id),
		zap.String("actor_id", actorId),
		zap.String("user_id", targetId),
	)

	targetName := s.username(ctx, targetId)
	event := database.SystemMemberRemoved
	content := fmt.Sprintf("%s removed %s", s.username(ctx, actorId), targetName)
	if self {
		event = database.SystemLeft
		content = fmt.Sprintf("%s left", targetName)
	}

	sys := s.systemMessage(ctx, conv, actorId, event, content,
		map[string]string{"userId": targetId, "username": targetName},
	)
	return &LifecycleResult{Conversation: conv, SystemMessage: sys}, nil
}

// UpdateMetadata changes the descriptive fields of a group or club. Only the
// admin may do this; a rename is recorded in the history.
func (s *Service) UpdateMetadata(ctx context.Context, conversationId, actorId string, p UpdateMetadataParams) (*LifecycleResult, error) {
	conv, err := s.groupConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(actorId) {
		return nil, notAuthorized("only the admin can update this conversation")
	}

	renamed := false
	if p.Name != nil {
		name := trimmed(*p.Name)
		if name == "" {
			return nil, validationError("name must not be blank")
		}
		if len([]rune(name)) > maxNameLength {
			return nil, validationError("name exceeds %d characters", maxNameLength)
		}
		p.Name = &name
		renamed = name != conv.Name
	}

	updated, err := s.db.UpdateConversation(ctx, conv.Id, database.UpdateConversationParams{
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		Avatar:      p.Avatar,
		IsPublic:    p.IsPublic,
	})
	if err != nil {
		return nil, storeError(err, "conversation")
	}

	res := &LifecycleResult{Conversation: updated}
	if renamed {
		res.SystemMessage = s.systemMessage(ctx, updated, actorId, database.SystemRenamed,
			fmt.Sprintf("%s renamed the conversation to %s", s.username(ctx, actorId), updated.Name),
			map[string]string{"name": updated.Name, "previousName": conv.Name},
		)
	}
	return res, nil
}

// SetModerator grants or revokes moderator rights. Admin only.
func (s *Service) SetModerator(ctx context.Context, conversationId, actorId, targetId string, moderator bool) (*database.Conversation, error) {
	conv, err := s.groupConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(actorId) {
		return nil, notAuthorized("only the admin can change moderators")
	}
	if !conv.IsParticipant(targetId) {
		return nil, notFound("user is not a participant")
	}
	if conv.IsAdmin(targetId) {
		return nil, invalidOperation("the admin cannot be a moderator")
	}

	if err := s.db.SetModerator(ctx, conv.Id, targetId, moderator); err != nil {
		return nil, storeError(err, "participant")
	}
	return s.reload(ctx, conv.Id)
}

// TransferAdmin hands ownership to another participant. Admin only.
func (s *Service) TransferAdmin(ctx context.Context, conversationId, actorId, targetId string) (*database.Conversation, error) {
	conv, err := s.groupConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(actorId) {
		return nil, notAuthorized("only the admin can transfer ownership")
	}
	if !conv.IsParticipant(targetId) {
		return nil, notFound("user is not a participant")
	}
	if targetId == actorId {
		return conv, nil
	}

	if err := s.db.SetAdmin(ctx, conv.Id, targetId); err != nil {
		return nil, storeError(err, "participant")
	}

	s.log.Info("transferred admin",
		zap.String("conversation_id", conv.Id),
		zap.String("from", actorId),
		zap.String("to", targetId),
	)
	return s.reload(ctx, conv.Id)
}
