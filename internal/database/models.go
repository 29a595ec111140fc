package database

import (
	"slices"
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
	ConversationClub   ConversationType = "club"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationClub:
		return true
	}
	return false
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// SystemEvent is the sub-kind of a system message.
type SystemEvent string

const (
	SystemJoined        SystemEvent = "joined"
	SystemLeft          SystemEvent = "left"
	SystemRenamed       SystemEvent = "renamed"
	SystemDeleted       SystemEvent = "deleted"
	SystemMemberAdded   SystemEvent = "member_added"
	SystemMemberRemoved SystemEvent = "member_removed"
)

type User struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	Avatar       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id              string
	Type            ConversationType
	Name            string
	Description     string
	Category        string
	Avatar          string
	IsPublic        bool
	AdminId         string
	DirectKey       string
	Participants    []string
	Moderators      []string
	LatestMessageId string
	UnreadCounts    map[string]int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c *Conversation) IsParticipant(userId string) bool {
	return slices.Contains(c.Participants, userId)
}

func (c *Conversation) IsModerator(userId string) bool {
	return slices.Contains(c.Moderators, userId)
}

func (c *Conversation) IsAdmin(userId string) bool {
	return c.Type != ConversationDirect && c.AdminId != "" && c.AdminId == userId
}

func (c *Conversation) MemberCount() int {
	return len(c.Participants)
}

// OtherParticipant returns the peer of userId in a direct conversation.
func (c *Conversation) OtherParticipant(userId string) string {
	if c.Type != ConversationDirect {
		return ""
	}
	for _, p := range c.Participants {
		if p != userId {
			return p
		}
	}
	return ""
}

// DirectKey canonicalizes an unordered user pair so that lookups are
// independent of argument order.
func DirectKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

type ReadReceipt struct {
	UserId string
	ReadAt time.Time
}

type Message struct {
	Id             string
	Seq            int64
	ConversationId string
	SenderId       string
	Content        string
	Type           MessageType
	SystemEvent    SystemEvent
	Metadata       map[string]string
	FileUrl        string
	FileName       string
	FileSize       int64
	MimeType       string
	Deleted        bool
	ReadBy         []ReadReceipt
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (m *Message) IsReadBy(userId string) bool {
	for _, r := range m.ReadBy {
		if r.UserId == userId {
			return true
		}
	}
	return false
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
	Avatar       string
}

type CreateConversationParams struct {
	Id           string
	Type         ConversationType
	Name         string
	Description  string
	Category     string
	Avatar       string
	IsPublic     bool
	AdminId      string
	DirectKey    string
	Participants []string
}

// UpdateConversationParams holds optional metadata changes; nil fields are
// left untouched.
type UpdateConversationParams struct {
	Name        *string
	Description *string
	Category    *string
	Avatar      *string
	IsPublic    *bool
}

type GetMessagesParams struct {
	ConversationId string
	Before         time.Time
	Limit          int
	Offset         int
}
