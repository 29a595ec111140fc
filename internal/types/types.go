package types

import (
	"time"

	"github.com/npezzotti/campuschat/internal/database"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"emailAddress,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	IsOnline     bool      `json:"isOnline,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// Profile is the public view of an account.
type Profile struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type Conversation struct {
	Id              string         `json:"id"`
	Type            string         `json:"type"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	Category        string         `json:"category,omitempty"`
	Avatar          string         `json:"avatar,omitempty"`
	IsPublic        bool           `json:"isPublic"`
	AdminId         string         `json:"adminId,omitempty"`
	Participants    []string       `json:"participants"`
	Moderators      []string       `json:"moderators,omitempty"`
	MemberCount     int            `json:"memberCount"`
	LatestMessageId string         `json:"latestMessageId,omitempty"`
	UnreadCounts    map[string]int `json:"unreadCounts"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

type ReadReceipt struct {
	UserId string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type Message struct {
	Id             string            `json:"id"`
	ConversationId string            `json:"conversationId"`
	Sender         Profile           `json:"sender"`
	Content        string            `json:"content"`
	MessageType    string            `json:"messageType"`
	SystemEvent    string            `json:"systemEvent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FileUrl        string            `json:"fileUrl,omitempty"`
	FileName       string            `json:"fileName,omitempty"`
	FileSize       int64             `json:"fileSize,omitempty"`
	MimeType       string            `json:"mimeType,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`
	ReadBy         []ReadReceipt     `json:"readBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// MessageSummary is the lightweight form pushed to participants that are
// not in the conversation's room.
type MessageSummary struct {
	Id          string    `json:"id"`
	Sender      Profile   `json:"sender"`
	MessageType string    `json:"messageType"`
	Preview     string    `json:"preview"`
	CreatedAt   time.Time `json:"createdAt"`
}

const previewLength = 100

func NewProfile(u database.User) Profile {
	return Profile{Id: u.Id, Username: u.Username, Avatar: u.Avatar}
}

func NewUser(u database.User) User {
	return User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Avatar:       u.Avatar,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func NewConversation(c *database.Conversation) Conversation {
	return Conversation{
		Id:              c.Id,
		Type:            string(c.Type),
		Name:            c.Name,
		Description:     c.Description,
		Category:        c.Category,
		Avatar:          c.Avatar,
		IsPublic:        c.IsPublic,
		AdminId:         c.AdminId,
		Participants:    c.Participants,
		Moderators:      c.Moderators,
		MemberCount:     c.MemberCount(),
		LatestMessageId: c.LatestMessageId,
		UnreadCounts:    c.UnreadCounts,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// NewMessage converts a stored message; sender is the resolved profile of
// m.SenderId.
func NewMessage(m *database.Message, sender Profile) Message {
	readBy := make([]ReadReceipt, len(m.ReadBy))
	for i, r := range m.ReadBy {
		readBy[i] = ReadReceipt{UserId: r.UserId, ReadAt: r.ReadAt}
	}

	return Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Sender:         sender,
		Content:        m.Content,
		MessageType:    string(m.Type),
		SystemEvent:    string(m.SystemEvent),
		Metadata:       m.Metadata,
		FileUrl:        m.FileUrl,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		MimeType:       m.MimeType,
		Deleted:        m.Deleted,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (m Message) Summary() MessageSummary {
	preview := []rune(m.Content)
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}

	return MessageSummary{
		Id:          m.Id,
		Sender:      m.Sender,
		MessageType: m.MessageType,
		Preview:     string(preview),
		CreatedAt:   m.CreatedAt,
	}
}
