package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/types"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	// rateLimitedAfter is how long a connection may be held back by the
	// limiter before it is told to slow down.
	rateLimitedAfter = 500 * time.Millisecond
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	closed     bool
	limiter    ratelimit.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer) *Client {
	id := uuid.NewString()

	limiter := ratelimit.NewUnlimited()
	if cs.eventsPerSecond > 0 {
		limiter = ratelimit.New(cs.eventsPerSecond)
	}

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        cs.log.With(zap.String("connection_id", id), zap.String("user_id", user.Id)),
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		limiter:    limiter,
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.String("event", msg.Event), zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws read", zap.Error(err))
			}
			break
		}

		if !c.throttle() {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("error parsing message", zap.Error(err))
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

// throttle waits for the limiter and reports whether the event should be
// processed. Events that waited too long are rejected.
func (c *Client) throttle() bool {
	start := time.Now()
	c.limiter.Take()

	if time.Since(start) > rateLimitedAfter {
		c.log.Debug("rate limited")
		c.queueMessage(ErrRateLimited(0))
		return false
	}
	return true
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch msg.Event {
	case EventUserOnline:
		c.goOnline(msg)
	case EventJoinConversation:
		c.joinRoom(msg)
	case EventLeaveConversation:
		c.leaveRoom(msg)
	case EventSendMessage, EventMarkRead:
		c.forward(msg)
	case EventTypingStart, EventTypingStop:
		c.typing(msg)
	default:
		c.queueMessage(ErrUnknownEvent(msg.Id, msg.Event))
	}
}

// checkIdentity rejects payloads that claim to come from another user.
func (c *Client) checkIdentity(msg *ClientMessage) bool {
	for _, id := range []string{msg.Data.UserId, msg.Data.SenderId} {
		if id != "" && id != c.user.Id {
			c.queueMessage(ErrorMessage(msg.Id, chat.NewError(chat.ErrNotAuthorized, "cannot act as another user")))
			return false
		}
	}
	return true
}

func (c *Client) requireConversation(msg *ClientMessage) bool {
	if msg.Data.ConversationId == "" {
		c.queueMessage(ErrorMessage(msg.Id, chat.NewError(chat.ErrValidation, "conversationId is required")))
		return false
	}
	return true
}

func (c *Client) goOnline(msg *ClientMessage) {
	if !c.checkIdentity(msg) {
		return
	}

	select {
	case c.chatServer.presenceChan <- presenceChange{client: c, online: true}:
	default:
		c.log.Warn("presence channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	if !c.checkIdentity(msg) || !c.requireConversation(msg) {
		return
	}

	c.toServer(msg)
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	if !c.requireConversation(msg) {
		return
	}

	r := c.getRoom(msg.Data.ConversationId)
	if r == nil {
		c.queueMessage(Reply(msg.Id, EventConversationLeft, ConversationRef{ConversationId: msg.Data.ConversationId}))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Warn("leave channel full", zap.String("conversation_id", r.id))
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// forward routes a send or read to the joined room, or through the chat
// server when the client has not joined the conversation.
func (c *Client) forward(msg *ClientMessage) {
	if !c.checkIdentity(msg) || !c.requireConversation(msg) {
		return
	}

	r := c.getRoom(msg.Data.ConversationId)
	if r == nil {
		c.toServer(msg)
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		c.log.Warn("room channel full", zap.String("conversation_id", r.id))
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) typing(msg *ClientMessage) {
	if !c.checkIdentity(msg) || !c.requireConversation(msg) {
		return
	}

	r := c.getRoom(msg.Data.ConversationId)
	if r == nil {
		c.queueMessage(ErrorMessage(msg.Id, chat.NewError(chat.ErrNotAuthorized, "join the conversation before typing")))
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		// Typing indicators are best effort.
	}
}

func (c *Client) toServer(msg *ClientMessage) {
	select {
	case c.chatServer.roomMsgChan <- msg:
	default:
		c.log.Warn("room message channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full", zap.String("event", msg.Event))
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.presenceChan <- presenceChange{client: c}:
	case <-c.chatServer.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

// leaveAllRooms sends a silent leave to every joined room. Once it has run
// the client accepts no further rooms.
func (c *Client) leaveAllRooms() {
	c.roomsLock.Lock()
	c.closed = true
	c.roomsLock.Unlock()

	for _, room := range c.roomList() {
		select {
		case room.leaveChan <- &ClientMessage{
			Event:  EventLeaveConversation,
			Data:   Payload{ConversationId: room.id},
			UserId: c.user.Id,
			client: c,
			silent: true,
		}:
		default:
			c.log.Warn("leave channel full", zap.String("conversation_id", room.id))
		}
	}
}

func (c *Client) roomList() []*Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if _, ok := c.rooms[id]; ok {
		delete(c.rooms, id)
		c.log.Debug("left room", zap.String("conversation_id", id), zap.Int("rooms", len(c.rooms)))
	}
}

// addRoom tracks r for the client. It reports false once the client has
// left all its rooms on disconnect.
func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if c.closed {
		return false
	}
	c.rooms[r.id] = r
	c.log.Debug("joined room", zap.String("conversation_id", r.id), zap.Int("rooms", len(c.rooms)))
	return true
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
