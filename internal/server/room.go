package server

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/database"
	"go.uber.org/zap"
)

const idleRoomTimeout = time.Second * 30

type exitReq struct {
	deleted bool
	done    chan string
}

// roomControl is a request from outside the real-time channel, such as a
// REST send or a participant removal.
type roomControl struct {
	deliver    *chat.SendResult
	removeUser string
}

// Room serializes every event for one conversation on its own goroutine.
type Room struct {
	id            string
	cs            *ChatServer
	svc           *chat.Service
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	controlChan   chan roomControl
	clients       map[*Client]struct{}
	userMap       map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *zap.Logger
	// killTimer unloads the room once it has had no clients for idleRoomTimeout
	killTimer *time.Timer
	exit      chan exitReq
}

func newRoom(cs *ChatServer, id string) *Room {
	return &Room{
		id:            id,
		cs:            cs,
		svc:           cs.svc,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		controlChan:   make(chan roomControl, 64),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log.With(zap.String("conversation_id", id)),
		exit:          make(chan exitReq),
	}
}

func (r *Room) start() {
	r.log.Debug("starting room")
	r.killTimer = time.NewTimer(idleRoomTimeout)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
		case ctl := <-r.controlChan:
			r.handleControl(ctl)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
			continue
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}

		if r.numClients() == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug("room timed out")

	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.id}:
	default:
		r.log.Warn("unload channel full, rescheduling")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Debug("room exiting", zap.Bool("deleted", e.deleted))
	if r.killTimer != nil {
		r.killTimer.Stop()
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.id)
	}
	clear(r.clients)
	clear(r.userMap)
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- r.id
	}
}

func (r *Room) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// handleJoin re-checks membership, attaches the client and marks the
// conversation read for the joining user.
func (r *Room) handleJoin(join *ClientMessage) {
	if r.killTimer != nil {
		r.killTimer.Stop()
	}

	c := join.client
	ctx, cancel := r.ctx()
	defer cancel()

	_, marked, err := r.svc.JoinConversation(ctx, r.id, c.user.Id)
	if err != nil {
		r.logError("join conversation", c, err)
		c.queueMessage(ErrorMessage(join.Id, err))
		return
	}

	if !r.addClient(c) {
		r.log.Debug("join after disconnect", zap.String("user_id", c.user.Id))
		return
	}
	c.queueMessage(Reply(join.Id, EventConversationJoined, ConversationRef{ConversationId: r.id}))

	if marked > 0 {
		r.broadcastExceptUser(NewEvent(EventMessagesRead, ReadPayload{
			ConversationId: r.id,
			UserId:         c.user.Id,
		}), c.user.Id)
	}
}

func (r *Room) handleLeave(leave *ClientMessage) {
	c := leave.client
	r.deleteClient(c)

	if !leave.silent {
		c.queueMessage(Reply(leave.Id, EventConversationLeft, ConversationRef{ConversationId: r.id}))
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch msg.Event {
	case EventSendMessage:
		r.handleSend(msg)
	case EventMarkRead:
		r.handleRead(msg)
	case EventTypingStart, EventTypingStop:
		r.handleTyping(msg)
	default:
		msg.client.queueMessage(ErrUnknownEvent(msg.Id, msg.Event))
	}
}

func (r *Room) handleSend(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := r.ctx()
	defer cancel()

	res, err := r.svc.SendMessage(ctx, chat.SendParams{
		ConversationId: r.id,
		SenderId:       c.user.Id,
		Content:        msg.Data.Content,
		MessageType:    database.MessageType(msg.Data.MessageType),
		Attachment: chat.Attachment{
			FileUrl:  msg.Data.FileUrl,
			FileName: msg.Data.FileName,
			FileSize: msg.Data.FileSize,
			MimeType: msg.Data.MimeType,
		},
	})
	if err != nil {
		if !chat.IsPartialDelivery(err) {
			r.logError("send message", c, err)
			c.queueMessage(ErrorMessage(msg.Id, err))
			return
		}
		r.cs.stats.Incr(metricPartialDeliveries)
	}

	r.cs.stats.Incr(metricMessagesSent)
	r.deliver(res)
	c.queueMessage(Reply(msg.Id, EventMessageSent, MessageRef{
		ConversationId: r.id,
		MessageId:      res.Message.Id,
	}))
}

// deliver pushes the full message to every connection in the room,
// including the sender's, and a summary to participants elsewhere.
func (r *Room) deliver(res *chat.SendResult) {
	r.broadcast(NewEvent(EventReceiveMessage, MessagePayload{Message: res.Message}))
	r.cs.notifyAbsent(res, r.hasUser)
}

func (r *Room) handleRead(msg *ClientMessage) {
	c := msg.client
	ctx, cancel := r.ctx()
	defer cancel()

	n, err := r.svc.MarkRead(ctx, r.id, c.user.Id)
	if err != nil {
		r.logError("mark read", c, err)
		c.queueMessage(ErrorMessage(msg.Id, err))
		return
	}

	if n > 0 {
		r.broadcastExceptUser(NewEvent(EventMessagesRead, ReadPayload{
			ConversationId: r.id,
			UserId:         c.user.Id,
		}), c.user.Id)
	}
}

// handleTyping relays a typing indicator to the other users in the room.
// Nothing is stored.
func (r *Room) handleTyping(msg *ClientMessage) {
	c := msg.client
	if _, ok := r.getClient(c); !ok {
		c.queueMessage(ErrorMessage(msg.Id, chat.NewError(chat.ErrNotAuthorized, "join the conversation before typing")))
		return
	}

	username := msg.Data.Username
	if username == "" {
		username = c.user.Username
	}

	r.broadcastExceptUser(NewEvent(EventUserTyping, TypingPayload{
		ConversationId: r.id,
		UserId:         c.user.Id,
		Username:       username,
		IsTyping:       msg.Event == EventTypingStart,
	}), c.user.Id)
}

func (r *Room) handleControl(ctl roomControl) {
	if ctl.deliver != nil {
		r.deliver(ctl.deliver)
	}
	if ctl.removeUser != "" {
		r.removeAllClientsForUser(ctl.removeUser)
	}
}

// control queues a request for the room goroutine without blocking.
func (r *Room) control(ctl roomControl) bool {
	select {
	case r.controlChan <- ctl:
		return true
	default:
		return false
	}
}

func (r *Room) logError(op string, c *Client, err error) {
	fields := []zap.Field{zap.String("user_id", c.user.Id), zap.Error(err)}
	if chat.ErrorCode(err) == codeInternal {
		r.log.Error(op, fields...)
		return
	}
	r.log.Debug(op, fields...)
}

func (r *Room) addClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if !c.addRoom(r) {
		return false
	}

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}
	return true
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *Room) deleteClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.removeClientLocked(c)
}

func (r *Room) removeClientLocked(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}
}

// removeAllClientsForUser detaches every connection of userId and returns
// them.
func (r *Room) removeAllClientsForUser(userId string) []*Client {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	removed := make([]*Client, 0, len(r.userMap[userId]))
	for c := range r.userMap[userId] {
		removed = append(removed, c)
	}
	for _, c := range removed {
		r.removeClientLocked(c)
	}

	if len(removed) > 0 {
		r.log.Debug("removed user from room", zap.String("user_id", userId), zap.Int("connections", len(removed)))
	}
	return removed
}

func (r *Room) hasUser(userId string) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.userMap[userId]) > 0
}

func (r *Room) userClients(userId string) []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	clients := make([]*Client, 0, len(r.userMap[userId]))
	for c := range r.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

func (r *Room) clientList() []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Room) numClients() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

// busy reports whether the room has clients or pending work.
func (r *Room) busy() bool {
	return r.numClients() > 0 ||
		len(r.joinChan) > 0 ||
		len(r.clientMsgChan) > 0 ||
		len(r.controlChan) > 0
}

func (r *Room) broadcast(msg *ServerMessage) {
	for _, c := range r.clientList() {
		r.cs.queue(c, msg)
	}
}

func (r *Room) broadcastExceptUser(msg *ServerMessage, userId string) {
	for _, c := range r.clientList() {
		if c.user.Id == userId {
			continue
		}
		r.cs.queue(c, msg)
	}
}
