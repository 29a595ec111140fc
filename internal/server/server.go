package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/stats"
	"github.com/npezzotti/campuschat/internal/types"
	"go.uber.org/zap"
)

const (
	metricActiveClients     = "NumActiveClients"
	metricOnlineUsers       = "NumOnlineUsers"
	metricActiveRooms       = "NumActiveRooms"
	metricMessagesSent      = "MessagesSent"
	metricPartialDeliveries = "PartialDeliveries"
)

// storeTimeout bounds every store call made while handling a real-time event.
const storeTimeout = 5 * time.Second

const defaultEventsPerSecond = 20

type unloadRoomRequest struct {
	roomId  string
	deleted bool
}

// presenceChange is a connection going online or disconnecting. Both travel
// on one channel so the hub sees them in the order the connection sent them.
type presenceChange struct {
	client *Client
	online bool
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log             *zap.Logger
	svc             *chat.Service
	stats           stats.StatsProvider
	presence        *PresenceRegistry
	clients         map[*Client]struct{}
	clientsLock     sync.RWMutex
	presenceChan    chan presenceChange
	roomMsgChan     chan *ClientMessage
	deliverChan     chan *chat.SendResult
	unloadRoomChan  chan unloadRoomRequest
	roomsMap        sync.Map
	numRooms        int
	eventsPerSecond int
	stop            chan stopReq
	done            chan struct{}
}

type Option func(*ChatServer)

// WithEventsPerSecond sets the per-connection inbound event rate. Zero or
// less disables throttling.
func WithEventsPerSecond(n int) Option {
	return func(cs *ChatServer) {
		cs.eventsPerSecond = n
	}
}

func NewChatServer(logger *zap.Logger, svc *chat.Service, presence *PresenceRegistry, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:             logger,
		svc:             svc,
		stats:           su,
		presence:        presence,
		clients:         make(map[*Client]struct{}),
		presenceChan:    make(chan presenceChange, 256),
		roomMsgChan:     make(chan *ClientMessage, 256),
		deliverChan:     make(chan *chat.SendResult, 256),
		unloadRoomChan:  make(chan unloadRoomRequest, 256),
		eventsPerSecond: defaultEventsPerSecond,
		stop:            make(chan stopReq),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cs)
	}

	for _, m := range []string{
		metricActiveClients,
		metricOnlineUsers,
		metricActiveRooms,
		metricMessagesSent,
		metricPartialDeliveries,
	} {
		su.RegisterMetric(m)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	cs.log.Info("chat server started")

	for {
		select {
		case pc := <-cs.presenceChan:
			if pc.online {
				cs.handleOnline(pc.client)
			} else {
				cs.handleDisconnect(pc.client)
			}
		case msg := <-cs.roomMsgChan:
			cs.handleRoomMessage(msg)
		case res := <-cs.deliverChan:
			cs.deliver(res)
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req)
		case req := <-cs.stop:
			cs.log.Info("shutting down rooms")
			cs.roomsMap.Range(func(_, v any) bool {
				cs.exitRoom(v.(*Room), false)
				return true
			})

			for _, c := range cs.allClients() {
				c.stopClient()
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// Connect attaches an upgraded websocket connection for user and starts its
// pumps.
func (cs *ChatServer) Connect(user types.User, conn *websocket.Conn) *Client {
	c := NewClient(user, conn, cs)
	cs.addClient(c)

	go c.Write()
	go c.Read()

	return c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(metricActiveClients)
}

func (cs *ChatServer) allClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) addRoom(id string, r *Room) {
	cs.roomsMap.Store(id, r)
	cs.numRooms++
	cs.stats.Incr(metricActiveRooms)
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	r, ok := cs.roomsMap.Load(id)
	if !ok {
		return nil, false
	}
	return r.(*Room), true
}

func (cs *ChatServer) removeRoom(id string) {
	if _, ok := cs.roomsMap.LoadAndDelete(id); ok {
		cs.numRooms--
		cs.stats.Decr(metricActiveRooms)
	}
}

// handleOnline registers c in the presence registry. The first connection of
// a user flips them online for everyone else.
func (cs *ChatServer) handleOnline(c *Client) {
	if cs.presence.MarkOnline(c) {
		cs.stats.Incr(metricOnlineUsers)
		cs.log.Info("user online", zap.String("user_id", c.user.Id))
		cs.broadcastStatus(c.user.Id, StatusOnline)
	}

	c.queueMessage(NewEvent(EventOnlineUsers, OnlineUsersPayload{UserIds: cs.presence.OnlineUsers()}))
}

func (cs *ChatServer) handleDisconnect(c *Client) {
	cs.removeClient(c)

	if cs.presence.MarkOffline(c) {
		cs.stats.Decr(metricOnlineUsers)
		cs.log.Info("user offline", zap.String("user_id", c.user.Id))
		cs.broadcastStatus(c.user.Id, StatusOffline)
	}
}

// broadcastStatus tells every connection of every other user about a
// presence transition.
func (cs *ChatServer) broadcastStatus(userId, status string) {
	msg := NewEvent(EventUserStatusChange, StatusPayload{UserId: userId, Status: status})
	for _, c := range cs.allClients() {
		if c.user.Id == userId {
			continue
		}
		cs.queue(c, msg)
	}
}

// handleRoomMessage forwards a client event to the conversation's room,
// loading the room first if needed.
func (cs *ChatServer) handleRoomMessage(msg *ClientMessage) {
	room, ok := cs.getRoom(msg.Data.ConversationId)
	if !ok {
		var err error
		room, err = cs.loadRoom(msg.Data.ConversationId)
		if err != nil {
			if chat.ErrorCode(err) == codeInternal {
				cs.log.Error("load room",
					zap.String("conversation_id", msg.Data.ConversationId),
					zap.Error(err),
				)
			}
			msg.client.queueMessage(ErrorMessage(msg.Id, err))
			return
		}
	}

	ch := room.clientMsgChan
	if msg.Event == EventJoinConversation {
		ch = room.joinChan
	}

	select {
	case ch <- msg:
	default:
		cs.log.Warn("room channel full", zap.String("conversation_id", room.id))
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (cs *ChatServer) loadRoom(id string) (*Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	conv, err := cs.svc.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}

	r := newRoom(cs, conv.Id)
	cs.addRoom(r.id, r)
	go r.start()

	cs.log.Debug("loaded room", zap.String("conversation_id", r.id))
	return r, nil
}

func (cs *ChatServer) unloadRoom(req unloadRoomRequest) {
	r, ok := cs.getRoom(req.roomId)
	if !ok {
		return
	}

	// The room may have been rejoined after its idle timer fired.
	if !req.deleted && r.busy() {
		return
	}

	cs.exitRoom(r, req.deleted)
}

func (cs *ChatServer) exitRoom(r *Room, deleted bool) {
	cs.removeRoom(r.id)

	done := make(chan string, 1)
	r.exit <- exitReq{deleted: deleted, done: done}
	<-done

	cs.log.Debug("unloaded room", zap.String("conversation_id", r.id), zap.Bool("deleted", deleted))
}

// queue enqueues msg for c, counting a full queue as a partial delivery.
func (cs *ChatServer) queue(c *Client, msg *ServerMessage) bool {
	if c.queueMessage(msg) {
		return true
	}

	cs.stats.Incr(metricPartialDeliveries)
	return false
}

// notifyUser sends msg to every presence connection of userId.
func (cs *ChatServer) notifyUser(userId string, msg *ServerMessage) {
	for _, c := range cs.presence.Clients(userId) {
		cs.queue(c, msg)
	}
}

// notifyAbsent pushes a message summary to participants that have no
// connection in the room. inRoom may be nil.
func (cs *ChatServer) notifyAbsent(res *chat.SendResult, inRoom func(userId string) bool) {
	note := NewEvent(EventNewMessageNotification, NotificationPayload{
		ConversationId: res.Conversation.Id,
		Message:        res.Message.Summary(),
	})

	for _, p := range res.Conversation.Participants {
		if p == res.Message.Sender.Id || (inRoom != nil && inRoom(p)) {
			continue
		}
		cs.notifyUser(p, note)
	}
}

// fanOut sends msg once to every room connection and every presence
// connection of userIds.
func (cs *ChatServer) fanOut(conversationId string, userIds []string, msg *ServerMessage) {
	seen := make(map[*Client]struct{})
	if r, ok := cs.getRoom(conversationId); ok {
		for _, c := range r.clientList() {
			seen[c] = struct{}{}
			cs.queue(c, msg)
		}
	}

	for _, id := range userIds {
		for _, c := range cs.presence.Clients(id) {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			cs.queue(c, msg)
		}
	}
}

// Deliver fans out a message persisted outside the real-time channel. It is
// handed to the hub so it cannot race a room being unloaded.
func (cs *ChatServer) Deliver(res *chat.SendResult) {
	if res == nil {
		return
	}

	cs.stats.Incr(metricMessagesSent)
	select {
	case cs.deliverChan <- res:
	case <-cs.done:
	default:
		cs.log.Warn("deliver channel full", zap.String("conversation_id", res.Conversation.Id))
		cs.notifyAbsent(res, nil)
	}
}

// deliver runs on the hub. When the room is loaded the room goroutine
// delivers the message in order with live sends.
func (cs *ChatServer) deliver(res *chat.SendResult) {
	if r, ok := cs.getRoom(res.Conversation.Id); ok && r.control(roomControl{deliver: res}) {
		return
	}
	cs.notifyAbsent(res, nil)
}

// NotifyAdded tells userId's connections they joined conv.
func (cs *ChatServer) NotifyAdded(conv *database.Conversation, userId string) {
	cs.notifyUser(userId, NewEvent(EventAddedToConversation, ConversationPayload{
		Conversation: types.NewConversation(conv),
	}))
}

// RemoveFromConversation force-leaves every room connection of userId and
// notifies all of the user's connections.
func (cs *ChatServer) RemoveFromConversation(conversationId, userId string) {
	msg := NewEvent(EventRemovedFromConversation, ConversationRef{ConversationId: conversationId})

	seen := make(map[*Client]struct{})
	if r, ok := cs.getRoom(conversationId); ok {
		for _, c := range r.userClients(userId) {
			seen[c] = struct{}{}
			cs.queue(c, msg)
		}
		if !r.control(roomControl{removeUser: userId}) {
			cs.log.Warn("room control channel full",
				zap.String("conversation_id", conversationId),
				zap.String("user_id", userId),
			)
		}
	}

	for _, c := range cs.presence.Clients(userId) {
		if _, ok := seen[c]; !ok {
			cs.queue(c, msg)
		}
	}
}

func (cs *ChatServer) ConversationUpdated(conv *database.Conversation) {
	cs.fanOut(conv.Id, conv.Participants, NewEvent(EventConversationUpdated, ConversationPayload{
		Conversation: types.NewConversation(conv),
	}))
}

func (cs *ChatServer) MessageDeleted(conv *database.Conversation, messageId string) {
	cs.fanOut(conv.Id, conv.Participants, NewEvent(EventMessageDeleted, MessageRef{
		ConversationId: conv.Id,
		MessageId:      messageId,
	}))
}

// ConversationDeleted notifies participants and unloads the room.
func (cs *ChatServer) ConversationDeleted(conv *database.Conversation) {
	cs.fanOut(conv.Id, conv.Participants, NewEvent(EventConversationDeleted, ConversationRef{ConversationId: conv.Id}))

	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: conv.Id, deleted: true}:
	case <-cs.done:
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
