package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/stats"
	"github.com/npezzotti/campuschat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(5)

	logger := testutil.TestLogger(t)
	svc := chat.NewService(database.NewMemoryRepository(), logger)
	cs, err := NewChatServer(logger, svc, NewPresenceRegistry(), su, WithEventsPerSecond(5))
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, svc, cs.svc, "expected service to be set")
	assert.Equal(t, 5, cs.eventsPerSecond, "expected option to be applied")
	assert.NotNil(t, cs.presenceChan, "expected presenceChan to be initialized")
	assert.NotNil(t, cs.roomMsgChan, "expected roomMsgChan to be initialized")
	assert.NotNil(t, cs.deliverChan, "expected deliverChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never signal completion
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	t.Run("no rooms", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx), "expected successful shutdown without error")
	})

	t.Run("active rooms and clients", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveRooms).Return().Once()
		su.On("Decr", metricActiveRooms).Return().Once()
		defer su.AssertExpectations(t)

		cs, repo := newTestChatServer(t, su)
		conv, users := directFixture(t, cs, repo)
		go cs.Run()

		room, err := cs.loadRoom(conv.Id)
		require.NoError(t, err)
		c := newTestClient(cs, users[0])
		cs.addClient(c)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx), "expected successful shutdown with active rooms")

		_, ok := cs.getRoom(room.id)
		assert.False(t, ok, "expected room to be unloaded after shutdown")

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped on shutdown")
		}
	})
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Return().Once()
	su.On("Decr", metricActiveClients).Return().Once()
	defer su.AssertExpectations(t)

	cs, repo := newTestChatServer(t, su)
	users := testutil.SeedAccounts(t, repo, "alice")
	c := newTestClient(cs, users[0])

	cs.addClient(c)
	assert.Len(t, cs.allClients(), 1)

	cs.removeClient(c)
	cs.removeClient(c)
	assert.Empty(t, cs.allClients(), "expected client to be removed once")
}

func TestChatServer_addRoom_getRoom_removeRoom(t *testing.T) {
	cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})
	r := newRoom(cs, "room1")

	cs.addRoom(r.id, r)
	got, ok := cs.getRoom("room1")
	assert.True(t, ok)
	assert.Equal(t, r, got)
	assert.Equal(t, 1, cs.numRooms)

	cs.removeRoom("room1")
	cs.removeRoom("room1")
	_, ok = cs.getRoom("room1")
	assert.False(t, ok)
	assert.Equal(t, 0, cs.numRooms)
}

func TestChatServer_handleOnline(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricOnlineUsers).Return().Twice()
	defer su.AssertExpectations(t)

	cs, repo := newTestChatServer(t, su)
	users := testutil.SeedAccounts(t, repo, "alice", "bob")

	bob := newTestClient(cs, users[1])
	cs.addClient(bob)
	cs.handleOnline(bob)
	snapshot := expectEvent(t, bob, EventOnlineUsers)
	assert.Equal(t, []string{users[1].Id}, snapshot.Data.(OnlineUsersPayload).UserIds)

	alice := newTestClient(cs, users[0])
	cs.addClient(alice)
	cs.handleOnline(alice)

	status := expectEvent(t, bob, EventUserStatusChange)
	assert.Equal(t, StatusPayload{UserId: users[0].Id, Status: StatusOnline}, status.Data)

	snapshot = expectEvent(t, alice, EventOnlineUsers)
	assert.ElementsMatch(t, []string{users[0].Id, users[1].Id}, snapshot.Data.(OnlineUsersPayload).UserIds)
	expectNoEvent(t, alice)

	t.Run("second connection does not broadcast", func(t *testing.T) {
		alice2 := newTestClient(cs, users[0])
		cs.addClient(alice2)
		cs.handleOnline(alice2)

		expectEvent(t, alice2, EventOnlineUsers)
		expectNoEvent(t, bob)
		assert.Len(t, cs.presence.Clients(users[0].Id), 2)
	})
}

func TestChatServer_handleDisconnect(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Decr", metricOnlineUsers).Return().Once()
	defer su.AssertExpectations(t)

	cs, repo := newTestChatServer(t, su)
	users := testutil.SeedAccounts(t, repo, "alice", "bob")

	bob := newTestClient(cs, users[1])
	alice1 := newTestClient(cs, users[0])
	alice2 := newTestClient(cs, users[0])
	for _, c := range []*Client{bob, alice1, alice2} {
		cs.addClient(c)
		cs.presence.MarkOnline(c)
	}

	cs.handleDisconnect(alice1)
	expectNoEvent(t, bob)
	assert.True(t, cs.presence.IsOnline(users[0].Id), "expected alice to stay online with one connection left")

	cs.handleDisconnect(alice2)
	status := expectEvent(t, bob, EventUserStatusChange)
	assert.Equal(t, StatusPayload{UserId: users[0].Id, Status: StatusOffline}, status.Data)
	assert.False(t, cs.presence.IsOnline(users[0].Id))

	t.Run("unregistered connection", func(t *testing.T) {
		stray := newTestClient(cs, users[0])
		cs.addClient(stray)
		cs.handleDisconnect(stray)
		expectNoEvent(t, bob)
	})
}

func TestChatServer_handleRoomMessage(t *testing.T) {
	t.Run("unknown conversation", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		users := testutil.SeedAccounts(t, repo, "alice")
		c := newTestClient(cs, users[0])

		cs.handleRoomMessage(&ClientMessage{
			Id:     3,
			Event:  EventJoinConversation,
			Data:   Payload{ConversationId: "missing"},
			client: c,
		})

		expectErrorCode(t, c, 3, "not_found")
		_, ok := cs.getRoom("missing")
		assert.False(t, ok, "expected no room to be loaded")
	})

	t.Run("loads room and joins", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		conv, users := directFixture(t, cs, repo)
		c := newTestClient(cs, users[0])

		cs.handleRoomMessage(&ClientMessage{
			Id:     1,
			Event:  EventJoinConversation,
			Data:   Payload{ConversationId: conv.Id},
			client: c,
		})

		joined := expectEvent(t, c, EventConversationJoined)
		assert.Equal(t, 1, joined.Id)
		assert.Equal(t, ConversationRef{ConversationId: conv.Id}, joined.Data)

		r, ok := cs.getRoom(conv.Id)
		require.True(t, ok, "expected room to be loaded")
		assert.Equal(t, r, c.getRoom(conv.Id))

		cs.exitRoom(r, false)
	})

	t.Run("room channel full", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		conv, users := directFixture(t, cs, repo)
		c := newTestClient(cs, users[0])

		r := newRoom(cs, conv.Id)
		r.clientMsgChan = make(chan *ClientMessage, 1)
		r.clientMsgChan <- &ClientMessage{}
		cs.addRoom(r.id, r)

		cs.handleRoomMessage(&ClientMessage{
			Id:     2,
			Event:  EventSendMessage,
			Data:   Payload{ConversationId: conv.Id, Content: "hi"},
			client: c,
		})

		expectErrorCode(t, c, 2, codeInternal)
	})
}

func TestChatServer_unloadRoom(t *testing.T) {
	t.Run("idle room is unloaded", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})
		r := newRoom(cs, "room1")
		cs.addRoom(r.id, r)
		go r.start()

		cs.unloadRoom(unloadRoomRequest{roomId: r.id})

		_, ok := cs.getRoom(r.id)
		assert.False(t, ok, "expected room to be unloaded")
	})

	t.Run("busy room is kept", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		users := testutil.SeedAccounts(t, repo, "alice")
		r := newRoom(cs, "room1")
		r.addClient(newTestClient(cs, users[0]))
		cs.addRoom(r.id, r)

		cs.unloadRoom(unloadRoomRequest{roomId: r.id})

		_, ok := cs.getRoom(r.id)
		assert.True(t, ok, "expected room with clients to stay loaded")
	})

	t.Run("deleted room is unloaded even when busy", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		users := testutil.SeedAccounts(t, repo, "alice")
		c := newTestClient(cs, users[0])
		r := newRoom(cs, "room1")
		r.addClient(c)
		cs.addRoom(r.id, r)
		go r.start()

		cs.unloadRoom(unloadRoomRequest{roomId: r.id, deleted: true})

		_, ok := cs.getRoom(r.id)
		assert.False(t, ok)
		assert.Nil(t, c.getRoom(r.id), "expected client to be detached from the room")
	})

	t.Run("unknown room", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})
		assert.NotPanics(t, func() { cs.unloadRoom(unloadRoomRequest{roomId: "missing"}) })
	})
}

func TestChatServer_Deliver(t *testing.T) {
	t.Run("room not loaded", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricMessagesSent).Return().Once()
		defer su.AssertExpectations(t)

		cs, repo := newTestChatServer(t, su)
		conv, users := groupFixture(t, cs, repo)

		alice := newTestClient(cs, users[0])
		bob := newTestClient(cs, users[1])
		cs.presence.MarkOnline(alice)
		cs.presence.MarkOnline(bob)

		res, err := cs.svc.SendMessage(context.Background(), chat.SendParams{
			ConversationId: conv.Id,
			SenderId:       users[0].Id,
			Content:        "exam moved to friday",
		})
		require.NoError(t, err)

		cs.Deliver(res)
		require.Len(t, cs.deliverChan, 1, "expected the delivery to be handed to the hub")
		cs.deliver(<-cs.deliverChan)

		note := expectEvent(t, bob, EventNewMessageNotification)
		payload := note.Data.(NotificationPayload)
		assert.Equal(t, conv.Id, payload.ConversationId)
		assert.Equal(t, res.Message.Id, payload.Message.Id)
		assert.Equal(t, "exam moved to friday", payload.Message.Preview)
		expectNoEvent(t, alice)
	})

	t.Run("room loaded", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		conv, users := groupFixture(t, cs, repo)

		r := newRoom(cs, conv.Id)
		cs.addRoom(r.id, r)
		bob := newTestClient(cs, users[1])
		r.addClient(bob)
		carol := newTestClient(cs, users[2])
		cs.presence.MarkOnline(carol)
		go r.start()
		defer cs.exitRoom(r, false)

		res, err := cs.svc.SendMessage(context.Background(), chat.SendParams{
			ConversationId: conv.Id,
			SenderId:       users[0].Id,
			Content:        "hello",
		})
		require.NoError(t, err)

		cs.Deliver(res)
		assert.Empty(t, r.controlChan, "expected the room to be untouched until the hub runs")
		cs.deliver(<-cs.deliverChan)

		received := expectEvent(t, bob, EventReceiveMessage)
		assert.Equal(t, res.Message.Id, received.Data.(MessagePayload).Message.Id)
		expectEvent(t, carol, EventNewMessageNotification)
		expectNoEvent(t, bob)
	})

	t.Run("room unloaded before the hub delivers", func(t *testing.T) {
		cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
		conv, users := groupFixture(t, cs, repo)

		r := newRoom(cs, conv.Id)
		cs.addRoom(r.id, r)
		go r.start()
		bob := newTestClient(cs, users[1])
		cs.presence.MarkOnline(bob)

		res, err := cs.svc.SendMessage(context.Background(), chat.SendParams{
			ConversationId: conv.Id,
			SenderId:       users[0].Id,
			Content:        "lab notes uploaded",
		})
		require.NoError(t, err)

		cs.Deliver(res)
		cs.unloadRoom(unloadRoomRequest{roomId: conv.Id})
		_, ok := cs.getRoom(conv.Id)
		require.False(t, ok, "expected the idle room to be unloaded")

		cs.deliver(<-cs.deliverChan)

		note := expectEvent(t, bob, EventNewMessageNotification)
		assert.Equal(t, res.Message.Id, note.Data.(NotificationPayload).Message.Id)
	})

	t.Run("nil result", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &stats.MockStatsUpdater{})
		assert.NotPanics(t, func() { cs.Deliver(nil) })
		assert.Empty(t, cs.deliverChan)
	})
}

func TestChatServer_Run_onlineThenDisconnect(t *testing.T) {
	cs, repo := newTestChatServer(t, stats.NewLenientMockStatsUpdater())
	users := testutil.SeedAccounts(t, repo, "alice")
	alice := newTestClient(cs, users[0])
	cs.addClient(alice)

	alice.goOnline(&ClientMessage{Id: 1, Event: EventUserOnline, Data: Payload{UserId: users[0].Id}, UserId: users[0].Id, client: alice})
	alice.cleanup()
	require.Len(t, cs.presenceChan, 2, "expected both changes to be queued before the hub starts")

	go cs.Run()
	assert.Eventually(t, func() bool {
		return len(cs.presenceChan) == 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	expectEvent(t, alice, EventOnlineUsers)
	assert.False(t, cs.presence.IsOnline(users[0].Id), "expected the disconnect to be applied after going online")
	assert.Empty(t, cs.presence.Clients(users[0].Id))
}

func TestChatServer_RemoveFromConversation(t *testing.T) {
	cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
	conv, users := groupFixture(t, cs, repo)

	r := newRoom(cs, conv.Id)
	cs.addRoom(r.id, r)
	bobInRoom := newTestClient(cs, users[1])
	bobElsewhere := newTestClient(cs, users[1])
	r.addClient(bobInRoom)
	cs.presence.MarkOnline(bobInRoom)
	cs.presence.MarkOnline(bobElsewhere)
	alice := newTestClient(cs, users[0])
	r.addClient(alice)
	go r.start()
	defer cs.exitRoom(r, false)

	cs.RemoveFromConversation(conv.Id, users[1].Id)

	expectEvent(t, bobInRoom, EventRemovedFromConversation)
	expectEvent(t, bobElsewhere, EventRemovedFromConversation)
	expectNoEvent(t, bobInRoom)
	expectNoEvent(t, alice)

	assert.Eventually(t, func() bool {
		return !r.hasUser(users[1].Id)
	}, time.Second, 10*time.Millisecond, "expected bob to be removed from the room")
	assert.Nil(t, bobInRoom.getRoom(conv.Id))
	assert.True(t, r.hasUser(users[0].Id), "expected alice to stay in the room")
}

func TestChatServer_fanOut(t *testing.T) {
	cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
	conv, users := groupFixture(t, cs, repo)

	r := newRoom(cs, conv.Id)
	cs.addRoom(r.id, r)
	alice := newTestClient(cs, users[0])
	r.addClient(alice)
	cs.presence.MarkOnline(alice)
	carol := newTestClient(cs, users[2])
	cs.presence.MarkOnline(carol)

	cs.ConversationUpdated(conv)

	updated := expectEvent(t, alice, EventConversationUpdated)
	assert.Equal(t, conv.Id, updated.Data.(ConversationPayload).Conversation.Id)
	expectNoEvent(t, alice)
	expectEvent(t, carol, EventConversationUpdated)

	cs.MessageDeleted(conv, "msg-1")
	deleted := expectEvent(t, alice, EventMessageDeleted)
	assert.Equal(t, MessageRef{ConversationId: conv.Id, MessageId: "msg-1"}, deleted.Data)
	expectEvent(t, carol, EventMessageDeleted)
}

func TestChatServer_ConversationDeleted(t *testing.T) {
	cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
	conv, users := groupFixture(t, cs, repo)

	r := newRoom(cs, conv.Id)
	cs.addRoom(r.id, r)
	bob := newTestClient(cs, users[1])
	r.addClient(bob)

	cs.ConversationDeleted(conv)

	deleted := expectEvent(t, bob, EventConversationDeleted)
	assert.Equal(t, ConversationRef{ConversationId: conv.Id}, deleted.Data)

	select {
	case req := <-cs.unloadRoomChan:
		assert.Equal(t, unloadRoomRequest{roomId: conv.Id, deleted: true}, req)
	default:
		t.Error("expected an unload request for the deleted conversation")
	}
}

func TestChatServer_NotifyAdded(t *testing.T) {
	cs, repo := newTestChatServer(t, &stats.MockStatsUpdater{})
	conv, users := groupFixture(t, cs, repo)

	carol := newTestClient(cs, users[2])
	cs.presence.MarkOnline(carol)

	cs.NotifyAdded(conv, users[2].Id)

	added := expectEvent(t, carol, EventAddedToConversation)
	assert.Equal(t, conv.Id, added.Data.(ConversationPayload).Conversation.Id)
}

func TestChatServer_queue_PartialDelivery(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricPartialDeliveries).Return().Once()
	defer su.AssertExpectations(t)

	cs, repo := newTestChatServer(t, su)
	users := testutil.SeedAccounts(t, repo, "alice")
	c := newTestClient(cs, users[0])
	c.send = make(chan *ServerMessage, 1)

	assert.True(t, cs.queue(c, NewEvent(EventOnlineUsers, nil)))
	assert.False(t, cs.queue(c, NewEvent(EventOnlineUsers, nil)), "expected full queue to drop the message")
}
