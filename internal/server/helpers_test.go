package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/stats"
	"github.com/npezzotti/campuschat/internal/testutil"
	"github.com/npezzotti/campuschat/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a ChatServer backed by an in-memory repository.
// Metric updates are accepted but not asserted unless su carries its own
// expectations.
func newTestChatServer(t *testing.T, su *stats.MockStatsUpdater) (*ChatServer, *database.MemoryRepository) {
	t.Helper()
	su.On("RegisterMetric", mock.Anything).Return().Times(5)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	repo := database.NewMemoryRepository()
	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, chat.NewService(repo, logger), NewPresenceRegistry(), su)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs, repo
}

func newTestClient(cs *ChatServer, u database.User) *Client {
	return NewClient(types.NewUser(u), nil, cs)
}

// directFixture seeds alice and bob with a direct conversation between them.
func directFixture(t *testing.T, cs *ChatServer, repo *database.MemoryRepository) (*database.Conversation, []database.User) {
	t.Helper()
	users := testutil.SeedAccounts(t, repo, "alice", "bob")
	conv, _, err := cs.svc.FindOrCreateDirect(context.Background(), users[0].Id, users[1].Id)
	require.NoError(t, err)
	return conv, users
}

// groupFixture seeds alice (admin), bob and carol in one group.
func groupFixture(t *testing.T, cs *ChatServer, repo *database.MemoryRepository) (*database.Conversation, []database.User) {
	t.Helper()
	users := testutil.SeedAccounts(t, repo, "alice", "bob", "carol")
	conv, err := cs.svc.CreateGroup(context.Background(), chat.CreateGroupParams{
		Name:         "algorithms",
		AdminId:      users[0].Id,
		Participants: []string{users[1].Id, users[2].Id},
	})
	require.NoError(t, err)
	return conv, users
}

// expectEvent reads the next queued message for c and checks its event.
func expectEvent(t *testing.T, c *Client, event string) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		require.Equal(t, event, msg.Event, "unexpected event for %s: %+v", c.user.Username, msg.Data)
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected %q for %s, but nothing was sent", event, c.user.Username)
	}
	return nil
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no message for %s, got %q", c.user.Username, msg.Event)
	case <-time.After(20 * time.Millisecond):
	}
}

func expectErrorCode(t *testing.T, c *Client, id int, code string) {
	t.Helper()
	msg := expectEvent(t, c, EventError)
	require.Equal(t, id, msg.Id, "expected error to echo the correlation id")
	require.Equal(t, code, msg.Data.(ErrorPayload).Code)
}
