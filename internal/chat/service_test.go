package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *database.MemoryRepository) {
	repo := database.NewMemoryRepository()
	return NewService(repo, testutil.TestLogger(t)), repo
}

func TestFindOrCreateDirect(t *testing.T) {
	svc, repo := newTestService(t)
	users := testutil.SeedAccounts(t, repo, "alice", "bob")
	alice, bob := users[0].Id, users[1].Id

	conv, created, err := svc.FindOrCreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, database.ConversationDirect, conv.Type)
	assert.ElementsMatch(t, []string{alice, bob}, conv.Participants)
	assert.Empty(t, conv.AdminId, "expected direct conversation to have no admin")

	again, created, err := svc.FindOrCreateDirect(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.False(t, created, "expected reversed pair to find the existing conversation")
	assert.Equal(t, conv.Id, again.Id)
}

func TestFindOrCreateDirect_Validation(t *testing.T) {
	svc, repo := newTestService(t)
	users := testutil.SeedAccounts(t, repo, "alice")

	tcases := []struct {
		name   string
		a, b   string
		target error
	}{
		{name: "self", a: users[0].Id, b: users[0].Id, target: ErrValidation},
		{name: "blank", a: users[0].Id, b: "", target: ErrValidation},
		{name: "unknown user", a: users[0].Id, b: "ghost", target: ErrNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.FindOrCreateDirect(context.Background(), tc.a, tc.b)
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestFindOrCreateDirect_Concurrent(t *testing.T) {
	svc, repo := newTestService(t)
	users := testutil.SeedAccounts(t, repo, "alice", "bob")

	const callers = 20
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := users[0].Id, users[1].Id
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := svc.FindOrCreateDirect(context.Background(), a, b)
			errs[i] = err
			if err == nil {
				ids[i] = conv.Id
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "expected every caller to resolve to one conversation")
	}

	convs, err := repo.ListConversations(context.Background(), users[0].Id)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestFindOrCreateDirect_RetriesOnConflict(t *testing.T) {
	db := new(database.MockChatRepository)
	svc := NewService(db, testutil.TestLogger(t))
	svc.newId = func() (string, error) { return "c1", nil }

	key := database.DirectKey("u1", "u2")
	existing := &database.Conversation{Id: "c0", Type: database.ConversationDirect, Participants: []string{"u1", "u2"}}

	db.On("GetAccountsByIds", []string{"u1", "u2"}).Return([]database.User{{Id: "u1"}, {Id: "u2"}}, nil)
	db.On("GetDirectConversation", key).Return(nil, database.ErrNotFound).Once()
	db.On("CreateConversation", mock.Anything).Return(nil, database.ErrConflict).Once()
	db.On("GetDirectConversation", key).Return(existing, nil).Once()

	conv, created, err := svc.FindOrCreateDirect(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c0", conv.Id)
	db.AssertExpectations(t)
}

func TestFindOrCreateDirect_StoreError(t *testing.T) {
	db := new(database.MockChatRepository)
	svc := NewService(db, testutil.TestLogger(t))

	db.On("GetAccountsByIds", mock.Anything).Return([]database.User{{Id: "u1"}, {Id: "u2"}}, nil)
	db.On("GetDirectConversation", mock.Anything).Return(nil, errors.New("connection refused"))

	_, _, err := svc.FindOrCreateDirect(context.Background(), "u1", "u2")
	require.Error(t, err)
	assert.Equal(t, "internal_error", ErrorCode(err))
}

func TestUserConversations(t *testing.T) {
	svc, repo := newTestService(t)
	users := testutil.SeedAccounts(t, repo, "alice", "bob", "carol")
	ctx := context.Background()

	direct, _, err := svc.FindOrCreateDirect(ctx, users[0].Id, users[1].Id)
	require.NoError(t, err)
	group, err := svc.CreateGroup(ctx, CreateGroupParams{Name: "study", AdminId: users[2].Id, Participants: []string{users[0].Id}})
	require.NoError(t, err)

	convs, err := svc.UserConversations(ctx, users[0].Id)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	ids := []string{convs[0].Id, convs[1].Id}
	assert.ElementsMatch(t, []string{direct.Id, group.Id}, ids)

	convs, err = svc.UserConversations(ctx, users[1].Id)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, direct.Id, convs[0].Id)
}

func TestParticipantConversation(t *testing.T) {
	svc, repo := newTestService(t)
	users := testutil.SeedAccounts(t, repo, "alice", "bob", "mallory")
	ctx := context.Background()

	conv, _, err := svc.FindOrCreateDirect(ctx, users[0].Id, users[1].Id)
	require.NoError(t, err)

	_, err = svc.ParticipantConversation(ctx, conv.Id, users[0].Id)
	assert.NoError(t, err)

	_, err = svc.ParticipantConversation(ctx, conv.Id, users[2].Id)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.ParticipantConversation(ctx, "missing", users[0].Id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("group requires admin and cascades", func(t *testing.T) {
		svc, repo := newTestService(t)
		users := testutil.SeedAccounts(t, repo, "alice", "bob")
		conv, err := svc.CreateGroup(ctx, CreateGroupParams{Name: "club", AdminId: users[0].Id, Participants: []string{users[1].Id}})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := svc.SendMessage(ctx, SendParams{ConversationId: conv.Id, SenderId: users[1].Id, Content: "hi"})
			require.NoError(t, err)
		}

		_, err = svc.DeleteConversation(ctx, conv.Id, users[1].Id)
		assert.ErrorIs(t, err, ErrNotAuthorized, "expected non-admin delete to fail")

		_, err = svc.DeleteConversation(ctx, conv.Id, users[0].Id)
		require.NoError(t, err)

		n, err := repo.CountMessages(ctx, conv.Id)
		require.NoError(t, err)
		assert.Zero(t, n, "expected messages to be deleted with the conversation")

		_, err = svc.Conversation(ctx, conv.Id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("direct allows either participant", func(t *testing.T) {
		svc, repo := newTestService(t)
		users := testutil.SeedAccounts(t, repo, "alice", "bob", "mallory")
		conv, _, err := svc.FindOrCreateDirect(ctx, users[0].Id, users[1].Id)
		require.NoError(t, err)

		_, err = svc.DeleteConversation(ctx, conv.Id, users[2].Id)
		assert.ErrorIs(t, err, ErrNotAuthorized)

		_, err = svc.DeleteConversation(ctx, conv.Id, users[1].Id)
		require.NoError(t, err)

		again, created, err := svc.FindOrCreateDirect(ctx, users[0].Id, users[1].Id)
		require.NoError(t, err)
		assert.True(t, created, "expected pair to be free after deletion")
		assert.NotEqual(t, conv.Id, again.Id)
	})
}

func TestProfiles(t *testing.T) {
	svc, repo := newTestService(t)
	users := testutil.SeedAccounts(t, repo, "alice")

	profiles, err := svc.Profiles(context.Background(), []string{users[0].Id, "ghost", users[0].Id})
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
	assert.Equal(t, "alice", profiles[users[0].Id].Username)
	assert.Equal(t, "ghost", profiles["ghost"].Id)
	assert.Empty(t, profiles["ghost"].Username)
}

func TestErrorCode(t *testing.T) {
	tcases := []struct {
		err     error
		code    string
		message string
	}{
		{err: validationError("bad %s", "input"), code: "validation_error", message: "bad input"},
		{err: notAuthorized("nope"), code: "not_authorized", message: "nope"},
		{err: notFound("gone"), code: "not_found", message: "gone"},
		{err: invalidOperation("no"), code: "invalid_operation", message: "no"},
		{err: errors.New("db down"), code: "internal_error", message: "internal server error"},
	}

	for _, tc := range tcases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.code, ErrorCode(tc.err))
			assert.Equal(t, tc.message, PublicMessage(tc.err))
		})
	}

	pd := &PartialDeliveryError{MessageId: "m1", Err: errors.New("timeout")}
	assert.True(t, IsPartialDelivery(pd))
	assert.False(t, IsPartialDelivery(errors.New("other")))
}
