package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/npezzotti/campuschat/internal/database"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// SeedAccounts creates one account per name in repo.
func SeedAccounts(t *testing.T, repo database.ChatRepository, names ...string) []database.User {
	t.Helper()

	users := make([]database.User, 0, len(names))
	for _, name := range names {
		u, err := repo.CreateAccount(context.Background(), database.CreateAccountParams{
			Username:     name,
			EmailAddress: fmt.Sprintf("%s@example.com", name),
			PasswordHash: "hash",
		})
		require.NoError(t, err, "expected no error seeding account %q", name)
		users = append(users, u)
	}
	return users
}
