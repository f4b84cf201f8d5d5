package repositories

import (
	"chat-dm/domain"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type stores struct {
	db            *badger.DB
	users         *UserRepository
	conversations *ConversationRepository
	messages      *MessageRepository
	locks         *ConversationLocks
}

func newStores(t *testing.T) stores {
	t.Helper()
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	locks := NewConversationLocks()
	users, err := NewUserRepository(db, log)
	req.NoError(err)
	conversations, err := NewConversationRepository(db, log, locks, 3)
	req.NoError(err)
	messages, err := NewMessageRepository(db, log, locks)
	req.NoError(err)

	t.Cleanup(func() {
		_ = users.Close()
		_ = conversations.Close()
		_ = messages.Close()
		_ = db.Close()
	})
	return stores{db: db, users: users, conversations: conversations, messages: messages, locks: locks}
}

func (s stores) createUsers(t *testing.T, names ...string) []domain.User {
	t.Helper()
	var res []domain.User
	for _, name := range names {
		user, err := s.users.CreateUser(name, name+"@example.com")
		require.NoError(t, err)
		res = append(res, user)
	}
	return res
}
