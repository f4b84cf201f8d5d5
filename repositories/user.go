//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"chat-dm/domain"
	"chat-dm/errors"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

// IUserRepository is the read side of the identity collaborator.
// The chat core only needs names to enrich messages and events.
type IUserRepository interface {
	CreateUser(name, email string) (domain.User, error)
	GetUser(id domain.UserID) (domain.User, error)
	GetUsers(ids []domain.UserID) (map[domain.UserID]domain.User, error)
	ListUsers(except domain.UserID) ([]domain.User, error)
}

type UserRepository struct {
	db  *badger.DB
	log *slog.Logger
	seq *badger.Sequence
}

func NewUserRepository(db *badger.DB, log *slog.Logger) (*UserRepository, error) {
	seq, err := db.GetSequence([]byte(userSeqKey), sequenceBandwidth)
	if err != nil {
		return nil, storageErr("user sequence", err)
	}
	return &UserRepository{db: db, log: log, seq: seq}, nil
}

type userRecord struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
}

// CreateUser persists a user under a fresh id.
// The email index guarantees one account per address.
func (u *UserRepository) CreateUser(name, email string) (domain.User, error) {
	next, err := u.seq.Next()
	if err != nil {
		return domain.User{}, storageErr("next user id", err)
	}
	// Sequences start at zero, ids start at one.
	user := domain.User{
		ID:        domain.UserID(next + 1),
		Name:      name,
		Email:     strings.ToLower(email),
		CreatedAt: time.Now().UTC(),
	}
	err = u.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(userEmailKey(email)); err == nil {
			return errors.ErrUserAlreadyExists
		} else if !goerrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, userKey(user.ID), fromUser(user)); err != nil {
			return err
		}
		return txn.Set(userEmailKey(email), []byte(pad(int64(user.ID))))
	})
	switch {
	case err == nil:
		return user, nil
	case goerrors.Is(err, errors.ErrUserAlreadyExists):
		return domain.User{}, fmt.Errorf("%w: %s", err, email)
	default:
		return domain.User{}, storageErr("create user", err)
	}
}

func (u *UserRepository) GetUser(id domain.UserID) (domain.User, error) {
	var record userRecord
	err := u.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &record)
	})
	switch {
	case err == nil:
		return toUser(record), nil
	case goerrors.Is(err, badger.ErrKeyNotFound):
		return domain.User{}, errors.ErrUserNotFound
	default:
		return domain.User{}, storageErr("get user", err)
	}
}

// GetUsers resolves many ids in one read transaction.
// Unknown ids are absent from the result.
func (u *UserRepository) GetUsers(ids []domain.UserID) (map[domain.UserID]domain.User, error) {
	var res map[domain.UserID]domain.User
	err := u.db.View(func(txn *badger.Txn) error {
		var err error
		res, err = loadUsers(txn, ids)
		return err
	})
	if err != nil {
		return nil, storageErr("get users", err)
	}
	return res, nil
}

// ListUsers returns every user but one, ordered by name.
func (u *UserRepository) ListUsers(except domain.UserID) ([]domain.User, error) {
	var users []domain.User
	err := u.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var record userRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			if domain.UserID(record.ID) != except {
				users = append(users, toUser(record))
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list users", err)
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (u *UserRepository) Close() error {
	return u.seq.Release()
}

func loadUsers(txn *badger.Txn, ids []domain.UserID) (map[domain.UserID]domain.User, error) {
	res := make(map[domain.UserID]domain.User, len(ids))
	for _, id := range lo.Uniq(ids) {
		var record userRecord
		err := getJSON(txn, userKey(id), &record)
		if goerrors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res[id] = toUser(record)
	}
	return res, nil
}

func refOf(users map[domain.UserID]domain.User, id domain.UserID) domain.UserRef {
	if user, ok := users[id]; ok {
		return user.Ref()
	}
	return domain.UserRef{ID: id}
}

func fromUser(user domain.User) userRecord {
	return userRecord{
		ID:        int64(user.ID),
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt.UnixNano(),
	}
}

func toUser(record userRecord) domain.User {
	return domain.User{
		ID:        domain.UserID(record.ID),
		Name:      record.Name,
		Email:     record.Email,
		CreatedAt: time.Unix(0, record.CreatedAt).UTC(),
	}
}
