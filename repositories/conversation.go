//go:generate go run go.uber.org/mock/mockgen -source=conversation.go -destination=../mocks/mock_conversation_repository.go -package=mocks
package repositories

import (
	"chat-dm/domain"
	"chat-dm/errors"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

type IConversationRepository interface {
	FindOrCreate(u, v domain.UserID) (domain.Conversation, bool, error)
	Touch(id domain.ConversationID, at time.Time) error
	Get(id domain.ConversationID, userID domain.UserID) (domain.Conversation, error)
	ListForUser(userID domain.UserID) ([]domain.ConversationSummary, error)
	Summary(conversation domain.Conversation, userID domain.UserID) (domain.ConversationSummary, error)
}

type ConversationRepository struct {
	db         *badger.DB
	log        *slog.Logger
	seq        *badger.Sequence
	locks      *ConversationLocks
	maxRetries int
	clock      func() time.Time
}

func NewConversationRepository(db *badger.DB, log *slog.Logger, locks *ConversationLocks, maxRetries int) (*ConversationRepository, error) {
	seq, err := db.GetSequence([]byte(conversationSeqKey), sequenceBandwidth)
	if err != nil {
		return nil, storageErr("conversation sequence", err)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &ConversationRepository{
		db:         db,
		log:        log,
		seq:        seq,
		locks:      locks,
		maxRetries: maxRetries,
		clock:      func() time.Time { return time.Now().UTC() },
	}, nil
}

type conversationRecord struct {
	ID           int64 `json:"id"`
	ParticipantA int64 `json:"user_one"`
	ParticipantB int64 `json:"user_two"`
	LastActivity int64 `json:"last_message_at"`
}

// FindOrCreate resolves the single conversation of an unordered pair.
//
// The pair key "pair:{low}:{high}" acts as the uniqueness constraint. Creation
// reads it and writes it in one transaction, so when both users make first
// contact at the same time badger aborts one of the commits with ErrConflict.
// The loser retries, finds the winner's row and returns it.
func (c *ConversationRepository) FindOrCreate(u, v domain.UserID) (domain.Conversation, bool, error) {
	a, b, err := domain.CanonicalPair(u, v)
	if err != nil {
		return domain.Conversation{}, false, err
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		conversation, created, err := c.findOrCreate(a, b)
		if goerrors.Is(err, badger.ErrConflict) {
			c.log.Debug("Conversation creation lost a race, retrying",
				"user_one", a, "user_two", b, "attempt", attempt)
			continue
		}
		if err != nil {
			return domain.Conversation{}, false, storageErr("find or create conversation", err)
		}
		return conversation, created, nil
	}
	return domain.Conversation{}, false, storageErr("find or create conversation", errors.ErrConflict)
}

func (c *ConversationRepository) findOrCreate(a, b domain.UserID) (domain.Conversation, bool, error) {
	var record conversationRecord
	err := c.db.View(func(txn *badger.Txn) error {
		return lookupPair(txn, a, b, &record)
	})
	if err == nil {
		return toConversation(record), false, nil
	}
	if !goerrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Conversation{}, false, err
	}

	created := false
	err = c.db.Update(func(txn *badger.Txn) error {
		err := lookupPair(txn, a, b, &record)
		if err == nil {
			return nil
		}
		if !goerrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		next, err := c.seq.Next()
		if err != nil {
			return err
		}
		record = conversationRecord{
			ID:           int64(next + 1),
			ParticipantA: int64(a),
			ParticipantB: int64(b),
			LastActivity: c.clock().UnixNano(),
		}
		id := domain.ConversationID(record.ID)
		if err := setJSON(txn, conversationKey(id), record); err != nil {
			return err
		}
		if err := txn.Set(pairKey(a, b), []byte(pad(record.ID))); err != nil {
			return err
		}
		if err := txn.Set(memberKey(a, id), nil); err != nil {
			return err
		}
		created = true
		return txn.Set(memberKey(b, id), nil)
	})
	if err != nil {
		return domain.Conversation{}, false, err
	}
	if created {
		c.log.Debug("Conversation created", "conversation_id", record.ID, "user_one", a, "user_two", b)
	}
	return toConversation(record), created, nil
}

func lookupPair(txn *badger.Txn, a, b domain.UserID, record *conversationRecord) error {
	item, err := txn.Get(pairKey(a, b))
	if err != nil {
		return err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	id, err := idFromKey(raw)
	if err != nil {
		return err
	}
	return getJSON(txn, conversationKey(domain.ConversationID(id)), record)
}

// Touch moves last activity forward. An older timestamp is ignored.
func (c *ConversationRepository) Touch(id domain.ConversationID, at time.Time) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	err := c.db.Update(func(txn *badger.Txn) error {
		return touch(txn, id, at)
	})
	switch {
	case err == nil:
		return nil
	case goerrors.Is(err, badger.ErrKeyNotFound):
		return errors.ErrNotFound
	default:
		return storageErr("touch conversation", err)
	}
}

func touch(txn *badger.Txn, id domain.ConversationID, at time.Time) error {
	var record conversationRecord
	if err := getJSON(txn, conversationKey(id), &record); err != nil {
		return err
	}
	if at.UnixNano() <= record.LastActivity {
		return nil
	}
	record.LastActivity = at.UnixNano()
	return setJSON(txn, conversationKey(id), record)
}

// Get returns ErrNotFound both for a missing conversation and for a user
// who is not one of its participants.
func (c *ConversationRepository) Get(id domain.ConversationID, userID domain.UserID) (domain.Conversation, error) {
	var record conversationRecord
	err := c.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, conversationKey(id), &record)
	})
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Conversation{}, errors.ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, storageErr("get conversation", err)
	}
	conversation := toConversation(record)
	if !conversation.HasParticipant(userID) {
		return domain.Conversation{}, errors.ErrNotFound
	}
	return conversation, nil
}

// ListForUser returns the user's conversations, most recent activity first.
//
// Enrichment is batched inside one read snapshot: the member index yields the
// conversations, one pass computes previews and unread counts from the
// message and unread indexes, and one batch lookup resolves the other users.
func (c *ConversationRepository) ListForUser(userID domain.UserID) ([]domain.ConversationSummary, error) {
	var summaries []domain.ConversationSummary
	err := c.db.View(func(txn *badger.Txn) error {
		ids, err := memberConversations(txn, userID)
		if err != nil {
			return err
		}
		conversations := make([]domain.Conversation, 0, len(ids))
		for _, id := range ids {
			var record conversationRecord
			if err := getJSON(txn, conversationKey(id), &record); err != nil {
				return err
			}
			conversations = append(conversations, toConversation(record))
		}
		summaries, err = summarize(txn, conversations, userID)
		return err
	})
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].LastActivity.Equal(summaries[j].LastActivity) {
			return summaries[i].LastActivity.After(summaries[j].LastActivity)
		}
		return summaries[i].ID > summaries[j].ID
	})
	return summaries, nil
}

// Summary describes one conversation from the point of view of userID.
func (c *ConversationRepository) Summary(conversation domain.Conversation, userID domain.UserID) (domain.ConversationSummary, error) {
	if !conversation.HasParticipant(userID) {
		return domain.ConversationSummary{}, errors.ErrNotFound
	}
	unlock := c.locks.RLock(conversation.ID)
	defer unlock()

	var summaries []domain.ConversationSummary
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		summaries, err = summarize(txn, []domain.Conversation{conversation}, userID)
		return err
	})
	if err != nil {
		return domain.ConversationSummary{}, storageErr("conversation summary", err)
	}
	return summaries[0], nil
}

func memberConversations(txn *badger.Txn, userID domain.UserID) ([]domain.ConversationID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = memberPrefix(userID)
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []domain.ConversationID
	for it.Rewind(); it.Valid(); it.Next() {
		id, err := idFromKey(it.Item().Key())
		if err != nil {
			return nil, fmt.Errorf("corrupted member key %q: %w", it.Item().Key(), err)
		}
		ids = append(ids, domain.ConversationID(id))
	}
	return ids, nil
}

func summarize(txn *badger.Txn, conversations []domain.Conversation, userID domain.UserID) ([]domain.ConversationSummary, error) {
	others := lo.Map(conversations, func(item domain.Conversation, _ int) domain.UserID {
		return item.OtherParticipant(userID)
	})
	users, err := loadUsers(txn, others)
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ConversationSummary, 0, len(conversations))
	for i, conversation := range conversations {
		latest, err := latestMessage(txn, conversation.ID)
		if err != nil {
			return nil, err
		}
		unread, err := countUnread(txn, conversation.ID, userID)
		if err != nil {
			return nil, err
		}
		summary := domain.ConversationSummary{
			ID:           conversation.ID,
			OtherUser:    lo.ValueOr(users, others[i], domain.User{ID: others[i]}),
			UnreadCount:  unread,
			LastActivity: conversation.LastActivity,
		}
		if latest != nil {
			summary.LatestMessage = lo.ToPtr(latest.Preview())
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (c *ConversationRepository) Close() error {
	return c.seq.Release()
}

func toConversation(record conversationRecord) domain.Conversation {
	return domain.Conversation{
		ID:           domain.ConversationID(record.ID),
		ParticipantA: domain.UserID(record.ParticipantA),
		ParticipantB: domain.UserID(record.ParticipantB),
		LastActivity: time.Unix(0, record.LastActivity).UTC(),
	}
}
