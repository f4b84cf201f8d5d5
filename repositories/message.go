//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"bytes"
	"chat-dm/domain"
	"chat-dm/errors"
	"encoding/json"
	goerrors "errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

type IMessageRepository interface {
	Append(id domain.ConversationID, senderID domain.UserID, body string) (domain.Message, error)
	ListForConversation(id domain.ConversationID) ([]domain.Message, error)
	MarkRead(id domain.ConversationID, readerID domain.UserID) (int, error)
	MarkReadThrough(id domain.ConversationID, readerID domain.UserID, last domain.Message) (int, error)
	UnreadCount(id domain.ConversationID, userID domain.UserID) (int, error)
	Latest(id domain.ConversationID) (*domain.Message, error)
}

type MessageRepository struct {
	db    *badger.DB
	log   *slog.Logger
	seq   *badger.Sequence
	locks *ConversationLocks
	clock func() time.Time
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, locks *ConversationLocks) (*MessageRepository, error) {
	seq, err := db.GetSequence([]byte(messageSeqKey), sequenceBandwidth)
	if err != nil {
		return nil, storageErr("message sequence", err)
	}
	return &MessageRepository{
		db:    db,
		log:   log,
		seq:   seq,
		locks: locks,
		clock: func() time.Time { return time.Now().UTC() },
	}, nil
}

type messageRecord struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Body           string `json:"message"`
	CreatedAt      int64  `json:"created_at"`
	Read           bool   `json:"is_read"`
}

// Append persists a message and touches its conversation in one transaction.
//
// The message is stored under "msg:{conversation}:{created_nano}:{id}". While
// holding the conversation lock, CreatedAt is clamped to the conversation's
// last activity so that keys never go backwards even if the wall clock does,
// and ids from the sequence break ties between equal timestamps.
// The recipient gets an "unread:" index entry in the same transaction.
func (m *MessageRepository) Append(id domain.ConversationID, senderID domain.UserID, body string) (domain.Message, error) {
	if err := domain.ValidateBody(body); err != nil {
		return domain.Message{}, err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	var message domain.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		var conversation conversationRecord
		if err := getJSON(txn, conversationKey(id), &conversation); err != nil {
			return err
		}
		conv := toConversation(conversation)
		if !conv.HasParticipant(senderID) {
			return errors.ErrNotFound
		}

		next, err := m.seq.Next()
		if err != nil {
			return err
		}
		createdAt := m.clock()
		if createdAt.Before(conv.LastActivity) {
			createdAt = conv.LastActivity
		}
		users, err := loadUsers(txn, []domain.UserID{senderID})
		if err != nil {
			return err
		}

		message = domain.Message{
			ID:             domain.MessageID(next + 1),
			ConversationID: id,
			SenderID:       senderID,
			Body:           body,
			CreatedAt:      createdAt,
			Sender:         refOf(users, senderID),
		}
		if err := setJSON(txn, messageKey(id, createdAt, message.ID), fromMessage(message)); err != nil {
			return err
		}
		recipient := conv.OtherParticipant(senderID)
		if err := txn.Set(unreadKey(id, recipient, createdAt, message.ID), nil); err != nil {
			return err
		}
		return touch(txn, id, createdAt)
	})
	switch {
	case err == nil:
		m.log.Debug("Message appended", "conversation_id", id, "message_id", message.ID)
		return message, nil
	case goerrors.Is(err, badger.ErrKeyNotFound), goerrors.Is(err, errors.ErrNotFound):
		return domain.Message{}, errors.ErrNotFound
	default:
		return domain.Message{}, storageErr("append message", err)
	}
}

// ListForConversation returns messages in ascending (created_at, id) order,
// each carrying the sender's id and name only.
func (m *MessageRepository) ListForConversation(id domain.ConversationID) ([]domain.Message, error) {
	var messages []domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record messageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			messages = append(messages, toMessage(record))
		}

		senders := lo.Map(messages, func(item domain.Message, _ int) domain.UserID {
			return item.SenderID
		})
		users, err := loadUsers(txn, senders)
		if err != nil {
			return err
		}
		for i := range messages {
			messages[i].Sender = refOf(users, messages[i].SenderID)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// MarkRead flips every unread message not sent by readerID.
// It returns how many messages changed; a second call returns 0.
func (m *MessageRepository) MarkRead(id domain.ConversationID, readerID domain.UserID) (int, error) {
	return m.markRead(id, readerID, nil)
}

// MarkReadThrough is MarkRead bounded by the (created_at, id) position of
// last. Messages appended after last stay unread, so a reader only loses
// the unread flag of what it was actually shown.
func (m *MessageRepository) MarkReadThrough(id domain.ConversationID, readerID domain.UserID, last domain.Message) (int, error) {
	return m.markRead(id, readerID, unreadKey(id, readerID, last.CreatedAt, last.ID))
}

// markRead flips the unread entries of readerID up to and including upTo.
// A nil upTo has no bound.
func (m *MessageRepository) markRead(id domain.ConversationID, readerID domain.UserID, upTo []byte) (int, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	prefix := unreadPrefix(id, readerID)
	count := 0
	err := m.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			if upTo != nil && bytes.Compare(it.Item().Key(), upTo) > 0 {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			msgKey := append(messagePrefix(id), key[len(prefix):]...)
			var record messageRecord
			if err := getJSON(txn, msgKey, &record); err != nil {
				return err
			}
			if !record.Read {
				record.Read = true
				if err := setJSON(txn, msgKey, record); err != nil {
					return err
				}
				count++
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("mark read", err)
	}
	if count > 0 {
		m.log.Debug("Messages marked as read", "conversation_id", id, "reader_id", readerID, "count", count)
	}
	return count, nil
}

// UnreadCount takes the shared side of the conversation lock so that it is
// ordered with respect to MarkRead and Append on the same conversation.
func (m *MessageRepository) UnreadCount(id domain.ConversationID, userID domain.UserID) (int, error) {
	unlock := m.locks.RLock(id)
	defer unlock()

	var count int
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = countUnread(txn, id, userID)
		return err
	})
	if err != nil {
		return 0, storageErr("unread count", err)
	}
	return count, nil
}

func (m *MessageRepository) Latest(id domain.ConversationID) (*domain.Message, error) {
	var latest *domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		latest, err = latestMessage(txn, id)
		return err
	})
	if err != nil {
		return nil, storageErr("latest message", err)
	}
	return latest, nil
}

func (m *MessageRepository) Close() error {
	return m.seq.Release()
}

func countUnread(txn *badger.Txn, id domain.ConversationID, userID domain.UserID) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = unreadPrefix(id, userID)
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

func latestMessage(txn *badger.Txn, id domain.ConversationID) (*domain.Message, error) {
	prefix := messagePrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(seekLast(prefix))
	if !it.Valid() {
		return nil, nil
	}
	var record messageRecord
	if err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	}); err != nil {
		return nil, err
	}
	return lo.ToPtr(toMessage(record)), nil
}

func fromMessage(message domain.Message) messageRecord {
	return messageRecord{
		ID:             int64(message.ID),
		ConversationID: int64(message.ConversationID),
		SenderID:       int64(message.SenderID),
		Body:           message.Body,
		CreatedAt:      message.CreatedAt.UnixNano(),
		Read:           message.Read,
	}
}

func toMessage(record messageRecord) domain.Message {
	return domain.Message{
		ID:             domain.MessageID(record.ID),
		ConversationID: domain.ConversationID(record.ConversationID),
		SenderID:       domain.UserID(record.SenderID),
		Body:           record.Body,
		CreatedAt:      time.Unix(0, record.CreatedAt).UTC(),
		Read:           record.Read,
		Sender:         domain.UserRef{ID: domain.UserID(record.SenderID)},
	}
}
