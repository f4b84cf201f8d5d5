package repositories

import (
	"chat-dm/domain"
	"chat-dm/errors"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Every numeric key segment is zero padded to 19 digits so that the
// lexicographic order of badger keys matches the numeric order.
const (
	conversationSeqKey = "seq:conversation"
	messageSeqKey      = "seq:message"
	userSeqKey         = "seq:user"

	sequenceBandwidth = 100
)

func pad(n int64) string { return fmt.Sprintf("%019d", n) }

func conversationKey(id domain.ConversationID) []byte {
	return []byte("conv:" + pad(int64(id)))
}

func pairKey(a, b domain.UserID) []byte {
	return []byte("pair:" + pad(int64(a)) + ":" + pad(int64(b)))
}

func memberPrefix(userID domain.UserID) []byte {
	return []byte("member:" + pad(int64(userID)) + ":")
}

func memberKey(userID domain.UserID, id domain.ConversationID) []byte {
	return append(memberPrefix(userID), pad(int64(id))...)
}

func messagePrefix(id domain.ConversationID) []byte {
	return []byte("msg:" + pad(int64(id)) + ":")
}

// messageKey is "msg:{conversation}:{created_nano}:{id}".
// The id segment breaks ties between messages created at the same nanosecond.
func messageKey(id domain.ConversationID, createdAt time.Time, msgID domain.MessageID) []byte {
	return append(messagePrefix(id), orderSuffix(createdAt, msgID)...)
}

func unreadPrefix(id domain.ConversationID, recipient domain.UserID) []byte {
	return []byte("unread:" + pad(int64(id)) + ":" + pad(int64(recipient)) + ":")
}

func unreadKey(id domain.ConversationID, recipient domain.UserID, createdAt time.Time, msgID domain.MessageID) []byte {
	return append(unreadPrefix(id, recipient), orderSuffix(createdAt, msgID)...)
}

func orderSuffix(createdAt time.Time, msgID domain.MessageID) string {
	return pad(createdAt.UnixNano()) + ":" + pad(int64(msgID))
}

func userKey(id domain.UserID) []byte {
	return []byte("user:" + pad(int64(id)))
}

func userEmailKey(email string) []byte {
	return []byte("user_email:" + strings.ToLower(email))
}

// idFromKey parses the last segment of a key as an id.
func idFromKey(key []byte) (int64, error) {
	s := string(key)
	return strconv.ParseInt(s[strings.LastIndexByte(s, ':')+1:], 10, 64)
}

// seekLast positions a reverse iterator on the greatest key under prefix.
func seekLast(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// storageErr tags a persistence failure so callers surface it as fatal.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errors.ErrStorageUnavailable, op, err)
}
