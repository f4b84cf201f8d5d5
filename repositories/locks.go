package repositories

import (
	"chat-dm/domain"
	"sync"
)

// ConversationLocks serializes mutations of one conversation.
// Writers (append, touch, mark read) take the exclusive side, unread
// counting takes the shared side. Distinct conversations never contend.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[domain.ConversationID]*refLock
}

type refLock struct {
	sync.RWMutex
	refs int
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[domain.ConversationID]*refLock)}
}

func (c *ConversationLocks) acquire(id domain.ConversationID) *refLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &refLock{}
		c.locks[id] = l
	}
	l.refs++
	return l
}

func (c *ConversationLocks) release(id domain.ConversationID, l *refLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
}

// Lock returns the matching unlock function.
func (c *ConversationLocks) Lock(id domain.ConversationID) func() {
	l := c.acquire(id)
	l.Lock()
	return func() {
		l.Unlock()
		c.release(id, l)
	}
}

func (c *ConversationLocks) RLock(id domain.ConversationID) func() {
	l := c.acquire(id)
	l.RLock()
	return func() {
		l.RUnlock()
		c.release(id, l)
	}
}

// Len reports how many conversations currently hold a lock entry.
func (c *ConversationLocks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
