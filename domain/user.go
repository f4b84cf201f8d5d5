// Package domain contains core concepts of the chat system.
// This file defines User identities. Users are owned by the identity
// collaborator and referenced by id everywhere else.
package domain

import "time"

type UserID int64

type User struct {
	ID        UserID
	Name      string
	Email     string
	CreatedAt time.Time
}

// UserRef is the minimal identity attached to messages and events.
type UserRef struct {
	ID   UserID
	Name string
}

func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name}
}
