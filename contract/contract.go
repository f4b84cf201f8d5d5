//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-dm/domain"
	"chat-dm/domain/event"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is one live connection as seen by the dispatcher.
// Consume must not block longer than ctx allows. Any error marks the
// connection as dead and gets it pruned.
type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// Subscriber is one connection handle on one channel.
// Handle is assigned by the hub on Subscribe and changes every time the
// same connection subscribes again.
type Subscriber struct {
	ConnID string
	UserID domain.UserID
	Sink   EventSink
	Handle uint64
}

type IPresenceHub interface {
	Subscribe(channel domain.ChannelID, sub Subscriber)
	Unsubscribe(connID string, channel domain.ChannelID)
	Prune(channel domain.ChannelID, sub Subscriber) bool
	UnsubscribeAll(connID string) []domain.ChannelID
	Snapshot(channel domain.ChannelID) []Subscriber
	Count(channel domain.ChannelID) int
}

type IDispatcher interface {
	Authorize(ctx context.Context, userID domain.UserID, channel domain.ChannelID) error
	Subscribe(ctx context.Context, channel domain.ChannelID, sub Subscriber) error
	Unsubscribe(connID string, channel domain.ChannelID)
	Disconnect(connID string)
	Publish(ctx context.Context, evt event.DomainEvent)
}

// IRelay carries events to the other nodes running the same service.
type IRelay interface {
	Publish(ctx context.Context, evt event.DomainEvent) error
}
