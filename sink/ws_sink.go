package sink

import (
	"chat-dm/domain/event"
	"chat-dm/errors"
	"context"
	"sync"
)

// ConnectionSink buffers the events of one live connection.
// The dispatcher writes through Consume, the connection's writer drains
// Events. Once closed, every Consume fails so the dispatcher prunes it.
type ConnectionSink struct {
	Events    chan event.DomainEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConnectionSink(bufferSize int) *ConnectionSink {
	return &ConnectionSink{
		Events: make(chan event.DomainEvent, bufferSize),
		closed: make(chan struct{}),
	}
}

// Consume is called by the dispatcher and never waits.
// A full buffer means the reader fell behind: the sink closes itself, which
// ends the connection so that the client reconnects and re-polls.
func (s *ConnectionSink) Consume(_ context.Context, e event.DomainEvent) error {
	select {
	case <-s.closed:
		return errors.ErrSinkClosed
	default:
	}
	select {
	case s.Events <- e:
		return nil
	default:
		s.Close()
		return errors.ErrSinkFull
	}
}

// Done is closed when the sink stops accepting events.
func (s *ConnectionSink) Done() <-chan struct{} {
	return s.closed
}

func (s *ConnectionSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
