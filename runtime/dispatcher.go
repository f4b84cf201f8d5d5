package runtime

import (
	"chat-dm/contract"
	"chat-dm/domain"
	"chat-dm/domain/event"
	"chat-dm/errors"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConversationReader answers membership questions for channel authorization.
type ConversationReader interface {
	Get(id domain.ConversationID, userID domain.UserID) (domain.Conversation, error)
}

// Dispatcher broadcasts conversation events to the connections registered
// in the presence hub.
//
// Delivery is best effort and at most once per connection: there is no
// persistence and no replay. Publishing only enqueues; Run drains the queue
// in order, so a stalled connection never holds back the request that
// produced the event. A connection that fails to consume an event is pruned
// from the hub and the failure never reaches the publisher.
type Dispatcher struct {
	log           *slog.Logger
	hub           contract.IPresenceHub
	conversations ConversationReader
	relay         contract.IRelay
	sinkTimeout   time.Duration
	queue         chan dispatch
}

// dispatch is one queued event. Events from the relay are not relayed again.
type dispatch struct {
	evt   event.DomainEvent
	relay bool
}

func NewDispatcher(log *slog.Logger, hub contract.IPresenceHub,
	conversations ConversationReader, sinkTimeout time.Duration, queueSize int) *Dispatcher {
	return &Dispatcher{
		log:           log,
		hub:           hub,
		conversations: conversations,
		sinkTimeout:   sinkTimeout,
		queue:         make(chan dispatch, queueSize),
	}
}

// WithRelay forwards every locally published event to the other nodes.
func (d *Dispatcher) WithRelay(relay contract.IRelay) *Dispatcher {
	d.relay = relay
	return d
}

// Authorize allows only the two participants of the channel's conversation.
// Unknown channels and conversations are reported as ErrForbidden too.
func (d *Dispatcher) Authorize(_ context.Context, userID domain.UserID, channel domain.ChannelID) error {
	id, err := domain.ParseChannel(string(channel))
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrForbidden, channel)
	}
	_, err = d.conversations.Get(id, userID)
	switch {
	case err == nil:
		return nil
	case goerrors.Is(err, errors.ErrNotFound):
		return fmt.Errorf("%w: %s", errors.ErrForbidden, channel)
	default:
		return err
	}
}

func (d *Dispatcher) Subscribe(ctx context.Context, channel domain.ChannelID, sub contract.Subscriber) error {
	if err := d.Authorize(ctx, sub.UserID, channel); err != nil {
		return err
	}
	d.hub.Subscribe(channel, sub)
	d.log.Debug("Connection subscribed", "conn_id", sub.ConnID, "user_id", sub.UserID, "channel", channel)
	return nil
}

func (d *Dispatcher) Unsubscribe(connID string, channel domain.ChannelID) {
	d.hub.Unsubscribe(connID, channel)
}

// Disconnect drops a connection from every channel it joined.
func (d *Dispatcher) Disconnect(connID string) {
	channels := d.hub.UnsubscribeAll(connID)
	d.log.Debug("Connection left", "conn_id", connID, "channels", len(channels))
}

// Publish queues evt for the local subscribers and the relay.
// It never waits: when the queue is full the event is dropped.
func (d *Dispatcher) Publish(_ context.Context, evt event.DomainEvent) {
	d.enqueue(dispatch{evt: evt, relay: true})
}

// Deliver queues evt for the connections subscribed on this node only.
// It is used for events received from the relay.
func (d *Dispatcher) Deliver(_ context.Context, evt event.DomainEvent) {
	d.enqueue(dispatch{evt: evt})
}

func (d *Dispatcher) enqueue(job dispatch) {
	select {
	case d.queue <- job:
	default:
		d.log.Warn("Dispatch queue full, event dropped", "event", job.evt.Name(), "channel", job.evt.Channel())
	}
}

// Run drains the queue one event at a time, which keeps the order of
// events per connection.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting dispatcher", "sink_timeout", d.sinkTimeout, "queue_size", cap(d.queue))
	for {
		select {
		case job := <-d.queue:
			d.fanout(ctx, job.evt)
			if job.relay && d.relay != nil {
				if err := d.relay.Publish(ctx, job.evt); err != nil {
					d.log.Warn("Relay publish failed", "event", job.evt.Name(), "channel", job.evt.Channel(), "error", err)
				}
			}
		case <-ctx.Done():
			d.log.Debug("Context done, stopping dispatcher")
			return nil
		}
	}
}

// fanout pushes evt to a snapshot of the channel's subscribers.
// Every sink gets its own goroutine bounded by sinkTimeout, so one slow
// connection cannot hold the others back for longer than that.
func (d *Dispatcher) fanout(ctx context.Context, evt event.DomainEvent) {
	subscribers := d.hub.Snapshot(evt.Channel())
	if len(subscribers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subscribers {
		wg.Add(1)
		go func(sub contract.Subscriber) {
			defer wg.Done()
			sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sinkTimeout)
			defer cancel()
			if err := sub.Sink.Consume(sinkCtx, evt); err != nil {
				if !d.hub.Prune(evt.Channel(), sub) {
					return
				}
				d.log.Warn("Pruned subscriber after failed delivery",
					"conn_id", sub.ConnID,
					"user_id", sub.UserID,
					"channel", evt.Channel(),
					"event", evt.Name(),
					"error", err)
			}
		}(sub)
	}
	wg.Wait()
	d.log.Debug("Event delivered", "event", evt.Name(), "channel", evt.Channel(), "subscribers", len(subscribers))
}
