package nats

import (
	"chat-dm/domain"
	"chat-dm/domain/event"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	subjectPrefix = "chat."
	// SubjectWildcard matches every conversation channel.
	SubjectWildcard = subjectPrefix + "conversation.*"
)

// Conn is the part of *nats.Conn the relay needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Deliverer pushes a remote event to the connections of this node.
type Deliverer interface {
	Deliver(ctx context.Context, evt event.DomainEvent)
}

// Relay bridges conversation channels between nodes over NATS core pub/sub.
// Each channel "conversation.<id>" maps to subject "chat.conversation.<id>".
// Events carry the origin node id so a node ignores its own publications.
type Relay struct {
	log       *slog.Logger
	conn      Conn
	nodeID    string
	deliverer Deliverer
}

func NewRelay(log *slog.Logger, conn Conn, nodeID string) *Relay {
	return &Relay{log: log, conn: conn, nodeID: nodeID}
}

// Connect dials the NATS servers with reconnection enabled.
func Connect(url, nodeID string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("chat-dm-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
}

// Bind sets where remote events go. It must be called before Run.
func (r *Relay) Bind(deliverer Deliverer) *Relay {
	r.deliverer = deliverer
	return r
}

func Subject(channel domain.ChannelID) string {
	return subjectPrefix + string(channel)
}

func (r *Relay) Publish(_ context.Context, evt event.DomainEvent) error {
	data, err := event.Encode(evt, r.nodeID)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(Subject(evt.Channel()), data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run subscribes to every conversation subject until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if r.deliverer == nil {
		return fmt.Errorf("relay has no deliverer")
	}
	sub, err := r.conn.Subscribe(SubjectWildcard, func(msg *nats.Msg) {
		r.handle(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.log.Info("Relay subscribed", "subject", SubjectWildcard, "node_id", r.nodeID)
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (r *Relay) handle(ctx context.Context, subject string, data []byte) {
	evt, origin, err := event.Decode(data)
	if err != nil {
		r.log.Warn("Relay dropped undecodable event", "subject", subject, "error", err)
		return
	}
	if origin == r.nodeID {
		return
	}
	if Subject(evt.Channel()) != subject {
		r.log.Warn("Relay dropped event on foreign subject", "subject", subject, "channel", evt.Channel())
		return
	}
	r.deliverer.Deliver(ctx, evt)
}
