package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/dukerupert/cartengine/internal/domain"
)

// Publisher is the part of *nats.Conn used by NATSEmitter.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSEmitter publishes events on "<prefix>.cart.updated".
type NATSEmitter struct {
	conn    Publisher
	subject string
}

// NewNATSEmitter creates an emitter. prefix defaults to "cartengine".
func NewNATSEmitter(conn Publisher, prefix string) *NATSEmitter {
	if prefix == "" {
		prefix = "cartengine"
	}
	return &NATSEmitter{conn: conn, subject: prefix + "." + TypeCartUpdated}
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

func (e *NATSEmitter) EmitCartUpdated(ctx context.Context, event domain.CartUpdated) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(e.subject)
	msg.Data = data
	msg.Header.Set("Event-Type", TypeCartUpdated)
	msg.Header.Set("Cart-Id", event.CartID)
	if err := e.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.subject, err)
	}
	return nil
}
