// Package bus is the Bus Adapter: best-effort, at-most-once fan-out of
// server events to every node in the cluster, keyed by room id. It uses a
// single topic exchange and a single "room.#" binding per node so that no
// node needs explicit per-room subscription bookkeeping (routing key alone
// determines which room a delivery belongs to).
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wersvet/chatcore/internal/logging"
	"github.com/wersvet/chatcore/internal/observability"
)

var logger = logging.New("bus")

// Delivery is one event received off the bus, already attributed to a room.
// ExcludeConnID, when non-empty, names a connection id that must not
// receive this delivery locally (e.g. the sender of a typing indicator);
// it travels as AMQP metadata rather than as part of the client-visible
// event body.
type Delivery struct {
	RoomID        int64
	Body          []byte
	ExcludeConnID string
}

// Bus publishes room-scoped events and lets a node consume every event
// published cluster-wide. It must be reentrant and safe for concurrent use.
type Bus interface {
	Publish(ctx context.Context, roomID int64, event any, excludeConnID string) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

const excludeConnHeader = "x-exclude-conn"

const exchangeName = "chat.events"

// New dials RabbitMQ and declares the topic exchange used for fan-out. A
// dial/declare failure degrades to a noop bus rather than failing startup;
// single-node deployments still fan out locally via the in-process hub.
func New(amqpURL string) Bus {
	if amqpURL == "" {
		logger.Printf("disabled, using noop: empty amqp url")
		return noopBus{}
	}

	pubConn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Printf("disabled, using noop: %v", err)
		return noopBus{}
	}
	pubCh, err := pubConn.Channel()
	if err != nil {
		logger.Printf("disabled, using noop: %v", err)
		_ = pubConn.Close()
		return noopBus{}
	}
	if err := pubCh.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		logger.Printf("disabled, using noop: %v", err)
		_ = pubCh.Close()
		_ = pubConn.Close()
		return noopBus{}
	}

	// A dedicated connection for consuming keeps a slow/blocked subscriber
	// from starving publishes, per the resource-sharing requirement that
	// publish and subscribe use separate connections.
	subConn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Printf("consumer disabled: %v", err)
		subConn = nil
	}

	logger.Printf("connected exchange=%s", exchangeName)
	return &amqpBus{pubConn: pubConn, pubCh: pubCh, subConn: subConn}
}

type amqpBus struct {
	pubConn *amqp.Connection
	pubCh   *amqp.Channel
	subConn *amqp.Connection
}

// Publish marshals event and publishes it under routing key "room.<id>".
// Failures are returned (not retried); the caller logs and drops them,
// per the adapter's at-most-once contract.
func (b *amqpBus) Publish(ctx context.Context, roomID int64, event any, excludeConnID string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}
	if excludeConnID != "" {
		pub.Headers = amqp.Table{excludeConnHeader: excludeConnID}
	}
	if err := b.pubCh.PublishWithContext(ctx, exchangeName, routingKey(roomID), false, false, pub); err != nil {
		observability.IncAMQPPublishError()
		return err
	}
	return nil
}

// Consume declares an exclusive, auto-delete queue bound to every room
// ("room.#") and streams deliveries until ctx is cancelled. It is meant to
// be called once per process.
func (b *amqpBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	if b.subConn == nil {
		ch := make(chan Delivery)
		return ch, nil
	}

	ch, err := b.subConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare consumer queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "room.#", exchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("bind consumer queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("start consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				roomID, ok := parseRoomID(m.RoutingKey)
				if !ok {
					continue
				}
				var excludeConnID string
				if v, ok := m.Headers[excludeConnHeader]; ok {
					if s, ok := v.(string); ok {
						excludeConnID = s
					}
				}
				select {
				case out <- Delivery{RoomID: roomID, Body: m.Body, ExcludeConnID: excludeConnID}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *amqpBus) Close() error {
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.pubConn != nil {
		_ = b.pubConn.Close()
	}
	if b.subConn != nil {
		_ = b.subConn.Close()
	}
	return nil
}

func routingKey(roomID int64) string { return fmt.Sprintf("room.%d", roomID) }

func parseRoomID(routingKey string) (int64, bool) {
	var id int64
	n, err := fmt.Sscanf(routingKey, "room.%d", &id)
	if err != nil || n != 1 {
		return 0, false
	}
	return id, true
}

// noopBus drops publishes and never delivers anything; it keeps a
// single-node deployment running without RabbitMQ.
type noopBus struct{}

func (noopBus) Publish(ctx context.Context, roomID int64, event any, excludeConnID string) error {
	return nil
}

func (noopBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	ch := make(chan Delivery)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (noopBus) Close() error { return nil }
