package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport re-purposes the teacher's RabbitMQ dependency from RPC
// transport to task-fan-out transport: Queue.Submit publishes here instead
// of running locally, and Consume feeds deliveries back into the same
// handler registry via Queue.Dispatch, giving cross-worker invalidation
// fan-out without changing any Submit call site.
type AMQPTransport struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPTransport dials url and declares a topic exchange for task
// fan-out.
func NewAMQPTransport(url, exchange string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	return &AMQPTransport{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish implements task.Publisher.
func (t *AMQPTransport) Publish(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return t.channel.PublishWithContext(ctx, t.exchange, task.Kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Consume binds queueName to every routing key and feeds deliveries into
// q.Dispatch until ctx is cancelled. It blocks, so callers run it in its
// own goroutine; neither worker.Supervisor nor cmd/server starts it.
func (t *AMQPTransport) Consume(ctx context.Context, queueName string, q *Queue) error {
	queue, err := t.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := t.channel.QueueBind(queue.Name, "#", t.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp bind queue: %w", err)
	}

	deliveries, err := t.channel.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var task Task
			if err := json.Unmarshal(d.Body, &task); err != nil {
				log.Printf("[task:amqp] malformed delivery, dropping: %v", err)
				continue
			}
			q.Dispatch(task)
		}
	}
}

// Close tears down the channel and connection.
func (t *AMQPTransport) Close() error {
	_ = t.channel.Close()
	return t.conn.Close()
}
