package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Queue interface {
	Connect(ctx context.Context) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Cancel() error
	Close() error
}

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateConsuming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected = errors.New("queue is not connected")
	ErrStopped      = errors.New("queue is stopped")
)

// Delivery is one message handed to the worker. Ack must be called exactly
// once per delivery.
type Delivery struct {
	Body      []byte
	MessageID string
	ack       func() error
}

func NewDelivery(body []byte, messageID string, ack func() error) Delivery {
	return Delivery{Body: body, MessageID: messageID, ack: ack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

type RabbitConfig struct {
	URL      string
	Queue    string
	DLQ      string
	Prefetch int
}

// RabbitQueue consumes a durable RabbitMQ queue with manual acks.
// States: disconnected -> connected -> consuming -> stopped.
type RabbitQueue struct {
	cfg RabbitConfig

	mu    sync.Mutex
	state State
	conn  *amqp.Connection
	ch    *amqp.Channel
	tag   string
}

func NewRabbitQueue(cfg RabbitConfig) *RabbitQueue {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &RabbitQueue{cfg: cfg}
}

func (q *RabbitQueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *RabbitQueue) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateStopped {
		return ErrStopped
	}
	if q.state != StateDisconnected {
		return nil
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("ai-worker")

	conn, err := amqp.DialConfig(q.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(10 * time.Second),
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	for _, name := range []string{q.cfg.Queue, q.cfg.DLQ} {
		if name == "" {
			continue
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}

	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	q.conn = conn
	q.ch = ch
	q.state = StateConnected

	slog.Info("connected to rabbitmq",
		slog.String("queue", q.cfg.Queue),
		slog.Int("prefetch", q.cfg.Prefetch),
	)
	return nil
}

// Consume starts delivering messages. The returned channel is closed when
// the broker stops delivering (cancel, channel or connection loss) or ctx
// is done.
func (q *RabbitQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	if q.state != StateConnected {
		st := q.state
		q.mu.Unlock()
		if st == StateStopped {
			return nil, ErrStopped
		}
		return nil, ErrNotConnected
	}
	tag := "ai-worker-" + uuid.NewString()
	msgs, err := q.ch.Consume(q.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("consume %s: %w", q.cfg.Queue, err)
	}
	q.tag = tag
	q.state = StateConsuming
	q.mu.Unlock()

	out := make(chan Delivery)
	go forward(ctx, msgs, out)

	slog.Info("consuming", slog.String("queue", q.cfg.Queue), slog.String("consumer_tag", tag))
	return out, nil
}

// forward hands broker deliveries to out until msgs closes or ctx is done,
// then closes out. Each delivery acks only its own tag.
func forward(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			d := NewDelivery(m.Body, m.MessageId, func() error { return m.Ack(false) })
			select {
			case out <- d:
			case <-ctx.Done():
				// unacked; the broker requeues it once the channel closes
				return
			}
		}
	}
}

// Cancel asks the broker to stop delivering to this consumer.
func (q *RabbitQueue) Cancel() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateConsuming || q.ch == nil {
		return nil
	}
	if err := q.ch.Cancel(q.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("cancel consumer: %w", err)
	}
	q.state = StateConnected
	return nil
}

// Publish sends a persistent JSON message to the work queue.
func (q *RabbitQueue) Publish(ctx context.Context, body []byte, messageID string) error {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()

	if ch == nil {
		return ErrNotConnected
	}
	return ch.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close releases the channel, then the connection. Safe to call more than
// once and on a queue that never connected.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	if q.ch != nil {
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		q.ch = nil
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		q.conn = nil
	}
	q.state = StateStopped
	return errors.Join(errs...)
}
