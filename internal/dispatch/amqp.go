package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"productlab/internal/domain"
	"productlab/internal/infra"
)

const (
	JobsExchange  = "jobs.exchange"
	JobsQueue     = "jobs.queue"
	RetryExchange = "jobs.retry.exchange"
	RetryQueue    = "jobs.retry.queue"
	routingKey    = "job"
)

// channel is the subset of *amqp.Channel used here.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQP publishes job ids to RabbitMQ. Delayed wake-ups go through a retry
// queue whose messages expire back into the main exchange.
type AMQP struct {
	conn   *amqp.Connection
	ch     channel
	retry  time.Duration
	logger infra.Logger
}

// DialAMQP connects to url and declares the topology.
func DialAMQP(url string, logger infra.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	client := newAMQP(ch, logger)
	client.conn = conn
	if err := client.SetupTopology(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func newAMQP(ch channel, logger infra.Logger) *AMQP {
	return &AMQP{ch: ch, retry: domain.RetryDelay, logger: logger}
}

// SetupTopology declares exchanges and queues. Idempotent.
func (a *AMQP) SetupTopology() error {
	if err := a.ch.ExchangeDeclare(JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", JobsExchange, err)
	}
	if err := a.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", RetryExchange, err)
	}
	if _, err := a.ch.QueueDeclare(JobsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", JobsQueue, err)
	}
	if err := a.ch.QueueBind(JobsQueue, routingKey, JobsExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", JobsQueue, err)
	}
	// Expired retry messages dead-letter back into the main exchange.
	_, err := a.ch.QueueDeclare(RetryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    JobsExchange,
		"x-dead-letter-routing-key": routingKey,
		"x-message-ttl":             a.retry.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", RetryQueue, err)
	}
	if err := a.ch.QueueBind(RetryQueue, routingKey, RetryExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", RetryQueue, err)
	}
	return nil
}

// Dispatch publishes jobID for immediate pickup.
func (a *AMQP) Dispatch(ctx context.Context, jobID string) error {
	return a.ch.PublishWithContext(ctx, JobsExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(jobID),
	})
}

// Wake publishes jobID to the retry queue so it is redelivered after delay.
// Delays shorter than the queue TTL are carried as a per-message expiration.
func (a *AMQP) Wake(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return a.Dispatch(ctx, jobID)
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(jobID),
	}
	if delay < a.retry {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return a.ch.PublishWithContext(ctx, RetryExchange, routingKey, false, false, msg)
}

// Consume forwards job ids from the main queue to out. Each delivery is acked
// once handed over; the claim decides whether any work happens.
func (a *AMQP) Consume(ctx context.Context, out chan<- string) error {
	if err := a.ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("set rabbitmq qos: %w", err)
	}
	deliveries, err := a.ch.Consume(JobsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", JobsQueue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("dispatch: rabbitmq delivery channel closed")
			}
			jobID := strings.TrimSpace(string(msg.Body))
			if jobID == "" {
				_ = msg.Reject(false)
				continue
			}
			select {
			case out <- jobID:
				if err := msg.Ack(false); err != nil {
					a.logger.Warn().Err(err).Str("job_id", jobID).Msg("dispatch: ack failed")
				}
			case <-ctx.Done():
				_ = msg.Nack(false, true)
				return ctx.Err()
			}
		}
	}
}

func (a *AMQP) Close() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
