package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/engine"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	amqpConsumerTag  = "floodwatch-engine"
	amqpDialAttempts = 5
	amqpRetryDelay   = 5 * time.Second
)

// acker is the subset of amqp.Delivery used to settle a message
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// AMQPConsumer reads sensor readings from a RabbitMQ queue with manual
// acknowledgment, reconnecting when the broker closes the connection.
type AMQPConsumer struct {
	cfg  config.AMQPConfig
	sub  Submitter
	log  zerolog.Logger
	dial func(url string) (*amqp.Connection, error)
}

// NewAMQPConsumer creates a consumer for cfg.Queue
func NewAMQPConsumer(cfg config.AMQPConfig, sub Submitter, log zerolog.Logger) *AMQPConsumer {
	return &AMQPConsumer{
		cfg:  cfg,
		sub:  sub,
		log:  log.With().Str("component", "amqp").Str("queue", cfg.Queue).Logger(),
		dial: amqp.Dial,
	}
}

// Start consumes until ctx is cancelled. Connection loss triggers a
// reconnect after a fixed delay.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info().Msg("AMQP consumer stopped")
			return nil
		}
		c.log.Error().Err(err).Dur("retry_in", amqpRetryDelay).Msg("AMQP session ended, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(amqpRetryDelay):
		}
	}
}

// session runs one connection lifetime
func (c *AMQPConsumer) session(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}

	msgs, err := ch.Consume(
		c.cfg.Queue,     // queue
		amqpConsumerTag, // consumer tag
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info().Str("exchange", c.cfg.Exchange).Msg("started consuming from RabbitMQ")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return fmt.Errorf("connection lost: %w", amqpErr)
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(msg, msg.Body)
		}
	}
}

// connect dials with linear backoff, giving up after amqpDialAttempts
func (c *AMQPConsumer) connect(ctx context.Context) (*amqp.Connection, error) {
	url := c.cfg.URL()
	if url == "" {
		return nil, fmt.Errorf("AMQP url is empty (set %s)", c.cfg.URLEnv)
	}

	var lastErr error
	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		conn, err := c.dial(url)
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("connected to RabbitMQ")
			return conn, nil
		}
		lastErr = err
		c.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", amqpDialAttempts).
			Msg("failed to connect to RabbitMQ")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", amqpDialAttempts, lastErr)
}

func (c *AMQPConsumer) declare(ch *amqp.Channel) error {
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	q, err := ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// Without an exchange the queue receives from the default exchange only.
	if c.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(
		c.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	key := c.cfg.Binding
	if key == "" {
		key = "#"
	}
	if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	c.log.Info().
		Str("exchange", c.cfg.Exchange).
		Str("routing_key", key).
		Msg("queue bound to exchange")
	return nil
}

// handle settles one delivery. Readings refused because the engine is
// stopping are requeued for the next consumer; malformed payloads are
// dropped so they cannot loop.
func (c *AMQPConsumer) handle(d acker, body []byte) {
	_, err := HandlePayload(c.sub, SourceAMQP, body, c.log)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error().Err(ackErr).Msg("ack failed")
		}
	case errors.Is(err, engine.ErrStopped):
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.log.Error().Err(nackErr).Msg("nack failed")
		}
	default:
		c.log.Warn().Err(err).Msg("dropping AMQP message")
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Error().Err(nackErr).Msg("nack failed")
		}
	}
}
