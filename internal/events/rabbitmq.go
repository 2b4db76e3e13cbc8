package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/zhejian/url-shortener/internal/events")

// RabbitBus publishes to and consumes from a RabbitMQ topic exchange.
// Publishing shares one channel; every consumer gets its own.
//
// When Redial is configured the bus replaces a connection the broker drops.
// Publishes fail with ErrUnavailable until the new connection is up.
type RabbitBus struct {
	exchange       string
	publishTimeout time.Duration
	prefetch       int
	redial         func(context.Context) (*amqp.Connection, error)
	logger         *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	owned   bool
	pubChan *amqp.Channel

	done      chan struct{}
	closeOnce sync.Once
	watchers  sync.WaitGroup
}

// RabbitOptions configures a RabbitBus.
type RabbitOptions struct {
	Exchange       string
	PublishTimeout time.Duration
	Prefetch       int
	// Redial opens a replacement connection after the broker closes the
	// current one. Nil disables reconnecting.
	Redial func(context.Context) (*amqp.Connection, error)
	// RedialMaxInterval caps the backoff between redial attempts.
	RedialMaxInterval time.Duration
}

// NewRabbitBus opens a publishing channel on conn and declares the durable
// topic exchange. conn stays owned by the caller; connections opened by
// Redial are owned by the bus and closed by Close.
func NewRabbitBus(conn *amqp.Connection, opts RabbitOptions, logger *slog.Logger) (*RabbitBus, error) {
	if opts.Exchange == "" {
		opts.Exchange = Exchange
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 500 * time.Millisecond
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 32
	}
	if opts.RedialMaxInterval <= 0 {
		opts.RedialMaxInterval = 30 * time.Second
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", ErrUnavailable, err)
	}
	if err := declareExchange(ch, opts.Exchange); err != nil {
		ch.Close()
		return nil, err
	}

	b := &RabbitBus{
		exchange:       opts.Exchange,
		publishTimeout: opts.PublishTimeout,
		prefetch:       opts.Prefetch,
		redial:         opts.Redial,
		logger:         logger,
		conn:           conn,
		pubChan:        ch,
		done:           make(chan struct{}),
	}
	if b.redial != nil {
		b.watch(conn, opts.RedialMaxInterval)
	}
	return b, nil
}

// watch redials once conn is closed by the broker or the network. A close
// initiated by this process, which NotifyClose reports without an error,
// is left alone.
func (b *RabbitBus) watch(conn *amqp.Connection, maxInterval time.Duration) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.watchers.Add(1)
	go func() {
		defer b.watchers.Done()
		select {
		case <-b.done:
			return
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return
			}
			b.logger.Warn("broker connection lost, redialing", slog.String("error", amqpErr.Error()))
		}

		next, err := b.dialWithBackoff(maxInterval)
		if err != nil {
			return
		}

		b.mu.Lock()
		select {
		case <-b.done:
			b.mu.Unlock()
			_ = next.Close()
			return
		default:
		}
		if b.owned {
			_ = b.conn.Close()
		}
		b.conn, b.owned, b.pubChan = next, true, nil
		b.mu.Unlock()

		b.logger.Info("broker connection restored")
		b.watch(next, maxInterval)
	}()
}

// dialWithBackoff retries Redial until it succeeds or the bus is closed.
func (b *RabbitBus) dialWithBackoff(maxInterval time.Duration) (*amqp.Connection, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxInterval
	return backoff.Retry(ctx, func() (*amqp.Connection, error) {
		conn, err := b.redial(ctx)
		if err != nil {
			b.logger.Warn("broker redial failed", slog.String("error", err.Error()))
		}
		return conn, err
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(0))
}

// connection returns the current connection or ErrUnavailable while it is down.
func (b *RabbitBus) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil, fmt.Errorf("%w: connection closed", ErrUnavailable)
	}
	return b.conn, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s: %w", ErrUnavailable, exchange, err)
	}
	return nil
}

// Publish sends event as a persistent JSON message with routingKey.
func (b *RabbitBus) Publish(ctx context.Context, routingKey string, event any) error {
	ctx, span := tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", b.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
	defer span.End()

	msg, err := newMessage(routingKey, event)
	if err != nil {
		span.RecordError(err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	ch, err := b.channel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "channel unavailable")
		return err
	}

	err = ch.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.PublishedAt,
		Type:         routingKey,
		Body:         msg.Body,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("%w: publish %s: %w", ErrUnavailable, routingKey, err)
	}
	return nil
}

// channel returns the publishing channel, reopening it if the broker closed it.
func (b *RabbitBus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubChan != nil && !b.pubChan.IsClosed() {
		return b.pubChan, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		return nil, fmt.Errorf("%w: connection closed", ErrUnavailable)
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: reopen channel: %w", ErrUnavailable, err)
	}
	b.pubChan = ch
	return ch, nil
}

// Bind declares a durable queue and binds it to the exchange.
func (b *RabbitBus) Bind(queue, routingKey string) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %w", ErrUnavailable, err)
	}
	defer ch.Close()

	if err := declareExchange(ch, b.exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare queue %s: %w", ErrUnavailable, queue, err)
	}
	if err := ch.QueueBind(queue, routingKey, b.exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s to %s: %w", ErrUnavailable, queue, routingKey, err)
	}
	return nil
}

// Consume reads deliveries from queue with manual acknowledgement. Each
// delivery is acked once h returns, so a crash mid-handler redelivers it.
func (b *RabbitBus) Consume(ctx context.Context, queue string, h Handler) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %w", ErrUnavailable, err)
	}
	defer ch.Close()

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("%w: set qos: %w", ErrUnavailable, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consume %s: %w", ErrUnavailable, queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: deliveries for %s closed", ErrUnavailable, queue)
			}
			b.handle(ctx, d, h)
		}
	}
}

func (b *RabbitBus) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	ctx, span := tracer.Start(ctx, "bus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.id", d.MessageId),
		),
	)
	defer span.End()

	msg := Message{
		ID:          d.MessageId,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		PublishedAt: d.Timestamp,
	}
	if err := h(ctx, msg); err != nil {
		span.RecordError(err)
	}

	if err := d.Ack(false); err != nil {
		b.logger.WarnContext(ctx, "failed to ack message",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()))
	}
}

// Ping reports whether the broker connection is open.
func (b *RabbitBus) Ping(_ context.Context) error {
	_, err := b.connection()
	return err
}

// Close stops reconnecting and closes the publishing channel along with any
// connection the bus opened itself. The original connection belongs to the
// caller.
func (b *RabbitBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.watchers.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.pubChan != nil && !b.pubChan.IsClosed() {
		err = b.pubChan.Close()
	}
	b.pubChan = nil
	if b.owned && b.conn != nil && !b.conn.IsClosed() {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var (
	_ Bus = (*RabbitBus)(nil)
	_ Bus = (*MemoryBus)(nil)
)
