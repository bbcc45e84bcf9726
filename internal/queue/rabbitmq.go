package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNotConnected = errors.New("not connected to RabbitMQ")
	ErrClosed       = errors.New("source is closed")
)

// AMQPSource consumes a RabbitMQ queue with manual acknowledgements.
// Deleting an envelope acks its delivery. Deliveries still pending when the
// next Receive starts are negatively acknowledged with requeue, which is the
// AMQP equivalent of a visibility timeout expiring.
type AMQPSource struct {
	url    string
	queue  string
	wait   time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	pending    map[string]amqp.Delivery
	closed     bool

	// Reconnection settings
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
}

// NewAMQPSource creates a source backed by RabbitMQ. The connection is
// established lazily on the first Receive.
func NewAMQPSource(url, queue string, wait int, logger *slog.Logger) *AMQPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSource{
		url:               url,
		queue:             queue,
		wait:              time.Duration(ClampWait(wait, logger)) * time.Second,
		logger:            logger,
		pending:           make(map[string]amqp.Delivery),
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
	}
}

// ensure dials RabbitMQ and sets up the consumer, retrying with exponential
// backoff until it succeeds or ctx is cancelled. Must hold mu.
func (s *AMQPSource) ensure(ctx context.Context) error {
	if s.ch != nil {
		return nil
	}

	delay := s.reconnectDelay
	for {
		err := s.connect()
		if err == nil {
			s.logger.Info("connected to RabbitMQ", "queue", s.queue)
			return nil
		}

		s.logger.Warn("connection failed", "error", err, "next_attempt", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxReconnectDelay {
			delay = s.maxReconnectDelay
		}
	}
}

// connect performs a single dial and consumer setup attempt. Must hold mu.
func (s *AMQPSource) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("queue declaration failed: %w", err)
	}

	if err := ch.Qos(maxBatch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return err
	}

	s.conn = conn
	s.ch = ch
	s.deliveries = deliveries
	return nil
}

// reset drops the broken connection so the next Receive redials. Must hold mu.
func (s *AMQPSource) reset() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.ch = nil
	s.deliveries = nil
	s.pending = make(map[string]amqp.Delivery)
}

// requeuePending returns every undeleted delivery from the previous batch to
// the queue. Must hold mu.
func (s *AMQPSource) requeuePending() {
	for handle, d := range s.pending {
		if err := d.Nack(false, true); err != nil {
			s.logger.Warn("failed to requeue delivery", "handle", handle, "error", err)
		}
	}
	s.pending = make(map[string]amqp.Delivery)
}

func (s *AMQPSource) Receive(ctx context.Context) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}

	s.requeuePending()

	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	var envelopes []Envelope
	for len(envelopes) < maxBatch {
		select {
		case <-ctx.Done():
			s.requeuePending()
			return nil, ctx.Err()
		case d, ok := <-s.deliveries:
			if !ok {
				s.reset()
				return nil, ErrNotConnected
			}
			handle := strconv.FormatUint(d.DeliveryTag, 10)
			s.pending[handle] = d
			envelopes = append(envelopes, Envelope{Body: string(d.Body), Handle: handle})
		case <-timer.C:
			return envelopes, nil
		}
	}
	return envelopes, nil
}

func (s *AMQPSource) Delete(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	d, ok := s.pending[handle]
	if !ok {
		return fmt.Errorf("unknown delivery handle %q", handle)
	}
	delete(s.pending, handle)
	return d.Ack(false)
}

// Close requeues any pending deliveries and closes the connection. Safe to
// call more than once.
func (s *AMQPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.requeuePending()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		s.ch = nil
		s.deliveries = nil
		return err
	}
	return nil
}
