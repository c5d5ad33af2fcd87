package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPConfig represents the config of the AMQPSource
type AMQPConfig struct {
	Tag      string `yaml:"tag"`
	Exchange string `yaml:"exchange"`
	DSN      string `yaml:"dsn"`
	TLS      bool   `yaml:"tls"`
}

// AMQPSource consumes telemetry messages from an AMQP topic exchange
type AMQPSource struct {
	config   AMQPConfig
	topics   []string
	tag      string
	messages chan Message
	closed   chan struct{}
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      *amqp.Queue
}

// NewAMQPSource constructs a new AMQPSource instance
func NewAMQPSource(config AMQPConfig, topics []string, logger *zap.SugaredLogger) *AMQPSource {
	return &AMQPSource{
		config:   config,
		topics:   topics,
		tag:      config.Tag,
		messages: make(chan Message),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

// Name identifies the source
func (s *AMQPSource) Name() string {
	return "amqp"
}

// dial connects with the configured AMQP broker
func (s *AMQPSource) dial() error {
	var err error

	if s.config.TLS {
		s.connection, err = amqp.DialTLS(s.config.DSN, nil)
	} else {
		s.connection, err = amqp.Dial(s.config.DSN)
	}

	if err != nil {
		return fmt.Errorf("AMQPSource: %v", err)
	}

	s.logger.Info("AMQPSource: connection established")

	return nil
}

// getChannel gets a Channel for the deliveries
func (s *AMQPSource) getChannel() error {
	var err error

	s.channel, err = s.connection.Channel()
	if err != nil {
		return fmt.Errorf("AMQPSource: unable to get channel: %v", err)
	}

	return nil
}

// declareQueue declares a new Queue for the deliveries
func (s *AMQPSource) declareQueue() (*amqp.Queue, error) {
	queueName := fmt.Sprintf("sensor-stream-relay-%s", s.tag)
	queue, err := s.channel.QueueDeclare(
		queueName, // name of the queue
		true,      // durable
		true,      // delete when unused
		false,     // exclusive
		false,     // noWait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("AMQPSource: unable to declare queue: %v", err)
	}

	return &queue, nil
}

// bindQueue binds the Queue to the configured topics
func (s *AMQPSource) bindQueue() error {
	for _, topic := range s.topics {
		s.logger.Infof("AMQPSource: binding to topic '%s'", topic)

		err := s.channel.QueueBind(
			s.queue.Name,      // name of the queue
			topic,             // bindingKey
			s.config.Exchange, // sourceExchange
			false,             // noWait
			nil,               // arguments
		)
		if err != nil {
			return fmt.Errorf("AMQPSource: unable to bind queue: %v", err)
		}
	}

	return nil
}

// deleteQueue deletes the declared Queue if there are no more consumers
func (s *AMQPSource) deleteQueue() error {
	if s.queue == nil {
		return nil
	}

	_, err := s.channel.QueueDelete(
		s.queue.Name, // name of the queue
		true,         // ifUnused
		false,        // ifEmpty
		false,        // noWait
	)
	if err != nil {
		return fmt.Errorf("AMQPSource: unable to delete queue: %v", err)
	}

	return nil
}

// setup declares and binds the consuming topology on a fresh channel
func (s *AMQPSource) setup() error {
	return retry.Do(
		func() error {
			if err := s.getChannel(); err != nil {
				return err
			}

			queue, err := s.declareQueue()
			if err != nil {
				return err
			}
			s.queue = queue

			return s.bindQueue()
		},
	)
}

// consume starts the delivery of queue messages and pumps them into the
// source channel
func (s *AMQPSource) consume(ctx context.Context) error {
	deliveries, err := s.channel.Consume(
		s.queue.Name, // name of the queue
		s.tag,        // consumerTag
		true,         // autoAck
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("AMQPSource: unable to consume: %v", err)
	}

	go s.forward(ctx, deliveries)

	return nil
}

// forward pumps deliveries into the source channel until the transport drops
// or the context is canceled
func (s *AMQPSource) forward(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			select {
			case s.messages <- Message{Topic: d.RoutingKey, Body: d.Body}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// connect dials the broker and prepares a consuming topology. The dialed
// connection is closed again when the topology cannot be set up, and no new
// connection is dialed once Shutdown has begun.
func (s *AMQPSource) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return retry.Unrecoverable(errors.New("AMQPSource: source is shut down"))
	default:
	}

	if err := s.dial(); err != nil {
		return err
	}
	if err := s.setup(); err != nil {
		s.connection.Close()
		return err
	}
	if err := s.consume(ctx); err != nil {
		s.connection.Close()
		return err
	}

	return nil
}

// watch redials with periodic retries whenever the connection closes
// underneath us
func (s *AMQPSource) watch(ctx context.Context) {
	for {
		s.mu.Lock()
		connection := s.connection
		s.mu.Unlock()

		closed := connection.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case err := <-closed:
			select {
			case <-s.closed:
				return
			default:
			}
			if err != nil {
				s.logger.Warnw("AMQPSource: connection lost", "error", err)
			}
		}

		err := retry.Do(
			func() error {
				return s.connect(ctx)
			},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(reconnectDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				s.logger.Warnw("AMQPSource: reconnect failed", "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			return
		}

		s.logger.Info("AMQPSource: reconnected")
	}
}

// Subscribe connects with the broker and starts the consumption of messages.
// The returned channel stays open across reconnects.
func (s *AMQPSource) Subscribe(ctx context.Context) (<-chan Message, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	go s.watch(ctx)

	return s.messages, nil
}

// Shutdown closes the AMQP connection
func (s *AMQPSource) Shutdown() error {
	s.logger.Info("AMQPSource: shutting down")

	close(s.closed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connection == nil {
		s.logger.Info("AMQPSource: shutdown OK")
		return nil
	}

	if err := s.deleteQueue(); err != nil {
		return err
	}

	if err := s.connection.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %s", err)
	}

	s.logger.Info("AMQPSource: shutdown OK")

	return nil
}
