package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

// MQTTConfig represents the config of the MQTTSource
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// clientError pairs a session failure with the client that raised it. One
// dropped connection reports more than one error, so the redial watcher has
// to know which session an error belongs to.
type clientError struct {
	client *paho.Client
	err    error
}

// MQTTSource consumes telemetry messages from an MQTT broker. Published
// messages are matched against the configured topic filters.
type MQTTSource struct {
	config   MQTTConfig
	topics   []string
	messages chan Message
	errs     chan clientError
	closed   chan struct{}
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	client *paho.Client
}

// NewMQTTSource constructs a new MQTTSource instance
func NewMQTTSource(config MQTTConfig, topics []string, logger *zap.SugaredLogger) *MQTTSource {
	return &MQTTSource{
		config:   config,
		topics:   topics,
		messages: make(chan Message),
		errs:     make(chan clientError, 1),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

// Name identifies the source
func (s *MQTTSource) Name() string {
	return "mqtt"
}

// dialBroker opens the network connection for one MQTT session. The broker
// address accepts tcp://, mqtt://, ssl://, tls:// and mqtts:// schemes as
// well as a bare host:port.
func (s *MQTTSource) dialBroker(ctx context.Context) (net.Conn, error) {
	addr := s.config.Broker
	useTLS := false

	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("MQTTSource: invalid broker address: %v", err)
		}

		switch u.Scheme {
		case "tcp", "mqtt":
		case "ssl", "tls", "mqtts":
			useTLS = true
		default:
			return nil, fmt.Errorf("MQTTSource: unsupported broker scheme '%s'", u.Scheme)
		}

		addr = u.Host
	}

	if useTLS {
		dialer := tls.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("MQTTSource: %v", err)
		}
		return conn, nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("MQTTSource: %v", err)
	}

	return conn, nil
}

// connect establishes a session, registers the message handler and subscribes
// to the configured topic filters. The session it replaces is disconnected,
// and no new session is dialed once Shutdown has begun.
func (s *MQTTSource) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return retry.Unrecoverable(errors.New("MQTTSource: source is shut down"))
	default:
	}

	conn, err := s.dialBroker(ctx)
	if err != nil {
		return err
	}

	var client *paho.Client
	client = paho.NewClient(paho.ClientConfig{
		ClientID: s.config.ClientID,
		Conn:     conn,
		OnClientError: func(err error) {
			s.reportError(client, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.reportError(client, fmt.Errorf("MQTTSource: server disconnect (reason code %d)", d.ReasonCode))
		},
	})

	client.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		for _, topic := range s.topics {
			if !MatchTopicFilter(topic, pr.Packet.Topic) {
				continue
			}

			select {
			case s.messages <- Message{Topic: pr.Packet.Topic, Body: pr.Packet.Payload}:
			case <-ctx.Done():
			}

			return true, nil
		}

		return false, nil
	})

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:     s.config.ClientID,
		CleanStart:   true,
		KeepAlive:    30,
		Username:     s.config.Username,
		UsernameFlag: s.config.Username != "",
		Password:     []byte(s.config.Password),
		PasswordFlag: s.config.Password != "",
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("MQTTSource: unable to connect: %v", err)
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("MQTTSource: connection refused (reason code %d)", connack.ReasonCode)
	}

	subscriptions := make([]paho.SubscribeOptions, 0, len(s.topics))
	for _, topic := range s.topics {
		s.logger.Infof("MQTTSource: subscribing to topic '%s'", topic)

		subscriptions = append(subscriptions, paho.SubscribeOptions{
			Topic: topic,
			QoS:   s.config.QoS,
		})
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subscriptions}); err != nil {
		conn.Close()
		return fmt.Errorf("MQTTSource: unable to subscribe: %v", err)
	}

	if s.client != nil {
		s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	s.client = client
	s.logger.Info("MQTTSource: connection established")

	return nil
}

// reportError hands a session failure to the redial watcher without blocking
func (s *MQTTSource) reportError(client *paho.Client, err error) {
	select {
	case <-s.closed:
	case s.errs <- clientError{client: client, err: err}:
	default:
	}
}

// currentClient returns the active session
func (s *MQTTSource) currentClient() *paho.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.client
}

// watch redials with periodic retries whenever the active session errors
// out. Errors raised by sessions that have already been replaced are
// discarded, so a burst of callbacks from one dying connection triggers a
// single redial.
func (s *MQTTSource) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case ce := <-s.errs:
			select {
			case <-s.closed:
				return
			default:
			}
			if ce.client != s.currentClient() {
				s.logger.Debugw("MQTTSource: stale session error discarded", "error", ce.err)
				continue
			}
			s.logger.Warnw("MQTTSource: connection lost", "error", ce.err)
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
				s.logger.Warnw("MQTTSource: reconnect failed", "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			return
		}

		s.logger.Info("MQTTSource: reconnected")
	}
}

// Subscribe connects with the broker and starts the consumption of messages.
// The returned channel stays open across reconnects.
func (s *MQTTSource) Subscribe(ctx context.Context) (<-chan Message, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	go s.watch(ctx)

	return s.messages, nil
}

// Shutdown disconnects from the MQTT broker
func (s *MQTTSource) Shutdown() error {
	s.logger.Info("MQTTSource: shutting down")

	close(s.closed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		s.logger.Info("MQTTSource: shutdown OK")
		return nil
	}

	if err := s.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		return fmt.Errorf("MQTT disconnect error: %s", err)
	}

	s.logger.Info("MQTTSource: shutdown OK")

	return nil
}
